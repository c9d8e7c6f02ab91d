// Package relay fans session notifications out across instances that share
// one store. Every message carries the publishing instance id, and an
// instance drops its own messages since it already delivered them locally.
package relay

import (
	"encoding/json"
	"fmt"

	"github.com/victornm/planningpoker/internal/domain"
	"github.com/victornm/planningpoker/internal/hub"
)

// Sink receives notifications published by other instances.
type Sink interface {
	Deliver(n hub.Notification, excludeConnID string)
}

type envelope struct {
	Origin    string          `json:"origin"`
	SessionID string          `json:"session_id"`
	Exclude   string          `json:"exclude,omitempty"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
}

func encode(origin string, n hub.Notification, exclude string) ([]byte, error) {
	data, err := json.Marshal(n.Event)
	if err != nil {
		return nil, fmt.Errorf("relay: marshal %s: %w", n.Event.Name(), err)
	}

	b, err := json.Marshal(envelope{
		Origin:    origin,
		SessionID: n.SessionID,
		Exclude:   exclude,
		Event:     n.Event.Name(),
		Data:      data,
	})
	if err != nil {
		return nil, fmt.Errorf("relay: marshal envelope: %w", err)
	}

	return b, nil
}

func decode(b []byte) (envelope, hub.Notification, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return envelope{}, hub.Notification{}, fmt.Errorf("relay: unmarshal envelope: %w", err)
	}

	e, err := domain.DecodeEvent(env.Event, env.Data)
	if err != nil {
		return envelope{}, hub.Notification{}, err
	}

	return env, hub.Notification{SessionID: env.SessionID, Event: e}, nil
}
