// Package protocol defines the frames exchanged over a session WebSocket.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/victornm/planningpoker/internal/domain"
	"github.com/victornm/planningpoker/internal/errors"
)

type FrameType string

const (
	FrameWelcome FrameType = "welcome"
	FrameCommand FrameType = "command"
	FrameResult  FrameType = "result"
	FrameError   FrameType = "error"
	FrameEvent   FrameType = "event"
)

// Frame is one WebSocket text message. Commands and their result or error
// share a RequestID; events carry the event name.
type Frame struct {
	Type      FrameType       `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Name      string          `json:"name,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     *Error          `json:"error,omitempty"`
}

type Error struct {
	Code    string `json:"code"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Err rebuilds the service error so callers can match on its reason.
func (e *Error) Err() error {
	return errors.New(errors.ParseCode(e.Code),
		errors.WithReason(e.Reason),
		errors.WithMessagef("%s", e.Message),
	)
}

// ErrorFrom converts any error into its wire form.
func ErrorFrom(err error) *Error {
	e := errors.Convert(err)
	return &Error{
		Code:    e.CodeName(),
		Reason:  e.Reason,
		Message: e.Message,
	}
}

type Welcome struct {
	ConnectionID  string `json:"connection_id"`
	ParticipantID string `json:"participant_id"`
}

func NewWelcome(w Welcome) (Frame, error) {
	b, err := json.Marshal(w)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: FrameWelcome, Payload: b}, nil
}

func NewCommand(requestID, name string, payload any) (Frame, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("protocol: marshal %s: %w", name, err)
	}
	return Frame{Type: FrameCommand, RequestID: requestID, Name: name, Payload: b}, nil
}

// NewResult builds the reply to a command. A nil result has no payload.
func NewResult(requestID, name string, result any) (Frame, error) {
	f := Frame{Type: FrameResult, RequestID: requestID, Name: name}
	if result == nil {
		return f, nil
	}

	b, err := json.Marshal(result)
	if err != nil {
		return Frame{}, fmt.Errorf("protocol: marshal %s result: %w", name, err)
	}
	f.Payload = b
	return f, nil
}

func NewError(requestID, name string, err error) Frame {
	return Frame{Type: FrameError, RequestID: requestID, Name: name, Error: ErrorFrom(err)}
}

func NewEvent(sessionID string, e domain.Event) (Frame, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return Frame{}, fmt.Errorf("protocol: marshal %s: %w", e.Name(), err)
	}
	return Frame{Type: FrameEvent, Name: e.Name(), SessionID: sessionID, Payload: b}, nil
}

// Event decodes an event frame.
func (f Frame) Event() (domain.Event, error) {
	if f.Type != FrameEvent {
		return nil, fmt.Errorf("protocol: %s frame is not an event", f.Type)
	}
	return domain.DecodeEvent(f.Name, f.Payload)
}

// Decode unmarshals the payload into v. An empty payload leaves v untouched.
func (f Frame) Decode(v any) error {
	if len(f.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return errors.InvalidArgument("malformed %s payload: %v", f.Name, err)
	}
	return nil
}
