package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/victornm/planningpoker/internal/hub"
)

type NATSConfig struct {
	Conn   *nats.Conn
	Prefix string
	// Origin identifies this instance.
	Origin string
}

// NATS relays notifications over core NATS subjects <prefix>.session.<sid>.
type NATS struct {
	nc     *nats.Conn
	prefix string
	origin string
}

var _ hub.Relay = (*NATS)(nil)

func NewNATS(c NATSConfig) *NATS {
	return &NATS{
		nc:     c.Conn,
		prefix: c.Prefix,
		origin: c.Origin,
	}
}

// DialNATS connects with unlimited reconnects, logging connection changes.
func DialNATS(url string, reconnectWait time.Duration) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(reconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Error("relay: nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("relay: nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			slog.Error("relay: nats error", "error", err)
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	return nc, nil
}

func (r *NATS) Publish(_ context.Context, n hub.Notification, excludeConnID string) error {
	b, err := encode(r.origin, n, excludeConnID)
	if err != nil {
		return err
	}

	return r.nc.Publish(r.subject(n.SessionID), b)
}

// Run delivers notifications from other instances to sink until ctx is done.
func (r *NATS) Run(ctx context.Context, sink Sink) error {
	sub, err := r.nc.Subscribe(r.subject("*"), func(msg *nats.Msg) {
		env, n, err := decode(msg.Data)
		if err != nil {
			slog.ErrorContext(ctx, "relay: drop message", "subject", msg.Subject, "error", err)
			return
		}
		if env.Origin == r.origin {
			return
		}

		sink.Deliver(n, env.Exclude)
	})
	if err != nil {
		return fmt.Errorf("relay: subscribe: %w", err)
	}
	slog.InfoContext(ctx, "relay: nats subscribed", "subject", r.subject("*"))

	<-ctx.Done()
	return sub.Unsubscribe()
}

func (r *NATS) subject(sessionID string) string {
	return fmt.Sprintf("%s.session.%s", r.prefix, sessionID)
}
