package relay

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/victornm/planningpoker/internal/hub"
)

type RedisConfig struct {
	Redis  redis.UniversalClient
	Prefix string
	// Origin identifies this instance.
	Origin string
}

// Redis relays notifications over Redis pub/sub, one channel per session:
// <prefix>:session:<sid>.
type Redis struct {
	redis  redis.UniversalClient
	prefix string
	origin string
}

var _ hub.Relay = (*Redis)(nil)

func NewRedis(c RedisConfig) *Redis {
	return &Redis{
		redis:  c.Redis,
		prefix: c.Prefix,
		origin: c.Origin,
	}
}

func (r *Redis) Publish(ctx context.Context, n hub.Notification, excludeConnID string) error {
	b, err := encode(r.origin, n, excludeConnID)
	if err != nil {
		return err
	}

	return r.redis.Publish(ctx, r.channel(n.SessionID), b).Err()
}

// Run delivers notifications from other instances to sink until ctx is done.
func (r *Redis) Run(ctx context.Context, sink Sink) error {
	sub := r.redis.PSubscribe(ctx, r.channel("*"))
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("relay: subscribe: %w", err)
	}
	slog.InfoContext(ctx, "relay: redis subscribed", "pattern", r.channel("*"))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.handle(ctx, sink, []byte(msg.Payload))
		}
	}
}

func (r *Redis) handle(ctx context.Context, sink Sink, b []byte) {
	env, n, err := decode(b)
	if err != nil {
		slog.ErrorContext(ctx, "relay: drop message", "error", err)
		return
	}
	if env.Origin == r.origin {
		return
	}

	sink.Deliver(n, env.Exclude)
}

func (r *Redis) channel(sessionID string) string {
	return fmt.Sprintf("%s:session:%s", r.prefix, sessionID)
}
