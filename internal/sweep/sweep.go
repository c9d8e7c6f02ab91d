// Package sweep periodically reclaims expired sessions from stores that do
// not expire them on their own.
package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/victornm/planningpoker/internal/telemetry"
)

const DefaultInterval = 10 * time.Minute

type Expirer interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

type Config struct {
	Store Expirer
	// Redis, when set, elects one sweeping instance per interval.
	Redis  redis.UniversalClient
	Prefix string
	// Owner identifies this instance in the election key.
	Owner    string
	Interval time.Duration
	Clock    clockwork.Clock
	Metrics  *telemetry.Metrics
}

type Sweeper struct {
	store    Expirer
	redis    redis.UniversalClient
	prefix   string
	owner    string
	interval time.Duration
	clock    clockwork.Clock
	metrics  *telemetry.Metrics
}

func New(c Config) *Sweeper {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}

	return &Sweeper{
		store:    c.Store,
		redis:    c.Redis,
		prefix:   c.Prefix,
		owner:    c.Owner,
		interval: c.Interval,
		clock:    c.Clock,
		metrics:  c.Metrics,
	}
}

// Run sweeps once per interval until ctx is done. Failures are logged and
// retried on the next tick.
func (s *Sweeper) Run(ctx context.Context) error {
	t := s.clock.NewTicker(s.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.Chan():
			if _, _, err := s.Sweep(ctx); err != nil {
				slog.ErrorContext(ctx, "sweep: failed", "error", err)
			}
		}
	}
}

// Sweep deletes expired sessions if this instance wins the current slot.
// It reports how many sessions were deleted and whether it swept at all.
func (s *Sweeper) Sweep(ctx context.Context) (int64, bool, error) {
	if s.redis != nil {
		// The slot lasts half an interval so the next tick always finds it free.
		ok, err := s.redis.SetNX(ctx, s.slotKey(), s.owner, s.interval/2).Result()
		if err != nil {
			return 0, false, fmt.Errorf("sweep: claim slot: %w", err)
		}
		if !ok {
			return 0, false, nil
		}
	}

	n, err := s.store.DeleteExpired(ctx)
	if err != nil {
		return 0, true, fmt.Errorf("sweep: %w", err)
	}

	s.metrics.Expired(n)
	if n > 0 {
		slog.InfoContext(ctx, "sweep: expired sessions deleted", "count", n)
	}

	return n, true, nil
}

func (s *Sweeper) slotKey() string {
	return fmt.Sprintf("%s:sweep", s.prefix)
}
