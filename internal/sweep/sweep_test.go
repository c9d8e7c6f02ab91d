package sweep_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/planningpoker/internal/sweep"
)

func TestSweeper_Sweep(t *testing.T) {
	type outputs struct {
		deleted []int64
		swept   []bool
		calls   []int64
	}

	tests := map[string]struct {
		arrange func(t *testing.T, mr *miniredis.Miniredis, a, b *sweep.Sweeper) outputs
		assert  func(t *testing.T, out outputs)
	}{
		"only one instance sweeps per slot": {
			arrange: func(t *testing.T, _ *miniredis.Miniredis, a, b *sweep.Sweeper) outputs {
				var out outputs
				for _, s := range []*sweep.Sweeper{a, b} {
					n, ok, err := s.Sweep(context.Background())
					require.NoError(t, err)
					out.deleted = append(out.deleted, n)
					out.swept = append(out.swept, ok)
				}
				return out
			},
			assert: func(t *testing.T, out outputs) {
				assert.Equal(t, []bool{true, false}, out.swept)
				assert.Equal(t, []int64{3, 0}, out.deleted)
			},
		},
		"slot frees up after half an interval": {
			arrange: func(t *testing.T, mr *miniredis.Miniredis, a, b *sweep.Sweeper) outputs {
				var out outputs
				_, ok, err := a.Sweep(context.Background())
				require.NoError(t, err)
				out.swept = append(out.swept, ok)

				mr.FastForward(30 * time.Second)

				_, ok, err = b.Sweep(context.Background())
				require.NoError(t, err)
				out.swept = append(out.swept, ok)
				return out
			},
			assert: func(t *testing.T, out outputs) {
				assert.Equal(t, []bool{true, true}, out.swept)
			},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			mr := miniredis.RunT(t)
			expirer := &fakeExpirer{n: 3}
			a := makeSweeper(t, mr, expirer, "a", nil)
			b := makeSweeper(t, mr, expirer, "b", nil)

			tc.assert(t, tc.arrange(t, mr, a, b))
		})
	}
}

func TestSweeper_WithoutRedis(t *testing.T) {
	expirer := &fakeExpirer{n: 2}
	s := sweep.New(sweep.Config{Store: expirer})

	for range 2 {
		n, ok, err := s.Sweep(context.Background())
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, int64(2), n)
	}
	assert.Equal(t, int64(2), expirer.calls.Load())
}

func TestSweeper_StoreFailure(t *testing.T) {
	s := sweep.New(sweep.Config{Store: &fakeExpirer{err: errors.New("connection refused")}})

	_, ok, err := s.Sweep(context.Background())
	assert.True(t, ok)
	assert.ErrorContains(t, err, "connection refused")
}

func TestSweeper_Run(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := clockwork.NewFakeClock()
	expirer := &fakeExpirer{}
	s := sweep.New(sweep.Config{Store: expirer, Interval: time.Minute, Clock: clock})

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	assert.Zero(t, expirer.calls.Load(), "nothing before the first tick")

	clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return expirer.calls.Load() == 1 }, time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

type fakeExpirer struct {
	n     int64
	err   error
	calls atomic.Int64
}

func (f *fakeExpirer) DeleteExpired(context.Context) (int64, error) {
	f.calls.Add(1)
	return f.n, f.err
}

func makeSweeper(t *testing.T, mr *miniredis.Miniredis, e sweep.Expirer, owner string, clock clockwork.Clock) *sweep.Sweeper {
	t.Helper()

	r := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = r.Close() })

	return sweep.New(sweep.Config{
		Store:    e,
		Redis:    r,
		Prefix:   "poker",
		Owner:    owner,
		Interval: time.Minute,
		Clock:    clock,
	})
}
