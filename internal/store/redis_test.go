package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/planningpoker/internal/domain"
	"github.com/victornm/planningpoker/internal/store"
)

func TestRedisStore(t *testing.T) {
	testStore(t, func(t *testing.T, newID func() string) store.Store {
		s, _ := makeRedisStore(t, 0, newID)
		return s
	})
}

func TestRedisStore_Expiry(t *testing.T) {
	ctx := context.Background()
	s, mr := makeRedisStore(t, time.Hour, nil)

	id, err := s.CreateSession(ctx, "t", []string{"1"})
	require.NoError(t, err)
	require.NoError(t, s.CreateParticipant(ctx, id, domain.Participant{ID: "p1", Name: "Alice"}))
	require.NoError(t, s.AddPoint(ctx, id, "2"))

	for _, key := range []string{"poker:" + id, "poker:" + id + ":points", "poker:" + id + ":participants", "poker:" + id + ":participants:p1"} {
		assert.Equal(t, time.Hour, mr.TTL(key), key)
	}

	mr.FastForward(time.Hour)

	ok, err := s.SessionExists(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, mr.Keys())
}

func TestRedisStore_KeyLayout(t *testing.T) {
	ctx := context.Background()
	s, mr := makeRedisStore(t, 0, func() string { return "abcd1234" })

	id, err := s.CreateSession(ctx, "sprint", []string{"1", "2"})
	require.NoError(t, err)
	require.NoError(t, s.CreateParticipant(ctx, id, domain.Participant{ID: "p1", Name: "Alice", Points: "2"}))

	assert.Equal(t, "sprint", mr.HGet("poker:abcd1234", store.FieldTitle))
	assert.Equal(t, "Hidden", mr.HGet("poker:abcd1234", store.FieldState))

	roster, err := mr.List("poker:abcd1234:participants")
	require.NoError(t, err)
	assert.Equal(t, []string{"p1"}, roster)

	points, err := mr.List("poker:abcd1234:points")
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, points)

	assert.Equal(t, "Alice", mr.HGet("poker:abcd1234:participants:p1", store.FieldName))
	assert.Equal(t, "2", mr.HGet("poker:abcd1234:participants:p1", store.FieldPoints))
	assert.Equal(t, "0", mr.HGet("poker:abcd1234:participants:p1", store.FieldStars))
}

func TestRedisStore_Unavailable(t *testing.T) {
	ctx := context.Background()
	s, mr := makeRedisStore(t, 0, nil)
	mr.Close()

	_, err := s.CreateSession(ctx, "t", nil)
	require.Error(t, err)

	err = s.UpdateSessionTitle(ctx, "x", "y")
	require.Error(t, err)
}

func makeRedisStore(t *testing.T, ttl time.Duration, newID func() string) (*store.RedisStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return store.NewRedisStore(store.RedisConfig{
		Redis:  rdb,
		Prefix: "poker",
		TTL:    ttl,
		NewID:  newID,
	}), mr
}
