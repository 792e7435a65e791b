package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(rdb), mr
}

func TestSetGetRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "circuit:user-1", "OPEN", time.Minute))
	v, ok, err := s.Get(ctx, "circuit:user-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "OPEN", v)
}

func TestGetMissingKey(t *testing.T) {
	s, _ := newTestStore(t)
	_, ok, err := s.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSortedSetTrim(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AddToSortedSet(ctx, "timeline", "old", 100))
	require.NoError(t, s.AddToSortedSet(ctx, "timeline", "new", 2000))
	require.NoError(t, s.TrimSortedSetOlderThan(ctx, "timeline", 1000))

	members, err := s.rdb.ZRange(ctx, "timeline", 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, members)
}

func TestCacheStoreRoundTrip(t *testing.T) {
	_, mr := newTestStore(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cs := NewCacheStore(rdb)
	ctx := context.Background()

	cs.Set(ctx, "deviation", "123", map[string]any{"title": "hello"}, time.Unix(1000, 0))
	v, storedAt, ok := cs.Get(ctx, "deviation", "123")
	require.True(t, ok)
	assert.Equal(t, int64(1000), storedAt.Unix())
	m, ok := v.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "hello", m["title"])
}
