package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jeyb33/publisher-core/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rateLimitErr struct{}

func (rateLimitErr) Error() string   { return "429 rate limited" }
func (rateLimitErr) RateLimited() bool { return true }

func TestFreshHitSkipsFetch(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	c := New(NewMemoryStore(), fc)

	var calls int32
	fetch := func(ctx context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		return "v1", nil
	}

	v, err := c.GetOrFetch(context.Background(), "ns", "k", time.Minute, time.Hour, fetch)
	require.NoError(t, err)
	assert.Equal(t, "v1", v)

	v, err = c.GetOrFetch(context.Background(), "ns", "k", time.Minute, time.Hour, fetch)
	require.NoError(t, err)
	assert.Equal(t, "v1", v)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls), "second call within ttl must not invoke fetch")
}

func TestStaleOn429WhenStaleEntryExists(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	c := New(NewMemoryStore(), fc)

	_, err := c.GetOrFetch(context.Background(), "ns", "k", time.Second, time.Hour, func(ctx context.Context) (any, error) {
		return "fresh", nil
	})
	require.NoError(t, err)

	fc.Advance(2 * time.Second) // now stale relative to ttl but within staleTTL

	v, err := c.GetOrFetch(context.Background(), "ns", "k", time.Second, time.Hour, func(ctx context.Context) (any, error) {
		return nil, rateLimitErr{}
	})
	require.NoError(t, err, "stale value should be served instead of propagating 429")
	assert.Equal(t, "fresh", v)
}

func Test429PropagatesWithoutStaleEntry(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	c := New(NewMemoryStore(), fc)

	_, err := c.GetOrFetch(context.Background(), "ns", "k", time.Second, time.Hour, func(ctx context.Context) (any, error) {
		return nil, rateLimitErr{}
	})
	assert.Error(t, err)
}

func TestConcurrentCallersCoalesce(t *testing.T) {
	fc := clock.Real{}
	c := New(NewMemoryStore(), fc)

	var calls int32
	release := make(chan struct{})
	fetch := func(ctx context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return "v", nil
	}

	var wg sync.WaitGroup
	results := make([]any, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, _ := c.GetOrFetch(context.Background(), "ns", "shared-key", time.Minute, time.Hour, fetch)
			results[i] = v
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt32(&calls), "concurrent callers for the same key must coalesce into one fetch")
	for _, r := range results {
		assert.Equal(t, "v", r)
	}
}
