package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jeyb33/publisher-core/internal/clock"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAdapter(t *testing.T) (*Adapter, *clock.Fake) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	fc := clock.NewFake(time.Unix(1_700_000_000, 0))
	return New(rdb, fc, DefaultRetryPolicy()), fc
}

// TestIdempotentScheduling verifies that a second Schedule call for the
// same jobID replaces the fireAt of the first rather than creating a
// duplicate entry.
func TestIdempotentScheduling(t *testing.T) {
	a, fc := newTestAdapter(t)
	ctx := context.Background()

	require.NoError(t, a.Schedule(ctx, "publish:d1", map[string]string{"draftId": "d1"}, fc.Now().Add(time.Hour)))
	state, err := a.GetState(ctx, "publish:d1")
	require.NoError(t, err)
	assert.Equal(t, StateDelayed, state)

	require.NoError(t, a.Schedule(ctx, "publish:d1", map[string]string{"draftId": "d1"}, fc.Now().Add(2*time.Hour)))

	members, err := a.rdb.ZCard(ctx, delayedZSetKey).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, members, "re-scheduling the same id must not create a second pending job")
}

func TestPublishNowRejectsActiveJob(t *testing.T) {
	a, fc := newTestAdapter(t)
	ctx := context.Background()

	require.NoError(t, a.Schedule(ctx, "publish:d1", "payload", fc.Now()))
	claimed, err := a.ClaimReady(ctx, 10)
	require.NoError(t, err)
	require.Contains(t, claimed, "publish:d1")

	state, err := a.GetState(ctx, "publish:d1")
	require.NoError(t, err)
	require.Equal(t, StateActive, state)

	err = a.PublishNow(ctx, "publish:d1", "payload")
	require.Error(t, err)
}

func TestPublishNowReplacesWaitingJob(t *testing.T) {
	a, fc := newTestAdapter(t)
	ctx := context.Background()

	require.NoError(t, a.Schedule(ctx, "publish:d1", "payload", fc.Now().Add(time.Hour)))
	require.NoError(t, a.PublishNow(ctx, "publish:d1", "payload"))

	state, err := a.GetState(ctx, "publish:d1")
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, state)
}

func TestCancelIsNoopWhenAbsent(t *testing.T) {
	a, _ := newTestAdapter(t)
	assert.NoError(t, a.Cancel(context.Background(), "publish:ghost"))
}

func TestRetryPolicyBackoff(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, 30*time.Second, p.Delay(1))
	assert.Equal(t, 60*time.Second, p.Delay(2))
	assert.Equal(t, 120*time.Second, p.Delay(3))
	assert.Equal(t, p.Cap, p.Delay(30))
}

func TestRetryMarksTerminalAfterMaxAttempts(t *testing.T) {
	a, _ := newTestAdapter(t)
	ctx := context.Background()
	require.NoError(t, a.Schedule(ctx, "publish:d1", "payload", time.Unix(1_700_000_000, 0)))

	require.NoError(t, a.Retry(ctx, "publish:d1", "payload", a.retry.MaxAttempts, "server error"))
	state, err := a.GetState(ctx, "publish:d1")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, state)
}
