package metrics

import (
	"context"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPercentileOrdering(t *testing.T) {
	c := NewCollector()
	for i := 1; i <= 100; i++ {
		c.RecordSuccess(time.Duration(i) * time.Millisecond)
	}
	snap := c.Snapshot()
	assert.LessOrEqual(t, snap.P50, snap.P95)
	assert.LessOrEqual(t, snap.P95, snap.P99)
	assert.LessOrEqual(t, snap.P99, snap.Max)
}

func TestSuccessRateDerivation(t *testing.T) {
	c := NewCollector()
	c.RecordSuccess(time.Millisecond)
	c.RecordSuccess(time.Millisecond)
	c.RecordSuccess(time.Millisecond)
	c.RecordFailure("server_error", time.Millisecond)

	snap := c.Snapshot()
	assert.Equal(t, int64(3), snap.Successful)
	assert.Equal(t, int64(1), snap.Failed)
	assert.Equal(t, 75.0, snap.SuccessRate)
	assert.Equal(t, int64(1), snap.ErrorsByCategory["server_error"])
}

func TestLatencyRingIsBounded(t *testing.T) {
	c := NewCollector()
	for i := 0; i < latencyRingCap+50; i++ {
		c.RecordSuccess(time.Duration(i) * time.Millisecond)
	}
	assert.Len(t, c.latencies, latencyRingCap)
}

func TestPrometheusCountersIncrement(t *testing.T) {
	c := NewCollector()
	before := testutil.ToFloat64(c.promTotal.WithLabelValues("success"))
	c.RecordSuccess(time.Millisecond)
	after := testutil.ToFloat64(c.promTotal.WithLabelValues("success"))
	assert.Equal(t, before+1, after)

	m := &dto.Metric{}
	require.NoError(t, c.promLatency.Write(m))
	assert.True(t, m.GetHistogram().GetSampleCount() > 0)
}

func TestPrometheusTextExport(t *testing.T) {
	c := NewCollector()
	c.RecordSuccess(time.Millisecond)
	text, err := c.PrometheusText()
	require.NoError(t, err)
	assert.Contains(t, text, "publisher_jobs_total")
}

type fakeStore struct {
	sets    map[string]string
	members map[string]float64
}

func newFakeStore() *fakeStore {
	return &fakeStore{sets: map[string]string{}, members: map[string]float64{}}
}

func (f *fakeStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	f.sets[key] = value
	return nil
}

func (f *fakeStore) AddToSortedSet(ctx context.Context, setKey, member string, score float64) error {
	f.members[member] = score
	return nil
}

func (f *fakeStore) TrimSortedSetOlderThan(ctx context.Context, setKey string, minScore float64) error {
	for k, v := range f.members {
		if v < minScore {
			delete(f.members, k)
		}
	}
	return nil
}

func TestFlushOnceWritesSnapshot(t *testing.T) {
	c := NewCollector()
	c.RecordSuccess(time.Millisecond)
	store := newFakeStore()
	at := time.Unix(1000, 0)
	c.flushOnce(context.Background(), store, at)

	key := "metrics:publisher:1min:1000"
	assert.Contains(t, store.sets, key)
	assert.Contains(t, store.members, key)
}
