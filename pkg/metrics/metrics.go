// Package metrics implements the metrics collector: in-process counters,
// a bounded ring of recent latencies for percentile computation, a
// Prometheus text export, and an optional periodic flush to an external
// key-value store.
package metrics

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

const latencyRingCap = 1000

// Store is the external key-value collaborator metrics are flushed to.
type Store interface {
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	AddToSortedSet(ctx context.Context, setKey string, member string, score float64) error
	TrimSortedSetOlderThan(ctx context.Context, setKey string, minScore float64) error
}

// Snapshot is the point-in-time view returned by Collector.Snapshot.
type Snapshot struct {
	TotalJobs          int64
	Successful         int64
	Failed             int64
	Retried            int64
	RateLimitHits      int64
	CircuitBreakerOpens int64
	ErrorsByCategory   map[string]int64

	SuccessRate float64 // percent, 2 decimals

	P50, P95, P99, Max, Avg time.Duration
}

// Collector is the process-local metrics registry, passed by reference
// and injected rather than held as a package-level global.
type Collector struct {
	mu sync.Mutex

	totalJobs           int64
	successful          int64
	failed              int64
	retried             int64
	rateLimitHits       int64
	circuitBreakerOpens int64
	errorsByCategory    map[string]int64

	latencies []time.Duration // ring buffer, capacity latencyRingCap
	ringPos   int

	registry *prometheus.Registry
	promTotal *prometheus.CounterVec
	promLatency prometheus.Histogram
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	totalVec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "publisher_jobs_total",
		Help: "Publisher job outcomes by category.",
	}, []string{"outcome"})
	latency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "publisher_job_latency_seconds",
		Help:    "Publish job latency in seconds.",
		Buckets: prometheus.DefBuckets,
	})
	reg.MustRegister(totalVec, latency)

	return &Collector{
		errorsByCategory: make(map[string]int64),
		registry:         reg,
		promTotal:        totalVec,
		promLatency:      latency,
	}
}

// Registry exposes the underlying Prometheus registry, e.g. for a
// promhttp.HandlerFor-backed /metrics endpoint in cmd/publisher.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

func (c *Collector) RecordJobStarted() {
	c.mu.Lock()
	c.totalJobs++
	c.mu.Unlock()
}

func (c *Collector) RecordSuccess(latency time.Duration) {
	c.mu.Lock()
	c.successful++
	c.pushLatency(latency)
	c.mu.Unlock()
	c.promTotal.WithLabelValues("success").Inc()
	c.promLatency.Observe(latency.Seconds())
}

func (c *Collector) RecordFailure(category string, latency time.Duration) {
	c.mu.Lock()
	c.failed++
	c.errorsByCategory[category]++
	c.pushLatency(latency)
	c.mu.Unlock()
	c.promTotal.WithLabelValues("failure").Inc()
	c.promLatency.Observe(latency.Seconds())
}

func (c *Collector) RecordRetry() {
	c.mu.Lock()
	c.retried++
	c.mu.Unlock()
	c.promTotal.WithLabelValues("retry").Inc()
}

func (c *Collector) RecordRateLimitHit() {
	c.mu.Lock()
	c.rateLimitHits++
	c.mu.Unlock()
	c.promTotal.WithLabelValues("rate_limit_hit").Inc()
}

func (c *Collector) RecordCircuitBreakerOpen() {
	c.mu.Lock()
	c.circuitBreakerOpens++
	c.mu.Unlock()
	c.promTotal.WithLabelValues("circuit_breaker_open").Inc()
}

// pushLatency appends to the bounded ring, evicting the oldest sample
// once capacity is reached. Caller must hold c.mu.
func (c *Collector) pushLatency(d time.Duration) {
	if len(c.latencies) < latencyRingCap {
		c.latencies = append(c.latencies, d)
		return
	}
	c.latencies[c.ringPos] = d
	c.ringPos = (c.ringPos + 1) % latencyRingCap
}

// percentile computes the nearest-rank index: ceil(p/100 * n) - 1 on
// the sorted sample.
func percentile(sorted []time.Duration, p float64) time.Duration {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	idx := int(math.Ceil(p/100*float64(n))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}

// Snapshot returns the current counters plus derived success rate and
// latency percentiles.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	errs := make(map[string]int64, len(c.errorsByCategory))
	for k, v := range c.errorsByCategory {
		errs[k] = v
	}

	sorted := append([]time.Duration(nil), c.latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	var max time.Duration
	for _, d := range sorted {
		sum += d
		if d > max {
			max = d
		}
	}
	var avg time.Duration
	if len(sorted) > 0 {
		avg = sum / time.Duration(len(sorted))
	}

	total := c.successful + c.failed
	var rate float64
	if total > 0 {
		rate = math.Round(float64(c.successful)/float64(total)*10000) / 100
	}

	return Snapshot{
		TotalJobs:           c.totalJobs,
		Successful:          c.successful,
		Failed:              c.failed,
		Retried:             c.retried,
		RateLimitHits:       c.rateLimitHits,
		CircuitBreakerOpens: c.circuitBreakerOpens,
		ErrorsByCategory:    errs,
		SuccessRate:         rate,
		P50:                 percentile(sorted, 50),
		P95:                 percentile(sorted, 95),
		P99:                 percentile(sorted, 99),
		Max:                 max,
		Avg:                 avg,
	}
}

// PrometheusText renders the registry in Prometheus text exposition
// format.
func (c *Collector) PrometheusText() (string, error) {
	mfs, err := c.registry.Gather()
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range mfs {
		if err := enc.Encode(mf); err != nil {
			return "", err
		}
	}
	return buf.String(), nil
}

// FlushLoop periodically writes Snapshot() to store under
// metrics:publisher:1min:<epoch> and indexes that key in a time-sorted
// set trimmed to 24h. Runs until ctx is canceled.
func (c *Collector) FlushLoop(ctx context.Context, store Store, interval time.Duration, now func() time.Time) {
	if store == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.flushOnce(ctx, store, now())
		}
	}
}

func (c *Collector) flushOnce(ctx context.Context, store Store, at time.Time) {
	snap := c.Snapshot()
	epoch := at.Unix()
	key := fmt.Sprintf("metrics:publisher:1min:%d", epoch)
	payload := fmt.Sprintf(`{"total_jobs":%d,"successful":%d,"failed":%d,"retried":%d,"rate_limit_hits":%d,"circuit_breaker_opens":%d,"success_rate":%.2f,"p50_ms":%d,"p95_ms":%d,"p99_ms":%d,"max_ms":%d,"avg_ms":%d}`,
		snap.TotalJobs, snap.Successful, snap.Failed, snap.Retried, snap.RateLimitHits, snap.CircuitBreakerOpens,
		snap.SuccessRate, snap.P50.Milliseconds(), snap.P95.Milliseconds(), snap.P99.Milliseconds(), snap.Max.Milliseconds(), snap.Avg.Milliseconds())

	_ = store.Set(ctx, key, payload, 25*time.Hour)
	_ = store.AddToSortedSet(ctx, "metrics:publisher:timeline", key, float64(epoch))
	_ = store.TrimSortedSetOlderThan(ctx, "metrics:publisher:timeline", float64(at.Add(-24*time.Hour).Unix()))
}

