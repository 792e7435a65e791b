// Package ratelimiter implements a per-key adaptive (AIMD) delay gate:
// multiplicative increase on failure, multiplicative decrease on
// success, with jittered spacing between admitted calls.
package ratelimiter

import (
	"math/rand"
	"sync"
	"time"

	"github.com/jeyb33/publisher-core/internal/clock"
)

// Config holds the AIMD tuning.
type Config struct {
	BaseDelay             time.Duration
	MaxDelay              time.Duration
	JitterPercent         float64
	SuccessDecreaseFactor float64
	FailureIncreaseFactor float64
}

func DefaultConfig() Config {
	return Config{
		BaseDelay:             3 * time.Second,
		MaxDelay:              60 * time.Second,
		JitterPercent:         0.2,
		SuccessDecreaseFactor: 0.9,
		FailureIncreaseFactor: 2.0,
	}
}

type keyState struct {
	mu             sync.Mutex
	currentDelay   time.Duration
	nextAllowedAt  time.Time
	retryAfterFloor time.Time
}

// Limiter owns one keyState per key. Passed by reference and injected
// rather than held as a package-level global.
type Limiter struct {
	cfg   Config
	clock clock.Clock
	rng   *rand.Rand
	rngMu sync.Mutex

	mu   sync.Mutex
	keys map[string]*keyState
}

func New(cfg Config, clk clock.Clock) *Limiter {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Limiter{
		cfg:   cfg,
		clock: clk,
		rng:   rand.New(rand.NewSource(1)),
		keys:  make(map[string]*keyState),
	}
}

func (l *Limiter) get(key string) *keyState {
	l.mu.Lock()
	defer l.mu.Unlock()
	ks, ok := l.keys[key]
	if !ok {
		ks = &keyState{currentDelay: l.cfg.BaseDelay}
		l.keys[key] = ks
	}
	return ks
}

func (l *Limiter) jitter(base time.Duration) time.Duration {
	if l.cfg.JitterPercent <= 0 {
		return base
	}
	l.rngMu.Lock()
	f := l.rng.Float64()*2 - 1 // [-1, 1)
	l.rngMu.Unlock()
	delta := time.Duration(float64(base) * l.cfg.JitterPercent * f)
	return base + delta
}

// Acquire blocks (via clock.Sleep) until key's next call is permitted,
// then reserves the following slot with jitter. Safe for concurrent use
// across keys; per-key calls serialize.
func (l *Limiter) Acquire(key string) {
	ks := l.get(key)
	ks.mu.Lock()
	defer ks.mu.Unlock()

	now := l.clock.Now()
	nextAllowed := ks.nextAllowedAt
	if ks.retryAfterFloor.After(nextAllowed) {
		nextAllowed = ks.retryAfterFloor
	}
	if now.Before(nextAllowed) {
		l.clock.Sleep(nextAllowed.Sub(now))
		now = l.clock.Now()
	}
	ks.nextAllowedAt = now.Add(l.jitter(ks.currentDelay))
}

// OnSuccess applies the multiplicative decrease, floored at BaseDelay.
func (l *Limiter) OnSuccess(key string) {
	ks := l.get(key)
	ks.mu.Lock()
	defer ks.mu.Unlock()
	d := time.Duration(float64(ks.currentDelay) * l.cfg.SuccessDecreaseFactor)
	if d < l.cfg.BaseDelay {
		d = l.cfg.BaseDelay
	}
	ks.currentDelay = d
}

// OnFailure applies the multiplicative increase, capped at MaxDelay. If
// retryAfter is non-zero, it is honored as a hard floor for the next
// Acquire call on key.
func (l *Limiter) OnFailure(key string, retryAfter time.Duration) {
	ks := l.get(key)
	ks.mu.Lock()
	defer ks.mu.Unlock()
	d := time.Duration(float64(ks.currentDelay) * l.cfg.FailureIncreaseFactor)
	if d > l.cfg.MaxDelay {
		d = l.cfg.MaxDelay
	}
	ks.currentDelay = d
	if retryAfter > 0 {
		ks.retryAfterFloor = l.clock.Now().Add(retryAfter)
	}
}

// CurrentDelay returns key's current delay, for tests and observability.
func (l *Limiter) CurrentDelay(key string) time.Duration {
	ks := l.get(key)
	ks.mu.Lock()
	defer ks.mu.Unlock()
	return ks.currentDelay
}
