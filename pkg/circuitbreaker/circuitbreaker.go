// Package circuitbreaker implements a per-key breaker registry: a
// CLOSED/OPEN/HALF_OPEN state machine gating outbound calls, with
// optional write-through persistence to an external key-value store so
// a restarted process recovers a breaker mid-open.
//
// The per-key transition rules (single probe admission in HALF_OPEN,
// close on the first half-open success, reopen on the first half-open
// failure) are implemented directly rather than through
// github.com/sony/gobreaker, whose half-open semantics require N
// consecutive successes before closing; gobreaker is instead wired into
// pkg/upstream as a second, coarser protective layer around the raw
// HTTP transport (see DESIGN.md).
package circuitbreaker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jeyb33/publisher-core/internal/clock"
	"github.com/jeyb33/publisher-core/internal/logging"
	"go.uber.org/zap"
)

// ErrCircuitOpen is returned by WithBreaker when ShouldAllow rejects the
// call and no fallback was provided.
var ErrCircuitOpen = errors.New("circuitbreaker: circuit open")

type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// Config holds the per-key breaker tuning.
type Config struct {
	FailureThreshold    int
	OpenDuration        time.Duration
	HalfOpenMaxAttempts int
}

// DefaultConfig returns sane production defaults: threshold 3, open
// 300s, half-open max attempts 1.
func DefaultConfig() Config {
	return Config{FailureThreshold: 3, OpenDuration: 300 * time.Second, HalfOpenMaxAttempts: 1}
}

type keyState struct {
	mu                sync.Mutex
	state             State
	failures          int
	lastFailure       time.Time
	halfOpenAttempts  int
}

// Store is the external key-value write-through collaborator (e.g.
// Redis). Persistence failures must be logged, never fatal.
type Store interface {
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, bool, error)
}

// Registry owns one keyState per key and the optional Store
// write-through. It is passed by reference and injected rather than
// held as a package-level global.
type Registry struct {
	cfg   Config
	clock clock.Clock
	log   *zap.Logger
	store Store // nil disables persistence

	mu   sync.Mutex
	keys map[string]*keyState
}

func NewRegistry(cfg Config, clk clock.Clock, log *zap.Logger, store Store) *Registry {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Registry{cfg: cfg, clock: clk, log: log, store: store, keys: make(map[string]*keyState)}
}

func (r *Registry) get(key string) *keyState {
	r.mu.Lock()
	defer r.mu.Unlock()
	ks, ok := r.keys[key]
	if !ok {
		ks = &keyState{state: StateClosed}
		r.keys[key] = ks
	}
	return ks
}

// ShouldAllow reports whether a call under key may proceed, advancing
// OPEN -> HALF_OPEN if openDuration has elapsed since lastFailure, and
// counting half-open probe admissions.
func (r *Registry) ShouldAllow(key string) bool {
	ks := r.get(key)
	ks.mu.Lock()
	defer ks.mu.Unlock()

	switch ks.state {
	case StateClosed:
		return true
	case StateOpen:
		if r.clock.Now().Before(ks.lastFailure.Add(r.cfg.OpenDuration)) {
			return false
		}
		ks.state = StateHalfOpen
		ks.halfOpenAttempts = 1 // this query is itself the first admitted probe
		r.logTransition(key, StateOpen, StateHalfOpen)
		return true
	case StateHalfOpen:
		if ks.halfOpenAttempts >= r.cfg.HalfOpenMaxAttempts {
			return false
		}
		ks.halfOpenAttempts++
		return true
	default:
		return true
	}
}

// RecordSuccess moves the key to CLOSED from any state (HALF_OPEN ->
// CLOSED in normal use) and resets the failure count, so in CLOSED it
// clears any failures accumulated below the threshold.
func (r *Registry) RecordSuccess(key string) {
	ks := r.get(key)
	ks.mu.Lock()
	prev := ks.state
	ks.state = StateClosed
	ks.failures = 0
	ks.halfOpenAttempts = 0
	ks.mu.Unlock()
	if prev != StateClosed {
		r.logTransition(key, prev, StateClosed)
	}
	r.persist(key, ks)
}

// RecordFailure increments the failure count, tripping CLOSED -> OPEN at
// threshold, or immediately reopening from HALF_OPEN.
func (r *Registry) RecordFailure(key string) {
	ks := r.get(key)
	ks.mu.Lock()
	now := r.clock.Now()
	prev := ks.state
	ks.lastFailure = now
	switch ks.state {
	case StateHalfOpen:
		ks.state = StateOpen
		ks.failures = r.cfg.FailureThreshold
		ks.halfOpenAttempts = 0
	default:
		ks.failures++
		if ks.failures >= r.cfg.FailureThreshold {
			ks.state = StateOpen
		}
	}
	next := ks.state
	ks.mu.Unlock()
	if prev != next {
		r.logTransition(key, prev, next)
	}
	r.persist(key, ks)
}

func (r *Registry) State(key string) State {
	ks := r.get(key)
	ks.mu.Lock()
	defer ks.mu.Unlock()
	return ks.state
}

func (r *Registry) logTransition(key string, from, to State) {
	if r.log == nil {
		return
	}
	fields := logging.NewFields().Component("circuitbreaker").Operation("transition").Resource("key", key)
	fields = append(fields, zap.String("from", string(from)), zap.String("to", string(to)))
	r.log.Info("circuit breaker state transition", fields...)
}

func (r *Registry) persist(key string, ks *keyState) {
	if r.store == nil {
		return
	}
	ks.mu.Lock()
	val := string(ks.state)
	ks.mu.Unlock()
	ttl := r.cfg.OpenDuration + 60*time.Second
	if err := r.store.Set(context.Background(), "circuit:"+key, val, ttl); err != nil && r.log != nil {
		r.log.Warn("circuit breaker persistence failed",
			logging.NewFields().Component("circuitbreaker").Operation("persist").Resource("key", key).Err(err)...,
		)
	}
}

// isRateLimitSignal classifies err as a rate-limit signal for
// WithBreaker's failure-recording decision: HTTP 429, a
// status/statusCode field of 429, or a message containing "429" or
// "rate limit".
func isRateLimitSignal(err error) bool {
	if err == nil {
		return false
	}
	type statusCoder interface{ StatusCode() int }
	type stater interface{ Status() int }
	if sc, ok := err.(statusCoder); ok && sc.StatusCode() == 429 {
		return true
	}
	if s, ok := err.(stater); ok && s.Status() == 429 {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") || strings.Contains(msg, "rate limit")
}

// WithBreaker invokes fn, recording success on a nil return. Failure is
// recorded against the breaker only when the error is a rate-limit
// signal; other errors propagate without affecting the breaker. If
// ShouldAllow(key) rejects the call, fallback runs instead (if non-nil)
// and fn is never invoked.
func (r *Registry) WithBreaker(key string, fn func() error, fallback func() error) error {
	if !r.ShouldAllow(key) {
		if fallback != nil {
			return fallback()
		}
		return ErrCircuitOpen
	}
	err := fn()
	if err == nil {
		r.RecordSuccess(key)
		return nil
	}
	if isRateLimitSignal(err) {
		r.RecordFailure(key)
	}
	return err
}
