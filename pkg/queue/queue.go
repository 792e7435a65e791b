// Package queue implements the durable delayed job queue adapter:
// idempotent scheduling by job ID, an at-most-one-active guarantee per
// ID, and an exponential retry policy. The backend is Redis: a sorted
// set of pending job IDs scored by fireAt (unix millis), a JSON-encoded
// string key per job holding its state/payload/attempt count, and a set
// of currently-active
// job IDs.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/jeyb33/publisher-core/internal/clock"
	"github.com/jeyb33/publisher-core/internal/errorsx"
	"github.com/redis/go-redis/v9"
)

type State string

const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateAbsent    State = "absent"
)

const (
	delayedZSetKey = "queue:publisher:delayed"
	activeSetKey   = "queue:publisher:active"
	jobKeyPrefix   = "queue:publisher:job:"
)

// RetryPolicy computes the exponential backoff delay for a retry
// attempt: base 30s, cap 10m, capped at MaxAttempts.
type RetryPolicy struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Base: 30 * time.Second, Cap: 10 * time.Minute, MaxAttempts: 7}
}

// Delay returns the backoff for the given 1-indexed attempt number.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.Cap {
			return p.Cap
		}
	}
	if d > p.Cap {
		d = p.Cap
	}
	return d
}

type jobRecord struct {
	State      State           `json:"state"`
	Payload    json.RawMessage `json:"payload"`
	Attempts   int             `json:"attempts"`
	FireAt     int64           `json:"fire_at"`
	LastError  string          `json:"last_error,omitempty"`
}

// Adapter is the Redis-backed job queue.
type Adapter struct {
	rdb   *redis.Client
	clock clock.Clock
	retry RetryPolicy
}

func New(rdb *redis.Client, clk clock.Clock, retry RetryPolicy) *Adapter {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Adapter{rdb: rdb, clock: clk, retry: retry}
}

func jobKey(jobID string) string { return jobKeyPrefix + jobID }

// Schedule is idempotent by jobID: re-scheduling the same id replaces
// the pending job's fireAt.
func (a *Adapter) Schedule(ctx context.Context, jobID string, payload any, fireAt time.Time) error {
	state, err := a.GetState(ctx, jobID)
	if err != nil {
		return err
	}
	if state == StateActive {
		// Replacing the fireAt of an active job is meaningless; leave it
		// running and let it complete or retry on its own.
		return nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return errorsx.New(errorsx.KindValidation, "marshal job payload", "queue", jobID, err)
	}
	rec := jobRecord{State: StateDelayed, Payload: raw, FireAt: fireAt.UnixMilli()}
	if !fireAt.After(a.clock.Now()) {
		rec.State = StateWaiting
	}
	return a.upsert(ctx, jobID, rec)
}

func (a *Adapter) upsert(ctx context.Context, jobID string, rec jobRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return errorsx.New(errorsx.KindValidation, "marshal job record", "queue", jobID, err)
	}
	pipe := a.rdb.TxPipeline()
	pipe.Set(ctx, jobKey(jobID), payload, 0)
	pipe.ZAdd(ctx, delayedZSetKey, redis.Z{Score: float64(rec.FireAt), Member: jobID})
	if _, err := pipe.Exec(ctx); err != nil {
		return errorsx.New(errorsx.KindTransientIO, "persist job record", "queue", jobID, err)
	}
	return nil
}

// ErrJobBusy is returned by PublishNow when jobID is currently active.
// PublishNow rejects rather than waiting and replacing the active job.
var ErrJobBusy = errors.New("queue: job is active")

// PublishNow enqueues jobID with zero delay. If an active job with the
// same id exists, it fails with ErrJobBusy; if a waiting/delayed job
// exists, it is removed before the new one is enqueued.
func (a *Adapter) PublishNow(ctx context.Context, jobID string, payload any) error {
	state, err := a.GetState(ctx, jobID)
	if err != nil {
		return err
	}
	if state == StateActive {
		return errorsx.New(errorsx.KindJobBusy, "publish now", "queue", jobID, ErrJobBusy)
	}
	if state == StateWaiting || state == StateDelayed {
		if err := a.removePending(ctx, jobID); err != nil {
			return err
		}
	}
	return a.Schedule(ctx, jobID, payload, a.clock.Now())
}

func (a *Adapter) removePending(ctx context.Context, jobID string) error {
	pipe := a.rdb.TxPipeline()
	pipe.ZRem(ctx, delayedZSetKey, jobID)
	pipe.Del(ctx, jobKey(jobID))
	_, err := pipe.Exec(ctx)
	if err != nil {
		return errorsx.New(errorsx.KindTransientIO, "remove pending job", "queue", jobID, err)
	}
	return nil
}

// Cancel removes jobID if present; a no-op when absent.
func (a *Adapter) Cancel(ctx context.Context, jobID string) error {
	state, err := a.GetState(ctx, jobID)
	if err != nil {
		return err
	}
	if state == StateAbsent {
		return nil
	}
	pipe := a.rdb.TxPipeline()
	pipe.ZRem(ctx, delayedZSetKey, jobID)
	pipe.SRem(ctx, activeSetKey, jobID)
	pipe.Del(ctx, jobKey(jobID))
	_, err = pipe.Exec(ctx)
	if err != nil {
		return errorsx.New(errorsx.KindTransientIO, "cancel job", "queue", jobID, err)
	}
	return nil
}

// GetAttempts reports how many attempts jobID has already consumed, for
// the worker pool to pass into Retry after a failed run.
func (a *Adapter) GetAttempts(ctx context.Context, jobID string) (int, error) {
	raw, err := a.rdb.Get(ctx, jobKey(jobID)).Bytes()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, errorsx.New(errorsx.KindTransientIO, "get job attempts", "queue", jobID, err)
	}
	var rec jobRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return 0, errorsx.New(errorsx.KindTransientIO, "decode job record", "queue", jobID, err)
	}
	return rec.Attempts, nil
}

// GetState reports jobID's current lifecycle state.
func (a *Adapter) GetState(ctx context.Context, jobID string) (State, error) {
	raw, err := a.rdb.Get(ctx, jobKey(jobID)).Bytes()
	if err == redis.Nil {
		return StateAbsent, nil
	}
	if err != nil {
		return StateAbsent, errorsx.New(errorsx.KindTransientIO, "get job state", "queue", jobID, err)
	}
	var rec jobRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return StateAbsent, errorsx.New(errorsx.KindTransientIO, "decode job record", "queue", jobID, err)
	}
	return rec.State, nil
}

// ClaimReady moves up to max jobs whose fireAt has passed from
// delayed/waiting into active, returning their IDs and payloads for the
// worker pool to execute. Each job is claimed by exactly one caller:
// removing its id from the delayed set is the claim.
func (a *Adapter) ClaimReady(ctx context.Context, max int64) (map[string]json.RawMessage, error) {
	now := float64(a.clock.Now().UnixMilli())
	ids, err := a.rdb.ZRangeByScore(ctx, delayedZSetKey, &redis.ZRangeBy{Min: "-inf", Max: formatFloat(now), Count: max}).Result()
	if err != nil {
		return nil, errorsx.New(errorsx.KindTransientIO, "claim ready jobs", "queue", "", err)
	}
	result := make(map[string]json.RawMessage, len(ids))
	for _, id := range ids {
		removed, err := a.rdb.ZRem(ctx, delayedZSetKey, id).Result()
		if err != nil || removed == 0 {
			continue // claimed by another caller or concurrently canceled
		}
		raw, err := a.rdb.Get(ctx, jobKey(id)).Bytes()
		if err != nil {
			continue // job was concurrently canceled; skip
		}
		var rec jobRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		rec.State = StateActive
		if err := a.upsertActive(ctx, id, rec); err != nil {
			a.rdb.ZAdd(ctx, delayedZSetKey, redis.Z{Score: float64(rec.FireAt), Member: id})
			continue
		}
		result[id] = rec.Payload
	}
	return result, nil
}

func (a *Adapter) upsertActive(ctx context.Context, jobID string, rec jobRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	pipe := a.rdb.TxPipeline()
	pipe.Set(ctx, jobKey(jobID), payload, 0)
	pipe.ZRem(ctx, delayedZSetKey, jobID)
	pipe.SAdd(ctx, activeSetKey, jobID)
	_, err = pipe.Exec(ctx)
	return err
}

// MarkCompleted finalizes a successful job.
func (a *Adapter) MarkCompleted(ctx context.Context, jobID string) error {
	pipe := a.rdb.TxPipeline()
	pipe.SRem(ctx, activeSetKey, jobID)
	pipe.Del(ctx, jobKey(jobID))
	_, err := pipe.Exec(ctx)
	if err != nil {
		return errorsx.New(errorsx.KindTransientIO, "mark job completed", "queue", jobID, err)
	}
	return nil
}

// MarkTerminal finalizes a job that failed non-retryably.
func (a *Adapter) MarkTerminal(ctx context.Context, jobID, reason string) error {
	rec := jobRecord{State: StateFailed, LastError: reason}
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	pipe := a.rdb.TxPipeline()
	pipe.SRem(ctx, activeSetKey, jobID)
	pipe.Set(ctx, jobKey(jobID), payload, 24*time.Hour)
	_, err = pipe.Exec(ctx)
	if err != nil {
		return errorsx.New(errorsx.KindTransientIO, "mark job terminal", "queue", jobID, err)
	}
	return nil
}

// Retry re-schedules jobID after the backoff for its next attempt, or
// marks it terminal if MaxAttempts has been exhausted.
func (a *Adapter) Retry(ctx context.Context, jobID string, payload any, attemptJustFailed int, reason string) error {
	if attemptJustFailed >= a.retry.MaxAttempts {
		return a.MarkTerminal(ctx, jobID, reason)
	}
	delay := a.retry.Delay(attemptJustFailed + 1)
	raw, err := json.Marshal(payload)
	if err != nil {
		return errorsx.New(errorsx.KindValidation, "marshal retry payload", "queue", jobID, err)
	}
	rec := jobRecord{State: StateDelayed, Payload: raw, Attempts: attemptJustFailed, FireAt: a.clock.Now().Add(delay).UnixMilli(), LastError: reason}
	if err := a.upsert(ctx, jobID, rec); err != nil {
		return err
	}
	if err := a.rdb.SRem(ctx, activeSetKey, jobID).Err(); err != nil {
		return errorsx.New(errorsx.KindTransientIO, "requeue job for retry", "queue", jobID, err)
	}
	return nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
