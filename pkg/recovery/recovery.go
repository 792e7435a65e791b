// Package recovery implements the stuck-job recovery sweep: a periodic
// scan for Drafts left in "publishing" past a threshold, cross-checked
// against the queue's own notion of the job's state and reconciled back
// to "scheduled" (for a retry) or "failed".
package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/jeyb33/publisher-core/internal/clock"
	"github.com/jeyb33/publisher-core/internal/logging"
	"github.com/jeyb33/publisher-core/pkg/contracts"
	"github.com/jeyb33/publisher-core/pkg/domain"
	"github.com/jeyb33/publisher-core/pkg/queue"
	"go.uber.org/zap"
)

// defaultThreshold is how long a draft may sit in "publishing" before
// it's considered stuck.
const defaultThreshold = 15 * time.Minute

// defaultInterval is the sweep cadence.
const defaultInterval = 5 * time.Minute

// highRecoveryRateAlertThreshold fires an alert when a single sweep
// recovers at least this many drafts, since that usually indicates a
// systemic upstream or worker outage rather than isolated stragglers.
const highRecoveryRateAlertThreshold = 10

// QueueStateReader is the subset of pkg/queue.Adapter the sweep
// consults to decide whether a stuck draft's job is still alive.
type QueueStateReader interface {
	GetState(ctx context.Context, jobID string) (queue.State, error)
}

// Enqueuer re-submits a recovered draft for another attempt.
type Enqueuer interface {
	Schedule(ctx context.Context, jobID string, payload any, fireAt time.Time) error
}

// Sweeper periodically reconciles stuck "publishing" drafts.
type Sweeper struct {
	persistence contracts.Persistence
	queueState  QueueStateReader
	queue       Enqueuer
	alerts      contracts.AlertSink
	clock       clock.Clock
	log         *zap.Logger

	threshold time.Duration
	interval  time.Duration
}

func New(persistence contracts.Persistence, queueState QueueStateReader, q Enqueuer, alerts contracts.AlertSink, clk clock.Clock, log *zap.Logger) *Sweeper {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Sweeper{
		persistence: persistence, queueState: queueState, queue: q, alerts: alerts, clock: clk, log: log,
		threshold: defaultThreshold, interval: defaultInterval,
	}
}

// WithThreshold overrides the stuck-draft age threshold.
func (s *Sweeper) WithThreshold(d time.Duration) *Sweeper {
	s.threshold = d
	return s
}

// RunForever sweeps every interval until ctx is canceled.
func (s *Sweeper) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs one recovery pass.
func (s *Sweeper) Sweep(ctx context.Context) {
	cutoff := s.clock.Now().Add(-s.threshold)
	stuck, err := s.persistence.ListStuckDrafts(ctx, cutoff)
	if err != nil {
		if s.log != nil {
			s.log.Error("list stuck drafts failed", logging.NewFields().Component("recovery").Operation("sweep").Err(err)...)
		}
		return
	}
	if len(stuck) == 0 {
		return
	}

	recovered := 0
	for _, draft := range stuck {
		if s.reconcileOne(ctx, draft) {
			recovered++
		}
	}

	if recovered >= highRecoveryRateAlertThreshold {
		s.alerts.Emit(ctx, contracts.SeverityWarning, "High stuck-job recovery rate",
			fmt.Sprintf("recovered %d drafts stuck in publishing during one sweep", recovered),
			map[string]any{"recovered_count": recovered})
	}
}

// reconcileOne decides draft's fate: if the queue still has an active or
// pending job for it, leave it alone (the worker is still working, or
// it's racing the sweep); otherwise the job is gone from the queue with
// no corresponding completion, so the draft is reverted to "scheduled"
// and re-enqueued for another attempt, or set to "failed" if the
// re-enqueue itself fails.
func (s *Sweeper) reconcileOne(ctx context.Context, draft domain.Draft) bool {
	jobID := domain.JobID(draft.ID)
	state, err := s.queueState.GetState(ctx, jobID)
	if err != nil {
		s.logError(draft, "get_queue_state", err)
		return false
	}
	switch state {
	case queue.StateActive, queue.StateWaiting, queue.StateDelayed:
		return false
	}

	if err := s.persistence.SetDraftStatus(ctx, draft.ID, domain.DraftStatusScheduled, "recovered from stuck publishing state"); err != nil {
		s.logError(draft, "revert_status", err)
		return false
	}

	fireAt := s.clock.Now()
	if err := s.queue.Schedule(ctx, jobID, domain.QueueJob{DraftID: draft.ID, UserID: draft.UserID, UploadMode: draft.UploadMode}, fireAt); err != nil {
		s.logError(draft, "re_enqueue", err)
		_ = s.persistence.SetDraftStatus(ctx, draft.ID, domain.DraftStatusFailed, "stuck in publishing and could not be re-enqueued")
		return false
	}
	return true
}

func (s *Sweeper) logError(draft domain.Draft, op string, err error) {
	if s.log == nil {
		return
	}
	s.log.Error("stuck draft reconciliation step failed", logging.NewFields().Component("recovery").Operation(op).DraftID(draft.ID).Err(err)...)
}
