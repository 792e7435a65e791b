package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/jeyb33/publisher-core/internal/clock"
	"github.com/jeyb33/publisher-core/pkg/contracts"
	"github.com/jeyb33/publisher-core/pkg/domain"
	"github.com/jeyb33/publisher-core/pkg/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePersistence struct {
	contracts.Persistence
	stuck    []domain.Draft
	statuses map[string]domain.DraftStatus
}

func (f *fakePersistence) ListStuckDrafts(ctx context.Context, olderThan time.Time) ([]domain.Draft, error) {
	return f.stuck, nil
}

func (f *fakePersistence) SetDraftStatus(ctx context.Context, draftID string, status domain.DraftStatus, errorMessage string) error {
	if f.statuses == nil {
		f.statuses = map[string]domain.DraftStatus{}
	}
	f.statuses[draftID] = status
	return nil
}

type fakeQueueState struct {
	states map[string]queue.State
}

func (q *fakeQueueState) GetState(ctx context.Context, jobID string) (queue.State, error) {
	if s, ok := q.states[jobID]; ok {
		return s, nil
	}
	return queue.StateAbsent, nil
}

type fakeEnqueuer struct {
	scheduled []string
	failNext  bool
}

func (q *fakeEnqueuer) Schedule(ctx context.Context, jobID string, payload any, fireAt time.Time) error {
	if q.failNext {
		return assertErr
	}
	q.scheduled = append(q.scheduled, jobID)
	return nil
}

var assertErr = &stubErr{}

type stubErr struct{}

func (*stubErr) Error() string { return "enqueue failed" }

type noopAlerts struct {
	emitted []string
}

func (a *noopAlerts) Emit(ctx context.Context, severity contracts.Severity, title, body string, fields map[string]any) {
	a.emitted = append(a.emitted, title)
}

func TestSweepReEnqueuesAbsentJob(t *testing.T) {
	p := &fakePersistence{stuck: []domain.Draft{{ID: "d1", UserID: "u1"}}}
	qs := &fakeQueueState{states: map[string]queue.State{}}
	q := &fakeEnqueuer{}
	alerts := &noopAlerts{}
	fc := clock.NewFake(time.Unix(1_700_000_000, 0))
	s := New(p, qs, q, alerts, fc, nil)

	s.Sweep(context.Background())

	assert.Equal(t, domain.DraftStatusScheduled, p.statuses["d1"])
	assert.Contains(t, q.scheduled, domain.JobID("d1"))
}

func TestSweepLeavesActiveJobAlone(t *testing.T) {
	p := &fakePersistence{stuck: []domain.Draft{{ID: "d1", UserID: "u1"}}}
	qs := &fakeQueueState{states: map[string]queue.State{domain.JobID("d1"): queue.StateActive}}
	q := &fakeEnqueuer{}
	fc := clock.NewFake(time.Unix(1_700_000_000, 0))
	s := New(p, qs, q, &noopAlerts{}, fc, nil)

	s.Sweep(context.Background())

	_, touched := p.statuses["d1"]
	assert.False(t, touched)
	assert.Empty(t, q.scheduled)
}

func TestSweepMarksFailedWhenReEnqueueFails(t *testing.T) {
	p := &fakePersistence{stuck: []domain.Draft{{ID: "d1", UserID: "u1"}}}
	qs := &fakeQueueState{states: map[string]queue.State{}}
	q := &fakeEnqueuer{failNext: true}
	fc := clock.NewFake(time.Unix(1_700_000_000, 0))
	s := New(p, qs, q, &noopAlerts{}, fc, nil)

	s.Sweep(context.Background())

	assert.Equal(t, domain.DraftStatusFailed, p.statuses["d1"])
}

func TestSweepAlertsOnHighRecoveryRate(t *testing.T) {
	var stuck []domain.Draft
	for i := 0; i < 12; i++ {
		stuck = append(stuck, domain.Draft{ID: string(rune('a' + i)), UserID: "u1"})
	}
	p := &fakePersistence{stuck: stuck}
	qs := &fakeQueueState{states: map[string]queue.State{}}
	q := &fakeEnqueuer{}
	alerts := &noopAlerts{}
	fc := clock.NewFake(time.Unix(1_700_000_000, 0))
	s := New(p, qs, q, alerts, fc, nil)

	s.Sweep(context.Background())

	require.NotEmpty(t, alerts.emitted)
	assert.Contains(t, alerts.emitted[0], "recovery rate")
}
