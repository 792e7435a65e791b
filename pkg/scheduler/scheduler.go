// Package scheduler implements the automation scheduling engine: a
// periodic tick that, per enabled Automation, evaluates its
// ScheduleRules in priority order, selects candidate Drafts, applies
// default field values, and enqueues them for publishing with jittered
// fire times.
package scheduler

import (
	"context"
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jeyb33/publisher-core/internal/clock"
	"github.com/jeyb33/publisher-core/internal/logging"
	"github.com/jeyb33/publisher-core/pkg/contracts"
	"github.com/jeyb33/publisher-core/pkg/domain"
	"go.uber.org/zap"
)

// tickInterval is the scheduler's steady-state cadence.
const tickInterval = 5 * time.Minute

// startupDelay is how long RunForever waits before its first tick, so a
// freshly-restarted process doesn't immediately race every automation's
// stale lease window.
const startupDelay = 30 * time.Second

// leaseStaleAfter is how long an IsExecuting lock is honored before a
// new tick is allowed to take it over.
const leaseStaleAfter = 5 * time.Minute

// fixedTimeWindow is the tolerance around a fixed_time rule's HH:MM
// before it's considered missed for this tick.
const fixedTimeWindow = 7 * time.Minute

// Enqueuer is the subset of pkg/queue.Adapter the scheduler drives.
type Enqueuer interface {
	Schedule(ctx context.Context, jobID string, payload any, fireAt time.Time) error
}

// Scheduler runs the automation tick loop.
type Scheduler struct {
	persistence contracts.Persistence
	queue       Enqueuer
	alerts      contracts.AlertSink
	clock       clock.Clock
	log         *zap.Logger
	rand        *rand.Rand
}

func New(persistence contracts.Persistence, queue Enqueuer, alerts contracts.AlertSink, clk clock.Clock, log *zap.Logger) *Scheduler {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Scheduler{persistence: persistence, queue: queue, alerts: alerts, clock: clk, log: log, rand: rand.New(rand.NewSource(1))}
}

// RunForever ticks every tickInterval until ctx is canceled, with an
// initial startupDelay before the first tick.
func (s *Scheduler) RunForever(ctx context.Context) {
	timer := s.clock.NewTimer(startupDelay)
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.Tick(ctx)
			timer = s.clock.NewTimer(tickInterval)
		}
	}
}

// Tick runs one scheduling pass over every enabled Automation,
// isolating each automation's failure from the rest.
func (s *Scheduler) Tick(ctx context.Context) {
	automations, err := s.persistence.ListEnabledAutomations(ctx)
	if err != nil {
		if s.log != nil {
			s.log.Error("list enabled automations failed", logging.NewFields().Component("scheduler").Operation("tick").Err(err)...)
		}
		return
	}
	for _, a := range automations {
		s.runAutomation(ctx, a)
	}
}

func (s *Scheduler) runAutomation(ctx context.Context, a domain.Automation) {
	defer func() {
		if r := recover(); r != nil && s.log != nil {
			s.log.Error("automation tick panicked", logging.NewFields().Component("scheduler").Operation("run_automation").Resource("automation", a.ID)...)
		}
	}()

	now := s.clock.Now()
	acquired, err := s.persistence.AcquireAutomationLease(ctx, a.ID, now, leaseStaleAfter)
	if err != nil {
		s.logAutomationError(a, "acquire_lease", err)
		return
	}
	if !acquired {
		return
	}
	defer func() {
		if err := s.persistence.ReleaseAutomationLease(ctx, a.ID); err != nil {
			s.logAutomationError(a, "release_lease", err)
		}
	}()

	loc := s.location(a.Timezone)
	localNow := now.In(loc)

	scheduledCount := 0
	var firstErr error
	for _, rule := range pickApplicableRules(a.Rules, localNow) {
		count, err := s.countForRule(ctx, a, rule, localNow)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if count <= 0 {
			continue
		}
		n, err := s.scheduleDrafts(ctx, a, rule, count, now)
		scheduledCount += n
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	logEntry := domain.ExecutionLog{ID: uuid.NewString(), AutomationID: a.ID, ExecutedAt: now, ScheduledCount: scheduledCount}
	if firstErr != nil {
		logEntry.ErrorMessage = firstErr.Error()
	}
	if len(a.Rules) > 0 {
		logEntry.RuleType = a.Rules[0].Type
	}
	if err := s.persistence.AppendExecutionLog(ctx, logEntry); err != nil {
		s.logAutomationError(a, "append_execution_log", err)
	}
}

func (s *Scheduler) location(tz string) *time.Location {
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}

// pickApplicableRules returns a's enabled rules that apply to localNow's
// weekday, ordered by Priority ascending then rule ID for a deterministic
// tie-break.
func pickApplicableRules(rules []domain.ScheduleRule, localNow time.Time) []domain.ScheduleRule {
	out := make([]domain.ScheduleRule, 0, len(rules))
	for _, r := range rules {
		if r.Enabled && r.AppliesToday(localNow.Weekday()) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// countForRule computes how many drafts rule authorizes scheduling this
// tick.
func (s *Scheduler) countForRule(ctx context.Context, a domain.Automation, rule domain.ScheduleRule, localNow time.Time) (int, error) {
	switch rule.Type {
	case domain.RuleFixedTime:
		return s.countFixedTime(ctx, a, rule, localNow)
	case domain.RuleFixedInterval:
		return s.countFixedInterval(ctx, a, rule, localNow)
	case domain.RuleDailyQuota:
		return s.countDailyQuota(ctx, a, rule, localNow)
	default:
		return 0, nil
	}
}

func (s *Scheduler) countFixedTime(ctx context.Context, a domain.Automation, rule domain.ScheduleRule, localNow time.Time) (int, error) {
	target, err := parseHHMM(rule.TimeOfDay, localNow)
	if err != nil {
		return 0, err
	}
	delta := localNow.Sub(target)
	if delta < 0 || delta > fixedTimeWindow {
		return 0, nil
	}
	last, found, err := s.persistence.LastExecutionLog(ctx, a.ID)
	if err != nil {
		return 0, err
	}
	if found && sameLocalDay(last.ExecutedAt, localNow) && last.RuleType == domain.RuleFixedTime {
		return 0, nil
	}
	return 1, nil
}

func (s *Scheduler) countFixedInterval(ctx context.Context, a domain.Automation, rule domain.ScheduleRule, localNow time.Time) (int, error) {
	last, found, err := s.persistence.LastExecutionLog(ctx, a.ID)
	if err != nil {
		return 0, err
	}
	if found {
		elapsed := localNow.Sub(last.ExecutedAt)
		if elapsed < time.Duration(rule.IntervalMinutes)*time.Minute {
			return 0, nil
		}
	}
	if rule.DeviationsPerInterval <= 0 {
		return 1, nil
	}
	return rule.DeviationsPerInterval, nil
}

func (s *Scheduler) countDailyQuota(ctx context.Context, a domain.Automation, rule domain.ScheduleRule, localNow time.Time) (int, error) {
	startOfDay := time.Date(localNow.Year(), localNow.Month(), localNow.Day(), 0, 0, 0, 0, localNow.Location())
	already, err := s.persistence.SumScheduledCountSince(ctx, a.ID, startOfDay.In(time.UTC))
	if err != nil {
		return 0, err
	}
	if already < rule.DailyQuota {
		return 1, nil
	}
	return 0, nil
}

func parseHHMM(hhmm string, localNow time.Time) (time.Time, error) {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(localNow.Year(), localNow.Month(), localNow.Day(), t.Hour(), t.Minute(), 0, 0, localNow.Location()), nil
}

func sameLocalDay(a, b time.Time) bool {
	ya, ma, da := a.Date()
	yb, mb, db := b.Date()
	return ya == yb && ma == mb && da == db
}

// scheduleDrafts selects up to count candidate drafts for a, applies
// defaults, and enqueues them. It returns the number successfully
// scheduled and the first error encountered, if any.
func (s *Scheduler) scheduleDrafts(ctx context.Context, a domain.Automation, rule domain.ScheduleRule, count int, now time.Time) (int, error) {
	filter := contracts.DraftFilter{UserID: a.UserID, Status: domain.DraftStatusDraft, ScheduledNil: true, RequireFiles: true, Limit: 1000}
	candidates, err := s.persistence.ListDrafts(ctx, filter)
	if err != nil {
		return 0, err
	}
	candidates = selectCandidates(candidates, a.SelectionMethod, s.rand)

	scheduled := 0
	var firstErr error
	for _, draft := range candidates {
		if scheduled >= count {
			break
		}
		applied, err := s.scheduleOne(ctx, a, rule, draft, now)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if applied {
			scheduled++
		}
	}
	return scheduled, firstErr
}

func selectCandidates(drafts []domain.Draft, method domain.DraftSelectionMethod, r *rand.Rand) []domain.Draft {
	out := append([]domain.Draft(nil), drafts...)
	switch method {
	case domain.SelectLIFO:
		sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	case domain.SelectRandom:
		r.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	default: // fifo
		sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	}
	return out
}

// scheduleOne applies a's default values to draft, computes its jittered
// fire time, enqueues it, and persists the transition under optimistic
// concurrency. Returns applied=false without error on a version
// conflict, so the caller moves to the next candidate instead of
// retrying.
func (s *Scheduler) scheduleOne(ctx context.Context, a domain.Automation, rule domain.ScheduleRule, draft domain.Draft, now time.Time) (bool, error) {
	fireAt := now.Add(s.jitter(a))
	jobID := domain.JobID(draft.ID)

	applied, err := s.persistence.UpdateDraftOptimistic(ctx, draft.ID, draft.ExecutionVersion, func(d *domain.Draft) {
		applyDefaults(d, a.Defaults)
		d.Status = domain.DraftStatusScheduled
		d.UploadMode = draftUploadMode(a)
		t := fireAt
		d.ScheduledAt = &t
	})
	if err != nil {
		return false, err
	}
	if !applied {
		return false, nil
	}

	if err := s.queue.Schedule(ctx, jobID, domain.QueueJob{DraftID: draft.ID, UserID: a.UserID, UploadMode: draftUploadMode(a)}, fireAt); err != nil {
		// Roll the draft back to unscheduled so a later tick can retry it
		// rather than leaving it silently stuck in "scheduled" with no
		// corresponding queue entry.
		_, _ = s.persistence.UpdateDraftOptimistic(ctx, draft.ID, draft.ExecutionVersion+1, func(d *domain.Draft) {
			d.Status = domain.DraftStatusDraft
			d.ScheduledAt = nil
		})
		return false, err
	}
	return true, nil
}

func draftUploadMode(a domain.Automation) domain.UploadMode {
	if a.StashOnlyByDefault {
		return domain.UploadModeSingle
	}
	return domain.UploadModeMultiple
}

// jitter returns a uniform random duration in [JitterMinSeconds,
// JitterMaxSeconds].
func (s *Scheduler) jitter(a domain.Automation) time.Duration {
	lo, hi := a.JitterMinSeconds, a.JitterMaxSeconds
	if hi <= lo {
		return time.Duration(lo) * time.Second
	}
	span := hi - lo
	return time.Duration(lo+s.rand.Intn(span+1)) * time.Second
}

// applyDefaults writes a's AutomationDefaultValues onto d.
// "auto_add_to_sale_queue" is skipped: it is not a Draft field, and
// sale-queue membership is owned by a collaborator outside this
// module's Draft model.
func applyDefaults(d *domain.Draft, defaults []domain.AutomationDefaultValue) {
	for _, def := range defaults {
		if def.FieldName == "auto_add_to_sale_queue" {
			continue
		}
		if def.ApplyIfEmpty && !isFieldEmpty(d, def.FieldName) {
			continue
		}
		setField(d, def.FieldName, def.Value)
	}
}

func isFieldEmpty(d *domain.Draft, field string) bool {
	switch field {
	case "title":
		return domain.IsEmptyField(d.Title)
	case "description":
		return domain.IsEmptyField(d.Description)
	case "tags":
		return domain.IsEmptyField(d.Tags)
	case "galleries":
		return domain.IsEmptyField(d.Galleries)
	case "category":
		return domain.IsEmptyField(d.Category)
	case "mature":
		return domain.IsEmptyField(d.Mature)
	case "mature_level":
		return domain.IsEmptyField(d.MatureLevel)
	default:
		return true
	}
}

func setField(d *domain.Draft, field string, value any) {
	switch field {
	case "title":
		if v, ok := value.(string); ok {
			d.Title = v
		}
	case "description":
		if v, ok := value.(string); ok {
			d.Description = v
		}
	case "tags":
		if v, ok := value.([]string); ok {
			d.Tags = v
		}
	case "galleries":
		if v, ok := value.([]string); ok {
			d.Galleries = v
		}
	case "category":
		if v, ok := value.(string); ok {
			d.Category = v
		}
	case "mature":
		if v, ok := value.(bool); ok {
			d.Mature = v
		}
	case "mature_level":
		if v, ok := value.(string); ok {
			d.MatureLevel = v
		}
	}
}

func (s *Scheduler) logAutomationError(a domain.Automation, op string, err error) {
	if s.log == nil {
		return
	}
	s.log.Error("automation tick step failed", logging.NewFields().Component("scheduler").Operation(op).Resource("automation", a.ID).Err(err)...)
}
