// Package contracts defines the narrow interfaces the publisher core
// depends on for persistence, blob storage, and alerting. Concrete
// implementations live in sibling packages (pkg/postgres, pkg/alert);
// HTTP routing, auth, and admin UI are external collaborators outside
// this module's scope.
package contracts

import (
	"context"
	"io"
	"time"

	"github.com/jeyb33/publisher-core/pkg/domain"
)

// Severity is the alert sink's severity enum.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// AlertSink emits fire-and-forget operational alerts. Failures must never
// affect core flow; implementations should swallow and log their own
// delivery errors rather than return them to hot paths that don't check.
type AlertSink interface {
	Emit(ctx context.Context, severity Severity, title, body string, fields map[string]any)
}

// BlobStore fetches draft file contents by opaque blob key. Must be
// retriable and side-effect-free; the publisher core does not own the
// backing storage.
type BlobStore interface {
	Fetch(ctx context.Context, blobKey string) (io.ReadCloser, error)
}

// DraftFilter narrows ListDrafts to the candidate pool for scheduling.
type DraftFilter struct {
	UserID        string
	Status        domain.DraftStatus
	ScheduledNil  bool
	RequireFiles  bool
	Limit         int
}

// Persistence is the transactional collaborator for the core's data
// model. Operations are intentionally coarse: load-by-id, filtered list,
// an optimistic-lock update predicate, and an atomic conditional update
// for the scheduling lease. No transaction or isolation level is exposed
// through this interface.
type Persistence interface {
	LoadUser(ctx context.Context, userID string) (domain.User, error)
	SaveUserTokens(ctx context.Context, userID, accessToken, refreshToken string, tokenExpiresAt, refreshTokenExpiresAt time.Time) error
	MarkReauthRequired(ctx context.Context, userID string) error

	LoadDraft(ctx context.Context, userID, draftID string) (domain.Draft, error)
	ListDrafts(ctx context.Context, filter DraftFilter) ([]domain.Draft, error)

	// UpdateDraftOptimistic applies mutate to the draft at draftID only if
	// its current ExecutionVersion equals expectedVersion, atomically
	// bumping ExecutionVersion. Returns (applied=false, nil) on a version
	// mismatch rather than an error.
	UpdateDraftOptimistic(ctx context.Context, draftID string, expectedVersion int, mutate func(*domain.Draft)) (applied bool, err error)

	SetDraftStatus(ctx context.Context, draftID string, status domain.DraftStatus, errorMessage string) error
	SetDraftPublished(ctx context.Context, draftID, deviationID, url string) error
	SetDraftStashItemID(ctx context.Context, draftID, stashItemID string) error

	ListEnabledAutomations(ctx context.Context) ([]domain.Automation, error)

	// AcquireAutomationLease atomically sets IsExecuting=true,
	// LastExecutionLock=now only if the row is currently free or its lock
	// is stale. Returns false without error if the lease could not be
	// acquired.
	AcquireAutomationLease(ctx context.Context, automationID string, now time.Time, staleAfter time.Duration) (acquired bool, err error)
	ReleaseAutomationLease(ctx context.Context, automationID string) error

	LastExecutionLog(ctx context.Context, automationID string) (domain.ExecutionLog, bool, error)
	SumScheduledCountSince(ctx context.Context, automationID string, since time.Time) (int, error)
	AppendExecutionLog(ctx context.Context, log domain.ExecutionLog) error

	// ListStuckDrafts returns drafts in `publishing` whose UpdatedAt is
	// older than olderThan.
	ListStuckDrafts(ctx context.Context, olderThan time.Time) ([]domain.Draft, error)
}
