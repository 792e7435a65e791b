// Package domain holds the publisher core's data model: User, Draft,
// File, Automation, ScheduleRule, AutomationDefaultValue, and
// ExecutionLog. These are plain structs; persistence and validation live
// in collaborator packages (pkg/postgres implements pkg/contracts).
package domain

import "time"

// DraftStatus is the Draft lifecycle: draft -> scheduled -> publishing
// -> {published, failed}, with draft<->scheduled and failed->scheduled
// reachable by user/automation action.
type DraftStatus string

const (
	DraftStatusDraft      DraftStatus = "draft"
	DraftStatusScheduled  DraftStatus = "scheduled"
	DraftStatusPublishing DraftStatus = "publishing"
	DraftStatusPublished  DraftStatus = "published"
	DraftStatusFailed     DraftStatus = "failed"
)

// UploadMode selects how a Draft's Files are submitted to upstream.
type UploadMode string

const (
	UploadModeSingle   UploadMode = "single"
	UploadModeMultiple UploadMode = "multiple"
)

// User holds upstream OAuth identity and token state.
//
// Invariant: TokenExpiresAt <= RefreshTokenExpiresAt; either both token
// fields are set or RequiresReauth is true.
type User struct {
	ID                  string
	AccessToken         string
	RefreshToken        string
	TokenExpiresAt      time.Time
	RefreshTokenExpiresAt time.Time
	RequiresReauth      bool

	// ReauthEmailSent tracks whether the "please reauthorize" email has
	// already gone out for the current reauth episode, so a successful
	// refresh can reset it.
	ReauthEmailSent bool
}

// RefreshTokenStatus buckets remaining refresh-token lifetime for the
// alert collaborator.
type RefreshTokenStatus string

const (
	RefreshTokenValid        RefreshTokenStatus = "valid"
	RefreshTokenExpiringSoon RefreshTokenStatus = "expiring_soon"
	RefreshTokenInvalid      RefreshTokenStatus = "invalid"
)

// ClassifyRefreshToken buckets u's refresh token expiry relative to now.
func ClassifyRefreshToken(u User, now time.Time) RefreshTokenStatus {
	remaining := u.RefreshTokenExpiresAt.Sub(now)
	switch {
	case remaining <= 0:
		return RefreshTokenInvalid
	case remaining <= 14*24*time.Hour:
		return RefreshTokenExpiringSoon
	default:
		return RefreshTokenValid
	}
}

// File is a (blob-key, mime, size, sortOrder) tuple owned exclusively by
// one Draft; deleting a Draft cascades to its Files.
type File struct {
	ID        string
	DraftID   string
	BlobKey   string
	Mime      string
	Size      int64
	SortOrder int
}

// Draft is a user-authored artwork submission.
type Draft struct {
	ID          string
	UserID      string
	Title       string
	Description string
	Tags        []string
	Galleries   []string
	Category    string
	Mature      bool
	MatureLevel string

	// Policy flags applied at publish time.
	AddWatermark     bool
	AllowFreeDownload bool
	DisplayResolution int

	UploadMode UploadMode
	Status     DraftStatus
	Files      []File

	ExecutionVersion int
	StashItemID      string

	ScheduledAt      *time.Time
	JitterSeconds    int
	ActualPublishAt  *time.Time

	DeviantArtDeviationID string
	DeviantArtURL         string
	ErrorMessage          string

	UpdatedAt time.Time
}

// HasFiles reports whether d has at least one File.
func (d Draft) HasFiles() bool { return len(d.Files) > 0 }

// IsEmptyField reports whether v counts as "empty" for default-value
// application purposes: nil, "", empty slice, false, 0.
func IsEmptyField(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []string:
		return len(t) == 0
	case bool:
		return !t
	case int:
		return t == 0
	default:
		return false
	}
}

// DraftSelectionMethod controls candidate ordering in scheduling.
type DraftSelectionMethod string

const (
	SelectFIFO   DraftSelectionMethod = "fifo"
	SelectLIFO   DraftSelectionMethod = "lifo"
	SelectRandom DraftSelectionMethod = "random"
)

// ScheduleRuleType discriminates the ScheduleRule variants.
type ScheduleRuleType string

const (
	RuleFixedTime     ScheduleRuleType = "fixed_time"
	RuleFixedInterval ScheduleRuleType = "fixed_interval"
	RuleDailyQuota    ScheduleRuleType = "daily_quota"
)

// ScheduleRule is a tagged union over the three rule variants; fields
// outside a variant's relevance are zero-valued.
type ScheduleRule struct {
	ID            string
	AutomationID  string
	Type          ScheduleRuleType
	Enabled       bool
	Priority      int
	DaysOfWeek    []time.Weekday // nil means "every day"

	// fixed_time
	TimeOfDay string // "HH:MM"

	// fixed_interval
	IntervalMinutes       int
	DeviationsPerInterval int

	// daily_quota
	DailyQuota int
}

// AppliesToday reports whether r's DaysOfWeek filter (if any) admits day.
func (r ScheduleRule) AppliesToday(day time.Weekday) bool {
	if len(r.DaysOfWeek) == 0 {
		return true
	}
	for _, d := range r.DaysOfWeek {
		if d == day {
			return true
		}
	}
	return false
}

// AutomationDefaultValue is a (fieldName, value, applyIfEmpty) default
// applied to newly-locked drafts.
type AutomationDefaultValue struct {
	ID           string
	AutomationID string
	FieldName    string
	Value        any
	ApplyIfEmpty bool
}

// Automation is a per-user rule set that auto-schedules drafts.
type Automation struct {
	ID                  string
	UserID              string
	Enabled             bool
	SelectionMethod     DraftSelectionMethod
	JitterMinSeconds    int
	JitterMaxSeconds    int
	StashOnlyByDefault  bool
	AutoAddToSaleQueue  bool

	Rules    []ScheduleRule
	Defaults []AutomationDefaultValue

	IsExecuting       bool
	LastExecutionLock *time.Time

	Timezone string // IANA timezone name, e.g. "America/Chicago"
}

// ExecutionLog is an append-only record of one automation tick's outcome.
type ExecutionLog struct {
	ID             string
	AutomationID   string
	ExecutedAt     time.Time
	ScheduledCount int
	ErrorMessage   string
	RuleType       ScheduleRuleType
}

// QueueJob is the payload enqueued for the publish executor.
type QueueJob struct {
	DraftID    string
	UserID     string
	UploadMode UploadMode
}

// JobID returns the deterministic, idempotent job identifier for d.
func JobID(draftID string) string {
	return "publish:" + draftID
}
