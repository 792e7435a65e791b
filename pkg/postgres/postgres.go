// Package postgres implements pkg/contracts.Persistence against
// PostgreSQL, using jackc/pgx/v5 as the driver and jmoiron/sqlx for
// struct scanning.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jeyb33/publisher-core/internal/errorsx"
	"github.com/jeyb33/publisher-core/pkg/contracts"
	"github.com/jeyb33/publisher-core/pkg/domain"
	"github.com/jmoiron/sqlx"
)

// Repository implements contracts.Persistence over a *sqlx.DB.
type Repository struct {
	db *sqlx.DB
}

// Open establishes a connection pool against dsn using the pgx stdlib
// driver registered under "pgx".
func Open(dsn string) (*Repository, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, errorsx.New(errorsx.KindTransientIO, "open postgres connection", "postgres", "", err)
	}
	return &Repository{db: db}, nil
}

// New wraps an already-opened *sqlx.DB, for callers (and tests) that
// manage the connection lifecycle themselves.
func New(db *sqlx.DB) *Repository { return &Repository{db: db} }

func (r *Repository) Close() error { return r.db.Close() }

func (r *Repository) Ping(ctx context.Context) error { return r.db.PingContext(ctx) }

type userRow struct {
	ID                    string    `db:"id"`
	AccessToken           string    `db:"access_token"`
	RefreshToken          string    `db:"refresh_token"`
	TokenExpiresAt        time.Time `db:"token_expires_at"`
	RefreshTokenExpiresAt time.Time `db:"refresh_token_expires_at"`
	RequiresReauth        bool      `db:"requires_reauth"`
	ReauthEmailSent       bool      `db:"reauth_email_sent"`
}

func (r userRow) toDomain() domain.User {
	return domain.User{
		ID: r.ID, AccessToken: r.AccessToken, RefreshToken: r.RefreshToken,
		TokenExpiresAt: r.TokenExpiresAt, RefreshTokenExpiresAt: r.RefreshTokenExpiresAt,
		RequiresReauth: r.RequiresReauth, ReauthEmailSent: r.ReauthEmailSent,
	}
}

func (r *Repository) LoadUser(ctx context.Context, userID string) (domain.User, error) {
	var row userRow
	err := r.db.GetContext(ctx, &row, `
		SELECT id, access_token, refresh_token, token_expires_at, refresh_token_expires_at, requires_reauth, reauth_email_sent
		FROM users WHERE id = $1`, userID)
	if err == sql.ErrNoRows {
		return domain.User{}, errorsx.New(errorsx.KindValidation, "load user", "postgres", userID, err)
	}
	if err != nil {
		return domain.User{}, errorsx.New(errorsx.KindTransientIO, "load user", "postgres", userID, err)
	}
	return row.toDomain(), nil
}

func (r *Repository) SaveUserTokens(ctx context.Context, userID, accessToken, refreshToken string, tokenExpiresAt, refreshTokenExpiresAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users SET access_token = $2, refresh_token = $3, token_expires_at = $4,
			refresh_token_expires_at = $5, requires_reauth = false, reauth_email_sent = false
		WHERE id = $1`, userID, accessToken, refreshToken, tokenExpiresAt, refreshTokenExpiresAt)
	if err != nil {
		return errorsx.New(errorsx.KindTransientIO, "save user tokens", "postgres", userID, err)
	}
	return nil
}

func (r *Repository) MarkReauthRequired(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE users SET requires_reauth = true WHERE id = $1`, userID)
	if err != nil {
		return errorsx.New(errorsx.KindTransientIO, "mark reauth required", "postgres", userID, err)
	}
	return nil
}

type draftRow struct {
	ID                    string       `db:"id"`
	UserID                string       `db:"user_id"`
	Title                 string       `db:"title"`
	Description           string       `db:"description"`
	Tags                  stringArray  `db:"tags"`
	Galleries             stringArray  `db:"galleries"`
	Category              string       `db:"category"`
	Mature                bool           `db:"mature"`
	MatureLevel           string         `db:"mature_level"`
	AddWatermark          bool           `db:"add_watermark"`
	AllowFreeDownload     bool           `db:"allow_free_download"`
	DisplayResolution     int            `db:"display_resolution"`
	UploadMode            string         `db:"upload_mode"`
	Status                string         `db:"status"`
	ExecutionVersion      int            `db:"execution_version"`
	StashItemID           string         `db:"stash_item_id"`
	ScheduledAt           sql.NullTime   `db:"scheduled_at"`
	ActualPublishAt       sql.NullTime   `db:"actual_publish_at"`
	DeviantArtDeviationID string         `db:"deviantart_deviation_id"`
	DeviantArtURL         string         `db:"deviantart_url"`
	ErrorMessage          string         `db:"error_message"`
	UpdatedAt             time.Time      `db:"updated_at"`
}

// stringArray stores a []string as a JSON-encoded column value and
// decodes it back from []byte or string; a native Postgres text[]
// literal is not parsed.
type stringArray []string

func (a *stringArray) Scan(src any) error {
	if src == nil {
		*a = nil
		return nil
	}
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, a)
	case string:
		return json.Unmarshal([]byte(v), a)
	}
	return nil
}

func (a stringArray) Value() (any, error) {
	return json.Marshal([]string(a))
}

func (row draftRow) toDomain() domain.Draft {
	d := domain.Draft{
		ID: row.ID, UserID: row.UserID, Title: row.Title, Description: row.Description,
		Tags: []string(row.Tags), Galleries: []string(row.Galleries), Category: row.Category,
		Mature: row.Mature, MatureLevel: row.MatureLevel, AddWatermark: row.AddWatermark,
		AllowFreeDownload: row.AllowFreeDownload, DisplayResolution: row.DisplayResolution,
		UploadMode: domain.UploadMode(row.UploadMode), Status: domain.DraftStatus(row.Status),
		ExecutionVersion: row.ExecutionVersion, StashItemID: row.StashItemID,
		DeviantArtDeviationID: row.DeviantArtDeviationID, DeviantArtURL: row.DeviantArtURL,
		ErrorMessage: row.ErrorMessage, UpdatedAt: row.UpdatedAt,
	}
	if row.ScheduledAt.Valid {
		d.ScheduledAt = &row.ScheduledAt.Time
	}
	if row.ActualPublishAt.Valid {
		d.ActualPublishAt = &row.ActualPublishAt.Time
	}
	return d
}

type fileRow struct {
	ID        string `db:"id"`
	DraftID   string `db:"draft_id"`
	BlobKey   string `db:"blob_key"`
	Mime      string `db:"mime"`
	Size      int64  `db:"size"`
	SortOrder int    `db:"sort_order"`
}

func (r *Repository) LoadDraft(ctx context.Context, userID, draftID string) (domain.Draft, error) {
	var row draftRow
	err := r.db.GetContext(ctx, &row, `SELECT * FROM drafts WHERE id = $1 AND user_id = $2`, draftID, userID)
	if err == sql.ErrNoRows {
		return domain.Draft{}, errorsx.New(errorsx.KindValidation, "load draft", "postgres", draftID, err)
	}
	if err != nil {
		return domain.Draft{}, errorsx.New(errorsx.KindTransientIO, "load draft", "postgres", draftID, err)
	}
	draft := row.toDomain()

	var fileRows []fileRow
	if err := r.db.SelectContext(ctx, &fileRows, `SELECT * FROM draft_files WHERE draft_id = $1 ORDER BY sort_order`, draftID); err != nil {
		return domain.Draft{}, errorsx.New(errorsx.KindTransientIO, "load draft files", "postgres", draftID, err)
	}
	for _, fr := range fileRows {
		draft.Files = append(draft.Files, domain.File{ID: fr.ID, DraftID: fr.DraftID, BlobKey: fr.BlobKey, Mime: fr.Mime, Size: fr.Size, SortOrder: fr.SortOrder})
	}
	return draft, nil
}

func (r *Repository) ListDrafts(ctx context.Context, filter contracts.DraftFilter) ([]domain.Draft, error) {
	query := `SELECT * FROM drafts WHERE user_id = $1`
	args := []any{filter.UserID}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += " AND status = $" + itoa(len(args))
	}
	if filter.ScheduledNil {
		query += " AND scheduled_at IS NULL"
	}
	if filter.RequireFiles {
		query += " AND EXISTS (SELECT 1 FROM draft_files f WHERE f.draft_id = drafts.id)"
	}
	query += " ORDER BY updated_at"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += " LIMIT $" + itoa(len(args))
	}

	var rows []draftRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(query), args...); err != nil {
		return nil, errorsx.New(errorsx.KindTransientIO, "list drafts", "postgres", filter.UserID, err)
	}
	out := make([]domain.Draft, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

// UpdateDraftOptimistic applies mutate in memory after loading the row
// inside a transaction, then writes it back guarded by a `WHERE
// execution_version = $expected` predicate; a zero affected-rows count
// means another writer won the race, so it reports applied=false
// without error.
func (r *Repository) UpdateDraftOptimistic(ctx context.Context, draftID string, expectedVersion int, mutate func(*domain.Draft)) (bool, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, errorsx.New(errorsx.KindTransientIO, "begin optimistic update tx", "postgres", draftID, err)
	}
	defer tx.Rollback()

	var row draftRow
	if err := tx.GetContext(ctx, &row, `SELECT * FROM drafts WHERE id = $1 FOR UPDATE`, draftID); err != nil {
		return false, errorsx.New(errorsx.KindTransientIO, "load draft for update", "postgres", draftID, err)
	}
	if row.ExecutionVersion != expectedVersion {
		return false, nil
	}

	draft := row.toDomain()
	mutate(&draft)

	res, err := tx.ExecContext(ctx, `
		UPDATE drafts SET title=$2, description=$3, tags=$4, galleries=$5, category=$6, mature=$7,
			mature_level=$8, add_watermark=$9, allow_free_download=$10, display_resolution=$11,
			upload_mode=$12, status=$13, stash_item_id=$14, scheduled_at=$15, execution_version=execution_version+1,
			updated_at = now()
		WHERE id=$1 AND execution_version=$16`,
		draftID, draft.Title, draft.Description, stringArray(draft.Tags), stringArray(draft.Galleries),
		draft.Category, draft.Mature, draft.MatureLevel, draft.AddWatermark, draft.AllowFreeDownload,
		draft.DisplayResolution, string(draft.UploadMode), string(draft.Status), draft.StashItemID,
		nullableTime(draft.ScheduledAt), expectedVersion)
	if err != nil {
		return false, errorsx.New(errorsx.KindTransientIO, "apply optimistic update", "postgres", draftID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errorsx.New(errorsx.KindTransientIO, "check optimistic update result", "postgres", draftID, err)
	}
	if n == 0 {
		return false, nil
	}
	if err := tx.Commit(); err != nil {
		return false, errorsx.New(errorsx.KindTransientIO, "commit optimistic update", "postgres", draftID, err)
	}
	return true, nil
}

func nullableTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func (r *Repository) SetDraftStatus(ctx context.Context, draftID string, status domain.DraftStatus, errorMessage string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE drafts SET status=$2, error_message=$3, updated_at=now() WHERE id=$1`, draftID, string(status), errorMessage)
	if err != nil {
		return errorsx.New(errorsx.KindTransientIO, "set draft status", "postgres", draftID, err)
	}
	return nil
}

func (r *Repository) SetDraftPublished(ctx context.Context, draftID, deviationID, url string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE drafts SET status=$2, deviantart_deviation_id=$3, deviantart_url=$4, actual_publish_at=now(), updated_at=now()
		WHERE id=$1`, draftID, string(domain.DraftStatusPublished), deviationID, url)
	if err != nil {
		return errorsx.New(errorsx.KindTransientIO, "set draft published", "postgres", draftID, err)
	}
	return nil
}

func (r *Repository) SetDraftStashItemID(ctx context.Context, draftID, stashItemID string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE drafts SET stash_item_id=$2, updated_at=now() WHERE id=$1`, draftID, stashItemID)
	if err != nil {
		return errorsx.New(errorsx.KindTransientIO, "set draft stash item id", "postgres", draftID, err)
	}
	return nil
}

type automationRow struct {
	ID                 string `db:"id"`
	UserID             string `db:"user_id"`
	Enabled            bool   `db:"enabled"`
	SelectionMethod    string `db:"selection_method"`
	JitterMinSeconds   int    `db:"jitter_min_seconds"`
	JitterMaxSeconds   int    `db:"jitter_max_seconds"`
	StashOnlyByDefault bool   `db:"stash_only_by_default"`
	AutoAddToSaleQueue bool   `db:"auto_add_to_sale_queue"`
	Timezone           string `db:"timezone"`
}

type ruleRow struct {
	ID                    string         `db:"id"`
	AutomationID          string         `db:"automation_id"`
	Type                  string         `db:"type"`
	Enabled               bool           `db:"enabled"`
	Priority              int            `db:"priority"`
	DaysOfWeek            stringArray `db:"days_of_week"`
	TimeOfDay             string         `db:"time_of_day"`
	IntervalMinutes       int            `db:"interval_minutes"`
	DeviationsPerInterval int            `db:"deviations_per_interval"`
	DailyQuota            int            `db:"daily_quota"`
}

type defaultValueRow struct {
	ID           string `db:"id"`
	AutomationID string `db:"automation_id"`
	FieldName    string `db:"field_name"`
	Value        []byte `db:"value"`
	ApplyIfEmpty bool   `db:"apply_if_empty"`
}

func (r *Repository) ListEnabledAutomations(ctx context.Context) ([]domain.Automation, error) {
	var rows []automationRow
	if err := r.db.SelectContext(ctx, &rows, `SELECT * FROM automations WHERE enabled = true`); err != nil {
		return nil, errorsx.New(errorsx.KindTransientIO, "list enabled automations", "postgres", "", err)
	}

	automations := make([]domain.Automation, 0, len(rows))
	for _, row := range rows {
		a := domain.Automation{
			ID: row.ID, UserID: row.UserID, Enabled: row.Enabled,
			SelectionMethod: domain.DraftSelectionMethod(row.SelectionMethod),
			JitterMinSeconds: row.JitterMinSeconds, JitterMaxSeconds: row.JitterMaxSeconds,
			StashOnlyByDefault: row.StashOnlyByDefault, AutoAddToSaleQueue: row.AutoAddToSaleQueue,
			Timezone: row.Timezone,
		}

		var ruleRows []ruleRow
		if err := r.db.SelectContext(ctx, &ruleRows, `SELECT * FROM automation_rules WHERE automation_id = $1`, row.ID); err != nil {
			return nil, errorsx.New(errorsx.KindTransientIO, "list automation rules", "postgres", row.ID, err)
		}
		for _, rr := range ruleRows {
			a.Rules = append(a.Rules, ruleRow2domain(rr))
		}

		var defRows []defaultValueRow
		if err := r.db.SelectContext(ctx, &defRows, `SELECT * FROM automation_default_values WHERE automation_id = $1`, row.ID); err != nil {
			return nil, errorsx.New(errorsx.KindTransientIO, "list automation defaults", "postgres", row.ID, err)
		}
		for _, dr := range defRows {
			var v any
			_ = json.Unmarshal(dr.Value, &v)
			a.Defaults = append(a.Defaults, domain.AutomationDefaultValue{ID: dr.ID, AutomationID: dr.AutomationID, FieldName: dr.FieldName, Value: v, ApplyIfEmpty: dr.ApplyIfEmpty})
		}

		automations = append(automations, a)
	}
	return automations, nil
}

func ruleRow2domain(rr ruleRow) domain.ScheduleRule {
	var days []time.Weekday
	for _, d := range rr.DaysOfWeek {
		var wd int
		_ = json.Unmarshal([]byte(d), &wd)
		days = append(days, time.Weekday(wd))
	}
	return domain.ScheduleRule{
		ID: rr.ID, AutomationID: rr.AutomationID, Type: domain.ScheduleRuleType(rr.Type),
		Enabled: rr.Enabled, Priority: rr.Priority, DaysOfWeek: days, TimeOfDay: rr.TimeOfDay,
		IntervalMinutes: rr.IntervalMinutes, DeviationsPerInterval: rr.DeviationsPerInterval, DailyQuota: rr.DailyQuota,
	}
}

// AcquireAutomationLease takes the lease inside a single UPDATE guarded
// by "free or stale" so two scheduler replicas racing the same tick
// can't both win it.
func (r *Repository) AcquireAutomationLease(ctx context.Context, automationID string, now time.Time, staleAfter time.Duration) (bool, error) {
	staleCutoff := now.Add(-staleAfter)
	res, err := r.db.ExecContext(ctx, `
		UPDATE automations SET is_executing = true, last_execution_lock = $2
		WHERE id = $1 AND (is_executing = false OR last_execution_lock < $3)`,
		automationID, now, staleCutoff)
	if err != nil {
		return false, errorsx.New(errorsx.KindTransientIO, "acquire automation lease", "postgres", automationID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errorsx.New(errorsx.KindTransientIO, "check lease acquisition result", "postgres", automationID, err)
	}
	return n > 0, nil
}

func (r *Repository) ReleaseAutomationLease(ctx context.Context, automationID string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE automations SET is_executing = false WHERE id = $1`, automationID)
	if err != nil {
		return errorsx.New(errorsx.KindTransientIO, "release automation lease", "postgres", automationID, err)
	}
	return nil
}

func (r *Repository) LastExecutionLog(ctx context.Context, automationID string) (domain.ExecutionLog, bool, error) {
	var row struct {
		ID             string    `db:"id"`
		AutomationID   string    `db:"automation_id"`
		ExecutedAt     time.Time `db:"executed_at"`
		ScheduledCount int       `db:"scheduled_count"`
		ErrorMessage   string    `db:"error_message"`
		RuleType       string    `db:"rule_type"`
	}
	err := r.db.GetContext(ctx, &row, `
		SELECT * FROM execution_logs WHERE automation_id = $1 ORDER BY executed_at DESC LIMIT 1`, automationID)
	if err == sql.ErrNoRows {
		return domain.ExecutionLog{}, false, nil
	}
	if err != nil {
		return domain.ExecutionLog{}, false, errorsx.New(errorsx.KindTransientIO, "load last execution log", "postgres", automationID, err)
	}
	return domain.ExecutionLog{
		ID: row.ID, AutomationID: row.AutomationID, ExecutedAt: row.ExecutedAt,
		ScheduledCount: row.ScheduledCount, ErrorMessage: row.ErrorMessage, RuleType: domain.ScheduleRuleType(row.RuleType),
	}, true, nil
}

func (r *Repository) SumScheduledCountSince(ctx context.Context, automationID string, since time.Time) (int, error) {
	var sum sql.NullInt64
	err := r.db.GetContext(ctx, &sum, `
		SELECT COALESCE(SUM(scheduled_count), 0) FROM execution_logs WHERE automation_id = $1 AND executed_at >= $2`,
		automationID, since)
	if err != nil {
		return 0, errorsx.New(errorsx.KindTransientIO, "sum scheduled count", "postgres", automationID, err)
	}
	return int(sum.Int64), nil
}

func (r *Repository) AppendExecutionLog(ctx context.Context, log domain.ExecutionLog) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO execution_logs (id, automation_id, executed_at, scheduled_count, error_message, rule_type)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		log.ID, log.AutomationID, log.ExecutedAt, log.ScheduledCount, log.ErrorMessage, string(log.RuleType))
	if err != nil {
		return errorsx.New(errorsx.KindTransientIO, "append execution log", "postgres", log.AutomationID, err)
	}
	return nil
}

func (r *Repository) ListStuckDrafts(ctx context.Context, olderThan time.Time) ([]domain.Draft, error) {
	var rows []draftRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT * FROM drafts WHERE status = $1 AND updated_at < $2`,
		string(domain.DraftStatusPublishing), olderThan)
	if err != nil {
		return nil, errorsx.New(errorsx.KindTransientIO, "list stuck drafts", "postgres", "", err)
	}
	out := make([]domain.Draft, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

var _ contracts.Persistence = (*Repository)(nil)
