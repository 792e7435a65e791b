package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jeyb33/publisher-core/pkg/domain"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepo(t *testing.T) (*Repository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(sqlx.NewDb(db, "sqlmock")), mock
}

func TestLoadUserScansRow(t *testing.T) {
	r, mock := newTestRepo(t)
	now := time.Unix(1_700_000_000, 0)
	rows := sqlmock.NewRows([]string{"id", "access_token", "refresh_token", "token_expires_at", "refresh_token_expires_at", "requires_reauth", "reauth_email_sent"}).
		AddRow("u1", "tok", "rtok", now, now.Add(90*24*time.Hour), false, false)
	mock.ExpectQuery(`SELECT id, access_token`).WithArgs("u1").WillReturnRows(rows)

	u, err := r.LoadUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", u.ID)
	assert.Equal(t, "tok", u.AccessToken)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateDraftOptimisticReportsConflictOnVersionMismatch(t *testing.T) {
	r, mock := newTestRepo(t)
	mock.ExpectBegin()
	draftCols := []string{"id", "user_id", "title", "description", "tags", "galleries", "category", "mature",
		"mature_level", "add_watermark", "allow_free_download", "display_resolution", "upload_mode", "status",
		"execution_version", "stash_item_id", "scheduled_at", "actual_publish_at", "deviantart_deviation_id",
		"deviantart_url", "error_message", "updated_at"}
	rows := sqlmock.NewRows(draftCols).AddRow(
		"d1", "u1", "t", "d", []byte(`[]`), []byte(`[]`), "c", false, "", false, false, 0, "single", "scheduled",
		5, "", nil, nil, "", "", "", time.Now())
	mock.ExpectQuery(`SELECT \* FROM drafts WHERE id = \$1 FOR UPDATE`).WithArgs("d1").WillReturnRows(rows)
	mock.ExpectRollback()

	applied, err := r.UpdateDraftOptimistic(context.Background(), "d1", 3, func(d *domain.Draft) {
		d.Status = domain.DraftStatusPublished
	})
	require.NoError(t, err)
	assert.False(t, applied, "expectedVersion 3 does not match the row's execution_version 5")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAcquireAutomationLeaseReflectsRowsAffected(t *testing.T) {
	r, mock := newTestRepo(t)
	mock.ExpectExec(`UPDATE automations SET is_executing`).WillReturnResult(sqlmock.NewResult(0, 1))

	acquired, err := r.AcquireAutomationLease(context.Background(), "a1", time.Now(), 5*time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAcquireAutomationLeaseDeniedWhenHeld(t *testing.T) {
	r, mock := newTestRepo(t)
	mock.ExpectExec(`UPDATE automations SET is_executing`).WillReturnResult(sqlmock.NewResult(0, 0))

	acquired, err := r.AcquireAutomationLease(context.Background(), "a1", time.Now(), 5*time.Minute)
	require.NoError(t, err)
	assert.False(t, acquired)
}
