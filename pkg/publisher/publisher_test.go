package publisher

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/jeyb33/publisher-core/internal/clock"
	"github.com/jeyb33/publisher-core/internal/errorsx"
	"github.com/jeyb33/publisher-core/pkg/contracts"
	"github.com/jeyb33/publisher-core/pkg/domain"
	"github.com/jeyb33/publisher-core/pkg/upstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubPersistence struct {
	contracts.Persistence
	draft  domain.Draft
	user   domain.User
	status domain.DraftStatus
	errMsg string
	stash  string
	devID  string
	url    string
}

func (s *stubPersistence) LoadDraft(ctx context.Context, userID, draftID string) (domain.Draft, error) {
	return s.draft, nil
}
func (s *stubPersistence) LoadUser(ctx context.Context, userID string) (domain.User, error) {
	return s.user, nil
}
func (s *stubPersistence) SetDraftStatus(ctx context.Context, draftID string, status domain.DraftStatus, errorMessage string) error {
	s.status, s.errMsg = status, errorMessage
	return nil
}
func (s *stubPersistence) SetDraftStashItemID(ctx context.Context, draftID, stashItemID string) error {
	s.stash = stashItemID
	return nil
}
func (s *stubPersistence) SetDraftPublished(ctx context.Context, draftID, deviationID, url string) error {
	s.devID, s.url = deviationID, url
	return nil
}

type stubBlobs struct{}

func (stubBlobs) Fetch(ctx context.Context, blobKey string) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewBufferString("blob-data")), nil
}

type stubTokens struct {
	token string
	err   error
}

func (s stubTokens) ValidAccessToken(ctx context.Context, u domain.User) (string, error) {
	return s.token, s.err
}

type noopBreaker struct{ failed bool }

func (b *noopBreaker) ShouldAllow(key string) bool { return true }
func (b *noopBreaker) RecordSuccess(key string)    {}
func (b *noopBreaker) RecordFailure(key string)    { b.failed = true }

type noopLimiter struct{}

func (noopLimiter) Acquire(key string)                               {}
func (noopLimiter) OnSuccess(key string)                             {}
func (noopLimiter) OnFailure(key string, retryAfter time.Duration) {}

type noopMetrics struct{ failures []string }

func (*noopMetrics) RecordJobStarted()                                 {}
func (*noopMetrics) RecordSuccess(time.Duration)                       {}
func (m *noopMetrics) RecordFailure(category string, _ time.Duration) { m.failures = append(m.failures, category) }
func (*noopMetrics) RecordRateLimitHit()                               {}
func (*noopMetrics) RecordCircuitBreakerOpen()                         {}

type stubUploader struct {
	submitCalls  int
	publishCalls int
	submitErr    error
	publishErr   error
}

func (s *stubUploader) StashSubmit(ctx context.Context, accessToken, title, artistComments, fileName string, content io.Reader) (upstream.StashSubmitResult, error) {
	s.submitCalls++
	if s.submitErr != nil {
		return upstream.StashSubmitResult{}, s.submitErr
	}
	return upstream.StashSubmitResult{ItemID: "item-1"}, nil
}

func (s *stubUploader) StashPublish(ctx context.Context, accessToken string, req upstream.PublishRequest) (upstream.PublishResult, error) {
	s.publishCalls++
	if s.publishErr != nil {
		return upstream.PublishResult{}, s.publishErr
	}
	return upstream.PublishResult{DeviationID: "d-1", URL: "https://example.com/d-1"}, nil
}

type noopAlerts struct{}

func (noopAlerts) Emit(ctx context.Context, severity contracts.Severity, title, body string, fields map[string]any) {
}

func newExecutor(t *testing.T, draft domain.Draft, up *stubUploader, tokens stubTokens) (*Executor, *stubPersistence, *noopMetrics) {
	t.Helper()
	p := &stubPersistence{draft: draft, user: domain.User{ID: draft.UserID}}
	m := &noopMetrics{}
	e := New(p, stubBlobs{}, tokens, &noopBreaker{}, noopLimiter{}, m, up, noopAlerts{}, clock.NewFake(time.Unix(1_700_000_000, 0)), nil)
	return e, p, m
}

func baseDraft() domain.Draft {
	return domain.Draft{
		ID:         "draft-1",
		UserID:     "user-1",
		Title:      "My Art",
		Status:     domain.DraftStatusScheduled,
		UploadMode: domain.UploadModeSingle,
		Tags:       []string{"sci-fi", "space art"},
		Files: []domain.File{
			{ID: "f1", BlobKey: "blob-1", SortOrder: 0},
		},
	}
}

func TestRunPublishesSuccessfully(t *testing.T) {
	up := &stubUploader{}
	e, p, m := newExecutor(t, baseDraft(), up, stubTokens{token: "tok"})

	err := e.Run(context.Background(), domain.QueueJob{DraftID: "draft-1", UserID: "user-1", UploadMode: domain.UploadModeSingle})
	require.NoError(t, err)
	assert.Equal(t, 1, up.submitCalls)
	assert.Equal(t, 1, up.publishCalls)
	assert.Equal(t, "d-1", p.devID)
	assert.Empty(t, m.failures)
}

func TestRunSkipsStashUploadWhenAlreadyUploaded(t *testing.T) {
	draft := baseDraft()
	draft.StashItemID = "already-there"
	up := &stubUploader{}
	e, _, _ := newExecutor(t, draft, up, stubTokens{token: "tok"})

	err := e.Run(context.Background(), domain.QueueJob{DraftID: "draft-1", UserID: "user-1", UploadMode: domain.UploadModeSingle})
	require.NoError(t, err)
	assert.Equal(t, 0, up.submitCalls)
	assert.Equal(t, 1, up.publishCalls)
}

func TestRunFailsDraftWithoutFiles(t *testing.T) {
	draft := baseDraft()
	draft.Files = nil
	up := &stubUploader{}
	e, p, m := newExecutor(t, draft, up, stubTokens{token: "tok"})

	err := e.Run(context.Background(), domain.QueueJob{DraftID: "draft-1", UserID: "user-1"})
	require.Error(t, err)
	assert.Equal(t, domain.DraftStatusFailed, p.status)
	assert.Contains(t, m.failures, "no_files")
}

func TestRunReauthRequiredIsTerminalAndAlertsOnce(t *testing.T) {
	up := &stubUploader{}
	reauthErr := errorsx.New(errorsx.KindReauthRequired, "refresh token", "token_manager", "user-1", nil)
	e, p, m := newExecutor(t, baseDraft(), up, stubTokens{err: reauthErr})
	alerts := &countingAlerts{}
	e.alerts = alerts

	err := e.Run(context.Background(), domain.QueueJob{DraftID: "draft-1", UserID: "user-1"})
	require.Error(t, err)
	assert.True(t, errorsx.Is(err, errorsx.KindReauthRequired))
	assert.False(t, errorsx.IsRetryable(err))
	assert.Equal(t, domain.DraftStatusFailed, p.status)
	assert.Equal(t, 0, up.submitCalls)
	assert.Contains(t, m.failures, "reauth_required")
	assert.Len(t, alerts.titles, 1)
}

type countingAlerts struct{ titles []string }

func (a *countingAlerts) Emit(ctx context.Context, severity contracts.Severity, title, body string, fields map[string]any) {
	a.titles = append(a.titles, title)
}

func TestRunRecordsCircuitOpenWithoutCallingUpstream(t *testing.T) {
	up := &stubUploader{}
	p := &stubPersistence{draft: baseDraft(), user: domain.User{ID: "user-1"}}
	m := &noopMetrics{}
	breaker := &noopBreaker{}
	e := New(p, stubBlobs{}, stubTokens{token: "tok"}, tripOpenBreaker{}, noopLimiter{}, m, up, noopAlerts{}, clock.NewFake(time.Unix(1_700_000_000, 0)), nil)
	_ = breaker

	err := e.Run(context.Background(), domain.QueueJob{DraftID: "draft-1", UserID: "user-1"})
	require.Error(t, err)
	assert.True(t, errorsx.Is(err, errorsx.KindCircuitOpen))
	assert.Equal(t, 0, up.submitCalls)
}

type tripOpenBreaker struct{}

func (tripOpenBreaker) ShouldAllow(key string) bool { return false }
func (tripOpenBreaker) RecordSuccess(key string)    {}
func (tripOpenBreaker) RecordFailure(key string)    {}
