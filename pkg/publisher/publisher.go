// Package publisher implements the publish executor: token resolution,
// ordered file upload to upstream's stash, and the final publish call,
// coordinated with the circuit breaker and rate limiter before each
// outbound upstream call.
package publisher

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"time"

	"github.com/jeyb33/publisher-core/internal/clock"
	"github.com/jeyb33/publisher-core/internal/errorsx"
	"github.com/jeyb33/publisher-core/internal/logging"
	"github.com/jeyb33/publisher-core/pkg/contracts"
	"github.com/jeyb33/publisher-core/pkg/domain"
	"github.com/jeyb33/publisher-core/pkg/upstream"
	"go.uber.org/zap"
)

// TokenResolver resolves a valid access token for a user.
type TokenResolver interface {
	ValidAccessToken(ctx context.Context, u domain.User) (string, error)
}

// Breaker is the circuit breaker collaborator, scoped to what the
// executor needs.
type Breaker interface {
	ShouldAllow(key string) bool
	RecordSuccess(key string)
	RecordFailure(key string)
}

// Limiter is the rate limiter collaborator.
type Limiter interface {
	Acquire(key string)
	OnSuccess(key string)
	OnFailure(key string, retryAfter time.Duration)
}

// MetricsSink is the metrics collaborator, scoped to the executor's
// needs.
type MetricsSink interface {
	RecordJobStarted()
	RecordSuccess(latency time.Duration)
	RecordFailure(category string, latency time.Duration)
	RecordRateLimitHit()
	RecordCircuitBreakerOpen()
}

// Uploader is the subset of pkg/upstream.Client the executor drives.
type Uploader interface {
	StashSubmit(ctx context.Context, accessToken, title, artistComments, fileName string, content io.Reader) (upstream.StashSubmitResult, error)
	StashPublish(ctx context.Context, accessToken string, req upstream.PublishRequest) (upstream.PublishResult, error)
}

// interFileDelayMin and interFileDelayJitter bound the pause between
// multi-file stash uploads: a random duration in [3s, 4s).
const interFileDelayMin = 3 * time.Second
const interFileDelayJitter = 1 * time.Second

// Executor runs one publish job end to end.
type Executor struct {
	persistence contracts.Persistence
	blobs       contracts.BlobStore
	tokens      TokenResolver
	breaker     Breaker
	limiter     Limiter
	metrics     MetricsSink
	upstream    Uploader
	alerts      contracts.AlertSink
	clock       clock.Clock
	log         *zap.Logger
}

func New(persistence contracts.Persistence, blobs contracts.BlobStore, tokens TokenResolver, breaker Breaker, limiter Limiter, metrics MetricsSink, up Uploader, alerts contracts.AlertSink, clk clock.Clock, log *zap.Logger) *Executor {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Executor{persistence: persistence, blobs: blobs, tokens: tokens, breaker: breaker, limiter: limiter, metrics: metrics, upstream: up, alerts: alerts, clock: clk, log: log}
}

// Run executes job. Returns an *errorsx.Error classifying whether the
// queue adapter should retry.
func (e *Executor) Run(ctx context.Context, job domain.QueueJob) error {
	start := e.clock.Now()
	e.metrics.RecordJobStarted()

	draft, err := e.persistence.LoadDraft(ctx, job.UserID, job.DraftID)
	if err != nil {
		return e.fail(ctx, job, start, "load_draft", errorsx.New(errorsx.KindTransientIO, "load draft", "publisher", job.DraftID, err))
	}
	if !isPublishableStatus(draft.Status) {
		return e.fail(ctx, job, start, "invalid_status", errorsx.New(errorsx.KindValidation, "validate draft status", "publisher", job.DraftID, fmt.Errorf("status %s not publishable", draft.Status)))
	}
	if !draft.HasFiles() {
		return e.fail(ctx, job, start, "no_files", errorsx.New(errorsx.KindValidation, "validate draft files", "publisher", job.DraftID, fmt.Errorf("draft has no files")))
	}

	user, err := e.persistence.LoadUser(ctx, job.UserID)
	if err != nil {
		return e.fail(ctx, job, start, "load_user", errorsx.New(errorsx.KindTransientIO, "load user", "publisher", job.UserID, err))
	}

	accessToken, err := e.tokens.ValidAccessToken(ctx, user)
	if err != nil {
		if errorsx.Is(err, errorsx.KindReauthRequired) {
			_ = e.persistence.SetDraftStatus(ctx, draft.ID, domain.DraftStatusFailed, "reauthorization required")
			e.alerts.Emit(ctx, contracts.SeverityWarning, "Reauthorization required", fmt.Sprintf("user %s must reauthorize before drafts can publish", job.UserID), map[string]any{"user_id": job.UserID, "draft_id": draft.ID})
			e.metrics.RecordFailure("reauth_required", e.clock.Now().Sub(start))
			return err // terminal, not retryable
		}
		return e.fail(ctx, job, start, "token_refresh_failed", err)
	}

	files := append([]domain.File(nil), draft.Files...)
	sort.Slice(files, func(i, j int) bool { return files[i].SortOrder < files[j].SortOrder })
	if job.UploadMode == domain.UploadModeSingle && len(files) > 1 {
		files = files[:1]
	}

	if draft.StashItemID == "" {
		for i, f := range files {
			if i > 0 {
				e.clock.Sleep(interFileDelayMin + time.Duration(rand.Float64()*float64(interFileDelayJitter)))
			}
			itemID, err := e.uploadToStash(ctx, job.UserID, accessToken, draft, f)
			if err != nil {
				return e.fail(ctx, job, start, "stash_upload_failed", err)
			}
			draft.StashItemID = itemID
			if err := e.persistence.SetDraftStashItemID(ctx, draft.ID, itemID); err != nil {
				return e.fail(ctx, job, start, "persist_stash_item", errorsx.New(errorsx.KindTransientIO, "persist stash item id", "publisher", draft.ID, err))
			}
			if job.UploadMode == domain.UploadModeSingle {
				break
			}
		}
	}

	result, err := e.publish(ctx, job.UserID, accessToken, draft)
	if err != nil {
		return e.fail(ctx, job, start, "publish_failed", err)
	}

	if err := e.persistence.SetDraftPublished(ctx, draft.ID, result.DeviationID, result.URL); err != nil {
		return e.fail(ctx, job, start, "persist_published", errorsx.New(errorsx.KindTransientIO, "persist published draft", "publisher", draft.ID, err))
	}
	e.metrics.RecordSuccess(e.clock.Now().Sub(start))
	return nil
}

func isPublishableStatus(s domain.DraftStatus) bool {
	return s == domain.DraftStatusScheduled || s == domain.DraftStatusPublishing || s == domain.DraftStatusFailed
}

// uploadToStash uploads a single file to the upstream stash, consulting
// the breaker and limiter first.
func (e *Executor) uploadToStash(ctx context.Context, userID, accessToken string, draft domain.Draft, f domain.File) (string, error) {
	if !e.breaker.ShouldAllow(userID) {
		e.metrics.RecordCircuitBreakerOpen()
		return "", errorsx.New(errorsx.KindCircuitOpen, "stash upload", "publisher", draft.ID, nil)
	}
	e.limiter.Acquire(userID)

	blob, err := e.blobs.Fetch(ctx, f.BlobKey)
	if err != nil {
		return "", errorsx.New(errorsx.KindTransientIO, "fetch blob", "publisher", draft.ID, err)
	}
	defer blob.Close()

	result, err := e.upstream.StashSubmit(ctx, accessToken, draft.Title, draft.Description, f.BlobKey, blob)
	if err != nil {
		e.recordUpstreamOutcome(userID, err)
		return "", err
	}
	e.breaker.RecordSuccess(userID)
	e.limiter.OnSuccess(userID)
	return result.ItemID, nil
}

// publish submits the stash item for publication.
func (e *Executor) publish(ctx context.Context, userID, accessToken string, draft domain.Draft) (upstream.PublishResult, error) {
	if !e.breaker.ShouldAllow(userID) {
		e.metrics.RecordCircuitBreakerOpen()
		return upstream.PublishResult{}, errorsx.New(errorsx.KindCircuitOpen, "publish", "publisher", draft.ID, nil)
	}
	e.limiter.Acquire(userID)

	req := upstream.PublishRequest{
		StashItemID:       draft.StashItemID,
		Tags:              draft.Tags,
		GalleryIDs:        draft.Galleries,
		Mature:            draft.Mature,
		MatureLevel:       draft.MatureLevel,
		DisplayResolution: draft.DisplayResolution,
		AddWatermark:      draft.AddWatermark,
		AllowFreeDownload: draft.AllowFreeDownload,
	}
	result, err := e.upstream.StashPublish(ctx, accessToken, req)
	if err != nil {
		e.recordUpstreamOutcome(userID, err)
		return upstream.PublishResult{}, err
	}
	e.breaker.RecordSuccess(userID)
	e.limiter.OnSuccess(userID)
	return result, nil
}

func (e *Executor) recordUpstreamOutcome(userID string, err error) {
	k := errorsx.KindOf(err)
	if k == errorsx.KindRateLimited {
		e.metrics.RecordRateLimitHit()
		retryAfter := time.Duration(0)
		var xerr *errorsx.Error
		if ok := errorsAs(err, &xerr); ok {
			retryAfter = time.Duration(xerr.RetryAfter) * time.Second
		}
		e.breaker.RecordFailure(userID)
		e.limiter.OnFailure(userID, retryAfter)
		return
	}
	if k == errorsx.KindServerError {
		e.breaker.RecordFailure(userID)
	}
}

func errorsAs(err error, target **errorsx.Error) bool {
	for err != nil {
		if e, ok := err.(*errorsx.Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func (e *Executor) fail(ctx context.Context, job domain.QueueJob, start time.Time, category string, err error) error {
	e.metrics.RecordFailure(category, e.clock.Now().Sub(start))
	if e.log != nil {
		e.log.Warn("publish job failed",
			logging.NewFields().Component("publisher").Operation("run").DraftID(job.DraftID).UserID(job.UserID).Err(err)...,
		)
	}
	if !errorsx.IsRetryable(err) {
		_ = e.persistence.SetDraftStatus(ctx, job.DraftID, domain.DraftStatusFailed, err.Error())
	}
	return err
}
