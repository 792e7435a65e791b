package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jeyb33/publisher-core/internal/errorsx"
	"github.com/jeyb33/publisher-core/internal/logging"
	"github.com/jeyb33/publisher-core/pkg/domain"
	"github.com/jeyb33/publisher-core/pkg/metrics"
	"github.com/jeyb33/publisher-core/pkg/publisher"
	"github.com/jeyb33/publisher-core/pkg/queue"
	"go.uber.org/zap"
)

// claimInterval is how often each worker polls the queue for ready jobs
// when it isn't already busy running one.
const claimInterval = 2 * time.Second

// workerPool runs N goroutines each independently claiming and
// executing ready jobs from the queue.
type workerPool struct {
	concurrency int
	queue       *queue.Adapter
	executor    *publisher.Executor
	metrics     *metrics.Collector
	log         *zap.Logger
	jobTimeout  time.Duration
}

func newWorkerPool(concurrency int, q *queue.Adapter, executor *publisher.Executor, m *metrics.Collector, log *zap.Logger, jobTimeout time.Duration) *workerPool {
	if concurrency <= 0 {
		concurrency = 1
	}
	if jobTimeout <= 0 {
		jobTimeout = 20 * time.Minute
	}
	return &workerPool{concurrency: concurrency, queue: q, executor: executor, metrics: m, log: log, jobTimeout: jobTimeout}
}

func (p *workerPool) Run(ctx context.Context) {
	for i := 0; i < p.concurrency; i++ {
		go p.runOne(ctx)
	}
	<-ctx.Done()
}

func (p *workerPool) runOne(ctx context.Context) {
	ticker := time.NewTicker(claimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.claimAndRunOne(ctx)
		}
	}
}

// claimAndRunOne claims a single ready job (if any) and runs it to
// completion, handling retry/terminal bookkeeping against the queue.
func (p *workerPool) claimAndRunOne(ctx context.Context) {
	claimed, err := p.queue.ClaimReady(ctx, 1)
	if err != nil {
		if p.log != nil {
			p.log.Error("claim ready jobs failed", logging.NewFields().Component("worker").Operation("claim").Err(err)...)
		}
		return
	}
	for jobID, raw := range claimed {
		p.runClaimed(ctx, jobID, raw)
		return // only one job was requested
	}
}

func (p *workerPool) runClaimed(ctx context.Context, jobID string, raw json.RawMessage) {
	var job domain.QueueJob
	if err := json.Unmarshal(raw, &job); err != nil {
		_ = p.queue.MarkTerminal(ctx, jobID, "undecodable job payload")
		return
	}

	runCtx, cancel := context.WithTimeout(ctx, p.jobTimeout)
	defer cancel()

	err := p.executor.Run(runCtx, job)
	if err == nil {
		_ = p.queue.MarkCompleted(ctx, jobID)
		return
	}

	if !errorsx.IsRetryable(err) {
		_ = p.queue.MarkTerminal(ctx, jobID, err.Error())
		return
	}

	attempts, _ := p.queue.GetAttempts(ctx, jobID)
	if retryErr := p.queue.Retry(ctx, jobID, job, attempts+1, err.Error()); retryErr != nil && p.log != nil {
		p.log.Error("requeue for retry failed",
			logging.NewFields().Component("worker").Operation("retry").DraftID(job.DraftID).Err(retryErr)...,
		)
	}
	p.metrics.RecordRetry()
}
