package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/odvcencio/deployfix/internal/models"
)

const (
	defaultWorkerCount  = 2
	defaultPollInterval = time.Second
)

type JobProcessor func(ctx context.Context, job *models.PipelineJob) error

// FailureHandler runs after a job is marked failed, with the error that
// failed it.
type FailureHandler func(ctx context.Context, job *models.PipelineJob, err error)

type WorkerPoolOptions struct {
	Workers      int
	PollInterval time.Duration
	Logger       *slog.Logger
	OnFailed     FailureHandler
}

// WorkerPool claims jobs of one kind from Queue and executes them with
// JobProcessor. Its size is the concurrency limit for that kind.
type WorkerPool struct {
	queue        *Queue
	kind         models.JobKind
	process      JobProcessor
	onFailed     FailureHandler
	workers      int
	pollInterval time.Duration
	logger       *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

func NewWorkerPool(queue *Queue, kind models.JobKind, process JobProcessor, opts WorkerPoolOptions) *WorkerPool {
	workers := opts.Workers
	if workers <= 0 {
		workers = defaultWorkerCount
	}
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkerPool{
		queue:        queue,
		kind:         kind,
		process:      process,
		onFailed:     opts.OnFailed,
		workers:      workers,
		pollInterval: pollInterval,
		logger:       logger.With("job_kind", string(kind)),
	}
}

func (w *WorkerPool) Start(parent context.Context) error {
	if w == nil || w.queue == nil || w.process == nil || w.kind == "" {
		return fmt.Errorf("worker pool is not configured")
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return nil
	}

	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	w.cancel = cancel
	w.done = done
	w.started = true

	go w.run(ctx, done)
	return nil
}

func (w *WorkerPool) Stop(ctx context.Context) error {
	if w == nil {
		return nil
	}

	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return nil
	}
	cancel := w.cancel
	done := w.done
	w.mu.Unlock()

	cancel()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	w.mu.Lock()
	w.started = false
	w.cancel = nil
	w.done = nil
	w.mu.Unlock()
	return nil
}

func (w *WorkerPool) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	var wg sync.WaitGroup
	for i := 0; i < w.workers; i++ {
		workerID := i + 1
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.runWorker(ctx, workerID)
		}()
	}
	wg.Wait()
}

func (w *WorkerPool) runWorker(ctx context.Context, workerID int) {
	for {
		if err := ctx.Err(); err != nil {
			return
		}

		job, err := w.queue.Claim(ctx, w.kind)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Warn("job claim failed", "worker_id", workerID, "error", err)
			if !sleepOrDone(ctx, w.pollInterval) {
				return
			}
			continue
		}
		if job == nil {
			if !w.idle(ctx) {
				return
			}
			continue
		}

		w.runJob(ctx, workerID, job)
	}
}

func (w *WorkerPool) runJob(ctx context.Context, workerID int, job *models.PipelineJob) {
	start := time.Now()
	// Bookkeeping must land even when shutdown cancels the run.
	bookCtx := context.WithoutCancel(ctx)

	runErr := w.process(ctx, job)
	if runErr == nil {
		if err := w.queue.Complete(bookCtx, job.ID); err != nil {
			w.logger.Error("job complete failed", "worker_id", workerID, "job_id", job.ID, "error", err)
		}
		w.queue.metrics.observe(w.kind, "completed", time.Since(start))
		return
	}

	if ctx.Err() != nil {
		if err := w.queue.db.RequeueJob(bookCtx, job.ID, "interrupted: "+failureMessage(runErr), time.Now().UTC()); err != nil {
			w.logger.Error("job release on shutdown failed", "worker_id", workerID, "job_id", job.ID, "error", err)
		}
		return
	}

	failed, err := w.queue.RetryOrFail(bookCtx, job, runErr)
	if err != nil {
		w.logger.Error("job retry/fail update failed", "worker_id", workerID, "job_id", job.ID, "error", err)
		return
	}
	if !failed {
		w.logger.Warn("job step failed, retrying", "worker_id", workerID, "job_id", job.ID, "step", job.Step, "attempt", job.AttemptCount, "error", runErr)
		w.queue.metrics.observe(w.kind, "retried", time.Since(start))
		return
	}

	w.logger.Error("job failed", "worker_id", workerID, "job_id", job.ID, "step", job.Step, "attempt", job.AttemptCount, "error", runErr)
	w.queue.metrics.observe(w.kind, "failed", time.Since(start))
	if w.onFailed != nil {
		w.onFailed(bookCtx, job, runErr)
	}
}

// idle waits for a wake-up signal or the poll interval. It returns false once
// ctx is done.
func (w *WorkerPool) idle(ctx context.Context) bool {
	if w.queue.notifier == nil {
		return sleepOrDone(ctx, w.pollInterval)
	}
	if _, err := w.queue.notifier.Wait(ctx, w.kind, w.pollInterval); err != nil {
		w.logger.Warn("job wake-up wait failed", "error", err)
		return sleepOrDone(ctx, w.pollInterval)
	}
	return ctx.Err() == nil
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return false
		default:
			return true
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
