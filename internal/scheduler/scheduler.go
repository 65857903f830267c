// Package scheduler runs the periodic maintenance of the pipeline: it turns
// due scheduled tasks into jobs and reconciles work that stopped making
// progress.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/odvcencio/deployfix/internal/database"
	"github.com/odvcencio/deployfix/internal/jobs"
	"github.com/odvcencio/deployfix/internal/models"
	"github.com/robfig/cron/v3"
)

const (
	defaultScanSpec      = "@every 1m"
	defaultReconcileSpec = "@every 1m"
	defaultJobLease      = 15 * time.Minute
	defaultStaleAfter    = 2 * time.Hour
	scanBatch            = 100

	// StaleMessage is recorded on deployments failed by the reconciler.
	StaleMessage = "stale: no progress"
)

var inFlight = []models.FixStatus{
	models.FixStatusAnalyzing,
	models.FixStatusFixing,
	models.FixStatusReviewing,
}

type Scheduler struct {
	db            database.DB
	queue         *jobs.Queue
	scanSpec      string
	reconcileSpec string
	jobLease      time.Duration
	staleAfter    time.Duration
	logger        *slog.Logger
	now           func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

type Options struct {
	ScanSpec      string
	ReconcileSpec string
	JobLease      time.Duration
	StaleAfter    time.Duration
	Logger        *slog.Logger
	Now           func() time.Time
}

func New(db database.DB, queue *jobs.Queue, opts Options) *Scheduler {
	s := &Scheduler{
		db:            db,
		queue:         queue,
		scanSpec:      opts.ScanSpec,
		reconcileSpec: opts.ReconcileSpec,
		jobLease:      opts.JobLease,
		staleAfter:    opts.StaleAfter,
		logger:        opts.Logger,
		now:           opts.Now,
	}
	if s.scanSpec == "" {
		s.scanSpec = defaultScanSpec
	}
	if s.reconcileSpec == "" {
		s.reconcileSpec = defaultReconcileSpec
	}
	if s.jobLease <= 0 {
		s.jobLease = defaultJobLease
	}
	if s.staleAfter <= 0 {
		s.staleAfter = defaultStaleAfter
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Start registers the scan and reconcile entries and starts the cron runner.
// Entries run with ctx until Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}
	c := cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(s.scanSpec, func() {
		if _, err := s.ScanScheduledTasks(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("scheduled task scan failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("scheduler scan spec %q: %w", s.scanSpec, err)
	}
	if _, err := c.AddFunc(s.reconcileSpec, func() {
		if _, err := s.Reconcile(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("pipeline reconcile failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("scheduler reconcile spec %q: %w", s.reconcileSpec, err)
	}
	c.Start()
	s.cron = c
	return nil
}

// Stop stops scheduling and waits for running entries or ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ScanScheduledTasks enqueues one scheduled_task job per due task and
// advances its next run. Runs missed while the scanner was down collapse
// into one. Tasks seen for the first time only get their next run computed.
func (s *Scheduler) ScanScheduledTasks(ctx context.Context) (int, error) {
	now := s.now().UTC()
	due, err := s.db.ListDueScheduledTasks(ctx, now, scanBatch)
	if err != nil {
		return 0, fmt.Errorf("list due scheduled tasks: %w", err)
	}
	enqueued := 0
	for _, st := range due {
		schedule, err := cron.ParseStandard(st.Schedule)
		if err != nil {
			s.logger.Warn("invalid task schedule", "scheduled_task_id", st.ID, "schedule", st.Schedule, "error", err)
			continue
		}
		next := schedule.Next(now)
		if st.NextRunAt == nil {
			if err := s.db.MarkScheduledTaskRun(ctx, st.ID, time.Time{}, next); err != nil {
				return enqueued, fmt.Errorf("schedule task %d: %w", st.ID, err)
			}
			continue
		}

		scheduledFor := st.NextRunAt.UTC()
		_, created, err := s.queue.Enqueue(ctx, models.JobKindScheduledTask,
			models.ScheduledTaskPayload{ScheduledTaskID: st.ID, ScheduledFor: scheduledFor},
			jobs.Idempotency{Key: ScheduledTaskKey(st.ID, scheduledFor)})
		if err != nil {
			return enqueued, err
		}
		if created {
			enqueued++
		}
		if err := s.db.MarkScheduledTaskRun(ctx, st.ID, now, next); err != nil {
			return enqueued, fmt.Errorf("advance task %d: %w", st.ID, err)
		}
		s.logger.Info("scheduled task queued", "scheduled_task_id", st.ID, "scheduled_for", scheduledFor, "next_run_at", next)
	}
	return enqueued, nil
}

// ScheduledTaskKey is the idempotency key of one run of a scheduled task.
func ScheduledTaskKey(id int64, scheduledFor time.Time) string {
	return "scheduled-task:" + strconv.FormatInt(id, 10) + ":" + strconv.FormatInt(scheduledFor.UTC().Unix(), 10)
}

type ReconcileResult struct {
	ReleasedJobs      int64
	FailedDeployments int
}

// Reconcile returns expired job leases to the queue and fails deployments
// that sat in an in-flight status past the stale threshold with no live job
// that could still move them.
func (s *Scheduler) Reconcile(ctx context.Context) (ReconcileResult, error) {
	var res ReconcileResult
	released, err := s.queue.ReleaseStale(ctx, s.jobLease)
	if err != nil {
		return res, fmt.Errorf("release stale jobs: %w", err)
	}
	res.ReleasedJobs = released
	if released > 0 {
		s.logger.Warn("released expired job leases", "count", released)
	}

	stale, err := s.db.ListStaleDeployments(ctx, inFlight, s.now().UTC().Add(-s.staleAfter), scanBatch)
	if err != nil {
		return res, fmt.Errorf("list stale deployments: %w", err)
	}
	for _, d := range stale {
		live, err := s.hasLiveJob(ctx, &d)
		if err != nil {
			return res, err
		}
		if live {
			continue
		}
		err = s.db.TransitionDeployment(ctx, d.ID, models.FixStatusFailed, StaleMessage)
		if errors.Is(err, database.ErrInvalidTransition) {
			continue
		}
		if err != nil {
			return res, fmt.Errorf("fail stale deployment %s: %w", d.ID, err)
		}
		res.FailedDeployments++
		s.logger.Warn("stale deployment failed", "deployment_id", d.ID, "status", d.FixStatus, "updated_at", d.UpdatedAt)
	}
	return res, nil
}

// hasLiveJob checks every job that can advance d: the webhook or retry job
// that started the attempt and the pull request job of its task.
func (s *Scheduler) hasLiveJob(ctx context.Context, d *models.Deployment) (bool, error) {
	keys := []string{
		jobs.WebhookKey(models.ProviderVercel, d.WebhookDeliveryID),
		jobs.RetryKey(d.ID, d.FixAttemptNumber),
	}
	if d.TaskID != "" {
		keys = append(keys, jobs.TaskCompleteKey(d.TaskID))
	}
	for _, key := range keys {
		live, err := s.queue.IsLive(ctx, key)
		if err != nil {
			return false, fmt.Errorf("check job %s: %w", key, err)
		}
		if live {
			return true, nil
		}
	}
	return false, nil
}
