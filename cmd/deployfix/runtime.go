package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/odvcencio/deployfix/internal/agent"
	"github.com/odvcencio/deployfix/internal/config"
	"github.com/odvcencio/deployfix/internal/database"
	"github.com/odvcencio/deployfix/internal/githubapp"
	"github.com/odvcencio/deployfix/internal/jobs"
	"github.com/odvcencio/deployfix/internal/models"
	"github.com/odvcencio/deployfix/internal/pipeline"
	"github.com/odvcencio/deployfix/internal/rules"
	"github.com/odvcencio/deployfix/internal/scheduler"
	"github.com/odvcencio/deployfix/internal/secrets"
	"github.com/odvcencio/deployfix/internal/storage"
	"github.com/odvcencio/deployfix/internal/vercel"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const stopTimeout = 30 * time.Second

// runtime holds the process-wide dependencies shared by serve and worker.
type runtime struct {
	cfg   *config.Config
	db    database.DB
	box   *secrets.Box
	queue *jobs.Queue
	redis *redis.Client
}

func openRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	db, err := openDB(cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	rt := &runtime{cfg: cfg, db: db}
	if err := db.Migrate(ctx); err != nil {
		rt.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	rt.box, err = secrets.FromMasterKey(cfg.Secrets.MasterKey)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("secrets: %w", err)
	}

	var notifier jobs.Notifier
	if addr := strings.TrimSpace(cfg.Redis.Addr); addr != "" {
		rt.redis = redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rt.redis.Ping(ctx).Err(); err != nil {
			rt.Close()
			return nil, fmt.Errorf("connect redis %s: %w", addr, err)
		}
		notifier = jobs.NewRedisNotifier(rt.redis, cfg.Redis.KeyPrefix)
		slog.Info("job wake-ups through redis", "addr", addr)
	} else {
		notifier = jobs.NewLocalNotifier()
	}

	rt.queue = jobs.NewQueue(db, jobs.QueueOptions{
		RetryBaseDelay: config.Duration(cfg.Pipeline.RetryBaseDelay, 5*time.Second),
		RetryMaxDelay:  config.Duration(cfg.Pipeline.RetryMaxDelay, 5*time.Minute),
		MaxAttempts:    cfg.Pipeline.MaxStepAttempts,
		IdempotencyTTL: config.Duration(cfg.Pipeline.IdempotencyTTL, 24*time.Hour),
		Notifier:       notifier,
		Metrics:        jobs.NewMetrics(prometheus.DefaultRegisterer),
	})
	return rt, nil
}

func (rt *runtime) Close() {
	if rt.redis != nil {
		if err := rt.redis.Close(); err != nil {
			slog.Warn("close redis", "error", err)
		}
	}
	if rt.db != nil {
		if err := rt.db.Close(); err != nil {
			slog.Warn("close database", "error", err)
		}
	}
}

func (rt *runtime) orchestrator(ctx context.Context) (*pipeline.Orchestrator, error) {
	cfg := rt.cfg
	runner, err := agent.NewHTTPRunner(agent.HTTPRunnerOptions{
		Endpoint:       cfg.Agent.Endpoint,
		APIToken:       cfg.Agent.APIToken,
		CallbackSecret: cfg.Agent.CallbackSecret,
		Timeout:        config.Duration(cfg.Agent.RequestTimeout, 30*time.Second),
	})
	if err != nil {
		return nil, err
	}
	mode, err := rules.ParseMode(cfg.Pipeline.RuleMatchMode)
	if err != nil {
		return nil, err
	}
	backend, err := storage.Open(ctx, storage.Options{
		Driver: cfg.Storage.Driver,
		Path:   cfg.Storage.Path,
		S3: storage.S3Config{
			Endpoint:  cfg.Storage.S3.Endpoint,
			Bucket:    cfg.Storage.S3.Bucket,
			Region:    cfg.Storage.S3.Region,
			AccessKey: cfg.Storage.S3.AccessKey,
			SecretKey: cfg.Storage.S3.SecretKey,
			UseSSL:    cfg.Storage.S3.UseSSL,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open log storage: %w", err)
	}

	return pipeline.New(pipeline.Options{
		DB:      rt.db,
		Queue:   rt.queue,
		Secrets: rt.box,
		Logs: vercel.NewClient(vercel.Options{
			BaseURL: cfg.Vercel.APIBaseURL,
			Timeout: config.Duration(cfg.Vercel.RequestTimeout, 30*time.Second),
		}),
		Archive:        storage.NewLogArchive(backend),
		Matcher:        rules.NewMatcher(rt.db, mode),
		Agent:          runner,
		PRs:            githubapp.NewClient(githubapp.Options{BaseURL: cfg.GitHub.APIBaseURL}),
		PublicURL:      cfg.Server.PublicURL,
		Provider:       cfg.Agent.Provider,
		LogTailBytes:   cfg.Pipeline.LogTailBytes,
		ReviewBeforePR: cfg.Pipeline.ReviewBeforePR,
		Metrics:        pipeline.NewMetrics(prometheus.DefaultRegisterer),
	})
}

// concurrency is the worker pool size for each job kind.
func concurrency(cfg *config.Config, kind models.JobKind) int {
	switch kind {
	case models.JobKindDeploymentFix:
		return cfg.Pipeline.FixConcurrency
	case models.JobKindCreatePR:
		return cfg.Pipeline.PRConcurrency
	case models.JobKindPRReview:
		return cfg.Pipeline.ReviewConcurrency
	case models.JobKindScheduledTask:
		return cfg.Pipeline.ScheduledConcurrency
	default:
		return 1
	}
}

// startPipeline starts one worker pool per job kind and, when enabled, the
// scheduler. Everything is stopped once ctx ends.
func (rt *runtime) startPipeline(ctx context.Context, g *errgroup.Group) error {
	orch, err := rt.orchestrator(ctx)
	if err != nil {
		return err
	}
	pollInterval := config.Duration(rt.cfg.Pipeline.PollInterval, time.Second)

	var pools []*jobs.WorkerPool
	for _, kind := range models.JobKinds {
		process, err := orch.Processor(kind)
		if err != nil {
			return err
		}
		pool := jobs.NewWorkerPool(rt.queue, kind, process, jobs.WorkerPoolOptions{
			Workers:      concurrency(rt.cfg, kind),
			PollInterval: pollInterval,
			OnFailed:     orch.HandleFailedJob,
		})
		if err := pool.Start(ctx); err != nil {
			return fmt.Errorf("start %s workers: %w", kind, err)
		}
		pools = append(pools, pool)
	}
	slog.Info("pipeline workers started", "kinds", len(pools))

	var sched *scheduler.Scheduler
	if rt.cfg.Scheduler.Enabled {
		sched = scheduler.New(rt.db, rt.queue, scheduler.Options{
			ScanSpec:      rt.cfg.Scheduler.ScanSpec,
			ReconcileSpec: rt.cfg.Scheduler.ReconcileSpec,
			JobLease:      config.Duration(rt.cfg.Pipeline.JobLease, 15*time.Minute),
			StaleAfter:    config.Duration(rt.cfg.Pipeline.StaleAfter, 2*time.Hour),
		})
		if err := sched.Start(ctx); err != nil {
			return err
		}
		slog.Info("scheduler started", "scan", rt.cfg.Scheduler.ScanSpec, "reconcile", rt.cfg.Scheduler.ReconcileSpec)
	}

	g.Go(func() error {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		var errs []error
		if sched != nil {
			errs = append(errs, sched.Stop(stopCtx))
		}
		for _, pool := range pools {
			errs = append(errs, pool.Stop(stopCtx))
		}
		return errors.Join(errs...)
	})
	return nil
}
