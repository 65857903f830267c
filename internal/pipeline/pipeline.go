// Package pipeline executes the durable workflows behind each job kind.
//
// Every workflow is a fixed sequence of named steps. After a step succeeds its
// name and the workflow state are checkpointed on the job row, so a job that
// is retried or reclaimed after a crash resumes at the next step instead of
// repeating side effects. Within one job steps never run concurrently.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/odvcencio/deployfix/internal/agent"
	"github.com/odvcencio/deployfix/internal/database"
	"github.com/odvcencio/deployfix/internal/githubapp"
	"github.com/odvcencio/deployfix/internal/jobs"
	"github.com/odvcencio/deployfix/internal/models"
	"github.com/odvcencio/deployfix/internal/rules"
	"github.com/odvcencio/deployfix/internal/secrets"
	"github.com/odvcencio/deployfix/internal/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName          = "github.com/odvcencio/deployfix/internal/pipeline"
	defaultLogTailBytes = 64 << 10
	defaultProvider     = "coding-agent"
)

// errStop ends a workflow early without failing the job.
var errStop = errors.New("pipeline stopped")

// taskNamespace scopes the deterministic task ids derived per workflow, so a
// re-run step finds the task it created before instead of creating another.
var taskNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://deployfix.dev/tasks"))

// LogFetcher reads the build output of a provider deployment.
type LogFetcher interface {
	GetBuildLogs(ctx context.Context, deploymentID, teamID, token string) ([]string, error)
}

// Orchestrator runs the deployment_fix, create_pr, pr_review and
// scheduled_task workflows.
type Orchestrator struct {
	db             database.DB
	queue          *jobs.Queue
	box            *secrets.Box
	logs           LogFetcher
	archive        *storage.LogArchive
	matcher        *rules.Matcher
	runner         agent.Runner
	prs            githubapp.Creator
	publicURL      string
	provider       string
	logTailBytes   int
	reviewBeforePR bool
	logger         *slog.Logger
	metrics        *Metrics
	tracer         trace.Tracer
}

type Options struct {
	DB      database.DB
	Queue   *jobs.Queue
	Secrets *secrets.Box
	Logs    LogFetcher
	Archive *storage.LogArchive // optional; without it only the tail is kept
	Matcher *rules.Matcher
	Agent   agent.Runner
	PRs     githubapp.Creator

	PublicURL      string // base URL the agent calls back on
	Provider       string
	LogTailBytes   int
	ReviewBeforePR bool
	Logger         *slog.Logger
	Metrics        *Metrics
}

func New(opts Options) (*Orchestrator, error) {
	switch {
	case opts.DB == nil:
		return nil, fmt.Errorf("pipeline: database is required")
	case opts.Queue == nil:
		return nil, fmt.Errorf("pipeline: queue is required")
	case opts.Secrets == nil:
		return nil, fmt.Errorf("pipeline: secrets box is required")
	case opts.Logs == nil:
		return nil, fmt.Errorf("pipeline: log fetcher is required")
	case opts.Agent == nil:
		return nil, fmt.Errorf("pipeline: agent runner is required")
	case opts.PRs == nil:
		return nil, fmt.Errorf("pipeline: pull request creator is required")
	}
	matcher := opts.Matcher
	if matcher == nil {
		matcher = rules.NewMatcher(opts.DB, rules.MatchSubstring)
	}
	tail := opts.LogTailBytes
	if tail <= 0 {
		tail = defaultLogTailBytes
	}
	provider := strings.TrimSpace(opts.Provider)
	if provider == "" {
		provider = defaultProvider
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		db:             opts.DB,
		queue:          opts.Queue,
		box:            opts.Secrets,
		logs:           opts.Logs,
		archive:        opts.Archive,
		matcher:        matcher,
		runner:         opts.Agent,
		prs:            opts.PRs,
		publicURL:      strings.TrimRight(strings.TrimSpace(opts.PublicURL), "/"),
		provider:       provider,
		logTailBytes:   tail,
		reviewBeforePR: opts.ReviewBeforePR,
		logger:         logger,
		metrics:        opts.Metrics,
		tracer:         otel.Tracer(tracerName),
	}, nil
}

// Processor returns the job processor for kind.
func (o *Orchestrator) Processor(kind models.JobKind) (jobs.JobProcessor, error) {
	switch kind {
	case models.JobKindDeploymentFix:
		return o.ProcessDeploymentFix, nil
	case models.JobKindCreatePR:
		return o.ProcessCreatePR, nil
	case models.JobKindPRReview:
		return o.ProcessPRReview, nil
	case models.JobKindScheduledTask:
		return o.ProcessScheduledTask, nil
	default:
		return nil, fmt.Errorf("no processor for job kind %q", kind)
	}
}

// HandleFailedJob is the worker pool failure hook. A deployment whose fix or
// pull request job exhausted its attempts is marked failed with the last
// error so it becomes retryable.
func (o *Orchestrator) HandleFailedJob(ctx context.Context, job *models.PipelineJob, runErr error) {
	var deploymentID string
	switch job.Kind {
	case models.JobKindDeploymentFix:
		var payload models.DeploymentFixPayload
		if err := jobs.DecodePayload(job, &payload); err != nil {
			return
		}
		deploymentID = payload.DeploymentID
	case models.JobKindCreatePR:
		var payload models.CreatePRPayload
		if err := jobs.DecodePayload(job, &payload); err != nil {
			return
		}
		deploymentID = payload.DeploymentID
	default:
		var state taskState
		if err := jobs.DecodeCheckpoint(job, &state); err == nil && state.TaskID != "" {
			o.failTask(ctx, state.TaskID, runErr)
		}
		return
	}
	if deploymentID == "" {
		return
	}
	msg := "pipeline failed"
	if runErr != nil {
		msg = runErr.Error()
	}
	o.failDeployment(ctx, deploymentID, msg)
}

// failDeployment moves a deployment to failed unless it already left the
// in-flight states.
func (o *Orchestrator) failDeployment(ctx context.Context, deploymentID, msg string) {
	err := o.db.TransitionDeployment(ctx, deploymentID, models.FixStatusFailed, msg)
	switch {
	case err == nil:
		o.metrics.finished(models.FixStatusFailed)
		o.logger.Warn("deployment failed", "deployment_id", deploymentID, "error", msg)
	case errors.Is(err, database.ErrInvalidTransition), errors.Is(err, database.ErrNotFound):
	default:
		o.logger.Error("mark deployment failed", "deployment_id", deploymentID, "error", err)
	}
}

// recordStepError writes a step error to the deployment before the job is
// retried, so the record shows why it is not moving.
func (o *Orchestrator) recordStepError(ctx context.Context, deploymentID string, runErr error) {
	if runErr == nil || ctx.Err() != nil {
		return
	}
	err := o.db.SetDeploymentError(context.WithoutCancel(ctx), deploymentID, runErr.Error())
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		o.logger.Error("record deployment error", "deployment_id", deploymentID, "error", err)
	}
}

func (o *Orchestrator) failTask(ctx context.Context, taskID string, runErr error) {
	msg := "task dispatch failed"
	if runErr != nil {
		msg = runErr.Error()
	}
	err := o.db.CompleteTask(ctx, taskID, models.TaskResult{Success: false, Error: msg})
	if err != nil && !errors.Is(err, database.ErrInvalidTransition) && !errors.Is(err, database.ErrNotFound) {
		o.logger.Error("mark task failed", "task_id", taskID, "error", err)
	}
}

type step struct {
	name string
	run  func(ctx context.Context) error
}

// runSteps executes steps after the job's last checkpoint. state must be the
// pointer the steps mutate; it is decoded from and saved to the checkpoint.
func (o *Orchestrator) runSteps(ctx context.Context, job *models.PipelineJob, state any, steps []step) error {
	start := 0
	if job.Step != "" {
		for i, s := range steps {
			if s.name == job.Step {
				start = i + 1
				break
			}
		}
	}
	for _, s := range steps[start:] {
		err := o.traceStep(ctx, job, s)
		if errors.Is(err, errStop) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
		if err := o.queue.Checkpoint(ctx, job, s.name, state); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) traceStep(ctx context.Context, job *models.PipelineJob, s step) error {
	ctx, span := o.tracer.Start(ctx, string(job.Kind)+"."+s.name, trace.WithAttributes(
		attribute.Int64("job.id", job.ID),
		attribute.String("job.kind", string(job.Kind)),
		attribute.String("pipeline.step", s.name),
		attribute.Int("job.attempt", job.AttemptCount),
	))
	defer span.End()

	start := time.Now()
	err := s.run(ctx)
	outcome := "ok"
	switch {
	case errors.Is(err, errStop):
		outcome = "stopped"
		span.SetStatus(codes.Ok, "stopped")
	case err != nil:
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	default:
		span.SetStatus(codes.Ok, "")
	}
	o.metrics.observeStep(job.Kind, s.name, outcome, time.Since(start))
	return err
}

// decrypt opens a stored credential. A credential that cannot be decrypted
// will not decrypt on retry either.
func (o *Orchestrator) decrypt(sealed, what string) (string, error) {
	if strings.TrimSpace(sealed) == "" {
		return "", jobs.Permanent(fmt.Errorf("%s is not configured", what))
	}
	plain, err := o.box.Open(sealed)
	if err != nil {
		return "", jobs.Permanent(fmt.Errorf("decrypt %s: %w", what, err))
	}
	return plain, nil
}

func (o *Orchestrator) callbackURL(taskID string) string {
	return o.publicURL + "/api/v1/tasks/" + taskID + "/complete"
}

// ensureTask returns the task with task.ID, creating it when absent.
func (o *Orchestrator) ensureTask(ctx context.Context, task *models.Task) (*models.Task, error) {
	existing, err := o.db.GetTask(ctx, task.ID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, database.ErrNotFound) {
		return nil, fmt.Errorf("load task: %w", err)
	}
	if task.Provider == "" {
		task.Provider = o.provider
	}
	if err := o.db.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return task, nil
}

// dispatch hands a persisted task to the agent and marks it running. Tasks
// that already finished are not sent again.
func (o *Orchestrator) dispatch(ctx context.Context, task *models.Task) error {
	if task.Status == models.TaskStatusCompleted || task.Status == models.TaskStatusFailed {
		return nil
	}
	err := o.runner.StartTask(ctx, agent.TaskRequest{
		TaskID:      task.ID,
		Prompt:      task.Prompt,
		RepoURL:     task.RepoURL,
		Provider:    task.Provider,
		Metadata:    task.Metadata,
		CallbackURL: o.callbackURL(task.ID),
	})
	if errors.Is(err, agent.ErrRejected) {
		return jobs.Permanent(err)
	}
	if err != nil {
		return err
	}
	if err := o.db.MarkTaskRunning(ctx, task.ID); err != nil {
		return fmt.Errorf("mark task running: %w", err)
	}
	return nil
}

func deterministicTaskID(parts ...string) string {
	return uuid.NewSHA1(taskNamespace, []byte(strings.Join(parts, ":"))).String()
}
