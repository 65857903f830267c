package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/odvcencio/deployfix/internal/models"
)

var (
	// ErrNotFound is returned by lookups that match no row.
	ErrNotFound = sql.ErrNoRows

	// ErrInvalidTransition is returned when a compare-and-set status update
	// finds the row in a state that does not allow the requested change.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrAttemptsExhausted is returned when a manual retry would exceed the
	// subscription's maxFixAttempts.
	ErrAttemptsExhausted = errors.New("fix attempts exhausted")
)

// DB defines the data access interface. Implemented by SQLite and PostgreSQL backends.
// Lookups of missing rows return ErrNotFound.
type DB interface {
	Close() error
	Migrate(ctx context.Context) error

	// Users and integrations
	CreateUser(ctx context.Context, user *models.User) error
	GetUserByID(ctx context.Context, id int64) (*models.User, error)
	CreateIntegration(ctx context.Context, integration *models.Integration) error
	GetIntegration(ctx context.Context, id int64) (*models.Integration, error)

	// Subscriptions
	CreateSubscription(ctx context.Context, sub *models.Subscription) error
	GetSubscription(ctx context.Context, id int64) (*models.Subscription, error)
	GetActiveSubscriptionByProject(ctx context.Context, projectID string) (*models.Subscription, error)
	GetActiveSubscriptionByRepo(ctx context.Context, owner, repo string) (*models.Subscription, error)

	// Fix rules
	CreateFixRule(ctx context.Context, rule *models.FixRule) error
	ListEnabledFixRules(ctx context.Context, subscriptionID int64) ([]models.FixRule, error)

	// Deployments
	CreateDeploymentIfAbsent(ctx context.Context, d *models.Deployment) (bool, error)
	GetDeployment(ctx context.Context, id string) (*models.Deployment, error)
	GetDeploymentByTaskID(ctx context.Context, taskID string) (*models.Deployment, error)
	GetDeploymentByPRURL(ctx context.Context, prURL string) (*models.Deployment, error)
	TransitionDeployment(ctx context.Context, id string, to models.FixStatus, errMsg string) error
	SetDeploymentError(ctx context.Context, id, errMsg string) error
	SetDeploymentLogs(ctx context.Context, id, logs string) error
	SaveDeploymentClassification(ctx context.Context, id string, c models.Classification) error
	MarkDeploymentFixing(ctx context.Context, id, taskID string) error
	MarkDeploymentPRCreated(ctx context.Context, id string, pr models.PRInfo) error
	ResetDeploymentForRetry(ctx context.Context, id string, maxAttempts int) (*models.Deployment, error)
	ListStaleDeployments(ctx context.Context, statuses []models.FixStatus, updatedBefore time.Time, limit int) ([]models.Deployment, error)

	// Tasks
	CreateTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, id string) (*models.Task, error)
	MarkTaskRunning(ctx context.Context, id string) error
	CompleteTask(ctx context.Context, id string, result models.TaskResult) error

	// Scheduled tasks
	CreateScheduledTask(ctx context.Context, task *models.ScheduledTask) error
	GetScheduledTask(ctx context.Context, id int64) (*models.ScheduledTask, error)
	ListDueScheduledTasks(ctx context.Context, now time.Time, limit int) ([]models.ScheduledTask, error)
	MarkScheduledTaskRun(ctx context.Context, id int64, ranAt, nextRunAt time.Time) error

	// Pipeline jobs
	EnqueueJob(ctx context.Context, job *models.PipelineJob) (bool, error)
	ClaimJob(ctx context.Context, kind models.JobKind) (*models.PipelineJob, error)
	SaveJobCheckpoint(ctx context.Context, jobID int64, step string, checkpoint []byte) error
	CompleteJob(ctx context.Context, jobID int64, status models.JobStatus, errMsg string) error
	RequeueJob(ctx context.Context, jobID int64, errMsg string, nextAttemptAt time.Time) error
	GetJob(ctx context.Context, jobID int64) (*models.PipelineJob, error)
	GetJobByIdempotencyKey(ctx context.Context, key string) (*models.PipelineJob, error)
	ReleaseStaleJobs(ctx context.Context, startedBefore time.Time) (int64, error)
	JobQueueStats(ctx context.Context) (JobQueueStats, error)
}

const defaultJobMaxAttempts = 3

func applySubscriptionDefaults(sub *models.Subscription) {
	if sub.MaxFixAttempts <= 0 {
		sub.MaxFixAttempts = models.DefaultMaxFixAttempts
	}
	if sub.FixBranchPrefix == "" {
		sub.FixBranchPrefix = models.DefaultFixBranchPrefix
	}
	if sub.BaseBranch == "" {
		sub.BaseBranch = "main"
	}
}

func applyDeploymentDefaults(d *models.Deployment) {
	if d.ID == "" {
		d.ID = models.NewID()
	}
	if d.FixStatus == "" {
		d.FixStatus = models.FixStatusPending
	}
	if d.FixAttemptNumber <= 0 {
		d.FixAttemptNumber = 1
	}
}

func applyJobDefaults(job *models.PipelineJob, now time.Time) {
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = defaultJobMaxAttempts
	}
	if job.NextAttemptAt.IsZero() {
		job.NextAttemptAt = now
	}
	if job.ExpiresAt.IsZero() {
		job.ExpiresAt = now.Add(24 * time.Hour)
	}
	if len(job.Payload) == 0 {
		job.Payload = []byte("{}")
	}
}

// transitionPlan describes the column side effects of a status change.
type transitionPlan struct {
	sources       []models.FixStatus
	markStarted   bool
	markCompleted bool
}

func planTransition(to models.FixStatus) (transitionPlan, error) {
	sources := models.TransitionSources(to)
	if len(sources) == 0 {
		return transitionPlan{}, ErrInvalidTransition
	}
	return transitionPlan{
		sources:       sources,
		markStarted:   to == models.FixStatusAnalyzing,
		markCompleted: to.IsTerminal(),
	}, nil
}

func retryRejection(d *models.Deployment, maxAttempts int) error {
	if !d.FixStatus.IsRetryable() {
		return ErrInvalidTransition
	}
	if d.FixAttemptNumber >= maxAttempts {
		return ErrAttemptsExhausted
	}
	return ErrInvalidTransition
}
