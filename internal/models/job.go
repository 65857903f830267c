package models

import (
	"encoding/json"
	"time"
)

type JobKind string

const (
	JobKindDeploymentFix JobKind = "deployment_fix"
	JobKindCreatePR      JobKind = "create_pr"
	JobKindPRReview      JobKind = "pr_review"
	JobKindScheduledTask JobKind = "scheduled_task"
)

// JobKinds lists every kind a worker pool can be started for.
var JobKinds = []JobKind{
	JobKindDeploymentFix,
	JobKindCreatePR,
	JobKindPRReview,
	JobKindScheduledTask,
}

type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobInProgress JobStatus = "in_progress"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// PipelineJob is a durable workflow instance. Step names the last completed
// step and Checkpoint holds the persisted outputs of completed steps, so a
// reclaimed job resumes instead of re-running side effects. AttemptCount
// counts attempts of the current step.
type PipelineJob struct {
	ID             int64           `json:"id"`
	Kind           JobKind         `json:"kind"`
	IdempotencyKey string          `json:"idempotency_key"`
	Payload        json.RawMessage `json:"payload"`
	Status         JobStatus       `json:"status"`
	AttemptCount   int             `json:"attempt_count"`
	MaxAttempts    int             `json:"max_attempts"`
	Step           string          `json:"step,omitempty"`
	Checkpoint     json.RawMessage `json:"checkpoint,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	NextAttemptAt  time.Time       `json:"next_attempt_at"`
	ExpiresAt      time.Time       `json:"expires_at"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// Payloads carried by pipeline jobs.

type DeploymentFixPayload struct {
	DeploymentID string `json:"deployment_id"`
}

type CreatePRPayload struct {
	DeploymentID string     `json:"deployment_id"`
	TaskID       string     `json:"task_id"`
	Result       TaskResult `json:"result"`
}

type PRReviewPayload struct {
	SubscriptionID int64  `json:"subscription_id"`
	PRNumber       int    `json:"pr_number"`
	PRTitle        string `json:"pr_title"`
	PRURL          string `json:"pr_url"`
	HeadBranch     string `json:"head_branch"`
	HeadSHA        string `json:"head_sha"`
	BaseBranch     string `json:"base_branch"`
}

type ScheduledTaskPayload struct {
	ScheduledTaskID int64     `json:"scheduled_task_id"`
	ScheduledFor    time.Time `json:"scheduled_for"`
}
