package models

import "time"

type TaskKind string

const (
	TaskKindDeploymentFix TaskKind = "deployment_fix"
	TaskKindPRReview      TaskKind = "pr_review"
	TaskKindScheduled     TaskKind = "scheduled"
)

type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// Task is a unit of work handed to the coding agent.
type Task struct {
	ID          string            `json:"id"`
	UserID      int64             `json:"user_id"`
	Kind        TaskKind          `json:"kind"`
	Prompt      string            `json:"prompt"`
	RepoURL     string            `json:"repo_url"`
	Provider    string            `json:"provider"`
	Status      TaskStatus        `json:"status"`
	BranchName  string            `json:"branch_name,omitempty"`
	Summary     string            `json:"summary,omitempty"`
	Details     string            `json:"details,omitempty"`
	Error       string            `json:"error,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// TaskResult is what the agent reports when a task finishes.
type TaskResult struct {
	Success    bool   `json:"success"`
	BranchName string `json:"branchName,omitempty"`
	Summary    string `json:"summary,omitempty"`
	Details    string `json:"details,omitempty"`
	Error      string `json:"error,omitempty"`
}
