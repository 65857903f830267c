package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/odvcencio/deployfix/internal/database"
	"github.com/odvcencio/deployfix/internal/jobs"
	"github.com/odvcencio/deployfix/internal/models"
	"github.com/odvcencio/deployfix/internal/webhook"
)

// TaskCallback is an agent's signed completion report for a task.
type TaskCallback struct {
	TaskID    string
	Signature string
	Body      []byte
}

// CompleteTask records an agent's result. For deployment fix tasks it queues
// the pull request job. A repeated callback for a finished task re-enqueues
// under the same idempotency key using the stored result, so a callback that
// failed after recording the task can be delivered again.
func (s *Service) CompleteTask(ctx context.Context, in TaskCallback) (*Result, error) {
	if s.callbackSecret == "" {
		return nil, ErrSecretUnavailable
	}
	if !webhook.VerifySHA256(in.Body, in.Signature, s.callbackSecret) {
		return nil, ErrInvalidSignature
	}
	var result models.TaskResult
	dec := json.NewDecoder(bytes.NewReader(in.Body))
	if err := dec.Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	err := s.db.CompleteTask(ctx, in.TaskID, result)
	switch {
	case errors.Is(err, database.ErrNotFound):
		return nil, ErrNotFound
	case errors.Is(err, database.ErrInvalidTransition):
		s.logger.Info("task already finished", "task_id", in.TaskID)
	case err != nil:
		return nil, fmt.Errorf("complete task: %w", err)
	}

	task, err := s.db.GetTask(ctx, in.TaskID)
	if err != nil {
		return nil, fmt.Errorf("load task: %w", err)
	}
	if task.Kind != models.TaskKindDeploymentFix {
		return &Result{Action: ActionRecorded}, nil
	}
	d, err := s.db.GetDeploymentByTaskID(ctx, task.ID)
	if errors.Is(err, database.ErrNotFound) {
		s.logger.Warn("no deployment for finished fix task", "task_id", task.ID)
		return &Result{Action: ActionRecorded}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find deployment for task: %w", err)
	}

	job, created, err := s.queue.Enqueue(ctx, models.JobKindCreatePR, models.CreatePRPayload{
		DeploymentID: d.ID,
		TaskID:       task.ID,
		Result:       storedResult(task),
	}, jobs.Idempotency{Key: jobs.TaskCompleteKey(task.ID), ExpiresIn: s.ttl})
	if err != nil {
		return nil, err
	}
	if !created {
		return &Result{Action: ActionDuplicate, DeploymentID: d.ID, JobID: job.ID}, nil
	}
	s.logger.Info("pull request job queued", "deployment_id", d.ID, "task_id", task.ID, "success", task.Status == models.TaskStatusCompleted)
	return &Result{Action: ActionQueued, DeploymentID: d.ID, JobID: job.ID}, nil
}

func storedResult(task *models.Task) models.TaskResult {
	return models.TaskResult{
		Success:    task.Status == models.TaskStatusCompleted,
		BranchName: task.BranchName,
		Summary:    task.Summary,
		Details:    task.Details,
		Error:      task.Error,
	}
}
