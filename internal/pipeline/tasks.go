package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/odvcencio/deployfix/internal/database"
	"github.com/odvcencio/deployfix/internal/jobs"
	"github.com/odvcencio/deployfix/internal/models"
)

// Agent task steps shared by pr_review and scheduled_task jobs.
const (
	StepPrepareTask  = "prepare-task"
	StepDispatchTask = "dispatch-task"
)

type taskState struct {
	TaskID string `json:"task_id,omitempty"`
}

// ProcessPRReview creates and dispatches a review task for a pull request
// on a subscribed repository.
func (o *Orchestrator) ProcessPRReview(ctx context.Context, job *models.PipelineJob) error {
	var payload models.PRReviewPayload
	if err := jobs.DecodePayload(job, &payload); err != nil {
		return err
	}
	var state taskState
	if err := jobs.DecodeCheckpoint(job, &state); err != nil {
		return err
	}
	return o.runSteps(ctx, job, &state, []step{
		{StepPrepareTask, func(ctx context.Context) error {
			sub, err := o.db.GetSubscription(ctx, payload.SubscriptionID)
			if errors.Is(err, database.ErrNotFound) {
				return jobs.Permanent(fmt.Errorf("subscription %d not found", payload.SubscriptionID))
			}
			if err != nil {
				return fmt.Errorf("load subscription: %w", err)
			}
			if !sub.Active || !sub.AutoReviewEnabled {
				o.logger.Info("auto review disabled, skipping", "subscription_id", sub.ID, "pr_number", payload.PRNumber)
				return errStop
			}
			integrationID := sub.IntegrationID
			if sub.GitHubIntegrationID != nil {
				integrationID = *sub.GitHubIntegrationID
			}
			integration, err := o.db.GetIntegration(ctx, integrationID)
			if err != nil {
				return fmt.Errorf("load integration: %w", err)
			}
			task, err := o.ensureTask(ctx, &models.Task{
				ID:      deterministicTaskID("review", strconv.FormatInt(sub.ID, 10), strconv.Itoa(payload.PRNumber), payload.HeadSHA),
				UserID:  integration.UserID,
				Kind:    models.TaskKindPRReview,
				Prompt:  BuildReviewPrompt(sub, payload),
				RepoURL: sub.RepoURL(),
				Metadata: map[string]string{
					"subscription_id": strconv.FormatInt(sub.ID, 10),
					"pr_number":       strconv.Itoa(payload.PRNumber),
					"pr_url":          payload.PRURL,
					"head_branch":     payload.HeadBranch,
				},
			})
			if err != nil {
				return err
			}
			state.TaskID = task.ID
			return nil
		}},
		{StepDispatchTask, func(ctx context.Context) error {
			return o.dispatchByID(ctx, state.TaskID)
		}},
	})
}

// ProcessScheduledTask creates and dispatches the agent task for one run of
// a scheduled task.
func (o *Orchestrator) ProcessScheduledTask(ctx context.Context, job *models.PipelineJob) error {
	var payload models.ScheduledTaskPayload
	if err := jobs.DecodePayload(job, &payload); err != nil {
		return err
	}
	var state taskState
	if err := jobs.DecodeCheckpoint(job, &state); err != nil {
		return err
	}
	return o.runSteps(ctx, job, &state, []step{
		{StepPrepareTask, func(ctx context.Context) error {
			st, err := o.db.GetScheduledTask(ctx, payload.ScheduledTaskID)
			if errors.Is(err, database.ErrNotFound) {
				return jobs.Permanent(fmt.Errorf("scheduled task %d not found", payload.ScheduledTaskID))
			}
			if err != nil {
				return fmt.Errorf("load scheduled task: %w", err)
			}
			if !st.Enabled {
				return errStop
			}
			task, err := o.ensureTask(ctx, &models.Task{
				ID:      deterministicTaskID("scheduled", strconv.FormatInt(st.ID, 10), strconv.FormatInt(payload.ScheduledFor.Unix(), 10)),
				UserID:  st.UserID,
				Kind:    models.TaskKindScheduled,
				Prompt:  st.Prompt,
				RepoURL: st.RepoURL,
				Metadata: map[string]string{
					"scheduled_task_id": strconv.FormatInt(st.ID, 10),
					"scheduled_for":     payload.ScheduledFor.UTC().Format("2006-01-02T15:04:05Z"),
				},
			})
			if err != nil {
				return err
			}
			state.TaskID = task.ID
			return nil
		}},
		{StepDispatchTask, func(ctx context.Context) error {
			return o.dispatchByID(ctx, state.TaskID)
		}},
	})
}

func (o *Orchestrator) dispatchByID(ctx context.Context, taskID string) error {
	task, err := o.db.GetTask(ctx, taskID)
	if errors.Is(err, database.ErrNotFound) {
		return jobs.Permanent(fmt.Errorf("task %s not found", taskID))
	}
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}
	if err := o.dispatch(ctx, task); err != nil {
		return err
	}
	o.logger.Info("agent task dispatched", "task_id", task.ID, "kind", task.Kind)
	return nil
}
