package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/odvcencio/deployfix/internal/database"
	"github.com/odvcencio/deployfix/internal/githubapp"
	"github.com/odvcencio/deployfix/internal/jobs"
	"github.com/odvcencio/deployfix/internal/models"
)

// Create PR steps, in order.
const (
	StepLoadResult = "load-result"
	StepOpenPR     = "open-pr"
	StepRecordPR   = "record-pr"
)

type prState struct {
	BranchName string              `json:"branch_name,omitempty"`
	PR         *githubapp.PRResult `json:"pr,omitempty"`
}

type prRun struct {
	o       *Orchestrator
	payload models.CreatePRPayload
	state   prState
}

// ProcessCreatePR opens the pull request for a finished fix task and records
// the outcome on the deployment.
func (o *Orchestrator) ProcessCreatePR(ctx context.Context, job *models.PipelineJob) error {
	r := &prRun{o: o}
	if err := jobs.DecodePayload(job, &r.payload); err != nil {
		return err
	}
	if r.payload.DeploymentID == "" || r.payload.TaskID == "" {
		return jobs.Permanent(fmt.Errorf("create_pr payload needs deployment and task ids"))
	}
	if err := jobs.DecodeCheckpoint(job, &r.state); err != nil {
		return err
	}
	err := o.runSteps(ctx, job, &r.state, []step{
		{StepLoadResult, r.loadResult},
		{StepOpenPR, r.openPR},
		{StepRecordPR, r.recordPR},
	})
	o.recordStepError(ctx, r.payload.DeploymentID, err)
	return err
}

func (r *prRun) deployment(ctx context.Context) (*models.Deployment, error) {
	d, err := r.o.db.GetDeployment(ctx, r.payload.DeploymentID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, jobs.Permanent(fmt.Errorf("deployment %s not found", r.payload.DeploymentID))
	}
	if err != nil {
		return nil, fmt.Errorf("load deployment: %w", err)
	}
	return d, nil
}

func (r *prRun) fail(ctx context.Context, msg string) error {
	r.o.failDeployment(ctx, r.payload.DeploymentID, msg)
	return errStop
}

func (r *prRun) loadResult(ctx context.Context) error {
	d, err := r.deployment(ctx)
	if err != nil {
		return err
	}
	if d.TaskID != r.payload.TaskID {
		r.o.logger.Info("task is not the deployment's current task, ignoring", "deployment_id", d.ID, "task_id", r.payload.TaskID)
		return errStop
	}
	if d.FixStatus != models.FixStatusFixing && d.FixStatus != models.FixStatusReviewing {
		r.o.logger.Info("deployment is not awaiting a pull request", "deployment_id", d.ID, "status", d.FixStatus)
		return errStop
	}

	result := r.payload.Result
	if !result.Success {
		msg := strings.TrimSpace(result.Error)
		if msg == "" {
			msg = "agent task failed"
		}
		return r.fail(ctx, msg)
	}
	if r.o.reviewBeforePR && d.FixStatus == models.FixStatusFixing {
		err := r.o.db.TransitionDeployment(ctx, d.ID, models.FixStatusReviewing, "")
		if errors.Is(err, database.ErrInvalidTransition) {
			return errStop
		}
		return err
	}
	return nil
}

func (r *prRun) openPR(ctx context.Context) error {
	d, err := r.deployment(ctx)
	if err != nil {
		return err
	}
	sub, err := r.o.db.GetSubscription(ctx, d.SubscriptionID)
	if errors.Is(err, database.ErrNotFound) {
		return r.fail(ctx, msgSubscriptionNotFound)
	}
	if err != nil {
		return fmt.Errorf("load subscription: %w", err)
	}
	if sub.GitHubIntegrationID == nil {
		return r.fail(ctx, "GitHub integration not configured")
	}
	integration, err := r.o.db.GetIntegration(ctx, *sub.GitHubIntegrationID)
	if errors.Is(err, database.ErrNotFound) {
		return r.fail(ctx, "GitHub integration not found")
	}
	if err != nil {
		return fmt.Errorf("load github integration: %w", err)
	}
	token, err := r.o.decrypt(integration.AccessToken, "github access token")
	if err != nil {
		return err
	}

	branch := strings.TrimSpace(r.payload.Result.BranchName)
	if branch == "" {
		branch = sub.FixBranchPrefix + models.ShortID(d.ID)
	}
	res, err := r.o.prs.CreatePR(ctx, token, githubapp.PRRequest{
		RepoURL:    sub.RepoURL(),
		BranchName: branch,
		Title:      PRTitle(d),
		Body:       PRBody(d, r.payload.Result),
		BaseBranch: sub.BaseBranch,
	})
	if err != nil {
		return err
	}
	r.state.BranchName = branch
	r.state.PR = &res
	return nil
}

func (r *prRun) recordPR(ctx context.Context) error {
	res := r.state.PR
	if !res.Success {
		msg := strings.TrimSpace(res.Error)
		if msg == "" {
			msg = "pull request creation failed"
		}
		return r.fail(ctx, msg)
	}
	err := r.o.db.MarkDeploymentPRCreated(ctx, r.payload.DeploymentID, models.PRInfo{
		URL:        res.URL,
		Number:     res.Number,
		BranchName: r.state.BranchName,
		Summary:    r.payload.Result.Summary,
		Details:    r.payload.Result.Details,
	})
	if errors.Is(err, database.ErrInvalidTransition) {
		return errStop
	}
	if err != nil {
		return fmt.Errorf("record pull request: %w", err)
	}
	r.o.metrics.finished(models.FixStatusPRCreated)
	r.o.logger.Info("fix pull request opened", "deployment_id", r.payload.DeploymentID, "pr_url", res.URL, "pr_number", res.Number)
	return nil
}
