package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/odvcencio/deployfix/internal/analyzer"
	"github.com/odvcencio/deployfix/internal/database"
	"github.com/odvcencio/deployfix/internal/jobs"
	"github.com/odvcencio/deployfix/internal/models"
	"github.com/odvcencio/deployfix/internal/storage"
	"github.com/odvcencio/deployfix/internal/vercel"
)

// Deployment fix steps, in order.
const (
	StepMarkAnalyzing       = "mark-analyzing"
	StepResolveSubscription = "resolve-subscription"
	StepFetchLogs           = "fetch-logs"
	StepPersistLogs         = "persist-logs"
	StepClassify            = "classify"
	StepMatchRule           = "match-rule"
	StepBranch              = "branch"
	StepBuildPrompt         = "build-prompt"
	StepCreateTask          = "create-task"
)

const msgSubscriptionNotFound = "Subscription not found"

type matchedRule struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	SkipFix      bool   `json:"skip_fix"`
	CustomPrompt string `json:"custom_prompt,omitempty"`
}

// fixState is the checkpointed state of a deployment_fix job. Logs is only
// carried from fetch-logs to persist-logs; later steps read the archive.
type fixState struct {
	SubscriptionID int64                    `json:"subscription_id,omitempty"`
	IntegrationID  int64                    `json:"integration_id,omitempty"`
	Logs           []string                 `json:"logs,omitempty"`
	LogArchiveKey  string                   `json:"log_archive_key,omitempty"`
	Classification *analyzer.Classification `json:"classification,omitempty"`
	Rule           *matchedRule             `json:"rule,omitempty"`
	Prompt         string                   `json:"prompt,omitempty"`
	TaskID         string                   `json:"task_id,omitempty"`
}

type fixRun struct {
	o            *Orchestrator
	deploymentID string
	state        fixState
	lines        []string
}

// ProcessDeploymentFix drives one failed deployment from pending to fixing,
// or to skipped or failed.
func (o *Orchestrator) ProcessDeploymentFix(ctx context.Context, job *models.PipelineJob) error {
	var payload models.DeploymentFixPayload
	if err := jobs.DecodePayload(job, &payload); err != nil {
		return err
	}
	if payload.DeploymentID == "" {
		return jobs.Permanent(fmt.Errorf("deployment_fix payload has no deployment id"))
	}
	r := &fixRun{o: o, deploymentID: payload.DeploymentID}
	if err := jobs.DecodeCheckpoint(job, &r.state); err != nil {
		return err
	}
	err := o.runSteps(ctx, job, &r.state, []step{
		{StepMarkAnalyzing, r.markAnalyzing},
		{StepResolveSubscription, r.resolveSubscription},
		{StepFetchLogs, r.fetchLogs},
		{StepPersistLogs, r.persistLogs},
		{StepClassify, r.classify},
		{StepMatchRule, r.matchRule},
		{StepBranch, r.branch},
		{StepBuildPrompt, r.buildPrompt},
		{StepCreateTask, r.createTask},
	})
	o.recordStepError(ctx, r.deploymentID, err)
	return err
}

func (r *fixRun) deployment(ctx context.Context) (*models.Deployment, error) {
	d, err := r.o.db.GetDeployment(ctx, r.deploymentID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, jobs.Permanent(fmt.Errorf("deployment %s not found", r.deploymentID))
	}
	if err != nil {
		return nil, fmt.Errorf("load deployment: %w", err)
	}
	return d, nil
}

// superseded ends the run when a compare-and-set update found the deployment
// moved on, for example failed by the stale reconciler.
func (r *fixRun) superseded(err error) error {
	if errors.Is(err, database.ErrInvalidTransition) {
		r.o.logger.Info("deployment no longer in expected state, stopping", "deployment_id", r.deploymentID)
		return errStop
	}
	return err
}

func (r *fixRun) fail(ctx context.Context, msg string) error {
	r.o.failDeployment(ctx, r.deploymentID, msg)
	return errStop
}

func (r *fixRun) markAnalyzing(ctx context.Context) error {
	d, err := r.deployment(ctx)
	if err != nil {
		return err
	}
	switch d.FixStatus {
	case models.FixStatusPending:
		if d.FixAttemptNumber > 1 && r.o.archive != nil {
			if err := r.o.archive.Discard(ctx, d.ID); err != nil {
				return err
			}
		}
		return r.superseded(r.o.db.TransitionDeployment(ctx, d.ID, models.FixStatusAnalyzing, ""))
	case models.FixStatusAnalyzing:
		// Claimed again after a crash before the first checkpoint.
		return nil
	default:
		r.o.logger.Info("deployment is not pending, skipping fix", "deployment_id", d.ID, "status", d.FixStatus)
		return errStop
	}
}

func (r *fixRun) resolveSubscription(ctx context.Context) error {
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
	integration, err := r.o.db.GetIntegration(ctx, sub.IntegrationID)
	if errors.Is(err, database.ErrNotFound) {
		return r.fail(ctx, msgSubscriptionNotFound)
	}
	if err != nil {
		return fmt.Errorf("load integration: %w", err)
	}
	r.state.SubscriptionID = sub.ID
	r.state.IntegrationID = integration.ID
	return nil
}

func (r *fixRun) fetchLogs(ctx context.Context) error {
	d, err := r.deployment(ctx)
	if err != nil {
		return err
	}
	integration, err := r.o.db.GetIntegration(ctx, r.state.IntegrationID)
	if err != nil {
		return fmt.Errorf("load integration: %w", err)
	}
	token, err := r.o.decrypt(integration.AccessToken, "vercel access token")
	if err != nil {
		return err
	}
	lines, err := r.o.logs.GetBuildLogs(ctx, d.PlatformDeploymentID, integration.TeamID, token)
	if errors.Is(err, vercel.ErrUnauthorized) || errors.Is(err, vercel.ErrDeploymentNotFound) {
		return jobs.Permanent(err)
	}
	if err != nil {
		return err
	}
	r.state.Logs = lines
	r.lines = lines
	return nil
}

func (r *fixRun) persistLogs(ctx context.Context) error {
	lines := r.state.Logs
	if r.o.archive != nil {
		key, err := r.o.archive.Save(ctx, r.deploymentID, lines)
		if err != nil {
			return err
		}
		r.state.LogArchiveKey = key
	}
	if err := r.o.db.SetDeploymentLogs(ctx, r.deploymentID, storage.Tail(lines, r.o.logTailBytes)); err != nil {
		return fmt.Errorf("save log tail: %w", err)
	}
	if r.lines == nil {
		r.lines = lines
	}
	r.state.Logs = nil
	return nil
}

// buildLines returns the fetched log, reloading it when the run resumed
// after persist-logs.
func (r *fixRun) buildLines(ctx context.Context) ([]string, error) {
	if r.lines != nil {
		return r.lines, nil
	}
	if r.o.archive != nil {
		lines, err := r.o.archive.Load(ctx, r.deploymentID)
		if err == nil {
			r.lines = lines
			return lines, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
	}
	d, err := r.deployment(ctx)
	if err != nil {
		return nil, err
	}
	r.lines = analyzer.SplitLines(d.Logs)
	return r.lines, nil
}

func (r *fixRun) classify(ctx context.Context) error {
	lines, err := r.buildLines(ctx)
	if err != nil {
		return err
	}
	c := analyzer.Analyze(lines)
	r.state.Classification = &c
	return nil
}

func (r *fixRun) matchRule(ctx context.Context) error {
	rule, err := r.o.matcher.Find(ctx, r.state.SubscriptionID, *r.state.Classification)
	if err != nil {
		return err
	}
	if rule != nil {
		r.state.Rule = &matchedRule{ID: rule.ID, Name: rule.Name, SkipFix: rule.SkipFix, CustomPrompt: rule.CustomPrompt}
	}
	return nil
}

func (r *fixRun) branch(ctx context.Context) error {
	c := r.state.Classification
	record := models.Classification{
		ErrorType:     c.ErrorType,
		ErrorMessage:  c.ErrorMessage,
		ErrorContext:  c.ErrorContext,
		AffectedFiles: c.AffectedFiles,
	}
	if r.state.Rule != nil {
		id := r.state.Rule.ID
		record.MatchedRuleID = &id
	}
	if err := r.o.db.SaveDeploymentClassification(ctx, r.deploymentID, record); err != nil {
		return fmt.Errorf("save classification: %w", err)
	}
	if r.state.Rule == nil || !r.state.Rule.SkipFix {
		return nil
	}
	if err := r.o.db.TransitionDeployment(ctx, r.deploymentID, models.FixStatusSkipped, ""); err != nil {
		return r.superseded(err)
	}
	r.o.metrics.finished(models.FixStatusSkipped)
	r.o.logger.Info("fix skipped by rule", "deployment_id", r.deploymentID, "rule_id", r.state.Rule.ID, "error_type", c.ErrorType)
	return errStop
}

func (r *fixRun) buildPrompt(ctx context.Context) error {
	d, err := r.deployment(ctx)
	if err != nil {
		return err
	}
	sub, err := r.o.db.GetSubscription(ctx, r.state.SubscriptionID)
	if err != nil {
		return fmt.Errorf("load subscription: %w", err)
	}
	in := FixPromptInput{
		Deployment:     d,
		Subscription:   sub,
		Classification: *r.state.Classification,
		BranchName:     sub.FixBranchPrefix + models.ShortID(d.ID),
	}
	if r.state.Rule != nil {
		in.CustomPrompt = r.state.Rule.CustomPrompt
	}
	r.state.Prompt = BuildFixPrompt(in)
	return nil
}

func (r *fixRun) createTask(ctx context.Context) error {
	d, err := r.deployment(ctx)
	if err != nil {
		return err
	}
	if d.FixStatus != models.FixStatusAnalyzing {
		if d.FixStatus == models.FixStatusFixing && d.TaskID != "" {
			r.state.TaskID = d.TaskID
			return nil
		}
		return r.superseded(database.ErrInvalidTransition)
	}
	sub, err := r.o.db.GetSubscription(ctx, r.state.SubscriptionID)
	if err != nil {
		return fmt.Errorf("load subscription: %w", err)
	}
	integration, err := r.o.db.GetIntegration(ctx, r.state.IntegrationID)
	if err != nil {
		return fmt.Errorf("load integration: %w", err)
	}

	task, err := r.o.ensureTask(ctx, &models.Task{
		ID:      deterministicTaskID("fix", d.ID, strconv.Itoa(d.FixAttemptNumber)),
		UserID:  integration.UserID,
		Kind:    models.TaskKindDeploymentFix,
		Prompt:  r.state.Prompt,
		RepoURL: sub.RepoURL(),
		Metadata: map[string]string{
			"deployment_id":   d.ID,
			"subscription_id": strconv.FormatInt(sub.ID, 10),
			"error_type":      r.state.Classification.ErrorType,
			"branch_name":     sub.FixBranchPrefix + models.ShortID(d.ID),
			"base_branch":     sub.BaseBranch,
		},
	})
	if err != nil {
		return err
	}
	if err := r.o.dispatch(ctx, task); err != nil {
		return err
	}
	if err := r.o.db.MarkDeploymentFixing(ctx, d.ID, task.ID); err != nil {
		return r.superseded(err)
	}
	r.state.TaskID = task.ID
	r.o.logger.Info("fix task dispatched", "deployment_id", d.ID, "task_id", task.ID, "error_type", r.state.Classification.ErrorType)
	return nil
}
