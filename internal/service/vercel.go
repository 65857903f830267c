package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/odvcencio/deployfix/internal/database"
	"github.com/odvcencio/deployfix/internal/jobs"
	"github.com/odvcencio/deployfix/internal/models"
	"github.com/odvcencio/deployfix/internal/webhook"
)

// IngestVercel accepts one Vercel webhook delivery. The body must be the raw
// request body: the signature is checked against it with the subscription's
// own secret, so the project id is read before the delivery is trusted.
func (s *Service) IngestVercel(ctx context.Context, body []byte, signature string) (*Result, error) {
	evt, err := webhook.ParseVercelEvent(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if evt.ProjectID() == "" {
		// Account-level events carry no project and start nothing.
		return &Result{Action: ActionIgnored}, nil
	}

	sub, err := s.db.GetActiveSubscriptionByProject(ctx, evt.ProjectID())
	if errors.Is(err, database.ErrNotFound) {
		return &Result{Action: ActionNoSubscription}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load subscription: %w", err)
	}
	if sub.WebhookSecret == "" {
		return nil, ErrSecretUnavailable
	}
	secret, err := s.box.Open(sub.WebhookSecret)
	if err != nil {
		s.logger.Error("decrypt webhook secret", "subscription_id", sub.ID, "error", err)
		return nil, ErrSecretUnavailable
	}
	if !webhook.VerifyVercelSignature(body, signature, secret) {
		return nil, ErrInvalidSignature
	}

	if !evt.IsDeploymentError() {
		return &Result{Action: ActionIgnored}, nil
	}
	if !sub.AutoFixEnabled {
		return &Result{Action: ActionAutoFixDisabled}, nil
	}
	if evt.DeploymentID() == "" {
		return nil, fmt.Errorf("%w: %v: payload.deployment.id", ErrInvalidPayload, webhook.ErrMissingField)
	}

	projectName := evt.DeploymentName()
	if projectName == "" {
		projectName = sub.ProjectName
	}
	d := &models.Deployment{
		ID:                   models.NewID(),
		SubscriptionID:       sub.ID,
		PlatformDeploymentID: evt.DeploymentID(),
		WebhookDeliveryID:    evt.ID,
		DeploymentURL:        evt.DeploymentURL(),
		ProjectName:          projectName,
		GitBranch:            evt.GitBranch(),
		GitCommitSHA:         evt.GitCommitSHA(),
	}
	created, err := s.db.CreateDeploymentIfAbsent(ctx, d)
	if err != nil {
		return nil, fmt.Errorf("record deployment: %w", err)
	}
	if !created {
		s.logger.Info("duplicate deployment webhook", "platform_deployment_id", d.PlatformDeploymentID, "delivery_id", evt.ID)
		return &Result{Action: ActionDuplicate}, nil
	}

	job, _, err := s.queue.Enqueue(ctx, models.JobKindDeploymentFix,
		models.DeploymentFixPayload{DeploymentID: d.ID},
		jobs.Idempotency{Key: jobs.WebhookKey(models.ProviderVercel, evt.ID), ExpiresIn: s.ttl})
	if err != nil {
		s.abandon(ctx, d.ID, err)
		return nil, err
	}
	s.logger.Info("deployment fix queued", "deployment_id", d.ID, "platform_deployment_id", d.PlatformDeploymentID, "job_id", job.ID)
	return &Result{Action: ActionQueued, DeploymentID: d.ID, JobID: job.ID}, nil
}

// abandon fails a pending deployment whose job could not be queued, leaving
// it retryable instead of pending forever.
func (s *Service) abandon(ctx context.Context, deploymentID string, cause error) {
	ctx = context.WithoutCancel(ctx)
	if err := s.db.TransitionDeployment(ctx, deploymentID, models.FixStatusFailed, "could not queue fix: "+cause.Error()); err != nil {
		s.logger.Error("fail unqueued deployment", "deployment_id", deploymentID, "error", err)
	}
}
