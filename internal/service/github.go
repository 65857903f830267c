package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/odvcencio/deployfix/internal/database"
	"github.com/odvcencio/deployfix/internal/jobs"
	"github.com/odvcencio/deployfix/internal/models"
	"github.com/odvcencio/deployfix/internal/webhook"
)

// GitHubDelivery is one inbound GitHub webhook request.
type GitHubDelivery struct {
	Event      string
	DeliveryID string
	Signature  string
	Body       []byte
}

// IngestGitHub handles pull_request deliveries: opened or updated pull
// requests on subscribed repositories queue a review, and merges of fix
// pull requests close out their deployment.
func (s *Service) IngestGitHub(ctx context.Context, in GitHubDelivery) (*Result, error) {
	if s.githubSecret == "" {
		return nil, ErrSecretUnavailable
	}
	if !webhook.VerifyGitHubSignature(in.Body, in.Signature, s.githubSecret) {
		return nil, ErrInvalidSignature
	}
	evt, err := webhook.ParseGitHubPullRequest(strings.TrimSpace(in.Event), in.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if evt == nil {
		return &Result{Action: ActionIgnored}, nil
	}

	switch {
	case evt.IsMerge():
		return s.recordMerge(ctx, evt)
	case evt.WantsReview():
		return s.queueReview(ctx, strings.TrimSpace(in.DeliveryID), evt)
	default:
		return &Result{Action: ActionIgnored}, nil
	}
}

func (s *Service) recordMerge(ctx context.Context, evt *webhook.PullRequestEvent) (*Result, error) {
	if evt.URL == "" {
		return &Result{Action: ActionIgnored}, nil
	}
	d, err := s.db.GetDeploymentByPRURL(ctx, evt.URL)
	if errors.Is(err, database.ErrNotFound) {
		return &Result{Action: ActionIgnored}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find deployment for pull request: %w", err)
	}
	err = s.db.TransitionDeployment(ctx, d.ID, models.FixStatusMerged, "")
	if errors.Is(err, database.ErrInvalidTransition) {
		return &Result{Action: ActionIgnored, DeploymentID: d.ID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mark deployment merged: %w", err)
	}
	s.logger.Info("fix pull request merged", "deployment_id", d.ID, "pr_url", evt.URL)
	return &Result{Action: ActionMerged, DeploymentID: d.ID}, nil
}

func (s *Service) queueReview(ctx context.Context, deliveryID string, evt *webhook.PullRequestEvent) (*Result, error) {
	if deliveryID == "" {
		return nil, fmt.Errorf("%w: missing %s header", ErrInvalidPayload, webhook.GitHubDeliveryHeader)
	}
	sub, err := s.db.GetActiveSubscriptionByRepo(ctx, evt.RepoOwner, evt.RepoName)
	if errors.Is(err, database.ErrNotFound) {
		return &Result{Action: ActionNoSubscription}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load subscription: %w", err)
	}
	if !sub.AutoReviewEnabled {
		return &Result{Action: ActionAutoReviewDisabled}, nil
	}
	job, created, err := s.queue.Enqueue(ctx, models.JobKindPRReview, models.PRReviewPayload{
		SubscriptionID: sub.ID,
		PRNumber:       evt.Number,
		PRTitle:        evt.Title,
		PRURL:          evt.URL,
		HeadBranch:     evt.HeadBranch,
		HeadSHA:        evt.HeadSHA,
		BaseBranch:     evt.BaseBranch,
	}, jobs.Idempotency{Key: jobs.WebhookKey(models.ProviderGitHub, deliveryID), ExpiresIn: s.ttl})
	if err != nil {
		return nil, err
	}
	if !created {
		return &Result{Action: ActionDuplicate, JobID: job.ID}, nil
	}
	s.logger.Info("pull request review queued", "subscription_id", sub.ID, "pr_number", evt.Number, "job_id", job.ID)
	return &Result{Action: ActionQueued, JobID: job.ID}, nil
}
