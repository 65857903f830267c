package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/odvcencio/deployfix/internal/database"
	"github.com/odvcencio/deployfix/internal/jobs"
	"github.com/odvcencio/deployfix/internal/models"
)

// GetDeployment returns a deployment owned by userID.
func (s *Service) GetDeployment(ctx context.Context, userID int64, id string) (*models.Deployment, error) {
	d, _, err := s.authorize(ctx, userID, id)
	return d, err
}

// RetryDeployment resets a failed or skipped deployment to pending and
// queues a new fix attempt.
func (s *Service) RetryDeployment(ctx context.Context, userID int64, id string) (*models.Deployment, error) {
	_, sub, err := s.authorize(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	d, err := s.db.ResetDeploymentForRetry(ctx, id, sub.MaxFixAttempts)
	switch {
	case errors.Is(err, database.ErrAttemptsExhausted):
		return nil, ErrAttemptsExhausted
	case errors.Is(err, database.ErrInvalidTransition):
		return nil, ErrNotRetryable
	case err != nil:
		return nil, fmt.Errorf("reset deployment: %w", err)
	}

	job, _, err := s.queue.Enqueue(ctx, models.JobKindDeploymentFix,
		models.DeploymentFixPayload{DeploymentID: d.ID},
		jobs.Idempotency{Key: jobs.RetryKey(d.ID, d.FixAttemptNumber), ExpiresIn: s.ttl})
	if err != nil {
		s.abandon(ctx, d.ID, err)
		return nil, err
	}
	s.logger.Info("deployment fix retry queued", "deployment_id", d.ID, "attempt", d.FixAttemptNumber, "job_id", job.ID)
	return d, nil
}

// authorize walks deployment, subscription and integration to the owning
// user. Deployments owned by someone else are reported as missing.
func (s *Service) authorize(ctx context.Context, userID int64, id string) (*models.Deployment, *models.Subscription, error) {
	d, err := s.db.GetDeployment(ctx, id)
	if errors.Is(err, database.ErrNotFound) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load deployment: %w", err)
	}
	sub, err := s.db.GetSubscription(ctx, d.SubscriptionID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load subscription: %w", err)
	}
	integration, err := s.db.GetIntegration(ctx, sub.IntegrationID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load integration: %w", err)
	}
	if integration.UserID != userID {
		return nil, nil, ErrNotFound
	}
	return d, sub, nil
}
