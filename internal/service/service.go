// Package service holds the intake side of the fix pipeline: provider
// webhooks, agent completion callbacks and user-driven retries. Each entry
// point validates its input, records the state change and enqueues the job
// that carries the work forward.
package service

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/odvcencio/deployfix/internal/database"
	"github.com/odvcencio/deployfix/internal/jobs"
	"github.com/odvcencio/deployfix/internal/secrets"
)

// Actions reported back to webhook senders.
const (
	ActionIgnored            = "ignored"
	ActionNoSubscription     = "no_subscription"
	ActionAutoFixDisabled    = "auto_fix_disabled"
	ActionAutoReviewDisabled = "auto_review_disabled"
	ActionDuplicate          = "duplicate"
	ActionQueued             = "queued"
	ActionMerged             = "merged"
	ActionRecorded           = "recorded"
)

const defaultIdempotencyTTL = 24 * time.Hour

var (
	ErrInvalidPayload    = errors.New("invalid payload")
	ErrInvalidSignature  = errors.New("invalid signature")
	ErrSecretUnavailable = errors.New("webhook secret unavailable")
	ErrNotFound          = errors.New("not found")
	ErrNotRetryable      = errors.New("deployment is not in a retryable state")
	ErrAttemptsExhausted = errors.New("maximum fix attempts reached")
)

// Result is the acknowledgement returned for an accepted delivery.
type Result struct {
	Action       string `json:"action"`
	DeploymentID string `json:"deploymentId,omitempty"`
	JobID        int64  `json:"jobId,omitempty"`
}

type Options struct {
	DB                  database.DB
	Queue               *jobs.Queue
	Secrets             *secrets.Box
	GitHubWebhookSecret string
	AgentCallbackSecret string
	IdempotencyTTL      time.Duration
	Logger              *slog.Logger
}

type Service struct {
	db             database.DB
	queue          *jobs.Queue
	box            *secrets.Box
	githubSecret   string
	callbackSecret string
	ttl            time.Duration
	logger         *slog.Logger
}

func New(opts Options) (*Service, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("service: database is required")
	}
	if opts.Queue == nil {
		return nil, fmt.Errorf("service: job queue is required")
	}
	if opts.Secrets == nil {
		return nil, fmt.Errorf("service: secret box is required")
	}
	s := &Service{
		db:             opts.DB,
		queue:          opts.Queue,
		box:            opts.Secrets,
		githubSecret:   opts.GitHubWebhookSecret,
		callbackSecret: opts.AgentCallbackSecret,
		ttl:            opts.IdempotencyTTL,
		logger:         opts.Logger,
	}
	if s.ttl <= 0 {
		s.ttl = defaultIdempotencyTTL
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s, nil
}
