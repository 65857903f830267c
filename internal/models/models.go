package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type User struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	ProviderVercel = "vercel"
	ProviderGitHub = "github"
)

// Integration is a connected third-party account. AccessToken holds the
// encrypted credential as stored; callers decrypt it per use.
type Integration struct {
	ID           int64     `json:"id"`
	UserID       int64     `json:"user_id"`
	Provider     string    `json:"provider"` // "vercel", "github"
	AccessToken  string    `json:"-"`
	TeamID       string    `json:"team_id,omitempty"`
	AccountLogin string    `json:"account_login,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

const (
	DefaultMaxFixAttempts  = 3
	DefaultFixBranchPrefix = "deployfix/"
)

// Subscription binds a monitored Vercel project to a GitHub repository.
// WebhookSecret holds the encrypted secret as stored.
type Subscription struct {
	ID                  int64     `json:"id"`
	IntegrationID       int64     `json:"integration_id"`
	GitHubIntegrationID *int64    `json:"github_integration_id,omitempty"`
	ProjectID           string    `json:"project_id"`
	ProjectName         string    `json:"project_name"`
	RepoOwner           string    `json:"repo_owner"`
	RepoName            string    `json:"repo_name"`
	BaseBranch          string    `json:"base_branch"`
	AutoFixEnabled      bool      `json:"auto_fix_enabled"`
	AutoReviewEnabled   bool      `json:"auto_review_enabled"`
	MaxFixAttempts      int       `json:"max_fix_attempts"`
	WebhookSecret       string    `json:"-"`
	NotifyOnFix         bool      `json:"notify_on_fix"`
	FixBranchPrefix     string    `json:"fix_branch_prefix"`
	Active              bool      `json:"active"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// RepoFullName returns "owner/name".
func (s *Subscription) RepoFullName() string {
	return s.RepoOwner + "/" + s.RepoName
}

func (s *Subscription) RepoURL() string {
	return fmt.Sprintf("https://github.com/%s/%s", s.RepoOwner, s.RepoName)
}

// FixRule is a user-authored rule mapping a classified build error to
// skip-or-customize behavior. Higher Priority wins.
type FixRule struct {
	ID             int64     `json:"id"`
	SubscriptionID int64     `json:"subscription_id"`
	Name           string    `json:"name"`
	ErrorPattern   string    `json:"error_pattern"`
	ErrorType      string    `json:"error_type,omitempty"`
	SkipFix        bool      `json:"skip_fix"`
	CustomPrompt   string    `json:"custom_prompt,omitempty"`
	Priority       int       `json:"priority"`
	Enabled        bool      `json:"enabled"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ScheduledTask is a cron-scheduled agent task.
type ScheduledTask struct {
	ID        int64      `json:"id"`
	UserID    int64      `json:"user_id"`
	Name      string     `json:"name"`
	RepoURL   string     `json:"repo_url"`
	Prompt    string     `json:"prompt"`
	Schedule  string     `json:"schedule"`
	Enabled   bool       `json:"enabled"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// NewID returns a random identifier for rows keyed by string.
func NewID() string {
	return uuid.NewString()
}

// ShortID returns the first segment of a UUID, used in branch names.
func ShortID(id string) string {
	if head, _, ok := strings.Cut(id, "-"); ok && head != "" {
		return head
	}
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
