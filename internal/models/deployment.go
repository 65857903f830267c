package models

import "time"

type FixStatus string

const (
	FixStatusPending   FixStatus = "pending"
	FixStatusAnalyzing FixStatus = "analyzing"
	FixStatusFixing    FixStatus = "fixing"
	FixStatusReviewing FixStatus = "reviewing"
	FixStatusPRCreated FixStatus = "pr_created"
	FixStatusMerged    FixStatus = "merged"
	FixStatusFailed    FixStatus = "failed"
	FixStatusSkipped   FixStatus = "skipped"
)

// Deployment is one fix attempt for a failed provider deployment. It is the
// single source of truth for workflow progress.
type Deployment struct {
	ID                   string     `json:"id"`
	SubscriptionID       int64      `json:"subscription_id"`
	PlatformDeploymentID string     `json:"platform_deployment_id"`
	WebhookDeliveryID    string     `json:"webhook_delivery_id"`
	DeploymentURL        string     `json:"deployment_url,omitempty"`
	ProjectName          string     `json:"project_name,omitempty"`
	GitBranch            string     `json:"git_branch,omitempty"`
	GitCommitSHA         string     `json:"git_commit_sha,omitempty"`
	FixStatus            FixStatus  `json:"fix_status"`
	FixAttemptNumber     int        `json:"fix_attempt_number"`
	ErrorType            string     `json:"error_type,omitempty"`
	ErrorMessage         string     `json:"error_message,omitempty"`
	ErrorContext         string     `json:"error_context,omitempty"`
	Logs                 string     `json:"-"`
	AffectedFiles        []string   `json:"affected_files,omitempty"`
	MatchedRuleID        *int64     `json:"matched_rule_id,omitempty"`
	TaskID               string     `json:"task_id,omitempty"`
	PRURL                string     `json:"pr_url,omitempty"`
	PRNumber             int        `json:"pr_number,omitempty"`
	FixBranchName        string     `json:"fix_branch_name,omitempty"`
	FixSummary           string     `json:"fix_summary,omitempty"`
	FixDetails           string     `json:"fix_details,omitempty"`
	StartedAt            *time.Time `json:"started_at,omitempty"`
	CompletedAt          *time.Time `json:"completed_at,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// Classification is the analyzer output persisted onto a deployment.
type Classification struct {
	ErrorType     string
	ErrorMessage  string
	ErrorContext  string
	AffectedFiles []string
	MatchedRuleID *int64
}

// PRInfo is persisted when a fix pull request is opened.
type PRInfo struct {
	URL        string
	Number     int
	BranchName string
	Summary    string
	Details    string
}

var fixTransitions = map[FixStatus][]FixStatus{
	FixStatusPending:   {FixStatusAnalyzing, FixStatusFailed},
	FixStatusAnalyzing: {FixStatusFixing, FixStatusSkipped, FixStatusFailed},
	FixStatusFixing:    {FixStatusReviewing, FixStatusPRCreated, FixStatusFailed},
	FixStatusReviewing: {FixStatusPRCreated, FixStatusFailed},
	FixStatusPRCreated: {FixStatusMerged},
	FixStatusFailed:    {FixStatusPending},
	FixStatusSkipped:   {FixStatusPending},
}

// CanTransition reports whether a deployment may move from one status to
// another. failed/skipped -> pending is the manual retry edge.
func CanTransition(from, to FixStatus) bool {
	for _, next := range fixTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionSources lists every status that may move to the given status.
func TransitionSources(to FixStatus) []FixStatus {
	var out []FixStatus
	for _, from := range []FixStatus{
		FixStatusPending,
		FixStatusAnalyzing,
		FixStatusFixing,
		FixStatusReviewing,
		FixStatusPRCreated,
		FixStatusMerged,
		FixStatusFailed,
		FixStatusSkipped,
	} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// IsTerminal reports whether status only changes through manual retry.
// pr_created additionally advances to merged.
func (s FixStatus) IsTerminal() bool {
	switch s {
	case FixStatusPRCreated, FixStatusMerged, FixStatusFailed, FixStatusSkipped:
		return true
	default:
		return false
	}
}

// IsRetryable reports whether a manual retry may start from this status.
func (s FixStatus) IsRetryable() bool {
	return s == FixStatusFailed || s == FixStatusSkipped
}

// IsInFlight reports whether the pipeline is expected to be making progress.
func (s FixStatus) IsInFlight() bool {
	switch s {
	case FixStatusAnalyzing, FixStatusFixing, FixStatusReviewing:
		return true
	default:
		return false
	}
}
