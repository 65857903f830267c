package database

import (
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/odvcencio/deployfix/internal/models"
)

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

const subscriptionColumns = `id, integration_id, github_integration_id, project_id, project_name, repo_owner, repo_name, base_branch,
	auto_fix_enabled, auto_review_enabled, max_fix_attempts, webhook_secret, notify_on_fix, fix_branch_prefix, active, created_at, updated_at`

func scanSubscription(row rowScanner) (*models.Subscription, error) {
	sub := &models.Subscription{}
	var githubIntegrationID sql.NullInt64
	if err := row.Scan(
		&sub.ID, &sub.IntegrationID, &githubIntegrationID, &sub.ProjectID, &sub.ProjectName,
		&sub.RepoOwner, &sub.RepoName, &sub.BaseBranch,
		&sub.AutoFixEnabled, &sub.AutoReviewEnabled, &sub.MaxFixAttempts, &sub.WebhookSecret,
		&sub.NotifyOnFix, &sub.FixBranchPrefix, &sub.Active, &sub.CreatedAt, &sub.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if githubIntegrationID.Valid {
		v := githubIntegrationID.Int64
		sub.GitHubIntegrationID = &v
	}
	return sub, nil
}

const fixRuleColumns = `id, subscription_id, name, error_pattern, error_type, skip_fix, custom_prompt, priority, enabled, created_at, updated_at`

func scanFixRule(row rowScanner) (*models.FixRule, error) {
	rule := &models.FixRule{}
	if err := row.Scan(
		&rule.ID, &rule.SubscriptionID, &rule.Name, &rule.ErrorPattern, &rule.ErrorType,
		&rule.SkipFix, &rule.CustomPrompt, &rule.Priority, &rule.Enabled, &rule.CreatedAt, &rule.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return rule, nil
}

const deploymentColumns = `id, subscription_id, platform_deployment_id, webhook_delivery_id, deployment_url, project_name, git_branch, git_commit_sha,
	fix_status, fix_attempt_number, error_type, error_message, error_context, logs, affected_files, matched_rule_id,
	task_id, pr_url, pr_number, fix_branch_name, fix_summary, fix_details, started_at, completed_at, created_at, updated_at`

func scanDeployment(row rowScanner) (*models.Deployment, error) {
	d := &models.Deployment{}
	var status string
	var affected string
	var matchedRule sql.NullInt64
	var startedAt, completedAt sql.NullTime
	if err := row.Scan(
		&d.ID, &d.SubscriptionID, &d.PlatformDeploymentID, &d.WebhookDeliveryID, &d.DeploymentURL, &d.ProjectName,
		&d.GitBranch, &d.GitCommitSHA,
		&status, &d.FixAttemptNumber, &d.ErrorType, &d.ErrorMessage, &d.ErrorContext, &d.Logs, &affected, &matchedRule,
		&d.TaskID, &d.PRURL, &d.PRNumber, &d.FixBranchName, &d.FixSummary, &d.FixDetails,
		&startedAt, &completedAt, &d.CreatedAt, &d.UpdatedAt,
	); err != nil {
		return nil, err
	}
	d.FixStatus = models.FixStatus(status)
	d.AffectedFiles = splitFiles(affected)
	if matchedRule.Valid {
		v := matchedRule.Int64
		d.MatchedRuleID = &v
	}
	if startedAt.Valid {
		v := startedAt.Time
		d.StartedAt = &v
	}
	if completedAt.Valid {
		v := completedAt.Time
		d.CompletedAt = &v
	}
	return d, nil
}

const taskColumns = `id, user_id, kind, prompt, repo_url, provider, status, branch_name, summary, details, error, metadata, created_at, updated_at, completed_at`

func scanTask(row rowScanner) (*models.Task, error) {
	t := &models.Task{}
	var kind, status, metadata string
	var completedAt sql.NullTime
	if err := row.Scan(
		&t.ID, &t.UserID, &kind, &t.Prompt, &t.RepoURL, &t.Provider, &status,
		&t.BranchName, &t.Summary, &t.Details, &t.Error, &metadata,
		&t.CreatedAt, &t.UpdatedAt, &completedAt,
	); err != nil {
		return nil, err
	}
	t.Kind = models.TaskKind(kind)
	t.Status = models.TaskStatus(status)
	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &t.Metadata); err != nil {
			return nil, err
		}
	}
	if completedAt.Valid {
		v := completedAt.Time
		t.CompletedAt = &v
	}
	return t, nil
}

const scheduledTaskColumns = `id, user_id, name, repo_url, prompt, schedule, enabled, last_run_at, next_run_at, created_at`

func scanScheduledTask(row rowScanner) (*models.ScheduledTask, error) {
	st := &models.ScheduledTask{}
	var lastRun, nextRun sql.NullTime
	if err := row.Scan(
		&st.ID, &st.UserID, &st.Name, &st.RepoURL, &st.Prompt, &st.Schedule, &st.Enabled,
		&lastRun, &nextRun, &st.CreatedAt,
	); err != nil {
		return nil, err
	}
	if lastRun.Valid {
		v := lastRun.Time
		st.LastRunAt = &v
	}
	if nextRun.Valid {
		v := nextRun.Time
		st.NextRunAt = &v
	}
	return st, nil
}

const jobColumns = `id, kind, idempotency_key, payload, status, attempt_count, max_attempts, step, checkpoint, last_error,
	next_attempt_at, expires_at, created_at, updated_at, started_at, completed_at`

func scanJob(row rowScanner) (*models.PipelineJob, error) {
	var job models.PipelineJob
	var kind, status string
	var payload, checkpoint string
	var startedAt, completedAt sql.NullTime
	if err := row.Scan(
		&job.ID, &kind, &job.IdempotencyKey, &payload, &status,
		&job.AttemptCount, &job.MaxAttempts, &job.Step, &checkpoint, &job.LastError,
		&job.NextAttemptAt, &job.ExpiresAt, &job.CreatedAt, &job.UpdatedAt,
		&startedAt, &completedAt,
	); err != nil {
		return nil, err
	}
	job.Kind = models.JobKind(kind)
	job.Status = models.JobStatus(status)
	if payload != "" {
		job.Payload = json.RawMessage(payload)
	}
	if checkpoint != "" {
		job.Checkpoint = json.RawMessage(checkpoint)
	}
	if startedAt.Valid {
		v := startedAt.Time
		job.StartedAt = &v
	}
	if completedAt.Valid {
		v := completedAt.Time
		job.CompletedAt = &v
	}
	return &job, nil
}

func joinFiles(files []string) string {
	return strings.Join(files, "\n")
}

func splitFiles(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func encodeMetadata(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func statusStrings(statuses []models.FixStatus) []any {
	out := make([]any, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, string(s))
	}
	return out
}

func trimmedFailure(msg string) string {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return "job failed"
	}
	return msg
}
