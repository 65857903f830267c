package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/odvcencio/deployfix/internal/models"

	_ "modernc.org/sqlite"
)

type SQLiteDB struct {
	db *sql.DB
}

// sqlitePragmas run on every pooled connection, not just the first one.
var sqlitePragmas = []string{
	"busy_timeout(5000)",
	"foreign_keys(1)",
	"journal_mode(WAL)",
}

func OpenSQLite(dsn string) (*SQLiteDB, error) {
	db, err := sql.Open("sqlite", sqliteDSN(dsn))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return &SQLiteDB{db: db}, nil
}

func sqliteDSN(dsn string) string {
	var b strings.Builder
	b.WriteString(dsn)
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	for _, pragma := range sqlitePragmas {
		b.WriteString(sep)
		b.WriteString("_pragma=")
		b.WriteString(pragma)
		sep = "&"
	}
	return b.String()
}

func (s *SQLiteDB) Close() error { return s.db.Close() }

func (s *SQLiteDB) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT NOT NULL UNIQUE,
	email TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS integrations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	provider TEXT NOT NULL,
	access_token TEXT NOT NULL DEFAULT '',
	team_id TEXT NOT NULL DEFAULT '',
	account_login TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS subscriptions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	integration_id INTEGER NOT NULL REFERENCES integrations(id) ON DELETE CASCADE,
	github_integration_id INTEGER REFERENCES integrations(id) ON DELETE SET NULL,
	project_id TEXT NOT NULL,
	project_name TEXT NOT NULL DEFAULT '',
	repo_owner TEXT NOT NULL,
	repo_name TEXT NOT NULL,
	base_branch TEXT NOT NULL DEFAULT 'main',
	auto_fix_enabled BOOLEAN NOT NULL DEFAULT TRUE,
	auto_review_enabled BOOLEAN NOT NULL DEFAULT FALSE,
	max_fix_attempts INTEGER NOT NULL DEFAULT 3,
	webhook_secret TEXT NOT NULL DEFAULT '',
	notify_on_fix BOOLEAN NOT NULL DEFAULT FALSE,
	fix_branch_prefix TEXT NOT NULL DEFAULT 'deployfix/',
	active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_subscriptions_project ON subscriptions(project_id, active);
CREATE INDEX IF NOT EXISTS idx_subscriptions_repo ON subscriptions(repo_owner, repo_name);

CREATE TABLE IF NOT EXISTS fix_rules (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	subscription_id INTEGER NOT NULL REFERENCES subscriptions(id) ON DELETE CASCADE,
	name TEXT NOT NULL DEFAULT '',
	error_pattern TEXT NOT NULL DEFAULT '',
	error_type TEXT NOT NULL DEFAULT '',
	skip_fix BOOLEAN NOT NULL DEFAULT FALSE,
	custom_prompt TEXT NOT NULL DEFAULT '',
	priority INTEGER NOT NULL DEFAULT 0,
	enabled BOOLEAN NOT NULL DEFAULT TRUE,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_fix_rules_subscription ON fix_rules(subscription_id, enabled);

CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	kind TEXT NOT NULL,
	prompt TEXT NOT NULL,
	repo_url TEXT NOT NULL DEFAULT '',
	provider TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'pending',
	branch_name TEXT NOT NULL DEFAULT '',
	summary TEXT NOT NULL DEFAULT '',
	details TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	metadata TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	completed_at DATETIME
);

CREATE TABLE IF NOT EXISTS deployments (
	id TEXT PRIMARY KEY,
	subscription_id INTEGER NOT NULL REFERENCES subscriptions(id) ON DELETE CASCADE,
	platform_deployment_id TEXT NOT NULL UNIQUE,
	webhook_delivery_id TEXT NOT NULL DEFAULT '',
	deployment_url TEXT NOT NULL DEFAULT '',
	project_name TEXT NOT NULL DEFAULT '',
	git_branch TEXT NOT NULL DEFAULT '',
	git_commit_sha TEXT NOT NULL DEFAULT '',
	fix_status TEXT NOT NULL DEFAULT 'pending',
	fix_attempt_number INTEGER NOT NULL DEFAULT 1,
	error_type TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	error_context TEXT NOT NULL DEFAULT '',
	logs TEXT NOT NULL DEFAULT '',
	affected_files TEXT NOT NULL DEFAULT '',
	matched_rule_id INTEGER REFERENCES fix_rules(id) ON DELETE SET NULL,
	task_id TEXT NOT NULL DEFAULT '',
	pr_url TEXT NOT NULL DEFAULT '',
	pr_number INTEGER NOT NULL DEFAULT 0,
	fix_branch_name TEXT NOT NULL DEFAULT '',
	fix_summary TEXT NOT NULL DEFAULT '',
	fix_details TEXT NOT NULL DEFAULT '',
	started_at DATETIME,
	completed_at DATETIME,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_deployments_status ON deployments(fix_status, updated_at);
CREATE INDEX IF NOT EXISTS idx_deployments_task ON deployments(task_id);
CREATE INDEX IF NOT EXISTS idx_deployments_pr_url ON deployments(pr_url);

CREATE TABLE IF NOT EXISTS scheduled_tasks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	repo_url TEXT NOT NULL,
	prompt TEXT NOT NULL,
	schedule TEXT NOT NULL,
	enabled BOOLEAN NOT NULL DEFAULT TRUE,
	last_run_at DATETIME,
	next_run_at DATETIME,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS pipeline_jobs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	kind TEXT NOT NULL,
	idempotency_key TEXT NOT NULL UNIQUE,
	payload TEXT NOT NULL DEFAULT '{}',
	status TEXT NOT NULL DEFAULT 'queued',
	attempt_count INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 3,
	step TEXT NOT NULL DEFAULT '',
	checkpoint TEXT NOT NULL DEFAULT '',
	last_error TEXT NOT NULL DEFAULT '',
	next_attempt_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	expires_at DATETIME NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	started_at DATETIME,
	completed_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_pipeline_jobs_claim ON pipeline_jobs(kind, status, next_attempt_at, id);
`

// Users and integrations

func (s *SQLiteDB) CreateUser(ctx context.Context, u *models.User) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, email) VALUES (?, ?)`, u.Username, u.Email)
	if err != nil {
		return err
	}
	u.ID, _ = res.LastInsertId()
	return nil
}

func (s *SQLiteDB) GetUserByID(ctx context.Context, id int64) (*models.User, error) {
	u := &models.User{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, email, created_at FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Username, &u.Email, &u.CreatedAt)
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (s *SQLiteDB) CreateIntegration(ctx context.Context, in *models.Integration) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO integrations (user_id, provider, access_token, team_id, account_login) VALUES (?, ?, ?, ?, ?)`,
		in.UserID, in.Provider, in.AccessToken, in.TeamID, in.AccountLogin)
	if err != nil {
		return err
	}
	in.ID, _ = res.LastInsertId()
	return nil
}

func (s *SQLiteDB) GetIntegration(ctx context.Context, id int64) (*models.Integration, error) {
	in := &models.Integration{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, provider, access_token, team_id, account_login, created_at FROM integrations WHERE id = ?`, id).
		Scan(&in.ID, &in.UserID, &in.Provider, &in.AccessToken, &in.TeamID, &in.AccountLogin, &in.CreatedAt)
	if err != nil {
		return nil, err
	}
	return in, nil
}

// Subscriptions

func (s *SQLiteDB) CreateSubscription(ctx context.Context, sub *models.Subscription) error {
	applySubscriptionDefaults(sub)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions (integration_id, github_integration_id, project_id, project_name, repo_owner, repo_name, base_branch,
			auto_fix_enabled, auto_review_enabled, max_fix_attempts, webhook_secret, notify_on_fix, fix_branch_prefix, active)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.IntegrationID, nullInt64(sub.GitHubIntegrationID), sub.ProjectID, sub.ProjectName, sub.RepoOwner, sub.RepoName, sub.BaseBranch,
		sub.AutoFixEnabled, sub.AutoReviewEnabled, sub.MaxFixAttempts, sub.WebhookSecret, sub.NotifyOnFix, sub.FixBranchPrefix, sub.Active)
	if err != nil {
		return err
	}
	sub.ID, _ = res.LastInsertId()
	return nil
}

func (s *SQLiteDB) GetSubscription(ctx context.Context, id int64) (*models.Subscription, error) {
	return scanSubscription(s.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?`, id))
}

func (s *SQLiteDB) GetActiveSubscriptionByProject(ctx context.Context, projectID string) (*models.Subscription, error) {
	return scanSubscription(s.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
		 WHERE project_id = ? AND active
		 ORDER BY id DESC LIMIT 1`, projectID))
}

func (s *SQLiteDB) GetActiveSubscriptionByRepo(ctx context.Context, owner, repo string) (*models.Subscription, error) {
	return scanSubscription(s.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
		 WHERE lower(repo_owner) = lower(?) AND lower(repo_name) = lower(?) AND active
		 ORDER BY id DESC LIMIT 1`, owner, repo))
}

// Fix rules

func (s *SQLiteDB) CreateFixRule(ctx context.Context, rule *models.FixRule) error {
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO fix_rules (subscription_id, name, error_pattern, error_type, skip_fix, custom_prompt, priority, enabled)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 RETURNING id, created_at, updated_at`,
		rule.SubscriptionID, rule.Name, rule.ErrorPattern, rule.ErrorType, rule.SkipFix, rule.CustomPrompt, rule.Priority, rule.Enabled)
	return row.Scan(&rule.ID, &rule.CreatedAt, &rule.UpdatedAt)
}

func (s *SQLiteDB) ListEnabledFixRules(ctx context.Context, subscriptionID int64) ([]models.FixRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+fixRuleColumns+` FROM fix_rules
		 WHERE subscription_id = ? AND enabled
		 ORDER BY priority DESC, created_at DESC, id DESC`, subscriptionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var rules []models.FixRule
	for rows.Next() {
		rule, err := scanFixRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, *rule)
	}
	return rules, rows.Err()
}

// Deployments

func (s *SQLiteDB) CreateDeploymentIfAbsent(ctx context.Context, d *models.Deployment) (bool, error) {
	applyDeploymentDefaults(d)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO deployments (id, subscription_id, platform_deployment_id, webhook_delivery_id, deployment_url, project_name,
			git_branch, git_commit_sha, fix_status, fix_attempt_number)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(platform_deployment_id) DO NOTHING`,
		d.ID, d.SubscriptionID, d.PlatformDeploymentID, d.WebhookDeliveryID, d.DeploymentURL, d.ProjectName,
		d.GitBranch, d.GitCommitSHA, d.FixStatus, d.FixAttemptNumber)
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		existing, err := scanDeployment(s.db.QueryRowContext(ctx,
			`SELECT `+deploymentColumns+` FROM deployments WHERE platform_deployment_id = ?`, d.PlatformDeploymentID))
		if err != nil {
			return false, err
		}
		*d = *existing
		return false, nil
	}
	loaded, err := s.GetDeployment(ctx, d.ID)
	if err != nil {
		return true, err
	}
	*d = *loaded
	return true, nil
}

func (s *SQLiteDB) GetDeployment(ctx context.Context, id string) (*models.Deployment, error) {
	return scanDeployment(s.db.QueryRowContext(ctx,
		`SELECT `+deploymentColumns+` FROM deployments WHERE id = ?`, id))
}

func (s *SQLiteDB) GetDeploymentByTaskID(ctx context.Context, taskID string) (*models.Deployment, error) {
	if taskID == "" {
		return nil, sql.ErrNoRows
	}
	return scanDeployment(s.db.QueryRowContext(ctx,
		`SELECT `+deploymentColumns+` FROM deployments WHERE task_id = ? ORDER BY updated_at DESC LIMIT 1`, taskID))
}

func (s *SQLiteDB) GetDeploymentByPRURL(ctx context.Context, prURL string) (*models.Deployment, error) {
	if prURL == "" {
		return nil, sql.ErrNoRows
	}
	return scanDeployment(s.db.QueryRowContext(ctx,
		`SELECT `+deploymentColumns+` FROM deployments WHERE pr_url = ? ORDER BY updated_at DESC LIMIT 1`, prURL))
}

func (s *SQLiteDB) TransitionDeployment(ctx context.Context, id string, to models.FixStatus, errMsg string) error {
	plan, err := planTransition(to)
	if err != nil {
		return err
	}
	var b strings.Builder
	b.WriteString(`UPDATE deployments SET fix_status = ?, error_message = CASE WHEN ? = '' THEN error_message ELSE ? END`)
	if plan.markStarted {
		b.WriteString(`, started_at = CURRENT_TIMESTAMP`)
	}
	if plan.markCompleted {
		b.WriteString(`, completed_at = CURRENT_TIMESTAMP`)
	}
	b.WriteString(`, updated_at = CURRENT_TIMESTAMP WHERE id = ? AND fix_status IN (` + sqlitePlaceholders(len(plan.sources)) + `)`)

	args := []any{to, errMsg, errMsg, id}
	args = append(args, statusStrings(plan.sources)...)
	res, err := s.db.ExecContext(ctx, b.String(), args...)
	if err != nil {
		return err
	}
	return s.checkDeploymentUpdated(ctx, res, id)
}

func (s *SQLiteDB) SetDeploymentError(ctx context.Context, id, errMsg string) error {
	return s.execDeploymentUpdate(ctx, id,
		`UPDATE deployments SET error_message = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, errMsg, id)
}

func (s *SQLiteDB) SetDeploymentLogs(ctx context.Context, id, logs string) error {
	return s.execDeploymentUpdate(ctx, id,
		`UPDATE deployments SET logs = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, logs, id)
}

func (s *SQLiteDB) SaveDeploymentClassification(ctx context.Context, id string, c models.Classification) error {
	return s.execDeploymentUpdate(ctx, id,
		`UPDATE deployments
		 SET error_type = ?, error_message = ?, error_context = ?, affected_files = ?, matched_rule_id = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ?`,
		c.ErrorType, c.ErrorMessage, c.ErrorContext, joinFiles(c.AffectedFiles), nullInt64(c.MatchedRuleID), id)
}

func (s *SQLiteDB) MarkDeploymentFixing(ctx context.Context, id, taskID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE deployments SET fix_status = ?, task_id = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND fix_status = ?`,
		models.FixStatusFixing, taskID, id, models.FixStatusAnalyzing)
	if err != nil {
		return err
	}
	return s.checkDeploymentUpdated(ctx, res, id)
}

func (s *SQLiteDB) MarkDeploymentPRCreated(ctx context.Context, id string, pr models.PRInfo) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE deployments
		 SET fix_status = ?, pr_url = ?, pr_number = ?, fix_branch_name = ?, fix_summary = ?, fix_details = ?,
			 completed_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND fix_status IN (?, ?)`,
		models.FixStatusPRCreated, pr.URL, pr.Number, pr.BranchName, pr.Summary, pr.Details,
		id, models.FixStatusFixing, models.FixStatusReviewing)
	if err != nil {
		return err
	}
	return s.checkDeploymentUpdated(ctx, res, id)
}

func (s *SQLiteDB) ResetDeploymentForRetry(ctx context.Context, id string, maxAttempts int) (*models.Deployment, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE deployments
		 SET fix_status = ?, fix_attempt_number = fix_attempt_number + 1,
			 error_type = '', error_message = '', error_context = '', logs = '', affected_files = '', matched_rule_id = NULL,
			 task_id = '', fix_branch_name = '', fix_summary = '', fix_details = '',
			 started_at = NULL, completed_at = NULL, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND fix_status IN (?, ?) AND fix_attempt_number < ?`,
		models.FixStatusPending, id, models.FixStatusFailed, models.FixStatusSkipped, maxAttempts)
	if err != nil {
		return nil, err
	}
	affected, _ := res.RowsAffected()
	d, err := s.GetDeployment(ctx, id)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return d, retryRejection(d, maxAttempts)
	}
	return d, nil
}

func (s *SQLiteDB) ListStaleDeployments(ctx context.Context, statuses []models.FixStatus, updatedBefore time.Time, limit int) ([]models.Deployment, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	args := statusStrings(statuses)
	args = append(args, sqliteTimestamp(updatedBefore), limit)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deploymentColumns+` FROM deployments
		 WHERE fix_status IN (`+sqlitePlaceholders(len(statuses))+`)
		   AND datetime(updated_at) <= datetime(?)
		 ORDER BY updated_at ASC, id ASC
		 LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (s *SQLiteDB) execDeploymentUpdate(ctx context.Context, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// checkDeploymentUpdated distinguishes a missing row from a rejected
// compare-and-set when an update touched nothing.
func (s *SQLiteDB) checkDeploymentUpdated(ctx context.Context, res sql.Result, id string) error {
	affected, _ := res.RowsAffected()
	if affected > 0 {
		return nil
	}
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM deployments WHERE id = ?`, id).Scan(&exists)
	if err != nil {
		return err
	}
	return ErrInvalidTransition
}

// Tasks

func (s *SQLiteDB) CreateTask(ctx context.Context, t *models.Task) error {
	if t.ID == "" {
		t.ID = models.NewID()
	}
	if t.Status == "" {
		t.Status = models.TaskStatusPending
	}
	metadata, err := encodeMetadata(t.Metadata)
	if err != nil {
		return err
	}
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO tasks (id, user_id, kind, prompt, repo_url, provider, status, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 RETURNING created_at, updated_at`,
		t.ID, t.UserID, t.Kind, t.Prompt, t.RepoURL, t.Provider, t.Status, metadata)
	return row.Scan(&t.CreatedAt, &t.UpdatedAt)
}

func (s *SQLiteDB) GetTask(ctx context.Context, id string) (*models.Task, error) {
	return scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
}

func (s *SQLiteDB) MarkTaskRunning(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ? AND status = ?`,
		models.TaskStatusRunning, id, models.TaskStatusPending)
	return err
}

func (s *SQLiteDB) CompleteTask(ctx context.Context, id string, result models.TaskResult) error {
	status := models.TaskStatusCompleted
	if !result.Success {
		status = models.TaskStatusFailed
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks
		 SET status = ?, branch_name = ?, summary = ?, details = ?, error = ?,
			 completed_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND status IN (?, ?)`,
		status, result.BranchName, result.Summary, result.Details, result.Error,
		id, models.TaskStatusPending, models.TaskStatusRunning)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected > 0 {
		return nil
	}
	if _, err := s.GetTask(ctx, id); err != nil {
		return err
	}
	return ErrInvalidTransition
}

// Scheduled tasks

func (s *SQLiteDB) CreateScheduledTask(ctx context.Context, st *models.ScheduledTask) error {
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO scheduled_tasks (user_id, name, repo_url, prompt, schedule, enabled, next_run_at)
		 VALUES (?, ?, ?, ?, ?, ?, datetime(?))
		 RETURNING id, created_at`,
		st.UserID, st.Name, st.RepoURL, st.Prompt, st.Schedule, st.Enabled, sqliteNullableTimestamp(st.NextRunAt))
	return row.Scan(&st.ID, &st.CreatedAt)
}

func (s *SQLiteDB) GetScheduledTask(ctx context.Context, id int64) (*models.ScheduledTask, error) {
	return scanScheduledTask(s.db.QueryRowContext(ctx,
		`SELECT `+scheduledTaskColumns+` FROM scheduled_tasks WHERE id = ?`, id))
}

func (s *SQLiteDB) ListDueScheduledTasks(ctx context.Context, now time.Time, limit int) ([]models.ScheduledTask, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+scheduledTaskColumns+` FROM scheduled_tasks
		 WHERE enabled AND (next_run_at IS NULL OR datetime(next_run_at) <= datetime(?))
		 ORDER BY next_run_at ASC, id ASC
		 LIMIT ?`, sqliteTimestamp(now), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.ScheduledTask
	for rows.Next() {
		st, err := scanScheduledTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

func (s *SQLiteDB) MarkScheduledTaskRun(ctx context.Context, id int64, ranAt, nextRunAt time.Time) error {
	var ran any
	if !ranAt.IsZero() {
		ran = sqliteTimestamp(ranAt)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_tasks SET last_run_at = COALESCE(datetime(?), last_run_at), next_run_at = datetime(?) WHERE id = ?`,
		ran, sqliteTimestamp(nextRunAt), id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Pipeline jobs

func (s *SQLiteDB) EnqueueJob(ctx context.Context, job *models.PipelineJob) (bool, error) {
	if job == nil {
		return false, fmt.Errorf("pipeline job is nil")
	}
	applyJobDefaults(job, time.Now().UTC())
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO pipeline_jobs (kind, idempotency_key, payload, status, attempt_count, max_attempts, next_attempt_at, expires_at)
		 VALUES (?, ?, ?, ?, 0, ?, datetime(?), datetime(?))
		 ON CONFLICT(idempotency_key) DO UPDATE SET
			 kind = excluded.kind,
			 payload = excluded.payload,
			 status = excluded.status,
			 attempt_count = 0,
			 max_attempts = excluded.max_attempts,
			 step = '',
			 checkpoint = '',
			 last_error = '',
			 next_attempt_at = excluded.next_attempt_at,
			 expires_at = excluded.expires_at,
			 created_at = CURRENT_TIMESTAMP,
			 updated_at = CURRENT_TIMESTAMP,
			 started_at = NULL,
			 completed_at = NULL
		 WHERE datetime(pipeline_jobs.expires_at) <= CURRENT_TIMESTAMP
		   AND pipeline_jobs.status IN (?, ?)`,
		job.Kind, job.IdempotencyKey, string(job.Payload), models.JobQueued, job.MaxAttempts,
		sqliteTimestamp(job.NextAttemptAt), sqliteTimestamp(job.ExpiresAt),
		models.JobCompleted, models.JobFailed,
	)
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	loaded, err := s.GetJobByIdempotencyKey(ctx, job.IdempotencyKey)
	if err != nil {
		return false, err
	}
	*job = *loaded
	return affected > 0, nil
}

func (s *SQLiteDB) ClaimJob(ctx context.Context, kind models.JobKind) (*models.PipelineJob, error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE pipeline_jobs
		 SET status = ?,
			 attempt_count = attempt_count + 1,
			 started_at = CURRENT_TIMESTAMP,
			 completed_at = NULL,
			 updated_at = CURRENT_TIMESTAMP
		 WHERE id = (
			 SELECT id
			 FROM pipeline_jobs
			 WHERE kind = ? AND status = ?
			   AND datetime(next_attempt_at) <= CURRENT_TIMESTAMP
			 ORDER BY next_attempt_at ASC, id ASC
			 LIMIT 1
		 )
		 RETURNING `+jobColumns,
		models.JobInProgress, kind, models.JobQueued,
	)
	job, err := scanJob(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return job, nil
}

func (s *SQLiteDB) SaveJobCheckpoint(ctx context.Context, jobID int64, step string, checkpoint []byte) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pipeline_jobs
		 SET step = ?, checkpoint = ?, attempt_count = 1, last_error = '', updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND status = ?`,
		step, string(checkpoint), jobID, models.JobInProgress)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *SQLiteDB) CompleteJob(ctx context.Context, jobID int64, status models.JobStatus, errMsg string) error {
	trimmedErr := strings.TrimSpace(errMsg)
	switch status {
	case models.JobCompleted:
		trimmedErr = ""
	case models.JobFailed:
		trimmedErr = trimmedFailure(trimmedErr)
	default:
		return fmt.Errorf("unsupported terminal status %q", status)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE pipeline_jobs
		 SET status = ?,
			 last_error = ?,
			 completed_at = CURRENT_TIMESTAMP,
			 updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND status = ?`,
		status, trimmedErr, jobID, models.JobInProgress,
	)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *SQLiteDB) RequeueJob(ctx context.Context, jobID int64, errMsg string, nextAttemptAt time.Time) error {
	if nextAttemptAt.IsZero() {
		nextAttemptAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE pipeline_jobs
		 SET status = ?,
			 last_error = ?,
			 next_attempt_at = datetime(?),
			 started_at = NULL,
			 updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND status = ?`,
		models.JobQueued, trimmedFailure(errMsg), sqliteTimestamp(nextAttemptAt), jobID, models.JobInProgress,
	)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *SQLiteDB) GetJob(ctx context.Context, jobID int64) (*models.PipelineJob, error) {
	return scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM pipeline_jobs WHERE id = ?`, jobID))
}

func (s *SQLiteDB) GetJobByIdempotencyKey(ctx context.Context, key string) (*models.PipelineJob, error) {
	return scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM pipeline_jobs WHERE idempotency_key = ?`, key))
}

func (s *SQLiteDB) ReleaseStaleJobs(ctx context.Context, startedBefore time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pipeline_jobs
		 SET status = ?,
			 last_error = 'lease expired',
			 next_attempt_at = CURRENT_TIMESTAMP,
			 started_at = NULL,
			 updated_at = CURRENT_TIMESTAMP
		 WHERE status = ? AND started_at IS NOT NULL AND datetime(started_at) <= datetime(?)`,
		models.JobQueued, models.JobInProgress, sqliteTimestamp(startedBefore))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func sqliteTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05")
}

func sqliteNullableTimestamp(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return sqliteTimestamp(*t)
}

func sqlitePlaceholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

var _ DB = (*SQLiteDB)(nil)
