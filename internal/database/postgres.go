package database

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/odvcencio/deployfix/internal/models"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type PostgresDB struct {
	db *sql.DB
}

func OpenPostgres(dsn string) (*PostgresDB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	return &PostgresDB{db: db}, nil
}

func (p *PostgresDB) Close() error { return p.db.Close() }

func (p *PostgresDB) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, pgSchema)
	return err
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS users (
	id BIGSERIAL PRIMARY KEY,
	username TEXT NOT NULL UNIQUE,
	email TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS integrations (
	id BIGSERIAL PRIMARY KEY,
	user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	provider TEXT NOT NULL,
	access_token TEXT NOT NULL DEFAULT '',
	team_id TEXT NOT NULL DEFAULT '',
	account_login TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS subscriptions (
	id BIGSERIAL PRIMARY KEY,
	integration_id BIGINT NOT NULL REFERENCES integrations(id) ON DELETE CASCADE,
	github_integration_id BIGINT REFERENCES integrations(id) ON DELETE SET NULL,
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
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_subscriptions_project ON subscriptions(project_id, active);
CREATE INDEX IF NOT EXISTS idx_subscriptions_repo ON subscriptions(lower(repo_owner), lower(repo_name));

CREATE TABLE IF NOT EXISTS fix_rules (
	id BIGSERIAL PRIMARY KEY,
	subscription_id BIGINT NOT NULL REFERENCES subscriptions(id) ON DELETE CASCADE,
	name TEXT NOT NULL DEFAULT '',
	error_pattern TEXT NOT NULL DEFAULT '',
	error_type TEXT NOT NULL DEFAULT '',
	skip_fix BOOLEAN NOT NULL DEFAULT FALSE,
	custom_prompt TEXT NOT NULL DEFAULT '',
	priority INTEGER NOT NULL DEFAULT 0,
	enabled BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_fix_rules_subscription ON fix_rules(subscription_id, enabled);

CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
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
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	completed_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS deployments (
	id TEXT PRIMARY KEY,
	subscription_id BIGINT NOT NULL REFERENCES subscriptions(id) ON DELETE CASCADE,
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
	matched_rule_id BIGINT REFERENCES fix_rules(id) ON DELETE SET NULL,
	task_id TEXT NOT NULL DEFAULT '',
	pr_url TEXT NOT NULL DEFAULT '',
	pr_number INTEGER NOT NULL DEFAULT 0,
	fix_branch_name TEXT NOT NULL DEFAULT '',
	fix_summary TEXT NOT NULL DEFAULT '',
	fix_details TEXT NOT NULL DEFAULT '',
	started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_deployments_status ON deployments(fix_status, updated_at);
CREATE INDEX IF NOT EXISTS idx_deployments_task ON deployments(task_id);
CREATE INDEX IF NOT EXISTS idx_deployments_pr_url ON deployments(pr_url);

CREATE TABLE IF NOT EXISTS scheduled_tasks (
	id BIGSERIAL PRIMARY KEY,
	user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	repo_url TEXT NOT NULL,
	prompt TEXT NOT NULL,
	schedule TEXT NOT NULL,
	enabled BOOLEAN NOT NULL DEFAULT TRUE,
	last_run_at TIMESTAMPTZ,
	next_run_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS pipeline_jobs (
	id BIGSERIAL PRIMARY KEY,
	kind TEXT NOT NULL,
	idempotency_key TEXT NOT NULL UNIQUE,
	payload TEXT NOT NULL DEFAULT '{}',
	status TEXT NOT NULL DEFAULT 'queued',
	attempt_count INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 3,
	step TEXT NOT NULL DEFAULT '',
	checkpoint TEXT NOT NULL DEFAULT '',
	last_error TEXT NOT NULL DEFAULT '',
	next_attempt_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	expires_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_pipeline_jobs_claim ON pipeline_jobs(kind, status, next_attempt_at, id);
`

// --- Users and integrations ---

func (p *PostgresDB) CreateUser(ctx context.Context, u *models.User) error {
	return p.db.QueryRowContext(ctx,
		`INSERT INTO users (username, email) VALUES ($1, $2) RETURNING id, created_at`,
		u.Username, u.Email).Scan(&u.ID, &u.CreatedAt)
}

func (p *PostgresDB) GetUserByID(ctx context.Context, id int64) (*models.User, error) {
	u := &models.User{}
	err := p.db.QueryRowContext(ctx,
		`SELECT id, username, email, created_at FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Username, &u.Email, &u.CreatedAt)
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (p *PostgresDB) CreateIntegration(ctx context.Context, in *models.Integration) error {
	return p.db.QueryRowContext(ctx,
		`INSERT INTO integrations (user_id, provider, access_token, team_id, account_login)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id, created_at`,
		in.UserID, in.Provider, in.AccessToken, in.TeamID, in.AccountLogin).Scan(&in.ID, &in.CreatedAt)
}

func (p *PostgresDB) GetIntegration(ctx context.Context, id int64) (*models.Integration, error) {
	in := &models.Integration{}
	err := p.db.QueryRowContext(ctx,
		`SELECT id, user_id, provider, access_token, team_id, account_login, created_at FROM integrations WHERE id = $1`, id).
		Scan(&in.ID, &in.UserID, &in.Provider, &in.AccessToken, &in.TeamID, &in.AccountLogin, &in.CreatedAt)
	if err != nil {
		return nil, err
	}
	return in, nil
}

// --- Subscriptions ---

func (p *PostgresDB) CreateSubscription(ctx context.Context, sub *models.Subscription) error {
	applySubscriptionDefaults(sub)
	return p.db.QueryRowContext(ctx,
		`INSERT INTO subscriptions (integration_id, github_integration_id, project_id, project_name, repo_owner, repo_name, base_branch,
			auto_fix_enabled, auto_review_enabled, max_fix_attempts, webhook_secret, notify_on_fix, fix_branch_prefix, active)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 RETURNING id, created_at, updated_at`,
		sub.IntegrationID, nullInt64(sub.GitHubIntegrationID), sub.ProjectID, sub.ProjectName, sub.RepoOwner, sub.RepoName, sub.BaseBranch,
		sub.AutoFixEnabled, sub.AutoReviewEnabled, sub.MaxFixAttempts, sub.WebhookSecret, sub.NotifyOnFix, sub.FixBranchPrefix, sub.Active).
		Scan(&sub.ID, &sub.CreatedAt, &sub.UpdatedAt)
}

func (p *PostgresDB) GetSubscription(ctx context.Context, id int64) (*models.Subscription, error) {
	return scanSubscription(p.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id))
}

func (p *PostgresDB) GetActiveSubscriptionByProject(ctx context.Context, projectID string) (*models.Subscription, error) {
	return scanSubscription(p.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
		 WHERE project_id = $1 AND active
		 ORDER BY id DESC LIMIT 1`, projectID))
}

func (p *PostgresDB) GetActiveSubscriptionByRepo(ctx context.Context, owner, repo string) (*models.Subscription, error) {
	return scanSubscription(p.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
		 WHERE lower(repo_owner) = lower($1) AND lower(repo_name) = lower($2) AND active
		 ORDER BY id DESC LIMIT 1`, owner, repo))
}

// --- Fix rules ---

func (p *PostgresDB) CreateFixRule(ctx context.Context, rule *models.FixRule) error {
	return p.db.QueryRowContext(ctx,
		`INSERT INTO fix_rules (subscription_id, name, error_pattern, error_type, skip_fix, custom_prompt, priority, enabled)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id, created_at, updated_at`,
		rule.SubscriptionID, rule.Name, rule.ErrorPattern, rule.ErrorType, rule.SkipFix, rule.CustomPrompt, rule.Priority, rule.Enabled).
		Scan(&rule.ID, &rule.CreatedAt, &rule.UpdatedAt)
}

func (p *PostgresDB) ListEnabledFixRules(ctx context.Context, subscriptionID int64) ([]models.FixRule, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+fixRuleColumns+` FROM fix_rules
		 WHERE subscription_id = $1 AND enabled
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

// --- Deployments ---

func (p *PostgresDB) CreateDeploymentIfAbsent(ctx context.Context, d *models.Deployment) (bool, error) {
	applyDeploymentDefaults(d)
	res, err := p.db.ExecContext(ctx,
		`INSERT INTO deployments (id, subscription_id, platform_deployment_id, webhook_delivery_id, deployment_url, project_name,
			git_branch, git_commit_sha, fix_status, fix_attempt_number)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (platform_deployment_id) DO NOTHING`,
		d.ID, d.SubscriptionID, d.PlatformDeploymentID, d.WebhookDeliveryID, d.DeploymentURL, d.ProjectName,
		d.GitBranch, d.GitCommitSHA, d.FixStatus, d.FixAttemptNumber)
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		existing, err := scanDeployment(p.db.QueryRowContext(ctx,
			`SELECT `+deploymentColumns+` FROM deployments WHERE platform_deployment_id = $1`, d.PlatformDeploymentID))
		if err != nil {
			return false, err
		}
		*d = *existing
		return false, nil
	}
	loaded, err := p.GetDeployment(ctx, d.ID)
	if err != nil {
		return true, err
	}
	*d = *loaded
	return true, nil
}

func (p *PostgresDB) GetDeployment(ctx context.Context, id string) (*models.Deployment, error) {
	return scanDeployment(p.db.QueryRowContext(ctx,
		`SELECT `+deploymentColumns+` FROM deployments WHERE id = $1`, id))
}

func (p *PostgresDB) GetDeploymentByTaskID(ctx context.Context, taskID string) (*models.Deployment, error) {
	if taskID == "" {
		return nil, sql.ErrNoRows
	}
	return scanDeployment(p.db.QueryRowContext(ctx,
		`SELECT `+deploymentColumns+` FROM deployments WHERE task_id = $1 ORDER BY updated_at DESC LIMIT 1`, taskID))
}

func (p *PostgresDB) GetDeploymentByPRURL(ctx context.Context, prURL string) (*models.Deployment, error) {
	if prURL == "" {
		return nil, sql.ErrNoRows
	}
	return scanDeployment(p.db.QueryRowContext(ctx,
		`SELECT `+deploymentColumns+` FROM deployments WHERE pr_url = $1 ORDER BY updated_at DESC LIMIT 1`, prURL))
}

func (p *PostgresDB) TransitionDeployment(ctx context.Context, id string, to models.FixStatus, errMsg string) error {
	plan, err := planTransition(to)
	if err != nil {
		return err
	}
	var b strings.Builder
	b.WriteString(`UPDATE deployments SET fix_status = $1, error_message = CASE WHEN $2 = '' THEN error_message ELSE $2 END`)
	if plan.markStarted {
		b.WriteString(`, started_at = NOW()`)
	}
	if plan.markCompleted {
		b.WriteString(`, completed_at = NOW()`)
	}
	b.WriteString(`, updated_at = NOW() WHERE id = $3 AND fix_status IN (` + pgPlaceholders(4, len(plan.sources)) + `)`)

	args := []any{to, errMsg, id}
	args = append(args, statusStrings(plan.sources)...)
	res, err := p.db.ExecContext(ctx, b.String(), args...)
	if err != nil {
		return err
	}
	return p.checkDeploymentUpdated(ctx, res, id)
}

func (p *PostgresDB) SetDeploymentError(ctx context.Context, id, errMsg string) error {
	return p.execDeploymentUpdate(ctx,
		`UPDATE deployments SET error_message = $1, updated_at = NOW() WHERE id = $2`, errMsg, id)
}

func (p *PostgresDB) SetDeploymentLogs(ctx context.Context, id, logs string) error {
	return p.execDeploymentUpdate(ctx,
		`UPDATE deployments SET logs = $1, updated_at = NOW() WHERE id = $2`, logs, id)
}

func (p *PostgresDB) SaveDeploymentClassification(ctx context.Context, id string, c models.Classification) error {
	return p.execDeploymentUpdate(ctx,
		`UPDATE deployments
		 SET error_type = $1, error_message = $2, error_context = $3, affected_files = $4, matched_rule_id = $5, updated_at = NOW()
		 WHERE id = $6`,
		c.ErrorType, c.ErrorMessage, c.ErrorContext, joinFiles(c.AffectedFiles), nullInt64(c.MatchedRuleID), id)
}

func (p *PostgresDB) MarkDeploymentFixing(ctx context.Context, id, taskID string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE deployments SET fix_status = $1, task_id = $2, updated_at = NOW()
		 WHERE id = $3 AND fix_status = $4`,
		models.FixStatusFixing, taskID, id, models.FixStatusAnalyzing)
	if err != nil {
		return err
	}
	return p.checkDeploymentUpdated(ctx, res, id)
}

func (p *PostgresDB) MarkDeploymentPRCreated(ctx context.Context, id string, pr models.PRInfo) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE deployments
		 SET fix_status = $1, pr_url = $2, pr_number = $3, fix_branch_name = $4, fix_summary = $5, fix_details = $6,
			 completed_at = NOW(), updated_at = NOW()
		 WHERE id = $7 AND fix_status IN ($8, $9)`,
		models.FixStatusPRCreated, pr.URL, pr.Number, pr.BranchName, pr.Summary, pr.Details,
		id, models.FixStatusFixing, models.FixStatusReviewing)
	if err != nil {
		return err
	}
	return p.checkDeploymentUpdated(ctx, res, id)
}

func (p *PostgresDB) ResetDeploymentForRetry(ctx context.Context, id string, maxAttempts int) (*models.Deployment, error) {
	res, err := p.db.ExecContext(ctx,
		`UPDATE deployments
		 SET fix_status = $1, fix_attempt_number = fix_attempt_number + 1,
			 error_type = '', error_message = '', error_context = '', logs = '', affected_files = '', matched_rule_id = NULL,
			 task_id = '', fix_branch_name = '', fix_summary = '', fix_details = '',
			 started_at = NULL, completed_at = NULL, updated_at = NOW()
		 WHERE id = $2 AND fix_status IN ($3, $4) AND fix_attempt_number < $5`,
		models.FixStatusPending, id, models.FixStatusFailed, models.FixStatusSkipped, maxAttempts)
	if err != nil {
		return nil, err
	}
	affected, _ := res.RowsAffected()
	d, err := p.GetDeployment(ctx, id)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return d, retryRejection(d, maxAttempts)
	}
	return d, nil
}

func (p *PostgresDB) ListStaleDeployments(ctx context.Context, statuses []models.FixStatus, updatedBefore time.Time, limit int) ([]models.Deployment, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	n := len(statuses)
	args := statusStrings(statuses)
	args = append(args, updatedBefore.UTC(), limit)
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+deploymentColumns+` FROM deployments
		 WHERE fix_status IN (`+pgPlaceholders(1, n)+`)
		   AND updated_at <= $`+strconv.Itoa(n+1)+`
		 ORDER BY updated_at ASC, id ASC
		 LIMIT $`+strconv.Itoa(n+2), args...)
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

func (p *PostgresDB) execDeploymentUpdate(ctx context.Context, query string, args ...any) error {
	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (p *PostgresDB) checkDeploymentUpdated(ctx context.Context, res sql.Result, id string) error {
	affected, _ := res.RowsAffected()
	if affected > 0 {
		return nil
	}
	var exists int
	if err := p.db.QueryRowContext(ctx, `SELECT 1 FROM deployments WHERE id = $1`, id).Scan(&exists); err != nil {
		return err
	}
	return ErrInvalidTransition
}

// --- Tasks ---

func (p *PostgresDB) CreateTask(ctx context.Context, t *models.Task) error {
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
	return p.db.QueryRowContext(ctx,
		`INSERT INTO tasks (id, user_id, kind, prompt, repo_url, provider, status, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING created_at, updated_at`,
		t.ID, t.UserID, t.Kind, t.Prompt, t.RepoURL, t.Provider, t.Status, metadata).
		Scan(&t.CreatedAt, &t.UpdatedAt)
}

func (p *PostgresDB) GetTask(ctx context.Context, id string) (*models.Task, error) {
	return scanTask(p.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
}

func (p *PostgresDB) MarkTaskRunning(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE tasks SET status = $1, updated_at = NOW() WHERE id = $2 AND status = $3`,
		models.TaskStatusRunning, id, models.TaskStatusPending)
	return err
}

func (p *PostgresDB) CompleteTask(ctx context.Context, id string, result models.TaskResult) error {
	status := models.TaskStatusCompleted
	if !result.Success {
		status = models.TaskStatusFailed
	}
	res, err := p.db.ExecContext(ctx,
		`UPDATE tasks
		 SET status = $1, branch_name = $2, summary = $3, details = $4, error = $5,
			 completed_at = NOW(), updated_at = NOW()
		 WHERE id = $6 AND status IN ($7, $8)`,
		status, result.BranchName, result.Summary, result.Details, result.Error,
		id, models.TaskStatusPending, models.TaskStatusRunning)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected > 0 {
		return nil
	}
	if _, err := p.GetTask(ctx, id); err != nil {
		return err
	}
	return ErrInvalidTransition
}

// --- Scheduled tasks ---

func (p *PostgresDB) CreateScheduledTask(ctx context.Context, st *models.ScheduledTask) error {
	return p.db.QueryRowContext(ctx,
		`INSERT INTO scheduled_tasks (user_id, name, repo_url, prompt, schedule, enabled, next_run_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id, created_at`,
		st.UserID, st.Name, st.RepoURL, st.Prompt, st.Schedule, st.Enabled, pgNullableTime(st.NextRunAt)).
		Scan(&st.ID, &st.CreatedAt)
}

func (p *PostgresDB) GetScheduledTask(ctx context.Context, id int64) (*models.ScheduledTask, error) {
	return scanScheduledTask(p.db.QueryRowContext(ctx,
		`SELECT `+scheduledTaskColumns+` FROM scheduled_tasks WHERE id = $1`, id))
}

func (p *PostgresDB) ListDueScheduledTasks(ctx context.Context, now time.Time, limit int) ([]models.ScheduledTask, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+scheduledTaskColumns+` FROM scheduled_tasks
		 WHERE enabled AND (next_run_at IS NULL OR next_run_at <= $1)
		 ORDER BY next_run_at ASC NULLS FIRST, id ASC
		 LIMIT $2`, now.UTC(), limit)
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

func (p *PostgresDB) MarkScheduledTaskRun(ctx context.Context, id int64, ranAt, nextRunAt time.Time) error {
	var ran any
	if !ranAt.IsZero() {
		ran = ranAt.UTC()
	}
	res, err := p.db.ExecContext(ctx,
		`UPDATE scheduled_tasks SET last_run_at = COALESCE($1::timestamptz, last_run_at), next_run_at = $2 WHERE id = $3`,
		ran, nextRunAt.UTC(), id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// --- Pipeline jobs ---

func (p *PostgresDB) EnqueueJob(ctx context.Context, job *models.PipelineJob) (bool, error) {
	if job == nil {
		return false, fmt.Errorf("pipeline job is nil")
	}
	applyJobDefaults(job, time.Now().UTC())
	res, err := p.db.ExecContext(ctx,
		`INSERT INTO pipeline_jobs (kind, idempotency_key, payload, status, attempt_count, max_attempts, next_attempt_at, expires_at)
		 VALUES ($1, $2, $3, $4, 0, $5, $6, $7)
		 ON CONFLICT (idempotency_key) DO UPDATE SET
			 kind = EXCLUDED.kind,
			 payload = EXCLUDED.payload,
			 status = EXCLUDED.status,
			 attempt_count = 0,
			 max_attempts = EXCLUDED.max_attempts,
			 step = '',
			 checkpoint = '',
			 last_error = '',
			 next_attempt_at = EXCLUDED.next_attempt_at,
			 expires_at = EXCLUDED.expires_at,
			 created_at = NOW(),
			 updated_at = NOW(),
			 started_at = NULL,
			 completed_at = NULL
		 WHERE pipeline_jobs.expires_at <= NOW()
		   AND pipeline_jobs.status IN ($8, $9)`,
		job.Kind, job.IdempotencyKey, string(job.Payload), models.JobQueued, job.MaxAttempts,
		job.NextAttemptAt.UTC(), job.ExpiresAt.UTC(),
		models.JobCompleted, models.JobFailed,
	)
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	loaded, err := p.GetJobByIdempotencyKey(ctx, job.IdempotencyKey)
	if err != nil {
		return false, err
	}
	*job = *loaded
	return affected > 0, nil
}

func (p *PostgresDB) ClaimJob(ctx context.Context, kind models.JobKind) (*models.PipelineJob, error) {
	row := p.db.QueryRowContext(ctx,
		`UPDATE pipeline_jobs
		 SET status = $1,
			 attempt_count = attempt_count + 1,
			 started_at = NOW(),
			 completed_at = NULL,
			 updated_at = NOW()
		 WHERE id = (
			 SELECT id
			 FROM pipeline_jobs
			 WHERE kind = $2 AND status = $3 AND next_attempt_at <= NOW()
			 ORDER BY next_attempt_at ASC, id ASC
			 LIMIT 1
			 FOR UPDATE SKIP LOCKED
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

func (p *PostgresDB) SaveJobCheckpoint(ctx context.Context, jobID int64, step string, checkpoint []byte) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE pipeline_jobs
		 SET step = $1, checkpoint = $2, attempt_count = 1, last_error = '', updated_at = NOW()
		 WHERE id = $3 AND status = $4`,
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

func (p *PostgresDB) CompleteJob(ctx context.Context, jobID int64, status models.JobStatus, errMsg string) error {
	trimmedErr := strings.TrimSpace(errMsg)
	switch status {
	case models.JobCompleted:
		trimmedErr = ""
	case models.JobFailed:
		trimmedErr = trimmedFailure(trimmedErr)
	default:
		return fmt.Errorf("unsupported terminal status %q", status)
	}
	res, err := p.db.ExecContext(ctx,
		`UPDATE pipeline_jobs
		 SET status = $1, last_error = $2, completed_at = NOW(), updated_at = NOW()
		 WHERE id = $3 AND status = $4`,
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

func (p *PostgresDB) RequeueJob(ctx context.Context, jobID int64, errMsg string, nextAttemptAt time.Time) error {
	if nextAttemptAt.IsZero() {
		nextAttemptAt = time.Now().UTC()
	}
	res, err := p.db.ExecContext(ctx,
		`UPDATE pipeline_jobs
		 SET status = $1, last_error = $2, next_attempt_at = $3, started_at = NULL, updated_at = NOW()
		 WHERE id = $4 AND status = $5`,
		models.JobQueued, trimmedFailure(errMsg), nextAttemptAt.UTC(), jobID, models.JobInProgress,
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

func (p *PostgresDB) GetJob(ctx context.Context, jobID int64) (*models.PipelineJob, error) {
	return scanJob(p.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM pipeline_jobs WHERE id = $1`, jobID))
}

func (p *PostgresDB) GetJobByIdempotencyKey(ctx context.Context, key string) (*models.PipelineJob, error) {
	return scanJob(p.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM pipeline_jobs WHERE idempotency_key = $1`, key))
}

func (p *PostgresDB) ReleaseStaleJobs(ctx context.Context, startedBefore time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx,
		`UPDATE pipeline_jobs
		 SET status = $1, last_error = 'lease expired', next_attempt_at = NOW(), started_at = NULL, updated_at = NOW()
		 WHERE status = $2 AND started_at IS NOT NULL AND started_at <= $3`,
		models.JobQueued, models.JobInProgress, startedBefore.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func pgPlaceholders(start, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = "$" + strconv.Itoa(start+i)
	}
	return strings.Join(parts, ", ")
}

func pgNullableTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC()
}

var _ DB = (*PostgresDB)(nil)
