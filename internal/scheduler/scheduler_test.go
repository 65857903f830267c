package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/odvcencio/deployfix/internal/database"
	"github.com/odvcencio/deployfix/internal/jobs"
	"github.com/odvcencio/deployfix/internal/models"
)

func setupTestDB(t *testing.T) database.DB {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatal(err)
	}
	return db
}

func seedUser(t *testing.T, db database.DB) *models.User {
	t.Helper()
	user := &models.User{Username: "alice", Email: "alice@example.com"}
	if err := db.CreateUser(context.Background(), user); err != nil {
		t.Fatal(err)
	}
	return user
}

func seedSubscription(t *testing.T, db database.DB) *models.Subscription {
	t.Helper()
	ctx := context.Background()
	user := seedUser(t, db)
	integration := &models.Integration{UserID: user.ID, Provider: models.ProviderVercel, AccessToken: "sealed"}
	if err := db.CreateIntegration(ctx, integration); err != nil {
		t.Fatal(err)
	}
	sub := &models.Subscription{IntegrationID: integration.ID, ProjectID: "prj_1", RepoOwner: "acme", RepoName: "web", AutoFixEnabled: true, Active: true}
	if err := db.CreateSubscription(ctx, sub); err != nil {
		t.Fatal(err)
	}
	return sub
}

func TestScanScheduledTasks(t *testing.T) {
	db := setupTestDB(t)
	q := jobs.NewQueue(db, jobs.QueueOptions{})
	user := seedUser(t, db)
	ctx := context.Background()

	st := &models.ScheduledTask{UserID: user.ID, Name: "nightly", RepoURL: "https://github.com/acme/web", Prompt: "update deps", Schedule: "0 3 * * *", Enabled: true}
	if err := db.CreateScheduledTask(ctx, st); err != nil {
		t.Fatal(err)
	}

	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	s := New(db, q, Options{Now: func() time.Time { return now }})

	// First sight only computes the next run.
	n, err := s.ScanScheduledTasks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("enqueued %d jobs for a task without next_run_at", n)
	}
	got, err := db.GetScheduledTask(ctx, st.ID)
	if err != nil {
		t.Fatal(err)
	}
	wantNext := time.Date(2026, 5, 11, 3, 0, 0, 0, time.UTC)
	if got.NextRunAt == nil || !got.NextRunAt.Equal(wantNext) {
		t.Fatalf("next_run_at = %v, want %v", got.NextRunAt, wantNext)
	}

	now = time.Date(2026, 5, 11, 3, 0, 30, 0, time.UTC)
	n, err = s.ScanScheduledTasks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("enqueued %d jobs, want 1", n)
	}
	job, err := q.Status(ctx, ScheduledTaskKey(st.ID, wantNext))
	if err != nil {
		t.Fatal(err)
	}
	if job == nil || job.Kind != models.JobKindScheduledTask {
		t.Fatalf("expected scheduled_task job, got %+v", job)
	}
	var payload models.ScheduledTaskPayload
	if err := jobs.DecodePayload(job, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.ScheduledTaskID != st.ID || !payload.ScheduledFor.Equal(wantNext) {
		t.Fatalf("unexpected payload %+v", payload)
	}

	// The run advanced, so scanning again at the same instant enqueues nothing.
	n, err = s.ScanScheduledTasks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("second scan enqueued %d jobs", n)
	}
	got, err = db.GetScheduledTask(ctx, st.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.LastRunAt == nil || got.NextRunAt == nil || !got.NextRunAt.Equal(time.Date(2026, 5, 12, 3, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected run bookkeeping last=%v next=%v", got.LastRunAt, got.NextRunAt)
	}
}

func TestScanSkipsInvalidSchedule(t *testing.T) {
	db := setupTestDB(t)
	user := seedUser(t, db)
	ctx := context.Background()
	past := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	st := &models.ScheduledTask{UserID: user.ID, Name: "broken", RepoURL: "https://github.com/acme/web", Prompt: "x", Schedule: "every tuesday", Enabled: true, NextRunAt: &past}
	if err := db.CreateScheduledTask(ctx, st); err != nil {
		t.Fatal(err)
	}
	s := New(db, jobs.NewQueue(db, jobs.QueueOptions{}), Options{})
	n, err := s.ScanScheduledTasks(ctx)
	if err != nil || n != 0 {
		t.Fatalf("ScanScheduledTasks = %d, %v", n, err)
	}
}

func TestReconcileFailsStaleDeployments(t *testing.T) {
	db := setupTestDB(t)
	q := jobs.NewQueue(db, jobs.QueueOptions{})
	sub := seedSubscription(t, db)
	ctx := context.Background()

	stuck := &models.Deployment{SubscriptionID: sub.ID, PlatformDeploymentID: "dpl_stuck", WebhookDeliveryID: "dlv_stuck"}
	live := &models.Deployment{SubscriptionID: sub.ID, PlatformDeploymentID: "dpl_live", WebhookDeliveryID: "dlv_live"}
	pending := &models.Deployment{SubscriptionID: sub.ID, PlatformDeploymentID: "dpl_pending", WebhookDeliveryID: "dlv_pending"}
	for _, d := range []*models.Deployment{stuck, live, pending} {
		if _, err := db.CreateDeploymentIfAbsent(ctx, d); err != nil {
			t.Fatal(err)
		}
	}
	for _, d := range []*models.Deployment{stuck, live} {
		if err := db.TransitionDeployment(ctx, d.ID, models.FixStatusAnalyzing, ""); err != nil {
			t.Fatal(err)
		}
	}
	// The live deployment's webhook job is still queued.
	if _, _, err := q.Enqueue(ctx, models.JobKindDeploymentFix, models.DeploymentFixPayload{DeploymentID: live.ID}, jobs.Idempotency{Key: jobs.WebhookKey(models.ProviderVercel, live.WebhookDeliveryID)}); err != nil {
		t.Fatal(err)
	}

	later := time.Now().Add(3 * time.Hour)
	s := New(db, q, Options{StaleAfter: 2 * time.Hour, Now: func() time.Time { return later }})
	res, err := s.Reconcile(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.FailedDeployments != 1 {
		t.Fatalf("failed %d deployments, want 1", res.FailedDeployments)
	}

	got, err := db.GetDeployment(ctx, stuck.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.FixStatus != models.FixStatusFailed || got.ErrorMessage != StaleMessage {
		t.Fatalf("stuck deployment = %s %q", got.FixStatus, got.ErrorMessage)
	}
	if got, _ := db.GetDeployment(ctx, live.ID); got.FixStatus != models.FixStatusAnalyzing {
		t.Fatalf("deployment with a live job was failed: %s", got.FixStatus)
	}
	if got, _ := db.GetDeployment(ctx, pending.ID); got.FixStatus != models.FixStatusPending {
		t.Fatalf("pending deployment changed: %s", got.FixStatus)
	}
}

func TestReconcileLeavesRecentDeployments(t *testing.T) {
	db := setupTestDB(t)
	q := jobs.NewQueue(db, jobs.QueueOptions{})
	sub := seedSubscription(t, db)
	ctx := context.Background()

	d := &models.Deployment{SubscriptionID: sub.ID, PlatformDeploymentID: "dpl_new", WebhookDeliveryID: "dlv_new"}
	if _, err := db.CreateDeploymentIfAbsent(ctx, d); err != nil {
		t.Fatal(err)
	}
	if err := db.TransitionDeployment(ctx, d.ID, models.FixStatusAnalyzing, ""); err != nil {
		t.Fatal(err)
	}
	res, err := New(db, q, Options{StaleAfter: 2 * time.Hour}).Reconcile(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.FailedDeployments != 0 {
		t.Fatalf("failed %d fresh deployments", res.FailedDeployments)
	}
}

func TestSchedulerStartStop(t *testing.T) {
	db := setupTestDB(t)
	s := New(db, jobs.NewQueue(db, jobs.QueueOptions{}), Options{ScanSpec: "@every 1h", ReconcileSpec: "@every 1h"})
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatal(err)
	}

	bad := New(db, jobs.NewQueue(db, jobs.QueueOptions{}), Options{ScanSpec: "not a spec"})
	if err := bad.Start(context.Background()); err == nil {
		t.Fatal("expected invalid spec to be rejected")
	}
}
