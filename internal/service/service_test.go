package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/odvcencio/deployfix/internal/database"
	"github.com/odvcencio/deployfix/internal/jobs"
	"github.com/odvcencio/deployfix/internal/models"
	"github.com/odvcencio/deployfix/internal/secrets"
	"github.com/odvcencio/deployfix/internal/webhook"
)

const (
	vercelSecret   = "vercel-hook-secret"
	githubSecret   = "github-hook-secret"
	callbackSecret = "agent-callback-secret"
)

type fixture struct {
	db    database.DB
	queue *jobs.Queue
	svc   *Service
	user  *models.User
	sub   *models.Subscription
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.Migrate(ctx); err != nil {
		t.Fatal(err)
	}
	box, err := secrets.FromMasterKey("service-test-master-key")
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{db: db, queue: jobs.NewQueue(db, jobs.QueueOptions{})}

	f.user = &models.User{Username: "alice", Email: "alice@example.com"}
	if err := db.CreateUser(ctx, f.user); err != nil {
		t.Fatal(err)
	}
	integration := &models.Integration{UserID: f.user.ID, Provider: models.ProviderVercel, AccessToken: "sealed"}
	if err := db.CreateIntegration(ctx, integration); err != nil {
		t.Fatal(err)
	}
	sealed, err := box.Seal(vercelSecret)
	if err != nil {
		t.Fatal(err)
	}
	f.sub = &models.Subscription{
		IntegrationID:     integration.ID,
		ProjectID:         "prj_web",
		ProjectName:       "web",
		RepoOwner:         "acme",
		RepoName:          "web",
		AutoFixEnabled:    true,
		AutoReviewEnabled: true,
		MaxFixAttempts:    2,
		WebhookSecret:     sealed,
		Active:            true,
	}
	if err := db.CreateSubscription(ctx, f.sub); err != nil {
		t.Fatal(err)
	}

	f.svc, err = New(Options{
		DB:                  db,
		Queue:               f.queue,
		Secrets:             box,
		GitHubWebhookSecret: githubSecret,
		AgentCallbackSecret: callbackSecret,
	})
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func signVercel(body []byte) string {
	mac := hmac.New(sha1.New, []byte(vercelSecret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func vercelBody(deliveryID, eventType, deploymentID string) []byte {
	return fmt.Appendf(nil, `{
		"id": %q,
		"type": %q,
		"createdAt": 1760000000000,
		"payload": {
			"project": {"id": "prj_web"},
			"deployment": {
				"id": %q,
				"name": "web",
				"url": "web-abc.vercel.app",
				"meta": {"githubCommitRef": "main", "githubCommitSha": "deadbeef"}
			}
		}
	}`, deliveryID, eventType, deploymentID)
}

func TestIngestVercelQueuesFix(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	body := vercelBody("dlv_1", "deployment.error", "dpl_1")

	res, err := f.svc.IngestVercel(ctx, body, signVercel(body))
	if err != nil {
		t.Fatal(err)
	}
	if res.Action != ActionQueued || res.DeploymentID == "" {
		t.Fatalf("unexpected result %+v", res)
	}

	d, err := f.db.GetDeployment(ctx, res.DeploymentID)
	if err != nil {
		t.Fatal(err)
	}
	want := models.Deployment{
		SubscriptionID:       f.sub.ID,
		PlatformDeploymentID: "dpl_1",
		WebhookDeliveryID:    "dlv_1",
		DeploymentURL:        "https://web-abc.vercel.app",
		ProjectName:          "web",
		GitBranch:            "main",
		GitCommitSHA:         "deadbeef",
		FixStatus:            models.FixStatusPending,
		FixAttemptNumber:     1,
	}
	got := models.Deployment{
		SubscriptionID:       d.SubscriptionID,
		PlatformDeploymentID: d.PlatformDeploymentID,
		WebhookDeliveryID:    d.WebhookDeliveryID,
		DeploymentURL:        d.DeploymentURL,
		ProjectName:          d.ProjectName,
		GitBranch:            d.GitBranch,
		GitCommitSHA:         d.GitCommitSHA,
		FixStatus:            d.FixStatus,
		FixAttemptNumber:     d.FixAttemptNumber,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("deployment mismatch (-want +got):\n%s", diff)
	}

	job, err := f.queue.Status(ctx, jobs.WebhookKey(models.ProviderVercel, "dlv_1"))
	if err != nil {
		t.Fatal(err)
	}
	if job == nil || job.Kind != models.JobKindDeploymentFix {
		t.Fatalf("expected deployment_fix job, got %+v", job)
	}
	var payload models.DeploymentFixPayload
	if err := jobs.DecodePayload(job, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.DeploymentID != d.ID {
		t.Fatalf("payload deployment = %q, want %q", payload.DeploymentID, d.ID)
	}
}

func TestIngestVercelDuplicateDeployment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := vercelBody("dlv_1", "deployment.error", "dpl_1")
	if _, err := f.svc.IngestVercel(ctx, first, signVercel(first)); err != nil {
		t.Fatal(err)
	}
	// A redelivery under a new delivery id for the same deployment.
	second := vercelBody("dlv_2", "deployment.error", "dpl_1")
	res, err := f.svc.IngestVercel(ctx, second, signVercel(second))
	if err != nil {
		t.Fatal(err)
	}
	if res.Action != ActionDuplicate {
		t.Fatalf("action = %q, want %q", res.Action, ActionDuplicate)
	}
	if job, _ := f.queue.Status(ctx, jobs.WebhookKey(models.ProviderVercel, "dlv_2")); job != nil {
		t.Fatalf("duplicate delivery enqueued job %d", job.ID)
	}
}

func TestIngestVercelOutcomes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ready := vercelBody("dlv_ready", "deployment.succeeded", "dpl_ready")
	res, err := f.svc.IngestVercel(ctx, ready, signVercel(ready))
	if err != nil || res.Action != ActionIgnored {
		t.Fatalf("non-error event = %+v, %v", res, err)
	}

	legacy := vercelBody("dlv_legacy", "deployment-error", "dpl_legacy")
	res, err = f.svc.IngestVercel(ctx, legacy, signVercel(legacy))
	if err != nil || res.Action != ActionQueued {
		t.Fatalf("legacy event = %+v, %v", res, err)
	}

	other := []byte(`{"id":"dlv_x","type":"deployment.error","payload":{"projectId":"prj_other","deployment":{"id":"dpl_x"}}}`)
	res, err = f.svc.IngestVercel(ctx, other, "")
	if err != nil || res.Action != ActionNoSubscription {
		t.Fatalf("unknown project = %+v, %v", res, err)
	}

	body := vercelBody("dlv_sig", "deployment.error", "dpl_sig")
	if _, err := f.svc.IngestVercel(ctx, body, signVercel([]byte("other body"))); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("bad signature error = %v", err)
	}
	if job, _ := f.queue.Status(ctx, jobs.WebhookKey(models.ProviderVercel, "dlv_sig")); job != nil {
		t.Fatalf("rejected delivery enqueued job %d", job.ID)
	}
	// Nothing was recorded, so the properly signed delivery is not a duplicate.
	res, err = f.svc.IngestVercel(ctx, body, signVercel(body))
	if err != nil || res.Action != ActionQueued {
		t.Fatalf("signed redelivery = %+v, %v", res, err)
	}
	if _, err := f.svc.IngestVercel(ctx, []byte(`{"id":`), ""); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("malformed body error = %v", err)
	}
	if _, err := f.svc.IngestVercel(ctx, []byte(`{"id":"dlv","payload":{"projectId":"prj_web"}}`), ""); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("missing type error = %v", err)
	}
}

func TestIngestVercelAccountEventWithoutProject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	body := []byte(`{"id":"dlv_i","type":"integration-configuration.removed","payload":{"configuration":{"id":"icfg_1"}}}`)
	res, err := f.svc.IngestVercel(ctx, body, "")
	if err != nil || res.Action != ActionIgnored {
		t.Fatalf("account-level event = %+v, %v", res, err)
	}

	noProject := []byte(`{"id":"dlv_np","type":"deployment.error","payload":{"deployment":{"id":"dpl_np"}}}`)
	if _, err := f.svc.IngestVercel(ctx, noProject, ""); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("deployment error without project = %v", err)
	}
}

func TestIngestVercelConcurrentIdenticalDeliveries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	body := vercelBody("dlv_burst", "deployment.error", "dpl_burst")
	sig := signVercel(body)

	const deliveries = 24
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		actions = map[string]int{}
		errs    []error
	)
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.IngestVercel(ctx, body, sig)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			actions[res.Action]++
		}()
	}
	wg.Wait()

	if len(errs) > 0 {
		t.Fatalf("%d deliveries failed, first: %v", len(errs), errs[0])
	}
	if diff := cmp.Diff(map[string]int{ActionQueued: 1, ActionDuplicate: deliveries - 1}, actions); diff != "" {
		t.Fatalf("actions mismatch (-want +got):\n%s", diff)
	}

	pending, err := f.db.ListStaleDeployments(ctx, []models.FixStatus{models.FixStatusPending}, time.Now().Add(time.Hour), 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].PlatformDeploymentID != "dpl_burst" {
		t.Fatalf("expected one recorded deployment, got %d", len(pending))
	}
	stats, err := f.db.JobQueueStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Queued != 1 {
		t.Fatalf("queued jobs = %d, want 1", stats.Queued)
	}
}

func TestIngestVercelAutoFixDisabled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	box, err := secrets.FromMasterKey("service-test-master-key")
	if err != nil {
		t.Fatal(err)
	}
	sealed, err := box.Seal(vercelSecret)
	if err != nil {
		t.Fatal(err)
	}
	sub := &models.Subscription{
		IntegrationID: f.sub.IntegrationID,
		ProjectID:     "prj_quiet",
		RepoOwner:     "acme",
		RepoName:      "quiet",
		WebhookSecret: sealed,
		Active:        true,
	}
	if err := f.db.CreateSubscription(ctx, sub); err != nil {
		t.Fatal(err)
	}
	body := []byte(`{"id":"dlv_q","type":"deployment.error","payload":{"projectId":"prj_quiet","deployment":{"id":"dpl_q"}}}`)
	res, err := f.svc.IngestVercel(ctx, body, signVercel(body))
	if err != nil {
		t.Fatal(err)
	}
	if res.Action != ActionAutoFixDisabled {
		t.Fatalf("action = %q, want %q", res.Action, ActionAutoFixDisabled)
	}
}

func TestIngestVercelMissingSecret(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := &models.Subscription{IntegrationID: f.sub.IntegrationID, ProjectID: "prj_nosecret", RepoOwner: "acme", RepoName: "x", AutoFixEnabled: true, Active: true}
	if err := f.db.CreateSubscription(ctx, sub); err != nil {
		t.Fatal(err)
	}
	body := []byte(`{"id":"dlv_n","type":"deployment.error","payload":{"projectId":"prj_nosecret","deployment":{"id":"dpl_n"}}}`)
	if _, err := f.svc.IngestVercel(ctx, body, signVercel(body)); !errors.Is(err, ErrSecretUnavailable) {
		t.Fatalf("error = %v, want %v", err, ErrSecretUnavailable)
	}
}

func pullRequestBody(action string, merged bool, url string) []byte {
	return fmt.Appendf(nil, `{
		"action": %q,
		"number": 3,
		"pull_request": {
			"number": 3,
			"title": "Add search",
			"html_url": %q,
			"merged": %t,
			"head": {"ref": "feature/search", "sha": "abc123"},
			"base": {"ref": "main"}
		},
		"repository": {"name": "web", "owner": {"login": "acme"}}
	}`, action, url, merged)
}

func TestIngestGitHubQueuesReview(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	body := pullRequestBody("opened", false, "https://github.com/acme/web/pull/3")
	in := GitHubDelivery{Event: "pull_request", DeliveryID: "gh_1", Signature: webhook.SignSHA256(githubSecret, body), Body: body}

	res, err := f.svc.IngestGitHub(ctx, in)
	if err != nil {
		t.Fatal(err)
	}
	if res.Action != ActionQueued {
		t.Fatalf("action = %q, want %q", res.Action, ActionQueued)
	}
	job, err := f.queue.Status(ctx, jobs.WebhookKey(models.ProviderGitHub, "gh_1"))
	if err != nil || job == nil {
		t.Fatalf("review job = %+v, %v", job, err)
	}
	var payload models.PRReviewPayload
	if err := jobs.DecodePayload(job, &payload); err != nil {
		t.Fatal(err)
	}
	want := models.PRReviewPayload{
		SubscriptionID: f.sub.ID,
		PRNumber:       3,
		PRTitle:        "Add search",
		PRURL:          "https://github.com/acme/web/pull/3",
		HeadBranch:     "feature/search",
		HeadSHA:        "abc123",
		BaseBranch:     "main",
	}
	if diff := cmp.Diff(want, payload); diff != "" {
		t.Fatalf("payload mismatch (-want +got):\n%s", diff)
	}

	res, err = f.svc.IngestGitHub(ctx, in)
	if err != nil || res.Action != ActionDuplicate {
		t.Fatalf("redelivery = %+v, %v", res, err)
	}
}

func TestIngestGitHubRejectsAndIgnores(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	body := pullRequestBody("opened", false, "https://github.com/acme/web/pull/3")

	_, err := f.svc.IngestGitHub(ctx, GitHubDelivery{Event: "pull_request", DeliveryID: "gh_1", Signature: webhook.SignSHA256("wrong", body), Body: body})
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("bad signature error = %v", err)
	}

	ping := []byte(`{"zen":"Keep it logically awesome."}`)
	res, err := f.svc.IngestGitHub(ctx, GitHubDelivery{Event: "ping", DeliveryID: "gh_2", Signature: webhook.SignSHA256(githubSecret, ping), Body: ping})
	if err != nil || res.Action != ActionIgnored {
		t.Fatalf("ping = %+v, %v", res, err)
	}

	labeled := pullRequestBody("labeled", false, "https://github.com/acme/web/pull/3")
	res, err = f.svc.IngestGitHub(ctx, GitHubDelivery{Event: "pull_request", DeliveryID: "gh_3", Signature: webhook.SignSHA256(githubSecret, labeled), Body: labeled})
	if err != nil || res.Action != ActionIgnored {
		t.Fatalf("labeled = %+v, %v", res, err)
	}

	noSecret, err := New(Options{DB: f.db, Queue: f.queue, Secrets: f.svc.box})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := noSecret.IngestGitHub(ctx, GitHubDelivery{Event: "pull_request", Body: body}); !errors.Is(err, ErrSecretUnavailable) {
		t.Fatalf("unconfigured secret error = %v", err)
	}
}

// openFixPR drives a deployment to pr_created with the given pull request URL.
func (f *fixture) openFixPR(t *testing.T, platformID, prURL string) *models.Deployment {
	t.Helper()
	ctx := context.Background()
	d := f.fixingDeployment(t, platformID)
	if err := f.db.MarkDeploymentPRCreated(ctx, d.ID, models.PRInfo{URL: prURL, Number: 9, BranchName: "deployfix/abc"}); err != nil {
		t.Fatal(err)
	}
	return d
}

func (f *fixture) fixingDeployment(t *testing.T, platformID string) *models.Deployment {
	t.Helper()
	ctx := context.Background()
	d := &models.Deployment{SubscriptionID: f.sub.ID, PlatformDeploymentID: platformID, WebhookDeliveryID: "dlv_" + platformID}
	if _, err := f.db.CreateDeploymentIfAbsent(ctx, d); err != nil {
		t.Fatal(err)
	}
	if err := f.db.TransitionDeployment(ctx, d.ID, models.FixStatusAnalyzing, ""); err != nil {
		t.Fatal(err)
	}
	task := &models.Task{UserID: f.user.ID, Kind: models.TaskKindDeploymentFix, Prompt: "fix it", RepoURL: f.sub.RepoURL(), Provider: "test"}
	if err := f.db.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	if err := f.db.MarkDeploymentFixing(ctx, d.ID, task.ID); err != nil {
		t.Fatal(err)
	}
	d.TaskID = task.ID
	return d
}

func TestIngestGitHubRecordsMerge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	prURL := "https://github.com/acme/web/pull/9"
	d := f.openFixPR(t, "dpl_merge", prURL)

	body := pullRequestBody("closed", true, prURL)
	in := GitHubDelivery{Event: "pull_request", DeliveryID: "gh_m", Signature: webhook.SignSHA256(githubSecret, body), Body: body}
	res, err := f.svc.IngestGitHub(ctx, in)
	if err != nil {
		t.Fatal(err)
	}
	if res.Action != ActionMerged || res.DeploymentID != d.ID {
		t.Fatalf("unexpected result %+v", res)
	}
	got, err := f.db.GetDeployment(ctx, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.FixStatus != models.FixStatusMerged {
		t.Fatalf("status = %s, want merged", got.FixStatus)
	}

	// Merged deployments stay merged.
	res, err = f.svc.IngestGitHub(ctx, in)
	if err != nil || res.Action != ActionIgnored {
		t.Fatalf("second merge = %+v, %v", res, err)
	}
}

func TestCompleteTaskQueuesPullRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.fixingDeployment(t, "dpl_done")

	body := []byte(`{"success":true,"branchName":"deployfix/fix-1","summary":"fixed types","details":"changed page.tsx"}`)
	in := TaskCallback{TaskID: d.TaskID, Signature: webhook.SignSHA256(callbackSecret, body), Body: body}
	res, err := f.svc.CompleteTask(ctx, in)
	if err != nil {
		t.Fatal(err)
	}
	if res.Action != ActionQueued || res.DeploymentID != d.ID {
		t.Fatalf("unexpected result %+v", res)
	}
	job, err := f.queue.Status(ctx, jobs.TaskCompleteKey(d.TaskID))
	if err != nil || job == nil {
		t.Fatalf("create_pr job = %+v, %v", job, err)
	}
	var payload models.CreatePRPayload
	if err := jobs.DecodePayload(job, &payload); err != nil {
		t.Fatal(err)
	}
	want := models.CreatePRPayload{
		DeploymentID: d.ID,
		TaskID:       d.TaskID,
		Result:       models.TaskResult{Success: true, BranchName: "deployfix/fix-1", Summary: "fixed types", Details: "changed page.tsx"},
	}
	if diff := cmp.Diff(want, payload); diff != "" {
		t.Fatalf("payload mismatch (-want +got):\n%s", diff)
	}

	// A later conflicting callback keeps the first result.
	late := []byte(`{"success":false,"error":"late"}`)
	res, err = f.svc.CompleteTask(ctx, TaskCallback{TaskID: d.TaskID, Signature: webhook.SignSHA256(callbackSecret, late), Body: late})
	if err != nil {
		t.Fatal(err)
	}
	if res.Action != ActionDuplicate {
		t.Fatalf("repeat callback action = %q", res.Action)
	}
	task, err := f.db.GetTask(ctx, d.TaskID)
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != models.TaskStatusCompleted || task.Error != "" {
		t.Fatalf("task overwritten: %+v", task)
	}
}

func TestCompleteTaskErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	body := []byte(`{"success":true}`)

	if _, err := f.svc.CompleteTask(ctx, TaskCallback{TaskID: "missing", Signature: webhook.SignSHA256("wrong", body), Body: body}); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("bad signature error = %v", err)
	}
	if _, err := f.svc.CompleteTask(ctx, TaskCallback{TaskID: "missing", Signature: webhook.SignSHA256(callbackSecret, body), Body: body}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown task error = %v", err)
	}
	bad := []byte(`not json`)
	if _, err := f.svc.CompleteTask(ctx, TaskCallback{TaskID: "missing", Signature: webhook.SignSHA256(callbackSecret, bad), Body: bad}); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("malformed body error = %v", err)
	}

	review := &models.Task{UserID: f.user.ID, Kind: models.TaskKindPRReview, Prompt: "review", RepoURL: f.sub.RepoURL(), Provider: "test"}
	if err := f.db.CreateTask(ctx, review); err != nil {
		t.Fatal(err)
	}
	res, err := f.svc.CompleteTask(ctx, TaskCallback{TaskID: review.ID, Signature: webhook.SignSHA256(callbackSecret, body), Body: body})
	if err != nil || res.Action != ActionRecorded {
		t.Fatalf("review task completion = %+v, %v", res, err)
	}
}

func TestRetryDeployment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.fixingDeployment(t, "dpl_retry")

	if _, err := f.svc.RetryDeployment(ctx, f.user.ID, d.ID); !errors.Is(err, ErrNotRetryable) {
		t.Fatalf("retry of fixing deployment error = %v", err)
	}
	if err := f.db.TransitionDeployment(ctx, d.ID, models.FixStatusFailed, "agent task failed"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.RetryDeployment(ctx, f.user.ID+1, d.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("retry by another user error = %v", err)
	}

	got, err := f.svc.RetryDeployment(ctx, f.user.ID, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.FixStatus != models.FixStatusPending || got.FixAttemptNumber != 2 || got.TaskID != "" || got.ErrorMessage != "" {
		t.Fatalf("unexpected reset deployment %+v", got)
	}
	job, err := f.queue.Status(ctx, jobs.RetryKey(d.ID, 2))
	if err != nil || job == nil || job.Kind != models.JobKindDeploymentFix {
		t.Fatalf("retry job = %+v, %v", job, err)
	}

	// MaxFixAttempts is 2 for the fixture subscription.
	if err := f.db.TransitionDeployment(ctx, d.ID, models.FixStatusFailed, "again"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.RetryDeployment(ctx, f.user.ID, d.ID); !errors.Is(err, ErrAttemptsExhausted) {
		t.Fatalf("exhausted retry error = %v", err)
	}
}

func TestGetDeploymentOwnership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.fixingDeployment(t, "dpl_read")

	got, err := f.svc.GetDeployment(ctx, f.user.ID, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != d.ID || got.FixStatus != models.FixStatusFixing {
		t.Fatalf("unexpected deployment %+v", got)
	}
	if _, err := f.svc.GetDeployment(ctx, f.user.ID+1, d.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("foreign read error = %v", err)
	}
	if _, err := f.svc.GetDeployment(ctx, f.user.ID, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing deployment error = %v", err)
	}
}
