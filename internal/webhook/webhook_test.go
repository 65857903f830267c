package webhook

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"strings"
	"testing"
)

func vercelSign(secret string, body []byte) string {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifyVercelSignature(t *testing.T) {
	body := []byte(`{"id":"evt_1","type":"deployment.error"}`)
	good := vercelSign("s3cret", body)

	tests := []struct {
		name   string
		body   []byte
		header string
		secret string
		want   bool
	}{
		{name: "valid", body: body, header: good, secret: "s3cret", want: true},
		{name: "uppercase hex", body: body, header: strings.ToUpper(good), secret: "s3cret", want: true},
		{name: "wrong secret", body: body, header: good, secret: "other", want: false},
		{name: "tampered body", body: append([]byte(" "), body...), header: good, secret: "s3cret", want: false},
		{name: "missing header", body: body, header: "", secret: "s3cret", want: false},
		{name: "missing secret", body: body, header: good, secret: "", want: false},
		{name: "malformed hex", body: body, header: "zz" + good[2:], secret: "s3cret", want: false},
		{name: "sha256 digest rejected", body: body, header: strings.TrimPrefix(SignSHA256("s3cret", body), "sha256="), secret: "s3cret", want: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := VerifyVercelSignature(tc.body, tc.header, tc.secret); got != tc.want {
				t.Fatalf("VerifyVercelSignature = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestVerifyGitHubSignature(t *testing.T) {
	body := []byte(`{"action":"opened"}`)
	good := SignSHA256("gh-secret", body)

	if !VerifyGitHubSignature(body, good, "gh-secret") {
		t.Fatal("expected valid signature")
	}
	if VerifyGitHubSignature(body, good, "nope") {
		t.Fatal("expected wrong secret to fail")
	}
	if VerifyGitHubSignature(body, strings.TrimPrefix(good, "sha256="), "gh-secret") {
		t.Fatal("expected missing prefix to fail")
	}
	if VerifyGitHubSignature(body, "sha1="+vercelSign("gh-secret", body), "gh-secret") {
		t.Fatal("expected sha1 signature to be rejected")
	}
	if VerifyGitHubSignature(body, "sha256=not-hex", "gh-secret") {
		t.Fatal("expected malformed hex to fail")
	}
	if VerifyGitHubSignature(body, good, "") {
		t.Fatal("expected missing secret to fail")
	}
}

func TestSignAndVerifySHA256(t *testing.T) {
	body := []byte(`{"success":true}`)
	sig := SignSHA256("agent", body)
	if !strings.HasPrefix(sig, "sha256=") {
		t.Fatalf("signature %q missing prefix", sig)
	}
	if !VerifySHA256(body, sig, "agent") {
		t.Fatal("expected signature to verify")
	}
	if VerifySHA256([]byte(`{"success":false}`), sig, "agent") {
		t.Fatal("expected modified body to fail")
	}
	if VerifySHA256(body, sig, "") {
		t.Fatal("expected empty secret to fail")
	}
}

func TestParseVercelEvent(t *testing.T) {
	body := []byte(`{
		"id": "evt_1",
		"type": "deployment.error",
		"payload": {
			"project": {"id": "prj_1"},
			"deployment": {
				"id": "dpl_1",
				"name": "web",
				"url": "web-abc.vercel.app",
				"meta": {"githubCommitRef": "main", "githubCommitSha": "abc123"}
			}
		}
	}`)
	evt, err := ParseVercelEvent(body)
	if err != nil {
		t.Fatal(err)
	}
	if !evt.IsDeploymentError() || evt.ProjectID() != "prj_1" || evt.DeploymentID() != "dpl_1" {
		t.Fatalf("unexpected event %+v", evt)
	}
	if evt.GitBranch() != "main" || evt.GitCommitSHA() != "abc123" {
		t.Fatalf("unexpected git meta %q %q", evt.GitBranch(), evt.GitCommitSHA())
	}
	if evt.DeploymentURL() != "https://web-abc.vercel.app" {
		t.Fatalf("DeploymentURL = %q", evt.DeploymentURL())
	}
}

func TestParseVercelEventLegacyProjectField(t *testing.T) {
	evt, err := ParseVercelEvent([]byte(`{"id":"evt_2","type":"deployment-error","payload":{"projectId":"prj_2"}}`))
	if err != nil {
		t.Fatal(err)
	}
	if evt.ProjectID() != "prj_2" || !evt.IsDeploymentError() || evt.DeploymentID() != "" {
		t.Fatalf("unexpected event %+v", evt)
	}
}

func TestParseVercelEventRejectsBadInput(t *testing.T) {
	if _, err := ParseVercelEvent([]byte(`not json`)); err == nil {
		t.Fatal("expected invalid JSON to fail")
	}
	for _, body := range []string{
		`{"type":"deployment.error","payload":{"projectId":"p"}}`,
		`{"id":"e","payload":{"projectId":"p"}}`,
		`{"id":"e","type":"deployment.error","payload":{}}`,
	} {
		if _, err := ParseVercelEvent([]byte(body)); !errors.Is(err, ErrMissingField) {
			t.Fatalf("ParseVercelEvent(%s): expected ErrMissingField, got %v", body, err)
		}
	}
}

func TestParseVercelEventAccountLevelType(t *testing.T) {
	evt, err := ParseVercelEvent([]byte(`{"id":"dlv_i","type":"integration-configuration.removed","payload":{"configuration":{"id":"icfg_1"}}}`))
	if err != nil {
		t.Fatalf("ParseVercelEvent: %v", err)
	}
	if evt.ProjectID() != "" || evt.IsDeploymentError() {
		t.Fatalf("unexpected event %+v", evt)
	}
}

func TestParseGitHubPullRequest(t *testing.T) {
	body := []byte(`{
		"action": "closed",
		"number": 7,
		"pull_request": {
			"number": 7,
			"title": "Fix build",
			"html_url": "https://github.com/acme/web/pull/7",
			"merged": true,
			"head": {"ref": "deployfix/abc", "sha": "deadbeef"},
			"base": {"ref": "main"}
		},
		"repository": {"name": "web", "owner": {"login": "acme"}}
	}`)
	evt, err := ParseGitHubPullRequest("pull_request", body)
	if err != nil {
		t.Fatal(err)
	}
	if !evt.IsMerge() || evt.WantsReview() {
		t.Fatalf("unexpected classification for %+v", evt)
	}
	if evt.RepoOwner != "acme" || evt.RepoName != "web" || evt.HeadBranch != "deployfix/abc" || evt.URL != "https://github.com/acme/web/pull/7" {
		t.Fatalf("unexpected event %+v", evt)
	}

	ignored, err := ParseGitHubPullRequest("push", body)
	if err != nil || ignored != nil {
		t.Fatalf("non pull_request events must be ignored, got %+v %v", ignored, err)
	}
	if _, err := ParseGitHubPullRequest("pull_request", []byte(`{"action":"opened"}`)); !errors.Is(err, ErrMissingField) {
		t.Fatalf("expected ErrMissingField, got %v", err)
	}
}
