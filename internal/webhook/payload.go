package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/go-github/v84/github"
)

// Vercel event types that start a fix. The hyphenated form is the legacy name.
const (
	VercelDeploymentError       = "deployment.error"
	vercelLegacyDeploymentError = "deployment-error"
)

var ErrMissingField = errors.New("webhook payload missing required field")

// VercelEvent is the subset of a Vercel webhook delivery the service reads.
type VercelEvent struct {
	ID        string        `json:"id"`
	Type      string        `json:"type"`
	CreatedAt int64         `json:"createdAt"`
	Payload   VercelPayload `json:"payload"`
}

type VercelPayload struct {
	ProjectID  string            `json:"projectId"`
	Project    *vercelRef        `json:"project,omitempty"`
	Deployment *VercelDeployment `json:"deployment,omitempty"`
	Target     string            `json:"target,omitempty"`
}

type vercelRef struct {
	ID string `json:"id"`
}

type VercelDeployment struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	URL  string         `json:"url"`
	Meta map[string]any `json:"meta,omitempty"`
}

// ParseVercelEvent decodes a delivery and checks the fields every event carries.
// Only deployment errors must name a project; other event types may be
// account-level.
func ParseVercelEvent(body []byte) (*VercelEvent, error) {
	var evt VercelEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		return nil, fmt.Errorf("decode vercel event: %w", err)
	}
	evt.ID = strings.TrimSpace(evt.ID)
	evt.Type = strings.TrimSpace(evt.Type)
	if evt.ID == "" {
		return nil, fmt.Errorf("%w: id", ErrMissingField)
	}
	if evt.Type == "" {
		return nil, fmt.Errorf("%w: type", ErrMissingField)
	}
	if evt.IsDeploymentError() && evt.ProjectID() == "" {
		return nil, fmt.Errorf("%w: payload.project.id", ErrMissingField)
	}
	return &evt, nil
}

func (e *VercelEvent) ProjectID() string {
	if e.Payload.Project != nil && e.Payload.Project.ID != "" {
		return e.Payload.Project.ID
	}
	return e.Payload.ProjectID
}

// IsDeploymentError reports whether the event is a failed deployment.
func (e *VercelEvent) IsDeploymentError() bool {
	return e.Type == VercelDeploymentError || e.Type == vercelLegacyDeploymentError
}

// DeploymentID returns the provider deployment id, or "" when absent.
func (e *VercelEvent) DeploymentID() string {
	if e.Payload.Deployment == nil {
		return ""
	}
	return strings.TrimSpace(e.Payload.Deployment.ID)
}

func (e *VercelEvent) GitBranch() string {
	return e.meta("githubCommitRef")
}

func (e *VercelEvent) GitCommitSHA() string {
	return e.meta("githubCommitSha")
}

func (e *VercelEvent) DeploymentURL() string {
	if e.Payload.Deployment == nil || e.Payload.Deployment.URL == "" {
		return ""
	}
	url := e.Payload.Deployment.URL
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "https://" + url
	}
	return url
}

func (e *VercelEvent) DeploymentName() string {
	if e.Payload.Deployment == nil {
		return ""
	}
	return e.Payload.Deployment.Name
}

func (e *VercelEvent) meta(key string) string {
	if e.Payload.Deployment == nil {
		return ""
	}
	v, _ := e.Payload.Deployment.Meta[key].(string)
	return v
}

// PullRequestEvent is the flattened view of a GitHub pull_request delivery.
type PullRequestEvent struct {
	Action     string
	Number     int
	Title      string
	URL        string
	HeadBranch string
	HeadSHA    string
	BaseBranch string
	Merged     bool
	RepoOwner  string
	RepoName   string
}

// ParseGitHubPullRequest decodes a pull_request delivery. Other event types
// return (nil, nil) so callers can acknowledge and ignore them.
func ParseGitHubPullRequest(eventType string, body []byte) (*PullRequestEvent, error) {
	if eventType != "pull_request" {
		return nil, nil
	}
	parsed, err := github.ParseWebHook(eventType, body)
	if err != nil {
		return nil, fmt.Errorf("decode github event: %w", err)
	}
	evt, ok := parsed.(*github.PullRequestEvent)
	if !ok || evt.PullRequest == nil || evt.Repo == nil {
		return nil, fmt.Errorf("%w: pull_request", ErrMissingField)
	}
	pr := evt.GetPullRequest()
	out := &PullRequestEvent{
		Action:     evt.GetAction(),
		Number:     pr.GetNumber(),
		Title:      pr.GetTitle(),
		URL:        pr.GetHTMLURL(),
		HeadBranch: pr.GetHead().GetRef(),
		HeadSHA:    pr.GetHead().GetSHA(),
		BaseBranch: pr.GetBase().GetRef(),
		Merged:     pr.GetMerged(),
		RepoOwner:  evt.GetRepo().GetOwner().GetLogin(),
		RepoName:   evt.GetRepo().GetName(),
	}
	if out.RepoOwner == "" || out.RepoName == "" {
		return nil, fmt.Errorf("%w: repository", ErrMissingField)
	}
	return out, nil
}

// WantsReview reports whether the action should trigger an automated review.
func (e *PullRequestEvent) WantsReview() bool {
	switch e.Action {
	case "opened", "synchronize", "reopened":
		return true
	default:
		return false
	}
}

// IsMerge reports whether the delivery records a merged pull request.
func (e *PullRequestEvent) IsMerge() bool {
	return e.Action == "closed" && e.Merged
}
