// Package githubapp opens pull requests for agent fix branches.
package githubapp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/go-github/v84/github"
	"golang.org/x/oauth2"
)

type PRRequest struct {
	RepoURL    string
	BranchName string
	Title      string
	Body       string
	BaseBranch string
}

// PRResult reports the outcome. Success false with Error set means GitHub
// refused the pull request; transport and server failures are returned as
// errors instead so callers can retry.
type PRResult struct {
	Success bool
	URL     string
	Number  int
	Error   string
}

// Creator opens pull requests on behalf of a user token.
type Creator interface {
	CreatePR(ctx context.Context, token string, req PRRequest) (PRResult, error)
}

// Client implements Creator against the GitHub REST API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

type Options struct {
	BaseURL    string // empty for api.github.com
	HTTPClient *http.Client
}

func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: strings.TrimSpace(opts.BaseURL), httpClient: httpClient}
}

func (c *Client) github(ctx context.Context, token string) (*github.Client, error) {
	hc := oauth2.NewClient(context.WithValue(ctx, oauth2.HTTPClient, c.httpClient),
		oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
	gh := github.NewClient(hc)
	if c.baseURL != "" {
		base, err := url.Parse(strings.TrimRight(c.baseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("parse github api url: %w", err)
		}
		gh.BaseURL = base
	}
	return gh, nil
}

// CreatePR opens a pull request from req.BranchName into req.BaseBranch. When
// an open pull request for the branch already exists it is returned instead,
// so a retried call does not fail.
func (c *Client) CreatePR(ctx context.Context, token string, req PRRequest) (PRResult, error) {
	owner, repo, err := ParseRepoURL(req.RepoURL)
	if err != nil {
		return PRResult{Error: err.Error()}, nil
	}
	if strings.TrimSpace(req.BranchName) == "" {
		return PRResult{Error: "branch name is required"}, nil
	}
	base := req.BaseBranch
	if base == "" {
		base = "main"
	}
	gh, err := c.github(ctx, token)
	if err != nil {
		return PRResult{}, err
	}

	pr, _, err := gh.PullRequests.Create(ctx, owner, repo, &github.NewPullRequest{
		Title: github.Ptr(req.Title),
		Body:  github.Ptr(req.Body),
		Head:  github.Ptr(req.BranchName),
		Base:  github.Ptr(base),
	})
	if err == nil {
		return PRResult{Success: true, URL: pr.GetHTMLURL(), Number: pr.GetNumber()}, nil
	}

	var ghErr *github.ErrorResponse
	if !errors.As(err, &ghErr) || ghErr.Response == nil {
		return PRResult{}, fmt.Errorf("create pull request: %w", err)
	}
	status := ghErr.Response.StatusCode
	if status == http.StatusUnprocessableEntity && alreadyExists(ghErr) {
		existing, lookupErr := c.findOpen(ctx, gh, owner, repo, req.BranchName)
		if lookupErr != nil {
			return PRResult{}, lookupErr
		}
		if existing != nil {
			return PRResult{Success: true, URL: existing.GetHTMLURL(), Number: existing.GetNumber()}, nil
		}
	}
	if status >= 500 || status == http.StatusTooManyRequests {
		return PRResult{}, fmt.Errorf("create pull request: %w", err)
	}
	return PRResult{Error: prErrorMessage(ghErr)}, nil
}

func (c *Client) findOpen(ctx context.Context, gh *github.Client, owner, repo, branch string) (*github.PullRequest, error) {
	prs, _, err := gh.PullRequests.List(ctx, owner, repo, &github.PullRequestListOptions{
		State: "open",
		Head:  owner + ":" + branch,
	})
	if err != nil {
		return nil, fmt.Errorf("list pull requests: %w", err)
	}
	if len(prs) == 0 {
		return nil, nil
	}
	return prs[0], nil
}

func alreadyExists(e *github.ErrorResponse) bool {
	if strings.Contains(strings.ToLower(e.Message), "already exists") {
		return true
	}
	for _, detail := range e.Errors {
		if strings.Contains(strings.ToLower(detail.Message), "already exists") {
			return true
		}
	}
	return false
}

func prErrorMessage(e *github.ErrorResponse) string {
	parts := []string{strings.TrimSpace(e.Message)}
	for _, detail := range e.Errors {
		if msg := strings.TrimSpace(detail.Message); msg != "" {
			parts = append(parts, msg)
		}
	}
	msg := strings.Join(parts, ": ")
	if msg == "" {
		msg = fmt.Sprintf("github returned %d", e.Response.StatusCode)
	}
	return msg
}

// ParseRepoURL extracts owner and repository name from an https, ssh or
// owner/repo reference.
func ParseRepoURL(raw string) (owner, repo string, err error) {
	s := strings.TrimSpace(raw)
	switch {
	case strings.HasPrefix(s, "git@"):
		if i := strings.Index(s, ":"); i >= 0 {
			s = s[i+1:]
		}
	case strings.Contains(s, "://"):
		u, parseErr := url.Parse(s)
		if parseErr != nil {
			return "", "", fmt.Errorf("invalid repository url %q", raw)
		}
		s = u.Path
	}
	s = strings.Trim(strings.TrimSuffix(strings.Trim(s, "/"), ".git"), "/")
	parts := strings.Split(s, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repository url %q", raw)
	}
	return parts[0], parts[1], nil
}

var _ Creator = (*Client)(nil)
