// Package agent dispatches persisted tasks to the external coding agent.
//
// The agent works asynchronously: StartTask only hands the task over. The
// agent reports the outcome by calling the task completion endpoint at
// CallbackURL, signing the body with the shared callback secret.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/odvcencio/deployfix/internal/webhook"
	"golang.org/x/oauth2"
)

const defaultRequestTimeout = 30 * time.Second

// ErrRejected means the agent refused the task. Retrying will not help.
var ErrRejected = errors.New("agent rejected task")

type TaskRequest struct {
	TaskID      string            `json:"taskId"`
	Prompt      string            `json:"prompt"`
	RepoURL     string            `json:"repoUrl"`
	Provider    string            `json:"provider"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CallbackURL string            `json:"callbackUrl"`
}

// Runner starts agent tasks.
type Runner interface {
	StartTask(ctx context.Context, req TaskRequest) error
}

// HTTPRunner posts tasks to the agent's HTTP API.
type HTTPRunner struct {
	endpoint   string
	token      string
	secret     string
	timeout    time.Duration
	httpClient *http.Client
}

type HTTPRunnerOptions struct {
	Endpoint       string
	APIToken       string
	CallbackSecret string
	Timeout        time.Duration
	HTTPClient     *http.Client
}

func NewHTTPRunner(opts HTTPRunnerOptions) (*HTTPRunner, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(opts.Endpoint), "/")
	if endpoint == "" {
		return nil, fmt.Errorf("agent endpoint is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &HTTPRunner{
		endpoint:   endpoint,
		token:      opts.APIToken,
		secret:     opts.CallbackSecret,
		timeout:    timeout,
		httpClient: httpClient,
	}, nil
}

// StartTask submits req. Submitting the same task id twice is safe: the agent
// treats the id as an idempotency key and a 409 is reported as success.
func (r *HTTPRunner) StartTask(ctx context.Context, req TaskRequest) error {
	if req.TaskID == "" || req.RepoURL == "" {
		return fmt.Errorf("%w: task id and repo url are required", ErrRejected)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode agent task: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint+"/tasks", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.TaskID)
	if r.secret != "" {
		httpReq.Header.Set(webhook.AgentSignatureHeader, webhook.SignSHA256(r.secret, body))
	}

	client := r.httpClient
	if r.token != "" {
		client = oauth2.NewClient(context.WithValue(ctx, oauth2.HTTPClient, r.httpClient),
			oauth2.StaticTokenSource(&oauth2.Token{AccessToken: r.token, TokenType: "Bearer"}))
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("dispatch agent task: %w", err)
	}
	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode <= 299, resp.StatusCode == http.StatusConflict:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode <= 499 && resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode != http.StatusRequestTimeout:
		return fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, strings.TrimSpace(string(msg)))
	default:
		return fmt.Errorf("agent returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
}

var _ Runner = (*HTTPRunner)(nil)
