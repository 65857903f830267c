// Package vercel fetches build logs from the Vercel REST API.
package vercel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const (
	DefaultAPIBaseURL     = "https://api.vercel.com"
	defaultRequestTimeout = 30 * time.Second
	maxResponseBytes      = 32 << 20
)

var (
	// ErrUnauthorized means the stored token was rejected. Retrying will not help.
	ErrUnauthorized = errors.New("vercel token rejected")
	// ErrDeploymentNotFound means Vercel has no deployment with the id.
	ErrDeploymentNotFound = errors.New("vercel deployment not found")
)

// StatusError is a non-2xx response that may succeed on retry.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("vercel api returned %d: %s", e.StatusCode, e.Body)
}

// Client reads deployment build events.
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
}

type Options struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client // base transport; the bearer token is layered on per call
}

func NewClient(opts Options) *Client {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		base = DefaultAPIBaseURL
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: base, httpClient: httpClient, timeout: timeout}
}

type buildEvent struct {
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Text    string `json:"text"`
	Payload struct {
		Text string `json:"text"`
	} `json:"payload"`
}

func (e buildEvent) text() string {
	if e.Payload.Text != "" {
		return e.Payload.Text
	}
	return e.Text
}

// GetBuildLogs returns the build output lines of a deployment, oldest first.
// teamID scopes the request when the project belongs to a team.
func (c *Client) GetBuildLogs(ctx context.Context, deploymentID, teamID, token string) ([]string, error) {
	if strings.TrimSpace(deploymentID) == "" {
		return nil, fmt.Errorf("deployment id is required")
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	q := url.Values{}
	q.Set("builds", "1")
	q.Set("direction", "forward")
	q.Set("limit", "-1")
	if teamID != "" {
		q.Set("teamId", teamID)
	}
	endpoint := c.baseURL + "/v3/deployments/" + url.PathEscape(deploymentID) + "/events?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	client := oauth2.NewClient(context.WithValue(ctx, oauth2.HTTPClient, c.httpClient),
		oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}))
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch build events: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read build events: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, ErrUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrDeploymentNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: truncate(strings.TrimSpace(string(body)), 256)}
	}
	return parseEvents(body)
}

// parseEvents accepts a JSON array or newline-delimited JSON events.
func parseEvents(body []byte) ([]string, error) {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return nil, nil
	}
	var events []buildEvent
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal([]byte(trimmed), &events); err != nil {
			return nil, fmt.Errorf("decode build events: %w", err)
		}
	} else {
		dec := json.NewDecoder(strings.NewReader(trimmed))
		for dec.More() {
			var evt buildEvent
			if err := dec.Decode(&evt); err != nil {
				return nil, fmt.Errorf("decode build events: %w", err)
			}
			events = append(events, evt)
		}
	}

	var lines []string
	for _, evt := range events {
		switch evt.Type {
		case "stdout", "stderr", "command", "fatal", "exit", "":
		default:
			continue
		}
		text := strings.TrimRight(evt.text(), "\r\n")
		if text == "" {
			continue
		}
		lines = append(lines, strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")...)
	}
	return lines, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
