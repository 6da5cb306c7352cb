// Package vcs abstracts the version-control host. The control plane
// fetches diffs and CI logs from it and posts review comments back;
// it never clones or mutates repositories.
package vcs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Provider is the VCS interface the engine consumes. Implementations
// must be safe for concurrent use.
type Provider interface {
	GetCommitDiff(ctx context.Context, owner, repo, sha string) (string, error)
	GetPullRequestDiff(ctx context.Context, owner, repo string, number int) (string, error)
	GetCheckRunLogs(ctx context.Context, owner, repo string, jobID int64) (string, error)
	PostPullRequestComment(ctx context.Context, owner, repo string, number int, body string) error
	PostCommitComment(ctx context.Context, owner, repo, sha, body string) error
}

// RateLimitError carries the host's rate-limit reset timestamp. The
// core surfaces it but never block-waits on it.
type RateLimitError struct {
	ResetAt time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("vcs rate limited until %s", e.ResetAt.Format(time.RFC3339))
}

// ProviderError is any other non-success response from the host.
type ProviderError struct {
	StatusCode int
	Body       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("vcs provider returned %d: %s", e.StatusCode, e.Body)
}

// Client talks to a GitHub-compatible REST API. Outbound calls are
// rate-limited locally so a burst of webhook reviews does not blow the
// host's secondary limits.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	limiter *rate.Limiter
}

var _ Provider = (*Client)(nil)

// NewClient creates a VCS client. baseURL defaults to the public GitHub
// API when empty.
func NewClient(baseURL, token string) *Client {
	if baseURL == "" {
		baseURL = "https://api.github.com"
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(5), 10),
	}
}

// GetCommitDiff fetches the unified diff for a single commit.
func (c *Client) GetCommitDiff(ctx context.Context, owner, repo, sha string) (string, error) {
	path := fmt.Sprintf("/repos/%s/%s/commits/%s", owner, repo, sha)
	return c.getRaw(ctx, path, "application/vnd.github.v3.diff")
}

// GetPullRequestDiff fetches the unified diff for a pull request.
func (c *Client) GetPullRequestDiff(ctx context.Context, owner, repo string, number int) (string, error) {
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d", owner, repo, number)
	return c.getRaw(ctx, path, "application/vnd.github.v3.diff")
}

// GetCheckRunLogs fetches the raw log text for one CI job. Best-effort;
// callers treat failures as an empty excerpt.
func (c *Client) GetCheckRunLogs(ctx context.Context, owner, repo string, jobID int64) (string, error) {
	path := fmt.Sprintf("/repos/%s/%s/actions/jobs/%d/logs", owner, repo, jobID)
	return c.getRaw(ctx, path, "")
}

// PostPullRequestComment posts a review comment on a pull request.
func (c *Client) PostPullRequestComment(ctx context.Context, owner, repo string, number int, body string) error {
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/comments", owner, repo, number)
	return c.postJSON(ctx, path, map[string]string{"body": body})
}

// PostCommitComment posts a comment directly on a commit.
func (c *Client) PostCommitComment(ctx context.Context, owner, repo, sha, body string) error {
	path := fmt.Sprintf("/repos/%s/%s/commits/%s/comments", owner, repo, sha)
	return c.postJSON(ctx, path, map[string]string{"body": body})
}

func (c *Client) getRaw(ctx context.Context, path, accept string) (string, error) {
	resp, err := c.do(ctx, http.MethodGet, path, accept, nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read vcs response: %w", err)
	}
	if err := c.checkStatus(resp, data); err != nil {
		return "", err
	}
	return string(data), nil
}

func (c *Client) postJSON(ctx context.Context, path string, body interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal comment: %w", err)
	}
	resp, err := c.do(ctx, http.MethodPost, path, "", bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	return c.checkStatus(resp, respBody)
}

func (c *Client) do(ctx context.Context, method, path, accept string, body io.Reader) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait canceled: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vcs request failed: %w", err)
	}
	return resp, nil
}

func (c *Client) checkStatus(resp *http.Response, body []byte) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	// The host reports both primary and secondary limits as 403/429 with
	// a reset header.
	if resp.StatusCode == http.StatusTooManyRequests ||
		(resp.StatusCode == http.StatusForbidden && resp.Header.Get("X-RateLimit-Remaining") == "0") {
		return &RateLimitError{ResetAt: parseResetHeader(resp.Header.Get("X-RateLimit-Reset"))}
	}
	return &ProviderError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}

func parseResetHeader(value string) time.Time {
	epoch, err := strconv.ParseInt(value, 10, 64)
	if err != nil || epoch <= 0 {
		return time.Now().Add(time.Minute)
	}
	return time.Unix(epoch, 0)
}
