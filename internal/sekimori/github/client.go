// Package github provides the minimal repository-host client the policy
// engine needs: pull-request lookups, open-PR listing by base branch, and
// repository visibility.
//
// It speaks the GitHub REST v3 API directly; the gateway needs exactly three
// read-only calls and nothing else from the host.
package github

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

	"github.com/bdobrica/Sekimori/common/retry"
)

const defaultBaseURL = "https://api.github.com"

// maxResponseBytes caps API response bodies to guard against a misbehaving
// endpoint.
const maxResponseBytes = 1 * 1024 * 1024 // 1 MiB

// ErrNotFound is returned when the requested PR or repository does not exist
// (or the token cannot see it — GitHub reports both as 404).
var ErrNotFound = errors.New("github: not found")

// PullRequest is the subset of PR data the policy engine consumes.
type PullRequest struct {
	Number     int
	Author     string
	State      string
	HeadBranch string
	BaseBranch string
}

// Config configures the client.
type Config struct {
	// BaseURL overrides the API endpoint (useful for GitHub Enterprise and
	// tests). Defaults to https://api.github.com.
	BaseURL string
	// Token is the bearer token for API calls. May be empty for public
	// repositories, at the cost of a much lower unauthenticated quota.
	Token string
	// Timeout for each HTTP request. Defaults to 10s.
	Timeout time.Duration
	// Retry controls transient-failure retries. Zero value uses package
	// defaults with 5xx-only classification.
	Retry retry.Config
}

// Client is a GitHub REST client for a single host.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// New returns a Client for the configured host.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.Config{
			MaxAttempts:  3,
			InitialDelay: 250 * time.Millisecond,
			MaxDelay:     2 * time.Second,
		}
	}
	cfg.Retry.ShouldRetry = isTransient
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// --- wire types (subset of the GitHub REST API) ---

type ghUser struct {
	Login string `json:"login"`
}

type ghRef struct {
	Ref string `json:"ref"`
}

type ghPull struct {
	Number int    `json:"number"`
	State  string `json:"state"`
	User   ghUser `json:"user"`
	Head   ghRef  `json:"head"`
	Base   ghRef  `json:"base"`
}

type ghRepo struct {
	Private bool `json:"private"`
}

// PullRequestInfo fetches a single pull request. repo is "owner/name".
func (c *Client) PullRequestInfo(ctx context.Context, repo string, number int) (*PullRequest, error) {
	var raw ghPull
	path := fmt.Sprintf("/repos/%s/pulls/%d", repo, number)
	if err := c.get(ctx, path, &raw); err != nil {
		return nil, err
	}
	return &PullRequest{
		Number:     raw.Number,
		Author:     raw.User.Login,
		State:      raw.State,
		HeadBranch: raw.Head.Ref,
		BaseBranch: raw.Base.Ref,
	}, nil
}

// OpenPullRequestsByBase lists open PRs targeting the given base branch.
func (c *Client) OpenPullRequestsByBase(ctx context.Context, repo, base string) ([]PullRequest, error) {
	var raws []ghPull
	path := fmt.Sprintf("/repos/%s/pulls?state=open&base=%s", repo, url.QueryEscape(base))
	if err := c.get(ctx, path, &raws); err != nil {
		return nil, err
	}
	out := make([]PullRequest, 0, len(raws))
	for _, raw := range raws {
		out = append(out, PullRequest{
			Number:     raw.Number,
			Author:     raw.User.Login,
			State:      raw.State,
			HeadBranch: raw.Head.Ref,
			BaseBranch: raw.Base.Ref,
		})
	}
	return out, nil
}

// RepoIsPrivate reports the repository's visibility.
func (c *Client) RepoIsPrivate(ctx context.Context, repo string) (bool, error) {
	var raw ghRepo
	if err := c.get(ctx, "/repos/"+repo, &raw); err != nil {
		return false, err
	}
	return raw.Private, nil
}

// --- internal helpers ---

// get performs one GET with retries on transient failures and decodes the
// JSON response into out.
func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	return retry.Do(ctx, c.cfg.Retry, func() error {
		return c.getOnce(ctx, path, out)
	})
}

func (c *Client) getOnce(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("github: build request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("github: GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("github: read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode != http.StatusOK:
		snippet := strings.TrimSpace(string(body))
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		return &statusError{code: resp.StatusCode, path: path, snippet: snippet}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("github: decode %s: %w", path, err)
	}
	return nil
}

// statusError carries a non-200 status so the retry predicate can classify it.
type statusError struct {
	code    int
	path    string
	snippet string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("github: %s returned %d: %s", e.path, e.code, e.snippet)
}

// isTransient retries server-side errors and transport failures; 4xx
// responses (including 404) are final.
func isTransient(err error) bool {
	if errors.Is(err, ErrNotFound) {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500
	}
	return true
}
