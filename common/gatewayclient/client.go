// Package gatewayclient is the HTTP client for the gateway control plane.
//
// The launcher uses the secret-authenticated calls (Register, Delete); a
// sandboxed container uses the token-authenticated ones. Response envelopes
// mirror the control package's wire types.
package gatewayclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/bdobrica/Sekimori/internal/sekimori/control"
)

// DefaultTimeout bounds each HTTP call. Subprocess-backed endpoints (git, PR)
// can legitimately take minutes, so it is generous.
const DefaultTimeout = 3 * time.Minute

// Client talks to one gateway instance.
type Client struct {
	baseURL string
	// token is the session bearer token; empty for launcher-only clients.
	token string
	// launcherSecret authorizes Register and Delete; empty for containers.
	launcherSecret string

	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithToken sets the session bearer token.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithLauncherSecret sets the launcher shared secret.
func WithLauncherSecret(secret string) Option {
	return func(c *Client) { c.launcherSecret = secret }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a Client for the gateway at baseURL (e.g. "http://10.0.0.1:8460").
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken installs the session token on an existing client, e.g. right
// after Register returned it.
func (c *Client) SetToken(token string) { c.token = token }

// APIError is a non-2xx gateway response decoded into its error envelope.
type APIError struct {
	StatusCode        int
	Kind              control.ErrorKind
	Reason            string
	RetryAfterSeconds int
}

func (e *APIError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("gateway: %s (%s)", e.Reason, e.Kind)
	}
	return fmt.Sprintf("gateway: %s (HTTP %d)", e.Kind, e.StatusCode)
}

// Register mints a session for a container. Launcher secret required.
func (c *Client) Register(ctx context.Context, containerID, containerIP, mode string) (*control.RegisterResponse, error) {
	req := control.RegisterRequest{ContainerID: containerID, ContainerIP: containerIP, Mode: mode}
	var resp control.RegisterResponse
	if err := c.do(ctx, http.MethodPost, "/session/register", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Validate checks the client's token and heartbeats the session.
func (c *Client) Validate(ctx context.Context) (*control.ValidateResponse, error) {
	var resp control.ValidateResponse
	if err := c.do(ctx, http.MethodPost, "/session/validate", struct{}{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Delete removes a session by its raw token. Launcher secret required.
func (c *Client) Delete(ctx context.Context, token string) (bool, error) {
	var resp control.DeleteResponse
	if err := c.do(ctx, http.MethodDelete, "/session", control.DeleteRequest{Token: token}, &resp); err != nil {
		return false, err
	}
	return resp.Deleted, nil
}

// GitExecute runs an allow-listed git operation through the gateway.
func (c *Client) GitExecute(ctx context.Context, req control.GitExecuteRequest) (*control.GitExecuteResponse, error) {
	var resp control.GitExecuteResponse
	if err := c.do(ctx, http.MethodPost, "/git/execute", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PR runs a pull-request operation ("create", "comment", "close", "update").
// "merge" is accepted by the signature but always denied by the gateway.
func (c *Client) PR(ctx context.Context, op string, req control.PRRequest) (*control.PRResponse, error) {
	var resp control.PRResponse
	if err := c.do(ctx, http.MethodPost, "/pr/"+url.PathEscape(op), req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// LogsList enumerates the caller's indexed log files.
func (c *Client) LogsList(ctx context.Context) (*control.LogsListResponse, error) {
	var resp control.LogsListResponse
	if err := c.do(ctx, http.MethodGet, "/logs/list", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// LogsTask reads the logs of one task (or thread) the caller owns.
func (c *Client) LogsTask(ctx context.Context, taskID string) (*control.LogsContentResponse, error) {
	var resp control.LogsContentResponse
	if err := c.do(ctx, http.MethodGet, "/logs/task/"+url.PathEscape(taskID), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// LogsContainer reads the caller's own container logs.
func (c *Client) LogsContainer(ctx context.Context, containerID string) (*control.LogsContentResponse, error) {
	var resp control.LogsContentResponse
	if err := c.do(ctx, http.MethodGet, "/logs/container/"+url.PathEscape(containerID), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// LogsSearch greps the caller's own logs for the pattern.
func (c *Client) LogsSearch(ctx context.Context, pattern string) (*control.LogsSearchResponse, error) {
	q := url.Values{"pattern": {pattern}, "scope": {"self"}}
	var resp control.LogsSearchResponse
	if err := c.do(ctx, http.MethodGet, "/logs/search?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health checks gateway liveness. No authentication required.
func (c *Client) Health(ctx context.Context) (*control.HealthResponse, error) {
	var resp control.HealthResponse
	if err := c.do(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// do issues one request and decodes either the success payload or the error
// envelope.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("gatewayclient: marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("gatewayclient: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.launcherSecret != "" {
		req.Header.Set("X-Launcher-Secret", c.launcherSecret)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gatewayclient: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("gatewayclient: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var envelope control.ErrorResponse
		if json.Unmarshal(data, &envelope) == nil && envelope.ErrorKind != "" {
			apiErr.Kind = envelope.ErrorKind
			apiErr.Reason = envelope.Reason
			apiErr.RetryAfterSeconds = envelope.RetryAfterSeconds
		} else if ra := resp.Header.Get("Retry-After"); ra != "" {
			apiErr.RetryAfterSeconds, _ = strconv.Atoi(ra)
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("gatewayclient: decode response: %w", err)
	}
	return nil
}
