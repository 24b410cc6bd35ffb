// Package tinyagent is a Go client for the tinyagent REST API.
package tinyagent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Run statuses reported by the server.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Client wraps the HTTP interactions with the tinyagent REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// Submission is the payload required to queue a new run. A non-empty ID makes
// the submission idempotent.
type Submission struct {
	ID       string         `json:"id,omitempty"`
	Task     string         `json:"task"`
	Tools    []string       `json:"tools,omitempty"`
	Planner  string         `json:"planner,omitempty"`
	Session  string         `json:"session,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Run is the server side view of a queued run.
type Run struct {
	ID         string         `json:"id"`
	Task       string         `json:"task"`
	Tools      []string       `json:"tools,omitempty"`
	Planner    string         `json:"planner,omitempty"`
	Session    string         `json:"session,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Status     string         `json:"status"`
	Attempts   int            `json:"attempts"`
	MaxRetries int            `json:"max_retries"`
	LastError  string         `json:"last_error,omitempty"`
	ErrorCode  string         `json:"error_code,omitempty"`
	Result     *RunResult     `json:"result,omitempty"`
	CreatedAt  int64          `json:"created_at"`
	UpdatedAt  int64          `json:"updated_at"`
	// Done is set once the server will not process the run any further.
	// A failed run with retries left is still in flight.
	Done bool `json:"done"`
}

// RunResult is the outcome of one agent loop.
type RunResult struct {
	RunID          string    `json:"run_id"`
	Task           string    `json:"task"`
	Status         string    `json:"status"`
	Answer         string    `json:"answer,omitempty"`
	Error          string    `json:"error,omitempty"`
	Steps          []Step    `json:"steps"`
	ToolsAvailable []string  `json:"tools_available"`
	MemoryKeys     []string  `json:"memory_keys"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
}

// Step is one planning decision and the results of its tool calls.
type Step struct {
	Index   int          `json:"index"`
	Thought string       `json:"thought,omitempty"`
	Calls   []ToolCall   `json:"calls"`
	Results []ToolResult `json:"results"`
}

// ToolCall names a tool and its arguments.
type ToolCall struct {
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// ToolResult is the uniform tool outcome.
type ToolResult struct {
	Success bool           `json:"success"`
	Data    map[string]any `json:"data,omitempty"`
	Error   string         `json:"error,omitempty"`
	Code    string         `json:"code,omitempty"`
}

// Tool describes a tool exposed by the server.
type Tool struct {
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	Schema       map[string]any `json:"schema,omitempty"`
	Capabilities []string       `json:"capabilities,omitempty"`
}

// Stats aggregates run counts.
type Stats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Running         int   `json:"running"`
	Succeeded       int   `json:"succeeded"`
	Failed          int   `json:"failed"`
	// Retrying counts failed runs that will be attempted again.
	Retrying        int   `json:"retrying"`
	OldestUpdatedAt int64 `json:"oldest_updated_at"`
	NewestUpdatedAt int64 `json:"newest_updated_at"`
	// QueueDepth is nil when the server queue cannot report its backlog.
	QueueDepth *int64 `json:"queue_depth,omitempty"`
}

// ListOptions filters List and Stats. Zero values are omitted.
type ListOptions struct {
	Limit    int
	Offset   int
	Statuses []string
	Session  string
	Query    string
	Oldest   bool
}

func (o ListOptions) values() url.Values {
	v := url.Values{}
	if o.Limit > 0 {
		v.Set("limit", strconv.Itoa(o.Limit))
	}
	if o.Offset > 0 {
		v.Set("offset", strconv.Itoa(o.Offset))
	}
	if len(o.Statuses) > 0 {
		v.Set("status", strings.Join(o.Statuses, ","))
	}
	if o.Session != "" {
		v.Set("session", o.Session)
	}
	if o.Query != "" {
		v.Set("q", o.Query)
	}
	if o.Oldest {
		v.Set("order", "asc")
	}
	return v
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("tinyagent api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("tinyagent api error (%d): %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// NewClient instantiates a client for the API. When httpClient is nil, a
// default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url: %q", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// Submit queues a run and returns immediately.
func (c *Client) Submit(ctx context.Context, sub Submission) (Run, error) {
	var run Run
	if err := c.post(ctx, "/api/v1/runs", nil, sub, &run); err != nil {
		return Run{}, err
	}
	return run, nil
}

// SubmitAndWait queues a run and asks the server to hold the response until
// the run finishes or wait elapses. The returned run may still be in flight.
func (c *Client) SubmitAndWait(ctx context.Context, sub Submission, wait time.Duration) (Run, error) {
	var run Run
	query := url.Values{"wait": []string{wait.String()}}
	if err := c.post(ctx, "/api/v1/runs", query, sub, &run); err != nil {
		return Run{}, err
	}
	return run, nil
}

// Get fetches a run by identifier.
func (c *Client) Get(ctx context.Context, id string) (Run, error) {
	var run Run
	if err := c.get(ctx, "/api/v1/runs/"+url.PathEscape(id), nil, &run); err != nil {
		return Run{}, err
	}
	return run, nil
}

// List returns runs ordered by update time.
func (c *Client) List(ctx context.Context, opts ListOptions) ([]Run, error) {
	var body struct {
		Runs []Run `json:"runs"`
	}
	if err := c.get(ctx, "/api/v1/runs", opts.values(), &body); err != nil {
		return nil, err
	}
	return body.Runs, nil
}

// Stats returns aggregated counts for the runs matching opts.
func (c *Client) Stats(ctx context.Context, opts ListOptions) (Stats, error) {
	var stats Stats
	if err := c.get(ctx, "/api/v1/runs/stats", opts.values(), &stats); err != nil {
		return Stats{}, err
	}
	return stats, nil
}

// Tools lists the tools the server offers to its agents.
func (c *Client) Tools(ctx context.Context) ([]Tool, error) {
	var body struct {
		Tools []Tool `json:"tools"`
	}
	if err := c.get(ctx, "/api/v1/tools", nil, &body); err != nil {
		return nil, err
	}
	return body.Tools, nil
}

// Wait polls a run until Done or ctx ends.
func (c *Client) Wait(ctx context.Context, id string, interval time.Duration) (Run, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		run, err := c.Get(ctx, id)
		if err != nil {
			return Run{}, err
		}
		if run.Done {
			return run, nil
		}
		select {
		case <-ctx.Done():
			return run, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) post(ctx context.Context, endpoint string, query url.Values, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, query, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, query, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	if len(query) > 0 {
		rel.RawQuery = query.Encode()
	}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		_ = json.Unmarshal(data, apiErr)
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
