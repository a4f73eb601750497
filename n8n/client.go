// Package n8n is a thin REST client for the upstream workflow-automation
// API. Every call is bounded by a per-call timeout: 10s for management
// endpoints, 15s for webhook triggers. Non-2xx responses surface as
// *UpstreamError carrying status and body.
package n8n

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/flowgate/n8n-mcp-gateway/tenant"
)

const (
	apiKeyHeader = "X-N8N-API-KEY"
	apiBasePath  = "/api/v1"

	// DefaultTimeout bounds management calls (workflow/execution CRUD).
	DefaultTimeout = 10 * time.Second
	// WebhookTimeout bounds webhook-trigger calls, which run user workflows
	// and are allowed a little longer.
	WebhookTimeout = 15 * time.Second
)

// UpstreamError is a non-2xx response from the upstream API.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	body := e.Body
	if len(body) > 512 {
		body = body[:512] + "..."
	}
	return fmt.Sprintf("upstream API error: status %d: %s", e.Status, body)
}

// Client performs authenticated calls against one n8n instance. It is bound
// to a single set of tenant credentials for its whole lifetime.
type Client struct {
	baseURL        string
	apiKey         string
	hc             *http.Client
	mgmtTimeout    time.Duration
	webhookTimeout time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying *http.Client (tests).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.hc = hc }
}

// WithTimeouts overrides the management and webhook call bounds (tests).
func WithTimeouts(mgmt, webhook time.Duration) Option {
	return func(c *Client) {
		c.mgmtTimeout = mgmt
		c.webhookTimeout = webhook
	}
}

// NewClient builds a client bound to the given credentials.
func NewClient(creds tenant.Credentials, opts ...Option) *Client {
	c := &Client{
		baseURL:        strings.TrimRight(creds.BaseURL, "/"),
		apiKey:         creds.APIKey,
		hc:             &http.Client{},
		mgmtTimeout:    DefaultTimeout,
		webhookTimeout: WebhookTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL reports the upstream base URL the client is bound to.
func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) do(ctx context.Context, timeout time.Duration, method, rawURL string, body any) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		rdr = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, rdr)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set(apiKeyHeader, c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream response: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, &UpstreamError{Status: res.StatusCode, Body: string(data)}
	}
	if len(data) == 0 {
		data = []byte(`{}`)
	}
	return json.RawMessage(data), nil
}

func (c *Client) apiURL(path string, query url.Values) string {
	u := c.baseURL + apiBasePath + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// ListWorkflowsOptions filter the workflow listing.
type ListWorkflowsOptions struct {
	Active *bool
	Tags   string
	Limit  int
	Cursor string
}

// ListWorkflows fetches a page of workflows.
func (c *Client) ListWorkflows(ctx context.Context, opts ListWorkflowsOptions) (json.RawMessage, error) {
	q := url.Values{}
	if opts.Active != nil {
		q.Set("active", strconv.FormatBool(*opts.Active))
	}
	if opts.Tags != "" {
		q.Set("tags", opts.Tags)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Cursor != "" {
		q.Set("cursor", opts.Cursor)
	}
	return c.do(ctx, c.mgmtTimeout, http.MethodGet, c.apiURL("/workflows", q), nil)
}

// GetWorkflow fetches a single workflow by id.
func (c *Client) GetWorkflow(ctx context.Context, id string) (json.RawMessage, error) {
	return c.do(ctx, c.mgmtTimeout, http.MethodGet, c.apiURL("/workflows/"+url.PathEscape(id), nil), nil)
}

// CreateWorkflow creates a workflow from the given definition.
func (c *Client) CreateWorkflow(ctx context.Context, def any) (json.RawMessage, error) {
	return c.do(ctx, c.mgmtTimeout, http.MethodPost, c.apiURL("/workflows", nil), def)
}

// UpdateWorkflow replaces the definition of an existing workflow.
func (c *Client) UpdateWorkflow(ctx context.Context, id string, def any) (json.RawMessage, error) {
	return c.do(ctx, c.mgmtTimeout, http.MethodPut, c.apiURL("/workflows/"+url.PathEscape(id), nil), def)
}

// DeleteWorkflow removes a workflow.
func (c *Client) DeleteWorkflow(ctx context.Context, id string) (json.RawMessage, error) {
	return c.do(ctx, c.mgmtTimeout, http.MethodDelete, c.apiURL("/workflows/"+url.PathEscape(id), nil), nil)
}

// ActivateWorkflow enables a workflow's triggers.
func (c *Client) ActivateWorkflow(ctx context.Context, id string) (json.RawMessage, error) {
	return c.do(ctx, c.mgmtTimeout, http.MethodPost, c.apiURL("/workflows/"+url.PathEscape(id)+"/activate", nil), nil)
}

// DeactivateWorkflow disables a workflow's triggers.
func (c *Client) DeactivateWorkflow(ctx context.Context, id string) (json.RawMessage, error) {
	return c.do(ctx, c.mgmtTimeout, http.MethodPost, c.apiURL("/workflows/"+url.PathEscape(id)+"/deactivate", nil), nil)
}

// ListExecutionsOptions filter the execution listing.
type ListExecutionsOptions struct {
	WorkflowID  string
	Status      string
	Limit       int
	Cursor      string
	IncludeData bool
}

// ListExecutions fetches a page of workflow executions.
func (c *Client) ListExecutions(ctx context.Context, opts ListExecutionsOptions) (json.RawMessage, error) {
	q := url.Values{}
	if opts.WorkflowID != "" {
		q.Set("workflowId", opts.WorkflowID)
	}
	if opts.Status != "" {
		q.Set("status", opts.Status)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Cursor != "" {
		q.Set("cursor", opts.Cursor)
	}
	if opts.IncludeData {
		q.Set("includeData", "true")
	}
	return c.do(ctx, c.mgmtTimeout, http.MethodGet, c.apiURL("/executions", q), nil)
}

// GetExecution fetches a single execution by id.
func (c *Client) GetExecution(ctx context.Context, id string, includeData bool) (json.RawMessage, error) {
	q := url.Values{}
	if includeData {
		q.Set("includeData", "true")
	}
	return c.do(ctx, c.mgmtTimeout, http.MethodGet, c.apiURL("/executions/"+url.PathEscape(id), q), nil)
}

// DeleteExecution removes an execution record.
func (c *Client) DeleteExecution(ctx context.Context, id string) (json.RawMessage, error) {
	return c.do(ctx, c.mgmtTimeout, http.MethodDelete, c.apiURL("/executions/"+url.PathEscape(id), nil), nil)
}

// RunWebhook triggers a webhook-based workflow. The path is relative to the
// instance's /webhook/ prefix. Uses the longer webhook timeout.
func (c *Client) RunWebhook(ctx context.Context, method, path string, payload any) (json.RawMessage, error) {
	if method == "" {
		method = http.MethodPost
	}
	u := c.baseURL + "/webhook/" + strings.TrimLeft(path, "/")
	var body any
	if method != http.MethodGet && payload != nil {
		body = payload
	}
	return c.do(ctx, c.webhookTimeout, method, u, body)
}
