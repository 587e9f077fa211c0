// Package workflow notifies the external automation engine about new tickets
// and applies the engine's completion callbacks.
package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	triggerPath       = "/webhook/flowbit-ticket"
	executionsPath    = "/api/v1/executions/"
	apiKeyHeader      = "X-N8N-API-KEY"
	idempotencyHeader = "Idempotency-Key"
	defaultTimeout    = 10 * time.Second
	maxResponseBytes  = 1 << 20
)

// ErrUpstreamUnavailable wraps every failure to reach or understand the engine.
var ErrUpstreamUnavailable = errors.New("workflow engine unavailable")

// TriggerRequest is the payload announcing a new ticket.
type TriggerRequest struct {
	TicketID    string    `json:"ticketId"`
	CustomerID  string    `json:"customerId"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Priority    string    `json:"priority"`
	Timestamp   time.Time `json:"timestamp"`
	CallbackURL string    `json:"callbackUrl"`
}

// TriggerResponse is the engine acknowledgement. ExecutionID may be empty.
type TriggerResponse struct {
	ExecutionID string `json:"executionId"`
}

// Execution is the engine-side view of a run.
type Execution struct {
	ID         string     `json:"id"`
	Finished   bool       `json:"finished"`
	Status     string     `json:"status"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	StoppedAt  *time.Time `json:"stoppedAt,omitempty"`
	WorkflowID string     `json:"workflowId,omitempty"`
}

// Engine is the outbound side of the integration.
type Engine interface {
	Trigger(ctx context.Context, req TriggerRequest) (TriggerResponse, error)
	Execution(ctx context.Context, id string) (Execution, error)
}

// Client talks to the engine over HTTP with a bounded timeout.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

var _ Engine = (*Client)(nil)

// ClientOption configures Client.
type ClientOption func(*Client)

// WithAPIKey sends the engine API key header on every call.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) { c.apiKey = strings.TrimSpace(key) }
}

// WithTimeout bounds every call.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithHTTPClient replaces the transport (tests).
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

// NewClient builds an engine client rooted at baseURL.
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if _, err := url.ParseRequestURI(baseURL); err != nil || baseURL == "" {
		return nil, fmt.Errorf("workflow: invalid engine url %q", baseURL)
	}
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Trigger posts the ticket to the engine webhook. The ticket id doubles as the
// idempotency key so the engine can drop repeated deliveries.
func (c *Client) Trigger(ctx context.Context, req TriggerRequest) (TriggerResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return TriggerResponse{}, fmt.Errorf("encode trigger: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+triggerPath, bytes.NewReader(body))
	if err != nil {
		return TriggerResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(idempotencyHeader, req.TicketID)
	c.authorize(httpReq)

	var out TriggerResponse
	if err := c.do(httpReq, &out); err != nil {
		return TriggerResponse{}, err
	}
	return out, nil
}

// Execution fetches the engine's record of a run.
func (c *Client) Execution(ctx context.Context, id string) (Execution, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Execution{}, errors.New("workflow: execution id is required")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+executionsPath+url.PathEscape(id), nil)
	if err != nil {
		return Execution{}, err
	}
	c.authorize(httpReq)

	var out Execution
	if err := c.do(httpReq, &out); err != nil {
		return Execution{}, err
	}
	if out.ID == "" {
		out.ID = id
	}
	return out, nil
}

func (c *Client) authorize(r *http.Request) {
	if c.apiKey != "" {
		r.Header.Set(apiKeyHeader, c.apiKey)
	}
}

func (c *Client) do(req *http.Request, dst any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrUpstreamUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %s %s returned %d", ErrUpstreamUnavailable, req.Method, req.URL.Path, resp.StatusCode)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	// A non-JSON body still means the engine accepted the call.
	_ = json.Unmarshal(data, dst)
	return nil
}
