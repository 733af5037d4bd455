// Package engine is an HTTP client for the external workflow automation engine.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/oauth2"
)

const maxErrorBody = 4 << 10

// Client calls the engine's execute, execution and workflow endpoints.
// It does not retry.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string
	timeout    time.Duration
	duration   metric.Float64Histogram
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithToken sets the bearer token sent on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithTimeout bounds each engine call.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// NewClient creates a Client for the engine API rooted at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}

	base := http.DefaultTransport
	if c.httpClient != nil && c.httpClient.Transport != nil {
		base = c.httpClient.Transport
	}
	transport := otelhttp.NewTransport(base)

	if c.token != "" {
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, &http.Client{Transport: transport})
		c.httpClient = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: c.token, TokenType: "Bearer"}))
	} else {
		c.httpClient = &http.Client{Transport: transport}
	}

	meter := otel.GetMeterProvider().Meter("funnel-automation/engine")
	if h, err := meter.Float64Histogram(
		"engine_request_duration_seconds",
		metric.WithDescription("Duration of automation engine calls"),
		metric.WithUnit("s"),
	); err == nil {
		c.duration = h
	}
	return c
}

// Submit starts engineWorkflowID with payload as trigger data.
func (c *Client) Submit(ctx context.Context, engineWorkflowID string, payload map[string]any, mode Mode) (*ExecutionHandle, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	body := executeRequest{
		Data:          payload,
		RunData:       map[string]any{},
		StartNodes:    []string{},
		ExecutionMode: mode,
	}

	var raw map[string]any
	if err := c.do(ctx, "submit", http.MethodPost, "/workflows/"+url.PathEscape(engineWorkflowID)+"/execute", body, &raw); err != nil {
		return nil, err
	}

	id := executionID(raw)
	if id == "" {
		return nil, &Error{Op: "submit", Cause: fmt.Errorf("response carries no execution id")}
	}
	return &ExecutionHandle{ID: id, Raw: raw}, nil
}

// FetchStatus reads the engine's current view of an execution.
func (c *Client) FetchStatus(ctx context.Context, engineExecutionID string) (*ExecutionSnapshot, error) {
	var resp executionResponse
	if err := c.do(ctx, "fetch", http.MethodGet, "/executions/"+url.PathEscape(engineExecutionID), nil, &resp); err != nil {
		return nil, err
	}

	snap := &ExecutionSnapshot{
		Finished:  resp.Finished,
		StoppedAt: resp.StoppedAt,
		Mode:      resp.Mode,
	}
	if e := resp.Data.ResultData.Error; e != nil && e.Message != "" {
		msg := e.Message
		snap.ErrorMessage = &msg
	}
	return snap, nil
}

// Cancel asks the engine to stop an execution.
func (c *Client) Cancel(ctx context.Context, engineExecutionID string) error {
	return c.do(ctx, "cancel", http.MethodPost, "/executions/"+url.PathEscape(engineExecutionID)+"/cancel", nil, nil)
}

// GetWorkflow fetches a workflow definition.
func (c *Client) GetWorkflow(ctx context.Context, engineWorkflowID string) (*WorkflowDefinition, error) {
	var def WorkflowDefinition
	if err := c.do(ctx, "get_workflow", http.MethodGet, "/workflows/"+url.PathEscape(engineWorkflowID), nil, &def); err != nil {
		return nil, err
	}
	return &def, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any) (err error) {
	start := time.Now()
	defer func() {
		if c.duration == nil {
			return
		}
		c.duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
			attribute.String("op", op),
			attribute.Bool("error", err != nil),
		))
	}()

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return &Error{Op: op, Cause: fmt.Errorf("failed to marshal request body: %w", err)}
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return &Error{Op: op, Cause: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &Error{Op: op, Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &Error{Op: op, StatusCode: resp.StatusCode, Cause: fmt.Errorf("%s", strings.TrimSpace(string(snippet)))}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Op: op, Cause: fmt.Errorf("failed to decode response body: %w", err)}
	}
	return nil
}

// executionID reads the id from either {id} or {data: {executionId}}.
func executionID(raw map[string]any) string {
	if id := stringID(raw["id"]); id != "" {
		return id
	}
	if data, ok := raw["data"].(map[string]any); ok {
		return stringID(data["executionId"])
	}
	return ""
}

func stringID(v any) string {
	switch id := v.(type) {
	case string:
		return id
	case float64:
		return fmt.Sprintf("%.0f", id)
	}
	return ""
}
