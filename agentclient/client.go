// Package agentclient implements the agent-facing contract of spec.md
// §6.1: GET /health, GET /capabilities, POST /tools/<op>, plus the
// HTTP-status to core.ErrorKind classification table. It is the only
// package in the orchestration core that speaks HTTP to an agent,
// grounded on the teacher's pkg/communication/k8s_communicator.go
// request-building and status handling, generalized from Kubernetes
// service DNS names to a plain base-URL-per-agent map.
package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/oceanic-passage/orchestrator/core"
)

// Client calls one agent's wire endpoints over HTTP.
type Client struct {
	httpClient *http.Client
	baseURL    string
	agentID    string
}

// New returns a Client for the agent at baseURL.
func New(agentID, baseURL string) *Client {
	return &Client{
		agentID: agentID,
		baseURL: baseURL,
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status string `json:"status"` // "healthy" | "degraded" | "offline"
}

// Health probes the agent's health endpoint with the given deadline.
func (c *Client) Health(ctx context.Context, deadline time.Duration) (*HealthResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, core.NewAgentError(core.ErrInternal, c.agentID, "health", err.Error(), err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(c.agentID, "health", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, core.NewAgentError(core.ClassifyHTTPStatus(resp.StatusCode), c.agentID, "health",
			fmt.Sprintf("unexpected status %d", resp.StatusCode), nil)
	}

	var out HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, core.NewAgentError(core.ErrInternal, c.agentID, "health", "decode failed", err)
	}
	return &out, nil
}

// ToolDescriptor is one entry of the capabilities response's tools list.
type ToolDescriptor struct {
	Name        string `json:"name"`
	InputSchema string `json:"inputSchema,omitempty"`
}

// CapabilitiesResponse is the body of GET /capabilities.
type CapabilitiesResponse struct {
	Name        string           `json:"name"`
	Version     string           `json:"version"`
	Description string           `json:"description"`
	Tools       []ToolDescriptor `json:"tools"`
}

// Capabilities fetches the agent's declared capabilities.
func (c *Client) Capabilities(ctx context.Context, deadline time.Duration) (*CapabilitiesResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/capabilities", nil)
	if err != nil {
		return nil, core.NewAgentError(core.ErrInternal, c.agentID, "capabilities", err.Error(), err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(c.agentID, "capabilities", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, core.NewAgentError(core.ClassifyHTTPStatus(resp.StatusCode), c.agentID, "capabilities",
			fmt.Sprintf("unexpected status %d", resp.StatusCode), nil)
	}

	var out CapabilitiesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, core.NewAgentError(core.ErrInternal, c.agentID, "capabilities", "decode failed", err)
	}
	return &out, nil
}

// Invoke calls POST /tools/<operation> with inputs as the JSON body and
// decodes the JSON response into a generic map. deadline bounds the
// whole call.
func (c *Client) Invoke(ctx context.Context, operation string, inputs map[string]interface{}, deadline time.Duration) (map[string]interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	body, err := json.Marshal(inputs)
	if err != nil {
		return nil, core.NewAgentError(core.ErrInvalidInput, c.agentID, operation, "failed to marshal inputs", err)
	}

	url := fmt.Sprintf("%s/tools/%s", c.baseURL, operation)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, core.NewAgentError(core.ErrInternal, c.agentID, operation, err.Error(), err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(c.agentID, operation, err)
	}
	defer resp.Body.Close()

	raw, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return nil, core.NewAgentError(core.ErrInternal, c.agentID, operation, "failed reading response body", readErr)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		kind := core.ClassifyHTTPStatus(resp.StatusCode)
		return nil, core.NewAgentError(kind, c.agentID, operation, fmt.Sprintf("status %d: %s", resp.StatusCode, string(raw)), nil)
	}

	if len(raw) == 0 {
		return map[string]interface{}{}, nil
	}

	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, core.NewAgentError(core.ErrInternal, c.agentID, operation, "failed to decode response", err)
	}
	return out, nil
}

// classifyTransportError distinguishes timeouts and cancellation from
// generic connect/DNS failures, per spec.md §6.1's
// "connect/DNS errors → UNREACHABLE" and
// "network-timeout → TIMEOUT" rules.
func classifyTransportError(agentID, op string, err error) *core.AgentError {
	if errors.Is(err, context.DeadlineExceeded) {
		return core.NewAgentError(core.ErrTimeout, agentID, op, "deadline exceeded", err)
	}
	if errors.Is(err, context.Canceled) {
		return core.NewAgentError(core.ErrCancelled, agentID, op, "request cancelled", err)
	}
	type timeouter interface{ Timeout() bool }
	if te, ok := err.(timeouter); ok && te.Timeout() {
		return core.NewAgentError(core.ErrTimeout, agentID, op, err.Error(), err)
	}
	return core.NewAgentError(core.ErrUnreachable, agentID, op, err.Error(), err)
}
