package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/certdispatch/certdispatch/internal/dispatch"
	"github.com/certdispatch/certdispatch/internal/provider/resilience"
)

// ErrForbidden is returned when the controller rejects the agent token.
var ErrForbidden = errors.New("controller rejected agent token")

const tokenHeader = "X-Agent-Token"

// Client talks to the controller's agent endpoints.
type Client struct {
	http  *resilience.Client
	base  string
	token string
}

// NewClient creates a controller client on top of a resilient HTTP client.
func NewClient(cfg Config, httpClient *resilience.Client) *Client {
	if httpClient == nil {
		rc := resilience.DefaultClientConfig("controller")
		rc.Timeout = cfg.Timeout
		httpClient = resilience.NewClient(rc)
	}
	return &Client{http: httpClient, base: cfg.ServerBase, token: cfg.Token}
}

// Poll leases up to limit tasks.
func (c *Client) Poll(ctx context.Context, limit int) (dispatch.PollResult, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("agent_only", "1")

	var result dispatch.PollResult
	if err := c.do(ctx, http.MethodGet, "/agent/poll?"+q.Encode(), nil, &result); err != nil {
		return dispatch.PollResult{}, fmt.Errorf("poll: %w", err)
	}
	return result, nil
}

// Ack confirms receipt of tasks.
func (c *Client) Ack(ctx context.Context, tasks []dispatch.AgentTask) (int, error) {
	rows := make([]map[string]string, 0, len(tasks))
	for _, t := range tasks {
		rows = append(rows, map[string]string{"id": t.SubjectID, "request_id": t.RequestID})
	}

	var resp struct {
		Acknowledged int `json:"acknowledged"`
	}
	if err := c.do(ctx, http.MethodPost, "/agent/ack", map[string]any{"tasks": rows}, &resp); err != nil {
		return 0, fmt.Errorf("ack: %w", err)
	}
	return resp.Acknowledged, nil
}

// Report posts check results.
func (c *Client) Report(ctx context.Context, rows []dispatch.ReportRow) (int, error) {
	var resp struct {
		Updated int `json:"updated"`
	}
	if err := c.do(ctx, http.MethodPost, dispatch.ReportPath, map[string]any{"results": rows}, &resp); err != nil {
		return 0, fmt.Errorf("report: %w", err)
	}
	return resp.Updated, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set(tokenHeader, c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.DoWithContext(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusForbidden:
		return ErrForbidden
	case resp.StatusCode >= 300:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
