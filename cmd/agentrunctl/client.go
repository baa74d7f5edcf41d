package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/xiaot623/agentrun/internal/domain"
)

// Client talks to the orchestrator's external API.
type Client struct {
	baseURL    string
	userID     string
	httpClient *http.Client
}

// NewClient creates a client for the given base URL, acting as userID.
func NewClient(baseURL, userID string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		userID:     userID,
		httpClient: &http.Client{},
	}
}

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userID != "" {
		req.Header.Set("X-User-ID", c.userID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(data))
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		msg = body.Error
	}
	return &APIError{Status: resp.StatusCode, Message: msg}
}

// Submit queues a workflow.
func (c *Client) Submit(ctx context.Context, req domain.SubmitRequest) (*domain.SubmitResponse, error) {
	var resp domain.SubmitResponse
	if err := c.do(ctx, http.MethodPost, "/v1/agents/execute", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetSession fetches one session.
func (c *Client) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	var s domain.Session
	if err := c.do(ctx, http.MethodGet, "/v1/sessions/"+url.PathEscape(id), nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// ListSessions fetches one page of sessions.
func (c *Client) ListSessions(ctx context.Context, offset, limit int) (*domain.ListSessionsResponse, error) {
	q := url.Values{}
	q.Set("offset", strconv.Itoa(offset))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp domain.ListSessionsResponse
	if err := c.do(ctx, http.MethodGet, "/v1/sessions?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeleteSession removes a finished session.
func (c *Client) DeleteSession(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/sessions/"+url.PathEscape(id), nil, nil)
}

// Cancel requests cancellation of a running session.
func (c *Client) Cancel(ctx context.Context, id string) (*domain.CancelResponse, error) {
	var resp domain.CancelResponse
	if err := c.do(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(id)+"/cancel", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Cogs lists available units.
func (c *Client) Cogs(ctx context.Context) (*domain.UnitsResponse, error) {
	var resp domain.UnitsResponse
	if err := c.do(ctx, http.MethodGet, "/v1/cogs", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health fetches the server health. An unhealthy server answers 503 with
// the same body.
func (c *Client) Health(ctx context.Context) (*domain.HealthResponse, error) {
	var resp domain.HealthResponse
	err := c.do(ctx, http.MethodGet, "/health", nil, &resp)
	if err == nil {
		return &resp, nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusServiceUnavailable &&
		json.Unmarshal([]byte(apiErr.Message), &resp) == nil {
		return &resp, nil
	}
	return nil, err
}

// Stream reads the SSE stream of a session, calling fn per frame, until the
// server closes it.
func (c *Client) Stream(ctx context.Context, id string, fn func(domain.StreamFrame) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/agents/execute/"+url.PathEscape(id)+"/stream", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if c.userID != "" {
		req.Header.Set("X-User-ID", c.userID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		var frame domain.StreamFrame
		if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &frame); err != nil {
			return fmt.Errorf("decode frame: %w", err)
		}
		if err := fn(frame); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// Watch reads the websocket view of a session, calling fn per frame.
func (c *Client) Watch(ctx context.Context, id string, fn func(domain.StreamFrame) error) error {
	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/v1/agents/execute/" + url.PathEscape(id) + "/ws"
	header := http.Header{}
	if c.userID != "" {
		header.Set("X-User-ID", c.userID)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			defer resp.Body.Close()
			return decodeAPIError(resp)
		}
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		var frame domain.StreamFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read: %w", err)
		}
		if err := fn(frame); err != nil {
			return err
		}
	}
}
