// Package cogclient provides an HTTP client for a remote unit library that
// streams execution output as SSE.
package cogclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// SSE event names sent by the unit library.
const (
	EventDelta = "delta"
	EventDone  = "done"
	EventError = "error"
)

// SSEEvent represents a parsed SSE event.
type SSEEvent struct {
	Event string
	Data  string
}

// EventHandler is called for each SSE event from the library.
type EventHandler func(event SSEEvent) error

// InvokeRequest is the body posted to /cogs/{name}/invoke.
type InvokeRequest struct {
	Cog          string `json:"cog"`
	Input        string `json:"input"`
	SessionID    string `json:"session_id"`
	WorkflowKind string `json:"workflow_kind,omitempty"`
}

// DeltaEventData is the payload of a delta event.
type DeltaEventData struct {
	Text string `json:"text"`
}

// DoneEventData is the payload of a done event.
type DoneEventData struct {
	FinalMessage string          `json:"final_message"`
	Output       json.RawMessage `json:"output,omitempty"`
}

// ErrorEventData is the payload of an error event.
type ErrorEventData struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Result is the collected output of one invocation.
type Result struct {
	Response string
	Output   json.RawMessage
}

// Client talks to one unit library endpoint.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new unit library client.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Minute // long timeout for streaming
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Invoke calls a cog's invoke endpoint and streams SSE events to handler.
func (c *Client) Invoke(ctx context.Context, req *InvokeRequest, handler EventHandler) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := c.baseURL + "/cogs/" + url.PathEscape(req.Cog) + "/invoke"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("X-Session-ID", req.SessionID)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to invoke cog: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("cog library returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	return parseSSE(resp.Body, handler)
}

// Run invokes a cog and collects its output. Delta texts are concatenated
// unless the done event carries a final message.
func (c *Client) Run(ctx context.Context, req *InvokeRequest) (*Result, error) {
	var sb strings.Builder
	result := &Result{}
	done := false

	err := c.Invoke(ctx, req, func(event SSEEvent) error {
		switch event.Event {
		case EventDelta:
			delta, err := ParseDeltaEvent(event.Data)
			if err != nil {
				return err
			}
			sb.WriteString(delta.Text)
		case EventDone:
			d, err := ParseDoneEvent(event.Data)
			if err != nil {
				return err
			}
			result.Response = d.FinalMessage
			result.Output = d.Output
			done = true
		case EventError:
			e, err := ParseErrorEvent(event.Data)
			if err != nil {
				return err
			}
			return fmt.Errorf("cog %s failed: %s", req.Cog, e.Message)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !done {
		return nil, fmt.Errorf("cog %s stream ended without done event", req.Cog)
	}
	if result.Response == "" {
		result.Response = sb.String()
	}
	return result, nil
}

// Ping checks that the library answers its health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("cog library health returned status %d", resp.StatusCode)
	}
	return nil
}

// parseSSE parses an SSE stream and calls the handler for each event.
func parseSSE(reader io.Reader, handler EventHandler) error {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var event SSEEvent

	for scanner.Scan() {
		line := scanner.Text()

		// Empty line marks end of event
		if line == "" {
			if event.Event != "" || event.Data != "" {
				if err := handler(event); err != nil {
					return err
				}
				event = SSEEvent{}
			}
			continue
		}

		if strings.HasPrefix(line, "event:") {
			event.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		} else if strings.HasPrefix(line, "data:") {
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if event.Data != "" {
				event.Data += "\n" + data
			} else {
				event.Data = data
			}
		}
		// Ignore comments (lines starting with :) and other fields
	}

	if event.Event != "" || event.Data != "" {
		if err := handler(event); err != nil {
			return err
		}
	}

	return scanner.Err()
}

// ParseDeltaEvent parses a delta event data.
func ParseDeltaEvent(data string) (*DeltaEventData, error) {
	var delta DeltaEventData
	if err := json.Unmarshal([]byte(data), &delta); err != nil {
		return nil, fmt.Errorf("failed to parse delta event: %w", err)
	}
	return &delta, nil
}

// ParseDoneEvent parses a done event data.
func ParseDoneEvent(data string) (*DoneEventData, error) {
	var done DoneEventData
	if err := json.Unmarshal([]byte(data), &done); err != nil {
		return nil, fmt.Errorf("failed to parse done event: %w", err)
	}
	return &done, nil
}

// ParseErrorEvent parses an error event data.
func ParseErrorEvent(data string) (*ErrorEventData, error) {
	var errEvt ErrorEventData
	if err := json.Unmarshal([]byte(data), &errEvt); err != nil {
		return nil, fmt.Errorf("failed to parse error event: %w", err)
	}
	return &errEvt, nil
}
