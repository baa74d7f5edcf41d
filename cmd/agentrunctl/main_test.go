package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xiaot623/agentrun/internal/domain"
)

func fakeServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/agents/execute", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "alice", r.Header.Get("X-User-ID"))
		var req domain.SubmitRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.Query == "" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid request: query is required"}`))
			return
		}
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(domain.SubmitResponse{SessionID: "sess_1", Status: domain.StatusQueued})
	})
	mux.HandleFunc("GET /v1/agents/execute/sess_1/stream", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		frames := []domain.StreamFrame{
			{Type: domain.FrameTypeStatus, Status: domain.StatusExecuting, Progress: 30, CurrentAgent: "Unit Loader"},
			{Type: domain.FrameTypeKeepalive},
			{Type: domain.FrameTypeStatus, Status: domain.StatusCompleted, Progress: 100, FinalResult: "done!"},
		}
		for _, f := range frames {
			data, _ := json.Marshal(f)
			fmt.Fprintf(w, "data: %s\n\n", data)
		}
	})
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(domain.HealthResponse{Status: "unhealthy", Mode: "degraded"})
	})
	mux.HandleFunc("DELETE /v1/sessions/busy", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"session is still running"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func runCLI(t *testing.T, srv *httptest.Server, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append([]string{"--server", srv.URL, "--user", "alice"}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestSubmitFollow(t *testing.T) {
	srv := fakeServer(t)

	out, err := runCLI(t, srv, "submit", "hello", "--follow")
	require.NoError(t, err)
	assert.Contains(t, out, "session sess_1 queued")
	assert.Contains(t, out, "[ 30%] executing Unit Loader")
	assert.Contains(t, out, "result: done!")
	assert.NotContains(t, out, "keepalive")
}

func TestSubmitReportsServerError(t *testing.T) {
	srv := fakeServer(t)

	_, err := runCLI(t, srv, "submit", "")
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, "invalid request: query is required", apiErr.Message)
}

func TestHealthDecodesUnhealthyBody(t *testing.T) {
	srv := fakeServer(t)

	out, err := runCLI(t, srv, "health")
	require.NoError(t, err)
	assert.Contains(t, out, `"status": "unhealthy"`)
}

func TestDeleteConflict(t *testing.T) {
	srv := fakeServer(t)

	_, err := runCLI(t, srv, "delete", "busy")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "409")
}
