package v1

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/xiaot623/agentrun/internal/config"
	"github.com/xiaot623/agentrun/internal/domain"
	"github.com/xiaot623/agentrun/internal/metrics"
	"github.com/xiaot623/agentrun/internal/policy"
	"github.com/xiaot623/agentrun/internal/runner"
	"github.com/xiaot623/agentrun/internal/service"
	"github.com/xiaot623/agentrun/internal/stream"
	"github.com/xiaot623/agentrun/tests/helpers"
	"go.uber.org/zap"
)

func newTestHandler(t *testing.T, mutate func(*config.Config)) *Handler {
	t.Helper()
	cfg := &config.Config{
		AgentTimeout:       2 * time.Second,
		MaxAgentTimeout:    time.Hour,
		DefaultUnits:       config.DefaultUnits(),
		StreamPollInterval: 10 * time.Millisecond,
		StreamIdleTimeout:  time.Second,
		AllowedOrigins:     []string{"*"},
	}
	if mutate != nil {
		mutate(cfg)
	}

	db := helpers.NewTestSQLiteStore(t)
	reg := runner.NewRegistry(nil)
	runner.RegisterBuiltins(reg)

	ctx, cancel := context.WithCancel(context.Background())
	hub := stream.NewHub(zap.NewNop())
	go hub.Run(ctx)

	policyEngine, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	collector := metrics.NewCollector("test", zap.NewNop())
	svc := service.New(db, runner.New(reg, cfg.AgentTimeout, zap.NewNop()), hub, policyEngine, collector, cfg, zap.NewNop())
	t.Cleanup(func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = svc.Shutdown(shutdownCtx)
		cancel()
	})
	return NewHandler(svc, cfg, collector, zap.NewNop())
}

func submit(t *testing.T, e *echo.Echo, h *Handler, user, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/agents/execute", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(UserHeader, user)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if err := h.Execute(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	return rec
}

func getSession(t *testing.T, e *echo.Echo, h *Handler, user, id string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/"+id, nil)
	if user != "" {
		req.Header.Set(UserHeader, user)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("session_id")
	c.SetParamValues(id)
	if err := h.GetSession(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	return rec
}

func waitFinished(t *testing.T, e *echo.Echo, h *Handler, user, id string) domain.Session {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec := getSession(t, e, h, user, id)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		var s domain.Session
		if err := json.Unmarshal(rec.Body.Bytes(), &s); err != nil {
			t.Fatalf("decode session: %v", err)
		}
		if s.Status.IsTerminal() {
			return s
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("session %s did not finish", id)
	return domain.Session{}
}

func TestExecuteValidation(t *testing.T) {
	e := echo.New()
	h := newTestHandler(t, nil)

	cases := []struct {
		name string
		body string
		code int
	}{
		{"malformed", `{"query":`, http.StatusBadRequest},
		{"empty query", `{"query":"  "}`, http.StatusBadRequest},
		{"unknown kind", `{"query":"x","workflow_kind":"nope"}`, http.StatusBadRequest},
		{"policy", `{"query":"x","cog_name":"internal.secret"}`, http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := submit(t, e, h, "u1", tc.body)
			if rec.Code != tc.code {
				t.Fatalf("expected %d, got %d: %s", tc.code, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestExecuteCompletes(t *testing.T) {
	e := echo.New()
	h := newTestHandler(t, nil)

	rec := submit(t, e, h, "u1", `{"query":"hello","cog_name":"uppercase"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp domain.SubmitResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.SessionID == "" || resp.Status != domain.StatusQueued {
		t.Fatalf("unexpected response: %+v", resp)
	}

	s := waitFinished(t, e, h, "u1", resp.SessionID)
	if s.Status != domain.StatusCompleted || s.FinalResult != "HELLO" || s.Progress != 100 {
		t.Fatalf("unexpected session: %+v", s)
	}

	if rec := getSession(t, e, h, "someone_else", resp.SessionID); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for other owner, got %d", rec.Code)
	}
}

func TestExecuteDefaultUser(t *testing.T) {
	e := echo.New()
	h := newTestHandler(t, nil)

	rec := submit(t, e, h, "", `{"query":"hi","cog_name":"echo"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	var resp domain.SubmitResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	s := waitFinished(t, e, h, DefaultUserID, resp.SessionID)
	if s.UserID != DefaultUserID {
		t.Fatalf("expected default user, got %q", s.UserID)
	}
}

func TestExecuteDuplicateSessionID(t *testing.T) {
	e := echo.New()
	h := newTestHandler(t, nil)

	body := `{"session_id":"fixed","query":"hi","cog_name":"echo"}`
	if rec := submit(t, e, h, "u1", body); rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	waitFinished(t, e, h, "u1", "fixed")
	if rec := submit(t, e, h, "u1", body); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestExecuteRateLimited(t *testing.T) {
	e := echo.New()
	h := newTestHandler(t, func(cfg *config.Config) {
		cfg.SubmitRatePerSec = 0.001
		cfg.SubmitBurst = 1
	})

	if rec := submit(t, e, h, "u1", `{"query":"one","cog_name":"echo"}`); rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if rec := submit(t, e, h, "u1", `{"query":"two","cog_name":"echo"}`); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	// Buckets are per owner.
	if rec := submit(t, e, h, "u2", `{"query":"three","cog_name":"echo"}`); rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 for another owner, got %d", rec.Code)
	}
}

func TestListAndDeleteSessions(t *testing.T) {
	e := echo.New()
	h := newTestHandler(t, nil)

	var ids []string
	for _, q := range []string{"a", "b", "c"} {
		rec := submit(t, e, h, "u1", `{"query":"`+q+`","cog_name":"echo"}`)
		var resp domain.SubmitResponse
		_ = json.Unmarshal(rec.Body.Bytes(), &resp)
		ids = append(ids, resp.SessionID)
		waitFinished(t, e, h, "u1", resp.SessionID)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/sessions?limit=2", nil)
	req.Header.Set(UserHeader, "u1")
	rec := httptest.NewRecorder()
	if err := h.ListSessions(e.NewContext(req, rec)); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var list domain.ListSessionsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Sessions) != 2 || !list.HasMore {
		t.Fatalf("unexpected page: %+v", list)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/sessions?offset=-1", nil)
	rec = httptest.NewRecorder()
	_ = h.ListSessions(e.NewContext(req, rec))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodDelete, "/v1/sessions/"+ids[0], nil)
	req.Header.Set(UserHeader, "u1")
	rec = httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("session_id")
	c.SetParamValues(ids[0])
	if err := h.DeleteSession(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if rec := getSession(t, e, h, "u1", ids[0]); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rec.Code)
	}
}

func TestCancelFinishedSession(t *testing.T) {
	e := echo.New()
	h := newTestHandler(t, nil)

	rec := submit(t, e, h, "u1", `{"query":"x","cog_name":"echo"}`)
	var resp domain.SubmitResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	waitFinished(t, e, h, "u1", resp.SessionID)

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set(UserHeader, "u1")
	rec = httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("session_id")
	c.SetParamValues(resp.SessionID)
	if err := h.CancelSession(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var cancel domain.CancelResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &cancel)
	if cancel.Status != domain.StatusCompleted {
		t.Fatalf("unexpected cancel response: %+v", cancel)
	}
}

func TestStreamSessionSSE(t *testing.T) {
	e := echo.New()
	h := newTestHandler(t, nil)
	h.RegisterRoutes(e)

	srv := httptest.NewServer(e)
	defer srv.Close()

	rec := submit(t, e, h, "u1", `{"query":"stream","cog_name":"uppercase"}`)
	var resp domain.SubmitResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v1/agents/execute/"+resp.SessionID+"/stream", nil)
	req.Header.Set(UserHeader, "u1")
	httpResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream request failed: %v", err)
	}
	defer httpResp.Body.Close()

	if ct := httpResp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("unexpected content type %q", ct)
	}

	var last domain.StreamFrame
	scanner := bufio.NewScanner(httpResp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &last); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
	}
	if last.Status != domain.StatusCompleted || last.FinalResult != "STREAM" {
		t.Fatalf("unexpected final frame: %+v", last)
	}
}

func TestStreamSessionNotFound(t *testing.T) {
	e := echo.New()
	h := newTestHandler(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("session_id")
	c.SetParamValues("missing")
	if err := h.StreamSession(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestWatchSessionWebSocket(t *testing.T) {
	e := echo.New()
	h := newTestHandler(t, nil)
	h.RegisterRoutes(e)

	srv := httptest.NewServer(e)
	defer srv.Close()

	rec := submit(t, e, h, "u1", `{"query":"ws","cog_name":"echo"}`)
	var resp domain.SubmitResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/agents/execute/" + resp.SessionID + "/ws"
	header := http.Header{}
	header.Set(UserHeader, "u1")
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	var last domain.StreamFrame
	for {
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var frame domain.StreamFrame
		if err := conn.ReadJSON(&frame); err != nil {
			break
		}
		last = frame
	}
	if last.Status != domain.StatusCompleted || last.FinalResult != "ws" {
		t.Fatalf("unexpected final frame: %+v", last)
	}
}

func TestHealthAndCogs(t *testing.T) {
	e := echo.New()
	h := newTestHandler(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	if err := h.Health(e.NewContext(req, rec)); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var health domain.HealthResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &health)
	if health.Status != "healthy" || health.Version != service.Version {
		t.Fatalf("unexpected health: %+v", health)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/cogs", nil)
	rec = httptest.NewRecorder()
	if err := h.ListCogs(e.NewContext(req, rec)); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	var units domain.UnitsResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &units)
	if len(units.Cogs) < 2 {
		t.Fatalf("expected builtin cogs, got %+v", units)
	}
}

func TestOwnerLimiterDisabled(t *testing.T) {
	l := newOwnerLimiter(0, 0)
	for i := 0; i < 100; i++ {
		if !l.Allow("u") {
			t.Fatal("disabled limiter rejected a request")
		}
	}
}
