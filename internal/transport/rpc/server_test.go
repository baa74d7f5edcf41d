package rpc

import (
	"context"
	"net"
	"net/rpc/jsonrpc"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xiaot623/agentrun/internal/config"
	"github.com/xiaot623/agentrun/internal/domain"
	"github.com/xiaot623/agentrun/internal/runner"
	"github.com/xiaot623/agentrun/internal/service"
	"github.com/xiaot623/agentrun/internal/stream"
	"github.com/xiaot623/agentrun/tests/helpers"
	"go.uber.org/zap"
)

func startTestServer(t *testing.T) string {
	t.Helper()
	cfg := &config.Config{
		AgentTimeout:       time.Second,
		MaxAgentTimeout:    time.Minute,
		StreamPollInterval: 10 * time.Millisecond,
		StreamIdleTimeout:  time.Second,
	}
	reg := runner.NewRegistry(nil)
	runner.RegisterBuiltins(reg)
	svc := service.New(helpers.NewTestSQLiteStore(t), runner.New(reg, cfg.AgentTimeout, zap.NewNop()),
		stream.NewHub(zap.NewNop()), nil, nil, cfg, zap.NewNop())

	srv, err := NewServer(svc, zap.NewNop())
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(ln) }()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		_ = svc.Shutdown(ctx)
	})
	return ln.Addr().String()
}

func TestSubmitAndGetSession(t *testing.T) {
	addr := startTestServer(t)
	client, err := jsonrpc.Dial("tcp", addr)
	require.NoError(t, err)
	defer client.Close()

	var submitted domain.SubmitResponse
	err = client.Call("Orchestrator.Submit", &SubmitArgs{
		UserID:  "svc-a",
		Request: domain.SubmitRequest{Query: "ping", CogName: "uppercase"},
	}, &submitted)
	require.NoError(t, err)
	require.NotEmpty(t, submitted.SessionID)
	assert.Equal(t, domain.StatusQueued, submitted.Status)

	var session domain.Session
	require.Eventually(t, func() bool {
		session = domain.Session{}
		err := client.Call("Orchestrator.GetSession", &SessionArgs{UserID: "svc-a", SessionID: submitted.SessionID}, &session)
		return err == nil && session.Status.IsTerminal()
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, domain.StatusCompleted, session.Status)
	assert.Equal(t, "PING", session.FinalResult)

	var cancelled domain.CancelResponse
	require.NoError(t, client.Call("Orchestrator.Cancel", &SessionArgs{UserID: "svc-a", SessionID: submitted.SessionID}, &cancelled))
	assert.Equal(t, domain.StatusCompleted, cancelled.Status)
}

func TestCallErrors(t *testing.T) {
	addr := startTestServer(t)
	client, err := jsonrpc.Dial("tcp", addr)
	require.NoError(t, err)
	defer client.Close()

	var submitted domain.SubmitResponse
	err = client.Call("Orchestrator.Submit", &SubmitArgs{Request: domain.SubmitRequest{Query: "x"}}, &submitted)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "user_id is required")

	err = client.Call("Orchestrator.Submit", &SubmitArgs{UserID: "u", Request: domain.SubmitRequest{Query: ""}}, &submitted)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "query is required")

	var session domain.Session
	err = client.Call("Orchestrator.GetSession", &SessionArgs{UserID: "u", SessionID: "missing"}, &session)
	require.Error(t, err)
	assert.Contains(t, err.Error(), service.ErrNotFound.Error())

	err = client.Call("Orchestrator.GetSession", &SessionArgs{UserID: "u"}, &session)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session_id is required")
}
