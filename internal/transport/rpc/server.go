// Package rpc exposes the orchestrator to internal clients over JSON-RPC.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"sync"
	"time"

	"github.com/xiaot623/agentrun/internal/domain"
	"github.com/xiaot623/agentrun/internal/service"
	"go.uber.org/zap"
)

// callTimeout bounds a single RPC call against the store.
const callTimeout = 10 * time.Second

// Server exposes internal RPC endpoints for trusted internal clients.
type Server struct {
	rpcServer *rpc.Server
	logger    *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	done     chan struct{}
}

// NewServer creates a new RPC server bound to the orchestrator service.
func NewServer(svc *service.Service, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	rpcServer := rpc.NewServer()
	handler := &Handler{service: svc}
	if err := rpcServer.RegisterName("Orchestrator", handler); err != nil {
		return nil, fmt.Errorf("register rpc handler: %w", err)
	}

	return &Server{
		rpcServer: rpcServer,
		logger:    logger.With(zap.String("component", "rpc")),
		done:      make(chan struct{}),
	}, nil
}

// Start begins accepting RPC connections on the given address.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until it is closed.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				close(s.done)
				return nil
			}
			s.logger.Warn("rpc accept error", zap.Error(err))
			continue
		}

		go s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(conn))
	}
}

// Shutdown stops accepting new RPC connections.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return nil
	}

	if err := ln.Close(); err != nil {
		return err
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handler implements orchestrator RPC methods.
type Handler struct {
	service *service.Service
}

// SubmitArgs wraps a submission with the owner it runs on behalf of.
type SubmitArgs struct {
	UserID  string               `json:"user_id"`
	Request domain.SubmitRequest `json:"request"`
}

// SessionArgs identifies an owned session.
type SessionArgs struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
}

// Submit queues a workflow execution.
func (h *Handler) Submit(req *SubmitArgs, resp *domain.SubmitResponse) error {
	if req == nil {
		return errors.New("submit request is required")
	}
	if req.UserID == "" {
		return errors.New("user_id is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	result, err := h.service.Submit(ctx, req.UserID, req.Request)
	if err != nil {
		return err
	}
	if resp != nil && result != nil {
		*resp = *result
	}
	return nil
}

// GetSession returns the current snapshot of a session.
func (h *Handler) GetSession(req *SessionArgs, resp *domain.Session) error {
	if err := validateSessionArgs(req); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	session, err := h.service.GetSession(ctx, req.UserID, req.SessionID)
	if err != nil {
		return err
	}
	if resp != nil {
		*resp = *session
	}
	return nil
}

// Cancel requests cancellation of a running session.
func (h *Handler) Cancel(req *SessionArgs, resp *domain.CancelResponse) error {
	if err := validateSessionArgs(req); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	result, err := h.service.Cancel(ctx, req.UserID, req.SessionID)
	if err != nil {
		return err
	}
	if resp != nil && result != nil {
		*resp = *result
	}
	return nil
}

func validateSessionArgs(req *SessionArgs) error {
	if req == nil {
		return errors.New("session request is required")
	}
	if req.UserID == "" {
		return errors.New("user_id is required")
	}
	if req.SessionID == "" {
		return errors.New("session_id is required")
	}
	return nil
}
