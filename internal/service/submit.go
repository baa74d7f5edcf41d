package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xiaot623/agentrun/internal/domain"
	"github.com/xiaot623/agentrun/internal/policy"
	"github.com/xiaot623/agentrun/internal/repository"
	"github.com/xiaot623/agentrun/internal/runner"
	"go.uber.org/zap"
)

// storeTimeout bounds each store call made from a background execution.
const storeTimeout = 5 * time.Second

// maxTimeoutSeconds is the largest timeout a time.Duration can hold.
const maxTimeoutSeconds = int64(math.MaxInt64 / int64(time.Second))

// Submit validates a request, records a queued session and starts the
// workflow in the background. It returns as soon as the session is stored.
func (s *Service) Submit(ctx context.Context, userID string, req domain.SubmitRequest) (*domain.SubmitResponse, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, fmt.Errorf("%w: query is required", ErrInvalidRequest)
	}
	kind, err := domain.ParseWorkflowKind(req.WorkflowKind)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if req.Timeout < 0 {
		return nil, fmt.Errorf("%w: timeout must not be negative", ErrInvalidRequest)
	}
	if int64(req.Timeout) > maxTimeoutSeconds {
		return nil, fmt.Errorf("%w: timeout is out of range", ErrInvalidRequest)
	}
	timeout := s.config.AgentTimeout
	if req.Timeout > 0 {
		timeout = time.Duration(req.Timeout) * time.Second
	}

	if err := s.admit(ctx, userID, query, kind, req.CogName, timeout); err != nil {
		return nil, err
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = "sess_" + uuid.New().String()
	}

	runCtx, err := s.reserve(sessionID)
	if err != nil {
		if errors.Is(err, ErrSessionInFlight) {
			s.metrics.RecordRejection("in_flight")
		}
		return nil, err
	}

	now := time.Now().UTC()
	session := domain.NewSession(sessionID, userID, query, kind, req.CogName, now)
	if err := s.store.CreateSession(ctx, session); err != nil {
		s.release(sessionID)
		s.wg.Done()
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil, ErrSessionExists
		}
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	exec := s.runner.Start(runCtx, runner.Request{
		SessionID:    sessionID,
		WorkflowKind: kind,
		CogName:      req.CogName,
		Query:        query,
		Timeout:      timeout,
	})
	go s.execute(sessionID, kind, exec)

	s.metrics.RecordSubmission(string(kind))
	s.metrics.SessionStarted()
	s.logger.Info("workflow submitted",
		zap.String("session_id", sessionID),
		zap.String("user_id", userID),
		zap.String("workflow_kind", string(kind)),
		zap.String("cog_name", req.CogName),
		zap.Duration("timeout", timeout))

	return &domain.SubmitResponse{
		SessionID: sessionID,
		Status:    domain.StatusQueued,
		Message:   "Workflow execution started",
	}, nil
}

func (s *Service) admit(ctx context.Context, userID, query string, kind domain.WorkflowKind, cogName string, timeout time.Duration) error {
	if s.policyEngine == nil {
		return nil
	}
	decision, reason, err := s.policyEngine.Evaluate(ctx, policy.Input{
		UserID:            userID,
		Query:             query,
		WorkflowKind:      string(kind),
		CogName:           cogName,
		TimeoutSeconds:    int(timeout / time.Second),
		MaxTimeoutSeconds: int(s.config.MaxAgentTimeout / time.Second),
	})
	if err != nil {
		return fmt.Errorf("policy evaluation failed: %w", err)
	}
	if decision == policy.DecisionBlock {
		s.metrics.RecordRejection("policy")
		s.logger.Info("submission blocked by policy",
			zap.String("user_id", userID),
			zap.String("cog_name", cogName),
			zap.String("reason", reason))
		if reason == "" {
			return ErrRejected
		}
		return fmt.Errorf("%w: %s", ErrRejected, reason)
	}
	return nil
}

// execute drains the run's events into the store and commits the outcome.
func (s *Service) execute(sessionID string, kind domain.WorkflowKind, exec *runner.Execution) {
	defer s.wg.Done()
	defer s.release(sessionID)

	for ev := range exec.Events() {
		if _, err := s.ApplyEvent(context.Background(), sessionID, ev); err != nil {
			s.logger.Error("failed to apply event",
				zap.String("session_id", sessionID),
				zap.String("kind", string(ev.Kind)),
				zap.Error(err))
		}
	}

	res := exec.Wait()
	session, err := s.finalize(sessionID, res)
	if err != nil {
		s.logger.Error("failed to finalize session", zap.String("session_id", sessionID), zap.Error(err))
	}

	status := domain.StatusFailed
	if session != nil {
		status = session.Status
	}
	s.metrics.SessionFinished(string(kind), string(status), res.Fallback, res.Elapsed)
}

// ApplyEvent merges one progress event into a session as a single
// read-modify-write. Writers of the same session are serialized.
func (s *Service) ApplyEvent(ctx context.Context, sessionID string, ev domain.ProgressEvent) (*domain.Session, error) {
	unlock := s.locks.Lock(sessionID)
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if session == nil {
		return nil, ErrNotFound
	}

	ev.Normalize()
	if !session.Apply(ev, ev.Timestamp.UTC()) {
		return session, nil
	}
	if err := s.store.UpdateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to update session: %w", err)
	}
	s.metrics.RecordEvent(string(ev.Kind))
	s.notify(sessionID)
	return session, nil
}

// finalize commits the terminal state even when the run's own terminal
// event was never applied.
func (s *Service) finalize(sessionID string, res runner.Result) (*domain.Session, error) {
	unlock := s.locks.Lock(sessionID)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if session == nil {
		return nil, ErrNotFound
	}

	now := time.Now().UTC()
	var changed bool
	if res.Success {
		changed = session.Complete(res.FinalResult(), now)
	} else {
		msg := domain.DefaultFailureMessage
		if res.Err != nil {
			msg = res.Err.Error()
		}
		changed = session.Fail(msg, now)
	}
	if changed {
		if err := s.store.UpdateSession(ctx, session); err != nil {
			return nil, fmt.Errorf("failed to update session: %w", err)
		}
		s.notify(sessionID)
	}

	s.logger.Info("workflow finished",
		zap.String("session_id", sessionID),
		zap.String("status", string(session.Status)),
		zap.String("unit", res.Unit),
		zap.Bool("fallback", res.Fallback),
		zap.Duration("elapsed", res.Elapsed))
	return session, nil
}

func (s *Service) notify(sessionID string) {
	if s.hub != nil {
		s.hub.Notify(sessionID)
	}
}
