package service

import (
	"context"
	"fmt"
	"time"

	"github.com/xiaot623/agentrun/internal/domain"
	"github.com/xiaot623/agentrun/internal/runner"
	"github.com/xiaot623/agentrun/internal/stream"
	"go.uber.org/zap"
)

// Pagination limits for ListSessions.
const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// GetSession returns a session owned by userID.
func (s *Service) GetSession(ctx context.Context, userID, sessionID string) (*domain.Session, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if session == nil || session.UserID != userID {
		return nil, ErrNotFound
	}
	return session, nil
}

// ListSessions returns a page of the user's sessions, newest first.
func (s *Service) ListSessions(ctx context.Context, userID string, offset, limit int) (*domain.ListSessionsResponse, error) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}

	sessions, err := s.store.ListSessions(ctx, userID, offset, limit+1)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	hasMore := len(sessions) > limit
	if hasMore {
		sessions = sessions[:limit]
	}
	return &domain.ListSessionsResponse{
		Sessions: sessions,
		Offset:   offset,
		Limit:    limit,
		HasMore:  hasMore,
	}, nil
}

// DeleteSession removes a finished session. Executing sessions must be
// cancelled first.
func (s *Service) DeleteSession(ctx context.Context, userID, sessionID string) error {
	if _, err := s.GetSession(ctx, userID, sessionID); err != nil {
		return err
	}
	if s.InFlight(sessionID) {
		return ErrSessionInFlight
	}
	deleted, err := s.store.DeleteSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if !deleted {
		return ErrNotFound
	}
	s.logger.Info("session deleted", zap.String("session_id", sessionID), zap.String("user_id", userID))
	return nil
}

// Cancel stops an executing session. The session ends FAILED once the run
// has reported its cancellation; cancelling a finished session changes
// nothing.
func (s *Service) Cancel(ctx context.Context, userID, sessionID string) (*domain.CancelResponse, error) {
	session, err := s.GetSession(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status.IsTerminal() {
		return &domain.CancelResponse{
			SessionID: sessionID,
			Status:    session.Status,
			Message:   "Session already finished",
		}, nil
	}

	s.mu.Lock()
	cancel, ok := s.inflight[sessionID]
	s.mu.Unlock()
	if ok {
		cancel()
		s.logger.Info("cancellation requested", zap.String("session_id", sessionID))
		return &domain.CancelResponse{
			SessionID: sessionID,
			Status:    session.Status,
			Message:   "Cancellation requested",
		}, nil
	}

	// Not running here: nothing will ever finish it, so fail it directly.
	session, err = s.failOrphan(ctx, sessionID, runner.ErrCancelled.Error())
	if err != nil {
		return nil, err
	}
	return &domain.CancelResponse{
		SessionID: sessionID,
		Status:    session.Status,
		Message:   "Session cancelled",
	}, nil
}

// StreamSession streams snapshots of a session owned by userID until it
// reaches a terminal state.
func (s *Service) StreamSession(ctx context.Context, userID, sessionID string, send stream.SendFunc) error {
	if _, err := s.GetSession(ctx, userID, sessionID); err != nil {
		return err
	}
	return s.publisher.Stream(ctx, sessionID, send)
}

// failOrphan fails a non-terminal session that has no execution behind it.
func (s *Service) failOrphan(ctx context.Context, sessionID, msg string) (*domain.Session, error) {
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
	if !session.Fail(msg, time.Now().UTC()) {
		return session, nil
	}
	if err := s.store.UpdateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to update session: %w", err)
	}
	s.notify(sessionID)
	return session, nil
}
