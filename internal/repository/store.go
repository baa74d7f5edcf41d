// Package store defines the session storage interface and implementations.
package store

import (
	"context"
	"errors"

	"github.com/xiaot623/agentrun/internal/domain"
)

// ErrAlreadyExists is returned when creating a session whose id is taken.
var ErrAlreadyExists = errors.New("session already exists")

// ErrNotFound is returned when updating a session that does not exist.
var ErrNotFound = errors.New("session not found")

// Store persists the latest known state of each workflow session.
//
// GetSession returns (nil, nil) when the session does not exist. Any other
// error is an infrastructure failure.
type Store interface {
	CreateSession(ctx context.Context, session *domain.Session) error
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
	UpdateSession(ctx context.Context, session *domain.Session) error
	ListSessions(ctx context.Context, userID string, offset, limit int) ([]domain.Session, error)
	DeleteSession(ctx context.Context, sessionID string) (bool, error)
	// ListActiveSessions returns non-terminal sessions, oldest first.
	ListActiveSessions(ctx context.Context, limit int) ([]domain.Session, error)

	Ping(ctx context.Context) error
	Close() error
}
