package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/xiaot623/agentrun/internal/domain"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens the database and runs migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	store := NewSQLiteStoreWithDB(db)
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// NewSQLiteStoreWithDB wraps an already opened and migrated database.
func NewSQLiteStoreWithDB(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS agent_sessions (
			session_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			query TEXT NOT NULL,
			workflow_kind TEXT NOT NULL DEFAULT 'execution',
			cog_name TEXT,
			status TEXT NOT NULL DEFAULT 'queued',
			current_agent TEXT,
			progress INTEGER NOT NULL DEFAULT 0,
			intermediate_results TEXT NOT NULL DEFAULT '[]',
			final_result TEXT,
			error_message TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			started_at DATETIME,
			completed_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agent_sessions_user ON agent_sessions(user_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_agent_sessions_status ON agent_sessions(status)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const sessionColumns = `session_id, user_id, query, workflow_kind, cog_name, status, current_agent, progress,
	intermediate_results, final_result, error_message, created_at, started_at, completed_at`

// CreateSession inserts a new session.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.Session) error {
	results, err := marshalResults(session.IntermediateResults)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agent_sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.SessionID, session.UserID, session.Query, session.WorkflowKind, nullString(session.CogName),
		session.Status, nullString(session.CurrentAgent), session.Progress, results,
		nullString(session.FinalResult), nullString(session.ErrorMessage),
		session.CreatedAt, nullTime(session.StartedAt), nullTime(session.CompletedAt))
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return ErrAlreadyExists
	}
	return err
}

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM agent_sessions WHERE session_id = ?`, sessionID)
	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return session, nil
}

// UpdateSession writes every mutable field of the session.
func (s *SQLiteStore) UpdateSession(ctx context.Context, session *domain.Session) error {
	results, err := marshalResults(session.IntermediateResults)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE agent_sessions SET status = ?, current_agent = ?, progress = ?, intermediate_results = ?,
			final_result = ?, error_message = ?, started_at = ?, completed_at = ?
		 WHERE session_id = ?`,
		session.Status, nullString(session.CurrentAgent), session.Progress, results,
		nullString(session.FinalResult), nullString(session.ErrorMessage),
		nullTime(session.StartedAt), nullTime(session.CompletedAt), session.SessionID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListSessions returns a user's sessions, newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context, userID string, offset, limit int) ([]domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM agent_sessions WHERE user_id = ? ORDER BY created_at DESC, session_id DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset)
	}

	return s.querySessions(ctx, query, userID)
}

// ListActiveSessions returns sessions that have not reached a terminal state.
func (s *SQLiteStore) ListActiveSessions(ctx context.Context, limit int) ([]domain.Session, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.querySessions(ctx,
		`SELECT `+sessionColumns+` FROM agent_sessions WHERE status NOT IN (?, ?) ORDER BY created_at ASC LIMIT ?`,
		domain.StatusCompleted, domain.StatusFailed, limit)
}

func (s *SQLiteStore) querySessions(ctx context.Context, query string, args ...interface{}) ([]domain.Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := []domain.Session{}
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *session)
	}
	return sessions, rows.Err()
}

// DeleteSession removes a session and reports whether it existed.
func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agent_sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var session domain.Session
	var cogName, currentAgent, finalResult, errorMessage sql.NullString
	var results string
	var startedAt, completedAt sql.NullTime
	if err := row.Scan(&session.SessionID, &session.UserID, &session.Query, &session.WorkflowKind, &cogName,
		&session.Status, &currentAgent, &session.Progress, &results, &finalResult, &errorMessage,
		&session.CreatedAt, &startedAt, &completedAt); err != nil {
		return nil, err
	}
	session.CogName = cogName.String
	session.CurrentAgent = currentAgent.String
	session.FinalResult = finalResult.String
	session.ErrorMessage = errorMessage.String
	if startedAt.Valid {
		session.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		session.CompletedAt = &completedAt.Time
	}
	session.IntermediateResults = []json.RawMessage{}
	if results != "" {
		if err := json.Unmarshal([]byte(results), &session.IntermediateResults); err != nil {
			return nil, fmt.Errorf("failed to decode intermediate results: %w", err)
		}
	}
	return &session, nil
}

func marshalResults(results []json.RawMessage) (string, error) {
	if results == nil {
		return "[]", nil
	}
	data, err := json.Marshal(results)
	if err != nil {
		return "", fmt.Errorf("failed to encode intermediate results: %w", err)
	}
	return string(data), nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
