package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xiaot623/agentrun/internal/domain"
)

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisStore implements Store on Redis. Each session is a JSON string; a
// per-user sorted set scored by creation time backs ListSessions.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisStoreWithClient(client, opts.KeyPrefix), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "agentrun:"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisStore) sessionKey(sessionID string) string {
	return s.keyPrefix + "session:" + sessionID
}

func (s *RedisStore) userKey(userID string) string {
	return s.keyPrefix + "user:" + userID
}

func (s *RedisStore) activeKey() string {
	return s.keyPrefix + "active"
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks the connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// CreateSession stores a new session; it fails if the id is taken.
func (s *RedisStore) CreateSession(ctx context.Context, session *domain.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.sessionKey(session.SessionID), data, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrAlreadyExists
	}
	member := redis.Z{Score: float64(session.CreatedAt.UnixNano()), Member: session.SessionID}
	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, s.userKey(session.UserID), member)
	if !session.Status.IsTerminal() {
		pipe.ZAdd(ctx, s.activeKey(), member)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		// An unindexed session is invisible to listings and the orphan sweep.
		rollback := s.client.TxPipeline()
		rollback.Del(ctx, s.sessionKey(session.SessionID))
		rollback.ZRem(ctx, s.userKey(session.UserID), session.SessionID)
		if _, delErr := rollback.Exec(context.WithoutCancel(ctx)); delErr != nil {
			return fmt.Errorf("failed to index session: %w (rollback failed: %v)", err, delErr)
		}
		return fmt.Errorf("failed to index session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID.
func (s *RedisStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	data, err := s.client.Get(ctx, s.sessionKey(sessionID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeSession(data)
}

// UpdateSession overwrites an existing session.
func (s *RedisStore) UpdateSession(ctx context.Context, session *domain.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	ok, err := s.client.SetXX(ctx, s.sessionKey(session.SessionID), data, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	if session.Status.IsTerminal() {
		return s.client.ZRem(ctx, s.activeKey(), session.SessionID).Err()
	}
	return nil
}

// ListSessions returns a user's sessions, newest first.
func (s *RedisStore) ListSessions(ctx context.Context, userID string, offset, limit int) ([]domain.Session, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(offset + limit - 1)
	}
	ids, err := s.client.ZRevRange(ctx, s.userKey(userID), int64(offset), stop).Result()
	if err != nil {
		return nil, err
	}
	return s.loadSessions(ctx, ids)
}

// ListActiveSessions returns sessions that have not reached a terminal state.
func (s *RedisStore) ListActiveSessions(ctx context.Context, limit int) ([]domain.Session, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := s.client.ZRange(ctx, s.activeKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	return s.loadSessions(ctx, ids)
}

func (s *RedisStore) loadSessions(ctx context.Context, ids []string) ([]domain.Session, error) {
	sessions := []domain.Session{}
	if len(ids) == 0 {
		return sessions, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.sessionKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		session, err := decodeSession([]byte(raw))
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *session)
	}
	return sessions, nil
}

// DeleteSession removes a session and its index entry.
func (s *RedisStore) DeleteSession(ctx context.Context, sessionID string) (bool, error) {
	session, err := s.GetSession(ctx, sessionID)
	if err != nil || session == nil {
		return false, err
	}
	pipe := s.client.TxPipeline()
	del := pipe.Del(ctx, s.sessionKey(sessionID))
	pipe.ZRem(ctx, s.userKey(session.UserID), sessionID)
	pipe.ZRem(ctx, s.activeKey(), sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return del.Val() > 0, nil
}

func decodeSession(data []byte) (*domain.Session, error) {
	var session domain.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	if session.IntermediateResults == nil {
		session.IntermediateResults = []json.RawMessage{}
	}
	return &session, nil
}
