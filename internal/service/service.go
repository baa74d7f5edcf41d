// Package service implements the workflow orchestrator.
package service

import (
	"context"
	"errors"
	"sync"

	"github.com/xiaot623/agentrun/internal/config"
	"github.com/xiaot623/agentrun/internal/metrics"
	"github.com/xiaot623/agentrun/internal/policy"
	"github.com/xiaot623/agentrun/internal/repository"
	"github.com/xiaot623/agentrun/internal/runner"
	"github.com/xiaot623/agentrun/internal/stream"
	"go.uber.org/zap"
)

// Version is reported by the health check.
var Version = "1.0.0"

var (
	ErrNotFound        = errors.New("session not found")
	ErrInvalidRequest  = errors.New("invalid request")
	ErrSessionInFlight = errors.New("session is already executing")
	ErrSessionExists   = errors.New("session already exists")
	ErrRejected        = errors.New("submission rejected")
	ErrShuttingDown    = errors.New("orchestrator is shutting down")
)

// Service owns the lifecycle of every workflow session.
type Service struct {
	store        store.Store
	runner       *runner.Runner
	hub          *stream.Hub
	publisher    *stream.Publisher
	policyEngine *policy.Engine
	metrics      *metrics.Collector
	config       *config.Config
	logger       *zap.Logger

	locks *sessionLocks

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
	closing  bool
	wg       sync.WaitGroup

	baseCtx context.Context
	stop    context.CancelFunc
}

// New creates the orchestrator. hub, policyEngine and m may be nil. A
// non-nil hub must be running before sessions are streamed.
func New(st store.Store, r *runner.Runner, hub *stream.Hub, policyEngine *policy.Engine, m *metrics.Collector, cfg *config.Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	baseCtx, stop := context.WithCancel(context.Background())
	return &Service{
		store:        st,
		runner:       r,
		hub:          hub,
		publisher:    stream.NewPublisher(st, hub, cfg.StreamPollInterval, cfg.StreamIdleTimeout, m, logger),
		policyEngine: policyEngine,
		metrics:      m,
		config:       cfg,
		logger:       logger.With(zap.String("component", "orchestrator")),
		locks:        newSessionLocks(),
		inflight:     make(map[string]context.CancelFunc),
		baseCtx:      baseCtx,
		stop:         stop,
	}
}

// InFlight reports whether a session is executing in this process.
func (s *Service) InFlight(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inflight[sessionID]
	return ok
}

// reserve claims the single execution slot of a session. On success the
// caller owns one count of s.wg and must release it with s.wg.Done.
func (s *Service) reserve(sessionID string) (context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return nil, ErrShuttingDown
	}
	if _, ok := s.inflight[sessionID]; ok {
		return nil, ErrSessionInFlight
	}
	ctx, cancel := context.WithCancel(s.baseCtx)
	s.inflight[sessionID] = cancel
	s.wg.Add(1)
	return ctx, nil
}

func (s *Service) release(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.inflight[sessionID]; ok {
		cancel()
		delete(s.inflight, sessionID)
	}
}

// Shutdown cancels every in-flight execution and waits until each has been
// finalized or ctx is done.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	n := len(s.inflight)
	s.mu.Unlock()

	if n > 0 {
		s.logger.Info("cancelling in-flight sessions", zap.Int("count", n))
	}
	s.stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sessionLocks serializes writers per session id without a global lock.
type sessionLocks struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{locks: make(map[string]*lockEntry)}
}

// Lock acquires the lock of a session and returns its release function.
func (l *sessionLocks) Lock(sessionID string) func() {
	l.mu.Lock()
	e := l.locks[sessionID]
	if e == nil {
		e = &lockEntry{}
		l.locks[sessionID] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.locks, sessionID)
		}
		l.mu.Unlock()
	}
}
