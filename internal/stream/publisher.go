package stream

import (
	"context"
	"errors"
	"time"

	"github.com/xiaot623/agentrun/internal/domain"
	"github.com/xiaot623/agentrun/internal/metrics"
	"go.uber.org/zap"
)

// ErrSessionGone is returned when the session disappears mid-stream.
var ErrSessionGone = errors.New("session no longer exists")

// SessionReader is the read side of the session store.
type SessionReader interface {
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
}

// SendFunc delivers one frame to the remote observer.
type SendFunc func(frame domain.StreamFrame) error

// Publisher produces snapshot streams by re-reading the store on every poll
// tick or hub wake-up.
type Publisher struct {
	reader       SessionReader
	hub          *Hub
	pollInterval time.Duration
	idleTimeout  time.Duration
	metrics      *metrics.Collector
	logger       *zap.Logger
	now          func() time.Time
}

// NewPublisher creates a publisher. hub and m may be nil; a non-nil hub
// must be running (see Hub.Run) or every Stream blocks until its context
// ends.
func NewPublisher(reader SessionReader, hub *Hub, pollInterval, idleTimeout time.Duration, m *metrics.Collector, logger *zap.Logger) *Publisher {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	if idleTimeout <= 0 {
		idleTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		reader:       reader,
		hub:          hub,
		pollInterval: pollInterval,
		idleTimeout:  idleTimeout,
		metrics:      m,
		logger:       logger.With(zap.String("component", "publisher")),
		now:          time.Now,
	}
}

// Stream sends a snapshot whenever the session changes and a keepalive after
// idleTimeout without changes. It returns nil after sending the first
// terminal snapshot, or the error that ended the stream.
func (p *Publisher) Stream(ctx context.Context, sessionID string, send SendFunc) error {
	var wake <-chan struct{}
	if p.hub != nil {
		sub, err := p.hub.Subscribe(ctx, sessionID)
		if err != nil {
			return err
		}
		defer p.hub.Unsubscribe(sub)
		wake = sub.Notify
	}
	p.metrics.StreamAttached()
	defer p.metrics.StreamDetached()

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	var last *domain.StreamFrame
	lastSent := p.now()

	for {
		session, err := p.reader.GetSession(ctx, sessionID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Error("failed to read session", zap.String("session_id", sessionID), zap.Error(err))
			return err
		}
		if session == nil {
			return ErrSessionGone
		}

		now := p.now()
		frame := domain.SnapshotFrame(session, now)
		switch {
		case last == nil || changed(*last, frame):
			if err := send(frame); err != nil {
				return err
			}
			last = &frame
			lastSent = now
		case now.Sub(lastSent) >= p.idleTimeout:
			if err := send(domain.KeepaliveFrame(sessionID, now)); err != nil {
				return err
			}
			lastSent = now
		}

		if frame.IsTerminal() {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-wake:
		}
	}
}

func changed(a, b domain.StreamFrame) bool {
	return a.Status != b.Status ||
		a.Progress != b.Progress ||
		a.CurrentAgent != b.CurrentAgent ||
		a.FinalResult != b.FinalResult ||
		a.ErrorMessage != b.ErrorMessage
}
