// Package stream serves live views of session state to remote observers.
package stream

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Subscriber is woken whenever its session may have changed. Wake-ups
// coalesce: a subscriber that has not yet read Notify sees one pending signal.
type Subscriber struct {
	ID        string
	SessionID string
	Notify    chan struct{}
}

// Hub fans session change notifications out to subscribers.
type Hub struct {
	// Sessions maps session_id to the subscribers attached to it
	sessions map[string]map[string]*Subscriber

	register   chan *Subscriber
	unregister chan *Subscriber
	broadcast  chan string

	done   chan struct{}
	mu     sync.RWMutex
	logger *zap.Logger
}

// NewHub creates a new Hub. Call Run before subscribing.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		sessions:   make(map[string]map[string]*Subscriber),
		register:   make(chan *Subscriber),
		unregister: make(chan *Subscriber),
		broadcast:  make(chan string, 256),
		done:       make(chan struct{}),
		logger:     logger.With(zap.String("component", "hub")),
	}
}

// Run starts the hub's main loop. It returns when ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			return

		case sub := <-h.register:
			h.mu.Lock()
			if h.sessions[sub.SessionID] == nil {
				h.sessions[sub.SessionID] = make(map[string]*Subscriber)
			}
			h.sessions[sub.SessionID][sub.ID] = sub
			h.mu.Unlock()
			h.logger.Debug("subscriber registered",
				zap.String("subscriber_id", sub.ID),
				zap.String("session_id", sub.SessionID))

		case sub := <-h.unregister:
			h.mu.Lock()
			if subs := h.sessions[sub.SessionID]; subs != nil {
				delete(subs, sub.ID)
				if len(subs) == 0 {
					delete(h.sessions, sub.SessionID)
				}
			}
			h.mu.Unlock()
			h.logger.Debug("subscriber unregistered", zap.String("subscriber_id", sub.ID))

		case sessionID := <-h.broadcast:
			h.mu.RLock()
			for _, sub := range h.sessions[sessionID] {
				select {
				case sub.Notify <- struct{}{}:
				default:
					// a wake-up is already pending
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Subscribe attaches a new subscriber to a session. It waits for the Run
// loop to accept the registration, so it fails with ctx's error if Run was
// never started and ctx ends first. A stopped hub returns a subscriber that
// is never woken.
func (h *Hub) Subscribe(ctx context.Context, sessionID string) (*Subscriber, error) {
	sub := &Subscriber{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Notify:    make(chan struct{}, 1),
	}
	select {
	case h.register <- sub:
	case <-h.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return sub, nil
}

// Unsubscribe detaches a subscriber.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	select {
	case h.unregister <- sub:
	case <-h.done:
	}
}

// Notify wakes every subscriber of the session. It never blocks; if the
// broadcast queue is full the wake-up is dropped and subscribers fall back
// to polling.
func (h *Hub) Notify(sessionID string) {
	select {
	case h.broadcast <- sessionID:
	default:
		h.logger.Warn("broadcast queue full, dropping wake-up", zap.String("session_id", sessionID))
	}
}

// Subscribers returns the number of subscribers attached to a session.
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionID])
}
