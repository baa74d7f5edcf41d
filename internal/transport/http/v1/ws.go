package v1

import (
	"context"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/xiaot623/agentrun/internal/domain"
	"go.uber.org/zap"
)

// wsWriteTimeout bounds a single websocket frame write.
const wsWriteTimeout = 10 * time.Second

// WatchSession streams the same snapshots over a websocket.
// GET /v1/agents/execute/:session_id/ws
func (h *Handler) WatchSession(c echo.Context) error {
	ctx := c.Request().Context()
	owner := userID(c)
	sessionID := c.Param("session_id")

	// Resolve ownership before upgrading so a 404 is still possible.
	if _, err := h.service.GetSession(ctx, owner, sessionID); err != nil {
		return errorResponse(c, err)
	}

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Warn("failed to upgrade websocket", zap.Error(err))
		return nil
	}
	defer ws.Close()

	// Drain client frames so close and ping control messages are handled.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	streamCtx, cancel := contextWithDone(ctx, closed)
	defer cancel()

	err = h.service.StreamSession(streamCtx, owner, sessionID, func(frame domain.StreamFrame) error {
		_ = ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return ws.WriteJSON(frame)
	})
	if err != nil && streamCtx.Err() == nil {
		h.logger.Warn("websocket stream ended early", zap.String("session_id", sessionID), zap.Error(err))
	}

	_ = ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session finished")
	if err != nil {
		msg = websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "stream error")
		if errors.Is(err, streamCtx.Err()) {
			msg = websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
		}
	}
	_ = ws.WriteMessage(websocket.CloseMessage, msg)
	return nil
}

// contextWithDone returns a context that is also cancelled when done closes.
func contextWithDone(parent context.Context, done <-chan struct{}) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
