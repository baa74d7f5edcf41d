package v1

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/xiaot623/agentrun/internal/domain"
	"go.uber.org/zap"
)

// Execute queues a workflow execution and returns its session id.
// POST /v1/agents/execute
func (h *Handler) Execute(c echo.Context) error {
	ctx := c.Request().Context()
	owner := userID(c)

	var req domain.SubmitRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	if !h.limiter.Allow(owner) {
		h.metrics.RecordRejection("rate_limit")
		return c.JSON(http.StatusTooManyRequests, map[string]string{"error": "too many requests"})
	}

	resp, err := h.service.Submit(ctx, owner, req)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusAccepted, resp)
}

// StreamSession streams session snapshots as server-sent events until the
// session reaches a terminal state.
// GET /v1/agents/execute/:session_id/stream
func (h *Handler) StreamSession(c echo.Context) error {
	ctx := c.Request().Context()
	sessionID := c.Param("session_id")
	w := c.Response()

	err := h.service.StreamSession(ctx, userID(c), sessionID, func(frame domain.StreamFrame) error {
		if !w.Committed {
			w.Header().Set(echo.HeaderContentType, "text/event-stream")
			w.Header().Set(echo.HeaderCacheControl, "no-cache")
			w.Header().Set(echo.HeaderConnection, "keep-alive")
			w.Header().Set("X-Accel-Buffering", "no")
			w.WriteHeader(http.StatusOK)
		}
		data, err := json.Marshal(frame)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		w.Flush()
		return nil
	})
	if err == nil {
		return nil
	}
	if !w.Committed {
		return errorResponse(c, err)
	}
	if ctx.Err() == nil {
		h.logger.Warn("stream ended early", zap.String("session_id", sessionID), zap.Error(err))
	}
	return nil
}
