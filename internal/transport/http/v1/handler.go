// Package v1 provides the public HTTP handlers of the orchestrator.
package v1

import (
	"errors"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/xiaot623/agentrun/internal/config"
	"github.com/xiaot623/agentrun/internal/metrics"
	"github.com/xiaot623/agentrun/internal/service"
	"go.uber.org/zap"
)

// UserHeader carries the caller identity. Authentication happens upstream.
const UserHeader = "X-User-ID"

// DefaultUserID is used when no identity header is present.
const DefaultUserID = "default_user"

// Handler handles HTTP requests.
type Handler struct {
	service  *service.Service
	limiter  *ownerLimiter
	metrics  *metrics.Collector
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewHandler creates a new handler.
func NewHandler(svc *service.Service, cfg *config.Config, m *metrics.Collector, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	origins := make(map[string]struct{}, len(cfg.AllowedOrigins))
	allowAll := false
	for _, o := range cfg.AllowedOrigins {
		if o == "*" {
			allowAll = true
		}
		origins[o] = struct{}{}
	}
	return &Handler{
		service: svc,
		limiter: newOwnerLimiter(cfg.SubmitRatePerSec, cfg.SubmitBurst),
		metrics: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" || allowAll {
					return true
				}
				_, ok := origins[origin]
				return ok
			},
		},
		logger: logger.With(zap.String("component", "http")),
	}
}

// RegisterRoutes registers external routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	// Workflow execution
	e.POST("/v1/agents/execute", h.Execute)
	e.GET("/v1/agents/execute/:session_id/stream", h.StreamSession)
	e.GET("/v1/agents/execute/:session_id/ws", h.WatchSession)

	// Sessions
	e.GET("/v1/sessions", h.ListSessions)
	e.GET("/v1/sessions/:session_id", h.GetSession)
	e.DELETE("/v1/sessions/:session_id", h.DeleteSession)
	e.POST("/v1/sessions/:session_id/cancel", h.CancelSession)

	// Units
	e.GET("/v1/cogs", h.ListCogs)

	e.GET("/health", h.Health)
}

func userID(c echo.Context) string {
	if id := c.Request().Header.Get(UserHeader); id != "" {
		return id
	}
	return DefaultUserID
}

// errorResponse maps service errors to HTTP status codes.
func errorResponse(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrSessionInFlight), errors.Is(err, service.ErrSessionExists):
		status = http.StatusConflict
	case errors.Is(err, service.ErrRejected):
		status = http.StatusForbidden
	case errors.Is(err, service.ErrShuttingDown):
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, map[string]string{"error": err.Error()})
}

// Health returns health status.
// GET /health
func (h *Handler) Health(c echo.Context) error {
	resp := h.service.Health(c.Request().Context())
	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, resp)
}

// ListCogs lists available execution units and the default per kind.
// GET /v1/cogs
func (h *Handler) ListCogs(c echo.Context) error {
	return c.JSON(http.StatusOK, h.service.ListUnits())
}
