package v1

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
)

// ListSessions lists the caller's sessions, newest first.
// GET /v1/sessions?offset=&limit=
func (h *Handler) ListSessions(c echo.Context) error {
	offset, err := queryInt(c, "offset", 0)
	if err != nil || offset < 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid offset"})
	}
	limit, err := queryInt(c, "limit", 0)
	if err != nil || limit < 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid limit"})
	}

	resp, err := h.service.ListSessions(c.Request().Context(), userID(c), offset, limit)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// GetSession returns the current snapshot of a session.
// GET /v1/sessions/:session_id
func (h *Handler) GetSession(c echo.Context) error {
	session, err := h.service.GetSession(c.Request().Context(), userID(c), c.Param("session_id"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, session)
}

// DeleteSession removes a finished session.
// DELETE /v1/sessions/:session_id
func (h *Handler) DeleteSession(c echo.Context) error {
	if err := h.service.DeleteSession(c.Request().Context(), userID(c), c.Param("session_id")); err != nil {
		return errorResponse(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// CancelSession requests cancellation of a running session.
// POST /v1/sessions/:session_id/cancel
func (h *Handler) CancelSession(c echo.Context) error {
	resp, err := h.service.Cancel(c.Request().Context(), userID(c), c.Param("session_id"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

func queryInt(c echo.Context, name string, def int) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
