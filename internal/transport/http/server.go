// Package http provides the HTTP server implementation for the orchestrator.
package http

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/xiaot623/agentrun/internal/config"
	"github.com/xiaot623/agentrun/internal/metrics"
	"github.com/xiaot623/agentrun/internal/service"
	v1 "github.com/xiaot623/agentrun/internal/transport/http/v1"
	"go.uber.org/zap"
)

// NewServer creates and configures the external-facing HTTP server.
// This server handles workflow submission, session reads, live streams and
// the metrics endpoint.
func NewServer(svc *service.Service, cfg *config.Config, collector *metrics.Collector, logger *zap.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: cfg.AllowedOrigins,
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, v1.UserHeader},
	}))
	e.Use(metricsMiddleware(collector))

	// Handlers
	v1Handler := v1.NewHandler(svc, cfg, collector, logger)

	// Register Routes
	v1Handler.RegisterRoutes(e)
	if collector != nil {
		e.GET("/metrics", echo.WrapHandler(collector.Handler()))
	}

	return e
}

// metricsMiddleware records request counts and latency by route template.
func metricsMiddleware(collector *metrics.Collector) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			path := c.Path()
			if path == "" {
				path = "unmatched"
			}
			collector.RecordHTTPRequest(c.Request().Method, path, c.Response().Status, time.Since(start))
			return nil
		}
	}
}
