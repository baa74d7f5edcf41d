package service

import (
	"context"
	"time"

	"github.com/xiaot623/agentrun/internal/domain"
	"go.uber.org/zap"
)

// ListUnits returns the registered units and the default unit per kind.
func (s *Service) ListUnits() *domain.UnitsResponse {
	reg := s.runner.Registry()
	return &domain.UnitsResponse{
		Cogs:     reg.Names(),
		Defaults: reg.Defaults(),
	}
}

// Health reports whether the store answers and whether the unit library is
// available or every run will take the fallback path.
func (s *Service) Health(ctx context.Context) *domain.HealthResponse {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	resp := &domain.HealthResponse{
		Status:               "healthy",
		UnitLibraryAvailable: s.runner.Registry().Available(ctx),
		Mode:                 "full",
		Version:              Version,
		Ts:                   time.Now().UnixMilli(),
	}
	if !resp.UnitLibraryAvailable {
		resp.Mode = "degraded"
	}
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("store ping failed", zap.Error(err))
		resp.Status = "unhealthy"
	}
	return resp
}
