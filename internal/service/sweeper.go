package service

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// OrphanedMessage is recorded on sessions left unfinished by a previous
// process.
const OrphanedMessage = "workflow execution interrupted: orchestrator restarted"

// RunOrphanSweeper periodically fails sessions that are not terminal but
// have no execution in this process. It sweeps once immediately.
func (s *Service) RunOrphanSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.sweepOrphans(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOrphans(ctx)
		}
	}
}

func (s *Service) sweepOrphans(ctx context.Context) int {
	sweepCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	active, err := s.store.ListActiveSessions(sweepCtx, 100)
	if err != nil {
		s.logger.Warn("orphan sweep failed", zap.Error(err))
		return 0
	}

	swept := 0
	for _, session := range active {
		if s.InFlight(session.SessionID) {
			continue
		}
		updated, err := s.failOrphan(sweepCtx, session.SessionID, OrphanedMessage)
		if err != nil {
			s.logger.Warn("failed to fail orphaned session", zap.String("session_id", session.SessionID), zap.Error(err))
			continue
		}
		if updated.Status.IsTerminal() {
			swept++
			s.logger.Info("orphaned session failed", zap.String("session_id", session.SessionID))
		}
	}
	return swept
}
