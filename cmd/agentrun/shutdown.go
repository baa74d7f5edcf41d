package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

type shutdowner interface {
	Shutdown(ctx context.Context) error
}

// shutdown drains the service and both listeners concurrently, each under
// its own timeout. Open streams only end once the service has cancelled
// their sessions, so the HTTP drain must not run ahead of it on a shared
// deadline.
func shutdown(timeout time.Duration, logger *zap.Logger, svc, httpServer, rpcServer shutdowner) error {
	phases := []struct {
		name string
		s    shutdowner
		msg  string
	}{
		{"service", svc, "in-flight sessions did not finish before shutdown"},
		{"http", httpServer, "failed to shutdown http server gracefully"},
		{"rpc", rpcServer, "failed to shutdown rpc server gracefully"},
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, p := range phases {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if err := p.s.Shutdown(ctx); err != nil {
				logger.Warn(p.msg, zap.Error(err))
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", p.name, err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}
