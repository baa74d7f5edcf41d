package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/xiaot623/agentrun/internal/domain"
	"go.uber.org/zap"
)

// DefaultTimeout bounds a run when the request names no timeout.
const DefaultTimeout = 300 * time.Second

const eventBuffer = 16

// Request describes one run.
type Request struct {
	SessionID    string
	WorkflowKind domain.WorkflowKind
	CogName      string
	Query        string
	Timeout      time.Duration
}

// Result is the terminal outcome of a run. Err is nil on success and carries
// the user-visible failure message otherwise.
type Result struct {
	Success  bool
	Payload  Payload
	Unit     string
	Fallback bool
	Elapsed  time.Duration
	Err      error
}

// FinalResult returns the text recorded on successful completion.
func (r Result) FinalResult() string {
	if resp := r.Payload.Response(); resp != "" {
		return resp
	}
	return domain.DefaultFinalResult
}

// Runner executes units with a deadline.
type Runner struct {
	registry       *Registry
	defaultTimeout time.Duration
	logger         *zap.Logger
}

// New creates a runner. A non-positive defaultTimeout means DefaultTimeout.
func New(registry *Registry, defaultTimeout time.Duration, logger *zap.Logger) *Runner {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		registry:       registry,
		defaultTimeout: defaultTimeout,
		logger:         logger.With(zap.String("component", "runner")),
	}
}

// Registry returns the unit registry.
func (r *Runner) Registry() *Registry {
	return r.registry
}

// Execution is a run in progress. Events is closed after the terminal event.
type Execution struct {
	emitter *emitter
	cancel  context.CancelFunc
	done    chan struct{}
	result  Result
}

// Events returns the progress feed of the run.
func (e *Execution) Events() <-chan domain.ProgressEvent {
	return e.emitter.ch
}

// Wait blocks until the run is over and returns its outcome.
func (e *Execution) Wait() Result {
	<-e.done
	return e.result
}

// Done is closed when the run is over.
func (e *Execution) Done() <-chan struct{} {
	return e.done
}

// Cancel aborts the run. The run still emits its terminal error event.
func (e *Execution) Cancel() {
	e.cancel()
}

// Start launches a run on its own goroutine and returns immediately.
func (r *Runner) Start(ctx context.Context, req Request) *Execution {
	runCtx, cancel := context.WithCancel(ctx)
	exec := &Execution{
		emitter: newEmitter(req.SessionID),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go func() {
		defer close(exec.done)
		defer cancel()
		exec.result = r.run(runCtx, req, exec.emitter)
	}()
	return exec
}

type outcome struct {
	payload  Payload
	unit     string
	fallback bool
	err      error
}

func (r *Runner) run(ctx context.Context, req Request, em *emitter) Result {
	start := time.Now()
	logger := r.logger.With(zap.String("session_id", req.SessionID))
	defer em.close()

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	deadlineCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	em.emit(domain.NewStatusEvent(domain.StatusQueued, "Initializing workflow...", "", 0))
	em.emit(domain.NewStatusEvent(domain.StatusAnalyzing,
		fmt.Sprintf("Analyzing query with %s workflow...", req.WorkflowKind), "Query Analyzer", 25))

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- outcome{err: fmt.Errorf("unit panicked: %v", rec)}
			}
		}()
		done <- r.invoke(deadlineCtx, req, em)
	}()

	fail := func(err error) Result {
		em.emit(domain.NewErrorEvent(err.Error()))
		return Result{Err: err, Elapsed: time.Since(start)}
	}
	interrupted := func() error {
		if ctx.Err() != nil {
			return ErrCancelled
		}
		return timeoutError(timeout)
	}

	var out outcome
	select {
	case out = <-done:
	case <-deadlineCtx.Done():
		err := interrupted()
		logger.Warn("workflow interrupted", zap.Duration("timeout", timeout), zap.Error(err))
		return fail(err)
	}

	if out.err != nil {
		if deadlineCtx.Err() != nil {
			err := interrupted()
			logger.Warn("workflow interrupted", zap.Duration("timeout", timeout), zap.Error(err))
			return fail(err)
		}
		err := &ExecutionError{Unit: out.unit, Err: out.err}
		logger.Error("workflow failed", zap.String("unit", out.unit), zap.Error(out.err))
		res := fail(err)
		res.Unit = out.unit
		res.Fallback = out.fallback
		return res
	}

	elapsed := time.Since(start)
	res := Result{
		Success:  true,
		Payload:  out.payload,
		Unit:     out.unit,
		Fallback: out.fallback,
		Elapsed:  elapsed,
	}

	intermediate, err := json.Marshal(map[string]any{
		"response":       res.FinalResult(),
		"unit":           out.unit,
		"execution_time": elapsed.Seconds(),
		"fallback":       out.fallback,
	})
	if err != nil {
		return fail(&ExecutionError{Unit: out.unit, Err: fmt.Errorf("failed to encode payload: %w", err)})
	}
	em.emit(domain.NewResultEvent("Processing final results...", 90, intermediate))

	completed := domain.NewStatusEvent(domain.StatusCompleted, "Workflow execution completed successfully", "", 100)
	completed.FinalResult = res.FinalResult()
	em.emit(completed)

	logger.Info("workflow completed",
		zap.String("unit", out.unit),
		zap.Bool("fallback", out.fallback),
		zap.Duration("elapsed", elapsed))
	return res
}

// invoke resolves and runs the unit. It runs on its own goroutine and may
// outlive the run when the unit ignores cancellation.
func (r *Runner) invoke(ctx context.Context, req Request, em *emitter) outcome {
	unitName := r.registry.UnitName(req.WorkflowKind, req.CogName)
	em.emit(domain.NewStatusEvent(domain.StatusExecuting,
		fmt.Sprintf("Loading unit: %s...", unitName), "Unit Loader", 30))

	fallback := false
	unit, err := r.registry.Resolve(req.WorkflowKind, req.CogName)
	if err != nil {
		var resErr *ResolutionError
		if !errors.As(err, &resErr) {
			return outcome{unit: unitName, err: err}
		}
		r.logger.Info("unit not found, using fallback",
			zap.String("session_id", req.SessionID),
			zap.String("unit", unitName))
		em.emit(domain.NewStatusEvent(domain.StatusExecuting,
			"Using fallback agent execution...", "Fallback Agent", 40))
		unit = FallbackUnit{}
		fallback = true
	}

	em.emit(domain.NewStatusEvent(domain.StatusExecuting, "Executing workflow...", unit.Name(), 60))

	payload, err := unit.Invoke(ctx, Input{
		SessionID:    req.SessionID,
		WorkflowKind: req.WorkflowKind,
		Query:        req.Query,
	})
	return outcome{payload: payload, unit: unit.Name(), fallback: fallback, err: err}
}

// emitter delivers events until closed; later emits are dropped so a unit
// that outlives its run cannot publish into a finished session.
type emitter struct {
	mu        sync.Mutex
	sessionID string
	ch        chan domain.ProgressEvent
	closed    bool
}

func newEmitter(sessionID string) *emitter {
	return &emitter{
		sessionID: sessionID,
		ch:        make(chan domain.ProgressEvent, eventBuffer),
	}
}

func (e *emitter) emit(ev domain.ProgressEvent) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	ev.SessionID = e.sessionID
	ev.Normalize()
	e.ch <- ev
	return true
}

func (e *emitter) close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	close(e.ch)
}
