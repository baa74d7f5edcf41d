package runner

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnitNotFound is returned when a unit name cannot be resolved.
	ErrUnitNotFound = errors.New("execution unit not found")
	// ErrTimeout is returned when a run exceeds its deadline.
	ErrTimeout = errors.New("workflow execution timed out")
	// ErrCancelled is returned when a run is cancelled before it finishes.
	ErrCancelled = errors.New("workflow execution cancelled")
)

// ResolutionError reports an unknown unit name.
type ResolutionError struct {
	Name string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("execution unit not found: %s", e.Name)
}

func (e *ResolutionError) Unwrap() error { return ErrUnitNotFound }

// ExecutionError wraps a failure raised by a unit.
type ExecutionError struct {
	Unit string
	Err  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("workflow execution failed: %v", e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

func timeoutError(timeout time.Duration) error {
	return fmt.Errorf("%w after %s", ErrTimeout, formatTimeout(timeout))
}

func formatTimeout(d time.Duration) string {
	if d%time.Second == 0 {
		return fmt.Sprintf("%d seconds", int64(d/time.Second))
	}
	return d.String()
}
