package sandbox

import (
	"fmt"
	"time"
)

// ExecutionError is returned when a stage ran and reported a failure.
// Diagnostics holds everything the stage wrote to stdout and stderr.
type ExecutionError struct {
	Stage       string
	Diagnostics string
	// ExitCode is -1 for stages that did not run as a process.
	ExitCode int
	Err      error
}

func (e *ExecutionError) Error() string {
	if e.ExitCode > 0 {
		return fmt.Sprintf("stage %s failed with exit code %d: %v", e.Stage, e.ExitCode, e.Err)
	}
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// TimeoutError is returned when a stage exceeded its deadline and was
// terminated.
type TimeoutError struct {
	Stage       string
	Timeout     time.Duration
	Diagnostics string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("stage %s timed out after %s", e.Stage, e.Timeout)
}

// SetupError is returned when the isolated execution context for a stage
// could not be created.
type SetupError struct {
	Stage string
	Err   error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("cannot set up sandbox for stage %s: %v", e.Stage, e.Err)
}

func (e *SetupError) Unwrap() error {
	return e.Err
}
