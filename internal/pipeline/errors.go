package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jbtrystram/osbuild/internal/sandbox"
	"github.com/jbtrystram/osbuild/internal/schema"
	"github.com/jbtrystram/osbuild/internal/treecache"
)

const (
	ErrorSchema          ErrorCode = 1
	ErrorExecution       ErrorCode = 2
	ErrorTimeout         ErrorCode = 3
	ErrorSandboxSetup    ErrorCode = 4
	ErrorCacheCorruption ErrorCode = 5
	ErrorUnknownStage    ErrorCode = 6
	ErrorCanceled        ErrorCode = 7
	ErrorInternal        ErrorCode = 8
)

type ErrorCode int

func (c ErrorCode) String() string {
	switch c {
	case ErrorSchema:
		return "schema"
	case ErrorExecution:
		return "execution"
	case ErrorTimeout:
		return "timeout"
	case ErrorSandboxSetup:
		return "sandbox-setup"
	case ErrorCacheCorruption:
		return "cache-corruption"
	case ErrorUnknownStage:
		return "unknown-stage"
	case ErrorCanceled:
		return "canceled"
	}
	return "internal"
}

// ErrorCodeOf classifies err. Errors outside the taxonomy are internal.
func ErrorCodeOf(err error) ErrorCode {
	var coded interface{ Code() ErrorCode }
	if errors.As(err, &coded) {
		return coded.Code()
	}

	var (
		execErr    *sandbox.ExecutionError
		timeoutErr *sandbox.TimeoutError
		setupErr   *sandbox.SetupError
		corruptErr *treecache.CorruptionError
	)
	switch {
	case errors.As(err, &timeoutErr):
		return ErrorTimeout
	case errors.As(err, &setupErr):
		return ErrorSandboxSetup
	case errors.As(err, &execErr):
		return ErrorExecution
	case errors.As(err, &corruptErr):
		return ErrorCacheCorruption
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ErrorCanceled
	}
	return ErrorInternal
}

// SchemaError lists every violation found in the options of a stage.
type SchemaError struct {
	Stage  string
	Errors []schema.Error
}

func (e *SchemaError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "invalid options for stage %s:", e.Stage)
	for _, err := range e.Errors {
		b.WriteString("\n  ")
		b.WriteString(err.String())
	}
	return b.String()
}

func (e *SchemaError) Code() ErrorCode {
	return ErrorSchema
}

type UnknownStageError struct {
	Stage string
}

func (e *UnknownStageError) Error() string {
	return fmt.Sprintf("unknown stage: %s", e.Stage)
}

func (e *UnknownStageError) Code() ErrorCode {
	return ErrorUnknownStage
}

// StageError attributes a failure to a step of the pipeline.
type StageError struct {
	Index int
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %d (%s): %v", e.Index, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func (e *StageError) Code() ErrorCode {
	return ErrorCodeOf(e.Err)
}
