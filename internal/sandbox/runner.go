// Package sandbox runs single stages in isolated execution contexts.
//
// Every run walks the state machine
//
//	Idle -> Preparing -> Running -> Succeeded | Failed | TimedOut
//
// where Preparing may also fail directly. Preparing builds the execution
// context (environment, namespaces, mounts, limits), Running invokes the
// stage. Whatever the outcome, the context is torn down before Run returns.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jbtrystram/osbuild/internal/prometheus"
	"github.com/jbtrystram/osbuild/internal/stage"
)

const (
	TypeHost      = "host"
	TypeBwrap     = "bwrap"
	TypeInProcess = "inprocess"
)

const (
	DefaultTimeout     = 30 * time.Minute
	DefaultGracePeriod = 5 * time.Second
)

// Limits bound the resources a stage may consume. Zero means unlimited.
// Out-of-process stage hosts apply them to themselves before running the
// stage.
type Limits = stage.Limits

type Config struct {
	// Type selects the backend: host, bwrap or inprocess.
	Type string

	// StageHost is the command line of the stage host executed inside
	// out-of-process sandboxes. It defaults to the running binary with the
	// "stage-host" argument.
	StageHost []string

	// Timeout is the default deadline of a stage.
	Timeout time.Duration

	// GracePeriod is how long a stage may take to exit after SIGTERM
	// before it is killed.
	GracePeriod time.Duration

	AllowNetwork bool
	EnvAllow     []string
	Limits       Limits

	Logger  logrus.FieldLogger
	Tracker *Tracker
}

// Request describes one stage execution.
type Request struct {
	Stage stage.Stage

	// Tree is the checkout the stage runs against. The caller owns it and
	// grants the stage exclusive write access for the duration of Run.
	Tree    string
	Options json.RawMessage
	Inputs  map[string]string
	Meta    map[string]string

	// Timeout overrides the configured deadline when non-zero.
	Timeout time.Duration

	// Network grants network access for this execution.
	Network bool
}

type Result struct {
	State       State
	Transitions []State
	Output      *stage.Output
	// Log is the stage's output, verbatim.
	Log      []byte
	Duration time.Duration
}

// Runner executes stages. Implementations are safe for concurrent use.
type Runner interface {
	// Run executes the stage described by req. On failure the returned
	// Result is still populated and err is an *ExecutionError,
	// *TimeoutError, *SetupError or the cancellation error of ctx.
	Run(ctx context.Context, req *Request) (*Result, error)
}

// execution is one prepared stage run. run must release everything it
// acquired before returning, on every path.
type execution interface {
	run(ctx context.Context) (*stage.Output, error)
}

type backend interface {
	prepare(req *Request, log *capture) (execution, error)
}

type runner struct {
	backend     backend
	timeout     time.Duration
	gracePeriod time.Duration
	logger      logrus.FieldLogger
	tracker     *Tracker
}

// New creates the runner described by config.
func New(config Config) (Runner, error) {
	if config.Logger == nil {
		config.Logger = logrus.StandardLogger()
	}
	if config.Tracker == nil {
		config.Tracker = NewTracker()
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}
	if config.GracePeriod == 0 {
		config.GracePeriod = DefaultGracePeriod
	}
	if config.Timeout < 0 || config.GracePeriod < 0 {
		return nil, fmt.Errorf("sandbox timeouts must not be negative")
	}
	if config.EnvAllow == nil {
		config.EnvAllow = DefaultEnvAllow
	}

	r := &runner{
		timeout:     config.Timeout,
		gracePeriod: config.GracePeriod,
		logger:      config.Logger,
		tracker:     config.Tracker,
	}

	switch config.Type {
	case TypeInProcess:
		r.backend = &inProcessBackend{gracePeriod: config.GracePeriod, logger: config.Logger}
	case TypeHost, TypeBwrap, "":
		if len(config.StageHost) == 0 {
			self, err := os.Executable()
			if err != nil {
				return nil, fmt.Errorf("cannot locate stage host: %w", err)
			}
			config.StageHost = []string{self, "stage-host"}
		}
		env, err := newEnvFilter(config.EnvAllow)
		if err != nil {
			return nil, err
		}
		p := &processBackend{
			stageHost:    config.StageHost,
			gracePeriod:  config.GracePeriod,
			allowNetwork: config.AllowNetwork,
			env:          env,
			limits:       config.Limits,
			tracker:      config.Tracker,
		}
		if config.Type == TypeBwrap {
			p.wrap = bwrapCommand
		}
		r.backend = p
	default:
		return nil, fmt.Errorf("unknown sandbox type: %s", config.Type)
	}

	return r, nil
}

func (r *runner) Run(ctx context.Context, req *Request) (*Result, error) {
	m := newMachine()
	res := &Result{}
	started := time.Now()

	name := "<nil>"
	if req.Stage != nil {
		name = req.Stage.Name()
	}
	logger := r.logger.WithField("stage", name)
	log := newCapture(logger)

	finish := func(state State, err error) (*Result, error) {
		m.to(state)
		res.State = m.state
		res.Transitions = m.path
		res.Log = log.Bytes()
		res.Duration = time.Since(started)
		logger.WithField("state", state.String()).Debugf("Stage finished in %s", res.Duration)
		return res, err
	}

	m.to(Preparing)
	if req.Stage == nil {
		return finish(Failed, &SetupError{Stage: name, Err: errors.New("no stage given")})
	}
	if info, err := os.Stat(req.Tree); err != nil || !info.IsDir() {
		if err == nil {
			err = fmt.Errorf("%s is not a directory", req.Tree)
		}
		return finish(Failed, &SetupError{Stage: name, Err: err})
	}
	if err := ctx.Err(); err != nil {
		return finish(Failed, err)
	}

	exec, err := r.backend.prepare(req, log)
	if err != nil {
		return finish(Failed, &SetupError{Stage: name, Err: err})
	}

	m.to(Running)
	timeout := req.Timeout
	if timeout == 0 {
		timeout = r.timeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	prometheus.StartStageMetrics()
	out, err := exec.run(runCtx)

	var state State
	switch {
	case err == nil:
		state = Succeeded
		if out == nil {
			out = &stage.Output{}
		}
		res.Output = out
	case ctx.Err() != nil:
		// canceled from outside: not the stage's fault
		state = Failed
		err = ctx.Err()
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		state = TimedOut
		err = &TimeoutError{Stage: name, Timeout: timeout, Diagnostics: string(log.Bytes())}
	default:
		state = Failed
		var setupErr *SetupError
		if !errors.As(err, &setupErr) {
			err = &ExecutionError{
				Stage:       name,
				Diagnostics: string(log.Bytes()),
				ExitCode:    exitCode(err),
				Err:         err,
			}
		}
	}
	prometheus.FinishStageMetrics(name, state.String(), started)

	if err != nil {
		logger.WithError(err).WithField("state", state.String()).Warn("Stage did not succeed")
	}
	return finish(state, err)
}
