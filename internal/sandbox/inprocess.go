package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jbtrystram/osbuild/internal/stage"
)

// inProcessBackend calls stages directly. It offers no isolation beyond a
// deadline and is meant for tests and trusted stages.
type inProcessBackend struct {
	gracePeriod time.Duration
	logger      logrus.FieldLogger
}

type inProcessExecution struct {
	backend *inProcessBackend
	stage   stage.Stage
	args    *stage.Args
	log     *lineWriter
}

func (b *inProcessBackend) prepare(req *Request, log *capture) (execution, error) {
	w := log.stream("stdout")
	return &inProcessExecution{
		backend: b,
		stage:   req.Stage,
		args: &stage.Args{
			Tree:    req.Tree,
			Options: req.Options,
			Inputs:  req.Inputs,
			Meta:    req.Meta,
			Log:     w,
		},
		log: w,
	}, nil
}

type inProcessResult struct {
	out *stage.Output
	err error
}

func (e *inProcessExecution) run(ctx context.Context) (*stage.Output, error) {
	done := make(chan inProcessResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- inProcessResult{err: &panicError{value: r}}
			}
		}()
		out, err := e.stage.Run(ctx, e.args)
		done <- inProcessResult{out, err}
	}()

	var res inProcessResult
	select {
	case res = <-done:
	case <-ctx.Done():
		// give the stage the grace period to notice the cancellation
		select {
		case res = <-done:
		case <-time.After(e.backend.gracePeriod):
			e.backend.logger.WithField("stage", e.stage.Name()).Warn("Abandoning stage that did not return after cancellation")
			return nil, ctx.Err()
		}
		if res.err == nil {
			res.err = ctx.Err()
		}
	}
	e.log.Flush()

	if res.err != nil && ctx.Err() != nil && !errors.Is(res.err, ctx.Err()) {
		// report the deadline, not whatever the interrupted stage made of it
		return nil, ctx.Err()
	}
	return res.out, res.err
}

type panicError struct {
	value interface{}
}

func (e *panicError) Error() string {
	return fmt.Sprintf("stage panicked: %v", e.value)
}
