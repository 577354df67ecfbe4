package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jbtrystram/osbuild/internal/common"
	"github.com/jbtrystram/osbuild/internal/digest"
	"github.com/jbtrystram/osbuild/internal/fsutil"
	"github.com/jbtrystram/osbuild/internal/sandbox"
	"github.com/jbtrystram/osbuild/internal/schema"
	"github.com/jbtrystram/osbuild/internal/stage"
	"github.com/jbtrystram/osbuild/internal/treecache"
)

type Executor struct {
	Registry *stage.Registry
	Runner   sandbox.Runner

	// Cache holds the output trees of deterministic stages. Nil disables
	// caching.
	Cache *treecache.Cache

	// Store is where scratch checkouts are created when there is no
	// cache. Defaults to the system temporary directory.
	Store string

	Logger logrus.FieldLogger

	// Tracker, when set, accounts for scratch checkouts.
	Tracker *sandbox.Tracker

	executions atomic.Int64
}

type Result struct {
	RunID    string `json:"run_id"`
	Pipeline string `json:"pipeline,omitempty"`

	// Tree is the final tree. It is a private checkout owned by the
	// caller.
	Tree       string        `json:"tree,omitempty"`
	TreeDigest digest.Digest `json:"tree_digest"`

	Stages []StageRecord `json:"stages"`
}

// StageRecord describes what happened to one step.
type StageRecord struct {
	Name string `json:"name"`
	// ID identifies this invocation, it is passed to the stage.
	ID       string        `json:"id"`
	Key      digest.Digest `json:"key"`
	Cached   bool          `json:"cached"`
	State    sandbox.State `json:"state"`
	Duration time.Duration `json:"duration"`
	Output   *stage.Output `json:"output,omitempty"`
	Log      string        `json:"log,omitempty"`
}

// Executions returns the number of stages this executor ran in a sandbox.
// Cache hits do not count.
func (e *Executor) Executions() int64 {
	return e.executions.Load()
}

type resolvedStep struct {
	index   int
	step    Step
	stage   stage.Stage
	options json.RawMessage
	// doc is the decoded options document the cache key is computed from
	doc interface{}
}

// resolve looks up and validates every step before anything runs. All
// invalid steps are reported, each as a *StageError.
func resolve(registry *stage.Registry, p *Pipeline) ([]resolvedStep, error) {
	steps := make([]resolvedStep, 0, len(p.Stages))
	var errs []error
	for i, step := range p.Stages {
		rs, err := resolveStep(registry, i, step)
		if err != nil {
			errs = append(errs, &StageError{Index: i, Stage: step.Type, Err: err})
			continue
		}
		steps = append(steps, rs)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return steps, nil
}

func resolveStep(registry *stage.Registry, i int, step Step) (resolvedStep, error) {
	s, ok := registry.Get(step.Type)
	if !ok {
		return resolvedStep{}, &UnknownStageError{Stage: step.Type}
	}

	options := step.Options
	if options == nil {
		options = map[string]interface{}{}
	}
	raw, err := json.Marshal(options)
	if err != nil {
		return resolvedStep{}, fmt.Errorf("cannot encode options: %w", err)
	}
	// round-trip so that the document has exactly the shape the stage will
	// decode
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return resolvedStep{}, err
	}

	if res := schema.Validate(s.Schema(), doc); !res.Valid {
		return resolvedStep{}, &SchemaError{Stage: step.Type, Errors: res.Errors}
	}
	return resolvedStep{index: i, step: step, stage: s, options: raw, doc: doc}, nil
}

// Validate checks that every stage of p exists and that all options match
// their schemas. The error lists every invalid step.
func Validate(registry *stage.Registry, p *Pipeline) error {
	_, err := resolve(registry, p)
	return err
}

// treeRef is the current input tree of a run, together with how to let
// go of it.
type treeRef struct {
	path    string
	digest  digest.Digest
	release func()

	// owned trees are private scratch checkouts of this run, untrack ends
	// their accounting without removing them
	owned   bool
	untrack func()
}

func ownedTree(path string, d digest.Digest, untrack func()) *treeRef {
	return &treeRef{
		path:    path,
		digest:  d,
		owned:   true,
		untrack: untrack,
		release: func() {
			_ = fsutil.RemoveAll(path)
			untrack()
		},
	}
}

// Run executes p on a copy of the tree at base. An empty base starts from
// an empty tree. base itself is never modified.
//
// On failure the returned Result holds the records of the stages that ran
// and the error is a *StageError.
func (e *Executor) Run(ctx context.Context, p *Pipeline, base string) (*Result, error) {
	runID := common.RunIDFromContext(ctx)
	logger := e.logger().WithField("run", runID)
	res := &Result{RunID: runID, Pipeline: p.Name, Stages: []StageRecord{}}

	steps, err := resolve(e.Registry, p)
	if err != nil {
		logger.WithError(err).Error("Pipeline is invalid")
		return res, err
	}

	current, err := e.baseTree(base)
	if err != nil {
		return res, err
	}
	defer func() {
		current.release()
	}()

	for _, rs := range steps {
		next, rec, err := e.runStep(ctx, logger, runID, rs, current)
		res.Stages = append(res.Stages, rec)
		if err != nil {
			err = &StageError{Index: rs.index, Stage: rs.stage.Name(), Err: err}
			logger.WithError(err).WithField("code", ErrorCodeOf(err).String()).Error("Pipeline aborted")
			return res, err
		}
		if next != nil {
			current.release()
			current = next
		}
	}

	tree, err := e.finalTree(current)
	if err != nil {
		return res, err
	}
	res.Tree = tree
	res.TreeDigest = current.digest

	logger.WithFields(logrus.Fields{
		"stages":      len(steps),
		"tree_digest": current.digest.String(),
	}).Info("Pipeline finished")
	return res, nil
}

func (e *Executor) baseTree(base string) (*treeRef, error) {
	if base == "" {
		dir, release, err := e.scratch()
		if err != nil {
			return nil, err
		}
		return ownedTree(dir, digest.EmptyTree, release), nil
	}

	info, err := os.Stat(base)
	if err != nil {
		return nil, fmt.Errorf("cannot use base tree: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("base tree %s is not a directory", base)
	}
	d, err := digest.Tree(base)
	if err != nil {
		return nil, err
	}
	return &treeRef{path: base, digest: d, release: func() {}}, nil
}

// runStep runs one resolved step on current. It returns the new current
// tree, or nil when the step did not change it.
func (e *Executor) runStep(ctx context.Context, logger logrus.FieldLogger, runID string, rs resolvedStep, current *treeRef) (*treeRef, StageRecord, error) {
	rec := StageRecord{Name: rs.stage.Name(), ID: uuid.NewString()}
	started := time.Now()
	defer func() { rec.Duration = time.Since(started) }()

	if err := ctx.Err(); err != nil {
		return nil, rec, err
	}

	key, err := e.cacheKey(rs, current.digest)
	if err != nil {
		return nil, rec, err
	}
	rec.Key = key

	logger = logger.WithFields(logrus.Fields{
		"stage": rs.stage.Name(),
		"index": rs.index,
		"key":   key.String(),
	})

	req := &sandbox.Request{
		Stage:   rs.stage,
		Options: rs.options,
		Inputs:  rs.step.Inputs,
		Meta: map[string]string{
			"id":    rec.ID,
			"run":   runID,
			"index": strconv.Itoa(rs.index),
		},
		Timeout: time.Duration(rs.step.Timeout),
		Network: rs.step.Network,
	}

	switch {
	case !rs.stage.Mutates():
		var before digest.Digest
		dir, release, err := e.execute(ctx, logger, req, current, e.scratch, func(dir string) (err error) {
			// copies may differ from the original in what cannot be
			// preserved, such as ownership when unprivileged
			before, err = digest.Tree(dir)
			return err
		}, &rec)
		if err != nil {
			return nil, rec, err
		}
		defer func() {
			_ = fsutil.RemoveAll(dir)
			release()
		}()

		after, err := digest.Tree(dir)
		if err != nil {
			return nil, rec, err
		}
		if after != before {
			rec.State = sandbox.Failed
			return nil, rec, &sandbox.ExecutionError{
				Stage:       rs.stage.Name(),
				Diagnostics: rec.Log,
				ExitCode:    -1,
				Err:         fmt.Errorf("read-only stage modified the tree"),
			}
		}
		return nil, rec, nil

	case e.Cache != nil && rs.stage.Deterministic():
		entry, built, err := e.Cache.Build(ctx, key, rs.stage.Name(), func(ctx context.Context) (string, *stage.Output, error) {
			dir, release, err := e.execute(ctx, logger, req, current, e.cacheScratch, nil, &rec)
			if err != nil {
				return "", nil, err
			}
			// the cache takes over the tree
			release()
			return dir, rec.Output, nil
		})
		if err != nil {
			return nil, rec, err
		}
		rec.Cached = !built
		if rec.Cached {
			rec.State = sandbox.Succeeded
			rec.Output = entry.Output
			if rec.Output == nil {
				rec.Output = &stage.Output{}
			}
			logger.Info("Stage result taken from cache")
		}
		return &treeRef{
			path:    entry.Path,
			digest:  entry.TreeDigest,
			release: func() { e.Cache.Unpin(key) },
		}, rec, nil

	default:
		dir, release, err := e.execute(ctx, logger, req, current, e.scratch, nil, &rec)
		if err != nil {
			return nil, rec, err
		}
		d, err := digest.Tree(dir)
		if err != nil {
			_ = fsutil.RemoveAll(dir)
			release()
			return nil, rec, err
		}
		return ownedTree(dir, d, release), rec, nil
	}
}

// cacheKey derives the key of a step from its stage, options, input tree
// and the content of its inputs.
func (e *Executor) cacheKey(rs resolvedStep, input digest.Digest) (digest.Digest, error) {
	doc := rs.doc
	if len(rs.step.Inputs) > 0 {
		inputs := make(map[string]string, len(rs.step.Inputs))
		for name, path := range rs.step.Inputs {
			d, err := inputDigest(path)
			if err != nil {
				return digest.Digest{}, fmt.Errorf("input %s: %w", name, err)
			}
			inputs[name] = d.String()
		}
		doc = map[string]interface{}{"options": rs.doc, "inputs": inputs}
	}
	return digest.Key(rs.stage.Name(), doc, input)
}

func inputDigest(path string) (digest.Digest, error) {
	info, err := os.Stat(path)
	if err != nil {
		return digest.Digest{}, err
	}
	if info.IsDir() {
		return digest.Tree(path)
	}
	return digest.File(path)
}

// execute copies current into a fresh checkout and runs the stage on it.
// checkedOut, if set, is called on the checkout before the stage runs.
// On success the checkout is returned along with the function releasing
// its accounting; on failure it has been removed.
func (e *Executor) execute(ctx context.Context, logger logrus.FieldLogger, req *sandbox.Request, current *treeRef, newScratch func() (string, func(), error), checkedOut func(dir string) error, rec *StageRecord) (string, func(), error) {
	dir, release, err := newScratch()
	if err != nil {
		return "", nil, err
	}
	fail := func(err error) (string, func(), error) {
		_ = fsutil.RemoveAll(dir)
		release()
		return "", nil, err
	}

	if err := fsutil.CopyTree(current.path, dir); err != nil {
		return fail(err)
	}
	if checkedOut != nil {
		if err := checkedOut(dir); err != nil {
			return fail(err)
		}
	}

	logger.Info("Running stage")
	e.executions.Add(1)

	stageReq := *req
	stageReq.Tree = dir
	sres, err := e.Runner.Run(ctx, &stageReq)
	if sres != nil {
		rec.State = sres.State
		rec.Log = string(sres.Log)
		rec.Output = sres.Output
	}
	if err != nil {
		return fail(err)
	}
	return dir, release, nil
}

func (e *Executor) scratch() (string, func(), error) {
	dir, err := os.MkdirTemp(e.Store, "checkout-")
	if err != nil {
		return "", nil, fmt.Errorf("cannot create checkout: %w", err)
	}
	return dir, e.track(dir), nil
}

func (e *Executor) cacheScratch() (string, func(), error) {
	dir, err := e.Cache.TempDir("checkout-")
	if err != nil {
		return "", nil, fmt.Errorf("cannot create checkout: %w", err)
	}
	return dir, e.track(dir), nil
}

func (e *Executor) track(dir string) func() {
	if e.Tracker == nil {
		return func() {}
	}
	return e.Tracker.Acquire("checkout", dir)
}

// finalTree hands the last tree of the run to the caller. Private
// checkouts are passed on as they are, shared trees are copied.
func (e *Executor) finalTree(current *treeRef) (string, error) {
	if current.owned {
		// ownership passes to the caller
		current.untrack()
		current.release = func() {}
		return current.path, nil
	}

	dir, err := os.MkdirTemp(e.Store, "result-")
	if err != nil {
		return "", err
	}
	if err := fsutil.CopyTree(current.path, dir); err != nil {
		_ = fsutil.RemoveAll(dir)
		return "", err
	}
	return dir, nil
}

func (e *Executor) logger() logrus.FieldLogger {
	if e.Logger == nil {
		return logrus.StandardLogger()
	}
	return e.Logger
}
