package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jbtrystram/osbuild/internal/archive"
	"github.com/jbtrystram/osbuild/internal/common"
	"github.com/jbtrystram/osbuild/internal/fsutil"
	"github.com/jbtrystram/osbuild/internal/pipeline"
	"github.com/jbtrystram/osbuild/internal/prometheus"
	"github.com/jbtrystram/osbuild/internal/sandbox"
	"github.com/jbtrystram/osbuild/internal/treecache"
)

type runOptions struct {
	tree        string
	output      string
	export      string
	metricsFile string
	noCache     bool
	runID       string
}

func newRunCmd(a *app) *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run MANIFEST",
		Short: "Run a pipeline and print its result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runPipeline(cmd, args[0], &opts)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.tree, "tree", "", "base tree to start from (default: empty tree)")
	flags.StringVar(&opts.output, "output", "", "directory to move the final tree to, must not exist")
	flags.StringVar(&opts.export, "export", "", "write the final tree as tarball, compressed if the name ends in .zst")
	flags.StringVar(&opts.metricsFile, "metrics-file", "", "write metrics in the text exposition format to this file")
	flags.BoolVar(&opts.noCache, "no-cache", false, "neither use nor fill the tree cache")
	flags.StringVar(&opts.runID, "run-id", "", "identifier of this run (default: generated)")
	return cmd
}

// newExecutor wires up the executor described by the configuration.
func (a *app) newExecutor(noCache bool) (*pipeline.Executor, error) {
	if err := os.MkdirAll(a.config.Store, 0700); err != nil {
		return nil, fmt.Errorf("cannot create store: %w", err)
	}

	tracker := sandbox.NewTracker()
	runner, err := sandbox.New(a.config.runnerConfig(a.logger, tracker))
	if err != nil {
		return nil, err
	}

	e := &pipeline.Executor{
		Registry: newRegistry(),
		Runner:   runner,
		Store:    a.config.Store,
		Logger:   a.logger,
		Tracker:  tracker,
	}
	if !a.config.Cache.Disabled && !noCache {
		e.Cache, err = treecache.New(a.config.Cache.Dir, a.logger)
		if err != nil {
			return nil, err
		}
	}
	return e, nil
}

func (a *app) runPipeline(cmd *cobra.Command, manifest string, opts *runOptions) error {
	p, err := pipeline.ReadManifest(manifest)
	if err != nil {
		return err
	}

	if opts.output != "" {
		if _, err := os.Lstat(opts.output); err == nil {
			return fmt.Errorf("output %s already exists", opts.output)
		}
	}

	if a.logger.IsLevelEnabled(logrus.DebugLevel) {
		a.logger.Debug("Configuration:")
		w := a.logger.WriterLevel(logrus.DebugLevel)
		err := toml.NewEncoder(w).Encode(a.config)
		w.Close()
		if err != nil {
			return fmt.Errorf("could not print config: %w", err)
		}
	}

	executor, err := a.newExecutor(opts.noCache)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if opts.runID != "" {
		ctx = common.WithRunID(ctx, opts.runID)
	}
	res, runErr := executor.Run(ctx, p, opts.tree)

	if tracker := executor.Tracker; tracker.Live() > 0 {
		a.logger.WithField("resources", tracker.Resources()).Error("Resources left behind by the run")
	}

	if runErr == nil {
		runErr = a.deliver(res, opts)
	}

	metricsFile := opts.metricsFile
	if metricsFile == "" {
		metricsFile = a.config.MetricsFile
	}
	if metricsFile != "" {
		if err := prometheus.WriteTextfile(metricsFile); err != nil {
			a.logger.WithError(err).Error("Could not write metrics")
		}
	}

	if err := writeJSON(cmd, res); err != nil {
		return err
	}
	return runErr
}

// deliver hands the final tree over to where it was asked for.
func (a *app) deliver(res *pipeline.Result, opts *runOptions) error {
	if opts.export != "" {
		if err := archive.ExportFile(res.Tree, opts.export); err != nil {
			return err
		}
		a.logger.WithField("path", opts.export).Info("Exported tree")
	}

	if opts.output == "" {
		if opts.export != "" {
			err := fsutil.RemoveAll(res.Tree)
			res.Tree = ""
			return err
		}
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(opts.output), 0755); err != nil {
		return err
	}
	if err := fsutil.MoveTree(res.Tree, opts.output); err != nil {
		return fmt.Errorf("cannot move tree to %s: %w", opts.output, err)
	}
	res.Tree = opts.output
	return nil
}

func writeJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
