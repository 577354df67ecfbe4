package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jbtrystram/osbuild/internal/common"
	"github.com/jbtrystram/osbuild/internal/pipeline"
	"github.com/jbtrystram/osbuild/internal/stages"
)

const component = "osbuild-pipeline"

var logrusNew = logrus.New

// newRegistry is the stage registry of every command, including the stage
// host.
var newRegistry = stages.NewRegistry

type app struct {
	logger *logrus.Logger
	config *pipelineConfig

	configFile string
	logLevel   string
	logFormat  string
	journal    bool
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "osbuild-pipeline",
		Short:         "Run pipelines of build stages against filesystem trees",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := a.setupLogging(cmd.ErrOrStderr()); err != nil {
				return err
			}
			config, err := parseConfig(a.configFile)
			if err != nil {
				return fmt.Errorf("could not load config file '%s': %w", a.configFile, err)
			}
			a.config = config
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configFile, "config", defaultConfigFile, "path to the configuration file")
	flags.StringVar(&a.logLevel, "log-level", "info", "log level (debug, info, warning, error)")
	flags.StringVar(&a.logFormat, "log-format", "text", "log format (text, json)")
	flags.BoolVar(&a.journal, "journal", false, "send logs to the systemd journal as well")

	root.AddCommand(
		newRunCmd(a),
		newValidateCmd(a),
		newStagesCmd(a),
		newCacheCmd(a),
		newStageHostCmd(a),
		newVersionCmd(),
	)
	return root
}

func (a *app) setupLogging(stderr io.Writer) error {
	level, err := logrus.ParseLevel(a.logLevel)
	if err != nil {
		return err
	}
	a.logger.SetLevel(level)
	a.logger.SetOutput(stderr)

	switch a.logFormat {
	case "text":
		a.logger.SetFormatter(&logrus.TextFormatter{})
	case "json":
		a.logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("unknown log format: %s", a.logFormat)
	}

	a.logger.AddHook(&common.BuildHook{Component: component})
	if a.journal {
		if hook := common.NewJournalHook(component); hook != nil {
			a.logger.AddHook(hook)
		} else {
			a.logger.Warn("The systemd journal is not available")
		}
	}
	return nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a := &app{logger: logrusNew()}
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	return root.ExecuteContext(ctx)
}

// exitCode maps pipeline failures to distinct exit codes so that callers
// can tell a broken manifest from a failing stage.
func exitCode(err error) int {
	var stageErr *pipeline.StageError
	if errors.As(err, &stageErr) {
		return 10 + int(pipeline.ErrorCodeOf(err))
	}
	return 1
}

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(exitCode(err))
	}
}
