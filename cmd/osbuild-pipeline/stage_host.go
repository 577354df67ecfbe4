package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jbtrystram/osbuild/internal/common"
	"github.com/jbtrystram/osbuild/internal/stage"
)

// resultFD is the file descriptor the sandbox reads the stage output from.
const resultFD = 3

func newStageHostCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:    "stage-host",
		Short:  "Run a single stage inside a sandbox (internal)",
		Hidden: true,
		Args:   cobra.NoArgs,
		// the stage host has no configuration of its own
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setupLogging(cmd.ErrOrStderr())
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			result := os.NewFile(resultFD, "result")
			if result == nil {
				return fmt.Errorf("result file descriptor %d is not open", resultFD)
			}
			defer result.Close()
			return stage.ServeHost(cmd.Context(), newRegistry(), cmd.InOrStdin(), result, cmd.OutOrStdout())
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		// no configuration needed
		PersistentPreRun: func(cmd *cobra.Command, args []string) {},
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "commit: %s\nbuilt: %s\ngo: %s\n", common.BuildCommit, common.BuildTime, common.BuildGoVersion)
			return nil
		},
	}
}
