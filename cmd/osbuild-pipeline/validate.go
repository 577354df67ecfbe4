package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jbtrystram/osbuild/internal/pipeline"
)

func newValidateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate MANIFEST...",
		Short: "Check manifests against the stage schemas without running them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			registry := newRegistry()
			var failed error
			for _, manifest := range args {
				p, err := pipeline.ReadManifest(manifest)
				if err == nil {
					err = pipeline.Validate(registry, p)
				}
				if err != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %v\n", manifest, err)
					a.logger.WithField("manifest", manifest).WithField("code", pipeline.ErrorCodeOf(err).String()).Debug("Manifest is invalid")
					if failed == nil {
						failed = err
					}
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", manifest)
			}
			if failed != nil {
				var stageErr *pipeline.StageError
				if errors.As(failed, &stageErr) {
					return stageErr
				}
				return fmt.Errorf("invalid manifest: %w", failed)
			}
			return nil
		},
	}
}
