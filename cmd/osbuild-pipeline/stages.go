package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newStagesCmd(a *app) *cobra.Command {
	var schemaOf string
	cmd := &cobra.Command{
		Use:   "stages",
		Short: "List the available stages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			registry := newRegistry()
			if schemaOf != "" {
				s, ok := registry.Get(schemaOf)
				if !ok {
					return fmt.Errorf("unknown stage: %s", schemaOf)
				}
				return writeJSON(cmd, s.Schema())
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 8, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tMUTATES\tDETERMINISTIC")
			for _, name := range registry.Names() {
				s, _ := registry.Get(name)
				fmt.Fprintf(w, "%s\t%t\t%t\n", name, s.Mutates(), s.Deterministic())
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&schemaOf, "schema", "", "print the options schema of this stage")
	return cmd
}
