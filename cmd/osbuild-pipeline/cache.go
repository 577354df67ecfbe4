package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jbtrystram/osbuild/internal/treecache"
)

func newCacheCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and prune the tree cache",
	}

	var maxEntries int
	var maxAge time.Duration
	prune := &cobra.Command{
		Use:   "prune",
		Short: "Evict least recently used entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("max-entries") {
				maxEntries = a.config.Cache.MaxEntries
			}
			if !cmd.Flags().Changed("max-age") {
				maxAge = a.config.Cache.MaxAge
			}
			if maxEntries < 0 || maxAge < 0 {
				return fmt.Errorf("cache limits must not be negative")
			}

			cache, err := treecache.New(a.config.Cache.Dir, a.logger)
			if err != nil {
				return err
			}
			evicted, err := cache.Prune(maxEntries, maxAge)
			if err != nil {
				return err
			}
			a.logger.WithField("evicted", evicted).Info("Pruned tree cache")
			fmt.Fprintf(cmd.OutOrStdout(), "evicted %d entries\n", evicted)
			return nil
		},
	}
	prune.Flags().IntVar(&maxEntries, "max-entries", 0, "keep at most this many entries (default from config, 0 for no limit)")
	prune.Flags().DurationVar(&maxAge, "max-age", 0, "evict entries not used for this long (default from config, 0 for no limit)")

	list := &cobra.Command{
		Use:   "list",
		Short: "List cached trees, least recently used first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cache, err := treecache.New(a.config.Cache.Dir, a.logger)
			if err != nil {
				return err
			}
			entries, err := cache.Entries()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 8, 2, ' ', 0)
			fmt.Fprintln(w, "KEY\tSTAGE\tLAST USED")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\n", e.Key, e.Stage, e.LastUsed.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}

	cmd.AddCommand(prune, list)
	return cmd
}
