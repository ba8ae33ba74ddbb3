package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/memcore/memcore/internal/engine"
)

var indexForce bool

var indexCmd = &cobra.Command{
	Use:   "index <path>...",
	Short: "Categorize files as needing reindex, mtime-only update, or skip",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ix := engine.NewIndexer(store)
		result, err := ix.Categorize(args, engine.IndexerOptions{Force: indexForce})
		if err != nil {
			return fmt.Errorf("failed to categorize paths: %w", err)
		}

		for _, p := range result.NeedsIndexing {
			fmt.Printf("reindex     %s\n", p)
		}
		for _, u := range result.NeedsMtimeUpdate {
			fmt.Printf("mtime_only  %s\n", u.Path)
		}
		for _, p := range result.Unchanged {
			fmt.Printf("unchanged   %s\n", p)
		}
		for _, p := range result.NotFound {
			fmt.Printf("not_found   %s\n", p)
		}

		if len(result.NeedsMtimeUpdate) > 0 {
			if err := ix.BatchUpdateMtimes(result.NeedsMtimeUpdate); err != nil {
				return fmt.Errorf("failed to persist mtime-only updates: %w", err)
			}
		}

		fmt.Println()
		for reason, count := range result.Stats {
			fmt.Printf("%-20s %d\n", reason, count)
		}
		return nil
	},
}

func init() {
	indexCmd.Flags().BoolVar(&indexForce, "force", false, "force reindex regardless of hash/mtime")
	rootCmd.AddCommand(indexCmd)
}
