package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show store-wide statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		stats, err := store.GetStats()
		if err != nil {
			return fmt.Errorf("failed to get stats: %w", err)
		}

		fmt.Printf("Database: %s\n", stats.Path)
		fmt.Printf("  Schema version:      %d\n", stats.SchemaVersion)
		fmt.Printf("  Size:                %d bytes\n", stats.FileSizeBytes)
		fmt.Printf("  Memories:            %d\n", stats.MemoryCount)
		fmt.Printf("  Pending embeddings:  %d\n", stats.PendingEmbeddings)
		fmt.Printf("  History entries:     %d\n", stats.HistoryCount)
		fmt.Printf("  Causal edges:        %d\n", stats.EdgeCount)
		fmt.Printf("  Checkpoints:         %d\n", stats.CheckpointCount)
		fmt.Printf("  Vector search:       %v\n", stats.VecAvailable)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
