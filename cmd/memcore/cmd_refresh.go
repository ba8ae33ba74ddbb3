package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/memcore/memcore/internal/engine"
)

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Inspect and drive embedding refresh status",
}

var refreshStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show embedding_status bucket counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		rc := engine.NewRefreshCoordinator(store)
		stats, err := rc.GetStats()
		if err != nil {
			return fmt.Errorf("failed to get refresh stats: %w", err)
		}
		fmt.Printf("pending:       %d\n", stats.Pending)
		fmt.Printf("retry:         %d\n", stats.Retry)
		fmt.Printf("success:       %d\n", stats.Success)
		fmt.Printf("failed:        %d\n", stats.Failed)
		fmt.Printf("needs_refresh: %v\n", stats.NeedsRefresh)
		return nil
	},
}

var refreshPendingLimit int

var refreshPendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List documents still waiting for an embedding pass",
	RunE: func(cmd *cobra.Command, args []string) error {
		rc := engine.NewRefreshCoordinator(store)
		docs, err := rc.GetUnindexedDocuments(refreshPendingLimit)
		if err != nil {
			return fmt.Errorf("failed to get unindexed documents: %w", err)
		}
		if len(docs) == 0 {
			fmt.Println("Nothing pending.")
			return nil
		}
		for _, d := range docs {
			fmt.Printf("%-8d %-8s retries=%d %s\n", d.ID, d.Status, d.RetryCount, d.FilePath)
		}
		return nil
	},
}

var refreshResetFailedFolder string

var refreshResetFailedCmd = &cobra.Command{
	Use:   "reset-failed",
	Short: "Reset failed documents back to pending",
	RunE: func(cmd *cobra.Command, args []string) error {
		rc := engine.NewRefreshCoordinator(store)
		n, err := rc.ResetFailed(refreshResetFailedFolder)
		if err != nil {
			return fmt.Errorf("failed to reset failed documents: %w", err)
		}
		fmt.Printf("Reset %d document(s) to pending.\n", n)
		return nil
	},
}

func init() {
	refreshPendingCmd.Flags().IntVar(&refreshPendingLimit, "limit", 50, "maximum number of documents to show")
	refreshResetFailedCmd.Flags().StringVar(&refreshResetFailedFolder, "folder", "", "restrict reset to this spec_folder")
	refreshCmd.AddCommand(refreshStatusCmd, refreshPendingCmd, refreshResetFailedCmd)
	rootCmd.AddCommand(refreshCmd)
}
