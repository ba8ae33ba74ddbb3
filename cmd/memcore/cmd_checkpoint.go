package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/memcore/memcore/internal/engine"
)

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Create, list, restore, and delete checkpoints",
}

var (
	checkpointSpecFolder string
	checkpointIncludeWM  bool
	checkpointSessionID  string
	restoreClearExisting bool
	restoreClearScope    string
)

var checkpointCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a new checkpoint snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ck := engine.NewCheckpointEngine(store, cfg.Checkpoint.MaxCheckpoints, cfg.Checkpoint.TTLDays)
		id, err := ck.Create(args[0], engine.CreateOptions{
			SpecFolder:           checkpointSpecFolder,
			IncludeWorkingMemory: checkpointIncludeWM,
			SessionID:            checkpointSessionID,
		})
		if err != nil {
			return fmt.Errorf("failed to create checkpoint: %w", err)
		}
		fmt.Printf("Created checkpoint %q (id=%d)\n", args[0], id)
		return nil
	},
}

var checkpointListCmd = &cobra.Command{
	Use:   "list",
	Short: "List checkpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		ck := engine.NewCheckpointEngine(store, cfg.Checkpoint.MaxCheckpoints, cfg.Checkpoint.TTLDays)
		descriptors, err := ck.List(checkpointSpecFolder, 0)
		if err != nil {
			return fmt.Errorf("failed to list checkpoints: %w", err)
		}
		if len(descriptors) == 0 {
			fmt.Println("No checkpoints found.")
			return nil
		}
		for _, d := range descriptors {
			fmt.Printf("%-24s folder=%-16s branch=%-12s created=%s\n",
				d.Name, d.SpecFolder, d.GitBranch, d.CreatedAt.Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

var checkpointRestoreCmd = &cobra.Command{
	Use:   "restore <name>",
	Short: "Restore a checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ck := engine.NewCheckpointEngine(store, cfg.Checkpoint.MaxCheckpoints, cfg.Checkpoint.TTLDays)
		report, err := ck.Restore(args[0], engine.RestoreOptions{
			ClearExisting:        restoreClearExisting,
			ClearScope:           restoreClearScope,
			IncludeWorkingMemory: checkpointIncludeWM,
			SessionID:            checkpointSessionID,
		})
		if err != nil {
			return fmt.Errorf("failed to restore checkpoint: %w", err)
		}
		fmt.Printf("Restored %q: inserted=%d updated=%d cleared=%d deprecated=%d\n",
			args[0], report.Inserted, report.Updated, report.Cleared, report.Deprecated)
		fmt.Println(report.Note)
		return nil
	},
}

var checkpointDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ck := engine.NewCheckpointEngine(store, cfg.Checkpoint.MaxCheckpoints, cfg.Checkpoint.TTLDays)
		removed, err := ck.Delete(args[0])
		if err != nil {
			return fmt.Errorf("failed to delete checkpoint: %w", err)
		}
		if removed {
			fmt.Printf("Deleted checkpoint %q\n", args[0])
		} else {
			fmt.Printf("No checkpoint named %q\n", args[0])
		}
		return nil
	},
}

func init() {
	checkpointCreateCmd.Flags().StringVar(&checkpointSpecFolder, "folder", "", "restrict snapshot to this spec_folder")
	checkpointCreateCmd.Flags().BoolVar(&checkpointIncludeWM, "include_working_memory", false, "include working memory in the snapshot")
	checkpointCreateCmd.Flags().StringVar(&checkpointSessionID, "session", "", "restrict working memory snapshot to this session")

	checkpointListCmd.Flags().StringVar(&checkpointSpecFolder, "folder", "", "filter by spec_folder")

	checkpointRestoreCmd.Flags().BoolVar(&restoreClearExisting, "clear", false, "hard-delete existing memories before restoring")
	checkpointRestoreCmd.Flags().StringVar(&restoreClearScope, "scope", "", "spec_folder to clear (soft-clear when --clear is not set)")
	checkpointRestoreCmd.Flags().BoolVar(&checkpointIncludeWM, "include_working_memory", false, "also restore working memory")
	checkpointRestoreCmd.Flags().StringVar(&checkpointSessionID, "session", "", "restrict working memory restore to this session")

	checkpointCmd.AddCommand(checkpointCreateCmd, checkpointListCmd, checkpointRestoreCmd, checkpointDeleteCmd)
	rootCmd.AddCommand(checkpointCmd)
}
