package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/memcore/memcore/internal/engine"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect and undo memory history",
}

var historyRecentLimit int

var historyRecentCmd = &cobra.Command{
	Use:   "recent",
	Short: "Show recent history events across all memories",
	RunE: func(cmd *cobra.Command, args []string) error {
		h := engine.NewHistory(store)
		entries, err := h.GetRecentHistory(engine.GetRecentHistoryOptions{Limit: historyRecentLimit})
		if err != nil {
			return fmt.Errorf("failed to get recent history: %w", err)
		}
		if len(entries) == 0 {
			fmt.Println("No history entries found.")
			return nil
		}
		for _, e := range entries {
			fmt.Printf("%-8d %-6s %-8s %s\n", e.MemoryID, e.Event, e.Actor, e.OccurredAt.Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

var historyForCmd = &cobra.Command{
	Use:   "for <memory_id>",
	Short: "Show history for one memory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid memory id %q: %w", args[0], err)
		}
		h := engine.NewHistory(store)
		entries, err := h.GetHistory(id, engine.GetHistoryOptions{})
		if err != nil {
			return fmt.Errorf("failed to get history: %w", err)
		}
		for _, e := range entries {
			fmt.Printf("%s %-6s %-8s\n", e.OccurredAt.Format("2006-01-02 15:04:05"), e.Event, e.Actor)
		}
		return nil
	},
}

var historyUndoCmd = &cobra.Command{
	Use:   "undo <memory_id>",
	Short: "Undo the most recent change to a memory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid memory id %q: %w", args[0], err)
		}
		h := engine.NewHistory(store)
		res, err := h.UndoLastChange(id)
		if err != nil {
			return fmt.Errorf("failed to undo: %w", err)
		}
		fmt.Printf("Undone. Compensating event: %s\n", res.CompensatingEventID)
		return nil
	},
}

func init() {
	historyRecentCmd.Flags().IntVar(&historyRecentLimit, "limit", 50, "maximum number of entries to show")
	historyCmd.AddCommand(historyRecentCmd, historyForCmd, historyUndoCmd)
	rootCmd.AddCommand(historyCmd)
}
