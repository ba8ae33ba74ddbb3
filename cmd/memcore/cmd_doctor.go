package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/memcore/memcore/internal/engine"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Comprehensive system check",
	Long:  `Run a comprehensive system check to verify the store, schema, and vector extension are working correctly.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		runDoctor()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor() {
	fmt.Println("memcore system check")
	fmt.Println("=====================")
	fmt.Println()

	allOk := true
	hasWarnings := false

	fmt.Print("Configuration... ")
	if err := cfg.Validate(); err != nil {
		fmt.Printf("ERROR: %v\n", err)
		allOk = false
	} else {
		fmt.Println("OK")
	}
	fmt.Printf("  Path: %s\n", cfg.Database.Path)
	fmt.Printf("  Config dir: %s\n", filepath.Dir(cfg.Database.Path))
	fmt.Println()

	fmt.Print("Database... ")
	stats, err := store.GetStats()
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		allOk = false
	} else {
		fmt.Printf("OK (%d memories, schema v%d)\n", stats.MemoryCount, stats.SchemaVersion)
	}
	fmt.Println()

	fmt.Print("Vector search (sqlite-vec)... ")
	if stats != nil && stats.VecAvailable {
		fmt.Println("OK")
	} else {
		fmt.Println("UNAVAILABLE (embeddings disabled; keyword paths still work)")
		hasWarnings = true
	}
	fmt.Println()

	fmt.Print("Pending recovery... ")
	tm := engine.NewTxnManager(store)
	recovered, err := tm.RecoverAllPending(filepath.Dir(cfg.Database.Path), func(string) error { return nil }, 0)
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		allOk = false
	} else if recovered > 0 {
		fmt.Printf("recovered %d pending file(s)\n", recovered)
	} else {
		fmt.Println("OK (none pending)")
	}
	fmt.Println()

	if stats != nil && stats.PendingEmbeddings > 0 {
		fmt.Printf("Unindexed documents: %d (run an indexing pass)\n", stats.PendingEmbeddings)
		hasWarnings = true
		fmt.Println()
	}

	if allOk && !hasWarnings {
		fmt.Println("All systems operational.")
	} else if allOk {
		fmt.Println("Core systems operational with some optional features unavailable.")
	} else {
		fmt.Println("Issues detected, see errors above.")
	}
}
