package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/memcore/memcore/internal/config"
	"github.com/memcore/memcore/internal/engine"
	"github.com/memcore/memcore/internal/logging"
)

// Version is set during build.
var Version = "0.1.0"

var (
	quiet bool
	cfg   *config.Config
	store *engine.Store
)

// rootCmd represents the base command.
var rootCmd = &cobra.Command{
	Use:   "memcore",
	Short: "Embedded memory persistence core",
	Long: `memcore is the embedded storage engine behind the memory system: indexed
memories, their history, causal relationships, and point-in-time checkpoints,
all backed by a single SQLite file.

Examples:
  memcore status
  memcore checkpoint create release-cut
  memcore checkpoint list
  memcore checkpoint restore release-cut
  memcore history recent
  memcore doctor`,
	Version:           Version,
	PersistentPreRunE: loadEngine,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if store != nil {
			store.Close()
		}
	},
}

// Execute adds all child commands to the root command and runs it.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path")
	rootCmd.PersistentFlags().String("log_level", "", "log level (debug, info, warn, error), overrides config")
	rootCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "suppress non-essential output")
}

// loadEngine loads configuration and opens the store once per process, for
// every subcommand except ones that explicitly opt out.
func loadEngine(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	loaded, err := config.LoadFrom(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg = loaded

	if level, _ := cmd.Flags().GetString("log_level"); level != "" {
		cfg.Logging.Level = level
	} else if quiet {
		cfg.Logging.Level = "error"
	}
	logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})

	if err := cfg.EnsureConfigDir(); err != nil {
		return fmt.Errorf("failed to prepare config directory: %w", err)
	}

	s, err := engine.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	if cfg.Database.AutoMigrate {
		if err := s.InitSchema(); err != nil {
			s.Close()
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	store = s
	return nil
}
