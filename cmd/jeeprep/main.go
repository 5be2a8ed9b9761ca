// jeeprep is the exam-prep tutor CLI. It fronts the session
// coordinator for single turns and carries the operational commands:
// question bank ingest, manual consolidation, stats, learner reset.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"jeeprep/internal/config"
	"jeeprep/internal/logging"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	configPath string
	dataDir    string
	verbose    bool

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "jeeprep",
	Short: "jeeprep - adaptive JEE preparation tutor",
	Long: `jeeprep orchestrates an adaptive exam-prep tutor: a session
coordinator routes learner turns to tutoring units (planner, question
curator, theory coach), a signal monitor watches for struggle, and a
memory curator consolidates each session into durable learner facts.

State is local sqlite; the question index ranks candidates by
embedding similarity to the learner's weak areas.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
}

// loadConfig resolves config and applies the CLI data-dir override.
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		if home, err := os.UserHomeDir(); err == nil {
			candidate := filepath.Join(home, ".jeeprep", "config.yaml")
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
			}
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if dataDir != "" {
		cfg.Storage.DataDir = dataDir
		cfg.Storage.DatabasePath = filepath.Join(dataDir, "state.db")
		cfg.Storage.IndexPath = filepath.Join(dataDir, "questions.db")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := logging.Initialize(cfg.Storage.DataDir, logging.Options{
		Enabled:    cfg.Logging.Enabled,
		Level:      cfg.Logging.Level,
		Categories: cfg.Logging.Categories,
	}); err != nil {
		logger.Warn("file logging unavailable", zap.Error(err))
	}
	return cfg, nil
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.jeeprep/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "override the data directory")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(turnCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(consolidateCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(resetLearnerCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
