package main

import (
	"context"
	"fmt"
	"sort"

	"jeeprep/internal/index"
	"jeeprep/internal/memory"
	"jeeprep/internal/reasoner"

	"github.com/spf13/cobra"
)

var consolidateSession string

var consolidateCmd = &cobra.Command{
	Use:   "consolidate",
	Short: "Run memory consolidation for a session now",
	Long: `Consolidation normally runs in the background after session end and
every few turns. This forces a synchronous run, useful after restoring
a database or when debugging extraction.`,
	RunE: runConsolidate,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show store and index statistics",
	RunE:  runStats,
}

var resetYes bool

var resetLearnerCmd = &cobra.Command{
	Use:   "reset-learner [learner-id]",
	Short: "Delete a learner's profile and mastery map",
	Long: `Removes the learner's profile and per-topic mastery. Session logs,
practice events, and memory facts are kept for audit. This is the only
way profile data is ever deleted.`,
	Args: cobra.ExactArgs(1),
	RunE: runResetLearner,
}

func init() {
	consolidateCmd.Flags().StringVar(&consolidateSession, "session", "", "session id (required)")
	consolidateCmd.MarkFlagRequired("session")
	resetLearnerCmd.Flags().BoolVar(&resetYes, "yes", false, "confirm the reset")
}

func runConsolidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	model, err := reasoner.NewGenAIReasoner(cfg.Reasoner)
	if err != nil {
		return err
	}
	mc := memory.NewMemoryCurator(st, model, cfg.Tutor.Memory)
	if err := mc.Consolidate(context.Background(), consolidateSession); err != nil {
		return err
	}
	fmt.Println("Consolidated session", consolidateSession)
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	stats, err := st.Stats()
	if err != nil {
		return err
	}
	tables := make([]string, 0, len(stats))
	for t := range stats {
		tables = append(tables, t)
	}
	sort.Strings(tables)
	for _, t := range tables {
		fmt.Printf("%-18s %d\n", t, stats[t])
	}

	idx, err := index.NewQuestionIndex(cfg.Storage.IndexPath, nil)
	if err != nil {
		return err
	}
	defer idx.Close()
	n, err := idx.Count()
	if err != nil {
		return err
	}
	fmt.Printf("%-18s %d\n", "questions", n)
	return nil
}

func runResetLearner(cmd *cobra.Command, args []string) error {
	if !resetYes {
		return fmt.Errorf("refusing to reset learner %q without --yes", args[0])
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.ResetLearner(args[0]); err != nil {
		return err
	}
	fmt.Println("Reset learner", args[0])
	return nil
}
