package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"jeeprep/internal/types"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [questions.json]",
	Short: "Ingest a question set into the index",
	Long: `Reads a JSON array of questions, embeds them, and adds them to the
question index. Existing question ids are skipped; the bank is
append-only.

Each entry needs: question_id, subject, topic, tier (easy|medium|hard),
text, answer. Optional: subtopic, options, expected_secs.`,
	Args: cobra.ExactArgs(1),
	RunE: runIngest,
}

func runIngest(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read question set: %w", err)
	}
	var questions []types.Question
	if err := json.Unmarshal(data, &questions); err != nil {
		return fmt.Errorf("failed to parse question set: %w", err)
	}
	if len(questions) == 0 {
		return fmt.Errorf("question set is empty")
	}

	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	result, err := a.index.Ingest(context.Background(), questions)
	if err != nil {
		return err
	}

	logger.Info("ingest complete",
		zap.Int("added", result.Added),
		zap.Int("skipped", result.Skipped),
		zap.Duration("took", result.Duration))
	fmt.Printf("Ingested %d questions (%d skipped) in %v\n", result.Added, result.Skipped, result.Duration)
	return nil
}
