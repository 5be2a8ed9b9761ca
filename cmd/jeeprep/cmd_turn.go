package main

import (
	"context"
	"fmt"
	"strings"

	"jeeprep/internal/coordinator"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	turnLearner string
	turnSession string
)

var turnCmd = &cobra.Command{
	Use:   "turn [message]",
	Short: "Send one learner message through the coordinator",
	Long: `Processes a single turn: the message is classified, routed to the
right tutoring units, and the full turn is committed to the session log.

Example:
  jeeprep turn --learner rahul --session morning-1 "give me a practice question"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runTurn,
}

func init() {
	turnCmd.Flags().StringVar(&turnLearner, "learner", "", "learner id (required)")
	turnCmd.Flags().StringVar(&turnSession, "session", "", "session id (required)")
	turnCmd.MarkFlagRequired("learner")
	turnCmd.MarkFlagRequired("session")
}

func runTurn(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	resp, err := a.coord.HandleTurn(context.Background(), coordinator.TurnRequest{
		LearnerID: turnLearner,
		SessionID: turnSession,
		Content:   strings.Join(args, " "),
	})
	if err != nil {
		return err
	}

	fmt.Println(resp.Text)
	if resp.Intervention != nil {
		logger.Info("intervention surfaced",
			zap.Int("level", resp.Intervention.Level),
			zap.String("action", resp.Intervention.Action))
	}
	if resp.Degraded {
		logger.Warn("turn degraded", zap.String("turn_id", resp.TurnID))
	}
	return nil
}
