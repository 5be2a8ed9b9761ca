package units

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"jeeprep/internal/reasoner"
	"jeeprep/internal/types"
)

// Hint modes, in order of how much structure they hand the learner.
const (
	HintFormula     = "formula"
	HintAnalogy     = "analogy"
	HintApplication = "application"
)

// Hint is the coach unit's output: one targeted nudge, never a
// worked solution.
type Hint struct {
	Mode string `json:"mode"`
	Text string `json:"text"`
}

// Coach unblocks a learner stuck on a question.
type Coach struct {
	model reasoner.Reasoner
}

// NewCoach wires the coach unit.
func NewCoach(model reasoner.Reasoner) *Coach {
	return &Coach{model: model}
}

const coachRole = `You are a JEE theory coach. The learner is stuck mid-problem.
Unblock, don't lecture: give exactly one hint that restores their momentum.
Pick the lightest mode that works: "formula" names the governing relation,
"analogy" reframes the setup in familiar terms, "application" points at where
to apply what they already know. Never reveal the answer or a full derivation.`

func hintSchema() *reasoner.Schema {
	return &reasoner.Schema{
		Name: "hint",
		Fields: []reasoner.Field{
			{Name: "mode", Type: reasoner.FieldString, Required: true,
				Enum: []string{HintFormula, HintAnalogy, HintApplication}},
			{Name: "text", Type: reasoner.FieldString, Required: true},
		},
	}
}

// Unblock produces a hint for the question the learner is stuck on.
// attempt is the learner's description of where they got stuck, which
// may be empty.
func (c *Coach) Unblock(ctx context.Context, question *types.Question, attempt string, facts []types.Fact) (*Hint, error) {
	if question == nil {
		return nil, types.NewValidationError("question", "no active question to unblock")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Question (%s, %s):\n%s\n", question.TopicPath(), question.Tier, question.Text)
	if attempt != "" {
		fmt.Fprintf(&b, "\nLearner is stuck at: %s\n", attempt)
	}
	writeFacts(&b, facts)

	raw, err := c.model.Invoke(ctx, coachRole, b.String(), hintSchema())
	if err != nil {
		return nil, err
	}

	var hint Hint
	if err := json.Unmarshal(raw, &hint); err != nil {
		return nil, fmt.Errorf("hint parse: %w", err)
	}
	return &hint, nil
}
