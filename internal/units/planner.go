// Package units holds the reasoner-backed tutoring units. Each unit is
// a thin wrapper: it frames the payload, names its output schema, and
// parses the validated result. All model access goes through the
// reasoner boundary; units never call the API directly.
package units

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"jeeprep/internal/reasoner"
	"jeeprep/internal/types"
)

// PlanBlock is one study block in a daily plan.
type PlanBlock struct {
	Topic     string `json:"topic"`
	Focus     string `json:"focus"`
	Minutes   int    `json:"minutes"`
	Rationale string `json:"rationale"`
}

// DailyPlan is the planner unit's output.
type DailyPlan struct {
	Summary string      `json:"summary"`
	Blocks  []PlanBlock `json:"blocks"`
}

// Planner builds daily study plans from the learner's profile and
// long-term memory.
type Planner struct {
	model reasoner.Reasoner
}

// NewPlanner wires the planner unit.
func NewPlanner(model reasoner.Reasoner) *Planner {
	return &Planner{model: model}
}

const plannerRole = `You are a study planner for JEE preparation.
Build a realistic plan for today only, fitted to the learner's available hours.
Prioritize the weakest topics but keep one block of strength maintenance.
Blocks of 25-50 minutes. Be concrete about what to do in each block.`

func planSchema() *reasoner.Schema {
	return &reasoner.Schema{
		Name: "daily-plan",
		Fields: []reasoner.Field{
			{Name: "summary", Type: reasoner.FieldString, Required: true},
			{Name: "blocks", Type: reasoner.FieldArray, Required: true,
				Items: &reasoner.Field{Type: reasoner.FieldObject}},
		},
	}
}

// Plan produces today's study plan.
func (p *Planner) Plan(ctx context.Context, profile *types.LearnerProfile, facts []types.Fact, now time.Time) (*DailyPlan, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Days to exam: %d\n", profile.DaysToExam(now))
	fmt.Fprintf(&b, "Available today: %.1f hours\n", profile.DailyHours)

	weakest := profile.WeakestTopics(5)
	if len(weakest) > 0 {
		b.WriteString("Topic mastery (weakest first):\n")
		for _, tm := range weakest {
			fmt.Fprintf(&b, "- %s: %.2f over %d attempts\n", tm.Topic, tm.Mastery, tm.Attempts)
		}
	} else {
		b.WriteString("No practice history yet.\n")
	}
	writeFacts(&b, facts)

	raw, err := p.model.Invoke(ctx, plannerRole, b.String(), planSchema())
	if err != nil {
		return nil, err
	}

	var plan DailyPlan
	if err := json.Unmarshal(raw, &plan); err != nil {
		return nil, fmt.Errorf("daily plan parse: %w", err)
	}
	if len(plan.Blocks) == 0 {
		return nil, fmt.Errorf("daily plan has no blocks")
	}
	return &plan, nil
}

// Render formats the plan as learner-facing text.
func (plan *DailyPlan) Render() string {
	var b strings.Builder
	b.WriteString(plan.Summary)
	b.WriteString("\n")
	for i, blk := range plan.Blocks {
		fmt.Fprintf(&b, "\n%d. %s (%d min): %s", i+1, blk.Topic, blk.Minutes, blk.Focus)
		if blk.Rationale != "" {
			fmt.Fprintf(&b, " (%s)", blk.Rationale)
		}
	}
	return b.String()
}

func writeFacts(b *strings.Builder, facts []types.Fact) {
	if len(facts) == 0 {
		return
	}
	b.WriteString("Known about this learner:\n")
	for _, f := range facts {
		fmt.Fprintf(b, "- %s\n", f.Statement)
	}
}
