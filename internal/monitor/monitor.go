// Package monitor watches session signals for struggle. It observes
// every graded attempt regardless of which unit served the question,
// plus the passive signals of every turn (session duration against
// the learner's daily budget), and escalates through an intervention
// ladder instead of letting a learner grind against a wall.
package monitor

import (
	"sync"
	"time"

	"jeeprep/internal/config"
	"jeeprep/internal/logging"
	"jeeprep/internal/types"
)

// Level is the monitor's per-learner stress assessment.
type Level int

const (
	LevelNominal Level = iota
	LevelElevated
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelElevated:
		return "ELEVATED"
	case LevelCritical:
		return "CRITICAL"
	default:
		return "NOMINAL"
	}
}

// Intervention ladder actions, mildest first.
const (
	ActionEncourage   = "encourage"
	ActionSlowDown    = "slow_down"
	ActionEasierTier  = "easier_tier"
	ActionSwitchTopic = "switch_topic"
	ActionTakeBreak   = "take_break"
)

// observation is one practice outcome as the monitor sees it.
type observation struct {
	correct   bool
	slow      bool
	latencyMS int64
}

type learnerState struct {
	window       []observation
	consecutive  int // consecutive incorrect
	recovery     int // consecutive correct since last incorrect
	level        Level
	lastCritical time.Time
	acked        bool
	criticals    int  // criticals fired this escalation episode
	overBudget   bool // session running past the daily budget
}

// SignalMonitor tracks stress level per learner. State is in-memory
// and rebuilt from recent events on restart; losing it costs at most
// one missed intervention, which the next few signals re-earn.
type SignalMonitor struct {
	mu       sync.Mutex
	cfg      config.MonitorConfig
	cooldown time.Duration
	learners map[string]*learnerState

	now func() time.Time
}

// NewSignalMonitor builds a monitor from config.
func NewSignalMonitor(cfg config.MonitorConfig, cooldown time.Duration) *SignalMonitor {
	return &SignalMonitor{
		cfg:      cfg,
		cooldown: cooldown,
		learners: make(map[string]*learnerState),
		now:      time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (m *SignalMonitor) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Seed replays historical events (oldest first) to rebuild a learner's
// window after restart. Seeding never fires interventions.
func (m *SignalMonitor) Seed(learnerID string, events []types.PracticeEvent, expectedSecs int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.state(learnerID)
	for _, ev := range events {
		st.push(m.observe(st, ev, expectedSecs), m.cfg.WindowSize)
	}
	st.level = m.assess(st)
}

// Reset drops the learner's window and returns the machine to NOMINAL.
// Struggle does not carry across sessions.
func (m *SignalMonitor) Reset(learnerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.learners, learnerID)
}

// Observe folds one practice outcome into the learner's window and
// returns an intervention when the ladder says to step in, or nil.
func (m *SignalMonitor) Observe(learnerID string, ev types.PracticeEvent, expectedSecs int) *types.Intervention {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.state(learnerID)
	st.push(m.observe(st, ev, expectedSecs), m.cfg.WindowSize)

	prev := st.level
	st.level = m.assess(st)
	if st.level != prev {
		logging.Monitor("learner %s: %s -> %s (consecutive_incorrect=%d)", learnerID, prev, st.level, st.consecutive)
	}

	return m.intervene(learnerID, st, prev)
}

// TurnSignal carries the passive signals of one turn: how long the
// session has been running and the learner's declared daily budget.
// A zero budget means the learner never declared one.
type TurnSignal struct {
	SessionElapsed time.Duration
	DailyBudget    time.Duration
}

// ObserveTurn folds a turn's passive signals into the learner's state.
// Unlike Observe it carries no graded outcome; it runs on every turn
// so a budget overrun surfaces even when the learner never answers a
// question.
func (m *SignalMonitor) ObserveTurn(learnerID string, sig TurnSignal) *types.Intervention {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.state(learnerID)
	over := sig.DailyBudget > 0 && m.cfg.SessionBudgetFactor > 0 &&
		sig.SessionElapsed > time.Duration(float64(sig.DailyBudget)*m.cfg.SessionBudgetFactor)
	if over && !st.overBudget {
		logging.Monitor("learner %s: session at %s, past the %s daily budget", learnerID, sig.SessionElapsed, sig.DailyBudget)
	}
	st.overBudget = over

	prev := st.level
	st.level = m.assess(st)
	if st.level == prev && st.level != LevelCritical {
		// Nothing new; any answer-driven intervention already fired.
		return nil
	}
	return m.intervene(learnerID, st, prev)
}

// State returns the learner's current level.
func (m *SignalMonitor) State(learnerID string) Level {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state(learnerID).level
}

// Acknowledge records that the critical intervention reached the
// learner. Until acknowledged or the cooldown passes, the monitor
// does not repeat a critical intervention.
func (m *SignalMonitor) Acknowledge(learnerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.state(learnerID)
	st.acked = true
	logging.Monitor("learner %s acknowledged intervention", learnerID)
}

func (m *SignalMonitor) state(learnerID string) *learnerState {
	st, ok := m.learners[learnerID]
	if !ok {
		st = &learnerState{}
		m.learners[learnerID] = st
	}
	return st
}

func (m *SignalMonitor) observe(st *learnerState, ev types.PracticeEvent, expectedSecs int) observation {
	obs := observation{correct: ev.Correct, latencyMS: ev.LatencyMS}
	if m.cfg.LatencyFactor > 0 {
		baseline := st.baselineLatency()
		if baseline == 0 {
			baseline = float64(expectedSecs) * 1000
		}
		if baseline > 0 {
			obs.slow = float64(ev.LatencyMS) > baseline*m.cfg.LatencyFactor
		}
	}
	return obs
}

// baselineLatency is the learner's own mean answer time over the
// window. Below three samples there is no personal baseline yet and
// the question's expected time stands in.
func (st *learnerState) baselineLatency() float64 {
	if len(st.window) < 3 {
		return 0
	}
	var sum int64
	for _, obs := range st.window {
		sum += obs.latencyMS
	}
	return float64(sum) / float64(len(st.window))
}

func (st *learnerState) push(obs observation, windowSize int) {
	if obs.correct {
		st.consecutive = 0
		st.recovery++
	} else {
		st.consecutive++
		st.recovery = 0
	}
	st.window = append(st.window, obs)
	if windowSize > 0 && len(st.window) > windowSize {
		st.window = st.window[len(st.window)-windowSize:]
	}
}

// assess computes the level from the current window. Escalation is
// driven by consecutive misses, slow answers, and the session budget;
// de-escalation needs two clean answers in a row.
func (m *SignalMonitor) assess(st *learnerState) Level {
	if st.overBudget {
		return LevelCritical
	}
	if m.cfg.CriticalIncorrect > 0 && st.consecutive >= m.cfg.CriticalIncorrect {
		return LevelCritical
	}
	elevated := m.cfg.ElevatedIncorrect > 0 && st.consecutive >= m.cfg.ElevatedIncorrect
	if !elevated && len(st.window) > 0 {
		last := st.window[len(st.window)-1]
		if last.slow && !last.correct {
			elevated = true
		}
	}
	if elevated {
		return LevelElevated
	}
	if st.level >= LevelElevated && st.recovery < 2 {
		// Hold the elevated assessment until recovery is demonstrated.
		return LevelElevated
	}
	return LevelNominal
}

// intervene maps a level (and its history) to a ladder step.
func (m *SignalMonitor) intervene(learnerID string, st *learnerState, prev Level) *types.Intervention {
	switch st.level {
	case LevelCritical:
		if !st.acked && !st.lastCritical.IsZero() && m.now().Sub(st.lastCritical) < m.cooldown {
			return nil
		}
		st.lastCritical = m.now()
		st.acked = false
		st.criticals++
		if st.overBudget {
			return &types.Intervention{
				Level:   5,
				Action:  ActionTakeBreak,
				Message: "You're past today's study budget. Consistency beats marathon sessions; wrap up and come back tomorrow.",
			}
		}
		if st.criticals >= 2 {
			return &types.Intervention{
				Level:   5,
				Action:  ActionTakeBreak,
				Message: "You've been pushing hard and it's not landing. Step away for 15 minutes, then come back fresh.",
			}
		}
		return &types.Intervention{
			Level:   4,
			Action:  ActionSwitchTopic,
			Message: "This topic is fighting back today. Let's park it and bank progress somewhere else.",
		}
	case LevelElevated:
		if prev >= LevelElevated {
			return &types.Intervention{
				Level:   3,
				Action:  ActionEasierTier,
				Message: "Let's rebuild momentum with a couple of easier ones before coming back to this level.",
			}
		}
		return &types.Intervention{
			Level:   2,
			Action:  ActionSlowDown,
			Message: "Take a breath and walk through the setup before computing anything.",
		}
	default:
		if prev > LevelNominal {
			st.criticals = 0
			return &types.Intervention{
				Level:   1,
				Action:  ActionEncourage,
				Message: "Nice recovery. Back on track.",
			}
		}
		return nil
	}
}
