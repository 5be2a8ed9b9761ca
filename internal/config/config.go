// Package config loads and validates the orchestrator configuration.
// All policy constants the tutoring core depends on (mastery step,
// curator weights, monitor thresholds, merge tolerance) live here so
// tests can treat them as parameters rather than magic numbers.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all orchestrator configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Reasoner boundary (opaque LLM capability)
	Reasoner ReasonerConfig `yaml:"reasoner"`

	// Embedder boundary
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Persistence
	Storage StorageConfig `yaml:"storage"`

	// Tutoring policy constants
	Tutor TutorConfig `yaml:"tutor"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// ReasonerConfig configures the opaque reasoner capability.
type ReasonerConfig struct {
	Provider   string `yaml:"provider"` // genai
	APIKey     string `yaml:"api_key"`
	Model      string `yaml:"model"`
	Timeout    string `yaml:"timeout"`
	MaxRetries int    `yaml:"max_retries"` // retries on malformed structured output
}

// EmbeddingConfig configures the embedder boundary.
// Supports GenAI (cloud) and Ollama (local) backends.
type EmbeddingConfig struct {
	Provider string `yaml:"provider"` // "genai" or "ollama"

	OllamaEndpoint string `yaml:"ollama_endpoint"` // default http://localhost:11434
	OllamaModel    string `yaml:"ollama_model"`    // default embeddinggemma

	GenAIAPIKey string `yaml:"genai_api_key"`
	GenAIModel  string `yaml:"genai_model"` // default gemini-embedding-001
}

// StorageConfig configures the sqlite-backed state store and question index.
type StorageConfig struct {
	DataDir      string `yaml:"data_dir"`
	DatabasePath string `yaml:"database_path"` // state store
	IndexPath    string `yaml:"index_path"`    // question index
}

// TutorConfig gathers the tuning constants of the tutoring policy.
// These are hot-reloadable via the config watcher.
type TutorConfig struct {
	// MasteryStep bounds how far a single practice event can move a
	// topic's mastery estimate.
	MasteryStep float64 `yaml:"mastery_step"`

	// Tier mapping thresholds: mastery < EasyBelow selects easy,
	// mastery >= HardAbove selects hard, medium otherwise.
	EasyBelow float64 `yaml:"easy_below"`
	HardAbove float64 `yaml:"hard_above"`

	Curator CuratorConfig `yaml:"curator"`
	Monitor MonitorConfig `yaml:"monitor"`
	Memory  MemoryConfig  `yaml:"memory"`
	Session SessionConfig `yaml:"session"`
}

// CuratorConfig configures the adaptive question selection ranking.
type CuratorConfig struct {
	// Composite score weights: alpha for semantic similarity to recent
	// weak areas, beta for inverse global solve rate. Recency is a hard
	// exclusion window, not a weight.
	SimilarityWeight float64 `yaml:"similarity_weight"`
	SolveRateWeight  float64 `yaml:"solve_rate_weight"`

	// RecencyWindow is how many recent sessions' questions are excluded.
	RecencyWindow int `yaml:"recency_window"`

	// CandidateLimit caps how many index hits are ranked per selection.
	CandidateLimit int `yaml:"candidate_limit"`
}

// MonitorConfig configures the well-being signal monitor thresholds.
type MonitorConfig struct {
	WindowSize          int     `yaml:"window_size"`
	ElevatedIncorrect   int     `yaml:"elevated_incorrect"`    // consecutive incorrect for ELEVATED
	CriticalIncorrect   int     `yaml:"critical_incorrect"`    // consecutive incorrect for CRITICAL
	LatencyFactor       float64 `yaml:"latency_factor"`        // vs personal baseline
	CriticalCooldown    string  `yaml:"critical_cooldown"`     // wall-clock time to leave CRITICAL
	SessionBudgetFactor float64 `yaml:"session_budget_factor"` // session duration vs daily budget
}

// MemoryConfig configures memory consolidation.
type MemoryConfig struct {
	// ConfidenceTolerance: a candidate replaces a live fact when its
	// confidence >= existing confidence - tolerance.
	ConfidenceTolerance float64 `yaml:"confidence_tolerance"`

	// ConsolidateEvery triggers consolidation every Nth turn in
	// addition to session end.
	ConsolidateEvery int `yaml:"consolidate_every"`

	// QueueSize bounds the deferred consolidation queue.
	QueueSize int `yaml:"queue_size"`
}

// SessionConfig configures the session close policy.
type SessionConfig struct {
	MaxTurns    int    `yaml:"max_turns"`
	IdleTimeout string `yaml:"idle_timeout"`
}

// LoggingConfig configures the categorized file logger.
type LoggingConfig struct {
	Enabled    bool            `yaml:"enabled"`
	Level      string          `yaml:"level"`
	Categories map[string]bool `yaml:"categories"`
}

// DefaultConfig returns the default configuration with documented
// policy defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "jeeprep",
		Version: "0.3.0",

		Reasoner: ReasonerConfig{
			Provider:   "genai",
			Model:      "gemini-2.5-flash",
			Timeout:    "60s",
			MaxRetries: 2,
		},

		Embedding: EmbeddingConfig{
			Provider:       "ollama",
			OllamaEndpoint: "http://localhost:11434",
			OllamaModel:    "embeddinggemma",
			GenAIModel:     "gemini-embedding-001",
		},

		Storage: StorageConfig{
			DataDir:      "data",
			DatabasePath: "data/state.db",
			IndexPath:    "data/questions.db",
		},

		Tutor: TutorConfig{
			MasteryStep: 0.05,
			EasyBelow:   0.35,
			HardAbove:   0.75,
			Curator: CuratorConfig{
				SimilarityWeight: 0.5,
				SolveRateWeight:  0.3,
				RecencyWindow:    5,
				CandidateLimit:   50,
			},
			Monitor: MonitorConfig{
				WindowSize:          20,
				ElevatedIncorrect:   2,
				CriticalIncorrect:   4,
				LatencyFactor:       1.5,
				CriticalCooldown:    "15m",
				SessionBudgetFactor: 1.0,
			},
			Memory: MemoryConfig{
				ConfidenceTolerance: 0.1,
				ConsolidateEvery:    10,
				QueueSize:           64,
			},
			Session: SessionConfig{
				MaxTurns:    200,
				IdleTimeout: "6h",
			},
		},

		Logging: LoggingConfig{
			Enabled: false,
			Level:   "info",
		},
	}
}

// Load reads a YAML config file and merges it over the defaults.
// A missing path returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the policy constants for sanity.
func (c *Config) Validate() error {
	t := c.Tutor
	if t.MasteryStep <= 0 || t.MasteryStep > 1 {
		return fmt.Errorf("tutor.mastery_step must be in (0,1], got %v", t.MasteryStep)
	}
	if t.EasyBelow < 0 || t.HardAbove > 1 || t.EasyBelow >= t.HardAbove {
		return fmt.Errorf("tier thresholds invalid: easy_below=%v hard_above=%v", t.EasyBelow, t.HardAbove)
	}
	if t.Curator.SimilarityWeight < 0 || t.Curator.SolveRateWeight < 0 {
		return fmt.Errorf("curator weights must be non-negative")
	}
	if t.Curator.RecencyWindow < 0 {
		return fmt.Errorf("curator.recency_window must be >= 0")
	}
	if t.Monitor.CriticalIncorrect <= t.Monitor.ElevatedIncorrect {
		return fmt.Errorf("monitor.critical_incorrect must exceed elevated_incorrect")
	}
	if t.Memory.ConfidenceTolerance < 0 || t.Memory.ConfidenceTolerance > 1 {
		return fmt.Errorf("memory.confidence_tolerance must be in [0,1]")
	}
	if _, err := c.ReasonerTimeout(); err != nil {
		return err
	}
	if _, err := c.CriticalCooldown(); err != nil {
		return err
	}
	if _, err := c.SessionIdleTimeout(); err != nil {
		return err
	}
	return nil
}

// ReasonerTimeout parses the reasoner timeout duration.
func (c *Config) ReasonerTimeout() (time.Duration, error) {
	return parseDuration("reasoner.timeout", c.Reasoner.Timeout, 60*time.Second)
}

// CriticalCooldown parses the monitor cooldown duration.
func (c *Config) CriticalCooldown() (time.Duration, error) {
	return parseDuration("tutor.monitor.critical_cooldown", c.Tutor.Monitor.CriticalCooldown, 15*time.Minute)
}

// SessionIdleTimeout parses the session idle close threshold.
func (c *Config) SessionIdleTimeout() (time.Duration, error) {
	return parseDuration("tutor.session.idle_timeout", c.Tutor.Session.IdleTimeout, 6*time.Hour)
}

func parseDuration(field, value string, fallback time.Duration) (time.Duration, error) {
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	return d, nil
}
