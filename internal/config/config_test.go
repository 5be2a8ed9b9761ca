package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 0.05, cfg.Tutor.MasteryStep)
	assert.Equal(t, 5, cfg.Tutor.Curator.RecencyWindow)
	assert.Greater(t, cfg.Tutor.Monitor.CriticalIncorrect, cfg.Tutor.Monitor.ElevatedIncorrect)

	cooldown, err := cfg.CriticalCooldown()
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, cooldown)
}

func TestLoadMergesOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
tutor:
  mastery_step: 0.1
  curator:
    recency_window: 3
logging:
  enabled: true
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 0.1, cfg.Tutor.MasteryStep)
	assert.Equal(t, 3, cfg.Tutor.Curator.RecencyWindow)
	// Untouched sections keep defaults.
	assert.Equal(t, 0.75, cfg.Tutor.HardAbove)
	assert.True(t, cfg.Logging.Enabled)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Tutor.MasteryStep, cfg.Tutor.MasteryStep)
}

func TestValidateRejectsBadThresholds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tutor.EasyBelow = 0.9
	cfg.Tutor.HardAbove = 0.5
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Tutor.MasteryStep = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Tutor.Monitor.CriticalIncorrect = 1
	assert.Error(t, cfg.Validate())
}

func TestTuningWatcherReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tutor:\n  mastery_step: 0.05\n"), 0644))

	changed := make(chan TutorConfig, 1)
	tw, err := NewTuningWatcher(path, func(tc TutorConfig) {
		select {
		case changed <- tc:
		default:
		}
	})
	require.NoError(t, err)
	require.NoError(t, tw.Start())
	defer tw.Close()

	require.NoError(t, os.WriteFile(path, []byte("tutor:\n  mastery_step: 0.02\n"), 0644))

	select {
	case tc := <-changed:
		assert.Equal(t, 0.02, tc.MasteryStep)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not fire within 5s")
	}
}
