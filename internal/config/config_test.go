package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cascade.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.Modes.FastBudget)
	assert.Equal(t, 2*time.Minute, cfg.Modes.DeepBudget)
	assert.Equal(t, 4*time.Minute, cfg.Modes.SearchBudget)
	assert.Equal(t, 0.3, cfg.Timeouts.TTFTFraction)
	assert.Equal(t, 0.2, cfg.Timeouts.IdleFraction)
	assert.Equal(t, 64, cfg.Timeouts.MinUsefulBytes)
	assert.False(t, cfg.Timeouts.StuckIsFailure)
	assert.Equal(t, 3, cfg.Tiers.ReasoningSteps)
	assert.Equal(t, 8, cfg.Tiers.MaxIterations)
	assert.Equal(t, "memory", cfg.History.Driver)
}

func TestLoadFileOverrides(t *testing.T) {
	path := writeConfig(t, `
modes:
  fast_budget: 45s
  deep_budget: 3m
  search_budget: 6m
tiers:
  max_iterations: 4
timeouts:
  stuck_is_failure: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 45*time.Second, cfg.Modes.FastBudget)
	assert.Equal(t, 3*time.Minute, cfg.Modes.DeepBudget)
	assert.Equal(t, 4, cfg.Tiers.MaxIterations)
	assert.True(t, cfg.Timeouts.StuckIsFailure)
	// Untouched keys keep defaults.
	assert.Equal(t, 0.75, cfg.Tiers.KeywordConfidence)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.Modes.FastBudget)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("CASCADE_TIERS_MAX_ITERATIONS", "2")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Tiers.MaxIterations)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"zero budget", "modes:\n  fast_budget: 0s\n"},
		{"decreasing budgets", "modes:\n  deep_budget: 10s\n"},
		{"bad ttft fraction", "timeouts:\n  ttft_fraction: 1.5\n"},
		{"bad decay", "predictor:\n  decay: 0\n"},
		{"unknown driver", "history:\n  driver: cassandra\n"},
		{"driver without dsn", "history:\n  driver: postgres\n"},
		{"unknown provider", "backend:\n  provider: llamacloud\n"},
		{"zero iterations", "tiers:\n  max_iterations: 0\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadMalformedYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "modes: [broken"))
	assert.Error(t, err)
}

func TestWatcherReload(t *testing.T) {
	path := writeConfig(t, "tiers:\n  max_iterations: 8\n")
	w, err := NewWatcher(path, nil)
	require.NoError(t, err)
	defer w.Stop()

	reloaded := make(chan *Config, 1)
	w.OnChange(func(cfg *Config) { reloaded <- cfg })
	require.NoError(t, w.Start(t.Context()))

	require.NoError(t, os.WriteFile(path, []byte("tiers:\n  max_iterations: 3\n"), 0o644))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, 3, cfg.Tiers.MaxIterations)
		assert.Equal(t, 3, w.Current().Tiers.MaxIterations)
	case <-time.After(3 * time.Second):
		t.Fatal("reload never fired")
	}
}

func TestWatcherKeepsLastGoodConfig(t *testing.T) {
	path := writeConfig(t, "tiers:\n  max_iterations: 8\n")
	w, err := NewWatcher(path, nil)
	require.NoError(t, err)
	defer w.Stop()
	require.NoError(t, w.Start(t.Context()))

	require.NoError(t, os.WriteFile(path, []byte("tiers:\n  max_iterations: 0\n"), 0o644))

	// Give the debounce time to fire, then confirm the bad edit was dropped.
	time.Sleep(time.Second)
	assert.Equal(t, 8, w.Current().Tiers.MaxIterations)
}
