// Package config_test tests the config package.
package config_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/your-org/hedge-grid-bot/internal/config"
)

// createTestConfigFile creates a dummy config file for testing.
func createTestConfigFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

const minimalYAML = `
trade:
  capital_per_trade: 10
  leverage: 50
kill:
  milestone_base_pct: 0.2
  milestone_growth: 1.35
`

func TestLoadConfigDefaults(t *testing.T) {
	path := createTestConfigFile(t, minimalYAML)

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 10.0, cfg.Trade.CapitalPerTrade)
	assert.Equal(t, 50, cfg.Trade.Leverage)
	assert.Equal(t, "info", cfg.LogLevel, "log level should default to info")
	assert.Equal(t, 0.10, cfg.Kill.PartialCloseFraction, "partial close fraction should default")
	assert.Equal(t, 10, cfg.Grid.MaxSteps, "grid depth should default")
	assert.Positive(t, cfg.Scheduler.TickIntervalMs)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	path := createTestConfigFile(t, minimalYAML)
	t.Setenv("EXCHANGE_API_KEY", "key-from-env")
	t.Setenv("EXCHANGE_API_SECRET", "secret-from-env")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "key-from-env", cfg.APIKey)
	assert.Equal(t, "secret-from-env", cfg.APISecret)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"zero capital", "trade:\n  capital_per_trade: 0\n"},
		{"bad partial fraction", minimalYAML + "  partial_close_fraction: 1.5\n"},
		{"close fractions exceed position", minimalYAML + "  partial_close_fraction: 0.15\n  midpoint_close_fraction: 0.2\n"},
		{"bad grid step", minimalYAML + "grid:\n  step_pct: -0.01\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := createTestConfigFile(t, tt.yaml)
			_, err := config.LoadConfig(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := config.LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestMilestoneThresholds(t *testing.T) {
	k := config.KillConf{
		MilestoneBasePct:  0.20,
		MilestoneGrowth:   1.5,
		ReferenceLeverage: 20,
	}

	ladder := k.MilestoneThresholds(20)
	require.Len(t, ladder[:], config.MilestoneCount)
	assert.InDelta(t, 0.20, ladder[0], 1e-9)
	for i := 1; i < config.MilestoneCount; i++ {
		assert.InDeltaf(t, ladder[i-1]*1.5, ladder[i], 1e-9, "milestone %d should grow geometrically", i+1)
	}

	// Doubling leverage doubles every threshold.
	scaled := k.MilestoneThresholds(40)
	for i := range scaled {
		assert.InDelta(t, ladder[i]*2, scaled[i], 1e-9, fmt.Sprintf("milestone %d", i+1))
	}
}
