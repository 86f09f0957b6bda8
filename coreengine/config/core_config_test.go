package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// DEFAULT CONFIG TESTS
// =============================================================================

func TestDefaultCoreConfig(t *testing.T) {
	config := DefaultCoreConfig()

	// Classification
	assert.Equal(t, 0.5, config.ConfidenceThreshold)
	assert.Equal(t, 3, config.RetryCeiling)
	assert.Equal(t, 4, config.MaxEntities)
	assert.Equal(t, 3, config.MaxOperations)

	// Context
	assert.Equal(t, 20, config.HistoryWindow)
	assert.Equal(t, 3, config.ContextSummaryTurns)

	// Backends
	assert.Equal(t, 50, config.RowCap)
	assert.Equal(t, 2, config.BackendMaxAttempts)
	assert.True(t, config.PartialSuccess)
	assert.Equal(t, 3, config.MaxParallel)

	// Timeouts
	assert.Equal(t, 15*time.Second, config.ClassifierTimeout())
	assert.Equal(t, 30*time.Second, config.BackendTimeout())
	assert.Equal(t, 200*time.Millisecond, config.BackendBackoff())

	// Suggestions
	assert.Equal(t, 3, config.MinSuggestions)
	assert.Equal(t, 5, config.MaxSuggestions)

	assert.Equal(t, "INFO", config.LogLevel)
	require.NoError(t, config.Validate())
}

func TestCoreConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*CoreConfig)
		errMsg string
	}{
		{"threshold above one", func(c *CoreConfig) { c.ConfidenceThreshold = 1.5 }, "confidence_threshold"},
		{"negative ceiling", func(c *CoreConfig) { c.RetryCeiling = -1 }, "retry_ceiling"},
		{"zero window", func(c *CoreConfig) { c.HistoryWindow = 0 }, "history_window"},
		{"zero row cap", func(c *CoreConfig) { c.RowCap = 0 }, "row_cap"},
		{"zero attempts", func(c *CoreConfig) { c.BackendMaxAttempts = 0 }, "backend_max_attempts"},
		{"inverted suggestions", func(c *CoreConfig) { c.MaxSuggestions = 2 }, "suggestion bounds"},
		{"zero hops", func(c *CoreConfig) { c.MaxHops = 0 }, "max_hops"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultCoreConfig()
			tt.mutate(c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

// =============================================================================
// FROM MAP TESTS
// =============================================================================

func TestCoreConfigFromMapPartial(t *testing.T) {
	config := CoreConfigFromMap(map[string]any{
		"retry_ceiling":  5,
		"history_window": 10,
	})

	// Overridden values
	assert.Equal(t, 5, config.RetryCeiling)
	assert.Equal(t, 10, config.HistoryWindow)

	// Default values preserved
	assert.Equal(t, 50, config.RowCap)
	assert.Equal(t, 0.5, config.ConfidenceThreshold)
}

func TestCoreConfigFromMapUnknownKeysIgnored(t *testing.T) {
	config := CoreConfigFromMap(map[string]any{
		"row_cap":     25,
		"unknown_key": "should be ignored",
	})

	assert.Equal(t, 25, config.RowCap)
}

func TestCoreConfigFromMapWithFloats(t *testing.T) {
	// JSON numbers decode as float64.
	config := CoreConfigFromMap(map[string]any{
		"row_cap":              float64(15),
		"backend_timeout_ms":   float64(900),
		"confidence_threshold": 0.7,
		"partial_success":      false,
	})

	assert.Equal(t, 15, config.RowCap)
	assert.Equal(t, 900*time.Millisecond, config.BackendTimeout())
	assert.Equal(t, 0.7, config.ConfidenceThreshold)
	assert.False(t, config.PartialSuccess)
}

// =============================================================================
// TO MAP TESTS
// =============================================================================

func TestCoreConfigToMap(t *testing.T) {
	configMap := DefaultCoreConfig().ToMap()

	assert.Equal(t, 3, configMap["retry_ceiling"])
	assert.Equal(t, 20, configMap["history_window"])
	assert.Equal(t, true, configMap["partial_success"])
	assert.Equal(t, "INFO", configMap["log_level"])
}

func TestConfigRoundtrip(t *testing.T) {
	original := DefaultCoreConfig()
	original.RetryCeiling = 2
	original.RowCap = 10
	original.PartialSuccess = false
	original.ConfidenceThreshold = 0.65

	restored := CoreConfigFromMap(original.ToMap())

	assert.Equal(t, original, restored)
}

// =============================================================================
// GLOBAL CONFIG TESTS
// =============================================================================

func TestGetCoreConfigDefault(t *testing.T) {
	ResetCoreConfig()

	assert.Equal(t, 3, GetCoreConfig().RetryCeiling)
}

func TestSetAndResetCoreConfig(t *testing.T) {
	defer ResetCoreConfig()

	custom := DefaultCoreConfig()
	custom.RetryCeiling = 7
	SetCoreConfig(custom)
	assert.Equal(t, 7, GetCoreConfig().RetryCeiling)

	ResetCoreConfig()
	assert.Equal(t, 3, GetCoreConfig().RetryCeiling)
}
