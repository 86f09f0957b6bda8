// Package config provides orchestration configuration.
//
// CoreConfig holds only the knobs that shape a turn: thresholds, limits,
// timeouts and retry policy. Infrastructure settings (database URLs, LLM
// credentials, listen addresses) live in Settings, and the stage graph lives
// in PipelineConfig.
package config

import (
	"fmt"
	"sync"
	"time"
)

// CoreConfig holds core orchestration configuration.
type CoreConfig struct {
	// Classification
	ConfidenceThreshold float64 `json:"confidence_threshold" yaml:"confidence_threshold"`
	RetryCeiling        int     `json:"retry_ceiling" yaml:"retry_ceiling"`
	MaxEntities         int     `json:"max_entities" yaml:"max_entities"`     // Complexity ceiling: distinct entities
	MaxOperations       int     `json:"max_operations" yaml:"max_operations"` // Complexity ceiling: join/aggregation keywords

	// Context
	HistoryWindow       int `json:"history_window" yaml:"history_window"`
	ContextSummaryTurns int `json:"context_summary_turns" yaml:"context_summary_turns"`

	// Backends
	RowCap                  int  `json:"row_cap" yaml:"row_cap"`
	BackendMaxAttempts      int  `json:"backend_max_attempts" yaml:"backend_max_attempts"`
	BackendBackoffMS        int  `json:"backend_backoff_ms" yaml:"backend_backoff_ms"`
	PartialSuccess          bool `json:"partial_success" yaml:"partial_success"`
	MaxParallel             int  `json:"max_parallel" yaml:"max_parallel"`
	BreakerFailureThreshold int  `json:"breaker_failure_threshold" yaml:"breaker_failure_threshold"`
	BreakerResetTimeoutMS   int  `json:"breaker_reset_timeout_ms" yaml:"breaker_reset_timeout_ms"`

	// Timeouts (milliseconds)
	ClassifierTimeoutMS int `json:"classifier_timeout_ms" yaml:"classifier_timeout_ms"`
	DecomposerTimeoutMS int `json:"decomposer_timeout_ms" yaml:"decomposer_timeout_ms"`
	GeneratorTimeoutMS  int `json:"generator_timeout_ms" yaml:"generator_timeout_ms"`
	EngineerTimeoutMS   int `json:"engineer_timeout_ms" yaml:"engineer_timeout_ms"`
	BackendTimeoutMS    int `json:"backend_timeout_ms" yaml:"backend_timeout_ms"`
	TurnTimeoutMS       int `json:"turn_timeout_ms" yaml:"turn_timeout_ms"`

	// Data engineer
	MinSuggestions int `json:"min_suggestions" yaml:"min_suggestions"`
	MaxSuggestions int `json:"max_suggestions" yaml:"max_suggestions"`

	// Loop Control
	MaxHops int `json:"max_hops" yaml:"max_hops"`

	// LLM
	LLMTemperature float64 `json:"llm_temperature" yaml:"llm_temperature"`
	LLMMaxTokens   int     `json:"llm_max_tokens" yaml:"llm_max_tokens"`

	// Logging
	LogLevel string `json:"log_level" yaml:"log_level"`
}

// DefaultCoreConfig returns a CoreConfig with default values.
func DefaultCoreConfig() *CoreConfig {
	return &CoreConfig{
		ConfidenceThreshold: 0.5,
		RetryCeiling:        3,
		MaxEntities:         4,
		MaxOperations:       3,

		HistoryWindow:       20,
		ContextSummaryTurns: 3,

		RowCap:                  50,
		BackendMaxAttempts:      2,
		BackendBackoffMS:        200,
		PartialSuccess:          true,
		MaxParallel:             3,
		BreakerFailureThreshold: 5,
		BreakerResetTimeoutMS:   30000,

		ClassifierTimeoutMS: 15000,
		DecomposerTimeoutMS: 15000,
		GeneratorTimeoutMS:  20000,
		EngineerTimeoutMS:   15000,
		BackendTimeoutMS:    30000,
		TurnTimeoutMS:       120000,

		MinSuggestions: 3,
		MaxSuggestions: 5,

		MaxHops: 32,

		LLMTemperature: 0,
		LLMMaxTokens:   1024,

		LogLevel: "INFO",
	}
}

// Validate checks the config for values the orchestrator cannot run with.
func (c *CoreConfig) Validate() error {
	switch {
	case c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1:
		return fmt.Errorf("confidence_threshold must be within [0,1], got %v", c.ConfidenceThreshold)
	case c.RetryCeiling < 0:
		return fmt.Errorf("retry_ceiling must be >= 0, got %d", c.RetryCeiling)
	case c.HistoryWindow < 1:
		return fmt.Errorf("history_window must be >= 1, got %d", c.HistoryWindow)
	case c.RowCap < 1:
		return fmt.Errorf("row_cap must be >= 1, got %d", c.RowCap)
	case c.BackendMaxAttempts < 1:
		return fmt.Errorf("backend_max_attempts must be >= 1, got %d", c.BackendMaxAttempts)
	case c.MaxParallel < 1:
		return fmt.Errorf("max_parallel must be >= 1, got %d", c.MaxParallel)
	case c.MinSuggestions < 1 || c.MaxSuggestions < c.MinSuggestions:
		return fmt.Errorf("suggestion bounds invalid: min=%d max=%d", c.MinSuggestions, c.MaxSuggestions)
	case c.MaxHops < 1:
		return fmt.Errorf("max_hops must be >= 1, got %d", c.MaxHops)
	}
	return nil
}

// ClassifierTimeout returns the per-call classifier bound.
func (c *CoreConfig) ClassifierTimeout() time.Duration { return ms(c.ClassifierTimeoutMS) }

// DecomposerTimeout returns the per-call decomposer bound.
func (c *CoreConfig) DecomposerTimeout() time.Duration { return ms(c.DecomposerTimeoutMS) }

// GeneratorTimeout returns the per-call query generation bound.
func (c *CoreConfig) GeneratorTimeout() time.Duration { return ms(c.GeneratorTimeoutMS) }

// EngineerTimeout returns the per-call data engineer LLM bound.
func (c *CoreConfig) EngineerTimeout() time.Duration { return ms(c.EngineerTimeoutMS) }

// BackendTimeout returns the per-attempt execution bound.
func (c *CoreConfig) BackendTimeout() time.Duration { return ms(c.BackendTimeoutMS) }

// TurnTimeout returns the whole-turn bound.
func (c *CoreConfig) TurnTimeout() time.Duration { return ms(c.TurnTimeoutMS) }

// BackendBackoff returns the base retry backoff.
func (c *CoreConfig) BackendBackoff() time.Duration { return ms(c.BackendBackoffMS) }

// BreakerResetTimeout returns how long an open breaker stays open.
func (c *CoreConfig) BreakerResetTimeout() time.Duration { return ms(c.BreakerResetTimeoutMS) }

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// CoreConfigFromMap creates CoreConfig from a map. Unknown keys are ignored.
// JSON numbers arrive as float64, so integer fields accept both.
func CoreConfigFromMap(config map[string]any) *CoreConfig {
	c := DefaultCoreConfig()

	setFloat(config, "confidence_threshold", &c.ConfidenceThreshold)
	setInt(config, "retry_ceiling", &c.RetryCeiling)
	setInt(config, "max_entities", &c.MaxEntities)
	setInt(config, "max_operations", &c.MaxOperations)
	setInt(config, "history_window", &c.HistoryWindow)
	setInt(config, "context_summary_turns", &c.ContextSummaryTurns)
	setInt(config, "row_cap", &c.RowCap)
	setInt(config, "backend_max_attempts", &c.BackendMaxAttempts)
	setInt(config, "backend_backoff_ms", &c.BackendBackoffMS)
	if v, ok := config["partial_success"].(bool); ok {
		c.PartialSuccess = v
	}
	setInt(config, "max_parallel", &c.MaxParallel)
	setInt(config, "breaker_failure_threshold", &c.BreakerFailureThreshold)
	setInt(config, "breaker_reset_timeout_ms", &c.BreakerResetTimeoutMS)
	setInt(config, "classifier_timeout_ms", &c.ClassifierTimeoutMS)
	setInt(config, "decomposer_timeout_ms", &c.DecomposerTimeoutMS)
	setInt(config, "generator_timeout_ms", &c.GeneratorTimeoutMS)
	setInt(config, "engineer_timeout_ms", &c.EngineerTimeoutMS)
	setInt(config, "backend_timeout_ms", &c.BackendTimeoutMS)
	setInt(config, "turn_timeout_ms", &c.TurnTimeoutMS)
	setInt(config, "min_suggestions", &c.MinSuggestions)
	setInt(config, "max_suggestions", &c.MaxSuggestions)
	setInt(config, "max_hops", &c.MaxHops)
	setFloat(config, "llm_temperature", &c.LLMTemperature)
	setInt(config, "llm_max_tokens", &c.LLMMaxTokens)
	if v, ok := config["log_level"].(string); ok {
		c.LogLevel = v
	}

	return c
}

func setInt(config map[string]any, key string, dst *int) {
	switch v := config[key].(type) {
	case int:
		*dst = v
	case int64:
		*dst = int(v)
	case float64:
		*dst = int(v)
	}
}

func setFloat(config map[string]any, key string, dst *float64) {
	switch v := config[key].(type) {
	case float64:
		*dst = v
	case int:
		*dst = float64(v)
	}
}

// ToMap converts config to a map.
func (c *CoreConfig) ToMap() map[string]any {
	return map[string]any{
		"confidence_threshold":      c.ConfidenceThreshold,
		"retry_ceiling":             c.RetryCeiling,
		"max_entities":              c.MaxEntities,
		"max_operations":            c.MaxOperations,
		"history_window":            c.HistoryWindow,
		"context_summary_turns":     c.ContextSummaryTurns,
		"row_cap":                   c.RowCap,
		"backend_max_attempts":      c.BackendMaxAttempts,
		"backend_backoff_ms":        c.BackendBackoffMS,
		"partial_success":           c.PartialSuccess,
		"max_parallel":              c.MaxParallel,
		"breaker_failure_threshold": c.BreakerFailureThreshold,
		"breaker_reset_timeout_ms":  c.BreakerResetTimeoutMS,
		"classifier_timeout_ms":     c.ClassifierTimeoutMS,
		"decomposer_timeout_ms":     c.DecomposerTimeoutMS,
		"generator_timeout_ms":      c.GeneratorTimeoutMS,
		"engineer_timeout_ms":       c.EngineerTimeoutMS,
		"backend_timeout_ms":        c.BackendTimeoutMS,
		"turn_timeout_ms":           c.TurnTimeoutMS,
		"min_suggestions":           c.MinSuggestions,
		"max_suggestions":           c.MaxSuggestions,
		"max_hops":                  c.MaxHops,
		"llm_temperature":           c.LLMTemperature,
		"llm_max_tokens":            c.LLMMaxTokens,
		"log_level":                 c.LogLevel,
	}
}

// =============================================================================
// GLOBAL CONFIG (set by cmd bootstrap)
// =============================================================================

var (
	globalCoreConfig *CoreConfig
	configMu         sync.RWMutex
)

// GetCoreConfig returns the injected config or defaults.
func GetCoreConfig() *CoreConfig {
	configMu.RLock()
	defer configMu.RUnlock()

	if globalCoreConfig == nil {
		return DefaultCoreConfig()
	}
	return globalCoreConfig
}

// SetCoreConfig sets the process-wide core configuration.
func SetCoreConfig(config *CoreConfig) {
	configMu.Lock()
	defer configMu.Unlock()

	globalCoreConfig = config
}

// ResetCoreConfig resets core config to nil (useful for testing).
func ResetCoreConfig() {
	configMu.Lock()
	defer configMu.Unlock()

	globalCoreConfig = nil
}
