package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Tuning is the typed override file pointed to by TUNING_FILE. Only the
// fields listed here are overridable; unknown keys are rejected so a typo
// fails loudly instead of silently changing nothing.
type Tuning struct {
	// WorkerCaps overrides the static per-type concurrency ceilings by
	// worker type name.
	WorkerCaps map[string]int `yaml:"worker_caps"`

	Breaker struct {
		FailureThreshold  int           `yaml:"failure_threshold"`
		ResetTimeout      time.Duration `yaml:"reset_timeout"`
		RecoveryThreshold float64       `yaml:"recovery_threshold"`
		RecoveryWindow    int           `yaml:"recovery_window"`
	} `yaml:"breaker"`

	Reconciler struct {
		ValidationThreshold float64 `yaml:"validation_threshold"`
		ConflictSpread      float64 `yaml:"conflict_spread"`
		LowConfidenceFloor  float64 `yaml:"low_confidence_floor"`
		EnhancedRequery     *bool   `yaml:"enhanced_requery"`
	} `yaml:"reconciler"`
}

// LoadTuning reads and parses a tuning override file.
func LoadTuning(path string) (Tuning, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Tuning{}, fmt.Errorf("op=config.LoadTuning: %w", err)
	}
	var t Tuning
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&t); err != nil {
		return Tuning{}, fmt.Errorf("op=config.LoadTuning: %w", err)
	}
	return t, nil
}

// ApplyTuning folds overrides into the config. Zero values leave the
// corresponding field untouched.
func (c *Config) ApplyTuning(t Tuning) {
	c.tuning = &t
	if t.Breaker.FailureThreshold > 0 {
		c.BreakerFailureThreshold = t.Breaker.FailureThreshold
	}
	if t.Breaker.ResetTimeout > 0 {
		c.BreakerResetTimeout = t.Breaker.ResetTimeout
	}
	if t.Breaker.RecoveryThreshold > 0 {
		c.BreakerRecoveryThreshold = t.Breaker.RecoveryThreshold
	}
	if t.Breaker.RecoveryWindow > 0 {
		c.BreakerRecoveryWindow = t.Breaker.RecoveryWindow
	}
	if t.Reconciler.ValidationThreshold > 0 {
		c.ValidationThreshold = t.Reconciler.ValidationThreshold
	}
	if t.Reconciler.ConflictSpread > 0 {
		c.ConflictSpread = t.Reconciler.ConflictSpread
	}
	if t.Reconciler.LowConfidenceFloor > 0 {
		c.LowConfidenceFloor = t.Reconciler.LowConfidenceFloor
	}
	if t.Reconciler.EnhancedRequery != nil {
		c.EnhancedRequery = *t.Reconciler.EnhancedRequery
	}
}
