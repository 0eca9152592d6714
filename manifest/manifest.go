// Package manifest loads and validates runtime configuration from TOML
// manifests. A missing manifest is not an error; every knob has a
// usable default.
package manifest

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Defaults applied by ApplyDefaults for zero-valued fields.
const (
	DefaultGCThresholdBytes = 1 << 20
	DefaultFairnessBudget   = 1000
	DefaultMaxFrames        = 1024
	DefaultMaxRegisters     = 256
)

// Runtime is the root configuration for one interpreter instance.
type Runtime struct {
	GC        GCConfig        `toml:"gc"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Limits    LimitsConfig    `toml:"limits"`
}

// GCConfig tunes the collector.
type GCConfig struct {
	// ThresholdBytes is the live-byte count above which a collection
	// triggers at the next safepoint.
	ThresholdBytes int `toml:"threshold-bytes"`
}

// SchedulerConfig tunes cooperative task multiplexing.
type SchedulerConfig struct {
	// FairnessBudget caps the instructions one task may run before the
	// scheduler moves to the next ready task.
	FairnessBudget int `toml:"fairness-budget"`
}

// LimitsConfig bounds per-task resource use.
type LimitsConfig struct {
	// MaxFrames caps call depth; exceeding it raises a catchable error
	// in the offending task.
	MaxFrames int `toml:"max-frames"`

	// MaxRegisters caps a single function's register file. Register
	// operands are one byte wide, so values above 256 are rejected.
	MaxRegisters int `toml:"max-registers"`
}

// Default returns a Runtime with every field set to its default.
func Default() Runtime {
	var r Runtime
	r.ApplyDefaults()
	return r
}

// ApplyDefaults fills zero-valued fields in place.
func (r *Runtime) ApplyDefaults() {
	if r.GC.ThresholdBytes == 0 {
		r.GC.ThresholdBytes = DefaultGCThresholdBytes
	}
	if r.Scheduler.FairnessBudget == 0 {
		r.Scheduler.FairnessBudget = DefaultFairnessBudget
	}
	if r.Limits.MaxFrames == 0 {
		r.Limits.MaxFrames = DefaultMaxFrames
	}
	if r.Limits.MaxRegisters == 0 {
		r.Limits.MaxRegisters = DefaultMaxRegisters
	}
}

// Validate rejects configurations that cannot run.
func (r *Runtime) Validate() error {
	if r.GC.ThresholdBytes < 0 {
		return fmt.Errorf("manifest: gc.threshold-bytes must not be negative, got %d", r.GC.ThresholdBytes)
	}
	if r.Scheduler.FairnessBudget < 0 {
		return fmt.Errorf("manifest: scheduler.fairness-budget must not be negative, got %d", r.Scheduler.FairnessBudget)
	}
	if r.Limits.MaxFrames < 0 {
		return fmt.Errorf("manifest: limits.max-frames must not be negative, got %d", r.Limits.MaxFrames)
	}
	if r.Limits.MaxRegisters < 0 || r.Limits.MaxRegisters > 256 {
		return fmt.Errorf("manifest: limits.max-registers must be within 0..256, got %d", r.Limits.MaxRegisters)
	}
	return nil
}

// Parse decodes a TOML document, applying defaults and validating.
func Parse(text string) (Runtime, error) {
	var r Runtime
	if _, err := toml.Decode(text, &r); err != nil {
		return Runtime{}, fmt.Errorf("manifest: %w", err)
	}
	r.ApplyDefaults()
	if err := r.Validate(); err != nil {
		return Runtime{}, err
	}
	return r, nil
}

// Load reads a manifest file. A missing file yields the defaults.
func Load(path string) (Runtime, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Runtime{}, fmt.Errorf("manifest: %w", err)
	}
	return Parse(string(data))
}
