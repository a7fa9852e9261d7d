// Package policy holds per-language run limits and the civil-day clock used
// for quota accounting.
package policy

import (
	"fmt"

	"github.com/michaelbrown/runbox/internal/model"
)

// Table maps each language onto its default limits.
type Table map[model.Language]model.Limits

// DefaultTable returns the built-in per-language defaults.
func DefaultTable() Table {
	return Table{
		model.Java:   {CPUCores: 1.0, MemoryMB: 512, TimeoutMs: 15000, OutputLimitBytes: 64 * 1024},
		model.Python: {CPUCores: 0.5, MemoryMB: 256, TimeoutMs: 5000, OutputLimitBytes: 64 * 1024},
		model.Go:     {CPUCores: 1.0, MemoryMB: 512, TimeoutMs: 10000, OutputLimitBytes: 64 * 1024},
	}
}

// For returns the defaults for lang.
func (t Table) For(lang model.Language) (model.Limits, error) {
	l, ok := t[lang]
	if !ok {
		return model.Limits{}, fmt.Errorf("no limits configured for %q", lang)
	}
	return l, nil
}

// Ceiling caps what a caller may request through overrides. Zero fields are
// unbounded.
type Ceiling struct {
	CPUCores         float64 `mapstructure:"cpu_cores"`
	MemoryMB         int     `mapstructure:"memory_mb"`
	TimeoutMs        int     `mapstructure:"timeout_ms"`
	OutputLimitBytes int     `mapstructure:"output_limit_bytes"`
}

// Merge applies the non-nil, positive override fields over base and clamps
// the result to ceiling.
func Merge(base model.Limits, o *model.LimitOverrides, ceiling Ceiling) model.Limits {
	out := base
	if o != nil {
		if o.CPUCores != nil && *o.CPUCores > 0 {
			out.CPUCores = *o.CPUCores
		}
		if o.MemoryMB != nil && *o.MemoryMB > 0 {
			out.MemoryMB = *o.MemoryMB
		}
		if o.TimeoutMs != nil && *o.TimeoutMs > 0 {
			out.TimeoutMs = *o.TimeoutMs
		}
		if o.OutputLimitBytes != nil && *o.OutputLimitBytes > 0 {
			out.OutputLimitBytes = *o.OutputLimitBytes
		}
	}

	if ceiling.CPUCores > 0 && out.CPUCores > ceiling.CPUCores {
		out.CPUCores = ceiling.CPUCores
	}
	if ceiling.MemoryMB > 0 && out.MemoryMB > ceiling.MemoryMB {
		out.MemoryMB = ceiling.MemoryMB
	}
	if ceiling.TimeoutMs > 0 && out.TimeoutMs > ceiling.TimeoutMs {
		out.TimeoutMs = ceiling.TimeoutMs
	}
	if ceiling.OutputLimitBytes > 0 && out.OutputLimitBytes > ceiling.OutputLimitBytes {
		out.OutputLimitBytes = ceiling.OutputLimitBytes
	}
	return out
}
