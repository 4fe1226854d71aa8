// Package regwrite implements the register-write engine: the Set/And/Or
// poke applied to arbitrary EC registers at initialization and/or before
// every fan-speed write, per spec.md §4.6.
package regwrite

import (
	"fmt"

	"github.com/nbfcd/nbfcd/internal/config"
	"github.com/nbfcd/nbfcd/internal/ecbackend"
)

// Engine applies a ModelConfig's RegisterWriteConfigurations against an
// EC backend.
type Engine struct {
	configs []config.RegisterWriteConfig
	backend ecbackend.Backend
}

// New builds an Engine over the given configs and backend.
func New(configs []config.RegisterWriteConfig, backend ecbackend.Backend) *Engine {
	return &Engine{configs: configs, backend: backend}
}

// Apply writes value to reg combined with whatever is currently there
// per mode: Set overwrites outright, And/Or combine with a prior read.
func Apply(backend ecbackend.Backend, reg int, value uint8, mode config.WriteMode) error {
	switch mode {
	case config.WriteModeSet:
		return backend.WriteByte(uint8(reg), value)
	case config.WriteModeAnd:
		cur, err := backend.ReadByte(uint8(reg))
		if err != nil {
			return fmt.Errorf("regwrite: read register 0x%02x: %w", reg, err)
		}
		return backend.WriteByte(uint8(reg), cur&value)
	case config.WriteModeOr:
		cur, err := backend.ReadByte(uint8(reg))
		if err != nil {
			return fmt.Errorf("regwrite: read register 0x%02x: %w", reg, err)
		}
		return backend.WriteByte(uint8(reg), cur|value)
	default:
		return fmt.Errorf("regwrite: unknown write mode %q", mode)
	}
}

// ApplyAll applies every configured register write that is due:
// unconditionally when initializing, or whenever its WriteOccasion is
// OnWriteFanSpeed.
func (e *Engine) ApplyAll(initializing bool) error {
	for _, rc := range e.configs {
		if !initializing && rc.WriteOccasion != config.OnWriteFanSpeed {
			continue
		}
		if err := Apply(e.backend, rc.Register, rc.Value, rc.WriteMode); err != nil {
			return fmt.Errorf("regwrite: apply register 0x%02x: %w", rc.Register, err)
		}
	}
	return nil
}

// ResetAll applies the reset write for every register write config that
// requires one, retrying up to three times and keeping the last error.
func (e *Engine) ResetAll() error {
	var lastErr error
	for _, rc := range e.configs {
		if !rc.ResetRequired {
			continue
		}
		var err error
		for attempt := 0; attempt < 3; attempt++ {
			err = Apply(e.backend, rc.Register, rc.ResetValue, rc.ResetWriteMode)
			if err == nil {
				break
			}
		}
		if err != nil {
			lastErr = fmt.Errorf("regwrite: reset register 0x%02x: %w", rc.Register, err)
		}
	}
	return lastErr
}
