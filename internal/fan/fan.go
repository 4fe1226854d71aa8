// Package fan implements a single fan's runtime state: its Auto/Fixed/
// Critical mode machine, percent↔raw encoding, and the EC reads/writes
// that drive it, per spec.md §4.2.
//
// Grounded on the teacher's internal/fan (ApplyProfile/writeSpeeds),
// generalized from MSI's three fixed profiles to the data-driven
// FanConfiguration model, and on u-bmc's pkg/state for the stateless
// finite-state-machine idiom.
package fan

import (
	"fmt"

	"github.com/qmuntal/stateless"
	"github.com/rs/zerolog"

	"github.com/nbfcd/nbfcd/internal/config"
	"github.com/nbfcd/nbfcd/internal/ecbackend"
	"github.com/nbfcd/nbfcd/internal/threshold"
)

// Fan is one configured fan's live state plus the objects it needs to
// reach the hardware: an EC backend and a hysteresis threshold manager.
type Fan struct {
	cfg            config.FanConfiguration
	criticalTemp   int
	readWriteWords bool
	backend        ecbackend.Backend
	thresholds     *threshold.Manager
	log            zerolog.Logger

	machine  *stateless.StateMachine
	baseMode Mode

	requestedSpeed int
	targetSpeed    int
	currentSpeed   int
	isCritical     bool
	lastTemp       int

	pendingWrite    int
	hasPendingWrite bool
}

// Init builds a Fan bound to cfg, ready to drive through backend. Mode
// starts Auto with requestedSpeed 0 and no pending write. backend may be
// nil if the EC backend is not selected yet; AttachBackend binds it
// later (spec.md §4.7's "allocate Fans" stage runs before "select+open
// EC backend").
func Init(cfg config.FanConfiguration, criticalTemp int, readWriteWords bool, backend ecbackend.Backend, log zerolog.Logger) *Fan {
	f := &Fan{
		cfg:            cfg,
		criticalTemp:   criticalTemp,
		readWriteWords: readWriteWords,
		backend:        backend,
		thresholds:     threshold.NewManager(cfg.TemperatureThresholds),
		log:            log.With().Str("fan", cfg.FanDisplayName).Logger(),
		baseMode:       ModeAuto,
	}
	f.machine = newModeMachine(ModeAuto, func() Mode { return f.baseMode })
	return f
}

// AttachBackend binds the EC backend this fan reads and writes through.
func (f *Fan) AttachBackend(backend ecbackend.Backend) { f.backend = backend }

// Mode returns the fan's current coarse mode.
func (f *Fan) Mode() Mode {
	return Mode(f.machine.MustState().(string))
}

// BaseMode returns the mode last selected by SetAutoSpeed/SetFixedSpeed
// (Auto or Fixed), independent of a momentary Critical override. Unlike
// Mode, this is what persistence should key off: a Fixed fan riding out
// a critical temperature spike still reports ModeCritical from Mode, but
// BaseMode keeps reporting ModeFixed.
func (f *Fan) BaseMode() Mode { return f.baseMode }

// IsCritical reports whether the last SetTemperature call found t at or
// above the model's critical temperature.
func (f *Fan) IsCritical() bool { return f.isCritical }

// RequestedSpeed returns the last percent requested via SetFixedSpeed
// (0 if the fan has never left Auto).
func (f *Fan) RequestedSpeed() int { return f.requestedSpeed }

// TargetSpeed returns the percent SetTemperature most recently computed.
func (f *Fan) TargetSpeed() int { return f.targetSpeed }

// CurrentSpeed returns the percent UpdateCurrentSpeed most recently
// decoded from hardware.
func (f *Fan) CurrentSpeed() int { return f.currentSpeed }

// Config returns the static FanConfiguration this Fan was built from.
func (f *Fan) Config() config.FanConfiguration { return f.cfg }

// SetAutoSpeed switches the fan to Auto mode and immediately recomputes
// targetSpeed (from the threshold curve, unless Critical).
func (f *Fan) SetAutoSpeed() error {
	f.baseMode = ModeAuto
	if err := f.machine.Fire(triggerSetAuto); err != nil {
		return fmt.Errorf("fan: set auto: %w", err)
	}
	f.recompute()
	return nil
}

// SetFixedSpeed switches the fan to Fixed mode at the given percent and
// immediately recomputes targetSpeed (pinned at 100 if Critical).
func (f *Fan) SetFixedSpeed(percent int) error {
	if percent < 0 || percent > 100 {
		return fmt.Errorf("%w: %d", ErrSpeedOutOfRange, percent)
	}
	f.baseMode = ModeFixed
	f.requestedSpeed = percent
	if err := f.machine.Fire(triggerSetFixed); err != nil {
		return fmt.Errorf("fan: set fixed: %w", err)
	}
	f.recompute()
	return nil
}

// SetTemperature records the latest measured temperature, applies the
// critical override, and computes targetSpeed (and the raw register
// value to flush) per spec.md §4.2.
func (f *Fan) SetTemperature(t int) error {
	f.lastTemp = t
	f.isCritical = t >= f.criticalTemp

	if f.isCritical {
		if f.Mode() != ModeCritical {
			if err := f.machine.Fire(triggerTempCritical); err != nil {
				return fmt.Errorf("fan: enter critical: %w", err)
			}
		}
	} else if f.Mode() == ModeCritical {
		if err := f.machine.Fire(triggerTempNormal); err != nil {
			return fmt.Errorf("fan: leave critical: %w", err)
		}
	}

	f.recompute()
	return nil
}

// recompute derives targetSpeed from the current mode, critical state,
// and last known temperature, and stages the matching raw write.
func (f *Fan) recompute() {
	switch {
	case f.isCritical:
		f.targetSpeed = 100
	case f.Mode() == ModeAuto:
		f.targetSpeed = f.thresholds.Update(f.lastTemp)
	default:
		f.targetSpeed = f.requestedSpeed
	}

	f.pendingWrite = EncodeSpeed(f.cfg, f.targetSpeed)
	f.hasPendingWrite = true
}

// ECFlush writes any pending raw value to the EC, using a word write
// (WriteWord) when ReadWriteWords is set and a single byte write
// otherwise.
func (f *Fan) ECFlush() error {
	if !f.hasPendingWrite {
		return fmt.Errorf("%w: %s", ErrFlushWithoutTarget, f.cfg.FanDisplayName)
	}
	raw := f.pendingWrite
	var err error
	if f.readWriteWords {
		err = f.backend.WriteWord(uint8(f.cfg.WriteRegister), uint16(raw))
	} else {
		err = f.backend.WriteByte(uint8(f.cfg.WriteRegister), uint8(raw))
	}
	if err != nil {
		return fmt.Errorf("fan: flush write register 0x%02x: %w", f.cfg.WriteRegister, err)
	}
	f.hasPendingWrite = false
	return nil
}

// UpdateCurrentSpeed reads the fan's current raw speed from the EC and
// decodes it to a percent using the read-side min/max.
func (f *Fan) UpdateCurrentSpeed() error {
	var raw int
	if f.readWriteWords {
		w, err := f.backend.ReadWord(uint8(f.cfg.ReadRegister))
		if err != nil {
			return fmt.Errorf("fan: read register 0x%02x: %w", f.cfg.ReadRegister, err)
		}
		raw = int(w)
	} else {
		b, err := f.backend.ReadByte(uint8(f.cfg.ReadRegister))
		if err != nil {
			return fmt.Errorf("fan: read register 0x%02x: %w", f.cfg.ReadRegister, err)
		}
		raw = int(b)
	}
	f.currentSpeed = DecodeSpeed(f.cfg, raw)
	return nil
}

// ECReset writes FanSpeedResetValue to the write register if the
// configuration requires a reset-on-cleanup write.
func (f *Fan) ECReset() error {
	if !f.cfg.ResetRequired {
		return nil
	}
	var err error
	if f.readWriteWords {
		err = f.backend.WriteWord(uint8(f.cfg.WriteRegister), uint16(f.cfg.FanSpeedResetValue))
	} else {
		err = f.backend.WriteByte(uint8(f.cfg.WriteRegister), uint8(f.cfg.FanSpeedResetValue))
	}
	if err != nil {
		return fmt.Errorf("fan: reset register 0x%02x: %w", f.cfg.WriteRegister, err)
	}
	return nil
}
