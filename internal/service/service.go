// Package service implements the Service Core: staged startup/rollback,
// the main control loop, and the fan-speed mutation entry points the
// control server dispatches under the same lock, per spec.md §4.7.
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nbfcd/nbfcd/internal/config"
	"github.com/nbfcd/nbfcd/internal/control"
	"github.com/nbfcd/nbfcd/internal/ecbackend"
	"github.com/nbfcd/nbfcd/internal/fan"
	"github.com/nbfcd/nbfcd/internal/regwrite"
	"github.com/nbfcd/nbfcd/internal/sensor"
)

// maxConsecutiveFailures is the loop-failure budget spec.md §4.7/§8 (S6)
// requires: at this many consecutive tick failures in a row, Loop exits
// with a non-zero status instead of retrying forever.
const maxConsecutiveFailures = 100

// reInitDeviationPercent is the |current-target| threshold that forces
// ApplyAll(true) (re-running OnInitialization register writes) later in
// the same tick, per spec.md §4.7.
const reInitDeviationPercent = 15

// failureBackoff is how long Loop sleeps after a failed tick, before
// retrying, per spec.md §4.7.
const failureBackoff = 10 * time.Millisecond

// Service owns every piece of mutable runtime state spec.md §5 names
// (Fans, service_config, EC backend handle) behind a single mutex, the
// "single Service value... shared-ownership handle" spec.md §9 calls for.
type Service struct {
	mu  sync.Mutex
	log zerolog.Logger

	serviceConfigPath string
	serviceConfig     config.ServiceConfig
	modelConfig       config.ModelConfig

	fans []*fan.Fan

	backend     ecbackend.Backend
	backendKind ecbackend.Kind
	readOnly    bool

	regwrite    *regwrite.Engine
	sensors     *sensor.Source
	controllers []*control.FanTempCtl

	stage    int
	teardown []func() error

	consecutiveFailures int
}

// New returns an unstarted Service. Call Init before Loop.
func New(log zerolog.Logger) *Service {
	return &Service{log: log.With().Str("component", "service").Logger()}
}

// Options controls one Init call.
type Options struct {
	ServiceConfigPath string
	ModelConfigPath   string
	ReadOnly          bool
	ForceECType       ecbackend.Kind // empty: auto-detect / honor ServiceConfig
	DebugEC           bool

	// Backend, if set, is opened and used directly instead of running
	// ecbackend.FindWorking. Exists for tests that need to observe or
	// control EC I/O deterministically.
	Backend ecbackend.Backend

	// Sensors, if set, replaces the default /sys/class/hwmon source.
	// Exists for tests that need a fixture hwmon tree.
	Sensors *sensor.Source
}

// Init runs the six-stage startup spec.md §4.7 describes: load
// ServiceConfig, load+validate ModelConfig, allocate Fans, select+open
// the EC backend (wrapped with ECDebug if requested), apply
// initialization register writes (unless read-only), then init sensors,
// attach filters and bind temperature sources as one combined stage. Any
// stage failure rolls back every prior stage in reverse and returns the
// wrapped cause.
func (s *Service) Init(ctx context.Context, opts Options) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.readOnly = opts.ReadOnly
	s.serviceConfigPath = opts.ServiceConfigPath

	// Stage 1: load ServiceConfig.
	svcCfg, err := config.LoadServiceConfig(opts.ServiceConfigPath, func(format string, args ...any) {
		s.log.Warn().Msgf(format, args...)
	})
	if err != nil {
		return s.rollback(fmt.Errorf("service: init stage 1 (service config): %w", err))
	}
	s.serviceConfig = svcCfg
	s.advance(func() error { return nil })

	// Stage 2: load + validate ModelConfig.
	modelCfg, err := config.LoadModelConfig(opts.ModelConfigPath)
	if err != nil {
		return s.rollback(fmt.Errorf("service: init stage 2 (model config): %w", err))
	}
	s.modelConfig = modelCfg
	s.advance(func() error { return nil })

	// Stage 3: allocate Fans, seeding modes from any persisted
	// TargetFanSpeeds (spec.md §8 S4).
	fans := make([]*fan.Fan, len(modelCfg.FanConfigurations))
	for i, fc := range modelCfg.FanConfigurations {
		fans[i] = fan.Init(fc, modelCfg.CriticalTemperature, modelCfg.ReadWriteWords, nil, s.log)
	}
	s.fans = fans
	if err := s.seedFanModes(); err != nil {
		return s.rollback(fmt.Errorf("service: init stage 3 (allocate fans): %w", err))
	}
	s.advance(func() error { return nil })

	// Stage 4: select + open EC backend.
	var backend ecbackend.Backend
	var kind ecbackend.Kind
	if opts.Backend != nil {
		if err := opts.Backend.Open(); err != nil {
			return s.rollback(fmt.Errorf("service: init stage 4 (ec backend): %w", err))
		}
		backend, kind = opts.Backend, ecbackend.KindDummy
	} else {
		forced := opts.ForceECType
		if forced == "" && svcCfg.EmbeddedControllerType != "" {
			forced = ecbackend.Kind(svcCfg.EmbeddedControllerType)
		}
		b, k, err := ecbackend.FindWorking(ctx, forced)
		if err != nil {
			return s.rollback(fmt.Errorf("service: init stage 4 (ec backend): %w", err))
		}
		backend, kind = b, k
	}
	if opts.DebugEC {
		backend = ecbackend.NewECDebug(backend, s.log)
	}
	s.backend = backend
	s.backendKind = kind
	for _, f := range s.fans {
		f.AttachBackend(backend)
	}
	s.advance(func() error { return backend.Close() })

	// Stage 5: apply initialization register writes, unless read-only.
	s.regwrite = regwrite.New(modelCfg.RegisterWriteConfigurations, backend)
	if !opts.ReadOnly {
		if err := s.regwrite.ApplyAll(true); err != nil {
			return s.rollback(fmt.Errorf("service: init stage 5 (register writes): %w", err))
		}
	}
	s.advance(func() error {
		if opts.ReadOnly {
			return nil
		}
		return s.regwrite.ResetAll()
	})

	// Stage 6: init sensors, attach filters, and bind temperature
	// sources — SetByConfig does all three in one pass.
	s.sensors = opts.Sensors
	if s.sensors == nil {
		s.sensors = sensor.NewSource()
	}
	s.controllers = control.SetByConfig(svcCfg.FanTemperatureSources, len(s.fans), s.sensors, float64(modelCfg.EcPollInterval), s.log)
	s.advance(func() error { return nil })

	s.log.Info().Str("ec_backend", string(kind)).Int("fans", len(s.fans)).Bool("read_only", s.readOnly).Msg("service initialized")
	return nil
}

// advance records a teardown action for the stage that just succeeded.
func (s *Service) advance(teardown func() error) {
	s.teardown = append(s.teardown, teardown)
	s.stage++
}

// rollback tears down every stage that succeeded so far, in reverse,
// then returns err unchanged (already wrapped by the caller).
func (s *Service) rollback(err error) error {
	if cErr := s.cleanupLocked(); cErr != nil {
		s.log.Warn().Err(cErr).Msg("rollback: cleanup step failed")
	}
	return err
}

// Cleanup tears down every successfully completed Init stage in reverse
// order. Safe to call after a successful Init (shutdown) or is called
// internally after a failed one (rollback).
func (s *Service) Cleanup() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cleanupLocked()
}

func (s *Service) cleanupLocked() error {
	var lastErr error
	for i := len(s.teardown) - 1; i >= 0; i-- {
		if err := s.teardown[i](); err != nil {
			s.log.Warn().Err(err).Int("stage", i+1).Msg("cleanup step failed")
			lastErr = err
		}
	}
	s.teardown = nil
	s.stage = 0
	return lastErr
}

// seedFanModes applies any ServiceConfig.TargetFanSpeeds entries to the
// freshly allocated fans: AutoSentinel means Auto, anything else is a
// Fixed percent (spec.md §8 S4).
func (s *Service) seedFanModes() error {
	for i, v := range s.serviceConfig.TargetFanSpeeds {
		if i >= len(s.fans) {
			break
		}
		if v == config.AutoSentinel {
			if err := s.fans[i].SetAutoSpeed(); err != nil {
				return err
			}
			continue
		}
		if err := s.fans[i].SetFixedSpeed(int(v)); err != nil {
			return err
		}
	}
	return nil
}

// Loop runs the control loop until ctx is cancelled or the consecutive
// failure budget is exhausted, per spec.md §4.7/§5. Returns the process
// exit code: 0 for a clean cancellation, 1 after maxConsecutiveFailures.
func (s *Service) Loop(ctx context.Context) int {
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("control loop stopping on cancellation")
			return 0
		default:
		}

		if err := s.tick(); err != nil {
			s.log.Error().Err(err).Msg("control loop tick failed")
			s.mu.Lock()
			s.consecutiveFailures++
			failures := s.consecutiveFailures
			s.mu.Unlock()

			if failures >= maxConsecutiveFailures {
				s.log.Error().Int("failures", failures).Msg("too many consecutive failures, exiting")
				return 1
			}
			time.Sleep(failureBackoff)
			continue
		}

		s.mu.Lock()
		s.consecutiveFailures = 0
		s.mu.Unlock()
		time.Sleep(time.Duration(s.modelConfig.EcPollInterval) * time.Millisecond)
	}
}

// tick runs one control-loop iteration under the global lock: refresh
// current speeds, decide whether register writes need re-applying,
// refresh each fan's aggregated temperature, and flush the result.
func (s *Service) tick() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	reInitRequired := false
	for _, f := range s.fans {
		if err := f.UpdateCurrentSpeed(); err != nil {
			return fmt.Errorf("service: read current speed: %w", err)
		}
		if deviation(f.CurrentSpeed(), f.TargetSpeed()) > reInitDeviationPercent {
			reInitRequired = true
		}
	}

	if !s.readOnly {
		if err := s.regwrite.ApplyAll(reInitRequired); err != nil {
			return fmt.Errorf("service: apply register writes: %w", err)
		}
	}

	for i, f := range s.fans {
		temp, err := s.controllers[i].Update(float64(s.modelConfig.EcPollInterval))
		if err != nil {
			return fmt.Errorf("service: update temperature for fan %d: %w", i, err)
		}
		if err := f.SetTemperature(temp); err != nil {
			return fmt.Errorf("service: set temperature for fan %d: %w", i, err)
		}
		if !s.readOnly {
			if err := f.ECFlush(); err != nil {
				return fmt.Errorf("service: flush fan %d: %w", i, err)
			}
		}
	}

	return nil
}

func deviation(current, target int) int {
	d := current - target
	if d < 0 {
		d = -d
	}
	return d
}

// SetFanSpeed applies speed to fanIndex (nil selects every fan), flushes
// the EC unless read-only, and persists TargetFanSpeeds, all under the
// global lock. speed must be in [0,100], or config.AutoSentinel for
// Auto mode; callers (the control server) translate the wire-level
// "auto" string before calling this.
func (s *Service) SetFanSpeed(fanIndex *int, speed float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stage == 0 {
		return ErrNotInitialized
	}

	indices, err := s.selectFans(fanIndex)
	if err != nil {
		return err
	}

	for _, i := range indices {
		f := s.fans[i]
		if speed == config.AutoSentinel {
			if err := f.SetAutoSpeed(); err != nil {
				return fmt.Errorf("service: set fan %d auto: %w", i, err)
			}
		} else if err := f.SetFixedSpeed(int(speed)); err != nil {
			return fmt.Errorf("service: set fan %d fixed: %w", i, err)
		}
		if !s.readOnly {
			if err := f.ECFlush(); err != nil {
				return fmt.Errorf("service: flush fan %d: %w", i, err)
			}
		}
	}

	return s.writeTargetFanSpeedsLocked()
}

// selectFans resolves a set.fan-speed command's optional Fan index to
// the list of fan indices it targets: every fan when nil, per spec.md
// §9 Open Question (c) this also covers the "no fans configured" case
// as a no-op.
func (s *Service) selectFans(fanIndex *int) ([]int, error) {
	if fanIndex == nil {
		indices := make([]int, len(s.fans))
		for i := range s.fans {
			indices[i] = i
		}
		return indices, nil
	}
	if *fanIndex < 0 || *fanIndex >= len(s.fans) {
		return nil, fmt.Errorf("%w: %d", ErrFanIndexOutOfRange, *fanIndex)
	}
	return []int{*fanIndex}, nil
}

// WriteTargetFanSpeedsToConfig mirrors every fan's runtime mode into
// ServiceConfig.TargetFanSpeeds (-1 for Auto, requestedSpeed for Fixed)
// and persists it, per spec.md §4.7.
func (s *Service) WriteTargetFanSpeedsToConfig() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeTargetFanSpeedsLocked()
}

func (s *Service) writeTargetFanSpeedsLocked() error {
	speeds := make([]float64, len(s.fans))
	for i, f := range s.fans {
		if f.BaseMode() == fan.ModeFixed {
			speeds[i] = float64(f.RequestedSpeed())
		} else {
			speeds[i] = config.AutoSentinel
		}
	}
	s.serviceConfig.TargetFanSpeeds = speeds
	if err := config.SaveServiceConfig(s.serviceConfigPath, s.serviceConfig); err != nil {
		return fmt.Errorf("service: persist target fan speeds: %w", err)
	}
	return nil
}

// FanStatus is one fan's snapshot for a status reply.
type FanStatus struct {
	Name           string
	Temperature    int
	AutoMode       bool
	Critical       bool
	CurrentSpeed   int
	TargetSpeed    int
	RequestedSpeed int
	SpeedSteps     int
}

// StatusSnapshot is the atomic, single-tick-consistent reply spec.md
// §4.8/§8 property 6 requires.
type StatusSnapshot struct {
	PID              int
	SelectedConfigId string
	ReadOnly         bool
	Fans             []FanStatus
}

// Status returns a consistent snapshot of every fan's state, taken
// entirely under the global lock so it reflects exactly one committed
// tick or command, never a torn mix of the two.
func (s *Service) Status(pid int) StatusSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	fans := make([]FanStatus, len(s.fans))
	for i, f := range s.fans {
		fans[i] = FanStatus{
			Name:           f.Config().FanDisplayName,
			Temperature:    s.controllers[i].Temperature,
			AutoMode:       f.Mode() == fan.ModeAuto,
			Critical:       f.IsCritical(),
			CurrentSpeed:   f.CurrentSpeed(),
			TargetSpeed:    f.TargetSpeed(),
			RequestedSpeed: f.RequestedSpeed(),
			SpeedSteps:     len(f.Config().TemperatureThresholds),
		}
	}

	return StatusSnapshot{
		PID:              pid,
		SelectedConfigId: s.serviceConfig.SelectedConfigId,
		ReadOnly:         s.readOnly,
		Fans:             fans,
	}
}

// FanCount returns how many fans the loaded ModelConfig configured.
func (s *Service) FanCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fans)
}
