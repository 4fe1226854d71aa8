package service

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/nbfcd/nbfcd/internal/config"
	"github.com/nbfcd/nbfcd/internal/ecbackend"
	"github.com/nbfcd/nbfcd/internal/sensor"
)

// spyBackend records every WriteByte call and otherwise behaves like
// ECDummy (reads zero, writes are otherwise discarded).
type spyBackend struct {
	*ecbackend.ECDummy
	writes map[uint8]uint8
}

func newSpyBackend() *spyBackend {
	return &spyBackend{ECDummy: ecbackend.NewECDummy(), writes: make(map[uint8]uint8)}
}

func (s *spyBackend) WriteByte(reg uint8, val uint8) error {
	s.writes[reg] = val
	return nil
}

// failReadBackend fails every ReadByte call, used to drive Loop's
// consecutive-failure counter (spec.md §8 S6).
type failReadBackend struct{ *ecbackend.ECDummy }

func (failReadBackend) ReadByte(uint8) (uint8, error) {
	return 0, os.ErrClosed
}

func writeJSON(t *testing.T, path string, v any) {
	t.Helper()
	data, err := json.MarshalIndent(v, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func writeHwmonSensor(t *testing.T, base, label string, milliCelsius int) {
	t.Helper()
	dev := filepath.Join(base, "hwmon0")
	require.NoError(t, os.MkdirAll(dev, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dev, "temp1_label"), []byte(label), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dev, "temp1_input"), []byte(strconv.Itoa(milliCelsius)), 0o644))
}

func oneFanModel() config.ModelConfig {
	return config.ModelConfig{
		NotebookModel:       "Test Notebook",
		EcPollInterval:      1000,
		CriticalTemperature: 90,
		FanConfigurations: []config.FanConfiguration{
			{
				FanDisplayName: "CPU Fan",
				ReadRegister:   0x10,
				WriteRegister:  0x11,
				MinSpeedValue:  0,
				MaxSpeedValue:  255,
				TemperatureThresholds: []config.TemperatureThreshold{
					{UpThreshold: 0, DownThreshold: 0, FanSpeed: 0},
					{UpThreshold: 60, DownThreshold: 50, FanSpeed: 100},
				},
			},
		},
	}
}

// TestInitSeedsFanModesFromPersistedTargetSpeeds covers spec.md §8 S4:
// booting with TargetFanSpeeds=[50,-1] on a 2-fan model puts fan 0 in
// Fixed at 50% and fan 1 in Auto.
func TestInitSeedsFanModesFromPersistedTargetSpeeds(t *testing.T) {
	dir := t.TempDir()

	model := oneFanModel()
	model.FanConfigurations = append(model.FanConfigurations, config.FanConfiguration{
		FanDisplayName: "GPU Fan",
		ReadRegister:   0x20,
		WriteRegister:  0x21,
		MinSpeedValue:  0,
		MaxSpeedValue:  255,
	})
	modelPath := filepath.Join(dir, "model.json")
	writeJSON(t, modelPath, model)

	svcPath := filepath.Join(dir, "service.json")
	writeJSON(t, svcPath, config.ServiceConfig{
		SelectedConfigId: "test",
		TargetFanSpeeds:  []float64{50, -1},
	})

	svc := New(zerolog.Nop())
	err := svc.Init(context.Background(), Options{
		ServiceConfigPath: svcPath,
		ModelConfigPath:   modelPath,
		ReadOnly:          true,
		Backend:           newSpyBackend(),
	})
	require.NoError(t, err)

	require.Equal(t, "fixed", string(svc.fans[0].Mode()))
	require.Equal(t, 50, svc.fans[0].RequestedSpeed())
	require.Equal(t, "auto", string(svc.fans[1].Mode()))
}

// TestInitRollsBackOnModelConfigFailure checks that a stage-2 failure
// (bad model config path) leaves the service in a clean, re-initable
// state: no fans allocated, stage counter reset.
func TestInitRollsBackOnModelConfigFailure(t *testing.T) {
	dir := t.TempDir()

	svcPath := filepath.Join(dir, "service.json")
	writeJSON(t, svcPath, config.DefaultServiceConfig())

	svc := New(zerolog.Nop())
	err := svc.Init(context.Background(), Options{
		ServiceConfigPath: svcPath,
		ModelConfigPath:   filepath.Join(dir, "does-not-exist.json"),
		Backend:           newSpyBackend(),
	})
	require.Error(t, err)
	require.Equal(t, 0, svc.stage)
	require.Empty(t, svc.fans)
}

// TestTickEncodesNonCriticalTemperature covers the low end of spec.md §8
// S1: a first-ever 30C reading on a fan thresholded at {0,0,0}/{60,50,100}
// must write raw 0 and leave isCritical false. The EMA filter primes
// exactly on the first sample, so this is an exact check, not just a
// directional one.
func TestTickEncodesNonCriticalTemperature(t *testing.T) {
	dir := t.TempDir()
	writeHwmonSensor(t, dir, "CPU", 30000)

	model := oneFanModel()
	modelPath := filepath.Join(dir, "model.json")
	writeJSON(t, modelPath, model)
	svcPath := filepath.Join(dir, "service.json")
	writeJSON(t, svcPath, config.DefaultServiceConfig())

	backend := newSpyBackend()
	svc := New(zerolog.Nop())
	require.NoError(t, svc.Init(context.Background(), Options{
		ServiceConfigPath: svcPath,
		ModelConfigPath:   modelPath,
		Backend:           backend,
		Sensors:           sensor.NewSource(sensor.WithBasePath(dir)),
	}))

	require.NoError(t, svc.tick())

	require.Equal(t, uint8(0), backend.writes[0x11])
	require.False(t, svc.fans[0].IsCritical())
}

// TestTickEncodesCriticalTemperature covers the high end of spec.md §8
// S1: a first-ever 95C reading (>= CriticalTemperature=90) forces 100%
// (raw 255) and isCritical=true.
func TestTickEncodesCriticalTemperature(t *testing.T) {
	dir := t.TempDir()
	writeHwmonSensor(t, dir, "CPU", 95000)

	model := oneFanModel()
	modelPath := filepath.Join(dir, "model.json")
	writeJSON(t, modelPath, model)
	svcPath := filepath.Join(dir, "service.json")
	writeJSON(t, svcPath, config.DefaultServiceConfig())

	backend := newSpyBackend()
	svc := New(zerolog.Nop())
	require.NoError(t, svc.Init(context.Background(), Options{
		ServiceConfigPath: svcPath,
		ModelConfigPath:   modelPath,
		Backend:           backend,
		Sensors:           sensor.NewSource(sensor.WithBasePath(dir)),
	}))

	require.NoError(t, svc.tick())

	require.Equal(t, uint8(255), backend.writes[0x11])
	require.True(t, svc.fans[0].IsCritical())
}

// TestLoopExitsAfterConsecutiveFailures covers spec.md §8 S6: 100
// consecutive EC read failures terminate Loop with a non-zero code.
func TestLoopExitsAfterConsecutiveFailures(t *testing.T) {
	dir := t.TempDir()
	writeHwmonSensor(t, dir, "CPU", 30000)

	modelPath := filepath.Join(dir, "model.json")
	writeJSON(t, modelPath, oneFanModel())
	svcPath := filepath.Join(dir, "service.json")
	writeJSON(t, svcPath, config.DefaultServiceConfig())

	svc := New(zerolog.Nop())
	require.NoError(t, svc.Init(context.Background(), Options{
		ServiceConfigPath: svcPath,
		ModelConfigPath:   modelPath,
		Backend:           failReadBackend{ecbackend.NewECDummy()},
	}))

	code := svc.Loop(context.Background())
	require.Equal(t, 1, code)
	require.GreaterOrEqual(t, svc.consecutiveFailures, maxConsecutiveFailures)
}

// TestLoopStopsCleanlyOnCancellation checks the context-cancellation
// exit path returns 0 without needing any failures.
func TestLoopStopsCleanlyOnCancellation(t *testing.T) {
	dir := t.TempDir()
	writeHwmonSensor(t, dir, "CPU", 30000)

	modelPath := filepath.Join(dir, "model.json")
	writeJSON(t, modelPath, oneFanModel())
	svcPath := filepath.Join(dir, "service.json")
	writeJSON(t, svcPath, config.DefaultServiceConfig())

	svc := New(zerolog.Nop())
	require.NoError(t, svc.Init(context.Background(), Options{
		ServiceConfigPath: svcPath,
		ModelConfigPath:   modelPath,
		Backend:           newSpyBackend(),
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Equal(t, 0, svc.Loop(ctx))
}

// TestSetFanSpeedRejectsOutOfRangeIndex exercises ErrFanIndexOutOfRange.
func TestSetFanSpeedRejectsOutOfRangeIndex(t *testing.T) {
	dir := t.TempDir()
	modelPath := filepath.Join(dir, "model.json")
	writeJSON(t, modelPath, oneFanModel())
	svcPath := filepath.Join(dir, "service.json")
	writeJSON(t, svcPath, config.DefaultServiceConfig())

	svc := New(zerolog.Nop())
	require.NoError(t, svc.Init(context.Background(), Options{
		ServiceConfigPath: svcPath,
		ModelConfigPath:   modelPath,
		ReadOnly:          true,
		Backend:           newSpyBackend(),
	}))

	bad := 5
	err := svc.SetFanSpeed(&bad, 50)
	require.ErrorIs(t, err, ErrFanIndexOutOfRange)
}

// TestSetFanSpeedAutoPersistsSentinel covers spec.md §8 S2's persistence
// half: switching a fan to auto writes AutoSentinel to TargetFanSpeeds.
func TestSetFanSpeedAutoPersistsSentinel(t *testing.T) {
	dir := t.TempDir()
	modelPath := filepath.Join(dir, "model.json")
	writeJSON(t, modelPath, oneFanModel())
	svcPath := filepath.Join(dir, "service.json")
	writeJSON(t, svcPath, config.ServiceConfig{TargetFanSpeeds: []float64{42}})

	svc := New(zerolog.Nop())
	require.NoError(t, svc.Init(context.Background(), Options{
		ServiceConfigPath: svcPath,
		ModelConfigPath:   modelPath,
		ReadOnly:          true,
		Backend:           newSpyBackend(),
	}))
	require.Equal(t, "fixed", string(svc.fans[0].Mode()))

	fan0 := 0
	require.NoError(t, svc.SetFanSpeed(&fan0, config.AutoSentinel))
	require.Equal(t, "auto", string(svc.fans[0].Mode()))

	persisted, err := config.LoadServiceConfig(svcPath, nil)
	require.NoError(t, err)
	require.Equal(t, config.AutoSentinel, persisted.TargetFanSpeeds[0])
}

// TestWriteTargetFanSpeedsSurvivesCriticalOverride covers spec.md §4.7:
// a Fixed fan riding out a momentary critical temperature spike (which
// makes Mode report ModeCritical, not ModeFixed) must still persist its
// Fixed requested speed, not be silently demoted to Auto.
func TestWriteTargetFanSpeedsSurvivesCriticalOverride(t *testing.T) {
	dir := t.TempDir()
	modelPath := filepath.Join(dir, "model.json")
	writeJSON(t, modelPath, oneFanModel())
	svcPath := filepath.Join(dir, "service.json")
	writeJSON(t, svcPath, config.ServiceConfig{TargetFanSpeeds: []float64{42}})

	svc := New(zerolog.Nop())
	require.NoError(t, svc.Init(context.Background(), Options{
		ServiceConfigPath: svcPath,
		ModelConfigPath:   modelPath,
		ReadOnly:          true,
		Backend:           newSpyBackend(),
	}))
	require.Equal(t, "fixed", string(svc.fans[0].Mode()))

	require.NoError(t, svc.fans[0].SetTemperature(95))
	require.Equal(t, "critical", string(svc.fans[0].Mode()))

	require.NoError(t, svc.WriteTargetFanSpeedsToConfig())

	persisted, err := config.LoadServiceConfig(svcPath, nil)
	require.NoError(t, err)
	require.Equal(t, float64(42), persisted.TargetFanSpeeds[0])
}
