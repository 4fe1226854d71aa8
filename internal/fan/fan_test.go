package fan

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/nbfcd/nbfcd/internal/config"
	"github.com/nbfcd/nbfcd/internal/ecbackend"
)

func plainFanConfig() config.FanConfiguration {
	return config.FanConfiguration{
		FanDisplayName: "Test Fan",
		ReadRegister:   0x10,
		WriteRegister:  0x11,
		MinSpeedValue:  0,
		MaxSpeedValue:  255,
		TemperatureThresholds: []config.TemperatureThreshold{
			{UpThreshold: 50, DownThreshold: 40, FanSpeed: 30},
			{UpThreshold: 70, DownThreshold: 60, FanSpeed: 100},
		},
	}
}

// TestEncodeDecodeRoundTrip checks property 1: decode(encode(p)) == p
// within ±1 for a fan with no overrides.
func TestEncodeDecodeRoundTrip(t *testing.T) {
	fc := plainFanConfig()
	for p := 0; p <= 100; p++ {
		raw := EncodeSpeed(fc, p)
		got := DecodeSpeed(fc, raw)
		require.InDeltaf(t, p, got, 1, "percent=%d raw=%d decoded=%d", p, raw, got)
	}
}

// TestOverrideTakesPrecedence checks property 2.
func TestOverrideTakesPrecedence(t *testing.T) {
	fc := plainFanConfig()
	fc.FanSpeedPercentageOverrides = []config.FanSpeedPercentageOverride{
		{FanSpeedPercentage: 42, FanSpeedValue: 200, TargetOperation: config.OpReadWrite},
	}
	require.Equal(t, 200, EncodeSpeed(fc, 42))
	require.Equal(t, 42, DecodeSpeed(fc, 200))
}

func newTestFan(fc config.FanConfiguration, criticalTemp int) (*Fan, *ecbackend.ECDummy) {
	backend := ecbackend.NewECDummy()
	f := Init(fc, criticalTemp, false, backend, zerolog.Nop())
	return f, backend
}

// TestCriticalOverride checks property 4: a Fixed fan at 30% forced to
// 100% once the critical temperature is reached, and released back to
// its requested speed once the temperature drops again.
func TestCriticalOverride(t *testing.T) {
	f, _ := newTestFan(plainFanConfig(), 75)

	require.NoError(t, f.SetFixedSpeed(30))
	require.NoError(t, f.SetTemperature(65))
	require.Equal(t, 30, f.TargetSpeed())
	require.False(t, f.IsCritical())

	require.NoError(t, f.SetTemperature(80))
	require.Equal(t, 100, f.TargetSpeed())
	require.True(t, f.IsCritical())
	require.Equal(t, ModeCritical, f.Mode())

	require.NoError(t, f.SetTemperature(70))
	require.Equal(t, 30, f.TargetSpeed())
	require.False(t, f.IsCritical())
	require.Equal(t, ModeFixed, f.Mode())
}

func TestSetFixedSpeedWhileCriticalUpdatesRequestedSpeedOnly(t *testing.T) {
	f, _ := newTestFan(plainFanConfig(), 75)

	require.NoError(t, f.SetFixedSpeed(20))
	require.NoError(t, f.SetTemperature(80))
	require.Equal(t, ModeCritical, f.Mode())
	require.Equal(t, 100, f.TargetSpeed())

	require.NoError(t, f.SetFixedSpeed(55))
	require.Equal(t, ModeCritical, f.Mode())
	require.Equal(t, 100, f.TargetSpeed())
	require.Equal(t, 55, f.RequestedSpeed())

	require.NoError(t, f.SetTemperature(50))
	require.Equal(t, ModeFixed, f.Mode())
	require.Equal(t, 55, f.TargetSpeed())
}

func TestECFlushAndUpdateCurrentSpeedRoundTrip(t *testing.T) {
	f, _ := newTestFan(plainFanConfig(), 75)

	require.NoError(t, f.SetFixedSpeed(50))
	require.NoError(t, f.SetTemperature(20))
	require.NoError(t, f.ECFlush())
	require.NoError(t, f.UpdateCurrentSpeed())
	require.InDelta(t, 0, f.CurrentSpeed(), 1) // ECDummy always reads back 0
}

func TestAutoModeFollowsThresholdCurve(t *testing.T) {
	f, _ := newTestFan(plainFanConfig(), 75)

	require.NoError(t, f.SetTemperature(30))
	require.Equal(t, 30, f.TargetSpeed())

	require.NoError(t, f.SetTemperature(72))
	require.Equal(t, 100, f.TargetSpeed())
}
