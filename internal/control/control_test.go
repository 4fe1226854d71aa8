package control

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/nbfcd/nbfcd/internal/config"
	"github.com/nbfcd/nbfcd/internal/sensor"
)

func fixtureSource(t *testing.T, readings map[string]int) *sensor.Source {
	t.Helper()
	base := t.TempDir()
	dev := filepath.Join(base, "hwmon0")
	require.NoError(t, os.MkdirAll(dev, 0o755))
	i := 1
	for label, milli := range readings {
		require.NoError(t, os.WriteFile(filepath.Join(dev, "temp"+itoa(i)+"_label"), []byte(label), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(dev, "temp"+itoa(i)+"_input"), []byte(itoa(milli)), 0o644))
		i++
	}
	return sensor.NewSource(sensor.WithBasePath(base))
}

func itoa(v int) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	pos := len(buf)
	for v > 0 {
		pos--
		buf[pos] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}

func TestUpdateAveragesConfiguredSensors(t *testing.T) {
	src := fixtureSource(t, map[string]int{"A": 40000, "B": 60000})
	ftc := New(0, AlgorithmAverage, []string{"A", "B"}, src, 1000, zerolog.Nop())

	temp, err := ftc.Update(1000)
	require.NoError(t, err)
	require.Equal(t, 50, temp)
}

func TestUpdateMinAndMax(t *testing.T) {
	src := fixtureSource(t, map[string]int{"A": 40000, "B": 60000})

	min := New(0, AlgorithmMin, []string{"A", "B"}, src, 1000, zerolog.Nop())
	v, err := min.Update(1000)
	require.NoError(t, err)
	require.Equal(t, 40, v)

	max := New(0, AlgorithmMax, []string{"A", "B"}, src, 1000, zerolog.Nop())
	v, err = max.Update(1000)
	require.NoError(t, err)
	require.Equal(t, 60, v)
}

func TestUpdateSkipsFailingSensorUnlessAllFail(t *testing.T) {
	src := fixtureSource(t, map[string]int{"A": 50000})
	ftc := New(0, AlgorithmAverage, []string{"A", "Missing"}, src, 1000, zerolog.Nop())

	temp, err := ftc.Update(1000)
	require.NoError(t, err)
	require.Equal(t, 50, temp)
}

func TestUpdateReturnsErrorWhenAllSensorsFail(t *testing.T) {
	src := fixtureSource(t, map[string]int{"A": 50000})
	ftc := New(0, AlgorithmAverage, []string{"Missing"}, src, 1000, zerolog.Nop())

	_, err := ftc.Update(1000)
	require.ErrorIs(t, err, ErrAllSensorsFailed)
}

func TestSetByConfigDefaultsUnboundFansToAllSensorsAverage(t *testing.T) {
	src := fixtureSource(t, map[string]int{"A": 50000})
	ctls := SetByConfig(nil, 2, src, 1000, zerolog.Nop())

	require.Len(t, ctls, 2)
	require.Equal(t, AlgorithmAverage, ctls[0].Algorithm)
	require.Empty(t, ctls[0].Sensors)
}

func TestSetByConfigBindsConfiguredFan(t *testing.T) {
	src := fixtureSource(t, map[string]int{"A": 50000})
	cfgs := []config.FanTemperatureSourceConfig{
		{FanIndex: 1, Algorithm: "Max", Sensors: []string{"A"}},
	}
	ctls := SetByConfig(cfgs, 2, src, 1000, zerolog.Nop())

	require.Equal(t, AlgorithmAverage, ctls[0].Algorithm)
	require.Equal(t, AlgorithmMax, ctls[1].Algorithm)
	require.Equal(t, []string{"A"}, ctls[1].Sensors)
}
