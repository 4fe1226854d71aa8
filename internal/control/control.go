// Package control implements the Fan-Temperature Controller: per-fan
// sensor aggregation, filtering, and the binding of FanTemperatureSourceConfig
// entries to fans, per spec.md §4.5.
package control

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/nbfcd/nbfcd/internal/config"
	"github.com/nbfcd/nbfcd/internal/filter"
	"github.com/nbfcd/nbfcd/internal/sensor"
)

// Algorithm selects how a FanTempCtl combines multiple sensor readings.
type Algorithm string

const (
	AlgorithmAverage Algorithm = "Average"
	AlgorithmMin     Algorithm = "Min"
	AlgorithmMax     Algorithm = "Max"
)

// FanTempCtl aggregates one fan's configured sensors into a single
// filtered temperature on every tick.
type FanTempCtl struct {
	FanIndex  int
	Algorithm Algorithm
	Sensors   []string // empty means "all currently discoverable sensors"

	// Temperature is the last filtered aggregate, in whole degrees
	// Celsius, i.e. what gets passed to Fan.SetTemperature.
	Temperature int

	source *sensor.Source
	ema    *filter.EMA
	log    zerolog.Logger
}

// New builds a FanTempCtl for one fan, with an EMA time constant equal
// to pollIntervalMillis per spec.md §4.4.
func New(fanIndex int, algorithm Algorithm, sensors []string, source *sensor.Source, pollIntervalMillis float64, log zerolog.Logger) *FanTempCtl {
	return &FanTempCtl{
		FanIndex:  fanIndex,
		Algorithm: algorithm,
		Sensors:   sensors,
		source:    source,
		ema:       filter.NewEMA(pollIntervalMillis),
		log:       log.With().Int("fan", fanIndex).Logger(),
	}
}

// SetByConfig builds one FanTempCtl per fan (0..fanCount-1), binding
// configured sources where given and defaulting unbound fans to all
// hwmon sensors with Algorithm = Average.
func SetByConfig(configs []config.FanTemperatureSourceConfig, fanCount int, source *sensor.Source, pollIntervalMillis float64, log zerolog.Logger) []*FanTempCtl {
	byIndex := make(map[int]config.FanTemperatureSourceConfig, len(configs))
	for _, c := range configs {
		byIndex[c.FanIndex] = c
	}

	out := make([]*FanTempCtl, fanCount)
	for i := 0; i < fanCount; i++ {
		if c, ok := byIndex[i]; ok {
			out[i] = New(i, Algorithm(c.Algorithm), c.Sensors, source, pollIntervalMillis, log)
		} else {
			out[i] = New(i, AlgorithmAverage, nil, source, pollIntervalMillis, log)
		}
	}
	return out
}

// Update reads every configured sensor, aggregates by Algorithm, feeds
// the result through the EMA filter, and returns the new Temperature.
// A sensor that fails to read is skipped with a warning log unless
// every sensor for this fan fails, in which case ErrAllSensorsFailed is
// returned and Temperature is left unchanged.
func (f *FanTempCtl) Update(deltaMillis float64) (int, error) {
	labels := f.Sensors
	if len(labels) == 0 {
		all, err := f.source.Labels()
		if err != nil {
			return f.Temperature, fmt.Errorf("control: discover sensors for fan %d: %w", f.FanIndex, err)
		}
		labels = all
	}

	var values []float64
	for _, label := range labels {
		v, err := f.source.Read(label)
		if err != nil {
			f.log.Warn().Err(err).Str("sensor", label).Msg("sensor read failed, excluding from aggregate")
			continue
		}
		values = append(values, v)
	}

	if len(values) == 0 {
		return f.Temperature, fmt.Errorf("%w %d", ErrAllSensorsFailed, f.FanIndex)
	}

	aggregate, err := aggregate(f.Algorithm, values)
	if err != nil {
		return f.Temperature, err
	}

	filtered := f.ema.Update(aggregate, deltaMillis)
	f.Temperature = int(filtered + 0.5)
	return f.Temperature, nil
}

func aggregate(algo Algorithm, values []float64) (float64, error) {
	switch algo {
	case AlgorithmAverage, "":
		var sum float64
		for _, v := range values {
			sum += v
		}
		return sum / float64(len(values)), nil
	case AlgorithmMin:
		min := values[0]
		for _, v := range values[1:] {
			if v < min {
				min = v
			}
		}
		return min, nil
	case AlgorithmMax:
		max := values[0]
		for _, v := range values[1:] {
			if v > max {
				max = v
			}
		}
		return max, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, algo)
	}
}
