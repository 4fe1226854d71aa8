// Package sensor discovers hwmon temperature inputs and reads them by
// label, the way a Fan-Temperature Controller aggregates its configured
// `Sensors` set (spec.md §4.5).
//
// Grounded on the teacher's pack via u-bmc-u-bmc's pkg/hwmon
// (Discoverer/Device/SensorInfo, functional discovery options), trimmed
// from its general voltage/fan/power/PWM sensor model down to the
// temperature-only surface this daemon needs.
package sensor

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Reading is one temperature input, identified by its hwmon label, in
// degrees Celsius.
type Reading struct {
	Label   string
	Celsius float64
}

// Source discovers and reads hwmon temperature inputs.
type Source struct {
	basePath string
}

// Option configures a Source.
type Option func(*Source)

// WithBasePath overrides the hwmon root, normally /sys/class/hwmon.
// Used by tests to point at a fixture directory.
func WithBasePath(path string) Option {
	return func(s *Source) { s.basePath = path }
}

// NewSource builds a Source rooted at /sys/class/hwmon unless overridden.
func NewSource(opts ...Option) *Source {
	s := &Source{basePath: "/sys/class/hwmon"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var tempInputPattern = regexp.MustCompile(`^temp(\d+)_input$`)

// Discover walks every hwmonN device directory and returns every
// labeled temperature input found (inputs without a temp*_label file
// are skipped, since FanTemperatureSourceConfig addresses sensors by
// label).
func (s *Source) Discover() (map[string]Reading, error) {
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrDiscoveryFailed, s.basePath, err)
	}

	out := make(map[string]Reading)
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), "hwmon") {
			continue
		}
		devicePath := filepath.Join(s.basePath, entry.Name())
		readings, err := s.scanDevice(devicePath)
		if err != nil {
			continue
		}
		for label, r := range readings {
			out[label] = r
		}
	}
	return out, nil
}

func (s *Source) scanDevice(devicePath string) (map[string]Reading, error) {
	files, err := os.ReadDir(devicePath)
	if err != nil {
		return nil, err
	}

	out := make(map[string]Reading)
	for _, f := range files {
		m := tempInputPattern.FindStringSubmatch(f.Name())
		if m == nil {
			continue
		}
		index := m[1]

		labelPath := filepath.Join(devicePath, "temp"+index+"_label")
		labelBytes, err := os.ReadFile(labelPath)
		if err != nil {
			continue
		}
		label := strings.TrimSpace(string(labelBytes))
		if label == "" {
			continue
		}

		raw, err := os.ReadFile(filepath.Join(devicePath, f.Name()))
		if err != nil {
			continue
		}
		milli, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
		if err != nil {
			continue
		}

		out[label] = Reading{Label: label, Celsius: float64(milli) / 1000.0}
	}
	return out, nil
}

// Read returns the current temperature for one labeled sensor.
func (s *Source) Read(label string) (float64, error) {
	readings, err := s.Discover()
	if err != nil {
		return 0, err
	}
	r, ok := readings[label]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrLabelNotFound, label)
	}
	return r.Celsius, nil
}

// Labels returns every currently discoverable temperature label, used
// by FanTempCtl.Update's all-sensors fallback for a fan with no
// configured Sensors.
func (s *Source) Labels() ([]string, error) {
	readings, err := s.Discover()
	if err != nil {
		return nil, err
	}
	labels := make([]string, 0, len(readings))
	for label := range readings {
		labels = append(labels, label)
	}
	return labels, nil
}
