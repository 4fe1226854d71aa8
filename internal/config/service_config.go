// Package config loads and persists the two JSON documents nbfcd reads at
// startup: the mutable ServiceConfig (which model is selected, per-fan
// target speeds, temperature source bindings) and the immutable
// ModelConfig (the notebook-specific register map and threshold curves).
//
// ServiceConfig is loaded the way the teacher loads its single Config:
// seed defaults via koanf's structs provider, then merge in whatever the
// file on disk provides via koanf's file+json provider. ModelConfig is
// loaded from the file+json provider alone, with no struct seed.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	jsonParser "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// ECType identifies which embedded-controller backend a ServiceConfig
// pins the daemon to. An empty ECType means "auto-detect" (spec.md §4.1's
// FindWorking routine).
type ECType string

const (
	ECTypeSys     ECType = "ec_sys"
	ECTypeACPI    ECType = "acpi_ec"
	ECTypeDevPort ECType = "dev_port"
	ECTypeDummy   ECType = "dummy"
)

// ParseECType accepts both the canonical EmbeddedControllerType spelling
// and the older aliases nbfc-linux historically used, and normalizes to
// the canonical form. An empty string is accepted and means "unset".
func ParseECType(s string) (ECType, error) {
	switch s {
	case "":
		return "", nil
	case string(ECTypeSys), "ec_sys_linux":
		return ECTypeSys, nil
	case string(ECTypeACPI), "ec_acpi":
		return ECTypeACPI, nil
	case string(ECTypeDevPort), "ec_linux":
		return ECTypeDevPort, nil
	case string(ECTypeDummy):
		return ECTypeDummy, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownECType, s)
	}
}

// AutoSentinel is the TargetFanSpeeds value meaning "this fan runs in
// Auto mode". Any other value in [0, 100] means Fixed at that percent.
const AutoSentinel = -1.0

// FanTemperatureSourceConfig binds one fan to the set of hwmon sensors
// that feed its FanTempCtl, and the aggregation algorithm to combine them.
type FanTemperatureSourceConfig struct {
	FanIndex  int      `koanf:"FanIndex" json:"FanIndex"`
	Algorithm string   `koanf:"TemperatureAlgorithmType" json:"TemperatureAlgorithmType"`
	Sensors   []string `koanf:"Sensors" json:"Sensors"`
}

// ServiceConfig is the mutable, persisted runtime configuration: which
// model to load, which EC backend to force (if any), and the last-known
// fan modes/temperature-source bindings.
type ServiceConfig struct {
	SelectedConfigId       string                       `koanf:"SelectedConfigId" json:"SelectedConfigId"`
	EmbeddedControllerType string                       `koanf:"EmbeddedControllerType" json:"EmbeddedControllerType,omitempty"`
	TargetFanSpeeds        []float64                    `koanf:"TargetFanSpeeds" json:"TargetFanSpeeds,omitempty"`
	FanTemperatureSources  []FanTemperatureSourceConfig `koanf:"FanTemperatureSources" json:"FanTemperatureSources,omitempty"`
}

// DefaultServiceConfig returns the configuration used when no service
// config file exists yet.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		SelectedConfigId: "",
	}
}

// Warner receives human-readable warnings raised while loading or
// clamping configuration values (e.g. an out-of-range TargetFanSpeeds
// entry). The service wires this to its zerolog.Logger; tests can pass a
// no-op.
type Warner func(format string, args ...any)

// LoadServiceConfig reads path, merging it over DefaultServiceConfig, and
// clamps every TargetFanSpeeds entry other than AutoSentinel into
// [0, 100] (so e.g. -5 becomes 0, not -1), reporting each clamp via warn.
func LoadServiceConfig(path string, warn Warner) (ServiceConfig, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(DefaultServiceConfig(), "koanf"), nil); err != nil {
		return ServiceConfig{}, fmt.Errorf("config: load service defaults: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), jsonParser.Parser()); err != nil {
			return ServiceConfig{}, fmt.Errorf("config: load service config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return ServiceConfig{}, fmt.Errorf("config: stat service config %s: %w", path, err)
	}

	var cfg ServiceConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return ServiceConfig{}, fmt.Errorf("config: unmarshal service config: %w", err)
	}

	if warn == nil {
		warn = func(string, ...any) {}
	}
	for i, v := range cfg.TargetFanSpeeds {
		if v == AutoSentinel {
			continue
		}
		clamped := v
		if clamped < 0 {
			clamped = 0
		}
		if clamped > 100 {
			clamped = 100
		}
		if clamped != v {
			warn("service config: TargetFanSpeeds[%d]=%v out of range, clamped to %v", i, v, clamped)
			cfg.TargetFanSpeeds[i] = clamped
		}
	}

	if cfg.EmbeddedControllerType != "" {
		canonical, err := ParseECType(cfg.EmbeddedControllerType)
		if err != nil {
			return ServiceConfig{}, fmt.Errorf("config: %w", err)
		}
		cfg.EmbeddedControllerType = string(canonical)
	}

	return cfg, nil
}

// SaveServiceConfig writes cfg to path as indented JSON, creating parent
// directories as needed. Mirrors the teacher's Save: koanf is a
// read/merge layer, writing back is plain encoding/json.
func SaveServiceConfig(path string, cfg ServiceConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: create dir for %s: %w", path, err)
	}

	data, err := json.MarshalIndent(cfg, "", "    ")
	if err != nil {
		return fmt.Errorf("config: marshal service config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: write service config %s: %w", path, err)
	}
	return nil
}
