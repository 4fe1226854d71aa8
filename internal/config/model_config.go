package config

import (
	"fmt"
	"os"
	"sort"

	jsonParser "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// TargetOperation selects which direction of a FanSpeedPercentageOverride
// applies: reading the current raw register value back to a percent,
// writing a requested percent out as a raw value, or both.
type TargetOperation string

const (
	OpRead      TargetOperation = "Read"
	OpWrite     TargetOperation = "Write"
	OpReadWrite TargetOperation = "ReadWrite"
)

// WriteMode selects how a RegisterWriteConfig combines its Value with
// whatever is currently in the register.
type WriteMode string

const (
	WriteModeSet WriteMode = "Set"
	WriteModeAnd WriteMode = "And"
	WriteModeOr  WriteMode = "Or"
)

// WriteOccasion selects when a RegisterWriteConfig is applied.
type WriteOccasion string

const (
	OnInitialization WriteOccasion = "OnInitialization"
	OnWriteFanSpeed  WriteOccasion = "OnWriteFanSpeed"
)

// TemperatureThreshold is one step of a fan's hysteretic speed curve.
type TemperatureThreshold struct {
	UpThreshold   int `koanf:"UpThreshold" json:"UpThreshold"`
	DownThreshold int `koanf:"DownThreshold" json:"DownThreshold"`
	FanSpeed      int `koanf:"FanSpeed" json:"FanSpeed"`
}

// FanSpeedPercentageOverride pins one percent value to an exact raw
// register value, overriding the linear encode/decode for that one point.
type FanSpeedPercentageOverride struct {
	FanSpeedPercentage int             `koanf:"FanSpeedPercentage" json:"FanSpeedPercentage"`
	FanSpeedValue      int             `koanf:"FanSpeedValue" json:"FanSpeedValue"`
	TargetOperation    TargetOperation `koanf:"TargetOperation" json:"TargetOperation"`
}

// FanConfiguration describes one fan's registers, speed range, threshold
// curve, and raw-value overrides.
type FanConfiguration struct {
	FanDisplayName              string                       `koanf:"FanDisplayName" json:"FanDisplayName"`
	ReadRegister                int                          `koanf:"ReadRegister" json:"ReadRegister"`
	WriteRegister               int                          `koanf:"WriteRegister" json:"WriteRegister"`
	MinSpeedValue               int                          `koanf:"MinSpeedValue" json:"MinSpeedValue"`
	MaxSpeedValue               int                          `koanf:"MaxSpeedValue" json:"MaxSpeedValue"`
	IndependentReadMinMaxValues bool                         `koanf:"IndependentReadMinMaxValues" json:"IndependentReadMinMaxValues,omitempty"`
	MinSpeedValueRead           int                          `koanf:"MinSpeedValueRead" json:"MinSpeedValueRead,omitempty"`
	MaxSpeedValueRead           int                          `koanf:"MaxSpeedValueRead" json:"MaxSpeedValueRead,omitempty"`
	ResetRequired               bool                         `koanf:"ResetRequired" json:"ResetRequired,omitempty"`
	FanSpeedResetValue          int                          `koanf:"FanSpeedResetValue" json:"FanSpeedResetValue,omitempty"`
	TemperatureThresholds       []TemperatureThreshold       `koanf:"TemperatureThresholds" json:"TemperatureThresholds,omitempty"`
	FanSpeedPercentageOverrides []FanSpeedPercentageOverride `koanf:"FanSpeedPercentageOverrides" json:"FanSpeedPercentageOverrides,omitempty"`
}

// FullRange returns |Max-Min|, the raw-value span the fan's speed is
// interpolated over.
func (f FanConfiguration) FullRange() int {
	d := f.MaxSpeedValue - f.MinSpeedValue
	if d < 0 {
		d = -d
	}
	return d
}

// WriteDir returns the sign of Max-Min: +1 if raw values increase with
// speed, -1 if they decrease.
func (f FanConfiguration) WriteDir() int {
	if f.MaxSpeedValue >= f.MinSpeedValue {
		return 1
	}
	return -1
}

// ReadMinMax returns the (min, max) pair used to decode a raw read value
// to a percent, honoring IndependentReadMinMaxValues.
func (f FanConfiguration) ReadMinMax() (min, max int) {
	if f.IndependentReadMinMaxValues {
		return f.MinSpeedValueRead, f.MaxSpeedValueRead
	}
	return f.MinSpeedValue, f.MaxSpeedValue
}

// RegisterWriteConfig is an EC register poke applied at init and/or
// before each fan-speed write, with Set/And/Or semantics.
type RegisterWriteConfig struct {
	Register       int           `koanf:"Register" json:"Register"`
	Value          uint8         `koanf:"Value" json:"Value"`
	ResetValue     uint8         `koanf:"ResetValue" json:"ResetValue,omitempty"`
	ResetRequired  bool          `koanf:"ResetRequired" json:"ResetRequired,omitempty"`
	WriteMode      WriteMode     `koanf:"WriteMode" json:"WriteMode"`
	ResetWriteMode WriteMode     `koanf:"ResetWriteMode" json:"ResetWriteMode,omitempty"`
	WriteOccasion  WriteOccasion `koanf:"WriteOccasion" json:"WriteOccasion"`
	Description    string        `koanf:"Description" json:"Description,omitempty"`
}

// ModelConfig is the immutable, notebook-specific description of how to
// drive its fans through the EC.
type ModelConfig struct {
	NotebookModel                        string                `koanf:"NotebookModel" json:"NotebookModel"`
	Author                               string                `koanf:"Author" json:"Author"`
	EcPollInterval                       int                   `koanf:"EcPollInterval" json:"EcPollInterval"`
	CriticalTemperature                  int                   `koanf:"CriticalTemperature" json:"CriticalTemperature"`
	ReadWriteWords                       bool                  `koanf:"ReadWriteWords" json:"ReadWriteWords,omitempty"`
	LegacyTemperatureThresholdsBehaviour bool                  `koanf:"LegacyTemperatureThresholdsBehaviour" json:"LegacyTemperatureThresholdsBehaviour,omitempty"`
	FanConfigurations                    []FanConfiguration    `koanf:"FanConfigurations" json:"FanConfigurations"`
	RegisterWriteConfigurations          []RegisterWriteConfig `koanf:"RegisterWriteConfigurations" json:"RegisterWriteConfigurations,omitempty"`
}

// LoadModelConfig reads a model config file from path, applies the
// default-threshold-table and reset-value substitution rules, and
// validates the result.
func LoadModelConfig(path string) (ModelConfig, error) {
	k := koanf.New(".")

	if _, err := os.Stat(path); err != nil {
		return ModelConfig{}, fmt.Errorf("config: stat model config %s: %w", path, err)
	}
	if err := k.Load(file.Provider(path), jsonParser.Parser()); err != nil {
		return ModelConfig{}, fmt.Errorf("config: load model config %s: %w", path, err)
	}

	var cfg ModelConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return ModelConfig{}, fmt.Errorf("config: unmarshal model config: %w", err)
	}

	applyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return ModelConfig{}, err
	}
	return cfg, nil
}

// applyDefaults substitutes default threshold tables for fans that
// didn't specify one, and forces reset values to zero where
// ResetRequired is false, per spec.md §3.
func applyDefaults(cfg *ModelConfig) {
	for i := range cfg.FanConfigurations {
		fc := &cfg.FanConfigurations[i]
		if fc.FanDisplayName == "" {
			fc.FanDisplayName = fmt.Sprintf("Fan #%d", i)
		}
		if len(fc.TemperatureThresholds) == 0 {
			if cfg.LegacyTemperatureThresholdsBehaviour {
				fc.TemperatureThresholds = append([]TemperatureThreshold(nil), LegacyDefaultThresholds...)
			} else {
				fc.TemperatureThresholds = append([]TemperatureThreshold(nil), DefaultThresholds...)
			}
		}
		if !fc.ResetRequired {
			fc.FanSpeedResetValue = 0
		}
	}
	for i := range cfg.RegisterWriteConfigurations {
		rc := &cfg.RegisterWriteConfigurations[i]
		if !rc.ResetRequired {
			rc.ResetValue = 0
		}
	}
}

// Validate checks the cross-field invariants spec.md §3 requires:
// distinct min/max speed values, Up >= Down per threshold, unique
// UpThreshold values within a fan, and in-range percentages.
func Validate(cfg *ModelConfig) error {
	if cfg.EcPollInterval <= 0 {
		return fmt.Errorf("%w: EcPollInterval must be positive, got %d", ErrInvalidConfig, cfg.EcPollInterval)
	}
	if len(cfg.FanConfigurations) == 0 {
		return fmt.Errorf("%w: no FanConfigurations", ErrInvalidConfig)
	}

	for i, fc := range cfg.FanConfigurations {
		if fc.MinSpeedValue == fc.MaxSpeedValue {
			return fmt.Errorf("%w: fan %d: MinSpeedValue == MaxSpeedValue", ErrInvalidConfig, i)
		}
		if fc.IndependentReadMinMaxValues && fc.MinSpeedValueRead == fc.MaxSpeedValueRead {
			return fmt.Errorf("%w: fan %d: MinSpeedValueRead == MaxSpeedValueRead", ErrInvalidConfig, i)
		}

		seen := make(map[int]struct{}, len(fc.TemperatureThresholds))
		sorted := append([]TemperatureThreshold(nil), fc.TemperatureThresholds...)
		sort.Slice(sorted, func(a, b int) bool { return sorted[a].UpThreshold < sorted[b].UpThreshold })
		for _, th := range sorted {
			if th.UpThreshold < th.DownThreshold {
				return fmt.Errorf("%w: fan %d: threshold Up=%d < Down=%d", ErrInvalidConfig, i, th.UpThreshold, th.DownThreshold)
			}
			if th.FanSpeed < 0 || th.FanSpeed > 100 {
				return fmt.Errorf("%w: fan %d: FanSpeed %d out of range", ErrInvalidConfig, i, th.FanSpeed)
			}
			if _, dup := seen[th.UpThreshold]; dup {
				return fmt.Errorf("%w: fan %d: duplicate UpThreshold %d", ErrInvalidConfig, i, th.UpThreshold)
			}
			seen[th.UpThreshold] = struct{}{}
		}

		for _, ov := range fc.FanSpeedPercentageOverrides {
			if ov.FanSpeedPercentage < 0 || ov.FanSpeedPercentage > 100 {
				return fmt.Errorf("%w: fan %d: override percentage %d out of range", ErrInvalidConfig, i, ov.FanSpeedPercentage)
			}
			switch ov.TargetOperation {
			case OpRead, OpWrite, OpReadWrite:
			default:
				return fmt.Errorf("%w: fan %d: unknown override TargetOperation %q", ErrInvalidConfig, i, ov.TargetOperation)
			}
		}
	}

	for i, rc := range cfg.RegisterWriteConfigurations {
		switch rc.WriteMode {
		case WriteModeSet, WriteModeAnd, WriteModeOr:
		default:
			return fmt.Errorf("%w: register write %d: unknown WriteMode %q", ErrInvalidConfig, i, rc.WriteMode)
		}
		switch rc.WriteOccasion {
		case OnInitialization, OnWriteFanSpeed:
		default:
			return fmt.Errorf("%w: register write %d: unknown WriteOccasion %q", ErrInvalidConfig, i, rc.WriteOccasion)
		}
		if rc.ResetRequired {
			switch rc.ResetWriteMode {
			case WriteModeSet, WriteModeAnd, WriteModeOr:
			default:
				return fmt.Errorf("%w: register write %d: unknown ResetWriteMode %q", ErrInvalidConfig, i, rc.ResetWriteMode)
			}
		}
	}

	return nil
}
