package fan

import (
	"github.com/nbfcd/nbfcd/internal/config"
)

// clampInt restricts v to [lo, hi], swapping the bounds if given in the
// wrong order.
func clampInt(v, lo, hi int) int {
	if lo > hi {
		lo, hi = hi, lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// EncodeSpeed converts a requested fan speed percentage to the raw
// register value to write, honoring any FanSpeedPercentageOverride that
// pins this exact percentage before falling back to linear
// interpolation across [MinSpeedValue, MaxSpeedValue].
func EncodeSpeed(fc config.FanConfiguration, percent int) int {
	for _, ov := range fc.FanSpeedPercentageOverrides {
		if ov.FanSpeedPercentage != percent {
			continue
		}
		if ov.TargetOperation == config.OpWrite || ov.TargetOperation == config.OpReadWrite {
			return ov.FanSpeedValue
		}
	}

	percent = clampInt(percent, 0, 100)
	span := fc.MaxSpeedValue - fc.MinSpeedValue
	raw := fc.MinSpeedValue + (span*percent+50*sign(span))/100
	return clampInt(raw, fc.MinSpeedValue, fc.MaxSpeedValue)
}

// DecodeSpeed converts a raw register value read back from the EC to a
// fan speed percentage, honoring any FanSpeedPercentageOverride that
// pins this exact raw value before falling back to linear
// interpolation across the fan's read min/max.
func DecodeSpeed(fc config.FanConfiguration, raw int) int {
	for _, ov := range fc.FanSpeedPercentageOverrides {
		if ov.FanSpeedValue != raw {
			continue
		}
		if ov.TargetOperation == config.OpRead || ov.TargetOperation == config.OpReadWrite {
			return ov.FanSpeedPercentage
		}
	}

	min, max := fc.ReadMinMax()
	span := max - min
	if span == 0 {
		return 0
	}
	percent := ((raw-min)*100 + span/2) / span
	return clampInt(percent, 0, 100)
}

// sign returns -1, 0, or 1, used by EncodeSpeed to round
// half-away-from-zero regardless
// of whether span is positive (raw values increase with speed) or
// negative (raw values decrease with speed).
func sign(v int) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}
