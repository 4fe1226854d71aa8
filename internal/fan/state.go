package fan

import (
	"context"

	"github.com/qmuntal/stateless"
)

// Mode is the coarse operating mode of a single fan, independent of its
// numeric target speed.
type Mode string

const (
	ModeAuto     Mode = "auto"
	ModeFixed    Mode = "fixed"
	ModeCritical Mode = "critical"
)

const (
	triggerSetAuto      = "set_auto"
	triggerSetFixed     = "set_fixed"
	triggerTempCritical = "temp_critical"
	triggerTempNormal   = "temp_normal"
)

// newModeMachine builds the Auto/Fixed/Critical state machine described
// in spec.md §4.2: Auto and Fixed are freely interchangeable by an
// explicit mode request; either is pre-empted by Critical once the
// measured temperature reaches the model's CriticalTemperature, and
// Critical releases back to whichever of Auto/Fixed was active before
// it, once the temperature drops again. SetAutoSpeed/SetFixedSpeed
// called while already Critical update the remembered base mode without
// leaving Critical.
func newModeMachine(initial Mode, baseMode func() Mode) *stateless.StateMachine {
	m := stateless.NewStateMachine(string(initial))

	m.Configure(string(ModeAuto)).
		PermitReentry(triggerSetAuto).
		Permit(triggerSetFixed, string(ModeFixed)).
		Permit(triggerTempCritical, string(ModeCritical))

	m.Configure(string(ModeFixed)).
		PermitReentry(triggerSetFixed).
		Permit(triggerSetAuto, string(ModeAuto)).
		Permit(triggerTempCritical, string(ModeCritical))

	m.Configure(string(ModeCritical)).
		PermitReentry(triggerSetAuto).
		PermitReentry(triggerSetFixed).
		PermitDynamic(triggerTempNormal, func(_ context.Context, _ ...any) (any, error) {
			return string(baseMode()), nil
		})

	return m
}
