package fan

import "errors"

var (
	// ErrSpeedOutOfRange is returned by SetFixedSpeed for a percentage
	// outside [0, 100].
	ErrSpeedOutOfRange = errors.New("fan: requested speed out of range")
	// ErrFlushWithoutTarget is returned by ECFlush when no raw write is
	// staged, i.e. no target speed has been computed since the last
	// successful flush.
	ErrFlushWithoutTarget = errors.New("fan: no target speed to flush")
)
