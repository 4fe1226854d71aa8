package service

import "errors"

var (
	// ErrFanIndexOutOfRange is returned by SetFanSpeed for a Fan index
	// outside [0, fanCount).
	ErrFanIndexOutOfRange = errors.New("service: fan index out of range")
	// ErrNotInitialized is returned by SetFanSpeed if called before a
	// successful Init (or after Cleanup). Loop and Status do not report
	// it: Loop returns an exit code and Status a snapshot.
	ErrNotInitialized = errors.New("service: not initialized")
)
