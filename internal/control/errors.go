package control

import "errors"

var (
	// ErrAllSensorsFailed is returned by Update when every sensor bound to
	// a fan failed to read, per spec.md §4.5.
	ErrAllSensorsFailed = errors.New("control: all sensors failed for fan")
	// ErrUnknownAlgorithm is returned for an aggregation Algorithm other
	// than Average/Min/Max.
	ErrUnknownAlgorithm = errors.New("control: unknown temperature aggregation algorithm")
)
