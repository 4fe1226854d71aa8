package sensor

import "errors"

var (
	ErrDiscoveryFailed = errors.New("sensor: hwmon discovery failed")
	ErrLabelNotFound   = errors.New("sensor: no temperature input with this label")
)
