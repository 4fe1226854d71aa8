package config

import "errors"

// ErrInvalidConfig is wrapped by every validation failure raised while
// loading a service or model configuration.
var ErrInvalidConfig = errors.New("invalid configuration")

// ErrUnknownECType is returned by ParseECType for a value that matches
// neither a canonical nor a back-compat embedded-controller type name.
var ErrUnknownECType = errors.New("unknown embedded controller type")
