package server

import "errors"

var (
	// ErrProtocol wraps every malformed-frame, unknown-command, or
	// bad-argument-type failure spec.md §7's Protocol error kind names.
	ErrProtocol = errors.New("server: protocol error")
	// ErrTooManyFailures is returned by ListenAndServe once the
	// consecutive accept/handle failure budget is exhausted.
	ErrTooManyFailures = errors.New("server: too many consecutive failures")
)
