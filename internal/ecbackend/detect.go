package ecbackend

import (
	"context"
	"fmt"
	"time"

	"github.com/nbfcd/nbfcd/internal/setup"
)

// defaultProbeTimeout is a nominal budget for each candidate backend's
// Open+probe-read attempt. FindWorking does not apply it: a probe read
// is not timed out by FindWorking, and the only bound on one is
// ECDevPort's own portHandshakeTimeout on each status-register wait.
const defaultProbeTimeout = 500 * time.Millisecond

// candidateOrder is the fixed order FindWorking tries backends in when
// no EmbeddedControllerType forces a specific one: the teacher's own
// ec_sys path first (most common, least privileged), then the ACPI
// device, then raw port I/O (most invasive, works everywhere as a last
// resort).
var candidateOrder = []Kind{KindSys, KindACPI, KindDevPort}

// New constructs a fresh, unopened Backend of the given Kind.
func New(kind Kind) (Backend, error) {
	switch kind {
	case KindSys:
		return NewECSys(), nil
	case KindACPI:
		return NewECACPI(), nil
	case KindDevPort:
		return NewECDevPort(), nil
	case KindDummy:
		return NewECDummy(), nil
	default:
		return nil, fmt.Errorf("ecbackend: unknown kind %q", kind)
	}
}

// FindWorking returns the first backend (in candidateOrder, or just the
// forced kind if non-empty) whose Open succeeds and whose probe read of
// ProbeRegister succeeds. If forced is KindDummy, it is returned without
// probing (read-only/no-EC test mode). Returns ErrNoWorkingBackend if
// every candidate fails.
func FindWorking(ctx context.Context, forced Kind) (Backend, Kind, error) {
	if forced == KindDummy {
		return NewECDummy(), KindDummy, nil
	}

	order := candidateOrder
	if forced != "" {
		order = []Kind{forced}
	}

	var lastErr error
	for _, kind := range order {
		select {
		case <-ctx.Done():
			return nil, "", ctx.Err()
		default:
		}

		if kind == KindSys {
			if ok, err := setup.CheckWriteSupport(); err != nil || !ok {
				if err := setup.EnsureLoaded(ctx); err != nil {
					lastErr = fmt.Errorf("ec_sys unavailable: %w", err)
					continue
				}
			}
		}

		backend, err := New(kind)
		if err != nil {
			lastErr = err
			continue
		}
		if err := backend.Open(); err != nil {
			lastErr = err
			continue
		}
		if _, err := backend.ReadByte(ProbeRegister); err != nil {
			lastErr = err
			_ = backend.Close()
			continue
		}
		return backend, kind, nil
	}

	if lastErr != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrNoWorkingBackend, lastErr)
	}
	return nil, "", ErrNoWorkingBackend
}
