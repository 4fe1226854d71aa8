// Package setup checks and, where possible, repairs the one kernel-side
// precondition the ec_sys backend depends on: the ec_sys module loaded
// with write_support=1. It does not build or install kernel modules;
// that is an operational/packaging concern outside this repo's scope.
package setup

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

const ecSysModule = "ec_sys"

// CheckWriteSupport reports whether the ec_sys module is currently
// loaded with write support enabled.
func CheckWriteSupport() (bool, error) {
	content, err := os.ReadFile("/sys/module/ec_sys/parameters/write_support")
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("setup: read write_support: %w", err)
	}
	val := strings.TrimSpace(string(content))
	return val == "Y" || val == "1", nil
}

// EnsureLoaded makes one attempt to get ec_sys loaded with write
// support: if it's already loaded but read-only, it's reloaded with
// write_support=1; if it's not loaded at all, modprobe is asked to load
// it directly. It returns an error describing why write support could
// not be obtained; callers (the EC backend probe) treat that as "this
// backend isn't available" rather than fatal.
func EnsureLoaded(ctx context.Context) error {
	if isModuleLoaded(ecSysModule) {
		if ok, err := CheckWriteSupport(); err == nil && ok {
			return nil
		}
		_ = exec.CommandContext(ctx, "modprobe", "-r", ecSysModule).Run()
		if err := exec.CommandContext(ctx, "modprobe", ecSysModule, "write_support=1").Run(); err != nil {
			return fmt.Errorf("setup: reload %s with write support: %w", ecSysModule, err)
		}
		if ok, err := CheckWriteSupport(); err != nil || !ok {
			return fmt.Errorf("setup: %s reloaded but refused write support", ecSysModule)
		}
		return nil
	}

	if err := exec.CommandContext(ctx, "modprobe", ecSysModule, "write_support=1").Run(); err != nil {
		return fmt.Errorf("setup: load %s: %w", ecSysModule, err)
	}
	if ok, err := CheckWriteSupport(); err != nil || !ok {
		return fmt.Errorf("setup: %s loaded but write support unavailable", ecSysModule)
	}
	return nil
}

func isModuleLoaded(name string) bool {
	content, err := os.ReadFile("/proc/modules")
	if err != nil {
		return false
	}
	return strings.Contains(string(content), name)
}
