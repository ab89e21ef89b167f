//go:build !linux

package policy

import (
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

const LimitsSupported = false

// ApplyResourceLimits is a no-op where prlimit(2) is unavailable.
func ApplyResourceLimits(_ int, _ []specs.POSIXRlimit) error {
	return nil
}
