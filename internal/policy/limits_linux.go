//go:build linux

package policy

import (
	"fmt"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"golang.org/x/sys/unix"
)

var rlimitResources = map[string]int{
	"RLIMIT_CPU":    unix.RLIMIT_CPU,
	"RLIMIT_AS":     unix.RLIMIT_AS,
	"RLIMIT_NPROC":  unix.RLIMIT_NPROC,
	"RLIMIT_FSIZE":  unix.RLIMIT_FSIZE,
	"RLIMIT_CORE":   unix.RLIMIT_CORE,
	"RLIMIT_NOFILE": unix.RLIMIT_NOFILE,
	"RLIMIT_STACK":  unix.RLIMIT_STACK,
}

// LimitsSupported reports whether ApplyResourceLimits does anything on this platform.
const LimitsSupported = true

// ApplyResourceLimits sets the rlimits on a freshly started process. Children
// it forks afterwards inherit them.
func ApplyResourceLimits(pid int, limits []specs.POSIXRlimit) error {
	for _, l := range limits {
		resource, ok := rlimitResources[l.Type]
		if !ok {
			return fmt.Errorf("unknown rlimit %q", l.Type)
		}
		rl := unix.Rlimit{Cur: l.Soft, Max: l.Hard}
		if err := unix.Prlimit(pid, resource, &rl, nil); err != nil {
			return fmt.Errorf("prlimit %s on pid %d: %w", l.Type, pid, err)
		}
	}
	return nil
}
