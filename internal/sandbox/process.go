package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
	"unicode/utf8"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog/log"

	"chart-exec-sandbox/internal/policy"
)

// maxRawOutput bounds how much of a stream is buffered before clipping.
const maxRawOutput = 4 << 20

const truncationMarker = "\n... [output truncated]"

type commandSpec struct {
	Path    string
	Args    []string
	Dir     string
	Env     []string
	Timeout time.Duration
	Limits  []specs.POSIXRlimit
	// RequireLimits kills the process when Limits cannot be applied.
	RequireLimits bool
}

type commandResult struct {
	ExitCode int
	TimedOut bool
	Stdout   string
	Stderr   string
	Duration time.Duration
	Err      error // set when the process could not be started or waited on
}

// runCommand runs one subprocess to completion or timeout. The process gets
// its own process group, and the whole group is killed when the timeout fires.
// Cancelling ctx does not stop a started process; spec.Timeout is the only bound.
func runCommand(ctx context.Context, spec commandSpec) commandResult {
	execCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), spec.Timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, spec.Path, spec.Args...) // #nosec G204 -- interpreter path comes from config or a managed venv
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	configureProcessGroup(cmd)

	stdout := &cappedBuffer{max: maxRawOutput}
	stderr := &cappedBuffer{max: maxRawOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return commandResult{ExitCode: -1, Err: err, Duration: time.Since(start)}
	}
	if len(spec.Limits) > 0 {
		if err := policy.ApplyResourceLimits(cmd.Process.Pid, spec.Limits); err != nil {
			if spec.RequireLimits {
				cancel()
				_ = cmd.Wait()
				return commandResult{
					ExitCode: -1,
					Err:      fmt.Errorf("resource limits not applied: %w", err),
					Duration: time.Since(start),
				}
			}
			log.Warn().Err(err).Int("pid", cmd.Process.Pid).Msg("failed to apply resource limits")
		}
	}

	waitErr := cmd.Wait()
	res := commandResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		res.TimedOut = true
		res.ExitCode = -1
		return res
	}

	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
		res.ExitCode = 0
	case errors.As(waitErr, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		res.ExitCode = -1
		res.Err = waitErr
	}
	return res
}

// cappedBuffer keeps the first max bytes written and silently drops the rest.
type cappedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
			b.truncated = true
		} else {
			b.buf.Write(p)
		}
	} else if len(p) > 0 {
		b.truncated = true
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + truncationMarker
	}
	return b.buf.String()
}

// truncateOutput clips s to maxChars characters and appends a marker when it
// had to cut.
func truncateOutput(s string, maxChars int) string {
	if len(s) <= maxChars || utf8.RuneCountInString(s) <= maxChars {
		return s
	}
	n := 0
	for i := range s {
		if n == maxChars {
			return s[:i] + truncationMarker
		}
		n++
	}
	return s
}
