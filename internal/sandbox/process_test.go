package sandbox

import (
	"context"
	"os/exec"
	"strings"
	"testing"
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"chart-exec-sandbox/internal/policy"
)

func TestTruncateOutput(t *testing.T) {
	tests := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{"short", "hello", 10, "hello"},
		{"exact", "hello", 5, "hello"},
		{"clipped", "hello world", 5, "hello" + truncationMarker},
		{"multibyte fits", "héllo", 5, "héllo"},
		{"multibyte clipped", "日本語テキスト", 3, "日本語" + truncationMarker},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := truncateOutput(tt.in, tt.max); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCappedBuffer(t *testing.T) {
	b := &cappedBuffer{max: 8}
	for _, chunk := range []string{"abcd", "efgh", "ijkl"} {
		n, err := b.Write([]byte(chunk))
		if err != nil || n != len(chunk) {
			t.Fatalf("Write(%q) = %d, %v", chunk, n, err)
		}
	}
	if got := b.String(); got != "abcdefgh"+truncationMarker {
		t.Errorf("got %q", got)
	}

	exact := &cappedBuffer{max: 4}
	_, _ = exact.Write([]byte("abcd"))
	if got := exact.String(); got != "abcd" {
		t.Errorf("got %q", got)
	}
}

func requireShell(t *testing.T) string {
	t.Helper()
	skipIfNoShell(t)
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	return sh
}

func TestRunCommand(t *testing.T) {
	sh := requireShell(t)

	t.Run("success", func(t *testing.T) {
		res := runCommand(context.Background(), commandSpec{
			Path: sh, Args: []string{"-c", "echo out; echo err >&2"},
			Dir: t.TempDir(), Timeout: 5 * time.Second,
		})
		if res.ExitCode != 0 || res.TimedOut || res.Err != nil {
			t.Fatalf("res = %+v", res)
		}
		if strings.TrimSpace(res.Stdout) != "out" || strings.TrimSpace(res.Stderr) != "err" {
			t.Errorf("stdout %q stderr %q", res.Stdout, res.Stderr)
		}
	})

	t.Run("exit code", func(t *testing.T) {
		res := runCommand(context.Background(), commandSpec{
			Path: sh, Args: []string{"-c", "exit 7"}, Timeout: 5 * time.Second,
		})
		if res.ExitCode != 7 || res.Err != nil {
			t.Errorf("res = %+v", res)
		}
	})

	t.Run("env is exact", func(t *testing.T) {
		res := runCommand(context.Background(), commandSpec{
			Path: sh, Args: []string{"-c", `printf '%s' "$ONLY_VAR"`},
			Env: []string{"ONLY_VAR=yes"}, Timeout: 5 * time.Second,
		})
		if res.Stdout != "yes" {
			t.Errorf("stdout = %q", res.Stdout)
		}
	})

	t.Run("missing binary", func(t *testing.T) {
		res := runCommand(context.Background(), commandSpec{
			Path: "/nonexistent/python", Timeout: time.Second,
		})
		if res.Err == nil || res.ExitCode != -1 || res.TimedOut {
			t.Errorf("res = %+v", res)
		}
	})
}

func TestRunCommand_TimeoutKillsProcessGroup(t *testing.T) {
	sh := requireShell(t)

	start := time.Now()
	// The background sleep keeps stdout open; only a group kill lets Wait return promptly.
	res := runCommand(context.Background(), commandSpec{
		Path: sh, Args: []string{"-c", "sleep 30 & sleep 30"},
		Timeout: 300 * time.Millisecond,
	})
	if !res.TimedOut || res.ExitCode != -1 {
		t.Fatalf("res = %+v, want timeout", res)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("took %v to return after timeout", elapsed)
	}
}

func TestRunCommand_SurvivesParentCancel(t *testing.T) {
	sh := requireShell(t)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	res := runCommand(ctx, commandSpec{Path: sh, Args: []string{"-c", "sleep 0.5; echo done"}, Timeout: 10 * time.Second})
	if res.TimedOut || res.ExitCode != 0 || res.Err != nil {
		t.Fatalf("res = %+v, want a clean exit", res)
	}
	if strings.TrimSpace(res.Stdout) != "done" {
		t.Errorf("stdout = %q", res.Stdout)
	}
}

func TestRunCommand_RequireLimits(t *testing.T) {
	sh := requireShell(t)
	if !policy.LimitsSupported {
		t.Skip("resource limits are a no-op on this platform")
	}
	bogus := []specs.POSIXRlimit{{Type: "RLIMIT_BOGUS", Hard: 1, Soft: 1}}

	start := time.Now()
	res := runCommand(context.Background(), commandSpec{
		Path: sh, Args: []string{"-c", "sleep 5; echo ran"},
		Timeout:       10 * time.Second,
		Limits:        bogus,
		RequireLimits: true,
	})
	if res.Err == nil || res.ExitCode != -1 || res.TimedOut {
		t.Fatalf("res = %+v, want a failed start", res)
	}
	if !strings.Contains(res.Err.Error(), "resource limits not applied") {
		t.Errorf("err = %v", res.Err)
	}
	if strings.Contains(res.Stdout, "ran") {
		t.Error("process kept running without limits")
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("took %v to kill the unlimited process", elapsed)
	}

	// Without RequireLimits the failure is only logged.
	res = runCommand(context.Background(), commandSpec{
		Path: sh, Args: []string{"-c", "echo ran"},
		Timeout: 10 * time.Second,
		Limits:  bogus,
	})
	if res.ExitCode != 0 || !strings.Contains(res.Stdout, "ran") {
		t.Errorf("res = %+v, want the process to run", res)
	}
}
