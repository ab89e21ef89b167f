package policy

import (
	"reflect"
	"testing"
)

func TestScanCode_Sandboxed(t *testing.T) {
	tests := []struct {
		name string
		code string
		want []string
	}{
		{"os.system", `os.system('ls')`, []string{"os.system"}},
		{"subprocess", "import subprocess\nsubprocess.run(['ls'])", []string{"subprocess"}},
		{"popen", `os.popen("id").read()`, []string{"os.popen"}},
		{"execv", `os.execv("/bin/sh", ["sh"])`, []string{"os.exec"}},
		{"spawn", `os.spawnl(os.P_WAIT, "/bin/ls")`, []string{"os.spawn"}},
		{"fork", `pid = os.fork()`, []string{"os.fork"}},
		{"eval", `eval("1+1")`, []string{"eval"}},
		{"exec", `exec("print(1)")`, []string{"exec"}},
		{"dunder import", `m = __import__("os")`, []string{"__import__"}},
		{"importlib", `import importlib`, []string{"importlib"}},
		{"socket", "import socket\ns = socket.socket()", []string{"socket"}},
		{"rmtree", `shutil.rmtree("/")`, []string{"shutil.rmtree"}},
		{"unlink", `os.unlink("x")`, []string{"os.remove"}},
		{"kill", `os.kill(1, 9)`, []string{"os.kill"}},
		{"signal", `signal.signal(signal.SIGTERM, h)`, []string{"signal"}},
		{"ctypes", `import ctypes`, []string{"ctypes"}},
		{"pty", `pty.spawn("/bin/sh")`, []string{"pty"}},
		{"multiple in table order", "eval('x')\nos.system('ls')", []string{"os.system", "eval"}},
		{"clean chart", "plt.plot([1,2,3])\nsave_chart()", nil},
		{"df.eval is allowed", `df.eval("a + b")`, nil},
		{"method named execute", `cursor.execute("select 1")`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ViolationNames(ScanCode(tt.code, ProfileSandboxed))
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ScanCode(%q) names = %v, want %v", tt.code, got, tt.want)
			}
		})
	}
}

func TestScanCode_OtherProfilesNeverScan(t *testing.T) {
	code := `os.system('ls'); import subprocess`
	for _, p := range []Profile{ProfileTrusted, ProfileTemplate} {
		if got := ScanCode(code, p); got != nil {
			t.Errorf("ScanCode under %s = %v, want nil", p, got)
		}
	}
}

func TestScanCode_ReportsLine(t *testing.T) {
	vs := ScanCode("x = 1\n\nos.system('ls')", ProfileSandboxed)
	if len(vs) != 1 || vs[0].Line != 3 {
		t.Fatalf("violations = %+v, want one on line 3", vs)
	}
}

func TestScanPatternNamesUnique(t *testing.T) {
	seen := map[string]bool{}
	for _, p := range scanPatterns {
		if seen[p.Name] {
			t.Errorf("duplicate pattern name %q", p.Name)
		}
		seen[p.Name] = true
	}
}
