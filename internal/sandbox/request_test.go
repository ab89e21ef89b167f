package sandbox

import (
	"reflect"
	"regexp"
	"strings"
	"testing"

	"chart-exec-sandbox/internal/policy"
)

func TestNormalizeRequest_Defaults(t *testing.T) {
	n := normalizeRequest(ExecutionRequest{PythonCode: "x"})
	if n.timeoutSec != DefaultTimeoutSec || n.maxRetries != DefaultMaxRetries {
		t.Errorf("timeout=%d retries=%d", n.timeoutSec, n.maxRetries)
	}
	if n.profile != policy.ProfileTrusted {
		t.Errorf("profile = %s", n.profile)
	}
	if n.saveAs != DefaultImageName {
		t.Errorf("save_as = %q", n.saveAs)
	}
	if string(n.inputJSON) != "null" {
		t.Errorf("input = %s", n.inputJSON)
	}
}

func TestNormalizeRequest_Clamps(t *testing.T) {
	tests := []struct {
		timeout, retries         int
		wantTimeout, wantRetries int
	}{
		{-5, -1, 1, 1},
		{99999, 100, MaxTimeoutSec, MaxRetriesLimit},
		{30, 2, 30, 2},
	}
	for _, tt := range tests {
		n := normalizeRequest(ExecutionRequest{PythonCode: "x", TimeoutSec: tt.timeout, MaxRetries: tt.retries})
		if n.timeoutSec != tt.wantTimeout || n.maxRetries != tt.wantRetries {
			t.Errorf("(%d,%d) -> (%d,%d), want (%d,%d)", tt.timeout, tt.retries, n.timeoutSec, n.maxRetries, tt.wantTimeout, tt.wantRetries)
		}
	}
}

func TestNormalizeRequest_InputData(t *testing.T) {
	n := normalizeRequest(ExecutionRequest{PythonCode: "x", InputData: map[string]any{"rows": []int{1, 2}}})
	if string(n.inputJSON) != `{"rows":[1,2]}` {
		t.Errorf("input = %s", n.inputJSON)
	}
	n = normalizeRequest(ExecutionRequest{PythonCode: "x", InputData: make(chan int)})
	if string(n.inputJSON) != "null" {
		t.Errorf("unserializable input = %s, want null", n.inputJSON)
	}
}

func TestNormalizePackages(t *testing.T) {
	valid, dropped := NormalizePackages([]string{
		" pandas ", "Pandas", "numpy==1.26.4", "scikit-learn>=1.3", "uvicorn[standard]",
		"", "rm -rf /", "../evil", "--index-url=http://x", "pkg;import os",
	})
	wantValid := []string{"pandas", "numpy==1.26.4", "scikit-learn>=1.3", "uvicorn[standard]"}
	if !reflect.DeepEqual(valid, wantValid) {
		t.Errorf("valid = %v, want %v", valid, wantValid)
	}
	if len(dropped) != 4 {
		t.Errorf("dropped = %v, want 4 entries", dropped)
	}
}

func TestNormalizePackages_Max(t *testing.T) {
	var raw []string
	for i := 0; i < 30; i++ {
		raw = append(raw, "pkg"+strings.Repeat("a", i))
	}
	valid, dropped := NormalizePackages(raw)
	if len(valid) != MaxPackages || len(dropped) != 30-MaxPackages {
		t.Errorf("valid=%d dropped=%d", len(valid), len(dropped))
	}
}

func TestSanitizeSaveAs(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", "main.png"},
		{"sales.png", "sales.png"},
		{"sales.jpg", "sales.png"},
		{"sales", "sales.png"},
		{"../../etc/passwd", "passwd.png"},
		{`..\..\win.ini`, "win.png"},
		{".hidden", "main.png"},
		{".hidden.png", "hidden.png"},
		{"my chart (v2).png", "my_chart__v2_.png"},
		{"/", "main.png"},
		{"..", "main.png"},
		{strings.Repeat("x", 200) + ".png", strings.Repeat("x", 76) + ".png"},
	}
	for _, tt := range tests {
		if got := SanitizeSaveAs(tt.in); got != tt.want {
			t.Errorf("SanitizeSaveAs(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNewRunID(t *testing.T) {
	re := regexp.MustCompile(`^chr_[0-9a-f]{12}$`)
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := newRunID()
		if !re.MatchString(id) || !ValidRunID(id) {
			t.Fatalf("bad run id %q", id)
		}
		if seen[id] {
			t.Fatalf("duplicate run id %q", id)
		}
		seen[id] = true
	}
}
