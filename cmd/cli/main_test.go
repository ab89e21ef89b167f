package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"chart-exec-sandbox/internal/sandbox"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestExecSendsChartRequest(t *testing.T) {
	var got sandbox.ExecutionRequest
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chart/exec" {
			http.NotFound(w, r)
			return
		}
		gotKey = r.Header.Get("X-API-Key")
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "run_id": "chr_0123456789ab"})
	}))
	defer srv.Close()

	input := filepath.Join(t.TempDir(), "in.json")
	if err := os.WriteFile(input, []byte(`{"rows":[1,2,3]}`), 0o600); err != nil {
		t.Fatal(err)
	}

	out, err := runCLI(t, "exec", "plt.plot([1])",
		"--server", srv.URL, "--api-key", "k1",
		"--profile", "sandboxed", "--package", "seaborn", "--package", "numpy",
		"--input", input, "--timeout", "30")
	if err != nil {
		t.Fatalf("exec: %v\n%s", err, out)
	}
	if got.PythonCode != "plt.plot([1])" || got.ExecutionProfile != "sandboxed" || got.TimeoutSec != 30 {
		t.Errorf("request = %+v", got)
	}
	if strings.Join(got.Packages, ",") != "seaborn,numpy" {
		t.Errorf("packages = %v", got.Packages)
	}
	if m, ok := got.InputData.(map[string]any); !ok || m["rows"] == nil {
		t.Errorf("input_data = %#v", got.InputData)
	}
	if gotKey != "k1" {
		t.Errorf("api key = %q", gotKey)
	}
	if !strings.Contains(out, "chr_0123456789ab") {
		t.Errorf("output = %s", out)
	}
}

func TestExecReportsRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": "chart_exec_busy"})
	}))
	defer srv.Close()

	out, err := runCLI(t, "exec", "x", "--server", srv.URL)
	if err == nil {
		t.Fatal("expected an error for a busy server")
	}
	if !strings.Contains(out, "chart_exec_busy") {
		t.Errorf("output = %s", out)
	}
}

func TestExecFileRequiresPython(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chart.js")
	if err := os.WriteFile(path, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := runCLI(t, "exec-file", path); err == nil {
		t.Error("expected an error for a non-.py file")
	}
}

func TestGCCommand(t *testing.T) {
	uploads := t.TempDir()
	env := filepath.Join(uploads, "chart_envs", "pkg_0123456789ab")
	if err := os.MkdirAll(env, 0o755); err != nil {
		t.Fatal(err)
	}

	out, err := runCLI(t, "gc", "--uploads", uploads, "--keep", "pkg_0123456789ab")
	if err != nil {
		t.Fatalf("gc: %v\n%s", err, out)
	}
	var report sandbox.PruneReport
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("decoding report: %v\n%s", err, out)
	}
	if !report.Ran || report.Scanned != 1 || len(report.Deleted) != 0 {
		t.Errorf("report = %+v", report)
	}
	if _, err := os.Stat(env); err != nil {
		t.Errorf("kept environment removed: %v", err)
	}
}
