package monitor

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRecord(t *testing.T) {
	m := NewMetrics()

	m.RecordExecution("trusted", "ok", 1.5)
	m.RecordExecution("trusted", "ok", 0.5)
	m.RecordPipInstall("auto_install", false)
	m.RecordEnvGC(2, 4096)
	m.RecordScanViolation("os.system")

	if got := testutil.ToFloat64(m.ExecutionsTotal.WithLabelValues("trusted", "ok")); got != 2 {
		t.Errorf("executions_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.PipInstalls.WithLabelValues("auto_install", "failed")); got != 1 {
		t.Errorf("pip_installs_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.EnvGCDeleted); got != 2 {
		t.Errorf("env_gc_deleted_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.EnvGCFreedBytes); got != 4096 {
		t.Errorf("env_gc_freed_bytes_total = %v, want 4096", got)
	}
	if got := testutil.ToFloat64(m.ScanViolations.WithLabelValues("os.system")); got != 1 {
		t.Errorf("code_scan_violations_total = %v, want 1", got)
	}
}
