package policy

import (
	"strings"
	"testing"
)

func TestFilesystemGuardSource(t *testing.T) {
	src := FilesystemGuardSource("/data/charts/chr_abc", []string{"/app", "/data/uploads", "/app/", ""})

	for _, want := range []string{
		`_GUARD_OUTPUT_DIR = _guard_os.path.realpath("/data/charts/chr_abc")`,
		`["/app","/data/uploads"]`,
		"_guard_builtins.open = _guard_open",
		"_guard_io.open = _guard_open",
		"_guard_os.open = _guard_os_open",
		"PermissionError",
	} {
		if !strings.Contains(src, want) {
			t.Errorf("guard source missing %q", want)
		}
	}
	if strings.Contains(src, "%OUTPUT_DIR%") || strings.Contains(src, "%READ_ROOTS%") {
		t.Error("guard source has unreplaced placeholders")
	}
}

func TestFilesystemGuardSource_Deterministic(t *testing.T) {
	a := FilesystemGuardSource("/out", []string{"/b", "/a"})
	b := FilesystemGuardSource("/out", []string{"/a", "/b", "/a"})
	if a != b {
		t.Error("guard source should not depend on root order or duplicates")
	}
}

func TestFilesystemGuardSource_QuotesPaths(t *testing.T) {
	src := FilesystemGuardSource(`/tmp/we"ird`, nil)
	if !strings.Contains(src, `"/tmp/we\"ird"`) {
		t.Error("output dir should be embedded as an escaped string literal")
	}
	if !strings.Contains(src, "for p in []]") {
		t.Error("nil roots should render as an empty list")
	}
}
