package policy

import "testing"

func TestParseProfile(t *testing.T) {
	tests := []struct {
		in   string
		want Profile
	}{
		{"template", ProfileTemplate},
		{"trusted", ProfileTrusted},
		{"sandboxed", ProfileSandboxed},
		{" Sandboxed ", ProfileSandboxed},
		{"", ProfileTrusted},
		{"root", ProfileTrusted},
	}
	for _, tt := range tests {
		if got := ParseProfile(tt.in); got != tt.want {
			t.Errorf("ParseProfile(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestProfileRequirements(t *testing.T) {
	if !ProfileSandboxed.RequiresScan() || !ProfileSandboxed.RequiresGuard() {
		t.Error("sandboxed profile must scan and guard")
	}
	for _, p := range []Profile{ProfileTemplate, ProfileTrusted} {
		if p.RequiresScan() || p.RequiresGuard() {
			t.Errorf("%s profile should not scan or guard", p)
		}
	}
}
