package policy

import "strings"

// Profile selects the trust level a chart execution runs under.
type Profile string

const (
	ProfileTemplate  Profile = "template"
	ProfileTrusted   Profile = "trusted"
	ProfileSandboxed Profile = "sandboxed"
)

// ParseProfile normalizes a caller-supplied profile name. Anything it does not
// recognize falls back to ProfileTrusted.
func ParseProfile(s string) Profile {
	switch Profile(strings.ToLower(strings.TrimSpace(s))) {
	case ProfileTemplate:
		return ProfileTemplate
	case ProfileSandboxed:
		return ProfileSandboxed
	default:
		return ProfileTrusted
	}
}

func (p Profile) String() string { return string(p) }

// RequiresScan reports whether user code must pass ScanCode before running.
func (p Profile) RequiresScan() bool { return p == ProfileSandboxed }

// RequiresGuard reports whether the filesystem guard is injected into the runner script.
func (p Profile) RequiresGuard() bool { return p == ProfileSandboxed }
