package policy

import (
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// LimitTier is the per-profile resource budget applied to a chart process.
type LimitTier struct {
	CPUExtraSec    uint64 // added to the wall-clock timeout to form RLIMIT_CPU
	AddressSpaceMB uint64
	MaxProcesses   uint64
	MaxFileSizeMB  uint64
}

var limitTiers = map[Profile]LimitTier{
	ProfileTemplate: {
		CPUExtraSec:    10,
		AddressSpaceMB: 3072,
		MaxProcesses:   256,
		MaxFileSizeMB:  256,
	},
	ProfileTrusted: {
		CPUExtraSec:    20,
		AddressSpaceMB: 4096,
		MaxProcesses:   512,
		MaxFileSizeMB:  512,
	},
	ProfileSandboxed: {
		CPUExtraSec:    5,
		AddressSpaceMB: 2048,
		MaxProcesses:   64,
		MaxFileSizeMB:  64,
	},
}

// Tier returns the limit budget for a profile.
func Tier(profile Profile) LimitTier {
	if t, ok := limitTiers[profile]; ok {
		return t
	}
	return limitTiers[ProfileTrusted]
}

// ResourceLimits returns the rlimit table for a chart process. The CPU limit is
// the execution timeout plus the profile's extra seconds, so a busy loop is
// killed by the kernel even if the wall-clock timer is late.
func ResourceLimits(profile Profile, timeoutSec int) []specs.POSIXRlimit {
	tier := Tier(profile)
	if timeoutSec < 1 {
		timeoutSec = 1
	}
	cpu := uint64(timeoutSec) + tier.CPUExtraSec
	as := tier.AddressSpaceMB * 1024 * 1024
	fsize := tier.MaxFileSizeMB * 1024 * 1024

	return []specs.POSIXRlimit{
		{Type: "RLIMIT_CPU", Hard: cpu, Soft: cpu},
		{Type: "RLIMIT_AS", Hard: as, Soft: as},
		{Type: "RLIMIT_NPROC", Hard: tier.MaxProcesses, Soft: tier.MaxProcesses},
		{Type: "RLIMIT_FSIZE", Hard: fsize, Soft: fsize},
		{Type: "RLIMIT_CORE", Hard: 0, Soft: 0},
	}
}
