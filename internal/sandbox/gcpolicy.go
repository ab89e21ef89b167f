package sandbox

import (
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// GCPolicy controls environment garbage collection.
type GCPolicy struct {
	Enabled        bool  `json:"enabled" yaml:"enabled"`
	TTLSec         int64 `json:"ttl_sec" yaml:"ttl_sec"`
	MinKeep        int   `json:"min_keep" yaml:"min_keep"`
	MaxKeep        int   `json:"max_keep" yaml:"max_keep"`
	MaxTotalBytes  int64 `json:"max_total_bytes" yaml:"max_total_bytes"`
	ActiveGraceSec int64 `json:"active_grace_sec" yaml:"active_grace_sec"`
	LeaseTTLSec    int64 `json:"lease_ttl_sec" yaml:"lease_ttl_sec"`
	IntervalSec    int64 `json:"interval_sec" yaml:"interval_sec"`
}

// Environment variables read by LoadGCPolicy.
const (
	EnvGCEnabled     = "CHART_ENV_GC_ENABLED"
	EnvTTLSec        = "CHART_ENV_TTL_SEC"
	EnvMinKeep       = "CHART_ENV_MIN_KEEP"
	EnvMaxKeep       = "CHART_ENV_MAX_KEEP"
	EnvMaxTotalBytes = "CHART_ENV_MAX_TOTAL_BYTES"
	EnvActiveGrace   = "CHART_ENV_ACTIVE_GRACE_SEC"
	EnvLeaseTTLSec   = "CHART_ENV_LEASE_TTL_SEC"
	EnvGCIntervalSec = "CHART_ENV_GC_INTERVAL_SEC"
)

// DefaultGCPolicy returns the built-in GC settings.
func DefaultGCPolicy() GCPolicy {
	return GCPolicy{
		Enabled:        true,
		TTLSec:         7 * 24 * 3600,
		MinKeep:        2,
		MaxKeep:        20,
		MaxTotalBytes:  8 << 30,
		ActiveGraceSec: 15 * 60,
		LeaseTTLSec:    2 * 3600,
		IntervalSec:    10 * 60,
	}
}

// LoadGCPolicy applies the CHART_ENV_* environment overrides to base. It is
// called on every GC decision so changes take effect without a restart.
// Unparseable values are ignored.
func LoadGCPolicy(base GCPolicy) GCPolicy {
	p := base
	if v, ok := os.LookupEnv(EnvGCEnabled); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			p.Enabled = b
		} else {
			log.Warn().Str("var", EnvGCEnabled).Str("value", v).Msg("ignoring invalid GC setting")
		}
	}
	envInt64(EnvTTLSec, &p.TTLSec)
	envInt64(EnvMaxTotalBytes, &p.MaxTotalBytes)
	envInt64(EnvActiveGrace, &p.ActiveGraceSec)
	envInt64(EnvLeaseTTLSec, &p.LeaseTTLSec)
	envInt64(EnvGCIntervalSec, &p.IntervalSec)

	minKeep, maxKeep := int64(p.MinKeep), int64(p.MaxKeep)
	envInt64(EnvMinKeep, &minKeep)
	envInt64(EnvMaxKeep, &maxKeep)
	p.MinKeep, p.MaxKeep = int(minKeep), int(maxKeep)
	return p
}

func envInt64(name string, dst *int64) {
	v, ok := os.LookupEnv(name)
	if !ok || strings.TrimSpace(v) == "" {
		return
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n < 0 {
		log.Warn().Str("var", name).Str("value", v).Msg("ignoring invalid GC setting")
		return
	}
	*dst = n
}
