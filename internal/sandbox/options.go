package sandbox

import (
	"time"

	"chart-exec-sandbox/internal/config"
)

// OptionsFromConfig maps the service configuration onto runtime options. The
// caller supplies observability and the audit sink.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		UploadsDir:        cfg.Chart.UploadsDir,
		AppRoot:           cfg.Chart.AppRoot,
		PythonBin:         cfg.Chart.PythonBin,
		MaxConcurrent:     cfg.Chart.MaxConcurrent,
		AcquireTimeout:    cfg.Chart.AcquireTimeout,
		ResourceLimits:    cfg.Chart.ResourceLimits,
		VenvCreateTimeout: cfg.Chart.VenvCreateTimeout,
		PipTimeout:        cfg.Chart.PipTimeout,
		PipTimeoutCeiling: cfg.Chart.PipTimeoutCeiling,
		AllowedReadRoots:  cfg.Chart.AllowedReadRoots,
		URLPrefix:         cfg.Chart.PublicURLPrefix,
		GC:                GCPolicyFromConfig(cfg.EnvGC),
	}
}

// GCPolicyFromConfig converts the YAML GC section to a GCPolicy.
func GCPolicyFromConfig(c config.EnvGCConfig) GCPolicy {
	return GCPolicy{
		Enabled:        c.Enabled,
		TTLSec:         seconds(c.TTL),
		MinKeep:        c.MinKeep,
		MaxKeep:        c.MaxKeep,
		MaxTotalBytes:  c.MaxTotalBytes,
		ActiveGraceSec: seconds(c.ActiveGrace),
		LeaseTTLSec:    seconds(c.LeaseTTL),
		IntervalSec:    seconds(c.Interval),
	}
}

func seconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64(d / time.Second)
}
