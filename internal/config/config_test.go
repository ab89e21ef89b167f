package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Chart.MaxConcurrent != 3 {
		t.Errorf("Chart.MaxConcurrent = %d, want 3", cfg.Chart.MaxConcurrent)
	}
	if !cfg.Chart.ResourceLimits {
		t.Error("Chart.ResourceLimits should default to on")
	}
	if cfg.EnvGC.TTL != 7*24*time.Hour {
		t.Errorf("EnvGC.TTL = %s, want 168h", cfg.EnvGC.TTL)
	}
	if cfg.EnvGC.MaxTotalBytes != 8<<30 {
		t.Errorf("EnvGC.MaxTotalBytes = %d", cfg.EnvGC.MaxTotalBytes)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return DefaultConfig()
	}

	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid defaults", func(c *Config) {}, false},
		{"server port 0", func(c *Config) { c.Server.Port = 0 }, true},
		{"server port 99999", func(c *Config) { c.Server.Port = 99999 }, true},
		{"empty uploads dir", func(c *Config) { c.Chart.UploadsDir = " " }, true},
		{"max_concurrent 0", func(c *Config) { c.Chart.MaxConcurrent = 0 }, true},
		{"negative acquire timeout", func(c *Config) { c.Chart.AcquireTimeout = -time.Second }, true},
		{"pip timeout over ceiling", func(c *Config) {
			c.Chart.PipTimeout = 20 * time.Minute
			c.Chart.PipTimeoutCeiling = 10 * time.Minute
		}, true},
		{"relative read root", func(c *Config) {
			c.Chart.AllowedReadRoots = []string{"relative/path"}
		}, true},
		{"absolute read root", func(c *Config) {
			c.Chart.AllowedReadRoots = []string{"/srv/datasets"}
		}, false},
		{"min_keep over max_keep", func(c *Config) {
			c.EnvGC.MinKeep = 10
			c.EnvGC.MaxKeep = 5
		}, true},
		{"negative max_total_bytes", func(c *Config) { c.EnvGC.MaxTotalBytes = -1 }, true},
		{"negative pool size", func(c *Config) { c.Database.MaxOpenConns = -1 }, true},
		{"tracing without endpoint", func(c *Config) { c.Tracing.Enabled = true }, true},
		{"tracing with endpoint", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Endpoint = "otel-collector:4317"
		}, false},
		{"sample rate over 1", func(c *Config) { c.Tracing.Sample = 1.5 }, true},
		{"TLS enabled without cert", func(c *Config) {
			c.TLS.Enabled = true
			c.TLS.CertFile = ""
			c.TLS.KeyFile = ""
		}, true},
		{"TLS enabled with cert+key", func(c *Config) {
			c.TLS.Enabled = true
			c.TLS.CertFile = "/etc/ssl/cert.pem"
			c.TLS.KeyFile = "/etc/ssl/key.pem"
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	yamlContent := `
server:
  host: "127.0.0.1"
  port: 9090
chart:
  uploads_dir: /var/lib/charts
  python_bin: /opt/py/bin/python3
  max_concurrent: 5
  acquire_timeout: 2s
  allowed_read_roots: [/srv/data]
env_gc:
  ttl: 48h
  min_keep: 1
database:
  max_open_conns: 40
  max_idle_conns: 8
  conn_max_lifetime: 90s
tracing:
  enabled: true
  endpoint: otel-collector:4317
  sample_rate: 0.25
security:
  api_key_header: X-Chart-Token
  allowed_keys: [k1]
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yamlContent), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Chart.UploadsDir != "/var/lib/charts" || cfg.Chart.PythonBin != "/opt/py/bin/python3" {
		t.Errorf("Chart = %+v", cfg.Chart)
	}
	if cfg.Chart.MaxConcurrent != 5 || cfg.Chart.AcquireTimeout != 2*time.Second {
		t.Errorf("Chart gate = %d, %s", cfg.Chart.MaxConcurrent, cfg.Chart.AcquireTimeout)
	}
	if cfg.EnvGC.TTL != 48*time.Hour || cfg.EnvGC.MinKeep != 1 {
		t.Errorf("EnvGC = %+v", cfg.EnvGC)
	}
	// Unset keys keep their defaults.
	if cfg.EnvGC.MaxKeep != 20 || cfg.Chart.PipTimeoutCeiling != 600*time.Second {
		t.Errorf("defaults lost: %+v %+v", cfg.EnvGC, cfg.Chart)
	}
	if len(cfg.Security.AllowedKeys) != 1 || cfg.Security.APIKeyHeader != "X-Chart-Token" {
		t.Errorf("Security = %+v", cfg.Security)
	}
	if cfg.Database.MaxOpenConns != 40 || cfg.Database.MaxIdleConns != 8 || cfg.Database.ConnMaxLifetime != 90*time.Second {
		t.Errorf("Database = %+v", cfg.Database)
	}
	if !cfg.Tracing.Enabled || cfg.Tracing.Endpoint != "otel-collector:4317" || cfg.Tracing.Sample != 0.25 {
		t.Errorf("Tracing = %+v", cfg.Tracing)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err == nil {
		t.Error("expected error for missing file, got nil")
	}
}

func TestLoad_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("chart:\n  max_concurrent: 0\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected validation error")
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		EnvMaxConcurrent: "7",
		EnvUploadsDir:    "/data/uploads",
		EnvPort:          "9999",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := DefaultConfig()
	cfg.ApplyEnv(lookup)
	if cfg.Chart.MaxConcurrent != 7 {
		t.Errorf("MaxConcurrent = %d, want 7", cfg.Chart.MaxConcurrent)
	}
	if cfg.Chart.UploadsDir != "/data/uploads" {
		t.Errorf("UploadsDir = %q", cfg.Chart.UploadsDir)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("Port = %d", cfg.Server.Port)
	}

	env[EnvMaxConcurrent] = "zero"
	env[EnvPort] = "http"
	cfg = DefaultConfig()
	cfg.ApplyEnv(lookup)
	if cfg.Chart.MaxConcurrent != 3 || cfg.Server.Port != 8080 {
		t.Errorf("invalid overrides should be ignored: %d %d", cfg.Chart.MaxConcurrent, cfg.Server.Port)
	}
}

func TestAddress(t *testing.T) {
	cfg := DefaultConfig()
	want := "0.0.0.0:8080"
	if got := cfg.Address(); got != want {
		t.Errorf("Address() = %q, want %q", got, want)
	}

	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 3000
	want = "127.0.0.1:3000"
	if got := cfg.Address(); got != want {
		t.Errorf("Address() = %q, want %q", got, want)
	}
}
