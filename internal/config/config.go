package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Chart    ChartConfig    `yaml:"chart"`
	EnvGC    EnvGCConfig    `yaml:"env_gc"`
	Database DatabaseConfig `yaml:"database"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Tracing  TracingConfig  `yaml:"tracing"`
	Security SecurityConfig `yaml:"security"`
	TLS      TLSConfig      `yaml:"tls"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes"`
}

// ChartConfig configures the chart execution runtime.
type ChartConfig struct {
	UploadsDir        string        `yaml:"uploads_dir"`
	AppRoot           string        `yaml:"app_root"`
	PythonBin         string        `yaml:"python_bin"`
	MaxConcurrent     int           `yaml:"max_concurrent"`
	AcquireTimeout    time.Duration `yaml:"acquire_timeout"`
	ResourceLimits    bool          `yaml:"resource_limits"`
	VenvCreateTimeout time.Duration `yaml:"venv_create_timeout"`
	PipTimeout        time.Duration `yaml:"pip_timeout"`
	PipTimeoutCeiling time.Duration `yaml:"pip_timeout_ceiling"`
	AllowedReadRoots  []string      `yaml:"allowed_read_roots"` // extra read-only roots for sandboxed code
	PublicURLPrefix   string        `yaml:"public_url_prefix"`
}

// EnvGCConfig is the baseline environment GC policy. CHART_ENV_* variables
// still override it at each GC decision.
type EnvGCConfig struct {
	Enabled       bool          `yaml:"enabled"`
	TTL           time.Duration `yaml:"ttl"`
	MinKeep       int           `yaml:"min_keep"`
	MaxKeep       int           `yaml:"max_keep"`
	MaxTotalBytes int64         `yaml:"max_total_bytes"`
	ActiveGrace   time.Duration `yaml:"active_grace"`
	LeaseTTL      time.Duration `yaml:"lease_ttl"`
	Interval      time.Duration `yaml:"interval"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	BufferSize      int           `yaml:"buffer_size"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type TracingConfig struct {
	Enabled  bool    `yaml:"enabled"`
	Endpoint string  `yaml:"endpoint"`
	Sample   float64 `yaml:"sample_rate"`
}

type SecurityConfig struct {
	APIKeyHeader         string   `yaml:"api_key_header"`
	AllowedKeys          []string `yaml:"allowed_keys"`
	AllowUnauthenticated bool     `yaml:"allow_unauthenticated"`
	RateLimitRPS         float64  `yaml:"rate_limit_rps"`
	RateLimitBurst       int      `yaml:"rate_limit_burst"`
}

// TLSConfig controls HTTPS/TLS termination.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Environment variables applied by ApplyEnv.
const (
	EnvMaxConcurrent = "CHART_EXEC_MAX_CONCURRENT"
	EnvUploadsDir    = "CHART_UPLOADS_DIR"
	EnvPythonBin     = "CHART_PYTHON_BIN"
	EnvDatabaseDSN   = "DATABASE_URL"
	EnvPort          = "PORT"
)

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from CLI flag or hardcoded default
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    15 * time.Minute, // retries of a long run plus pip installs
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBody:  4 << 20,
		},
		Chart: ChartConfig{
			UploadsDir:        "uploads",
			PythonBin:         "python3",
			MaxConcurrent:     3,
			AcquireTimeout:    0,
			ResourceLimits:    true,
			VenvCreateTimeout: 180 * time.Second,
			PipTimeout:        300 * time.Second,
			PipTimeoutCeiling: 600 * time.Second,
		},
		EnvGC: EnvGCConfig{
			Enabled:       true,
			TTL:           7 * 24 * time.Hour,
			MinKeep:       2,
			MaxKeep:       20,
			MaxTotalBytes: 8 << 30,
			ActiveGrace:   15 * time.Minute,
			LeaseTTL:      2 * time.Hour,
			Interval:      10 * time.Minute,
		},
		Database: DatabaseConfig{
			DSN:             "",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			BufferSize:      10000,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled: false,
			Sample:  0.1,
		},
		Security: SecurityConfig{
			APIKeyHeader:   "X-API-Key",
			RateLimitRPS:   20,
			RateLimitBurst: 40,
		},
		TLS: TLSConfig{
			Enabled: false,
		},
	}
}

// ApplyEnv overrides selected settings from the environment. Invalid values
// are logged and ignored.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if v, ok := lookup(EnvMaxConcurrent); ok && strings.TrimSpace(v) != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n < 1 {
			log.Warn().Str("var", EnvMaxConcurrent).Str("value", v).Msg("ignoring invalid concurrency override")
		} else {
			c.Chart.MaxConcurrent = n
		}
	}
	if v, ok := lookup(EnvUploadsDir); ok && strings.TrimSpace(v) != "" {
		c.Chart.UploadsDir = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvPythonBin); ok && strings.TrimSpace(v) != "" {
		c.Chart.PythonBin = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvDatabaseDSN); ok && v != "" {
		c.Database.DSN = v
	}
	if v, ok := lookup(EnvPort); ok && v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		} else {
			log.Warn().Str("var", EnvPort).Str("value", v).Msg("ignoring invalid port")
		}
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if strings.TrimSpace(c.Chart.UploadsDir) == "" {
		return fmt.Errorf("chart.uploads_dir is required")
	}
	if c.Chart.MaxConcurrent < 1 {
		return fmt.Errorf("chart.max_concurrent must be >= 1")
	}
	if c.Chart.AcquireTimeout < 0 {
		return fmt.Errorf("chart.acquire_timeout must not be negative")
	}
	if c.Chart.PipTimeout > c.Chart.PipTimeoutCeiling {
		return fmt.Errorf("chart.pip_timeout (%s) must be <= pip_timeout_ceiling (%s)",
			c.Chart.PipTimeout, c.Chart.PipTimeoutCeiling)
	}
	for _, root := range c.Chart.AllowedReadRoots {
		if !filepath.IsAbs(root) {
			return fmt.Errorf("chart.allowed_read_roots: %q must be an absolute path", root)
		}
	}
	if c.EnvGC.MinKeep < 0 || c.EnvGC.MaxKeep < 0 || c.EnvGC.MaxTotalBytes < 0 {
		return fmt.Errorf("env_gc limits must not be negative")
	}
	if c.EnvGC.MaxKeep > 0 && c.EnvGC.MinKeep > c.EnvGC.MaxKeep {
		return fmt.Errorf("env_gc.min_keep (%d) must be <= max_keep (%d)", c.EnvGC.MinKeep, c.EnvGC.MaxKeep)
	}
	if c.Database.MaxOpenConns < 0 || c.Database.MaxIdleConns < 0 || c.Database.ConnMaxLifetime < 0 {
		return fmt.Errorf("database pool settings must not be negative")
	}
	if c.Tracing.Enabled && strings.TrimSpace(c.Tracing.Endpoint) == "" {
		return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
	}
	if c.Tracing.Sample < 0 || c.Tracing.Sample > 1 {
		return fmt.Errorf("tracing.sample_rate must be between 0 and 1, got %v", c.Tracing.Sample)
	}
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}
	}
	if c.Database.DSN != "" && strings.Contains(c.Database.DSN, "sslmode=disable") {
		log.Warn().Msg("database DSN has sslmode=disable, connections to Postgres are unencrypted")
	}
	return nil
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
