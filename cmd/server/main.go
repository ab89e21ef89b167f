package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"chart-exec-sandbox/internal/api"
	"chart-exec-sandbox/internal/config"
	"chart-exec-sandbox/internal/monitor"
	"chart-exec-sandbox/internal/sandbox"
	"chart-exec-sandbox/internal/storage"
)

func main() {
	// Structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	var cfg *config.Config
	var err error

	if _, statErr := os.Stat(configPath); statErr == nil {
		cfg, err = config.Load(configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
		}
	} else {
		log.Info().Msg("no config file found, using defaults")
		cfg = config.DefaultConfig()
	}

	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration after environment overrides")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := monitor.NewMetrics()

	tracing, err := monitor.InitTracing(ctx, cfg.Tracing)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize tracing")
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := tracing.Shutdown(flushCtx); err != nil {
			log.Warn().Err(err).Msg("tracing shutdown")
		}
	}()

	// Initialize database (optional, runs without it for development)
	var db *storage.DB
	if cfg.Database.DSN != "" {
		db, err = storage.New(ctx, cfg.Database.DSN, storage.PoolOptions{
			MaxConns:        cfg.Database.MaxOpenConns,
			MinConns:        cfg.Database.MaxIdleConns,
			MaxConnLifetime: cfg.Database.ConnMaxLifetime,
		})
		if err != nil {
			log.Warn().Err(err).Msg("database unavailable, audit logging disabled")
			db = nil
		} else {
			defer db.Close()
			if err := db.EnsureSchema(ctx); err != nil {
				log.Warn().Err(err).Msg("audit schema setup failed")
			}
		}
	}

	// Initialize audit writer (buffered, reliable logging)
	var auditWriter *storage.AuditWriter
	var store api.RunStore
	if db != nil {
		store = db
		auditWriter = storage.NewAuditWriter(db, cfg.Database.BufferSize)
		auditWriter.Start()
		defer auditWriter.Flush(10 * time.Second)
	}

	opts := sandbox.OptionsFromConfig(cfg)
	opts.Metrics = metrics
	opts.Tracer = monitor.NewTracer()
	opts.Detector = monitor.NewLeakDetector()
	if auditWriter != nil {
		opts.Recorder = auditWriter
	}
	runtime, err := sandbox.NewRuntime(opts)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize chart runtime")
	}

	// Create and start HTTP server
	server := api.NewServer(cfg, runtime, store, metrics)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		log.Info().Str("signal", sig.String()).Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}

		cancel()
	}()

	log.Info().
		Str("addr", cfg.Address()).
		Str("uploads_dir", runtime.UploadsDir()).
		Int("max_concurrent", cfg.Chart.MaxConcurrent).
		Bool("db_enabled", db != nil).
		Msg("server starting")

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}

	log.Info().Msg("server stopped")
}
