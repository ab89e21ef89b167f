package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// ErrNotFound is returned when a run is not in the audit store.
var ErrNotFound = errors.New("chart run not found")

const schema = `
CREATE TABLE IF NOT EXISTS chart_runs (
	run_id             TEXT PRIMARY KEY,
	profile            TEXT NOT NULL,
	status             TEXT NOT NULL,
	ok                 BOOLEAN NOT NULL,
	error_code         TEXT NOT NULL DEFAULT '',
	exit_code          INTEGER NOT NULL,
	timed_out          BOOLEAN NOT NULL,
	attempts           INTEGER NOT NULL,
	code_sha256        TEXT NOT NULL,
	chart_hint         TEXT NOT NULL DEFAULT '',
	env_scope          TEXT NOT NULL DEFAULT '',
	requested_packages TEXT[] NOT NULL DEFAULT '{}',
	installed_packages TEXT[] NOT NULL DEFAULT '{}',
	image_url          TEXT NOT NULL DEFAULT '',
	meta_url           TEXT NOT NULL DEFAULT '',
	stdout             TEXT NOT NULL DEFAULT '',
	stderr             TEXT NOT NULL DEFAULT '',
	security_events    INTEGER NOT NULL DEFAULT 0,
	duration_ms        BIGINT NOT NULL,
	created_at         TIMESTAMPTZ NOT NULL,
	completed_at       TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS chart_runs_created_at_idx ON chart_runs (created_at DESC);
CREATE TABLE IF NOT EXISTS chart_security_events (
	id         TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL REFERENCES chart_runs (run_id) ON DELETE CASCADE,
	pattern    TEXT NOT NULL,
	severity   TEXT NOT NULL,
	stream     TEXT NOT NULL,
	detail     TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);`

// DB wraps a PostgreSQL connection pool for audit logging.
type DB struct {
	pool *pgxpool.Pool
}

// PoolOptions tunes the connection pool. Zero values keep the defaults.
type PoolOptions struct {
	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration
}

// New creates a new database connection pool.
func New(ctx context.Context, dsn string, opts PoolOptions) (*DB, error) {
	config, err := poolConfig(dsn, opts)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	log.Info().
		Int32("max_conns", config.MaxConns).
		Int32("min_conns", config.MinConns).
		Msg("connected to PostgreSQL")
	return &DB{pool: pool}, nil
}

func poolConfig(dsn string, opts PoolOptions) (*pgxpool.Config, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 2
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 1 * time.Minute

	if opts.MaxConns > 0 {
		config.MaxConns = int32(opts.MaxConns)
	}
	if opts.MinConns > 0 {
		config.MinConns = int32(opts.MinConns)
	}
	if config.MinConns > config.MaxConns {
		config.MinConns = config.MaxConns
	}
	if opts.MaxConnLifetime > 0 {
		config.MaxConnLifetime = opts.MaxConnLifetime
	}
	return config, nil
}

// EnsureSchema creates the audit tables if they do not exist.
func (db *DB) EnsureSchema(ctx context.Context) error {
	if _, err := db.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// Healthy checks database connectivity.
func (db *DB) Healthy(ctx context.Context) bool {
	return db.pool.Ping(ctx) == nil
}

// LogRun inserts a chart run and its security events in one transaction.
// Re-logging a run id is a no-op.
func (db *DB) LogRun(ctx context.Context, run *ChartRun, events []SecurityEventRecord) error {
	return pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO chart_runs (run_id, profile, status, ok, error_code, exit_code,
				timed_out, attempts, code_sha256, chart_hint, env_scope,
				requested_packages, installed_packages, image_url, meta_url,
				stdout, stderr, security_events, duration_ms, created_at, completed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
				$16, $17, $18, $19, $20, $21)
			ON CONFLICT (run_id) DO NOTHING`,
			run.RunID, run.Profile, run.Status, run.OK, run.ErrorCode, run.ExitCode,
			run.TimedOut, run.Attempts, run.CodeSHA256, run.ChartHint, run.EnvScope,
			run.RequestedPackages, run.InstalledPackages, run.ImageURL, run.MetaURL,
			truncateForDB(run.Stdout, 65535),
			truncateForDB(run.Stderr, 65535),
			run.SecurityEvents, run.DurationMS, run.CreatedAt, run.CompletedAt,
		)
		if err != nil {
			return fmt.Errorf("inserting chart run: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}

		if len(events) == 0 {
			return nil
		}
		batch := &pgx.Batch{}
		for i := range events {
			ev := &events[i]
			if ev.ID == "" {
				ev.ID = uuid.New().String()
			}
			if ev.CreatedAt.IsZero() {
				ev.CreatedAt = time.Now()
			}
			batch.Queue(`
				INSERT INTO chart_security_events (id, run_id, pattern, severity, stream, detail, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				ev.ID, run.RunID, ev.Pattern, ev.Severity, ev.Stream, ev.Detail, ev.CreatedAt,
			)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("inserting security events: %w", err)
		}
		return nil
	})
}

const runColumns = `run_id, profile, status, ok, error_code, exit_code, timed_out,
	attempts, code_sha256, chart_hint, env_scope, requested_packages,
	installed_packages, image_url, meta_url, stdout, stderr, security_events,
	duration_ms, created_at, completed_at`

func scanRun(row pgx.Row) (*ChartRun, error) {
	var r ChartRun
	err := row.Scan(
		&r.RunID, &r.Profile, &r.Status, &r.OK, &r.ErrorCode, &r.ExitCode, &r.TimedOut,
		&r.Attempts, &r.CodeSHA256, &r.ChartHint, &r.EnvScope, &r.RequestedPackages,
		&r.InstalledPackages, &r.ImageURL, &r.MetaURL, &r.Stdout, &r.Stderr, &r.SecurityEvents,
		&r.DurationMS, &r.CreatedAt, &r.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// GetRun retrieves a single chart run by ID.
func (db *DB) GetRun(ctx context.Context, runID string) (*ChartRun, error) {
	run, err := scanRun(db.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM chart_runs WHERE run_id = $1`, runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying chart run %s: %w", runID, err)
	}
	return run, nil
}

// ListRuns queries chart runs with optional filters, newest first. Output
// columns are left empty.
func (db *DB) ListRuns(ctx context.Context, filter RunFilter) ([]ChartRun, error) {
	query := `
		SELECT ` + runColumns + `
		FROM chart_runs
		WHERE ($1 = '' OR profile = $1)
		  AND ($2 = '' OR status = $2)
		  AND ($3::timestamptz IS NULL OR created_at >= $3)
		ORDER BY created_at DESC
		LIMIT $4 OFFSET $5`

	rows, err := db.pool.Query(ctx, query,
		filter.Profile, filter.Status, filter.Since, clampLimit(filter.Limit), max(filter.Offset, 0),
	)
	if err != nil {
		return nil, fmt.Errorf("querying chart runs: %w", err)
	}
	defer rows.Close()

	results := []ChartRun{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning chart run row: %w", err)
		}
		run.Stdout, run.Stderr = "", ""
		results = append(results, *run)
	}

	return results, rows.Err()
}

// SecurityEvents returns the leak detections recorded for a run.
func (db *DB) SecurityEvents(ctx context.Context, runID string) ([]SecurityEventRecord, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT id, run_id, pattern, severity, stream, detail, created_at
		FROM chart_security_events WHERE run_id = $1 ORDER BY created_at`, runID)
	if err != nil {
		return nil, fmt.Errorf("querying security events: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowToStructByName[SecurityEventRecord])
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 100
	}
	return limit
}

// truncateForDB clips s to at most maxLen bytes on a rune boundary.
func truncateForDB(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
