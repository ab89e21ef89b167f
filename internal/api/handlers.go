package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/disk"

	"chart-exec-sandbox/internal/monitor"
	"chart-exec-sandbox/internal/sandbox"
	"chart-exec-sandbox/internal/storage"
)

// diskDegradedPercent marks the service degraded when the uploads volume is this full.
const diskDegradedPercent = 95.0

// ChartRunner executes chart requests. *sandbox.Runtime implements it.
type ChartRunner interface {
	Execute(ctx context.Context, req sandbox.ExecutionRequest) (*sandbox.ExecutionResult, error)
	UploadsDir() string
	GateStats() sandbox.GateStats
}

// RunStore is the audit store queried by the run endpoints. *storage.DB implements it.
type RunStore interface {
	GetRun(ctx context.Context, runID string) (*storage.ChartRun, error)
	ListRuns(ctx context.Context, filter storage.RunFilter) ([]storage.ChartRun, error)
	SecurityEvents(ctx context.Context, runID string) ([]storage.SecurityEventRecord, error)
	Healthy(ctx context.Context) bool
}

type Handlers struct {
	runner    ChartRunner
	store     RunStore
	metrics   *monitor.Metrics
	startTime time.Time
}

// NewHandlers wires the handlers. store may be nil when no database is configured.
func NewHandlers(runner ChartRunner, store RunStore, metrics *monitor.Metrics) *Handlers {
	return &Handlers{
		runner:    runner,
		store:     store,
		metrics:   metrics,
		startTime: time.Now(),
	}
}

func (h *Handlers) HandleChartExec(w http.ResponseWriter, r *http.Request) {
	var req sandbox.ExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.metrics.RecordError("body_too_large")
			writeError(w, "request body too large", "BODY_TOO_LARGE", http.StatusRequestEntityTooLarge, r)
			return
		}
		h.metrics.RecordError("invalid_request")
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	if h.runner == nil {
		writeError(w, "chart runtime unavailable", "RUNNER_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	result, err := h.runner.Execute(r.Context(), req)
	if err != nil {
		writeExecError(w, err, r)
		return
	}

	log.Info().
		Str("request_id", RequestIDFromContext(r.Context())).
		Str("run_id", result.RunID).
		Bool("ok", result.OK).
		Int("attempts", len(result.Attempts)).
		Msg("chart execution finished")

	writeJSON(w, http.StatusOK, result)
}

func writeExecError(w http.ResponseWriter, err error, r *http.Request) {
	code := sandbox.ErrorCode(err)
	resp := ErrorResponse{
		Error:     code,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, sandbox.ErrMissingCode):
		status = http.StatusBadRequest
	case sandbox.IsBusy(err):
		status = http.StatusTooManyRequests
		w.Header().Set("Retry-After", "1")
	case sandbox.IsScanBlocked(err):
		status = http.StatusUnprocessableEntity
		var scanErr *sandbox.ScanError
		if errors.As(err, &scanErr) {
			resp.Violations = scanErr.Names()
		}
	default:
		log.Error().Err(err).Str("request_id", resp.RequestID).Msg("chart execution failed")
	}
	writeJSON(w, status, resp)
}

// HandleChartFile serves an artifact. Paths come only from the resolver.
func (h *Handlers) HandleChartFile(w http.ResponseWriter, r *http.Request) {
	if h.runner == nil {
		writeError(w, "chart runtime unavailable", "RUNNER_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}
	path, ok := sandbox.ResolveChartImagePath(h.runner.UploadsDir(), r.PathValue("run_id"), r.PathValue("file"))
	if !ok {
		writeError(w, "chart file not found", "NOT_FOUND", http.StatusNotFound, r)
		return
	}
	serveFile(w, r, path)
}

// HandleRunMeta serves the meta.json of a run.
func (h *Handlers) HandleRunMeta(w http.ResponseWriter, r *http.Request) {
	if h.runner == nil {
		writeError(w, "chart runtime unavailable", "RUNNER_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}
	path, ok := sandbox.ResolveChartRunMetaPath(h.runner.UploadsDir(), r.PathValue("run_id"))
	if !ok {
		writeError(w, "run not found", "NOT_FOUND", http.StatusNotFound, r)
		return
	}
	serveFile(w, r, path)
}

func serveFile(w http.ResponseWriter, r *http.Request, path string) {
	f, err := os.Open(path) // #nosec G304 -- path returned by the artifact resolver
	if err != nil {
		writeError(w, "file not found", "NOT_FOUND", http.StatusNotFound, r)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		writeError(w, "file not found", "NOT_FOUND", http.StatusNotFound, r)
		return
	}

	// User code wrote this file; SVG in particular must not run scripts.
	w.Header().Set("Content-Security-Policy", "default-src 'none'; style-src 'unsafe-inline'; sandbox")
	w.Header().Set("Cache-Control", "private, max-age=3600")
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	if !sandbox.ValidRunID(runID) {
		writeError(w, "invalid run id", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	if h.store != nil {
		run, err := h.store.GetRun(r.Context(), runID)
		switch {
		case err == nil:
			events, err := h.store.SecurityEvents(r.Context(), runID)
			if err != nil {
				log.Warn().Err(err).Str("run_id", runID).Msg("failed to load security events")
			}
			if events == nil {
				events = []storage.SecurityEventRecord{}
			}
			writeJSON(w, http.StatusOK, RunDetailResponse{ChartRun: *run, Events: events, Source: "database"})
			return
		case !errors.Is(err, storage.ErrNotFound):
			log.Warn().Err(err).Str("run_id", runID).Msg("audit store lookup failed, falling back to meta.json")
		}
	}

	if h.runner == nil {
		writeError(w, "run not found", "NOT_FOUND", http.StatusNotFound, r)
		return
	}
	rec, err := sandbox.ReadRunRecord(h.runner.UploadsDir(), runID)
	if err != nil {
		writeError(w, "run not found", "NOT_FOUND", http.StatusNotFound, r)
		return
	}
	run, events := storage.FromRecord(rec)
	writeJSON(w, http.StatusOK, RunDetailResponse{ChartRun: *run, Events: events, Source: "meta"})
}

func (h *Handlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	q := r.URL.Query()
	filter := storage.RunFilter{
		Profile: q.Get("profile"),
		Status:  q.Get("status"),
		Limit:   100,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, "limit must be an integer", "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, "offset must be a non-negative integer", "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
		filter.Offset = n
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, "since must be RFC3339", "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
		filter.Since = &since
	}

	runs, err := h.store.ListRuns(r.Context(), filter)
	if err != nil {
		log.Error().Err(err).Msg("listing chart runs failed")
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	writeJSON(w, http.StatusOK, RunListResponse{Runs: runs, Count: len(runs)})
}

func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := h.store == nil || h.store.Healthy(r.Context())

	resp := HealthResponse{
		Status:   "ok",
		Database: dbOK,
		Uptime:   time.Since(h.startTime).Round(time.Second).String(),
	}
	if !dbOK {
		resp.Status = "degraded"
	}

	if h.runner != nil {
		stats := h.runner.GateStats()
		resp.Gate = &stats

		usage, err := disk.UsageWithContext(r.Context(), h.runner.UploadsDir())
		if err != nil {
			log.Debug().Err(err).Msg("disk usage unavailable")
		} else {
			resp.Disk = &DiskUsage{
				Path:        usage.Path,
				TotalBytes:  usage.Total,
				FreeBytes:   usage.Free,
				UsedPercent: usage.UsedPercent,
			}
			if usage.UsedPercent >= diskDegradedPercent {
				resp.Status = "degraded"
			}
		}
	} else {
		resp.Status = "degraded"
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	resp := ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}
