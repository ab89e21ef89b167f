package api

import (
	"chart-exec-sandbox/internal/sandbox"
	"chart-exec-sandbox/internal/storage"
)

// ErrorResponse is returned for API errors. For chart rejections Error holds
// the wire code (missing_python_code, chart_exec_busy, code_scan_blocked).
type ErrorResponse struct {
	Error      string   `json:"error"`
	Code       string   `json:"code"`
	RequestID  string   `json:"request_id"`
	Violations []string `json:"violations,omitempty"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status   string             `json:"status"`
	Database bool               `json:"database"`
	Uptime   string             `json:"uptime"`
	Gate     *sandbox.GateStats `json:"gate,omitempty"`
	Disk     *DiskUsage         `json:"disk,omitempty"`
}

// DiskUsage reports the volume holding the uploads directory.
type DiskUsage struct {
	Path        string  `json:"path"`
	TotalBytes  uint64  `json:"total_bytes"`
	FreeBytes   uint64  `json:"free_bytes"`
	UsedPercent float64 `json:"used_percent"`
}

// RunListResponse is returned by GET /chart-runs.
type RunListResponse struct {
	Runs  []storage.ChartRun `json:"runs"`
	Count int                `json:"count"`
}

// RunDetailResponse is returned by GET /chart-runs/{run_id}.
type RunDetailResponse struct {
	storage.ChartRun
	Events []storage.SecurityEventRecord `json:"events"`
	Source string                        `json:"source"` // "database" or "meta"
}
