package storage

import (
	"time"

	"chart-exec-sandbox/internal/sandbox"
)

// Run statuses.
const (
	StatusOK         = "ok"
	StatusFailed     = "failed"
	StatusTimeout    = "timeout"
	StatusNoImage    = "no_image"
	StatusVenvFailed = "venv_failed"
)

// ChartRun is the audit row for one admitted chart execution.
type ChartRun struct {
	RunID             string     `json:"run_id" db:"run_id"`
	Profile           string     `json:"profile" db:"profile"`
	Status            string     `json:"status" db:"status"`
	OK                bool       `json:"ok" db:"ok"`
	ErrorCode         string     `json:"error,omitempty" db:"error_code"`
	ExitCode          int        `json:"exit_code" db:"exit_code"`
	TimedOut          bool       `json:"timed_out" db:"timed_out"`
	Attempts          int        `json:"attempts" db:"attempts"`
	CodeSHA256        string     `json:"code_sha256" db:"code_sha256"`
	ChartHint         string     `json:"chart_hint,omitempty" db:"chart_hint"`
	EnvScope          string     `json:"env_scope,omitempty" db:"env_scope"`
	RequestedPackages []string   `json:"requested_packages" db:"requested_packages"`
	InstalledPackages []string   `json:"installed_packages" db:"installed_packages"`
	ImageURL          string     `json:"image_url,omitempty" db:"image_url"`
	MetaURL           string     `json:"meta_url" db:"meta_url"`
	Stdout            string     `json:"stdout,omitempty" db:"stdout"`
	Stderr            string     `json:"stderr,omitempty" db:"stderr"`
	SecurityEvents    int        `json:"security_events" db:"security_events"`
	DurationMS        int64      `json:"duration_ms" db:"duration_ms"`
	CreatedAt         time.Time  `json:"created_at" db:"created_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// SecurityEventRecord stores one output leak detection for audit.
type SecurityEventRecord struct {
	ID        string    `json:"id" db:"id"`
	RunID     string    `json:"run_id" db:"run_id"`
	Pattern   string    `json:"pattern" db:"pattern"`
	Severity  string    `json:"severity" db:"severity"`
	Stream    string    `json:"stream" db:"stream"`
	Detail    string    `json:"detail" db:"detail"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// RunFilter provides criteria for querying chart runs.
type RunFilter struct {
	Profile string
	Status  string
	Since   *time.Time
	Limit   int
	Offset  int
}

// RunStatus classifies a finished run.
func RunStatus(res *sandbox.ExecutionResult) string {
	switch {
	case res.VenvError != nil:
		return StatusVenvFailed
	case res.OK:
		return StatusOK
	case res.TimedOut:
		return StatusTimeout
	case res.ExitCode == 0:
		return StatusNoImage
	default:
		return StatusFailed
	}
}

// FromRecord converts a run record into its audit row and security events.
// Event IDs are left for the store to assign.
func FromRecord(rec *sandbox.RunRecord) (*ChartRun, []SecurityEventRecord) {
	run := &ChartRun{
		RunID:             rec.RunID,
		Profile:           rec.ExecutionProfile,
		Status:            RunStatus(&rec.ExecutionResult),
		OK:                rec.OK,
		ErrorCode:         rec.Error,
		ExitCode:          rec.ExitCode,
		TimedOut:          rec.TimedOut,
		Attempts:          len(rec.Attempts),
		CodeSHA256:        rec.CodeSHA256,
		ChartHint:         rec.ChartHint,
		EnvScope:          rec.EnvScope,
		RequestedPackages: nonNil(rec.RequestedPackages),
		InstalledPackages: nonNil(rec.InstalledPackages),
		MetaURL:           rec.MetaURL,
		Stdout:            rec.Stdout,
		Stderr:            rec.Stderr,
		SecurityEvents:    len(rec.SecurityEvents),
		DurationMS:        rec.DurationMS,
		CreatedAt:         rec.StartedAt,
	}
	if rec.ImageURL != nil {
		run.ImageURL = *rec.ImageURL
	}
	if !rec.FinishedAt.IsZero() {
		done := rec.FinishedAt
		run.CompletedAt = &done
	}

	events := make([]SecurityEventRecord, 0, len(rec.SecurityEvents))
	for _, d := range rec.SecurityEvents {
		events = append(events, SecurityEventRecord{
			RunID:     rec.RunID,
			Pattern:   d.Pattern,
			Severity:  d.Severity,
			Stream:    d.Stream,
			Detail:    d.Detail,
			CreatedAt: rec.FinishedAt,
		})
	}
	return run, events
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
