package sandbox

import (
	"time"

	"chart-exec-sandbox/internal/monitor"
)

// MaxCapturedChars is the per-stream clip applied to reported stdout/stderr.
const MaxCapturedChars = 60000

// Artifact is one file produced in a run's output directory.
type Artifact struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Size int64  `json:"size"`
}

// AttemptRecord is the log entry for one script attempt.
type AttemptRecord struct {
	Attempt       int          `json:"attempt"`
	State         AttemptState `json:"state"`
	ExitCode      int          `json:"exit_code"`
	TimedOut      bool         `json:"timed_out"`
	Stdout        string       `json:"stdout"`
	Stderr        string       `json:"stderr"`
	MissingModule string       `json:"missing_module,omitempty"`
	DurationMS    int64        `json:"duration_ms"`
}

// InstallLog records one pip invocation.
type InstallLog struct {
	Packages []string `json:"packages"`
	Skipped  []string `json:"skipped,omitempty"`
	Reason   string   `json:"reason"`
	OK       bool     `json:"ok"`
	ExitCode int      `json:"exit_code"`
	TimedOut bool     `json:"timed_out"`
	Stdout   string   `json:"stdout,omitempty"`
	Stderr   string   `json:"stderr,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// Install reasons.
const (
	ReasonRequested   = "requested"
	ReasonAutoInstall = "auto_install"
)

// VenvError describes a failed virtual environment provisioning step.
type VenvError struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	EnvDir   string `json:"env_dir"`
	ExitCode int    `json:"exit_code"`
	TimedOut bool   `json:"timed_out"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
}

func (e *VenvError) Error() string {
	return e.Code + ": " + e.Message
}

func (e *VenvError) Unwrap() error {
	return ErrVenvInit
}

// ExecutionResult is what a caller receives for an admitted execution.
type ExecutionResult struct {
	OK                bool            `json:"ok"`
	RunID             string          `json:"run_id"`
	Error             string          `json:"error,omitempty"`
	VenvError         *VenvError      `json:"venv_error,omitempty"`
	TimedOut          bool            `json:"timed_out"`
	ExitCode          int             `json:"exit_code"`
	ImageURL          *string         `json:"image_url"`
	Artifacts         []Artifact      `json:"artifacts"`
	Stdout            string          `json:"stdout"`
	Stderr            string          `json:"stderr"`
	PythonExecutable  string          `json:"python_executable"`
	EnvironmentDir    *string         `json:"environment_dir"`
	ExecutionProfile  string          `json:"execution_profile"`
	AutoInstall       bool            `json:"auto_install"`
	RequestedPackages []string        `json:"requested_packages"`
	InstalledPackages []string        `json:"installed_packages"`
	InstallLogs       []InstallLog    `json:"install_logs"`
	Attempts          []AttemptRecord `json:"attempts"`
	MetaURL           string          `json:"meta_url"`
	BookkeepingErrors []string        `json:"bookkeeping_errors,omitempty"`
}

// RunRecord is the immutable audit entry persisted as meta.json.
type RunRecord struct {
	ExecutionResult

	ChartHint      string              `json:"chart_hint,omitempty"`
	StartedAt      time.Time           `json:"started_at"`
	FinishedAt     time.Time           `json:"finished_at"`
	DurationMS     int64               `json:"duration_ms"`
	CodeSHA256     string              `json:"code_sha256"`
	TimeoutSec     int                 `json:"timeout_sec"`
	MaxRetries     int                 `json:"max_retries"`
	SaveAs         string              `json:"save_as"`
	DroppedPkgs    []string            `json:"dropped_packages,omitempty"`
	ScriptPath     string              `json:"script_path"`
	OutputDir      string              `json:"output_dir"`
	RunDir         string              `json:"run_dir"`
	EnvScope       string              `json:"env_scope,omitempty"`
	SecurityEvents []monitor.Detection `json:"security_events,omitempty"`
	EnvGC          *PruneReport        `json:"env_gc,omitempty"`
}

// RunRecorder receives every finished run record, e.g. for an audit store.
// Implementations must not block.
type RunRecorder interface {
	RecordRun(rec *RunRecord)
}

func newRunRecord(runID string, n normalizedRequest) *RunRecord {
	return &RunRecord{
		ExecutionResult: ExecutionResult{
			RunID:             runID,
			Artifacts:         []Artifact{},
			ExecutionProfile:  n.profile.String(),
			AutoInstall:       n.autoInstall,
			RequestedPackages: append([]string{}, n.packages...),
			InstalledPackages: []string{},
			InstallLogs:       []InstallLog{},
			Attempts:          []AttemptRecord{},
		},
		ChartHint:   n.hint,
		TimeoutSec:  n.timeoutSec,
		MaxRetries:  n.maxRetries,
		SaveAs:      n.saveAs,
		DroppedPkgs: n.dropped,
	}
}
