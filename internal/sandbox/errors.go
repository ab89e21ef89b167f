package sandbox

import (
	"errors"
	"fmt"
	"strings"

	"chart-exec-sandbox/internal/policy"
)

// Sentinel errors for typed error checking.
var (
	ErrMissingCode     = errors.New("python_code is required")
	ErrBusy            = errors.New("all chart execution slots are busy")
	ErrCodeScanBlocked = errors.New("code blocked by sandbox scan")
	ErrVenvInit        = errors.New("virtual environment initialization failed")
	ErrInvalidRunID    = errors.New("invalid run id")
	ErrInternal        = errors.New("internal chart execution error")
)

// Wire codes reported to callers.
const (
	CodeMissingPythonCode = "missing_python_code"
	CodeScanBlocked       = "code_scan_blocked"
	CodeBusy              = "chart_exec_busy"
	CodeVenvInitFailed    = "venv_init_failed"
	CodeInternal          = "chart_exec_internal_error"
)

// ExecutionError wraps errors with execution context.
type ExecutionError struct {
	RunID string
	Op    string // The operation that failed
	Err   error
}

func (e *ExecutionError) Error() string {
	if e.RunID != "" {
		return fmt.Sprintf("run %s: %s: %s", e.RunID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// ScanError is returned when sandboxed code trips the dangerous-construct scan.
type ScanError struct {
	Violations []policy.Violation
}

func (e *ScanError) Error() string {
	return fmt.Sprintf("%s: %s", ErrCodeScanBlocked, strings.Join(e.Names(), ", "))
}

func (e *ScanError) Unwrap() error {
	return ErrCodeScanBlocked
}

// Names returns the distinct violated pattern names.
func (e *ScanError) Names() []string {
	return policy.ViolationNames(e.Violations)
}

// ErrorCode maps an error returned by Runtime.Execute to its wire code.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMissingCode):
		return CodeMissingPythonCode
	case errors.Is(err, ErrBusy):
		return CodeBusy
	case errors.Is(err, ErrCodeScanBlocked):
		return CodeScanBlocked
	case errors.Is(err, ErrVenvInit):
		return CodeVenvInitFailed
	default:
		return CodeInternal
	}
}

// IsBusy returns true if the error is a gate rejection.
func IsBusy(err error) bool {
	return errors.Is(err, ErrBusy)
}

// IsScanBlocked returns true if the error is a code scan rejection.
func IsScanBlocked(err error) bool {
	return errors.Is(err, ErrCodeScanBlocked)
}
