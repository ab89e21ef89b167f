package sandbox

import (
	"context"
	"crypto/sha1" // #nosec G505 -- scope key, not a security boundary
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	goruntime "runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"chart-exec-sandbox/internal/monitor"
	"chart-exec-sandbox/internal/policy"
)

const (
	envRootDirName   = "chart_envs"
	envMetaFile      = ".env_meta.json"
	gcStateFile      = ".env_gc_state.json"
	leasePrefix      = ".lease_"
	AutoDefaultScope = "auto_default"

	// PipTimeoutCeiling is the hard upper bound for a single pip install.
	PipTimeoutCeiling = 600 * time.Second

	DefaultVenvCreateTimeout = 180 * time.Second
	DefaultPipTimeout        = 300 * time.Second
)

// Venv failure codes.
const (
	VenvCreateFailed  = "venv_create_failed"
	VenvPythonMissing = "venv_python_missing"
)

// EnvScope returns the environment key for a package set. The result does
// not depend on order or letter case.
func EnvScope(packages []string) string {
	norm := normalizeScopeSet(packages)
	if len(norm) == 0 {
		return AutoDefaultScope
	}
	sum := sha1.Sum([]byte(strings.Join(norm, ","))) // #nosec G401
	return "pkg_" + hex.EncodeToString(sum[:])[:12]
}

func normalizeScopeSet(packages []string) []string {
	seen := make(map[string]bool, len(packages))
	out := make([]string, 0, len(packages))
	for _, p := range packages {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// envMeta is the sidecar file kept in every environment directory.
type envMeta struct {
	Scope      string   `json:"scope"`
	Packages   []string `json:"packages"`
	CreatedTS  float64  `json:"created_ts"`
	LastUsedTS float64  `json:"last_used_ts"`
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func fromUnixSeconds(ts float64) time.Time {
	return time.Unix(0, int64(ts*1e9))
}

func readEnvMeta(envDir string) (envMeta, error) {
	var m envMeta
	data, err := os.ReadFile(filepath.Join(envDir, envMetaFile))
	if err != nil {
		return m, err
	}
	err = json.Unmarshal(data, &m)
	return m, err
}

// writeJSONAtomic replaces path with the JSON encoding of v.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

// touchEnvMeta records a use of the environment and merges newly installed
// packages into its installed set.
func touchEnvMeta(envDir, scope string, now time.Time, installed []string) (envMeta, error) {
	m, err := readEnvMeta(envDir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Str("env_dir", envDir).Msg("unreadable env metadata, rewriting")
	}
	if m.CreatedTS == 0 {
		m.CreatedTS = unixSeconds(now)
	}
	m.Scope = scope
	m.LastUsedTS = unixSeconds(now)
	m.Packages = normalizeScopeSet(append(m.Packages, installed...))
	return m, writeJSONAtomic(filepath.Join(envDir, envMetaFile), m)
}

// missingFrom returns the packages not yet recorded as installed.
func (m envMeta) missingFrom(packages []string) (missing, present []string) {
	have := make(map[string]bool, len(m.Packages))
	for _, p := range m.Packages {
		have[strings.ToLower(p)] = true
	}
	for _, p := range packages {
		if have[strings.ToLower(p)] {
			present = append(present, p)
		} else {
			missing = append(missing, p)
		}
	}
	return missing, present
}

func leasePath(envDir, runID string) string {
	return filepath.Join(envDir, leasePrefix+runID)
}

func acquireLease(envDir, runID string) error {
	f, err := os.OpenFile(leasePath(envDir, runID), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

func releaseLease(envDir, runID string) error {
	err := os.Remove(leasePath(envDir, runID))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// leaseRefreshInterval is how often a held lease is touched so that it never
// looks older than ttl to a GC pass. Zero means leases do not expire.
func leaseRefreshInterval(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return 0
	}
	iv := ttl / 3
	if iv > time.Minute {
		iv = time.Minute
	}
	if iv < 50*time.Millisecond {
		iv = 50 * time.Millisecond
	}
	return iv
}

// holdLease creates the lease for runID and keeps its mtime fresh every
// interval until the returned release func is called. A lease removed while
// held is recreated on the next tick.
func holdLease(envDir, runID string, interval time.Duration, now func() time.Time) (release func() error, err error) {
	if err := acquireLease(envDir, runID); err != nil {
		return func() error { return releaseLease(envDir, runID) }, err
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		if interval <= 0 {
			<-stop
			return
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ts := now()
				err := os.Chtimes(leasePath(envDir, runID), ts, ts)
				if errors.Is(err, os.ErrNotExist) {
					err = acquireLease(envDir, runID)
				}
				if err != nil {
					log.Warn().Err(err).Str("env_dir", envDir).Str("run_id", runID).Msg("failed to refresh env lease")
				}
			}
		}
	}()

	var once sync.Once
	return func() error {
		once.Do(func() {
			close(stop)
			<-done
		})
		return releaseLease(envDir, runID)
	}, nil
}

// venvPython is the interpreter path inside a virtual environment.
func venvPython(envDir string) string {
	if goruntime.GOOS == "windows" {
		return filepath.Join(envDir, "Scripts", "python.exe")
	}
	return filepath.Join(envDir, "bin", "python")
}

func venvBinDir(envDir string) string {
	return filepath.Dir(venvPython(envDir))
}

func isRegularFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func (r *Runtime) envRoot() string {
	return filepath.Join(r.uploadsDir, envRootDirName)
}

func (r *Runtime) provisioningEnv(envDir string) []string {
	env := policy.ProvisioningEnv(r.environ())
	if envDir != "" {
		env["VIRTUAL_ENV"] = envDir
		env["PATH"] = prependPath(venvBinDir(envDir), env["PATH"])
	}
	env["PYTHONIOENCODING"] = "utf-8"
	env["PIP_DISABLE_PIP_VERSION_CHECK"] = "1"
	return policy.EnvList(env)
}

func prependPath(dir, path string) string {
	if path == "" {
		return dir
	}
	return dir + string(os.PathListSeparator) + path
}

// ensureVenv returns the interpreter of the environment at envDir, creating
// the environment first if its interpreter is missing.
func (r *Runtime) ensureVenv(ctx context.Context, envDir string) (string, *VenvError) {
	py := venvPython(envDir)
	if isRegularFile(py) {
		return py, nil
	}

	ctx, span := r.tracer.StartSpan(ctx, "venv", attribute.String("env_dir", envDir))
	defer span.End()

	if err := os.MkdirAll(filepath.Dir(envDir), 0o755); err != nil {
		return "", &VenvError{Code: VenvCreateFailed, Message: err.Error(), EnvDir: envDir, ExitCode: -1}
	}
	log.Info().Str("env_dir", envDir).Msg("creating chart virtual environment")
	res := runCommand(ctx, commandSpec{
		Path:    r.pythonBin,
		Args:    []string{"-m", "venv", "--system-site-packages", envDir},
		Dir:     filepath.Dir(envDir),
		Env:     r.provisioningEnv(""),
		Timeout: r.venvTimeout,
	})

	if res.Err != nil || res.TimedOut || res.ExitCode != 0 {
		msg := fmt.Sprintf("%s -m venv exited with code %d", r.pythonBin, res.ExitCode)
		switch {
		case res.TimedOut:
			msg = fmt.Sprintf("venv creation timed out after %s", r.venvTimeout)
		case res.Err != nil:
			msg = res.Err.Error()
		}
		return "", &VenvError{
			Code:     VenvCreateFailed,
			Message:  msg,
			EnvDir:   envDir,
			ExitCode: res.ExitCode,
			TimedOut: res.TimedOut,
			Stdout:   truncateOutput(res.Stdout, MaxCapturedChars),
			Stderr:   truncateOutput(res.Stderr, MaxCapturedChars),
		}
	}

	if !isRegularFile(py) {
		return "", &VenvError{
			Code:    VenvPythonMissing,
			Message: "virtual environment has no interpreter at " + py,
			EnvDir:  envDir,
			Stdout:  truncateOutput(res.Stdout, MaxCapturedChars),
			Stderr:  truncateOutput(res.Stderr, MaxCapturedChars),
		}
	}
	return py, nil
}

// pipInstall installs packages with the given interpreter. It never returns
// an error; failures are described in the returned log.
func (r *Runtime) pipInstall(ctx context.Context, python string, packages []string, timeout time.Duration, reason string) InstallLog {
	entry := InstallLog{
		Packages: append([]string{}, packages...),
		Reason:   reason,
	}
	if len(packages) == 0 {
		entry.OK = true
		return entry
	}
	if timeout <= 0 || timeout > r.pipCeiling {
		timeout = r.pipCeiling
	}

	ctx, span := r.tracer.StartSpan(ctx, "pip",
		monitor.AttrPackages.StringSlice(packages),
		attribute.String("reason", reason),
	)
	defer span.End()

	envDir := filepath.Dir(filepath.Dir(python))
	args := append([]string{"-m", "pip", "install", "--disable-pip-version-check", "--no-input"}, packages...)
	res := runCommand(ctx, commandSpec{
		Path:    python,
		Args:    args,
		Dir:     envDir,
		Env:     r.provisioningEnv(envDir),
		Timeout: timeout,
	})

	entry.ExitCode = res.ExitCode
	entry.TimedOut = res.TimedOut
	entry.Stdout = truncateOutput(res.Stdout, MaxCapturedChars)
	entry.Stderr = truncateOutput(res.Stderr, MaxCapturedChars)
	switch {
	case res.TimedOut:
		entry.Error = fmt.Sprintf("pip install timed out after %s", timeout)
	case res.Err != nil:
		entry.Error = res.Err.Error()
	case res.ExitCode != 0:
		entry.Error = fmt.Sprintf("pip install exited with code %d", res.ExitCode)
	default:
		entry.OK = true
	}

	r.metrics.RecordPipInstall(reason, entry.OK)
	log.Info().
		Strs("packages", packages).
		Str("reason", reason).
		Bool("ok", entry.OK).
		Int("exit_code", entry.ExitCode).
		Dur("duration", res.Duration).
		Msg("pip install finished")
	return entry
}
