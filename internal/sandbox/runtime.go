package sandbox

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"chart-exec-sandbox/internal/monitor"
	"chart-exec-sandbox/internal/policy"
)

// Options configures a Runtime.
type Options struct {
	UploadsDir        string
	AppRoot           string
	PythonBin         string
	MaxConcurrent     int
	AcquireTimeout    time.Duration
	ResourceLimits    bool
	VenvCreateTimeout time.Duration
	PipTimeout        time.Duration
	PipTimeoutCeiling time.Duration
	AllowedReadRoots  []string
	URLPrefix         string
	GC                GCPolicy

	Environ  func() []string
	Now      func() time.Time
	Metrics  *monitor.Metrics
	Tracer   *monitor.Tracer
	Detector *monitor.LeakDetector
	Recorder RunRecorder
}

// Runtime executes chart code. It owns the concurrency gate and serializes
// environment GC; independent Runtimes share nothing but the filesystem.
type Runtime struct {
	uploadsDir     string
	appRoot        string
	pythonBin      string
	gate           *Gate
	acquireTimeout time.Duration
	resourceLimits bool
	venvTimeout    time.Duration
	pipTimeout     time.Duration
	pipCeiling     time.Duration
	allowedRoots   []string
	urlPrefix      string
	gcBase         GCPolicy
	gcMu           sync.Mutex

	environ  func() []string
	now      func() time.Time
	metrics  *monitor.Metrics
	tracer   *monitor.Tracer
	detector *monitor.LeakDetector
	recorder RunRecorder
}

// NewRuntime creates a Runtime rooted at opts.UploadsDir.
func NewRuntime(opts Options) (*Runtime, error) {
	if strings.TrimSpace(opts.UploadsDir) == "" {
		return nil, fmt.Errorf("uploads dir is required")
	}
	uploads, err := filepath.Abs(opts.UploadsDir)
	if err != nil {
		return nil, fmt.Errorf("resolving uploads dir: %w", err)
	}
	if err := os.MkdirAll(uploads, 0o755); err != nil {
		return nil, fmt.Errorf("creating uploads dir: %w", err)
	}

	r := &Runtime{
		uploadsDir:     uploads,
		appRoot:        opts.AppRoot,
		pythonBin:      opts.PythonBin,
		gate:           NewGate(opts.MaxConcurrent),
		acquireTimeout: opts.AcquireTimeout,
		resourceLimits: opts.ResourceLimits,
		venvTimeout:    opts.VenvCreateTimeout,
		pipTimeout:     opts.PipTimeout,
		pipCeiling:     opts.PipTimeoutCeiling,
		allowedRoots:   opts.AllowedReadRoots,
		urlPrefix:      opts.URLPrefix,
		gcBase:         opts.GC,
		environ:        opts.Environ,
		now:            opts.Now,
		metrics:        opts.Metrics,
		tracer:         opts.Tracer,
		detector:       opts.Detector,
		recorder:       opts.Recorder,
	}
	if r.pythonBin == "" {
		r.pythonBin = "python3"
	}
	if r.venvTimeout <= 0 {
		r.venvTimeout = DefaultVenvCreateTimeout
	}
	if r.pipCeiling <= 0 || r.pipCeiling > PipTimeoutCeiling {
		r.pipCeiling = PipTimeoutCeiling
	}
	if r.pipTimeout <= 0 {
		r.pipTimeout = DefaultPipTimeout
	}
	if r.environ == nil {
		r.environ = os.Environ
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.metrics == nil {
		r.metrics = monitor.NewMetrics()
	}
	if r.tracer == nil {
		r.tracer = monitor.NewTracer()
	}
	if r.detector == nil {
		r.detector = monitor.NewLeakDetector()
	}
	return r, nil
}

// UploadsDir returns the absolute uploads root.
func (r *Runtime) UploadsDir() string { return r.uploadsDir }

// GateStats returns the concurrency gate counters.
func (r *Runtime) GateStats() GateStats { return r.gate.Stats() }

// Execute runs one chart request to completion. Rejections (missing code,
// busy gate, blocked scan) return a nil result and an error and leave no
// trace on disk. Every admitted request returns a result; provisioning and
// script failures are described inside it.
func (r *Runtime) Execute(ctx context.Context, req ExecutionRequest) (result *ExecutionResult, err error) {
	if strings.TrimSpace(req.PythonCode) == "" {
		r.metrics.RecordError(CodeMissingPythonCode)
		return nil, ErrMissingCode
	}

	if !r.gate.TryAcquire(ctx, r.acquireTimeout) {
		r.metrics.GateRejections.Inc()
		r.metrics.RecordError(CodeBusy)
		log.Warn().Int("capacity", r.gate.Stats().Capacity).Msg("chart execution rejected, gate busy")
		return nil, ErrBusy
	}
	defer r.gate.Release()

	r.metrics.ActiveExecutions.Inc()
	defer r.metrics.ActiveExecutions.Dec()

	defer func() {
		if p := recover(); p != nil {
			log.Error().
				Interface("panic", p).
				Bytes("stack", debug.Stack()).
				Msg("panic during chart execution")
			r.metrics.RecordError(CodeInternal)
			result, err = nil, &ExecutionError{Op: "execute", Err: ErrInternal}
		}
	}()

	n := normalizeRequest(req)
	r.metrics.CodeSizeBytes.Observe(float64(len(n.code)))

	if vs := policy.ScanCode(n.code, n.profile); len(vs) > 0 {
		serr := &ScanError{Violations: vs}
		for _, name := range serr.Names() {
			r.metrics.RecordScanViolation(name)
		}
		r.metrics.RecordError(CodeScanBlocked)
		log.Warn().
			Str("profile", n.profile.String()).
			Strs("violations", serr.Names()).
			Msg("chart code blocked by scan")
		return nil, serr
	}

	return r.execute(ctx, n)
}

func (r *Runtime) execute(ctx context.Context, n normalizedRequest) (*ExecutionResult, error) {
	runID := newRunID()
	codeHash := fmt.Sprintf("%x", sha256.Sum256([]byte(n.code)))
	logger := log.With().
		Str("run_id", runID).
		Str("profile", n.profile.String()).
		Str("code_hash", codeHash[:16]).
		Logger()
	if n.hint != "" {
		logger = logger.With().Str("chart_hint", n.hint).Logger()
	}

	ctx, span := r.tracer.StartSpan(ctx, "execute",
		monitor.AttrRunID.String(runID),
		monitor.AttrProfile.String(n.profile.String()),
		monitor.AttrCodeHash.String(codeHash),
	)
	defer span.End()

	started := r.now()
	logger.Info().
		Int("timeout_sec", n.timeoutSec).
		Int("max_retries", n.maxRetries).
		Bool("auto_install", n.autoInstall).
		Strs("packages", n.packages).
		Msg("chart execution started")

	paths := newRunPaths(r.uploadsDir, runID)
	if err := paths.create(); err != nil {
		return nil, &ExecutionError{RunID: runID, Op: "create_run_dirs", Err: err}
	}

	rec := newRunRecord(runID, n)
	rec.StartedAt = started.UTC()
	rec.CodeSHA256 = codeHash
	rec.ScriptPath = paths.ScriptPath
	rec.OutputDir = paths.OutputDir
	rec.RunDir = paths.RunDir
	rec.MetaURL = metaURL(r.urlPrefix, runID)
	res := &rec.ExecutionResult

	if err := os.WriteFile(paths.InputPath, n.inputJSON, 0o644); err != nil {
		res.BookkeepingErrors = append(res.BookkeepingErrors, "write input.json: "+err.Error())
	}

	mainImage := filepath.Join(paths.OutputDir, n.saveAs)
	guard := ""
	if n.profile.RequiresGuard() {
		guard = policy.FilesystemGuardSource(paths.OutputDir, r.readRoots())
	}
	script, err := BuildRunnerScript(ScriptParams{
		Code:      n.code,
		InputJSON: n.inputJSON,
		OutputDir: paths.OutputDir,
		ImagePath: mainImage,
		Guard:     guard,
	})
	if err != nil {
		return nil, &ExecutionError{RunID: runID, Op: "build_script", Err: err}
	}
	if err := os.WriteFile(paths.ScriptPath, []byte(script), 0o644); err != nil {
		return nil, &ExecutionError{RunID: runID, Op: "write_script", Err: err}
	}

	python := r.pythonBin
	var envDir string
	useVenv := n.autoInstall || len(n.packages) > 0
	if useVenv {
		scope := EnvScope(n.packages)
		envDir = filepath.Join(r.envRoot(), scope)
		rec.EnvScope = scope
		span.SetAttributes(monitor.AttrScope.String(scope))

		if err := os.MkdirAll(envDir, 0o755); err != nil {
			return nil, &ExecutionError{RunID: runID, Op: "create_env_dir", Err: err}
		}
		leaseTTL := time.Duration(LoadGCPolicy(r.gcBase).LeaseTTLSec) * time.Second
		release, err := holdLease(envDir, runID, leaseRefreshInterval(leaseTTL), r.now)
		if err != nil {
			res.BookkeepingErrors = append(res.BookkeepingErrors, "acquire lease: "+err.Error())
			logger.Warn().Err(err).Msg("failed to create env lease")
		}
		defer func() {
			if err := release(); err != nil {
				logger.Warn().Err(err).Msg("failed to release env lease")
			}
		}()

		py, verr := r.ensureVenv(ctx, envDir)
		if verr != nil {
			logger.Error().
				Str("code", verr.Code).
				Str("env_dir", envDir).
				Msg(verr.Message)
			span.SetStatus(codes.Error, verr.Code)
			res.Error = CodeVenvInitFailed
			res.VenvError = verr
			res.ExitCode = -1
			res.PythonExecutable = r.pythonBin
			r.finish(rec, &paths, logger)
			return res, nil
		}
		python = py
		res.EnvironmentDir = &envDir

		meta, err := touchEnvMeta(envDir, scope, r.now(), nil)
		if err != nil {
			res.BookkeepingErrors = append(res.BookkeepingErrors, "update env meta: "+err.Error())
		}

		if len(n.packages) > 0 {
			missing, present := meta.missingFrom(n.packages)
			install := r.pipInstall(ctx, python, missing, r.pipTimeout, ReasonRequested)
			install.Skipped = present
			res.InstallLogs = append(res.InstallLogs, install)
			if install.OK {
				res.InstalledPackages = append(res.InstalledPackages, missing...)
			} else {
				// Execution proceeds; the attempt loop may still recover.
				logger.Warn().
					Strs("packages", missing).
					Str("error", install.Error).
					Msg("requested package install failed")
			}
		}
	}
	res.PythonExecutable = python

	env := policy.SanitizedEnv(n.profile, r.environ())
	env["MPLBACKEND"] = "Agg"
	env["PYTHONIOENCODING"] = "utf-8"
	env["PYTHONUNBUFFERED"] = "1"
	env["PYTHONDONTWRITEBYTECODE"] = "1"
	env["CHART_OUTPUT_DIR"] = paths.OutputDir
	env["MPLCONFIGDIR"] = paths.MPLConfig
	if envDir != "" {
		env["VIRTUAL_ENV"] = envDir
		env["PATH"] = prependPath(venvBinDir(envDir), env["PATH"])
	}

	plan := attemptPlan{
		python:      python,
		script:      paths.ScriptPath,
		workDir:     paths.RunDir,
		env:         policy.EnvList(env),
		timeout:     time.Duration(n.timeoutSec) * time.Second,
		maxAttempts: n.maxRetries,
		autoInstall: n.autoInstall,
	}
	if r.resourceLimits {
		plan.limits = policy.ResourceLimits(n.profile, n.timeoutSec)
		plan.strict = n.profile == policy.ProfileSandboxed
	}

	outcome := r.runAttempts(ctx, runID, plan)
	res.Attempts = append(res.Attempts, outcome.attempts...)
	res.InstallLogs = append(res.InstallLogs, outcome.installs...)
	res.InstalledPackages = append(res.InstalledPackages, outcome.installed...)
	if envDir != "" && len(res.InstalledPackages) > 0 {
		if _, err := touchEnvMeta(envDir, rec.EnvScope, r.now(), res.InstalledPackages); err != nil {
			res.BookkeepingErrors = append(res.BookkeepingErrors, "update env meta: "+err.Error())
		}
	}

	final := outcome.final
	res.ExitCode = final.ExitCode
	res.TimedOut = final.TimedOut
	res.Stdout = truncateOutput(final.Stdout, MaxCapturedChars)
	res.Stderr = truncateOutput(final.Stderr, MaxCapturedChars)
	r.metrics.OutputSizeBytes.Observe(float64(len(final.Stdout) + len(final.Stderr)))

	if err := os.WriteFile(paths.StdoutPath, []byte(res.Stdout), 0o644); err != nil {
		res.BookkeepingErrors = append(res.BookkeepingErrors, "write stdout.txt: "+err.Error())
	}
	if err := os.WriteFile(paths.StderrPath, []byte(res.Stderr), 0o644); err != nil {
		res.BookkeepingErrors = append(res.BookkeepingErrors, "write stderr.txt: "+err.Error())
	}

	artifacts, err := collectArtifacts(paths.OutputDir, runID, r.urlPrefix)
	if err != nil {
		res.BookkeepingErrors = append(res.BookkeepingErrors, "collect artifacts: "+err.Error())
	}
	res.Artifacts = append(res.Artifacts, artifacts...)
	if img := pickImage(res.Artifacts, parseImageMarker(final.Stdout), paths.OutputDir); img != nil {
		u := img.URL
		res.ImageURL = &u
	}
	res.OK = res.ExitCode == 0 && !res.TimedOut && res.ImageURL != nil

	for _, stream := range []struct{ name, text string }{{"stdout", final.Stdout}, {"stderr", final.Stderr}} {
		for _, d := range r.detector.AnalyzeOutput(stream.name, stream.text) {
			rec.SecurityEvents = append(rec.SecurityEvents, d)
			r.metrics.RecordSecurityEvent(d.Pattern)
		}
	}

	var keep []string
	if rec.EnvScope != "" {
		keep = []string{rec.EnvScope}
	}
	_, gcSpan := r.tracer.StartSpan(ctx, "gc")
	rec.EnvGC = r.MaybePruneEnvs(keep, r.now())
	gcSpan.SetAttributes(attribute.Int("deleted", len(rec.EnvGC.Deleted)), attribute.String("skipped", rec.EnvGC.Skipped))
	gcSpan.End()

	span.SetAttributes(
		monitor.AttrExitCode.Int(res.ExitCode),
		monitor.AttrTimedOut.Bool(res.TimedOut),
		monitor.AttrDurationMS.Int64(r.now().Sub(started).Milliseconds()),
	)
	if !res.OK {
		span.SetStatus(codes.Error, "chart execution failed")
	}
	r.finish(rec, &paths, logger)
	return res, nil
}

// readRoots are the directories the filesystem guard lets user code read.
func (r *Runtime) readRoots() []string {
	roots := make([]string, 0, len(r.allowedRoots)+1)
	if r.appRoot != "" {
		roots = append(roots, r.appRoot)
	}
	return append(roots, r.allowedRoots...)
}

// finish stamps the record, writes meta.json once and hands it to the recorder.
func (r *Runtime) finish(rec *RunRecord, paths *runPaths, logger zerolog.Logger) {
	finished := r.now()
	rec.FinishedAt = finished.UTC()
	rec.DurationMS = finished.Sub(rec.StartedAt).Milliseconds()

	if err := writeMetaOnce(paths.MetaPath, rec); err != nil {
		rec.BookkeepingErrors = append(rec.BookkeepingErrors, "write meta.json: "+err.Error())
		logger.Error().Err(err).Msg("failed to write run meta")
	}

	status := "ok"
	switch {
	case rec.Error != "":
		status = rec.Error
		r.metrics.RecordError(rec.Error)
	case rec.TimedOut:
		status = "timeout"
	case !rec.OK:
		status = "failed"
	}
	r.metrics.RecordExecution(rec.ExecutionProfile, status, float64(rec.DurationMS)/1000)

	if r.recorder != nil {
		r.recorder.RecordRun(rec)
	}

	logger.Info().
		Bool("ok", rec.OK).
		Int("exit_code", rec.ExitCode).
		Bool("timed_out", rec.TimedOut).
		Int("attempts", len(rec.Attempts)).
		Int("artifacts", len(rec.Artifacts)).
		Dur("duration", time.Duration(rec.DurationMS)*time.Millisecond).
		Msg("chart execution completed")
}
