package sandbox

import (
	"context"
	"regexp"
	"strings"
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"chart-exec-sandbox/internal/monitor"
)

// AttemptState is the lifecycle of one script attempt.
type AttemptState string

const (
	AttemptPending         AttemptState = "pending"
	AttemptRunning         AttemptState = "running"
	AttemptSucceeded       AttemptState = "succeeded"
	AttemptFailedRetryable AttemptState = "failed_retryable"
	AttemptFailedTerminal  AttemptState = "failed_terminal"
)

// Final reports whether no further attempt follows this state.
func (s AttemptState) Final() bool {
	return s == AttemptSucceeded || s == AttemptFailedTerminal
}

var missingModulePatterns = []*regexp.Regexp{
	regexp.MustCompile(`ModuleNotFoundError: No module named '([^']+)'`),
	regexp.MustCompile(`ImportError: No module named ([\w.]+)`),
}

// moduleAliases maps import names to the distribution that provides them.
var moduleAliases = map[string]string{
	"sklearn": "scikit-learn",
	"cv2":     "opencv-python",
	"PIL":     "pillow",
	"yaml":    "pyyaml",
	"bs4":     "beautifulsoup4",
}

// MissingModule extracts the top-level module name from an import failure in
// stderr, or "" when there is none.
func MissingModule(stderr string) string {
	for _, re := range missingModulePatterns {
		if m := re.FindStringSubmatch(stderr); m != nil {
			mod, _, _ := strings.Cut(strings.TrimSpace(m[1]), ".")
			return mod
		}
	}
	return ""
}

// PackageForModule returns the pip package that provides module, or false if
// the name is not installable.
func PackageForModule(module string) (string, bool) {
	if module == "" {
		return "", false
	}
	pkg := module
	if alias, ok := moduleAliases[module]; ok {
		pkg = alias
	}
	if !ValidPackage(pkg) {
		return "", false
	}
	return pkg, true
}

// attemptPlan is the fixed input of one attempt loop.
type attemptPlan struct {
	python      string
	script      string
	workDir     string
	env         []string
	timeout     time.Duration
	maxAttempts int
	autoInstall bool
	limits      []specs.POSIXRlimit
	strict      bool // fail the attempt when limits cannot be applied
}

// attemptOutcome is everything the loop produced.
type attemptOutcome struct {
	attempts  []AttemptRecord
	installs  []InstallLog
	installed []string
	final     commandResult
}

// nextState decides how an attempt ended and, for a retryable failure, which
// package to install before the next attempt.
func nextState(res commandResult, autoInstall bool, tried map[string]bool, attemptsLeft bool) (AttemptState, string, string) {
	if res.TimedOut {
		return AttemptFailedTerminal, "", ""
	}
	if res.Err == nil && res.ExitCode == 0 {
		return AttemptSucceeded, "", ""
	}
	module := MissingModule(res.Stderr)
	if module == "" || !autoInstall || !attemptsLeft {
		return AttemptFailedTerminal, module, ""
	}
	pkg, ok := PackageForModule(module)
	if !ok || tried[strings.ToLower(pkg)] {
		return AttemptFailedTerminal, module, ""
	}
	return AttemptFailedRetryable, module, pkg
}

// runAttempts executes the script up to plan.maxAttempts times. Only a
// missing-module failure under auto-install is retried; a timeout always ends
// the loop.
func (r *Runtime) runAttempts(ctx context.Context, runID string, plan attemptPlan) attemptOutcome {
	var out attemptOutcome
	tried := make(map[string]bool)

	for i := 1; i <= plan.maxAttempts; i++ {
		rec := AttemptRecord{Attempt: i, State: AttemptPending}

		actx, span := r.tracer.StartSpan(ctx, "attempt",
			monitor.AttrRunID.String(runID),
			monitor.AttrAttempt.Int(i),
		)
		rec.State = AttemptRunning
		log.Debug().Str("run_id", runID).Int("attempt", i).Str("state", string(rec.State)).Msg("attempt starting")
		res := runCommand(actx, commandSpec{
			Path:    plan.python,
			Args:    []string{"-u", "-B", plan.script},
			Dir:     plan.workDir,
			Env:     plan.env,
			Timeout: plan.timeout,
			Limits:  plan.limits,

			RequireLimits: plan.strict,
		})
		if res.TimedOut {
			res.Stderr = strings.TrimRight(res.Stderr, "\n")
			if res.Stderr != "" {
				res.Stderr += "\n"
			}
			res.Stderr += "process timed out"
		} else if res.Err != nil {
			res.Stderr += "\n" + res.Err.Error()
		}

		state, module, pkg := nextState(res, plan.autoInstall, tried, i < plan.maxAttempts)
		rec.State = state
		rec.ExitCode = res.ExitCode
		rec.TimedOut = res.TimedOut
		rec.Stdout = truncateOutput(res.Stdout, MaxCapturedChars)
		rec.Stderr = truncateOutput(res.Stderr, MaxCapturedChars)
		rec.MissingModule = module
		rec.DurationMS = res.Duration.Milliseconds()
		out.attempts = append(out.attempts, rec)
		out.final = res

		span.SetAttributes(
			monitor.AttrExitCode.Int(res.ExitCode),
			monitor.AttrTimedOut.Bool(res.TimedOut),
			attribute.String("state", string(state)),
		)
		span.End()
		r.metrics.RecordAttempt(string(state))

		if state != AttemptFailedRetryable {
			break
		}

		tried[strings.ToLower(pkg)] = true
		install := r.pipInstall(ctx, plan.python, []string{pkg}, r.pipTimeout, ReasonAutoInstall)
		out.installs = append(out.installs, install)
		if install.OK {
			out.installed = append(out.installed, pkg)
		}
	}
	return out
}
