package sandbox

import (
	"encoding/json"
	"path"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"chart-exec-sandbox/internal/policy"
)

const (
	DefaultTimeoutSec = 120
	MaxTimeoutSec     = 3600
	DefaultMaxRetries = 1
	MaxRetriesLimit   = 6
	MaxPackages       = 24
	DefaultImageName  = "main.png"

	maxSaveAsLen = 80
)

// ExecutionRequest is a single chart execution as submitted by a caller.
type ExecutionRequest struct {
	PythonCode       string   `json:"python_code"`
	InputData        any      `json:"input_data,omitempty"`
	ExecutionProfile string   `json:"execution_profile,omitempty"`
	TimeoutSec       int      `json:"timeout_sec,omitempty"`
	MaxRetries       int      `json:"max_retries,omitempty"`
	AutoInstall      bool     `json:"auto_install,omitempty"`
	Packages         []string `json:"packages,omitempty"`
	SaveAs           string   `json:"save_as,omitempty"`
	ChartHint        string   `json:"chart_hint,omitempty"`
}

// packagePattern accepts a distribution name with optional extras and a single
// version constraint, e.g. "pandas", "scikit-learn==1.4.2", "uvicorn[standard]>=0.29".
var packagePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,99}(\[[A-Za-z0-9._,-]{1,64}\])?((==|>=|<=|~=|!=|>|<)[A-Za-z0-9.*+!_-]{1,64})?$`)

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// ValidPackage reports whether token is an acceptable package spec.
func ValidPackage(token string) bool {
	return packagePattern.MatchString(token)
}

type normalizedRequest struct {
	code        string
	inputJSON   []byte
	profile     policy.Profile
	timeoutSec  int
	maxRetries  int
	autoInstall bool
	packages    []string
	dropped     []string
	saveAs      string
	hint        string
}

func normalizeRequest(req ExecutionRequest) normalizedRequest {
	n := normalizedRequest{
		code:        req.PythonCode,
		profile:     policy.ParseProfile(req.ExecutionProfile),
		timeoutSec:  clampInt(req.TimeoutSec, DefaultTimeoutSec, 1, MaxTimeoutSec),
		maxRetries:  clampInt(req.MaxRetries, DefaultMaxRetries, 1, MaxRetriesLimit),
		autoInstall: req.AutoInstall,
		saveAs:      SanitizeSaveAs(req.SaveAs),
		hint:        strings.TrimSpace(req.ChartHint),
	}
	n.packages, n.dropped = NormalizePackages(req.Packages)
	if len(n.dropped) > 0 {
		log.Warn().Strs("dropped", n.dropped).Msg("ignoring invalid package specs")
	}

	input, err := json.Marshal(req.InputData)
	if err != nil {
		log.Warn().Err(err).Msg("input_data is not JSON-serializable, passing null")
		input = []byte("null")
	}
	n.inputJSON = input
	return n
}

// clampInt returns def for zero, otherwise v bounded to [lo, hi].
func clampInt(v, def, lo, hi int) int {
	if v == 0 {
		v = def
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// NormalizePackages trims, validates and case-insensitively deduplicates
// package specs, keeping first-seen order and at most MaxPackages entries.
// Invalid specs are returned separately.
func NormalizePackages(raw []string) (valid, dropped []string) {
	seen := make(map[string]bool, len(raw))
	for _, p := range raw {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !ValidPackage(p) {
			dropped = append(dropped, p)
			continue
		}
		key := strings.ToLower(p)
		if seen[key] {
			continue
		}
		if len(valid) >= MaxPackages {
			dropped = append(dropped, p)
			continue
		}
		seen[key] = true
		valid = append(valid, p)
	}
	return valid, dropped
}

// SanitizeSaveAs turns a caller-supplied file name into a safe .png base name.
func SanitizeSaveAs(name string) string {
	name = strings.TrimSpace(strings.ReplaceAll(name, `\`, "/"))
	if name == "" {
		return DefaultImageName
	}
	base := path.Base(name)
	stem := strings.TrimSuffix(base, path.Ext(base))
	stem = unsafeFileChars.ReplaceAllString(stem, "_")
	stem = strings.TrimLeft(stem, "._-")
	if stem == "" {
		return DefaultImageName
	}
	if limit := maxSaveAsLen - len(".png"); len(stem) > limit {
		stem = stem[:limit]
	}
	return stem + ".png"
}

// newRunID returns an opaque run identifier of the form chr_<12 hex>.
func newRunID() string {
	return "chr_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}
