package policy

import (
	"regexp"
	"strings"
)

// Violation is one dangerous construct found in submitted chart code.
type Violation struct {
	Pattern string `json:"pattern"`
	Line    int    `json:"line"`
	Detail  string `json:"detail"`
}

// ScanPattern is a named regex in the code-scan table.
type ScanPattern struct {
	Name        string
	Description string
	Regex       *regexp.Regexp
}

// scanPatterns is checked in order; violation names are reported in this order.
var scanPatterns = []ScanPattern{
	{
		Name:        "os.system",
		Description: "shell command execution",
		Regex:       regexp.MustCompile(`\bos\s*\.\s*system\s*\(`),
	},
	{
		Name:        "subprocess",
		Description: "process spawning via subprocess",
		Regex:       regexp.MustCompile(`\bsubprocess\b`),
	},
	{
		Name:        "os.popen",
		Description: "shell pipe",
		Regex:       regexp.MustCompile(`\bos\s*\.\s*popen\s*\(`),
	},
	{
		Name:        "os.exec",
		Description: "process image replacement",
		Regex:       regexp.MustCompile(`\bos\s*\.\s*exec(l|le|lp|lpe|v|ve|vp|vpe)\s*\(`),
	},
	{
		Name:        "os.spawn",
		Description: "process spawning via os.spawn*",
		Regex:       regexp.MustCompile(`\bos\s*\.\s*(spawn\w*|posix_spawn\w*)\s*\(`),
	},
	{
		Name:        "os.fork",
		Description: "process forking",
		Regex:       regexp.MustCompile(`\bos\s*\.\s*fork(pty)?\s*\(`),
	},
	{
		Name:        "eval",
		Description: "dynamic evaluation",
		Regex:       regexp.MustCompile(`(^|[^\w.])eval\s*\(`),
	},
	{
		Name:        "exec",
		Description: "dynamic execution",
		Regex:       regexp.MustCompile(`(^|[^\w.])exec\s*\(`),
	},
	{
		Name:        "__import__",
		Description: "dynamic import",
		Regex:       regexp.MustCompile(`\b__import__\s*\(`),
	},
	{
		Name:        "importlib",
		Description: "dynamic import via importlib",
		Regex:       regexp.MustCompile(`\bimportlib\b`),
	},
	{
		Name:        "socket",
		Description: "raw network socket",
		Regex:       regexp.MustCompile(`\bsocket\s*\.\s*(socket|create_connection|create_server)\b|\bimport\s+socket\b|\bfrom\s+socket\s+import\b`),
	},
	{
		Name:        "shutil.rmtree",
		Description: "recursive directory removal",
		Regex:       regexp.MustCompile(`\bshutil\s*\.\s*rmtree\s*\(`),
	},
	{
		Name:        "os.remove",
		Description: "file or directory removal",
		Regex:       regexp.MustCompile(`\bos\s*\.\s*(remove|unlink|rmdir|removedirs)\s*\(`),
	},
	{
		Name:        "os.kill",
		Description: "signalling other processes",
		Regex:       regexp.MustCompile(`\bos\s*\.\s*(kill|killpg)\s*\(`),
	},
	{
		Name:        "signal",
		Description: "signal handler manipulation",
		Regex:       regexp.MustCompile(`\bsignal\s*\.\s*(signal|alarm|setitimer|pthread_kill)\s*\(|\bimport\s+signal\b`),
	},
	{
		Name:        "ctypes",
		Description: "native code access",
		Regex:       regexp.MustCompile(`\bctypes\b`),
	},
	{
		Name:        "pty",
		Description: "pseudo-terminal spawning",
		Regex:       regexp.MustCompile(`\bpty\s*\.\s*spawn\s*\(|\bimport\s+pty\b`),
	},
}

// ScanCode checks chart code against the dangerous-construct table. Only the
// sandboxed profile is scanned; for every other profile, and for clean code,
// the result is nil.
func ScanCode(code string, profile Profile) []Violation {
	if !profile.RequiresScan() {
		return nil
	}

	var violations []Violation
	lines := strings.Split(code, "\n")
	for _, p := range scanPatterns {
		for i, line := range lines {
			if p.Regex.MatchString(line) {
				violations = append(violations, Violation{
					Pattern: p.Name,
					Line:    i + 1,
					Detail:  p.Description,
				})
			}
		}
	}
	return violations
}

// ViolationNames returns the distinct pattern names of vs, in table order.
func ViolationNames(vs []Violation) []string {
	if len(vs) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(vs))
	names := make([]string, 0, len(vs))
	for _, v := range vs {
		if seen[v.Pattern] {
			continue
		}
		seen[v.Pattern] = true
		names = append(names, v.Pattern)
	}
	return names
}
