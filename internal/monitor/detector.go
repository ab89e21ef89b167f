package monitor

import (
	"regexp"

	"github.com/rs/zerolog/log"
)

// LeakDetector scans execution output for host information that chart code
// should never be able to see.
type LeakDetector struct {
	patterns []DetectionPattern
}

// DetectionPattern defines a suspicious pattern to match.
type DetectionPattern struct {
	Name        string
	Description string
	Regex       *regexp.Regexp
	Severity    Severity
}

// Severity levels for detected threats.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Detection represents a detected suspicious pattern.
type Detection struct {
	Pattern  string `json:"pattern"`
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
	Stream   string `json:"stream,omitempty"`
}

// NewLeakDetector creates a detector with default patterns.
func NewLeakDetector() *LeakDetector {
	return &LeakDetector{
		patterns: defaultPatterns(),
	}
}

// AnalyzeOutput checks one output stream for signs of leaked host data. Each
// pattern is reported at most once per stream.
func (d *LeakDetector) AnalyzeOutput(stream, output string) []Detection {
	if output == "" {
		return nil
	}

	var detections []Detection
	for _, p := range d.patterns {
		if !p.Regex.MatchString(output) {
			continue
		}
		detections = append(detections, Detection{
			Pattern:  p.Name,
			Severity: p.Severity.String(),
			Detail:   p.Description,
			Stream:   stream,
		})

		log.Warn().
			Str("pattern", p.Name).
			Str("severity", p.Severity.String()).
			Str("stream", stream).
			Msg("suspicious content in chart output")
	}

	return detections
}

func defaultPatterns() []DetectionPattern {
	return []DetectionPattern{
		{
			Name:        "private_key",
			Description: "PEM private key material in output",
			Regex:       regexp.MustCompile(`-----BEGIN ([A-Z]+ )?PRIVATE KEY-----`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "aws_access_key",
			Description: "AWS access key id in output",
			Regex:       regexp.MustCompile(`\b(AKIA|ASIA)[0-9A-Z]{16}\b`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "api_token",
			Description: "LLM or VCS API token in output",
			Regex:       regexp.MustCompile(`\b(sk-[A-Za-z0-9_-]{20,}|ghp_[A-Za-z0-9]{36}|xox[baprs]-[A-Za-z0-9-]{10,})`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "passwd_dump",
			Description: "/etc/passwd entries in output",
			Regex:       regexp.MustCompile(`(?m)^root:[x*!]?:0:0:`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "shadow_dump",
			Description: "/etc/shadow hashes in output",
			Regex:       regexp.MustCompile(`(?m)^\w+:\$(1|2[aby]?|5|6|y)\$`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "secret_env_dump",
			Description: "credential-looking environment assignment in output",
			Regex:       regexp.MustCompile(`(?m)\b[A-Z0-9_]*(SECRET|TOKEN|PASSWORD|API_KEY)[A-Z0-9_]*=\S{8,}`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "metadata_service",
			Description: "cloud metadata service response in output",
			Regex:       regexp.MustCompile(`169\.254\.169\.254|"AccessKeyId"\s*:|computeMetadata/v1`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "kernel_leak",
			Description: "kernel version banner in output",
			Regex:       regexp.MustCompile(`Linux version \d+\.\d+`),
			Severity:    SeverityMedium,
		},
		{
			Name:        "container_socket",
			Description: "container runtime socket path in output",
			Regex:       regexp.MustCompile(`(docker|containerd)\.sock`),
			Severity:    SeverityMedium,
		},
	}
}
