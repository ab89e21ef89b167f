package sandbox

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

const (
	chartsDirName = "charts"
	runsDirName   = "chart_runs"
	metaFileName  = "meta.json"
)

var (
	runIDPattern    = regexp.MustCompile(`^[A-Za-z0-9_-]{8,80}$`)
	fileNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)
)

// ValidRunID reports whether id is acceptable as a run directory name.
func ValidRunID(id string) bool {
	return runIDPattern.MatchString(id)
}

// ResolveChartImagePath maps a caller-supplied run id and file name to an
// existing artifact file under <uploads>/charts. It returns false for
// malformed identifiers, traversal, symlinks leaving the root, missing files
// and directories.
func ResolveChartImagePath(uploadsDir, runID, fileName string) (string, bool) {
	if !runIDPattern.MatchString(runID) || !fileNamePattern.MatchString(fileName) {
		return "", false
	}
	return resolveUnder(filepath.Join(uploadsDir, chartsDirName), runID, fileName)
}

// ResolveChartRunMetaPath maps a run id to its meta.json under <uploads>/chart_runs.
func ResolveChartRunMetaPath(uploadsDir, runID string) (string, bool) {
	if !runIDPattern.MatchString(runID) {
		return "", false
	}
	return resolveUnder(filepath.Join(uploadsDir, runsDirName), runID, metaFileName)
}

// resolveUnder joins parts onto root, resolves symlinks on both sides and
// requires the result to be a regular file strictly inside root.
func resolveUnder(root string, parts ...string) (string, bool) {
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", false
	}
	rootReal, err := filepath.EvalSymlinks(rootAbs)
	if err != nil {
		return "", false
	}

	target, err := filepath.EvalSymlinks(filepath.Join(append([]string{rootReal}, parts...)...))
	if err != nil {
		return "", false
	}
	rel, err := filepath.Rel(rootReal, target)
	if err != nil || rel == "." || rel == ".." || filepath.IsAbs(rel) ||
		strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}

	info, err := os.Stat(target)
	if err != nil || !info.Mode().IsRegular() {
		return "", false
	}
	return target, true
}
