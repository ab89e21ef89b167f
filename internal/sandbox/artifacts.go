package sandbox

import (
	"bufio"
	"encoding/json"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var imageExts = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".svg":  true,
	".gif":  true,
	".webp": true,
}

// IsImageName reports whether name has an image extension.
func IsImageName(name string) bool {
	return imageExts[strings.ToLower(filepath.Ext(name))]
}

// collectArtifacts lists the regular top-level files of outputDir, sorted by
// name. Hidden entries and directories are skipped.
func collectArtifacts(outputDir, runID, urlPrefix string) ([]Artifact, error) {
	dirents, err := os.ReadDir(outputDir)
	if err != nil {
		return nil, err
	}
	artifacts := []Artifact{}
	for _, de := range dirents {
		name := de.Name()
		if strings.HasPrefix(name, ".") || !de.Type().IsRegular() || !fileNamePattern.MatchString(name) {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		artifacts = append(artifacts, Artifact{
			Name: name,
			URL:  chartURL(urlPrefix, runID, name),
			Size: info.Size(),
		})
	}
	sort.Slice(artifacts, func(i, j int) bool { return artifacts[i].Name < artifacts[j].Name })
	return artifacts, nil
}

func chartURL(prefix, runID, name string) string {
	return strings.TrimRight(prefix, "/") + "/charts/" + url.PathEscape(runID) + "/" + url.PathEscape(name)
}

func metaURL(prefix, runID string) string {
	return strings.TrimRight(prefix, "/") + "/chart-runs/" + url.PathEscape(runID) + "/meta"
}

// parseImageMarker returns the main image path the runner reported, or "".
func parseImageMarker(stdout string) string {
	var path string
	sc := bufio.NewScanner(strings.NewReader(stdout))
	sc.Buffer(make([]byte, 64*1024), maxRawOutput)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if !strings.HasPrefix(line, ImageMarker) {
			continue
		}
		var p *string
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, ImageMarker)), &p); err == nil && p != nil {
			path = *p
		}
	}
	return path
}

// pickImage chooses the main image: the marker path when it names a
// collected artifact in outputDir, otherwise the first image by name.
func pickImage(artifacts []Artifact, markerPath, outputDir string) *Artifact {
	if markerPath != "" && filepath.Clean(filepath.Dir(markerPath)) == filepath.Clean(outputDir) {
		base := filepath.Base(markerPath)
		for i := range artifacts {
			if artifacts[i].Name == base && IsImageName(base) {
				return &artifacts[i]
			}
		}
	}
	for i := range artifacts {
		if IsImageName(artifacts[i].Name) {
			return &artifacts[i]
		}
	}
	return nil
}
