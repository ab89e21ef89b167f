package sandbox

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// runPaths are the on-disk locations for one run.
type runPaths struct {
	OutputDir  string
	MPLConfig  string
	RunDir     string
	ScriptPath string
	StdoutPath string
	StderrPath string
	InputPath  string
	MetaPath   string
}

func newRunPaths(uploadsDir, runID string) runPaths {
	out := filepath.Join(uploadsDir, chartsDirName, runID)
	run := filepath.Join(uploadsDir, runsDirName, runID)
	return runPaths{
		OutputDir:  out,
		MPLConfig:  filepath.Join(out, ".mplconfig"),
		RunDir:     run,
		ScriptPath: filepath.Join(run, "run.py"),
		StdoutPath: filepath.Join(run, "stdout.txt"),
		StderrPath: filepath.Join(run, "stderr.txt"),
		InputPath:  filepath.Join(run, "input.json"),
		MetaPath:   filepath.Join(run, metaFileName),
	}
}

func (p runPaths) create() error {
	for _, dir := range []string{p.OutputDir, p.MPLConfig, p.RunDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// writeMetaOnce persists rec as meta.json. An existing file is never
// overwritten.
func writeMetaOnce(path string, rec *RunRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ReadRunRecord loads the meta.json of a finished run.
func ReadRunRecord(uploadsDir, runID string) (*RunRecord, error) {
	path, ok := ResolveChartRunMetaPath(uploadsDir, runID)
	if !ok {
		return nil, ErrInvalidRunID
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec RunRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}
