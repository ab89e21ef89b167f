package sandbox

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Marker lines the runner prints on stdout after user code finishes.
const (
	ImageMarker     = "__CHART_IMAGE__="
	ArtifactsMarker = "__CHART_ARTIFACTS__="
)

// ScriptParams are the inputs to BuildRunnerScript.
type ScriptParams struct {
	Code      string
	InputJSON []byte // JSON text of input_data; empty means null
	OutputDir string
	ImagePath string
	Guard     string // filesystem guard preamble, sandboxed runs only
}

const runnerTemplate = `# chart runner (generated)
import json
import math
import os
import re
import sys
import traceback

os.environ.setdefault("MPLBACKEND", "Agg")

OUTPUT_DIR = %OUTPUT_DIR%
MAIN_IMAGE = %MAIN_IMAGE%
INPUT_DATA = json.loads(%INPUT_JSON%)
_USER_CODE = %USER_CODE%
_ARTIFACTS = []

os.makedirs(OUTPUT_DIR, exist_ok=True)

try:
    import matplotlib
    matplotlib.use("Agg")
    import matplotlib.pyplot as plt
except Exception:
    matplotlib = None
    plt = None
try:
    import numpy as np
except Exception:
    np = None
try:
    import pandas as pd
except Exception:
    pd = None
try:
    import seaborn as sns
except Exception:
    sns = None

%GUARD%
def _artifact_path(name, default_ext):
    base = os.path.basename(str(name).replace("\\", "/")).strip()
    base = re.sub(r"[^A-Za-z0-9._-]", "_", base).lstrip("._-")
    if not base:
        base = "artifact"
    if not os.path.splitext(base)[1]:
        base += default_ext
    return os.path.join(OUTPUT_DIR, base[:128])


def _record(path):
    if path not in _ARTIFACTS:
        _ARTIFACTS.append(path)


def save_chart(name=None, dpi=150, bbox="tight"):
    if plt is None:
        raise RuntimeError("matplotlib is not available")
    path = _artifact_path(name, ".png") if name else MAIN_IMAGE
    plt.gcf().savefig(path, dpi=dpi, bbox_inches=bbox)
    _record(path)
    return path


def save_text(name, content):
    path = _artifact_path(name, ".txt")
    with open(path, "w", encoding="utf-8") as fh:
        fh.write(content if isinstance(content, str) else json.dumps(content, ensure_ascii=False, default=str))
    _record(path)
    return path


_ns = {
    "__name__": "__main__",
    "plt": plt,
    "np": np,
    "pd": pd,
    "sns": sns,
    "matplotlib": matplotlib,
    "INPUT_DATA": INPUT_DATA,
    "input_data": INPUT_DATA,
    "OUTPUT_DIR": OUTPUT_DIR,
    "save_chart": save_chart,
    "save_text": save_text,
    "json": json,
    "os": os,
    "math": math,
}

_main_image = None
try:
    exec(compile(_USER_CODE, "<chart_code>", "exec"), _ns)
    if plt is not None and plt.get_fignums() and not os.path.exists(MAIN_IMAGE):
        save_chart(None)
except SystemExit:
    raise
except BaseException:
    traceback.print_exc()
    raise
finally:
    if plt is not None:
        try:
            plt.close("all")
        except Exception:
            pass
    if os.path.exists(MAIN_IMAGE):
        _main_image = MAIN_IMAGE
    sys.stdout.write("%IMAGE_MARKER%" + json.dumps(_main_image) + "\n")
    sys.stdout.write("%ARTIFACTS_MARKER%" + json.dumps(_ARTIFACTS) + "\n")
    sys.stdout.flush()
`

// BuildRunnerScript renders the standalone script for one attempt. The output
// is a pure function of its parameters.
func BuildRunnerScript(p ScriptParams) (string, error) {
	input := p.InputJSON
	if len(input) == 0 {
		input = []byte("null")
	}
	if !json.Valid(input) {
		return "", fmt.Errorf("input data is not valid JSON")
	}

	lits := make([]string, 0, 4)
	for _, s := range []string{p.OutputDir, p.ImagePath, string(input), p.Code} {
		b, err := json.Marshal(s)
		if err != nil {
			return "", fmt.Errorf("encoding script literal: %w", err)
		}
		lits = append(lits, string(b))
	}

	guard := ""
	if p.Guard != "" {
		guard = strings.TrimRight(p.Guard, "\n") + "\n\n"
	}

	r := strings.NewReplacer(
		"%OUTPUT_DIR%", lits[0],
		"%MAIN_IMAGE%", lits[1],
		"%INPUT_JSON%", lits[2],
		"%USER_CODE%", lits[3],
		"%GUARD%\n", guard,
		"%IMAGE_MARKER%", ImageMarker,
		"%ARTIFACTS_MARKER%", ArtifactsMarker,
	)
	return r.Replace(runnerTemplate), nil
}
