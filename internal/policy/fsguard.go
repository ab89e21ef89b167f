package policy

import (
	"encoding/json"
	"path/filepath"
	"sort"
	"strings"
)

// guardTemplate is prepended to sandboxed runner scripts. It wraps the
// interpreter's open entry points so that writes land only under the output
// directory and reads only under the allowed roots and the interpreter's own
// installation.
const guardTemplate = `# --- filesystem guard ---
import builtins as _guard_builtins
import io as _guard_io
import os as _guard_os
import sys as _guard_sys
import site as _guard_site

_GUARD_OUTPUT_DIR = _guard_os.path.realpath(%OUTPUT_DIR%)
_GUARD_READ_ROOTS = [_guard_os.path.realpath(p) for p in %READ_ROOTS%]
for _p in (_guard_sys.prefix, _guard_sys.base_prefix, _guard_sys.exec_prefix):
    if _p:
        _GUARD_READ_ROOTS.append(_guard_os.path.realpath(_p))
try:
    for _p in list(_guard_site.getsitepackages()) + [_guard_site.getusersitepackages()]:
        _GUARD_READ_ROOTS.append(_guard_os.path.realpath(_p))
except Exception:
    pass
for _p in _guard_sys.path:
    if _p:
        _GUARD_READ_ROOTS.append(_guard_os.path.realpath(_p))
for _p in ("/usr/share/fonts", "/usr/local/share/fonts", "/System/Library/Fonts", "/Library/Fonts", "C:\\Windows\\Fonts", "/etc/fonts", "/dev/null", "/dev/urandom"):
    _GUARD_READ_ROOTS.append(_guard_os.path.realpath(_p))
_GUARD_READ_ROOTS.append(_GUARD_OUTPUT_DIR)


def _guard_under(path, roots):
    for root in roots:
        if path == root or path.startswith(root.rstrip(_guard_os.sep) + _guard_os.sep):
            return True
    return False


def _guard_check(file, writing):
    if isinstance(file, int):
        return
    try:
        path = _guard_os.path.realpath(_guard_os.fsdecode(file))
    except Exception:
        raise PermissionError("chart sandbox: unsupported path %r" % (file,))
    if writing:
        if not _guard_under(path, [_GUARD_OUTPUT_DIR]):
            raise PermissionError("chart sandbox: write outside output dir: %s" % path)
    elif not _guard_under(path, _GUARD_READ_ROOTS):
        raise PermissionError("chart sandbox: read outside allowed roots: %s" % path)


_guard_orig_open = _guard_builtins.open
_guard_orig_os_open = _guard_os.open
_GUARD_WRITE_FLAGS = _guard_os.O_WRONLY | _guard_os.O_RDWR | _guard_os.O_CREAT | _guard_os.O_APPEND | _guard_os.O_TRUNC


def _guard_open(file, mode="r", *args, **kwargs):
    _guard_check(file, any(c in mode for c in "wax+"))
    return _guard_orig_open(file, mode, *args, **kwargs)


def _guard_os_open(path, flags, *args, **kwargs):
    _guard_check(path, bool(flags & _GUARD_WRITE_FLAGS))
    return _guard_orig_os_open(path, flags, *args, **kwargs)


_guard_builtins.open = _guard_open
_guard_io.open = _guard_open
_guard_os.open = _guard_os_open
# --- end filesystem guard ---
`

// FilesystemGuardSource renders the guard preamble for outputDir and
// allowedRoots. Roots are cleaned, deduplicated and sorted so the text is
// stable for a given input.
func FilesystemGuardSource(outputDir string, allowedRoots []string) string {
	seen := make(map[string]bool, len(allowedRoots))
	roots := make([]string, 0, len(allowedRoots))
	for _, r := range allowedRoots {
		if strings.TrimSpace(r) == "" {
			continue
		}
		c := filepath.Clean(r)
		if seen[c] {
			continue
		}
		seen[c] = true
		roots = append(roots, c)
	}
	sort.Strings(roots)

	r := strings.NewReplacer(
		"%OUTPUT_DIR%", pyLiteral(filepath.Clean(outputDir)),
		"%READ_ROOTS%", pyLiteral(roots),
	)
	return r.Replace(guardTemplate)
}

// pyLiteral renders v as JSON, which is also a valid Python literal for
// strings and lists of strings.
func pyLiteral(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "None"
	}
	return string(b)
}
