package policy

import (
	"regexp"
	"sort"
	"strings"
)

// envBlocklist contains variables that are never passed to a chart process,
// whatever the profile. They change how the interpreter resolves code.
var envBlocklist = map[string]bool{
	"LD_PRELOAD":            true,
	"LD_LIBRARY_PATH":       true,
	"LD_AUDIT":              true,
	"DYLD_INSERT_LIBRARIES": true,
	"PYTHONPATH":            true,
	"PYTHONHOME":            true,
	"PYTHONSTARTUP":         true,
	"PYTHONINSPECT":         true,
	"PYTHONUSERBASE":        true,
	"VIRTUAL_ENV":           true,
}

// sandboxedAllowlist is the complete set of variables a sandboxed process may inherit.
var sandboxedAllowlist = map[string]bool{
	"PATH":        true,
	"LANG":        true,
	"LC_ALL":      true,
	"LC_CTYPE":    true,
	"TZ":          true,
	"TMPDIR":      true,
	"TEMP":        true,
	"TMP":         true,
	"SYSTEMROOT":  true,
	"WINDIR":      true,
	"COMSPEC":     true,
	"PATHEXT":     true,
	"SYSTEMDRIVE": true,
}

// sensitiveEnvPattern matches names that look like credentials or cloud-provider config.
var sensitiveEnvPattern = regexp.MustCompile(`(?i)(SECRET|TOKEN|PASSWORD|PASSWD|PASSPHRASE|CREDENTIAL|API_?KEY|ACCESS_?KEY|PRIVATE_?KEY|AUTH|SESSION|COOKIE|SIGNING|DATABASE_URL|_DSN$|^DSN$)`)

var sensitiveEnvPrefixes = []string{
	"AWS_", "AZURE_", "ARM_", "GCP_", "GOOGLE_", "GCLOUD_", "CLOUDSDK_",
	"ALIBABA_", "ALIYUN_", "ALICLOUD_", "TENCENTCLOUD_", "HUAWEICLOUD_", "DIGITALOCEAN_",
	"OPENAI_", "ANTHROPIC_", "DEEPSEEK_", "DASHSCOPE_", "GEMINI_", "MOONSHOT_",
	"PG", "MYSQL_", "REDIS_", "MONGO",
	"KUBE", "DOCKER_", "GITHUB_", "GITLAB_", "NPM_", "PIP_INDEX", "TWINE_",
}

// IsSensitiveEnvName reports whether a variable name looks like it carries a secret.
func IsSensitiveEnvName(name string) bool {
	upper := strings.ToUpper(name)
	if sensitiveEnvPattern.MatchString(upper) {
		return true
	}
	for _, prefix := range sensitiveEnvPrefixes {
		if strings.HasPrefix(upper, prefix) {
			return true
		}
	}
	return false
}

// SanitizedEnv builds the base environment for a chart process from environ
// (usually os.Environ()). Sandboxed runs keep only allowlisted names; trusted
// and template runs keep everything that does not look sensitive.
func SanitizedEnv(profile Profile, environ []string) map[string]string {
	env := make(map[string]string, len(environ))
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			continue
		}
		upper := strings.ToUpper(key)
		if envBlocklist[upper] {
			continue
		}

		if profile == ProfileSandboxed {
			if sandboxedAllowlist[upper] {
				env[key] = value
			}
			continue
		}

		if IsSensitiveEnvName(key) {
			continue
		}
		env[key] = value
	}
	return env
}

// EnvList flattens an environment map into sorted KEY=VALUE pairs for exec.Cmd.
func EnvList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// ProvisioningEnv is the environment for venv creation and pip. Only the
// blocklist is applied so index URLs and proxy settings keep working.
func ProvisioningEnv(environ []string) map[string]string {
	env := make(map[string]string, len(environ))
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" || envBlocklist[strings.ToUpper(key)] {
			continue
		}
		env[key] = value
	}
	return env
}
