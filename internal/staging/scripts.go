package staging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// initScriptHeader is the literal preamble every generated init.d script
// carries. Production buildpacks (and the platform healthcheck/profile.d
// convention) depend on this exact text, so it is reproduced verbatim
// rather than reconstructed from pieces.
const initScriptHeader = `#!/bin/bash
# This file was automatically generated
load_folder() {
  local dir="$1"
  [ -d "${dir}" ] || return 0
  while IFS= read -r -d '' script; do
    source "${script}"
  done < <(find -L "${dir}" -maxdepth 1 -type f -name '*.sh' -print0 | sort -z)
}
export HOME="${HOME-/home/vcap/app}"
export LANG="${LANG-C.UTF-8}"
export USER="${USER-root}"
export TMPDIR="${TMPDIR-/home/vcap/tmp}"
export DEPS_DIR="${DEPS_DIR-/home/vcap/deps}"
case "$1" in
  --help|-h)
    echo "usage: $0 [--debug|-d]"
    exit 1
    ;;
  --debug|-d)
    DEBUG=1
    ;;
esac
[ -z ${DEBUG} ] || set -x
load_folder "/home/vcap/profile.d"
load_folder "${HOME}/.profile.d"
[ -f "${HOME}/.profile" ] && source "${HOME}/.profile"
[ -z ${DEBUG} ] || env
`

// writeInitScript emits one init.d script for a single start command
// (the main app, or one sidecar): it changes into appDir, exports the
// process's own env entries, then runs command.
func writeInitScript(path, appDir string, env map[string]string, command string) error {
	var b strings.Builder
	b.WriteString(initScriptHeader)
	b.WriteString("\ncd " + shellQuote(appDir) + "\n")

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(fmt.Sprintf("export %s=\"${%s-%s}\"\n", k, k, escapeEnvValue(env[k])))
	}

	b.WriteString("\n" + command + "\n")

	if err := os.WriteFile(path, []byte(b.String()), 0o775); err != nil {
		return fmt.Errorf("staging: writing init script %s: %w", path, err)
	}
	// WriteFile's mode is filtered by the umask; set 0775 explicitly.
	if err := os.Chmod(path, 0o775); err != nil {
		return fmt.Errorf("staging: setting mode of init script %s: %w", path, err)
	}
	return nil
}

func escapeEnvValue(v string) string {
	v = strings.ReplaceAll(v, `"`, `\"`)
	v = strings.ReplaceAll(v, "\n", `\n`)
	return v
}

func shellQuote(s string) string {
	return "\"" + strings.ReplaceAll(s, `"`, `\"`) + "\""
}

// writeInitScripts emits the main app's init.d script at
// <index>_<app>.sh and one per sidecar command at <index>_<n>_<app>.sh, n
// counting this app's sidecar commands from 0 in collection order.
func writeInitScripts(initdDir string, index int, appName, appDir string, env map[string]string, sc startCommands) error {
	if err := os.MkdirAll(initdDir, 0o755); err != nil {
		return fmt.Errorf("staging: creating init.d dir: %w", err)
	}

	mainPath := filepath.Join(initdDir, fmt.Sprintf("%d_%s.sh", index, appName))
	if err := writeInitScript(mainPath, appDir, env, sc.primary()); err != nil {
		return err
	}

	n := 0
	for _, name := range sc.sidecarOrder {
		for _, cmd := range sc.sidecarcommands[name] {
			path := filepath.Join(initdDir, fmt.Sprintf("%d_%d_%s.sh", index, n, appName))
			if err := writeInitScript(path, appDir, env, cmd); err != nil {
				return err
			}
			n++
		}
	}
	return nil
}

// healthcheckKindCommand renders one healthcheck line for kind against
// startCommand (used only for "process"). An unrecognized kind is a
// ConfigError — the original treats this as fatal, not a skip.
func healthcheckKindCommand(kind, endpoint, startCommand string) (string, error) {
	switch kind {
	case "http":
		return fmt.Sprintf(`curl --silent --fail --connect-timeout 2 http://127.0.0.1:${APP_PORT:-${PORT:-8080}}%s`, endpoint), nil
	case "port":
		return `nc -z -w 2 127.0.0.1 ${APP_PORT:-${PORT:-8080}}`, nil
	case "process":
		pattern := startCommand
		if fields := strings.Fields(startCommand); len(fields) > 0 {
			pattern = fields[0]
		}
		return fmt.Sprintf(`pgrep --ignore-case --full %s >/dev/null`, shellQuote(pattern)), nil
	default:
		return "", fmt.Errorf("staging: unknown health-check-type %q", kind)
	}
}

// writeHealthcheck writes the shared healthcheck script at path in one go,
// replacing any existing file: its literal header followed by one
// commented section per app.
func writeHealthcheck(path string, apps []healthcheckEntry) error {
	var b strings.Builder
	b.WriteString("#!/bin/bash -e\n")
	b.WriteString("# This file was generated by " + filepath.Base(path) + "\n")

	for _, a := range apps {
		line, err := healthcheckKindCommand(a.Kind, a.Endpoint, a.StartCommand)
		if err != nil {
			return err
		}
		b.WriteString(fmt.Sprintf("\n# checks for %s\n%s\n", a.AppName, line))
	}

	if err := os.WriteFile(path, []byte(b.String()), 0o775); err != nil {
		return fmt.Errorf("staging: writing healthcheck %s: %w", path, err)
	}
	return nil
}

type healthcheckEntry struct {
	AppName      string
	Kind         string
	Endpoint     string
	StartCommand string
}

type stagingInfo struct {
	DetectedBuildpack string `json:"detected_buildpack"`
	StartCommand      string `json:"start_command"`
}

// writeStagingInfo emits staging_info.yml: despite its extension, its
// contents are plain JSON, matching the original platform's file of the
// same name.
func writeStagingInfo(path, detectedBuildpack, startCommand string) error {
	if detectedBuildpack == "" {
		detectedBuildpack = "-"
	}
	b, err := json.Marshal(stagingInfo{DetectedBuildpack: detectedBuildpack, StartCommand: startCommand})
	if err != nil {
		return fmt.Errorf("staging: encoding staging_info.yml: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("staging: writing %s: %w", path, err)
	}
	return nil
}

// ensureAppDirs creates the fixed droplet layout under home: app/, deps/,
// logs/, tmp/, init.d/.
func ensureAppDirs(home string) (appDir, depsDir, logsDir, tmpDir, initdDir string, err error) {
	appDir = filepath.Join(home, "app")
	depsDir = filepath.Join(home, "deps")
	logsDir = filepath.Join(home, "logs")
	tmpDir = filepath.Join(home, "tmp")
	initdDir = filepath.Join(home, "init.d")
	for _, d := range []string{appDir, depsDir, logsDir, tmpDir, initdDir} {
		if mkErr := os.MkdirAll(d, 0o755); mkErr != nil {
			return "", "", "", "", "", fmt.Errorf("staging: creating %s: %w", d, mkErr)
		}
	}
	return appDir, depsDir, logsDir, tmpDir, initdDir, nil
}
