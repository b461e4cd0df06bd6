package staging

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/springerpe/cfstage/internal/cfmanifest"
)

// startCommands holds the staging pipeline's accumulating notion of "how
// do I start this app" (startcommands) and "how do I start each sidecar"
// (sidecarcommands), named in the plural throughout — the original's
// singular `sidecarcommand`/`startcommand` names inside its Procfile
// append calls are a latent bug (they reference names that were never
// assigned), fixed here to use the real, populated slices.
type startCommands struct {
	startcommands   []string
	sidecarcommands map[string][]string
	sidecarOrder    []string
}

// collectStartCommands seeds startcommands/sidecarcommands from the
// manifest, then layers in Procfile `web:`/`worker:` lines found at the
// app root, if any.
func collectStartCommands(appDir string, app cfmanifest.AppParams) startCommands {
	sc := startCommands{sidecarcommands: map[string][]string{}}

	if app.Command != "" {
		sc.startcommands = append(sc.startcommands, app.Command)
	}
	for _, s := range app.Sidecars {
		if s.Command == "" {
			continue
		}
		name := s.Name
		if name == "" {
			name = s.Command
		}
		if _, seen := sc.sidecarcommands[name]; !seen {
			sc.sidecarOrder = append(sc.sidecarOrder, name)
		}
		sc.sidecarcommands[name] = append(sc.sidecarcommands[name], s.Command)
	}

	sc.applyProcfile(appDir)
	return sc
}

func (sc *startCommands) applyProcfile(appDir string) {
	path := findProcfile(appDir)
	if path == "" {
		return
	}
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, cmd, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		cmd = strings.TrimSpace(cmd)
		if cmd == "" {
			continue
		}
		switch name {
		case "web":
			sc.startcommands = append(sc.startcommands, cmd)
		case "worker":
			if _, seen := sc.sidecarcommands["worker"]; !seen {
				sc.sidecarOrder = append(sc.sidecarOrder, "worker")
			}
			sc.sidecarcommands["worker"] = append(sc.sidecarcommands["worker"], cmd)
		}
	}
}

func findProcfile(appDir string) string {
	for _, name := range []string{"Procfile", "procfile"} {
		candidate := filepath.Join(appDir, name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
	}
	return ""
}

// primary returns the application's effective start command — the first
// one collected, if any — used for staging_info.yml and as the process
// pattern for a `health-check-type: process` healthcheck.
func (sc *startCommands) primary() string {
	if len(sc.startcommands) == 0 {
		return ""
	}
	return sc.startcommands[0]
}
