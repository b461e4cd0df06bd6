// Package version exposes build metadata injected via -ldflags, together
// with the Go runtime's embedded build info.
package version

import "runtime/debug"

var (
	// GitCommit and BuildTime are set via -ldflags during release builds.
	GitCommit string
	BuildTime string
)

// Info is a snapshot of build metadata.
type Info struct {
	GitCommit string           `json:"gitCommit,omitempty"`
	BuildTime string           `json:"buildTime,omitempty"`
	BuildInfo *debug.BuildInfo `json:"buildInfo,omitempty"`
}

// Get returns the current process's version information.
func Get() Info {
	ret := Info{
		GitCommit: GitCommit,
		BuildTime: BuildTime,
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		ret.BuildInfo = bi
	}
	return ret
}

// Equal reports whether two Infos identify the same build. Build time is
// deliberately excluded: two builds of the same commit (e.g. a re-tagged
// release) are the same version.
func (v Info) Equal(other Info) bool {
	return v.GitCommit == other.GitCommit
}

// String renders a short human-readable version string for CLI output.
func (v Info) String() string {
	commit := v.GitCommit
	if commit == "" {
		commit = "unknown"
	}
	if v.BuildTime == "" {
		return commit
	}
	return commit + " (" + v.BuildTime + ")"
}
