// Package version carries forge's own build provenance: the git commit,
// branch and build time stamped in via -ldflags at release time, with a
// fallback to the Go module's embedded VCS stamp for dev builds run via
// `go run` or `go install`.
package version

import (
	"fmt"
	"runtime/debug"

	"github.com/google/go-cmp/cmp"
)

// Set via -ldflags "-X github.com/forgebay/forge/version.GitCommit=... ..."
// in the release workflow; all empty for `go run`/`go build` dev invocations.
var (
	GitRepo   string
	GitBranch string
	GitCommit string
	BuildTime string
)

// Info is the provenance of one forge binary.
type Info struct {
	GitRepo   string           `json:"gitRepo,omitempty"`
	GitBranch string           `json:"gitBranch,omitempty"`
	GitCommit string           `json:"gitCommit,omitempty"`
	BuildTime string           `json:"buildTime,omitempty"`
	BuildInfo *debug.BuildInfo `json:"buildInfo,omitempty"`
}

// String renders a short human-readable summary, preferring the ldflags
// commit but falling back to the module's embedded VCS revision.
func (v Info) String() string {
	commit := v.GitCommit
	if commit == "" && v.BuildInfo != nil {
		for _, s := range v.BuildInfo.Settings {
			if s.Key == "vcs.revision" {
				commit = s.Value
				break
			}
		}
	}
	if commit == "" {
		commit = "dev"
	}
	if v.GitBranch != "" {
		return fmt.Sprintf("%s (%s)", commit, v.GitBranch)
	}
	return commit
}

// Get returns forge's own build provenance.
func Get() Info {
	buildInfo, ok := debug.ReadBuildInfo()
	ret := Info{
		GitRepo:   GitRepo,
		GitBranch: GitBranch,
		GitCommit: GitCommit,
		BuildTime: BuildTime,
	}
	if ok {
		ret.BuildInfo = buildInfo
	}
	return ret
}

// Equal checks if two version infos represent the same version.
// Two versions are considered equal if they have the same git commit,
// branch and repo and, when v carries module build info, the same main
// module path, dependencies and Go version; the build time is ignored.
func (v Info) Equal(other Info) bool {
	if v.BuildInfo != nil {
		if other.BuildInfo == nil {
			return false
		}
		if v.BuildInfo.Main.Path != other.BuildInfo.Main.Path ||
			!cmp.Equal(v.BuildInfo.Deps, other.BuildInfo.Deps) ||
			v.BuildInfo.GoVersion != other.BuildInfo.GoVersion {
			return false
		}
	}
	if v.GitBranch != other.GitBranch ||
		v.GitCommit != other.GitCommit ||
		v.GitRepo != other.GitRepo {
		return false
	}
	return true
}
