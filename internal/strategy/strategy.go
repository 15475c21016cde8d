// Package strategy implements the Build Strategy Resolver: for a given
// (tool, platform) pair, decide whether the container-runner emulator or a
// native SSH host builds the target, and which job or host that implies.
// Grounded on the teacher's WorkspaceProvisioner selection shape
// (default_cloner.go/workspace.go: a single interface with one default
// implementation chosen ahead of time), generalized to a two-way driver
// decision made per target rather than once per sandbox.
package strategy

import (
	"github.com/forgebay/forge/internal/model"
)

// Driver identifies which execution backend builds a target.
type Driver string

const (
	DriverContainerRunner Driver = "container-runner"
	DriverNative          Driver = "native"
)

// Decision is the resolved build strategy for one (tool, platform) pair.
type Decision struct {
	Driver Driver
	Job    string // set when Driver == DriverContainerRunner
	HostID string // set when Driver == DriverNative
}

// HostResolver resolves the native host id for a platform; implemented by
// *config.Store.
type HostResolver interface {
	PlatformToHost(platform model.Platform) (string, error)
}

// Resolve decides the driver for tool at platform. A non-null
// act_job_map entry routes to the container runner; otherwise the
// platform must resolve to a native host.
func Resolve(tool model.Tool, platform model.Platform, hosts HostResolver) (Decision, error) {
	if job, ok := tool.JobFor(platform); ok && job != "" {
		return Decision{Driver: DriverContainerRunner, Job: job}, nil
	}

	hostID, err := hosts.PlatformToHost(platform)
	if err != nil {
		return Decision{}, model.NewError(model.ErrInvalidArgs, "strategy: tool %q has no container-runner job and no native host for platform %s", tool.ID, platform).WithCause(err)
	}
	return Decision{Driver: DriverNative, HostID: hostID}, nil
}
