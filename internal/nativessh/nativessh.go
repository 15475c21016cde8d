// Package nativessh implements the Native-SSH Driver: running a tool's
// build command on a remote macOS or Windows host over SSH, then fetching
// the resulting binary back to the controller via SCP. Grounded on the
// teacher's sshimmer package (SSH config/alias plumbing) and
// cmd/sand/git_cmd.go's argv-array exec.CommandContext("ssh"/"git", ...)
// style, generalized from git subprocess composition to OS-aware remote
// build commands.
package nativessh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/kevinburke/ssh_config"

	"github.com/forgebay/forge/internal/model"
)

// DefaultBuildTimeout is used when a tool does not override it.
const DefaultBuildTimeout = time.Hour

// Status mirrors the container-runner driver's outcome vocabulary so the
// orchestrator can treat both drivers uniformly.
type Status string

const (
	StatusSuccess Status = "success"
	StatusTimeout Status = "timeout"
	StatusFailed  Status = "failed"
)

// NativeResult is the structured outcome of one native build + fetch.
type NativeResult struct {
	RunID        string
	HostID       string
	Status       Status
	ExitCode     int
	DurationSec  float64
	ArtifactPath string
	Log          string
}

// HostResolver resolves the native host id for a platform.
type HostResolver interface {
	PlatformToHost(platform model.Platform) (string, error)
	Host(id string) (model.Host, error)
}

// Runner executes shellCmd on host and returns combined stdout+stderr.
type Runner interface {
	Run(ctx context.Context, host model.Host, timeout time.Duration, shellCmd string) (string, error)
}

// sshRunner is the real Runner, shelling out to ssh (or sh for local
// hosts, kept for symmetry with the other drivers even though native
// builds are expected on remote hosts).
type sshRunner struct{}

func (sshRunner) Run(ctx context.Context, host model.Host, timeout time.Duration, shellCmd string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var cmd *exec.Cmd
	if host.IsLocal() {
		cmd = exec.CommandContext(ctx, "sh", "-c", shellCmd)
	} else {
		cmd = exec.CommandContext(ctx, "ssh", "-o", "BatchMode=yes", "-o", "StrictHostKeyChecking=accept-new", "-o", "ConnectTimeout=10", host.SSHAlias, shellCmd)
	}
	slog.InfoContext(ctx, "nativessh.run", "host", host.ID, "ssh_hostname", resolveSSHHostname(host.SSHAlias), "cmd", strings.Join(cmd.Args, " "))
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// resolveSSHHostname looks up the effective HostName an alias resolves to
// via the user's ~/.ssh/config, for diagnostic logging; it falls back to
// the alias itself when the config has no override.
func resolveSSHHostname(alias string) string {
	if alias == "" {
		return ""
	}
	if hostname := ssh_config.Get(alias, "HostName"); hostname != "" {
		return hostname
	}
	return alias
}

// Driver drives native builds over SSH.
type Driver struct {
	hosts     HostResolver
	runner    Runner
	scp       func(ctx context.Context, host model.Host, remotePath, localPath string) error
	buildTime time.Duration
}

// New returns a Driver using the real ssh/scp-based Runner.
func New(hosts HostResolver) *Driver {
	d := &Driver{hosts: hosts, runner: sshRunner{}, buildTime: DefaultBuildTimeout}
	d.scp = d.realSCP
	return d
}

// NewWithRunner returns a Driver using a custom Runner and SCP function
// (for tests).
func NewWithRunner(hosts HostResolver, runner Runner, scp func(ctx context.Context, host model.Host, remotePath, localPath string) error) *Driver {
	return &Driver{hosts: hosts, runner: runner, scp: scp, buildTime: DefaultBuildTimeout}
}

// WithBuildTimeout overrides the default 1h build timeout.
func (d *Driver) WithBuildTimeout(t time.Duration) *Driver {
	d.buildTime = t
	return d
}

// RunNative resolves tool's native host for platform, runs its build
// command remotely, and SCPs the produced binary back to localDestDir.
// A missing platform→host mapping is a configuration error, not a runtime
// one: the orchestrator should never have routed here in that case.
func (d *Driver) RunNative(ctx context.Context, tool model.Tool, platform model.Platform, version, runID, remotePath, localDestDir string, globalEnv map[string]string) (*NativeResult, error) {
	hostID, err := d.hosts.PlatformToHost(platform)
	if err != nil {
		return nil, model.NewError(model.ErrInvalidArgs, "nativessh: no native host maps to platform %s", platform).WithCause(err)
	}
	host, err := d.hosts.Host(hostID)
	if err != nil {
		return nil, model.NewError(model.ErrInvalidArgs, "nativessh: host %q not found", hostID).WithCause(err)
	}

	env := mergeEnv(globalEnv, tool.CrossCompile[platform])
	shellCmd := composeCommand(host, remotePath, env, tool.BuildCmd)

	timeout := d.buildTime
	if timeout == 0 {
		timeout = DefaultBuildTimeout
	}

	slog.InfoContext(ctx, "nativessh.run_native", "host", hostID, "platform", string(platform), "run_id", runID)
	start := time.Now()
	out, runErr := d.runner.Run(ctx, host, timeout, shellCmd)
	duration := time.Since(start).Seconds()

	status, exitCode := classifyExit(runErr)
	result := &NativeResult{
		RunID:       runID,
		HostID:      hostID,
		Status:      status,
		ExitCode:    exitCode,
		DurationSec: duration,
		Log:         out,
	}
	if status != StatusSuccess {
		return result, nil
	}

	remoteArtifact := expectedArtifactPath(tool, platform, remotePath)
	localPath, err := d.fetchArtifact(ctx, host, remoteArtifact, localDestDir)
	if err != nil {
		result.Status = StatusFailed
		result.ExitCode = 7
		result.ArtifactPath = ""
		return result, nil
	}
	result.ArtifactPath = localPath
	return result, nil
}

// mergeEnv layers cross-compile overrides on top of the global env block,
// sorted so composeCommand emits a deterministic, testable order.
func mergeEnv(global, crossCompile map[string]string) map[string]string {
	merged := make(map[string]string, len(global)+len(crossCompile))
	for k, v := range global {
		merged[k] = v
	}
	for k, v := range crossCompile {
		merged[k] = v
	}
	return merged
}

func sortedEnvKeys(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// composeCommand builds the single remote shell command: a directory
// change, an environment export block, then the build command itself.
// Windows uses "cd /d", "set "K=V" &&" sequences and backslash paths;
// POSIX uses "cd", "export K=V &&".
func composeCommand(host model.Host, remotePath string, env map[string]string, buildCmd string) string {
	windows := host.Platform.OS() == "windows"
	steps := make([]string, 0, len(env)+2)

	if windows {
		steps = append(steps, fmt.Sprintf("cd /d %s", toWindowsPath(remotePath)))
	} else {
		steps = append(steps, fmt.Sprintf("cd %s", remotePath))
	}

	for _, k := range sortedEnvKeys(env) {
		v := env[k]
		if windows {
			steps = append(steps, fmt.Sprintf("set \"%s=%s\"", k, v))
		} else {
			steps = append(steps, fmt.Sprintf("export %s=%s", k, v))
		}
	}

	steps = append(steps, buildCmd)
	return strings.Join(steps, " && ")
}

func toWindowsPath(path string) string {
	return strings.ReplaceAll(path, "/", "\\")
}

// classifyExit maps a Runner error to a Status and spec exit code: nil is
// success, exit code 124 is timeout (reported as 5), anything else failed
// (reported as 6).
func classifyExit(err error) (Status, int) {
	if err == nil {
		return StatusSuccess, 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 124 {
		return StatusTimeout, 5
	}
	return StatusFailed, 6
}

// expectedArtifactPath computes where the build command is expected to
// have placed the binary, based on the tool's language tag: Rust builds
// under target/release, everything else (Go and untagged tools) places
// the binary directly under remotePath. Windows targets get a .exe suffix.
func expectedArtifactPath(tool model.Tool, platform model.Platform, remotePath string) string {
	name := tool.BinaryName
	if platform.OS() == "windows" {
		name += ".exe"
	}

	switch tool.Language {
	case "rust":
		return joinRemote(platform, remotePath, "target", "release", name)
	default:
		return joinRemote(platform, remotePath, name)
	}
}

func joinRemote(platform model.Platform, parts ...string) string {
	if platform.OS() == "windows" {
		return toWindowsPath(strings.Join(parts, "\\"))
	}
	return strings.Join(parts, "/")
}

// fetchArtifact SCPs remoteArtifact from host into localDestDir.
func (d *Driver) fetchArtifact(ctx context.Context, host model.Host, remoteArtifact, localDestDir string) (string, error) {
	localPath := localDestDir + "/" + baseName(remoteArtifact)
	if err := d.scp(ctx, host, remoteArtifact, localPath); err != nil {
		return "", fmt.Errorf("nativessh: scp artifact: %w", err)
	}
	return localPath, nil
}

func baseName(path string) string {
	path = strings.ReplaceAll(path, "\\", "/")
	if idx := strings.LastIndex(path, "/"); idx >= 0 {
		return path[idx+1:]
	}
	return path
}

// realSCP shells out to scp. The remote side is passed as a single
// "host:remote_path" argument so no path component is ever embedded
// inside a quoted shell string.
func (d *Driver) realSCP(ctx context.Context, host model.Host, remotePath, localPath string) error {
	src := remotePath
	if !host.IsLocal() {
		src = fmt.Sprintf("%s:%s", host.SSHAlias, remotePath)
	}
	var cmd *exec.Cmd
	if host.IsLocal() {
		cmd = exec.CommandContext(ctx, "cp", src, localPath)
	} else {
		cmd = exec.CommandContext(ctx, "scp", "-o", "BatchMode=yes", "-o", "StrictHostKeyChecking=accept-new", "-o", "ConnectTimeout=10", src, localPath)
	}
	slog.InfoContext(ctx, "nativessh.fetch_artifact", "host", host.ID, "ssh_hostname", resolveSSHHostname(host.SSHAlias), "cmd", strings.Join(cmd.Args, " "))
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w (output: %s)", err, out)
	}
	return nil
}
