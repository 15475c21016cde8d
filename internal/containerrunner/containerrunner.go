// Package containerrunner implements the Container-Runner Driver: invoking
// a local GitHub-Actions-compatible runner emulator for Linux build jobs,
// capturing its true exit code and artifacts. Grounded on the teacher's
// ContainerSvc (containers.go: exec.CommandContext + slog command logging,
// tee-style stdout/stderr capture) and SystemSvc (system.go: daemon
// reachability probes), generalized from ad hoc container lifecycle calls
// to a single workflow-invocation driver with its own run directory.
package containerrunner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/forgebay/forge/internal/model"
)

// RunnerConfig describes the local emulator installation and its bind-mount
// posture.
type RunnerConfig struct {
	EmulatorPath        string // defaults to "act" on PATH
	ArtifactServerPath  string
	BindMountsWorkspace bool
	UIDGIDOverride      string // non-empty iff the runner config pins a UID:GID
}

// RunStatus is the outcome of one workflow invocation.
type RunStatus string

const (
	RunStatusSuccess RunStatus = "success"
	RunStatusTimeout RunStatus = "timeout"
	RunStatusFailed  RunStatus = "failed"
)

// RunResult is the structured object returned by RunWorkflow.
type RunResult struct {
	RunID         string
	Workflow      string
	Job           string
	Status        RunStatus
	ExitCode      int
	DurationSec   float64
	ArtifactDir   string
	ArtifactCount int
	LogFile       string
}

// RunRequest is the input to RunWorkflow.
type RunRequest struct {
	RunDir     string // per-run directory the driver populates with logs/artifacts
	RepoPath   string
	Workflow   string
	Job        string
	Event      string // defaults to "push"
	Version    string // when set, simulates a tag-push event
	ExtraFlags []string
	Timeout    time.Duration // defaults to 1h
}

// Driver runs workflows through the local emulator.
type Driver struct {
	cfg RunnerConfig
}

// New returns a Driver for cfg.
func New(cfg RunnerConfig) *Driver {
	if cfg.EmulatorPath == "" {
		cfg.EmulatorPath = "act"
	}
	return &Driver{cfg: cfg}
}

// Preflight verifies that workspace bind-mounting (if enabled) carries a
// UID/GID override, that the emulator binary exists, and that the Docker
// daemon responds. The UID/GID check is fatal: a misconfigured bind mount
// would silently produce artifacts owned by the wrong user.
func (d *Driver) Preflight(ctx context.Context) error {
	if d.cfg.BindMountsWorkspace && d.cfg.UIDGIDOverride == "" {
		return model.NewError(model.ErrInvalidArgs, "containerrunner: workspace bind-mounting is enabled without a UID/GID override; refusing to run (would produce artifacts owned by the wrong user)")
	}

	if _, err := exec.LookPath(d.cfg.EmulatorPath); err != nil {
		return model.NewError(model.ErrDependencyMissing, "containerrunner: emulator binary %q not found", d.cfg.EmulatorPath).WithCause(err)
	}

	cmd := exec.CommandContext(ctx, "docker", "info")
	if err := cmd.Run(); err != nil {
		return model.NewError(model.ErrDependencyMissing, "containerrunner: docker daemon did not respond").WithCause(err)
	}
	return nil
}

// RunWorkflow invokes the emulator against req.Workflow, writing its
// stdout and stderr to the run's log file only (the log subsystem does not
// receive the output), and translating the emulator's true exit code (not
// any wrapper's) into a RunResult.
func (d *Driver) RunWorkflow(ctx context.Context, req RunRequest) (*RunResult, error) {
	if err := d.Preflight(ctx); err != nil {
		return nil, err
	}

	if req.Event == "" {
		req.Event = "push"
	}
	if req.Timeout == 0 {
		req.Timeout = time.Hour
	}
	runID := fmt.Sprintf("run-%d-%d", time.Now().UnixNano(), os.Getpid())

	if err := os.MkdirAll(req.RunDir, 0o750); err != nil {
		return nil, fmt.Errorf("containerrunner: mkdir run dir: %w", err)
	}
	artifactDir := filepath.Join(req.RunDir, "artifacts")
	if err := os.MkdirAll(artifactDir, 0o750); err != nil {
		return nil, fmt.Errorf("containerrunner: mkdir artifact dir: %w", err)
	}
	logPath := filepath.Join(req.RunDir, "run.log")
	logFile, err := os.Create(logPath)
	if err != nil {
		return nil, fmt.Errorf("containerrunner: create log file: %w", err)
	}
	defer logFile.Close()

	if req.Workflow != "" {
		if analysis, err := AnalyzeWorkflow(filepath.Join(req.RepoPath, req.Workflow)); err == nil && analysis.NativeRequiredCount > 0 {
			slog.WarnContext(ctx, "containerrunner.workflow_has_native_jobs",
				"workflow", req.Workflow, "macos_jobs", analysis.MacOSJobs, "windows_jobs", analysis.WindowsJobs)
		}
	}

	args := []string{req.Event, "--artifact-server-path", artifactDir}
	if req.Job != "" {
		args = append(args, "-j", req.Job)
	}
	if req.Workflow != "" {
		args = append(args, "-W", req.Workflow)
	}
	args = append(args, req.ExtraFlags...)

	ctx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, d.cfg.EmulatorPath, args...)
	cmd.Dir = req.RepoPath
	cmd.Env = append(os.Environ(), tagPushEnv(req.Version)...)

	cmd.Stdout = logFile
	cmd.Stderr = logFile

	slog.InfoContext(ctx, "containerrunner.run_workflow", "cmd", strings.Join(cmd.Args, " "), "run_id", runID)
	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start).Seconds()

	status, exitCode := classifyExit(ctx, runErr)

	count, err := countArtifacts(artifactDir)
	if err != nil {
		count = 0
	}

	return &RunResult{
		RunID:         runID,
		Workflow:      req.Workflow,
		Job:           req.Job,
		Status:        status,
		ExitCode:      exitCode,
		DurationSec:   duration,
		ArtifactDir:   artifactDir,
		ArtifactCount: count,
		LogFile:       logPath,
	}, nil
}

// tagPushEnv simulates a tag-push event so workflows that detect the
// version from ref metadata behave as they would on a real release.
func tagPushEnv(version string) []string {
	if version == "" {
		return nil
	}
	tag := version
	if !strings.HasPrefix(tag, "v") {
		tag = "v" + tag
	}
	return []string{
		"GITHUB_REF=refs/tags/" + tag,
		"GITHUB_REF_NAME=" + tag,
		"GITHUB_REF_TYPE=tag",
	}
}

// classifyExit maps a command error (or nil) to a RunStatus and exit code,
// distinguishing timeout (spec-mandated exit code 5) from other failures
// (exit code 6). Exit code 0 with no error is success.
func classifyExit(ctx context.Context, err error) (RunStatus, int) {
	if err == nil {
		return RunStatusSuccess, 0
	}
	if ctx.Err() == context.DeadlineExceeded {
		return RunStatusTimeout, 5
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 124 {
		return RunStatusTimeout, 5
	}
	return RunStatusFailed, 6
}

func countArtifacts(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	count := 0
	for _, e := range entries {
		if !e.IsDir() {
			count++
		}
	}
	return count, nil
}

// WorkflowAnalysis classifies a GitHub Actions workflow's jobs by runner OS.
type WorkflowAnalysis struct {
	LinuxJobs           []string
	MacOSJobs           []string
	WindowsJobs         []string
	OtherJobs           []string
	ActCompatibleCount  int
	NativeRequiredCount int
}

type workflowFile struct {
	Jobs map[string]struct {
		RunsOn yaml.Node `yaml:"runs-on"`
	} `yaml:"jobs"`
}

var macosRe = regexp.MustCompile(`(?i)macos|darwin`)
var windowsRe = regexp.MustCompile(`(?i)windows`)
var linuxRe = regexp.MustCompile(`(?i)ubuntu|linux`)

// AnalyzeWorkflow reads the workflow YAML at path and classifies its jobs.
func AnalyzeWorkflow(path string) (*WorkflowAnalysis, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("containerrunner: read workflow %s: %w", path, err)
	}
	var wf workflowFile
	if err := yaml.Unmarshal(raw, &wf); err != nil {
		return nil, fmt.Errorf("containerrunner: parse workflow %s: %w", path, err)
	}

	analysis := &WorkflowAnalysis{}
	for name, job := range wf.Jobs {
		label := runsOnLabel(job.RunsOn)
		switch {
		case linuxRe.MatchString(label):
			analysis.LinuxJobs = append(analysis.LinuxJobs, name)
			analysis.ActCompatibleCount++
		case macosRe.MatchString(label):
			analysis.MacOSJobs = append(analysis.MacOSJobs, name)
			analysis.NativeRequiredCount++
		case windowsRe.MatchString(label):
			analysis.WindowsJobs = append(analysis.WindowsJobs, name)
			analysis.NativeRequiredCount++
		default:
			analysis.OtherJobs = append(analysis.OtherJobs, name)
		}
	}
	return analysis, nil
}

// runsOnLabel renders a runs-on YAML node (scalar or sequence) as one
// string for classification; case is kept as written.
func runsOnLabel(node yaml.Node) string {
	switch node.Kind {
	case yaml.ScalarNode:
		return node.Value
	case yaml.SequenceNode:
		var sb strings.Builder
		for _, c := range node.Content {
			sb.WriteString(c.Value)
			sb.WriteString(" ")
		}
		return sb.String()
	default:
		return ""
	}
}

