// Package orchestrator implements the top-level per-tool release
// algorithm: resolve targets, acquire the (tool, version) lock, fan a
// target out to whichever driver its platform resolves to, retry
// transient failures under a bounded envelope, and assemble the finished
// build run into a signed manifest. Grounded on the teacher's
// ContainerSvc/SystemSvc orchestration style (containers.go, system.go:
// slog-first, exec.CommandContext-driven control flow) generalized from a
// single-host container lifecycle into a multi-target, multi-driver fan
// out with its own lock and retry bookkeeping.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/forgebay/forge/internal/config"
	"github.com/forgebay/forge/internal/containerrunner"
	"github.com/forgebay/forge/internal/hostselector"
	"github.com/forgebay/forge/internal/lock"
	"github.com/forgebay/forge/internal/manifest"
	"github.com/forgebay/forge/internal/model"
	"github.com/forgebay/forge/internal/naming"
	"github.com/forgebay/forge/internal/nativessh"
	"github.com/forgebay/forge/internal/state"
	"github.com/forgebay/forge/internal/strategy"
)

// ContainerRunner is the subset of *containerrunner.Driver the orchestrator
// calls, narrowed so tests can substitute a fake.
type ContainerRunner interface {
	RunWorkflow(ctx context.Context, req containerrunner.RunRequest) (*containerrunner.RunResult, error)
}

// NativeDriver is the subset of *nativessh.Driver the orchestrator calls.
type NativeDriver interface {
	RunNative(ctx context.Context, tool model.Tool, platform model.Platform, version, runID, remotePath, localDestDir string, globalEnv map[string]string) (*nativessh.NativeResult, error)
}

// SourceSyncer is the subset of *sourcesync.Syncer the orchestrator calls
// before driving a native build.
type SourceSyncer interface {
	Sync(ctx context.Context, host model.Host, localPath, remotePath string, extraExcludes []string) error
	EnsureRepoReady(ctx context.Context, host model.Host, remotePath, repoURL, version string) error
}

// Orchestrator wires the Config Store, State Store, Lock Manager, Host
// Selector and the two build drivers into the single-run algorithm of
// spec.md §4.10.
type Orchestrator struct {
	cfg      *config.Store
	state    *state.Store
	locks    *lock.Manager
	selector *hostselector.Selector
	runner   ContainerRunner
	native   NativeDriver
	syncer   SourceSyncer
	key      *manifest.SigningKey
	logger   *slog.Logger

	globalEnv    map[string]string
	buildTimeout time.Duration

	now   func() time.Time
	sleep func(time.Duration)

	mu    sync.Mutex
	gates map[string]chan struct{}
}

// New returns an Orchestrator. key may be nil, in which case no artifact
// records (hash, signature, SBOM, provenance) are built and the manifest
// lists no artifacts (a dry-run or pre-provisioning posture); callers that
// need signed manifests should load a key via
// manifest.LoadOrCreateSigningKey first.
func New(cfg *config.Store, st *state.Store, locks *lock.Manager, selector *hostselector.Selector, runner ContainerRunner, native NativeDriver, syncer SourceSyncer, key *manifest.SigningKey, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:          cfg,
		state:        st,
		locks:        locks,
		selector:     selector,
		runner:       runner,
		native:       native,
		syncer:       syncer,
		key:          key,
		logger:       logger,
		buildTimeout: time.Hour,
		now:          time.Now,
		sleep:        time.Sleep,
		gates:        map[string]chan struct{}{},
	}
}

// WithGlobalEnv sets the environment block merged under every native
// build's cross-compile overrides.
func (o *Orchestrator) WithGlobalEnv(env map[string]string) *Orchestrator {
	o.globalEnv = env
	return o
}

// Options customizes one orchestration invocation.
type Options struct {
	Targets []model.Platform // CLI override; empty means "use the tool's configured targets"
	Resume  bool             // only retry targets left pending/retryable by the previous run
}

// TargetOutcome is the per-target line of the aggregated result.
type TargetOutcome struct {
	Platform     model.Platform `json:"platform"`
	Host         string         `json:"host"`
	Status       model.HostStatus `json:"status"`
	ArtifactPath string         `json:"artifact_path,omitempty"`
	DurationSec  float64        `json:"duration_seconds,omitempty"`
	Error        string         `json:"error,omitempty"`
}

// Result is the single machine-readable envelope the CLI prints to stdout
// in --json mode (spec.md §7).
type Result struct {
	RunID    string            `json:"run_id"`
	Tool     string            `json:"tool"`
	Version  string            `json:"version"`
	Status   model.RunStatus   `json:"status"`
	ExitCode int               `json:"exit_code"`
	Targets  []TargetOutcome   `json:"targets"`
	Manifest *model.Manifest   `json:"manifest,omitempty"`
}

// Orchestrate runs the full per-tool algorithm and always returns a Result
// with a matching exit code, even on failure paths; the returned error is
// non-nil only for conditions that prevented any run from being attempted
// at all (unknown tool, lock conflict, state-store I/O failure).
func (o *Orchestrator) Orchestrate(ctx context.Context, toolID, version string, opts Options) (*Result, error) {
	tool, err := o.cfg.Tool(toolID)
	if err != nil {
		return nil, err
	}

	gitSHA, gitRef := snapshotGit(tool.LocalPath)

	var runID string
	var targets []model.Platform
	var resumeHosts []string

	if opts.Resume {
		existing, err := o.state.Get(toolID, version, "latest")
		if err != nil {
			return nil, model.NewError(model.ErrInvalidArgs, "orchestrator: no previous run to resume for %s/%s", toolID, version).WithCause(err)
		}
		runID = existing.RunID
	} else {
		runID = o.state.NewRunID()
	}

	if err := o.locks.Acquire(toolID, version, runID); err != nil {
		return nil, err
	}
	lockHeld := true
	release := func() {
		if lockHeld {
			if err := o.locks.Release(toolID, version); err != nil {
				o.logger.Error("orchestrator.release_lock_failed", "tool", toolID, "version", version, "error", err)
			}
			lockHeld = false
		}
	}
	defer release()

	if opts.Resume {
		plan, err := o.state.ResumePlan(toolID, version, runID)
		if err != nil {
			return nil, err
		}
		run, err := o.state.Get(toolID, version, runID)
		if err != nil {
			return nil, err
		}
		// An explicit --resume always gives failed hosts a fresh attempt,
		// including ones that already exhausted RETRY_MAX on their own:
		// the operator asking to resume is itself the override for the
		// automatic retry cap (spec.md S4).
		for _, h := range append(append([]string{}, plan.Retryable...), plan.Exceeded...) {
			if err := o.state.ResetRetries(toolID, version, runID, h); err != nil {
				return nil, err
			}
			resumeHosts = append(resumeHosts, h)
		}
		resumeHosts = append(resumeHosts, plan.Pending...)
		for _, h := range resumeHosts {
			if hs, ok := run.Hosts[h]; ok {
				targets = append(targets, hs.Platform)
			}
		}
	} else {
		targets = resolveTargets(tool, opts.Targets)
		if err := o.state.CreateWithID(toolID, version, runID, targets); err != nil {
			return nil, err
		}
		if err := o.state.SetGitInfo(toolID, version, runID, gitSHA, gitRef); err != nil {
			return nil, err
		}
	}

	if err := o.state.SetStatus(toolID, version, runID, model.RunRunning); err != nil {
		return nil, err
	}

	o.logger.Info("orchestrator.run_started", "tool", toolID, "version", version, "run_id", runID, "targets", targets)

	outcomes := o.driveAll(ctx, tool, version, runID, targets, resumeHosts)

	run, err := o.state.Get(toolID, version, runID)
	if err != nil {
		return nil, err
	}

	artifacts, artifactErr := o.collectArtifacts(tool, version, runID, run, gitSHA)
	if artifactErr != nil {
		o.logger.Error("orchestrator.manifest_assembly_failed", "tool", toolID, "version", version, "error", artifactErr)
	}

	status := aggregateStatus(run)
	if err := o.state.SetStatus(toolID, version, runID, status); err != nil {
		return nil, err
	}
	run.Status = status

	// Retention: keep the newest 5 runs of this (tool, version).
	if err := o.state.Cleanup(toolID, version, 5); err != nil {
		o.logger.Warn("orchestrator.retention_cleanup_failed", "tool", toolID, "version", version, "error", err)
	}

	mf := manifest.Assemble(run, artifacts)

	release()

	result := &Result{
		RunID:    runID,
		Tool:     toolID,
		Version:  version,
		Status:   status,
		ExitCode: exitCodeFor(status, run),
		Targets:  outcomes,
		Manifest: &mf,
	}

	o.logger.Info("orchestrator.run_finished", "tool", toolID, "version", version, "run_id", runID, "status", status, "exit_code", result.ExitCode)
	return result, nil
}

// resolveTargets honours a CLI override over the tool's configured targets.
func resolveTargets(tool model.Tool, explicit []model.Platform) []model.Platform {
	if len(explicit) > 0 {
		return explicit
	}
	return tool.Targets
}

// driveAll fans targets out, one task per target, bounded by each host's
// declared concurrency via an in-process semaphore plus the cross-process
// slot file accounting in the Host Selector.
func (o *Orchestrator) driveAll(ctx context.Context, tool model.Tool, version, runID string, targets []model.Platform, resumeHosts []string) []TargetOutcome {
	presetHost := map[model.Platform]string{}
	if len(resumeHosts) == len(targets) {
		for i, h := range resumeHosts {
			presetHost[targets[i]] = h
		}
	}

	// A plain (non-WithContext) errgroup.Group gives bounded fan-out with
	// the same join semantics as sync.WaitGroup; every goroutine always
	// returns nil since a failed target is recorded in its TargetOutcome,
	// not propagated as a Go error — one target failing must never cancel
	// its siblings.
	var g errgroup.Group
	outcomes := make([]TargetOutcome, len(targets))
	for i, platform := range targets {
		i, platform := i, platform
		g.Go(func() error {
			outcomes[i] = o.driveTarget(ctx, tool, version, runID, platform, presetHost[platform])
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].Platform < outcomes[j].Platform })
	return outcomes
}

// driveTarget resolves a driver and host for one platform, marks the host
// running, invokes the driver under a retry envelope, and records the
// terminal outcome in the state store.
func (o *Orchestrator) driveTarget(ctx context.Context, tool model.Tool, version, runID string, platform model.Platform, presetHost string) TargetOutcome {
	decision, err := strategy.Resolve(tool, platform, o.cfg)
	if err != nil {
		o.state.SetHost(tool.ID, version, runID, string(platform), platform, model.HostFailed, string(model.ErrInvalidArgs))
		return TargetOutcome{Platform: platform, Status: model.HostFailed, Error: err.Error()}
	}

	var hostID string
	if decision.Driver == strategy.DriverContainerRunner {
		hostID, err = o.selector.ChooseHost(platform, "container-runner", presetHost)
	} else {
		hostID, err = o.selector.ChooseHost(platform, "", firstNonEmpty(presetHost, decision.HostID))
	}
	if err != nil {
		o.state.SetHost(tool.ID, version, runID, string(platform), platform, model.HostFailed, string(model.ErrDependencyMissing))
		return TargetOutcome{Platform: platform, Status: model.HostFailed, Error: err.Error()}
	}

	if err := o.selector.AcquireSlot(hostID, runID); err != nil {
		o.state.SetHost(tool.ID, version, runID, hostID, platform, model.HostFailed, string(model.ErrInternal))
		return TargetOutcome{Platform: platform, Host: hostID, Status: model.HostFailed, Error: err.Error()}
	}
	defer o.selector.ReleaseSlot(hostID, runID)

	release := o.acquireGate(hostID)
	defer release()

	if err := o.state.SetHost(tool.ID, version, runID, hostID, platform, model.HostRunning, ""); err != nil {
		return TargetOutcome{Platform: platform, Host: hostID, Status: model.HostFailed, Error: err.Error()}
	}

	scratchDir := filepath.Join(o.state.ArtifactsDir(tool.ID, version, runID), ".scratch", sanitize(string(platform)))

	var host model.Host
	if decision.Driver == strategy.DriverNative {
		host, err = o.cfg.Host(hostID)
		if err != nil {
			o.state.SetHost(tool.ID, version, runID, hostID, platform, model.HostFailed, string(model.ErrInvalidArgs))
			return TargetOutcome{Platform: platform, Host: hostID, Status: model.HostFailed, Error: err.Error()}
		}
		if o.syncer != nil {
			remotePath := config.HostPath(tool, hostID)
			if err := o.syncer.Sync(ctx, host, tool.LocalPath, remotePath, nil); err != nil {
				o.logger.Warn("orchestrator.source_sync_failed", "host", hostID, "error", err)
			}
			if err := o.syncer.EnsureRepoReady(ctx, host, remotePath, tool.Repo, version); err != nil {
				o.state.SetHost(tool.ID, version, runID, hostID, platform, model.HostFailed, string(model.ErrDependencyMissing))
				return TargetOutcome{Platform: platform, Host: hostID, Status: model.HostFailed, Error: err.Error()}
			}
		}
	}

	attempt := 0
	maxRetries := o.state.MaxRetries()
	for {
		attempt++
		outcome, invokeErr := o.invoke(ctx, tool, decision, platform, version, runID, hostID, scratchDir)
		if invokeErr != nil {
			o.state.RecordRetry(tool.ID, version, runID, hostID, attempt, invokeErr.Error())
			o.state.SetHost(tool.ID, version, runID, hostID, platform, model.HostFailed, string(model.ErrInvalidArgs))
			return TargetOutcome{Platform: platform, Host: hostID, Status: model.HostFailed, Error: invokeErr.Error()}
		}

		if outcome.success {
			finalPath, artErr := o.placeArtifact(tool, version, runID, platform, outcome.rawArtifactPath)
			if artErr != nil {
				o.state.RecordRetry(tool.ID, version, runID, hostID, attempt, artErr.Error())
				o.state.SetHost(tool.ID, version, runID, hostID, platform, model.HostFailed, string(model.ErrArtifactFailure))
				return TargetOutcome{Platform: platform, Host: hostID, Status: model.HostFailed, Error: artErr.Error()}
			}
			if err := o.state.AddArtifact(tool.ID, version, runID, hostID, finalPath, outcome.durationSec); err != nil {
				o.logger.Error("orchestrator.record_artifact_failed", "host", hostID, "error", err)
			}
			if err := o.state.SetHost(tool.ID, version, runID, hostID, platform, model.HostCompleted, ""); err != nil {
				o.logger.Error("orchestrator.mark_completed_failed", "host", hostID, "error", err)
			}
			os.RemoveAll(scratchDir)
			return TargetOutcome{Platform: platform, Host: hostID, Status: model.HostCompleted, ArtifactPath: finalPath, DurationSec: outcome.durationSec}
		}

		kind := classifyExitCode(outcome.exitCode)
		errMsg := fmt.Sprintf("%s: exit %d", kind, outcome.exitCode)
		o.state.RecordRetry(tool.ID, version, runID, hostID, attempt, errMsg)

		retryable := kind == model.ErrTimeout || kind == model.ErrBuildFailure
		if retryable && attempt < maxRetries {
			o.sleep(o.state.BackoffDelay(attempt - 1))
			continue
		}

		o.state.SetHost(tool.ID, version, runID, hostID, platform, model.HostFailed, string(kind))
		return TargetOutcome{Platform: platform, Host: hostID, Status: model.HostFailed, Error: errMsg}
	}
}

// driveOutcome is the driver-agnostic view of one attempt.
type driveOutcome struct {
	success         bool
	exitCode        int
	rawArtifactPath string
	durationSec     float64
}

// invoke runs exactly one attempt via whichever driver the strategy chose.
func (o *Orchestrator) invoke(ctx context.Context, tool model.Tool, decision strategy.Decision, platform model.Platform, version, runID, hostID, scratchDir string) (driveOutcome, error) {
	switch decision.Driver {
	case strategy.DriverContainerRunner:
		req := containerrunner.RunRequest{
			RunDir:   scratchDir,
			RepoPath: tool.LocalPath,
			Workflow: tool.Workflow,
			Job:      decision.Job,
			Event:    "push",
			Version:  version,
			Timeout:  o.buildTimeout,
		}
		res, err := o.runner.RunWorkflow(ctx, req)
		if err != nil {
			return driveOutcome{}, model.NewError(model.ErrInternal, "orchestrator: run_workflow").WithCause(err)
		}
		out := driveOutcome{
			success:     res.Status == containerrunner.RunStatusSuccess,
			exitCode:    res.ExitCode,
			durationSec: res.DurationSec,
		}
		if out.success {
			raw, err := pickArtifact(res.ArtifactDir)
			if err != nil {
				out.success = false
				out.exitCode = model.ErrArtifactFailure.ExitCode()
			} else {
				out.rawArtifactPath = raw
			}
		}
		return out, nil

	default: // DriverNative
		remotePath := config.HostPath(tool, hostID)
		res, err := o.native.RunNative(ctx, tool, platform, version, runID, remotePath, scratchDir, o.globalEnv)
		if err != nil {
			return driveOutcome{}, model.NewError(model.ErrInternal, "orchestrator: run_native").WithCause(err)
		}
		return driveOutcome{
			success:         res.Status == nativessh.StatusSuccess,
			exitCode:        res.ExitCode,
			rawArtifactPath: res.ArtifactPath,
			durationSec:     res.DurationSec,
		}, nil
	}
}

// placeArtifact renames the driver's scratch-directory output into the
// run's canonical artifacts directory under the tool's resolved naming
// pattern, so the manifest and any downstream consumer see a stable name.
func (o *Orchestrator) placeArtifact(tool model.Tool, version string, runID string, platform model.Platform, rawPath string) (string, error) {
	if rawPath == "" {
		return "", model.NewError(model.ErrArtifactFailure, "orchestrator: driver reported success with no artifact")
	}

	resolution := naming.ResolveVersioned(tool, tool.LocalPath)
	compat := naming.ResolveCompat(tool, tool.LocalPath, resolution)
	warnings, err := naming.Validate(tool, tool.LocalPath, resolution, compat)
	for _, w := range warnings {
		o.logger.Warn("orchestrator.naming_warning", "tool", tool.ID, "warning", w)
	}
	if err != nil {
		return "", err
	}

	ext := archiveExt(tool, platform, rawPath)
	vars := naming.Vars{
		Name:         nameOrID(tool),
		Version:      version,
		OS:           platform.OS(),
		Arch:         naming.ResolveArch(tool, platform.Arch()),
		Target:       string(platform),
		TargetTriple: naming.ResolveTargetTriple(tool, platform),
		Ext:          ext,
	}
	finalName := naming.Render(naming.Normalize(resolution.Pattern), vars)
	destPath := filepath.Join(o.state.ArtifactsDir(tool.ID, version, runID), finalName)

	if err := copyFile(rawPath, destPath); err != nil {
		return "", model.NewError(model.ErrArtifactFailure, "orchestrator: place artifact %s", finalName).WithCause(err)
	}
	return destPath, nil
}

func nameOrID(tool model.Tool) string {
	if tool.BinaryName != "" {
		return tool.BinaryName
	}
	return tool.ID
}

// archiveExt picks the artifact's extension: a configured archive format
// wins; otherwise the driver's own raw output extension (e.g. ".exe" for a
// native Windows binary, none for unix) is kept as-is.
func archiveExt(tool model.Tool, platform model.Platform, rawPath string) string {
	if format, ok := tool.ArchiveFormat[platform.OS()]; ok {
		switch format {
		case model.ArchiveTarGz:
			return ".tar.gz"
		case model.ArchiveZip:
			return ".zip"
		}
		return ""
	}
	return filepath.Ext(rawPath)
}

// pickArtifact returns the single artifact file written under dir,
// preferring a deterministic choice (lexically first) when the runner
// emulator collected more than one.
func pickArtifact(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("orchestrator: read artifact dir %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return "", fmt.Errorf("orchestrator: no artifact written to %s", dir)
	}
	sort.Strings(names)
	return filepath.Join(dir, names[0]), nil
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// acquireGate bounds in-process concurrency for hostID to its configured
// concurrency, complementing the Host Selector's cross-process slot files.
func (o *Orchestrator) acquireGate(hostID string) func() {
	o.mu.Lock()
	gate, ok := o.gates[hostID]
	if !ok {
		n := 1
		if h, err := o.cfg.Host(hostID); err == nil && h.Concurrency > 0 {
			n = h.Concurrency
		}
		gate = make(chan struct{}, n)
		for i := 0; i < n; i++ {
			gate <- struct{}{}
		}
		o.gates[hostID] = gate
	}
	o.mu.Unlock()

	<-gate
	return func() { gate <- struct{}{} }
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func sanitize(platform string) string {
	return strings.ReplaceAll(platform, "/", "-")
}

// classifyExitCode maps a driver's reported exit code to the closed error
// kind vocabulary of spec.md §7.
func classifyExitCode(code int) model.ErrorKind {
	switch code {
	case 5:
		return model.ErrTimeout
	case 6:
		return model.ErrBuildFailure
	case 7:
		return model.ErrArtifactFailure
	default:
		return model.ErrBuildFailure
	}
}

// aggregateStatus classifies a run's overall outcome once every target has
// reached a terminal host status: completed iff all did, partial if mixed,
// failed if none did.
func aggregateStatus(run *model.BuildRun) model.RunStatus {
	total, completed, failed := 0, 0, 0
	for _, hs := range run.Hosts {
		total++
		switch hs.Status {
		case model.HostCompleted:
			completed++
		case model.HostFailed:
			failed++
		}
	}
	switch {
	case total == 0:
		return model.RunFailed
	case completed == total:
		return model.RunCompleted
	case completed > 0:
		return model.RunPartial
	default:
		return model.RunFailed
	}
}

// exitCodeFor maps the aggregate run status to the closed CLI exit code
// set. A uniformly-failed run (every failed host recorded the same error
// kind, as in the single-target S2 scenario) surfaces that kind's specific
// exit code rather than the generic build-failure one.
func exitCodeFor(status model.RunStatus, run *model.BuildRun) int {
	switch status {
	case model.RunCompleted:
		return 0
	case model.RunPartial:
		return model.ErrPartial.ExitCode()
	case model.RunFailed:
		if kind := commonFailureKind(run); kind != "" {
			return kind.ExitCode()
		}
		return model.ErrBuildFailure.ExitCode()
	default:
		return model.ErrInternal.ExitCode()
	}
}

// commonFailureKind returns the shared error kind across every failed host,
// or "" if there were no failed hosts or they disagree.
func commonFailureKind(run *model.BuildRun) model.ErrorKind {
	var kind model.ErrorKind
	seen := false
	for _, hs := range run.Hosts {
		if hs.Status != model.HostFailed {
			continue
		}
		k := model.ErrorKind(hs.LastError)
		if !seen {
			kind, seen = k, true
			continue
		}
		if k != kind {
			return ""
		}
	}
	if !seen {
		return ""
	}
	return kind
}

// collectArtifacts rebuilds a model.Artifact (hash, signature, SBOM,
// provenance) for every completed host in run, including hosts completed
// by a prior invocation when resuming a partial run.
func (o *Orchestrator) collectArtifacts(tool model.Tool, version, runID string, run *model.BuildRun, gitSHA string) ([]model.Artifact, error) {
	if o.key == nil {
		return nil, nil
	}
	var hostIDs []string
	for h, hs := range run.Hosts {
		if hs.Status == model.HostCompleted && hs.ArtifactPath != "" {
			hostIDs = append(hostIDs, h)
		}
	}
	sort.Strings(hostIDs)

	var artifacts []model.Artifact
	var firstErr error
	for _, h := range hostIDs {
		hs := run.Hosts[h]
		rec, err := manifest.BuildArtifactRecord(o.key, tool.ID, version, hs.Platform, hs.ArtifactPath, runID, gitSHA, tool.Repo, o.now())
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		artifacts = append(artifacts, rec)
	}
	return artifacts, firstErr
}

// snapshotGit reads the current HEAD sha and ref of localPath, best-effort:
// any failure (not a git tree, git missing) yields empty strings rather
// than aborting the orchestration.
func snapshotGit(localPath string) (sha, ref string) {
	if localPath == "" {
		return "", ""
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if out, err := exec.CommandContext(ctx, "git", "-C", localPath, "rev-parse", "HEAD").Output(); err == nil {
		sha = strings.TrimSpace(string(out))
	}
	if out, err := exec.CommandContext(ctx, "git", "-C", localPath, "symbolic-ref", "-q", "--short", "HEAD").Output(); err == nil {
		ref = strings.TrimSpace(string(out))
	}
	return sha, ref
}

// EmitJSON writes result as the single machine-readable envelope mandated
// by spec.md §7, optionally also persisting it to path.
func EmitJSON(result *Result, stdout io.Writer, path string) error {
	raw, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("orchestrator: marshal result: %w", err)
	}
	if stdout != nil {
		if _, err := stdout.Write(append(raw, '\n')); err != nil {
			return fmt.Errorf("orchestrator: write stdout: %w", err)
		}
	}
	if path != "" {
		if err := os.WriteFile(path, raw, 0o644); err != nil {
			return fmt.Errorf("orchestrator: write %s: %w", path, err)
		}
	}
	return nil
}
