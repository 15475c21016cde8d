package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/forgebay/forge/internal/config"
	"github.com/forgebay/forge/internal/containerrunner"
	"github.com/forgebay/forge/internal/hostselector"
	"github.com/forgebay/forge/internal/lock"
	"github.com/forgebay/forge/internal/model"
	"github.com/forgebay/forge/internal/nativessh"
	"github.com/forgebay/forge/internal/state"
)

// fakeContainerRunner drives container-runner jobs deterministically: it
// writes a fixed artifact file into the request's artifact directory and
// reports whatever status the test configured, counting invocations per job.
type fakeContainerRunner struct {
	mu       sync.Mutex
	status   containerrunner.RunStatus
	exitCode int
	calls    int
}

func (f *fakeContainerRunner) RunWorkflow(ctx context.Context, req containerrunner.RunRequest) (*containerrunner.RunResult, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	dir := filepath.Join(req.RunDir, "artifacts")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, err
	}
	status := f.status
	if status == "" {
		status = containerrunner.RunStatusSuccess
	}
	if status == containerrunner.RunStatusSuccess {
		if err := os.WriteFile(filepath.Join(dir, "widget-raw"), []byte("0123456789abc"), 0o644); err != nil {
			return nil, err
		}
	}
	return &containerrunner.RunResult{
		Status:        status,
		ExitCode:      f.exitCode,
		DurationSec:   0.5,
		ArtifactDir:   dir,
		ArtifactCount: 1,
	}, nil
}

// fakeNative drives native builds deterministically, with a per-call
// sequence of outcomes so S4's "fails three times then succeeds" scenario
// can be scripted.
type fakeNative struct {
	mu       sync.Mutex
	attempts int32
	seq      []nativessh.Status
	exitSeq  []int
}

func (f *fakeNative) RunNative(ctx context.Context, tool model.Tool, platform model.Platform, version, runID, remotePath, localDestDir string, globalEnv map[string]string) (*nativessh.NativeResult, error) {
	n := int(atomic.AddInt32(&f.attempts, 1)) - 1
	status := nativessh.StatusSuccess
	exitCode := 0
	if n < len(f.seq) {
		status = f.seq[n]
	}
	if n < len(f.exitSeq) {
		exitCode = f.exitSeq[n]
	}
	res := &nativessh.NativeResult{Status: status, ExitCode: exitCode, DurationSec: 0.25}
	if status == nativessh.StatusSuccess {
		if err := os.MkdirAll(localDestDir, 0o750); err != nil {
			return nil, err
		}
		path := filepath.Join(localDestDir, "widget-native")
		if err := os.WriteFile(path, []byte("native-bytes"), 0o644); err != nil {
			return nil, err
		}
		res.ArtifactPath = path
	}
	return res, nil
}

// fakeFailingSCPNative simulates a native build that always succeeds
// remotely but whose SCP fetch always fails (S2).
type fakeFailingSCPNative struct{}

func (fakeFailingSCPNative) RunNative(ctx context.Context, tool model.Tool, platform model.Platform, version, runID, remotePath, localDestDir string, globalEnv map[string]string) (*nativessh.NativeResult, error) {
	return &nativessh.NativeResult{Status: nativessh.StatusFailed, ExitCode: 7, DurationSec: 1.0}, nil
}

type noopSyncer struct{}

func (noopSyncer) Sync(ctx context.Context, host model.Host, localPath, remotePath string, extraExcludes []string) error {
	return nil
}
func (noopSyncer) EnsureRepoReady(ctx context.Context, host model.Host, remotePath, repoURL, version string) error {
	return nil
}

func writeConfig(t *testing.T, dir string, yamlBody string) string {
	t.Helper()
	path := filepath.Join(dir, "forge.yaml")
	if err := os.WriteFile(path, []byte(yamlBody), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func newHarness(t *testing.T, cfgYAML string, cr ContainerRunner, nd NativeDriver) (*Orchestrator, *config.Store) {
	t.Helper()
	root := t.TempDir()
	cfgPath := writeConfig(t, root, cfgYAML)
	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	stateRoot := filepath.Join(root, "state")
	st := state.New(stateRoot, 3)
	locks := lock.New(stateRoot)
	selector := hostselector.New(stateRoot, cfg.Hosts(), nil)

	o := New(cfg, st, locks, selector, cr, nd, noopSyncer{}, nil, nil)
	o.sleep = func(time.Duration) {} // tests never wait out real backoff
	return o, cfg
}

const linuxToolYAML = `
hosts:
  - id: localhost
    platform: linux/amd64
    transport: local
    concurrency: 2
    capabilities: ["container-runner", "docker"]
tools:
  - id: widget
    binary_name: widget
    local_path: /tmp/widget-src
    targets: ["linux/amd64"]
    workflow: .github/workflows/release.yml
    act_job_map:
      linux/amd64: build-linux
`

func TestOrchestrateS1SingleLinuxBuildAllGreen(t *testing.T) {
	cr := &fakeContainerRunner{status: containerrunner.RunStatusSuccess}
	o, _ := newHarness(t, linuxToolYAML, cr, &fakeNative{})

	result, err := o.Orchestrate(context.Background(), "widget", "1.0.0", Options{})
	if err != nil {
		t.Fatalf("Orchestrate: %v", err)
	}
	if result.Status != model.RunCompleted || result.ExitCode != 0 {
		t.Fatalf("unexpected result %+v", result)
	}
	if len(result.Targets) != 1 || result.Targets[0].Status != model.HostCompleted {
		t.Fatalf("unexpected targets %+v", result.Targets)
	}
	if _, err := os.Stat(result.Targets[0].ArtifactPath); err != nil {
		t.Fatalf("expected artifact on disk: %v", err)
	}
}

const darwinNativeToolYAML = `
hosts:
  - id: mmini
    platform: darwin/arm64
    transport: ssh
    ssh_host: mmini
    concurrency: 1
    capabilities: ["go"]
platform_to_host:
  darwin/arm64: mmini
tools:
  - id: widget
    binary_name: widget
    local_path: /tmp/widget-src
    language: go
    targets: ["darwin/arm64"]
`

func TestOrchestrateS2DarwinNativeSCPFails(t *testing.T) {
	o, _ := newHarness(t, darwinNativeToolYAML, &fakeContainerRunner{}, fakeFailingSCPNative{})

	result, err := o.Orchestrate(context.Background(), "widget", "1.0.0", Options{})
	if err != nil {
		t.Fatalf("Orchestrate: %v", err)
	}
	if result.Status != model.RunFailed || result.ExitCode != 7 {
		t.Fatalf("expected failed run with exit 7, got %+v", result)
	}
	if result.Targets[0].Error == "" {
		t.Fatal("expected an error on the failed target")
	}
}

func TestOrchestrateS3LockConflict(t *testing.T) {
	root := t.TempDir()
	cfgPath := writeConfig(t, root, linuxToolYAML)
	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	stateRoot := filepath.Join(root, "state")
	locks := lock.New(stateRoot)
	if err := locks.Acquire("widget", "1.0.0", "run-holder-1"); err != nil {
		t.Fatalf("seed lock: %v", err)
	}

	st := state.New(stateRoot, 3)
	selector := hostselector.New(stateRoot, cfg.Hosts(), nil)
	o := New(cfg, st, locks, selector, &fakeContainerRunner{}, &fakeNative{}, noopSyncer{}, nil, nil)

	_, err = o.Orchestrate(context.Background(), "widget", "1.0.0", Options{})
	if err == nil {
		t.Fatal("expected lock_conflict error")
	}
	if model.KindOf(err) != model.ErrLockConflict {
		t.Fatalf("expected lock_conflict, got %v (%v)", model.KindOf(err), err)
	}

	// The holder's lock must be untouched and no build run directory created.
	if _, statErr := os.Stat(filepath.Join(stateRoot, "builds", "widget", "1.0.0")); !os.IsNotExist(statErr) {
		t.Fatalf("expected no build run directory to exist, stat err: %v", statErr)
	}
}

const threeTargetToolYAML = `
hosts:
  - id: localhost
    platform: linux/amd64
    transport: local
    concurrency: 2
    capabilities: ["container-runner", "docker"]
  - id: mmini
    platform: darwin/arm64
    transport: ssh
    ssh_host: mmini
    concurrency: 1
    capabilities: ["go"]
  - id: winbox
    platform: windows/amd64
    transport: ssh
    ssh_host: winbox
    concurrency: 1
    capabilities: ["go"]
platform_to_host:
  darwin/arm64: mmini
  windows/amd64: winbox
tools:
  - id: widget
    binary_name: widget
    local_path: /tmp/widget-src
    language: go
    targets: ["linux/amd64", "darwin/arm64", "windows/amd64"]
    workflow: .github/workflows/release.yml
    act_job_map:
      linux/amd64: build-linux
      darwin/arm64: null
      windows/amd64: null
`

// sequencingNative routes RunNative by platform so the windows target can
// fail three times while darwin always succeeds on first try, matching S4.
type sequencingNative struct {
	mu      sync.Mutex
	winCall int
}

func (s *sequencingNative) RunNative(ctx context.Context, tool model.Tool, platform model.Platform, version, runID, remotePath, localDestDir string, globalEnv map[string]string) (*nativessh.NativeResult, error) {
	if platform != "windows/amd64" {
		if err := os.MkdirAll(localDestDir, 0o750); err != nil {
			return nil, err
		}
		path := filepath.Join(localDestDir, "widget-native")
		if err := os.WriteFile(path, []byte("bytes"), 0o644); err != nil {
			return nil, err
		}
		return &nativessh.NativeResult{Status: nativessh.StatusSuccess, ExitCode: 0, DurationSec: 0.1, ArtifactPath: path}, nil
	}

	s.mu.Lock()
	s.winCall++
	call := s.winCall
	s.mu.Unlock()

	if call <= 3 {
		return &nativessh.NativeResult{Status: nativessh.StatusFailed, ExitCode: 6, DurationSec: 0.1}, nil
	}
	if err := os.MkdirAll(localDestDir, 0o750); err != nil {
		return nil, err
	}
	path := filepath.Join(localDestDir, "widget-native-win.exe")
	if err := os.WriteFile(path, []byte("bytes"), 0o644); err != nil {
		return nil, err
	}
	return &nativessh.NativeResult{Status: nativessh.StatusSuccess, ExitCode: 0, DurationSec: 0.1, ArtifactPath: path}, nil
}

func TestOrchestrateS4ResumeAfterPartial(t *testing.T) {
	root := t.TempDir()
	cfgPath := writeConfig(t, root, threeTargetToolYAML)
	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	stateRoot := filepath.Join(root, "state")
	st := state.New(stateRoot, 3)
	locks := lock.New(stateRoot)
	selector := hostselector.New(stateRoot, cfg.Hosts(), nil)

	native := &sequencingNative{}
	o := New(cfg, st, locks, selector, &fakeContainerRunner{}, native, noopSyncer{}, nil, nil)
	o.sleep = func(time.Duration) {}

	first, err := o.Orchestrate(context.Background(), "widget", "1.0.0", Options{})
	if err != nil {
		t.Fatalf("first Orchestrate: %v", err)
	}
	if first.Status != model.RunPartial || first.ExitCode != 1 {
		t.Fatalf("expected partial run after first invocation, got %+v", first)
	}
	if native.winCall != 3 {
		t.Fatalf("expected exactly 3 windows attempts (RETRY_MAX), got %d", native.winCall)
	}

	second, err := o.Orchestrate(context.Background(), "widget", "1.0.0", Options{Resume: true})
	if err != nil {
		t.Fatalf("resume Orchestrate: %v", err)
	}
	if second.Status != model.RunCompleted || second.ExitCode != 0 {
		t.Fatalf("expected completed run after resume, got %+v", second)
	}
	completed := 0
	for _, o := range second.Targets {
		if o.Status == model.HostCompleted {
			completed++
		}
	}
	if completed != 3 {
		t.Fatalf("expected all 3 targets completed after resume, got %d (%+v)", completed, second.Targets)
	}
}

func TestOrchestrateS6StaleLockReclaimed(t *testing.T) {
	root := t.TempDir()
	cfgPath := writeConfig(t, root, linuxToolYAML)
	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	stateRoot := filepath.Join(root, "state")
	locks := lock.New(stateRoot)
	if err := os.MkdirAll(filepath.Join(stateRoot, "locks"), 0o750); err != nil {
		t.Fatal(err)
	}
	stalePath := filepath.Join(stateRoot, "locks", "widget-1.0.0.lock")
	// Write a lock referencing a dead PID aged 2h, in the manager's own
	// "<pid> <epoch> <run_id>" format.
	epoch := time.Now().Add(-2 * time.Hour).Unix()
	body := strconv.FormatInt(999999, 10) + " " + strconv.FormatInt(epoch, 10) + " run-old-1"
	if err := os.WriteFile(stalePath, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	st := state.New(stateRoot, 3)
	selector := hostselector.New(stateRoot, cfg.Hosts(), nil)
	o := New(cfg, st, locks, selector, &fakeContainerRunner{status: containerrunner.RunStatusSuccess}, &fakeNative{}, noopSyncer{}, nil, nil)

	result, err := o.Orchestrate(context.Background(), "widget", "1.0.0", Options{})
	if err != nil {
		t.Fatalf("Orchestrate: %v", err)
	}
	if result.ExitCode != 0 {
		t.Fatalf("expected stale lock reclaim to proceed normally, got %+v", result)
	}
}

func TestClassifyExitCodeMapsSpecExitCodes(t *testing.T) {
	cases := map[int]model.ErrorKind{
		5: model.ErrTimeout,
		6: model.ErrBuildFailure,
		7: model.ErrArtifactFailure,
		9: model.ErrBuildFailure,
	}
	for code, want := range cases {
		if got := classifyExitCode(code); got != want {
			t.Errorf("classifyExitCode(%d) = %s, want %s", code, got, want)
		}
	}
}

func TestResolveTargetsPrefersExplicitOverConfig(t *testing.T) {
	tool := model.Tool{Targets: []model.Platform{"linux/amd64"}}
	got := resolveTargets(tool, []model.Platform{"windows/amd64"})
	if len(got) != 1 || got[0] != "windows/amd64" {
		t.Fatalf("unexpected targets %+v", got)
	}
	got = resolveTargets(tool, nil)
	if len(got) != 1 || got[0] != "linux/amd64" {
		t.Fatalf("unexpected fallback targets %+v", got)
	}
}
