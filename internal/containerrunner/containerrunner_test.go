package containerrunner

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/forgebay/forge/internal/model"
)

func TestPreflightFailsWhenEmulatorMissing(t *testing.T) {
	d := New(RunnerConfig{EmulatorPath: "definitely-not-a-real-binary-xyz"})
	err := d.Preflight(context.Background())
	if err == nil {
		t.Fatal("expected error when emulator binary is absent from PATH")
	}
}

func TestPreflightRejectsBindMountWithoutUIDGIDOverride(t *testing.T) {
	d := New(RunnerConfig{EmulatorPath: "definitely-not-a-real-binary-xyz", BindMountsWorkspace: true})
	err := d.Preflight(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if model.KindOf(err) != model.ErrInvalidArgs {
		t.Fatalf("expected invalid_args from the bind-mount check, got %v (%v)", model.KindOf(err), err)
	}
}

func TestTagPushEnvAddsVPrefix(t *testing.T) {
	env := tagPushEnv("1.2.3")
	found := false
	for _, kv := range env {
		if kv == "GITHUB_REF=refs/tags/v1.2.3" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected v-prefixed tag ref, got %v", env)
	}
}

func TestTagPushEnvEmptyVersionYieldsNoEnv(t *testing.T) {
	if env := tagPushEnv(""); env != nil {
		t.Fatalf("expected nil env for empty version, got %v", env)
	}
}

func TestCountArtifactsIgnoresDirsAndMissingDir(t *testing.T) {
	dir := t.TempDir()
	if n, err := countArtifacts(filepath.Join(dir, "missing")); err != nil || n != 0 {
		t.Fatalf("expected (0, nil) for missing dir, got (%d, %v)", n, err)
	}
	if err := os.WriteFile(filepath.Join(dir, "out.tar.gz"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(dir, "subdir"), 0o750); err != nil {
		t.Fatal(err)
	}
	n, err := countArtifacts(dir)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 artifact (dirs excluded), got %d", n)
	}
}

func TestClassifyExitSuccess(t *testing.T) {
	status, code := classifyExit(context.Background(), nil)
	if status != RunStatusSuccess || code != 0 {
		t.Fatalf("expected success/0, got %s/%d", status, code)
	}
}

func TestClassifyExitTimeoutFromDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)
	status, code := classifyExit(ctx, context.DeadlineExceeded)
	if status != RunStatusTimeout || code != 5 {
		t.Fatalf("expected timeout/5, got %s/%d", status, code)
	}
}

func TestAnalyzeWorkflowClassifiesJobsByRunsOn(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "release.yml")
	content := `
jobs:
  build-linux:
    runs-on: ubuntu-latest
  build-mac:
    runs-on: macos-14
  build-windows:
    runs-on: windows-latest
  build-matrix:
    runs-on: [self-hosted, linux]
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	analysis, err := AnalyzeWorkflow(path)
	if err != nil {
		t.Fatalf("AnalyzeWorkflow: %v", err)
	}
	if len(analysis.LinuxJobs) != 2 {
		t.Fatalf("expected 2 linux jobs, got %v", analysis.LinuxJobs)
	}
	if len(analysis.MacOSJobs) != 1 {
		t.Fatalf("expected 1 macos job, got %v", analysis.MacOSJobs)
	}
	if len(analysis.WindowsJobs) != 1 {
		t.Fatalf("expected 1 windows job, got %v", analysis.WindowsJobs)
	}
	if analysis.ActCompatibleCount != 2 {
		t.Fatalf("expected 2 act-compatible jobs, got %d", analysis.ActCompatibleCount)
	}
	if analysis.NativeRequiredCount != 2 {
		t.Fatalf("expected 2 native-required jobs, got %d", analysis.NativeRequiredCount)
	}
}

func TestAnalyzeWorkflowErrorsOnMissingFile(t *testing.T) {
	if _, err := AnalyzeWorkflow(filepath.Join(t.TempDir(), "nope.yml")); err == nil {
		t.Fatal("expected error for missing workflow file")
	}
}
