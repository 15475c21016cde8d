// Package sourcesync implements Source Sync: ensuring a remote host has an
// up-to-date, idempotent copy of a tool's source tree at a target git ref,
// preferring rsync where available and falling back to a tar-over-SSH
// stream. Grounded on the teacher's GitOps/FileOps interfaces (git_ops.go,
// file_ops.go: a single concrete implementation behind exec.CommandContext
// + slog command logging), generalized from local git plumbing to
// host-addressed remote sync and repo-state reconciliation.
package sourcesync

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/forgebay/forge/internal/model"
)

// DefaultExcludes are paths never synced to a remote host.
var DefaultExcludes = []string{
	".git", "node_modules", "target", "dist", "build", "vendor",
	".DS_Store", ".env", ".env.local",
}

const (
	cloneTimeout    = 5 * time.Minute
	fetchTimeout    = 2 * time.Minute
	checkoutTimeout = 1 * time.Minute
)

// RepoState is a coarse classification of a remote work tree's condition.
type RepoState string

const (
	RepoMissing  RepoState = "missing"
	RepoBroken   RepoState = "broken"
	RepoPristine RepoState = "pristine"
	RepoDirty    RepoState = "dirty"
	RepoReady    RepoState = "ready"
)

// Syncer drives remote source trees to match the controller's local tree.
type Syncer struct {
	runner Runner
	logger *slog.Logger
}

// Runner executes one remote command over the host's transport and returns
// combined stdout+stderr.
type Runner interface {
	Run(ctx context.Context, host model.Host, timeout time.Duration, shellCmd string) (string, error)
}

// sshRunner executes shellCmd on host via ssh (or directly, for local
// hosts), using an OS-aware shell chain.
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
	slog.InfoContext(ctx, "sourcesync.run", "host", host.ID, "cmd", strings.Join(cmd.Args, " "))
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("sourcesync: %s: %w (output: %s)", host.ID, err, out)
	}
	return string(out), nil
}

// New returns a Syncer using the real ssh/sh-based Runner.
func New(logger *slog.Logger) *Syncer {
	return &Syncer{runner: sshRunner{}, logger: logger}
}

// NewWithRunner returns a Syncer using a custom Runner (for tests).
func NewWithRunner(r Runner, logger *slog.Logger) *Syncer {
	return &Syncer{runner: r, logger: logger}
}

// Sync ensures host has an up-to-date copy of localPath at remotePath,
// using rsync when the rsync binary is on the controller's PATH, or a
// tar-over-SSH stream otherwise. Sync is idempotent: two successive successful syncs
// leave the remote tree bitwise identical modulo excluded paths.
func (s *Syncer) Sync(ctx context.Context, host model.Host, localPath, remotePath string, extraExcludes []string) error {
	excludes := append(append([]string{}, DefaultExcludes...), extraExcludes...)

	if host.IsLocal() {
		return s.syncLocal(ctx, localPath, remotePath, excludes)
	}

	if _, err := exec.LookPath("rsync"); err == nil {
		return s.syncRsync(ctx, host, localPath, remotePath, excludes)
	}
	return s.syncTar(ctx, host, localPath, remotePath, excludes)
}

func (s *Syncer) syncLocal(ctx context.Context, localPath, remotePath string, excludes []string) error {
	args := []string{"-a", "--delete"}
	for _, e := range excludes {
		args = append(args, "--exclude", e)
	}
	args = append(args, localPath+"/", remotePath+"/")
	cmd := exec.CommandContext(ctx, "rsync", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("sourcesync: local rsync: %w (output: %s)", err, out)
	}
	return nil
}

func (s *Syncer) syncRsync(ctx context.Context, host model.Host, localPath, remotePath string, excludes []string) error {
	args := []string{"-a", "--delete", "-e", "ssh -o BatchMode=yes -o StrictHostKeyChecking=accept-new -o ConnectTimeout=10"}
	for _, e := range excludes {
		args = append(args, "--exclude", e)
	}
	args = append(args, localPath+"/", fmt.Sprintf("%s:%s/", host.SSHAlias, remotePath))
	cmd := exec.CommandContext(ctx, "rsync", args...)
	slog.InfoContext(ctx, "sourcesync.rsync", "host", host.ID, "cmd", strings.Join(cmd.Args, " "))
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("sourcesync: rsync to %s: %w (output: %s)", host.ID, err, out)
	}
	return nil
}

// syncTar streams a tar of localPath (minus excludes) over SSH and unpacks
// it at remotePath, for hosts without rsync.
func (s *Syncer) syncTar(ctx context.Context, host model.Host, localPath, remotePath string, excludes []string) error {
	tarArgs := []string{"-C", localPath, "-czf", "-"}
	for _, e := range excludes {
		tarArgs = append(tarArgs, "--exclude", e)
	}
	tarArgs = append(tarArgs, ".")

	mkdirCmd := remoteShellChain(host, []string{fmt.Sprintf("mkdir -p %s", remotePath)})
	if _, err := s.runner.Run(ctx, host, fetchTimeout, mkdirCmd); err != nil {
		return fmt.Errorf("sourcesync: mkdir remote path: %w", err)
	}

	tar := exec.CommandContext(ctx, "tar", tarArgs...)
	untarRemote := fmt.Sprintf("tar -C %s -xzf -", remotePath)
	ssh := exec.CommandContext(ctx, "ssh", "-o", "BatchMode=yes", "-o", "StrictHostKeyChecking=accept-new", "-o", "ConnectTimeout=10", host.SSHAlias, untarRemote)

	pipe, err := tar.StdoutPipe()
	if err != nil {
		return fmt.Errorf("sourcesync: tar stdout pipe: %w", err)
	}
	ssh.Stdin = pipe

	if err := ssh.Start(); err != nil {
		return fmt.Errorf("sourcesync: start remote untar: %w", err)
	}
	if err := tar.Run(); err != nil {
		return fmt.Errorf("sourcesync: tar local tree: %w", err)
	}
	if err := ssh.Wait(); err != nil {
		return fmt.Errorf("sourcesync: remote untar: %w", err)
	}
	return nil
}

// EnsureRepoReady guarantees remotePath is a git work tree checked out at
// version, driving the missing/broken/pristine/dirty → ready state machine
// (spec.md §4.7). A stash failure on a dirty tree triggers a last-resort
// re-clone.
func (s *Syncer) EnsureRepoReady(ctx context.Context, host model.Host, remotePath, repoURL, version string) error {
	state, err := s.classify(ctx, host, remotePath)
	if err != nil {
		return err
	}

	switch state {
	case RepoMissing, RepoBroken:
		if err := s.remove(ctx, host, remotePath); err != nil {
			return err
		}
		if err := s.clone(ctx, host, remotePath, repoURL); err != nil {
			return err
		}
		state = RepoPristine
	case RepoDirty:
		if err := s.stash(ctx, host, remotePath); err != nil {
			// Last resort: discard the dirty tree entirely and re-clone.
			if err := s.remove(ctx, host, remotePath); err != nil {
				return err
			}
			if err := s.clone(ctx, host, remotePath, repoURL); err != nil {
				return err
			}
		}
		state = RepoPristine
	}

	if state == RepoPristine {
		if err := s.fetchAndReset(ctx, host, remotePath); err != nil {
			return err
		}
	}

	return s.checkout(ctx, host, remotePath, version)
}

func (s *Syncer) classify(ctx context.Context, host model.Host, remotePath string) (RepoState, error) {
	out, err := s.runner.Run(ctx, host, fetchTimeout, remoteShellChain(host, []string{
		fmt.Sprintf("test -d %s", remotePath),
	}))
	if err != nil {
		return RepoMissing, nil
	}

	out, err = s.runner.Run(ctx, host, fetchTimeout, remoteShellChain(host, []string{
		changeDir(host, remotePath),
		"git rev-parse --is-inside-work-tree",
	}))
	if err != nil {
		return RepoBroken, nil
	}
	if !strings.Contains(out, "true") {
		return RepoBroken, nil
	}

	out, err = s.runner.Run(ctx, host, fetchTimeout, remoteShellChain(host, []string{
		changeDir(host, remotePath),
		"git status --porcelain",
	}))
	if err != nil {
		return RepoBroken, nil
	}
	if strings.TrimSpace(out) != "" {
		return RepoDirty, nil
	}
	return RepoPristine, nil
}

func (s *Syncer) remove(ctx context.Context, host model.Host, remotePath string) error {
	_, err := s.runner.Run(ctx, host, fetchTimeout, remoteShellChain(host, []string{
		fmt.Sprintf("rm -rf %s", remotePath),
	}))
	return err
}

func (s *Syncer) clone(ctx context.Context, host model.Host, remotePath, repoURL string) error {
	_, err := s.runner.Run(ctx, host, cloneTimeout, remoteShellChain(host, []string{
		fmt.Sprintf("git clone %s %s", repoURL, remotePath),
	}))
	return err
}

func (s *Syncer) stash(ctx context.Context, host model.Host, remotePath string) error {
	_, err := s.runner.Run(ctx, host, fetchTimeout, remoteShellChain(host, []string{
		changeDir(host, remotePath),
		"git stash --include-untracked",
	}))
	return err
}

func (s *Syncer) fetchAndReset(ctx context.Context, host model.Host, remotePath string) error {
	_, err := s.runner.Run(ctx, host, fetchTimeout, remoteShellChain(host, []string{
		changeDir(host, remotePath),
		"git fetch --all --prune",
	}))
	return err
}

func (s *Syncer) checkout(ctx context.Context, host model.Host, remotePath, version string) error {
	_, err := s.runner.Run(ctx, host, checkoutTimeout, remoteShellChain(host, []string{
		changeDir(host, remotePath),
		fmt.Sprintf("git checkout --force %s", version),
	}))
	return err
}

// remoteShellChain composes steps into a single chained command; both
// cmd.exe and POSIX shells accept "&&" as a success-gated separator, so
// only the individual steps (see changeDir) need to vary by host OS.
func remoteShellChain(host model.Host, steps []string) string {
	return strings.Join(steps, " && ")
}

// changeDir renders a directory-change step for the host's OS: cmd.exe
// needs "/d" to switch drives and gets the path rewritten to backslash
// form; POSIX shells just need "cd".
func changeDir(host model.Host, path string) string {
	if host.Platform.OS() == "windows" {
		return fmt.Sprintf("cd /d %s", toWindowsPath(path))
	}
	return fmt.Sprintf("cd %s", path)
}

func toWindowsPath(path string) string {
	return strings.ReplaceAll(path, "/", "\\")
}
