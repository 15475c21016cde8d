// Package dispatcher implements the Downstream Dispatcher: after a
// release, fire a repository-dispatch event at every configured
// downstream repository and synchronise its checksum file, all inside a
// fresh temp directory that never touches the protected prefix. Grounded
// on the teacher's GitOps (git_ops.go: a single concrete implementation
// behind exec.CommandContext + slog command logging) generalized from
// local remote/fetch plumbing to clone-mutate-push against a downstream
// repository, and on mux_client.go's typed request style for the
// repository-dispatch and review-issue calls.
package dispatcher

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/hashicorp/go-multierror"

	"github.com/forgebay/forge/internal/guardrails"
	"github.com/forgebay/forge/internal/manifest"
	"github.com/forgebay/forge/internal/model"
	"github.com/forgebay/forge/internal/upstream"
)

// MaxAttempts bounds the dispatch/sync retry envelope.
const MaxAttempts = 3

// RetryStep is the linear backoff step (spec.md: "5s × attempt").
const RetryStep = 5 * time.Second

// cloneTimeout bounds the temp-directory clone of a downstream repo.
const cloneTimeout = 2 * time.Minute

// pushTimeout bounds the commit-and-push step.
const pushTimeout = 1 * time.Minute

// Upstream is the subset of *upstream.Client the dispatcher calls.
type Upstream interface {
	SendRepositoryDispatch(ctx context.Context, owner, repo string, event upstream.DispatchEvent) error
	CreateIssue(ctx context.Context, owner, repo string, issue upstream.Issue) (*upstream.Issue, error)
}

// GitRunner drives the clone-then-push mechanics against a downstream
// repository's checkout. The real implementation shells out to git;
// tests substitute a fake so no network or git binary is required.
type GitRunner interface {
	Clone(ctx context.Context, repoURL, dir string) error
	CommitAndPush(ctx context.Context, dir, message string) error
}

// execGitRunner drives git via exec.CommandContext, following the
// teacher's GitOps argv-array + slog command logging style.
type execGitRunner struct{}

func (execGitRunner) Clone(ctx context.Context, repoURL, dir string) error {
	ctx, cancel := context.WithTimeout(ctx, cloneTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", "clone", "--depth", "1", repoURL, dir)
	slog.InfoContext(ctx, "dispatcher.git_clone", "cmd", strings.Join(cmd.Args, " "))
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("dispatcher: git clone %s: %w (output: %s)", repoURL, err, out)
	}
	return nil
}

func (execGitRunner) CommitAndPush(ctx context.Context, dir, message string) error {
	ctx, cancel := context.WithTimeout(ctx, pushTimeout)
	defer cancel()
	for _, args := range [][]string{
		{"add", "-A"},
		{"commit", "-m", message},
		{"push", "origin", "HEAD"},
	} {
		cmd := exec.CommandContext(ctx, "git", args...)
		cmd.Dir = dir
		slog.InfoContext(ctx, "dispatcher.git", "cmd", strings.Join(cmd.Args, " "), "dir", dir)
		out, err := cmd.CombinedOutput()
		if err != nil {
			if args[0] == "commit" && strings.Contains(string(out), "nothing to commit") {
				continue
			}
			return fmt.Errorf("dispatcher: git %s: %w (output: %s)", strings.Join(args, " "), err, out)
		}
	}
	return nil
}

// Dispatcher fans a finished release out to its configured downstream
// repositories.
type Dispatcher struct {
	upstream        Upstream
	git             GitRunner
	protectedPrefix string
	logger          *slog.Logger
	now             func() time.Time
	sleep           func(time.Duration)
}

// New returns a Dispatcher using the real GitHub client and git binary.
func New(client *upstream.Client, protectedPrefix string, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		upstream:        client,
		git:             execGitRunner{},
		protectedPrefix: protectedPrefix,
		logger:          logger,
		now:             time.Now,
		sleep:           time.Sleep,
	}
}

// NewWithRunner returns a Dispatcher using a custom Upstream and GitRunner
// (for tests).
func NewWithRunner(up Upstream, git GitRunner, protectedPrefix string, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{upstream: up, git: git, protectedPrefix: protectedPrefix, logger: logger, now: time.Now, sleep: time.Sleep}
}

// RepoResult is the per-repository outcome of one Dispatch call.
type RepoResult struct {
	Repo          string
	DispatchedOK  bool
	ChecksumsOK   bool
	ReviewIssueNo int
	Error         string
}

// Dispatch notifies every downstream repository configured for tool: a
// repository-dispatch event, then a checksum sync (direct push, or a
// review issue for external tools). Per-repo failures are collected and
// do not prevent other repos from being attempted.
func (d *Dispatcher) Dispatch(ctx context.Context, tool model.Tool, version, runID, gitSHA string, mf model.Manifest, timestamp time.Time) ([]RepoResult, error) {
	var results []RepoResult
	var errs *multierror.Error

	checksums := manifest.ChecksumsFile(mf.Artifacts)

	for _, repo := range tool.DownstreamRepos {
		res := RepoResult{Repo: repo.Repo}

		if err := d.sendDispatch(ctx, repo.Repo, tool.ID, version, gitSHA, runID, timestamp); err != nil {
			res.Error = err.Error()
			errs = multierror.Append(errs, fmt.Errorf("%s: dispatch: %w", repo.Repo, err))
			results = append(results, res)
			continue
		}
		res.DispatchedOK = true

		issueNo, err := d.syncChecksums(ctx, repo, tool.ID, version, checksums)
		if err != nil {
			res.Error = err.Error()
			errs = multierror.Append(errs, fmt.Errorf("%s: checksum sync: %w", repo.Repo, err))
			results = append(results, res)
			continue
		}
		res.ChecksumsOK = true
		res.ReviewIssueNo = issueNo
		results = append(results, res)
	}

	if errs != nil {
		return results, errs.ErrorOrNil()
	}
	return results, nil
}

// sendDispatch fires the repository_dispatch event under a bounded linear
// backoff retry envelope (spec.md: 3 attempts, 5s × attempt).
func (d *Dispatcher) sendDispatch(ctx context.Context, repo, tool, version, gitSHA, runID string, timestamp time.Time) error {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return err
	}
	event := upstream.DispatchEvent{
		EventType: "forge-release",
		ClientPayload: map[string]string{
			"tool":      tool,
			"version":   version,
			"git_sha":   gitSHA,
			"run_id":    runID,
			"timestamp": timestamp.UTC().Format(time.RFC3339),
		},
	}

	op := func() (struct{}, error) {
		if err := d.upstream.SendRepositoryDispatch(ctx, owner, name, event); err != nil {
			if model.KindOf(err) == model.ErrRateLimited {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		}
		return struct{}{}, nil
	}
	_, err = backoff.Retry(ctx, op, backoff.WithBackOff(&linearBackOff{step: RetryStep}), backoff.WithMaxTries(MaxAttempts))
	return err
}

// syncChecksums clones repo into a fresh temp directory, writes the
// rendered SHA256SUMS at its configured path, and either pushes directly
// or opens a review issue for external tools. Returns the review issue
// number (0 when none was opened).
func (d *Dispatcher) syncChecksums(ctx context.Context, repo model.DownstreamRepo, tool, version string, checksums []byte) (int, error) {
	owner, name, err := splitRepo(repo.Repo)
	if err != nil {
		return 0, err
	}

	if repo.External {
		issue, err := d.upstream.CreateIssue(ctx, owner, name, upstream.Issue{
			Title: fmt.Sprintf("Update checksums for %s %s", tool, version),
			Body:  reviewIssueBody(tool, version, repo.ChecksumPath, checksums),
		})
		if err != nil {
			return 0, err
		}
		return issue.Number, nil
	}

	dir, err := guardrails.SafeTmpDir("forge-dispatch")
	if err != nil {
		return 0, err
	}
	defer os.RemoveAll(dir)

	if err := d.checkNotProtected(dir); err != nil {
		return 0, err
	}

	repoURL := fmt.Sprintf("https://github.com/%s.git", repo.Repo)
	if err := d.git.Clone(ctx, repoURL, dir); err != nil {
		return 0, err
	}

	destPath := filepath.Join(dir, repo.ChecksumPath)
	if err := d.checkNotProtected(destPath); err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0o750); err != nil {
		return 0, fmt.Errorf("dispatcher: create checksum dir: %w", err)
	}
	if err := os.WriteFile(destPath, checksums, 0o644); err != nil {
		return 0, fmt.Errorf("dispatcher: write checksums: %w", err)
	}

	msg := fmt.Sprintf("chore: update checksums for %s %s", tool, version)
	if err := d.git.CommitAndPush(ctx, dir, msg); err != nil {
		return 0, err
	}
	return 0, nil
}

// checkNotProtected refuses to operate on any path under the configured
// protected prefix (spec.md §4.14).
func (d *Dispatcher) checkNotProtected(path string) error {
	if d.protectedPrefix == "" {
		return nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("dispatcher: resolve %q: %w", path, err)
	}
	prefix, err := filepath.Abs(d.protectedPrefix)
	if err != nil {
		return fmt.Errorf("dispatcher: resolve protected prefix %q: %w", d.protectedPrefix, err)
	}
	if abs == prefix || strings.HasPrefix(abs, prefix+string(filepath.Separator)) {
		return model.NewError(model.ErrInvalidArgs, "dispatcher: refusing to touch %q under protected prefix %q", abs, prefix)
	}
	return nil
}

func reviewIssueBody(tool, version, checksumPath string, checksums []byte) string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "Automated release of %s %s needs a checksum update at `%s`:\n\n", tool, version, checksumPath)
	buf.WriteString("```\n")
	buf.Write(checksums)
	buf.WriteString("```\n")
	return buf.String()
}

func splitRepo(repo string) (owner, name string, err error) {
	parts := strings.SplitN(repo, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", model.NewError(model.ErrInvalidArgs, "dispatcher: %q is not an \"owner/repo\" reference", repo)
	}
	return parts[0], parts[1], nil
}

// linearBackOff implements backoff.BackOff with a fixed step per attempt,
// mirroring internal/upstream's own retry envelope shape.
type linearBackOff struct {
	step    time.Duration
	attempt int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	return b.step * time.Duration(b.attempt)
}

func (b *linearBackOff) Reset() { b.attempt = 0 }
