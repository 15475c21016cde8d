// Package state implements the State Store: a per-(tool,version,run)
// workspace on disk, holding state.json plus artifacts/ and logs/
// directories, mutated exclusively via temp-file-plus-atomic-rename. It is
// grounded on the teacher's Boxer read-modify-write persistence pattern
// (boxer.go SaveSandbox/loadSandbox), generalized from sqlite rows to the
// JSON file layout spec.md §4.4 and §6 mandate.
package state

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/forgebay/forge/internal/model"
)

// DefaultMaxRetries is MAX_RETRIES when RETRY_MAX is unset.
const DefaultMaxRetries = 3

// RetryBase is the base delay for exponential backoff (spec.md §4.4).
const RetryBase = 5 * time.Second

// RetryMaxDelay caps the exponential backoff.
const RetryMaxDelay = 300 * time.Second

// Store is a filesystem-backed view over build runs rooted at root/builds.
type Store struct {
	root        string // <state-root>
	maxRetries  int
	now         func() time.Time
	rand        func() float64
}

// New returns a Store rooted at stateRoot. maxRetries <= 0 uses DefaultMaxRetries.
func New(stateRoot string, maxRetries int) *Store {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Store{
		root:       stateRoot,
		maxRetries: maxRetries,
		now:        time.Now,
		rand:       rand.Float64,
	}
}

func (s *Store) runDir(tool, version, runID string) string {
	return filepath.Join(s.root, "builds", tool, version, runID)
}

func (s *Store) statePath(tool, version, runID string) string {
	return filepath.Join(s.runDir(tool, version, runID), "state.json")
}

func (s *Store) latestLink(tool, version string) string {
	return filepath.Join(s.root, "builds", tool, version, "latest")
}

// MaxRetries returns the configured retry cap, used by callers that need to
// size a retry loop without duplicating CanRetry's read-modify logic.
func (s *Store) MaxRetries() int {
	return s.maxRetries
}

// NewRunID mints a run_id of the store's monotonic shape without creating
// anything, so a caller can acquire a lock under that id before the run
// workspace itself exists (spec.md §4.10 step 3 precedes step 4).
func (s *Store) NewRunID() string {
	return fmt.Sprintf("run-%d-%d", s.now().Unix(), os.Getpid())
}

// Create creates a fresh build run workspace and returns its run_id.
// run_id is monotonic by construction: "run-<epoch-seconds>-<pid>".
func (s *Store) Create(tool, version string, targets []model.Platform) (string, error) {
	runID := s.NewRunID()
	return runID, s.CreateWithID(tool, version, runID, targets)
}

// CreateWithID creates a fresh build run workspace under a caller-supplied
// run_id, for callers (the orchestrator) that must mint the id before the
// workspace exists, to pass it to the lock manager first.
func (s *Store) CreateWithID(tool, version, runID string, targets []model.Platform) error {
	dir := s.runDir(tool, version, runID)

	if err := os.MkdirAll(filepath.Join(dir, "artifacts"), 0o750); err != nil {
		return fmt.Errorf("state: create artifacts dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "logs"), 0o750); err != nil {
		return fmt.Errorf("state: create logs dir: %w", err)
	}

	hosts := map[string]*model.HostState{}
	run := &model.BuildRun{
		RunID:     runID,
		Tool:      tool,
		Version:   version,
		Targets:   targets,
		CreatedAt: s.now().UTC(),
		UpdatedAt: s.now().UTC(),
		Status:    model.RunCreated,
		Hosts:     hosts,
	}

	if err := s.write(tool, version, runID, run); err != nil {
		return err
	}
	if err := s.updateLatest(tool, version, runID); err != nil {
		return err
	}
	return nil
}

// Get loads a build run. runID == "latest" follows the latest symlink.
func (s *Store) Get(tool, version, runID string) (*model.BuildRun, error) {
	if runID == "" || runID == "latest" {
		resolved, err := os.Readlink(s.latestLink(tool, version))
		if err != nil {
			return nil, fmt.Errorf("state: resolve latest for %s/%s: %w", tool, version, err)
		}
		runID = filepath.Base(resolved)
	}
	return s.read(tool, version, runID)
}

func (s *Store) read(tool, version, runID string) (*model.BuildRun, error) {
	raw, err := os.ReadFile(s.statePath(tool, version, runID))
	if err != nil {
		return nil, fmt.Errorf("state: read %s: %w", runID, err)
	}
	var run model.BuildRun
	if err := json.Unmarshal(raw, &run); err != nil {
		return nil, fmt.Errorf("state: parse %s: %w", runID, err)
	}
	return &run, nil
}

// write performs the atomic read-modify-write: marshal to a temp file in the
// same directory, then rename over state.json. This guarantees concurrent
// readers observe either the pre- or post-mutation state, never a partial
// file (spec.md §8 property 2).
func (s *Store) write(tool, version, runID string, run *model.BuildRun) error {
	dir := s.runDir(tool, version, runID)
	final := s.statePath(tool, version, runID)

	raw, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("state: marshal %s: %w", runID, err)
	}

	tmp, err := os.CreateTemp(dir, "state.json.tmp-*")
	if err != nil {
		return fmt.Errorf("state: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("state: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("state: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("state: rename temp file: %w", err)
	}
	return nil
}

func (s *Store) updateLatest(tool, version, runID string) error {
	link := s.latestLink(tool, version)
	tmpLink := link + fmt.Sprintf(".tmp-%d", s.now().UnixNano())
	target := runID

	if err := os.Symlink(target, tmpLink); err != nil {
		return fmt.Errorf("state: create latest symlink: %w", err)
	}
	if err := os.Rename(tmpLink, link); err != nil {
		os.Remove(tmpLink)
		return fmt.Errorf("state: rename latest symlink: %w", err)
	}
	return nil
}

// mutate loads, applies fn, and persists the run, rejecting any mutation
// once the run has reached a terminal status (append-only for audit).
func (s *Store) mutate(tool, version, runID string, fn func(run *model.BuildRun) error) error {
	run, err := s.read(tool, version, runID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return fmt.Errorf("state: run %s is terminal (%s); no further mutation permitted", runID, run.Status)
	}
	if err := fn(run); err != nil {
		return err
	}
	run.UpdatedAt = s.now().UTC()
	return s.write(tool, version, runID, run)
}

// SetStatus transitions the run's overall status.
func (s *Store) SetStatus(tool, version, runID string, status model.RunStatus) error {
	// Terminal transitions are themselves permitted (that's how a run
	// becomes terminal); mutate() only blocks mutation of an already-terminal run.
	run, err := s.read(tool, version, runID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return fmt.Errorf("state: run %s is already terminal (%s)", runID, run.Status)
	}
	run.Status = status
	run.UpdatedAt = s.now().UTC()
	return s.write(tool, version, runID, run)
}

// SetGitInfo records the git SHA and ref snapshot for a run.
func (s *Store) SetGitInfo(tool, version, runID, sha, ref string) error {
	return s.mutate(tool, version, runID, func(run *model.BuildRun) error {
		run.GitSHA = sha
		run.GitRef = ref
		return nil
	})
}

func hostState(run *model.BuildRun, host string, platform model.Platform) *model.HostState {
	hs, ok := run.Hosts[host]
	if !ok {
		hs = &model.HostState{Host: host, Platform: platform, Status: model.HostPending}
		run.Hosts[host] = hs
	}
	return hs
}

// SetHost updates a target's host sub-record status and optional extras.
func (s *Store) SetHost(tool, version, runID, host string, platform model.Platform, status model.HostStatus, lastError string) error {
	return s.mutate(tool, version, runID, func(run *model.BuildRun) error {
		hs := hostState(run, host, platform)
		hs.Status = status
		if lastError != "" {
			hs.LastError = lastError
		}
		return nil
	})
}

// AddArtifact records the collected artifact path and duration for a host.
func (s *Store) AddArtifact(tool, version, runID, host, artifactPath string, durationSec float64) error {
	return s.mutate(tool, version, runID, func(run *model.BuildRun) error {
		hs, ok := run.Hosts[host]
		if !ok {
			return fmt.Errorf("state: no host state for %s", host)
		}
		hs.ArtifactPath = artifactPath
		hs.DurationSec = durationSec
		return nil
	})
}

// RecordRetry appends a retry attempt to a host's trail.
func (s *Store) RecordRetry(tool, version, runID, host string, attempt int, errMsg string) error {
	return s.mutate(tool, version, runID, func(run *model.BuildRun) error {
		hs, ok := run.Hosts[host]
		if !ok {
			return fmt.Errorf("state: no host state for %s", host)
		}
		hs.RetryCount = attempt
		hs.LastError = errMsg
		hs.Retries = append(hs.Retries, model.RetryRecord{
			Attempt:   attempt,
			Error:     errMsg,
			Timestamp: s.now().UTC(),
		})
		return nil
	})
}

// ResetRetries zeroes a host's retry bookkeeping (used when resuming only
// the failed targets of a previous partial run).
func (s *Store) ResetRetries(tool, version, runID, host string) error {
	return s.mutate(tool, version, runID, func(run *model.BuildRun) error {
		hs, ok := run.Hosts[host]
		if !ok {
			return fmt.Errorf("state: no host state for %s", host)
		}
		hs.RetryCount = 0
		hs.LastError = ""
		hs.Retries = nil
		return nil
	})
}

// CanRetry reports whether host has not yet exceeded maxRetries.
func (s *Store) CanRetry(tool, version, runID, host string) (bool, error) {
	run, err := s.read(tool, version, runID)
	if err != nil {
		return false, err
	}
	hs, ok := run.Hosts[host]
	if !ok {
		return true, nil
	}
	return hs.RetryCount < s.maxRetries, nil
}

// BackoffDelay returns the exponential backoff delay for the given attempt
// number (0-indexed), base*2^attempt capped at RetryMaxDelay, plus 0-25%
// jitter.
func (s *Store) BackoffDelay(attempt int) time.Duration {
	d := RetryBase * time.Duration(1<<uint(attempt))
	if d > RetryMaxDelay {
		d = RetryMaxDelay
	}
	jitter := time.Duration(float64(d) * 0.25 * s.rand())
	return d + jitter
}

// ResumePlan classifies every target of a run for a --resume invocation.
type ResumePlan struct {
	Completed []string
	Failed    []string
	Pending   []string
	Retryable []string
	Exceeded  []string
}

// ResumePlan computes which hosts should be retried, skipped, or are
// already done.
func (s *Store) ResumePlan(tool, version, runID string) (*ResumePlan, error) {
	run, err := s.read(tool, version, runID)
	if err != nil {
		return nil, err
	}
	plan := &ResumePlan{}
	hosts := make([]string, 0, len(run.Hosts))
	for h := range run.Hosts {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)

	for _, h := range hosts {
		hs := run.Hosts[h]
		switch hs.Status {
		case model.HostCompleted:
			plan.Completed = append(plan.Completed, h)
		case model.HostFailed:
			if hs.RetryCount < s.maxRetries {
				plan.Retryable = append(plan.Retryable, h)
			} else {
				plan.Exceeded = append(plan.Exceeded, h)
			}
			plan.Failed = append(plan.Failed, h)
		default:
			plan.Pending = append(plan.Pending, h)
		}
	}
	return plan, nil
}

// Cleanup deletes all but the newest keep runs for (tool, version),
// regardless of terminal status, oldest-first (SPEC_FULL.md §9 decision 2).
func (s *Store) Cleanup(tool, version string, keep int) error {
	base := filepath.Join(s.root, "builds", tool, version)
	entries, err := os.ReadDir(base)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("state: cleanup: list %s: %w", base, err)
	}

	type runDirInfo struct {
		id      string
		created time.Time
	}
	var runs []runDirInfo
	for _, e := range entries {
		if !e.IsDir() || e.Name() == "latest" {
			continue
		}
		run, err := s.read(tool, version, e.Name())
		if err != nil {
			continue // skip unreadable/corrupt entries rather than fail cleanup
		}
		runs = append(runs, runDirInfo{id: run.RunID, created: run.CreatedAt})
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].created.After(runs[j].created) })

	if len(runs) <= keep {
		return nil
	}
	for _, r := range runs[keep:] {
		if err := os.RemoveAll(filepath.Join(base, r.id)); err != nil {
			return fmt.Errorf("state: cleanup: remove %s: %w", r.id, err)
		}
	}
	return nil
}

// ArtifactsDir returns the artifacts/ directory for a run.
func (s *Store) ArtifactsDir(tool, version, runID string) string {
	return filepath.Join(s.runDir(tool, version, runID), "artifacts")
}
