// Package lock implements the Lock Manager: a per-(tool,version) advisory
// lock file holding "<pid> <epoch> <run_id>", created atomically via
// temp-file-plus-rename and reclaimable once its owning PID is no longer
// alive and the lock has gone stale. Grounded on the teacher's
// mux_server.go acquireLock (flock + PID-in-file) pattern, generalized
// from a single daemon-wide flock to one file per (tool, version) and
// from process-exit release to explicit release-after-terminal-state.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/forgebay/forge/internal/model"
)

// StaleThreshold is the age after which a lock becomes reclaimable if its
// owning process is no longer alive (spec.md §3).
const StaleThreshold = 30 * time.Minute

// HardTTL is the absolute age past which a lock is always reclaimable,
// regardless of process liveness (guards against a PID being reused by an
// unrelated process across a long-running host).
const HardTTL = time.Hour

// Manager issues and reclaims locks rooted at a state directory.
type Manager struct {
	root string
	now  func() time.Time
}

// New returns a Manager rooted at stateRoot/locks.
func New(stateRoot string) *Manager {
	return &Manager{root: filepath.Join(stateRoot, "locks"), now: time.Now}
}

func (m *Manager) path(tool, version string) string {
	return filepath.Join(m.root, fmt.Sprintf("%s-%s.lock", tool, version))
}

// Status is the result of check(tool, version).
type Status struct {
	Locked       bool
	PID          int
	Age          time.Duration
	RunID        string
	ProcessAlive bool
	Stale        bool
}

// Check reports the current lock state without mutating anything.
func (m *Manager) Check(tool, version string) (Status, error) {
	path := m.path(tool, version)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return Status{}, nil
		}
		return Status{}, fmt.Errorf("lock: stat %s: %w", path, err)
	}

	pid, epoch, runID, err := readLock(path)
	if err != nil {
		return Status{}, err
	}
	age := m.now().Sub(time.Unix(epoch, 0))
	alive := processAlive(pid)
	return Status{
		Locked:       true,
		PID:          pid,
		Age:          age,
		RunID:        runID,
		ProcessAlive: alive,
		Stale:        age > HardTTL || (age > StaleThreshold && !alive),
	}, nil
}

// Acquire takes the lock for (tool, version), reclaiming a stale lock if
// one is present, or failing with ErrLockConflict.
func (m *Manager) Acquire(tool, version, runID string) error {
	if err := os.MkdirAll(m.root, 0o750); err != nil {
		return fmt.Errorf("lock: mkdir %s: %w", m.root, err)
	}
	path := m.path(tool, version)

	st, err := m.Check(tool, version)
	if err != nil {
		return err
	}
	if st.Locked && !st.Stale {
		return model.NewError(model.ErrLockConflict, "lock: %s/%s is held by pid %d (run %s)", tool, version, st.PID, st.RunID)
	}

	body := fmt.Sprintf("%d %d %s", os.Getpid(), m.now().Unix(), runID)
	tmp, err := os.CreateTemp(m.root, "lock.tmp-*")
	if err != nil {
		return fmt.Errorf("lock: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(body); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("lock: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("lock: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("lock: rename temp file: %w", err)
	}
	return nil
}

// Release removes the lock for (tool, version), verifying this process
// owns it first.
func (m *Manager) Release(tool, version string) error {
	path := m.path(tool, version)
	pid, _, _, err := readLock(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if pid != os.Getpid() {
		return model.NewError(model.ErrLockConflict, "lock: %s/%s is owned by pid %d, not this process (%d)", tool, version, pid, os.Getpid())
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("lock: remove %s: %w", path, err)
	}
	return nil
}

func readLock(path string) (pid int, epoch int64, runID string, err error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, "", err
	}
	fields := strings.Fields(string(raw))
	if len(fields) < 3 {
		return 0, 0, "", fmt.Errorf("lock: malformed lock file %s", path)
	}
	pid, err = strconv.Atoi(fields[0])
	if err != nil {
		return 0, 0, "", fmt.Errorf("lock: malformed pid in %s: %w", path, err)
	}
	epoch, err = strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return 0, 0, "", fmt.Errorf("lock: malformed epoch in %s: %w", path, err)
	}
	return pid, epoch, fields[2], nil
}

// processAlive reports whether pid refers to a live process. On POSIX,
// os.FindProcess always succeeds; signal 0 performs the actual liveness
// check without affecting the target.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
