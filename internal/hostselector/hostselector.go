// Package hostselector implements the Host Selector: scoring candidate
// hosts for a target platform and accounting for per-host concurrency
// slots via lock files in a slots directory. Grounded on the teacher's
// pool.ContainerPool (Acquire/Release/Remove accounting, generalized from
// an in-memory channel pool to on-disk slot files so slots survive process
// restarts and can be reported through QueueStatus).
package hostselector

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/forgebay/forge/internal/health"
	"github.com/forgebay/forge/internal/model"
)

// SlotTTL is the age after which an unreleased slot file is reclaimed.
const SlotTTL = time.Hour

// Selector scores and allocates host capacity.
type Selector struct {
	root    string // <state-root>/slots
	hosts   []model.Host
	healthy func(model.Host) bool
	now     func() time.Time
}

// New returns a Selector over hosts, using checker to gate candidates on
// health. checker may be nil, in which case every host is treated as a
// candidate (used by tests exercising scoring/accounting in isolation).
func New(stateRoot string, hosts []model.Host, checker *health.Checker) *Selector {
	healthy := func(h model.Host) bool { return true }
	if checker != nil {
		healthy = func(h model.Host) bool {
			return checker.Check(context.Background(), h).Status != health.StatusError
		}
	}
	return &Selector{
		root:    filepath.Join(stateRoot, "slots"),
		hosts:   hosts,
		healthy: healthy,
		now:     time.Now,
	}
}

// WithHealthPredicate overrides how candidate hosts are health-filtered.
func (s *Selector) WithHealthPredicate(fn func(model.Host) bool) *Selector {
	s.healthy = fn
	return s
}

func (s *Selector) slotDir(hostID string) string {
	return filepath.Join(s.root, hostID)
}

// usage returns the number of live (non-stale) slot files for hostID.
func (s *Selector) usage(hostID string) int {
	entries, err := os.ReadDir(s.slotDir(hostID))
	if err != nil {
		return 0
	}
	count := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if s.now().Sub(info.ModTime()) <= SlotTTL {
			count++
		}
	}
	return count
}

// candidate is a scored host.
type candidate struct {
	host      model.Host
	score     int
	available int
}

// ChooseHost enumerates hosts healthy for platform and capability, scores
// them, and returns the chosen host id. preferHost is honoured if it has
// free capacity. If every candidate is at capacity, the best-scoring
// candidate is still returned so callers can decide whether to wait.
func (s *Selector) ChooseHost(platform model.Platform, capability, preferHost string) (string, error) {
	var candidates []candidate
	for _, h := range s.hosts {
		if h.Platform != platform {
			continue
		}
		if capability != "" && !h.HasCapability(capability) {
			continue
		}
		if !s.healthy(h) {
			continue
		}
		used := s.usage(h.ID)
		free := h.Concurrency - used
		score := 100 + free*10
		if h.IsLocal() {
			score += 20
		}
		candidates = append(candidates, candidate{host: h, score: score, available: free})
	}
	if len(candidates) == 0 {
		return "", model.NewError(model.ErrDependencyMissing, "hostselector: no healthy host for platform %s (capability=%q)", platform, capability)
	}

	if preferHost != "" {
		for _, c := range candidates {
			if c.host.ID == preferHost && c.available > 0 {
				return c.host.ID, nil
			}
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].host.ID < candidates[j].host.ID
	})

	for _, c := range candidates {
		if c.available > 0 {
			return c.host.ID, nil
		}
	}
	// All at capacity: return the best-scoring candidate regardless.
	return candidates[0].host.ID, nil
}

// AcquireSlot creates a slot file for (host, run_id), reclaiming stale
// slots as needed. It does not block; callers needing wait semantics poll.
func (s *Selector) AcquireSlot(hostID, runID string) error {
	dir := s.slotDir(hostID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("hostselector: mkdir %s: %w", dir, err)
	}
	path := filepath.Join(dir, slotFileName(runID))

	tmp, err := os.CreateTemp(dir, "slot.tmp-*")
	if err != nil {
		return fmt.Errorf("hostselector: create temp slot: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(strconv.FormatInt(s.now().Unix(), 10)); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("hostselector: write temp slot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("hostselector: close temp slot: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("hostselector: rename temp slot: %w", err)
	}
	return nil
}

// ReleaseSlot removes a slot file for (host, run_id).
func (s *Selector) ReleaseSlot(hostID, runID string) error {
	path := filepath.Join(s.slotDir(hostID), slotFileName(runID))
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("hostselector: remove slot %s: %w", path, err)
	}
	return nil
}

func slotFileName(runID string) string {
	return strings.ReplaceAll(runID, "/", "_") + ".slot"
}

// QueueEntry reports capacity usage for one host.
type QueueEntry struct {
	Host       string `json:"host"`
	Usage      int    `json:"usage"`
	Limit      int    `json:"limit"`
	Available  int    `json:"available"`
	AtCapacity bool   `json:"at_capacity"`
}

// QueueStatus reports current capacity usage across every host.
func (s *Selector) QueueStatus() []QueueEntry {
	out := make([]QueueEntry, 0, len(s.hosts))
	for _, h := range s.hosts {
		used := s.usage(h.ID)
		out = append(out, QueueEntry{
			Host:       h.ID,
			Usage:      used,
			Limit:      h.Concurrency,
			Available:  h.Concurrency - used,
			AtCapacity: used >= h.Concurrency,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Host < out[j].Host })
	return out
}
