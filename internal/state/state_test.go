package state

import (
	"testing"
	"time"

	"github.com/forgebay/forge/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(t.TempDir(), 2)
	s.now = func() time.Time { return time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC) }
	s.rand = func() float64 { return 0 }
	return s
}

func TestCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	runID, err := s.Create("widget", "v1.2.3", []model.Platform{"linux/amd64"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	run, err := s.Get("widget", "v1.2.3", runID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if run.Status != model.RunCreated {
		t.Fatalf("unexpected status %s", run.Status)
	}

	latest, err := s.Get("widget", "v1.2.3", "latest")
	if err != nil {
		t.Fatalf("Get latest: %v", err)
	}
	if latest.RunID != runID {
		t.Fatalf("latest resolved to %s, want %s", latest.RunID, runID)
	}
}

func TestSetStatusRejectsMutationAfterTerminal(t *testing.T) {
	s := newTestStore(t)
	runID, err := s.Create("widget", "v1.2.3", []model.Platform{"linux/amd64"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := s.SetStatus("widget", "v1.2.3", runID, model.RunCompleted); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	if err := s.SetGitInfo("widget", "v1.2.3", runID, "abc123", "refs/heads/main"); err == nil {
		t.Fatal("expected mutation of terminal run to fail")
	}
}

func TestRetryBookkeeping(t *testing.T) {
	s := newTestStore(t)
	runID, err := s.Create("widget", "v1.2.3", []model.Platform{"linux/amd64"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := s.SetHost("widget", "v1.2.3", runID, "localhost", "linux/amd64", model.HostFailed, "build failed"); err != nil {
		t.Fatalf("SetHost: %v", err)
	}
	for attempt := 1; attempt <= 2; attempt++ {
		if err := s.RecordRetry("widget", "v1.2.3", runID, "localhost", attempt, "build failed"); err != nil {
			t.Fatalf("RecordRetry: %v", err)
		}
	}

	can, err := s.CanRetry("widget", "v1.2.3", runID, "localhost")
	if err != nil {
		t.Fatalf("CanRetry: %v", err)
	}
	if can {
		t.Fatal("expected retries exhausted at maxRetries=2")
	}

	plan, err := s.ResumePlan("widget", "v1.2.3", runID)
	if err != nil {
		t.Fatalf("ResumePlan: %v", err)
	}
	if len(plan.Exceeded) != 1 || plan.Exceeded[0] != "localhost" {
		t.Fatalf("expected localhost to be exceeded, got %+v", plan)
	}
}

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	s := newTestStore(t)
	d0 := s.BackoffDelay(0)
	d3 := s.BackoffDelay(3)
	if d0 != RetryBase {
		t.Fatalf("attempt 0 delay = %v, want %v", d0, RetryBase)
	}
	if d3 <= d0 {
		t.Fatalf("expected backoff to grow: d0=%v d3=%v", d0, d3)
	}
	dCap := s.BackoffDelay(20)
	if dCap != RetryMaxDelay {
		t.Fatalf("expected delay to cap at %v, got %v", RetryMaxDelay, dCap)
	}
}

func TestCleanupKeepsNewestN(t *testing.T) {
	s := newTestStore(t)
	var runIDs []string
	base := s.now()
	for i := 0; i < 7; i++ {
		s.now = func(i int) func() time.Time {
			return func() time.Time { return base.Add(time.Duration(i) * time.Minute) }
		}(i)
		id, err := s.Create("widget", "v1.2.3", []model.Platform{"linux/amd64"})
		if err != nil {
			t.Fatalf("Create %d: %v", i, err)
		}
		runIDs = append(runIDs, id)
	}

	if err := s.Cleanup("widget", "v1.2.3", 5); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}

	for i, id := range runIDs {
		_, err := s.read("widget", "v1.2.3", id)
		if i < 2 {
			if err == nil {
				t.Fatalf("expected run %s to be pruned", id)
			}
		} else if err != nil {
			t.Fatalf("expected run %s to survive cleanup: %v", id, err)
		}
	}
}
