package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/forgebay/forge/internal/model"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	c := New("test-token", nil)
	c.baseURL = srv.URL
	c.uploadBaseURL = srv.URL
	c.WithRetryPolicy(2, time.Millisecond)
	return c, srv
}

func TestListWorkflowRunsDecodesAndCaches(t *testing.T) {
	var calls int32
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.Header.Get("Authorization") != "Bearer test-token" {
			t.Errorf("expected bearer token header, got %q", r.Header.Get("Authorization"))
		}
		json.NewEncoder(w).Encode(workflowRunsPage{
			WorkflowRuns: []WorkflowRun{{ID: 1, HeadSHA: "abc123", Status: "completed", Conclusion: "success"}},
		})
	})
	defer srv.Close()

	runs, err := c.ListWorkflowRuns(context.Background(), "acme", "widget", "release.yml")
	if err != nil {
		t.Fatalf("ListWorkflowRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].HeadSHA != "abc123" {
		t.Fatalf("unexpected runs %+v", runs)
	}

	// Second call within the cache TTL must not hit the server again.
	if _, err := c.ListWorkflowRuns(context.Background(), "acme", "widget", "release.yml"); err != nil {
		t.Fatalf("cached ListWorkflowRuns: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected 1 upstream call (second served from cache), got %d", got)
	}
}

func TestGetJSONRevalidatesWithETagOnExpiry(t *testing.T) {
	var calls int32
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			w.Header().Set("ETag", `"v1"`)
			json.NewEncoder(w).Encode(Release{TagName: "v1.0.0"})
			return
		}
		if r.Header.Get("If-None-Match") != `"v1"` {
			t.Errorf("expected If-None-Match on revalidation, got %q", r.Header.Get("If-None-Match"))
		}
		w.WriteHeader(http.StatusNotModified)
	})
	defer srv.Close()
	c.now = func() time.Time { return time.Unix(0, 0) }

	r, err := c.GetLatestRelease(context.Background(), "acme", "widget")
	if err != nil {
		t.Fatalf("GetLatestRelease: %v", err)
	}
	if r.TagName != "v1.0.0" {
		t.Fatalf("unexpected release %+v", r)
	}

	// Advance past the cache TTL so the next call revalidates instead of
	// serving the cached body outright.
	c.now = func() time.Time { return time.Unix(0, 0).Add(CacheTTL + time.Second) }
	r2, err := c.GetLatestRelease(context.Background(), "acme", "widget")
	if err != nil {
		t.Fatalf("revalidated GetLatestRelease: %v", err)
	}
	if r2.TagName != "v1.0.0" {
		t.Fatalf("expected revalidated response to still carry the cached body, got %+v", r2)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected exactly 2 upstream calls, got %d", calls)
	}
}

// TestSendRepositoryDispatchRetriesRateLimitThenSucceeds is the S5
// scenario: two 429 rate-limit responses, then a 204, exactly 3 observed
// requests and exactly one successful dispatch.
func TestSendRepositoryDispatchRetriesRateLimitThenSucceeds(t *testing.T) {
	var calls int32
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"message":"API rate limit exceeded"}`))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	defer srv.Close()

	err := c.SendRepositoryDispatch(context.Background(), "acme", "widget", DispatchEvent{EventType: "release", ClientPayload: map[string]string{"tool": "widget"}})
	if err != nil {
		t.Fatalf("SendRepositoryDispatch: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected exactly 3 observed requests, got %d", got)
	}
}

func TestSendRepositoryDispatchRateLimitedPastCapReturnsRateLimitedKind(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"message":"rate limit exceeded, try again later"}`))
	})
	defer srv.Close()

	err := c.SendRepositoryDispatch(context.Background(), "acme", "widget", DispatchEvent{EventType: "release"})
	if err == nil {
		t.Fatal("expected a rate_limited error")
	}
	if model.KindOf(err) != model.ErrRateLimited {
		t.Fatalf("expected rate_limited, got %v (%v)", model.KindOf(err), err)
	}
}

func TestResolveTagToSHAReturnsInvalidArgsWhenAbsent(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]Tag{{Name: "v0.9.0"}})
	})
	defer srv.Close()

	_, err := c.ResolveTagToSHA(context.Background(), "acme", "widget", "v1.0.0")
	if err == nil {
		t.Fatal("expected an error for a missing tag")
	}
	if model.KindOf(err) != model.ErrInvalidArgs {
		t.Fatalf("expected invalid_args for a not-found tag, got %v", model.KindOf(err))
	}
}

func TestGetWorkflowRunPropagatesNotFoundAsDependencyMissing(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"message":"Not Found"}`))
	})
	defer srv.Close()

	_, err := c.GetWorkflowRun(context.Background(), "acme", "widget", 42)
	if err == nil {
		t.Fatal("expected an error")
	}
	if model.KindOf(err) != model.ErrDependencyMissing {
		t.Fatalf("expected dependency_missing, got %v (%v)", model.KindOf(err), err)
	}
}
