package health

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/forgebay/forge/internal/model"
)

type fakeRunner struct {
	responses map[string]string
	fail      map[string]bool
}

func (f fakeRunner) Run(ctx context.Context, host model.Host, args ...string) (string, error) {
	key := args[0]
	if f.fail[key] {
		return "", fmt.Errorf("probe %s failed", key)
	}
	return f.responses[key], nil
}

func localHost() model.Host {
	return model.Host{ID: "localhost", Platform: "linux/amd64", Transport: "local", Capabilities: []string{"go"}}
}

func TestCheckLocalHostAllOK(t *testing.T) {
	runner := fakeRunner{responses: map[string]string{
		"df":   "Filesystem 1024-blocks Used Available Capacity Mounted\n/dev/sda1 100 10 90 10% /",
		"go":   "go version go1.25.7",
		"date": "",
	}}
	c := NewWithRunner(runner)
	c.now = func() time.Time { return time.Unix(1000, 0) }

	report := c.Check(context.Background(), localHost())
	if report.Status != StatusOK {
		t.Fatalf("expected ok status, got %s (%+v)", report.Status, report.Probes)
	}
}

func TestCheckShortCircuitsOnUnreachableHost(t *testing.T) {
	runner := fakeRunner{fail: map[string]bool{"echo": true}}
	c := NewWithRunner(runner)

	host := model.Host{ID: "mmini", Platform: "darwin/arm64", Transport: "ssh", SSHAlias: "mmini"}
	report := c.Check(context.Background(), host)
	if report.Status != StatusError {
		t.Fatalf("expected error status, got %s", report.Status)
	}
	if len(report.Probes) != 1 {
		t.Fatalf("expected short-circuit to stop after reachability probe, got %d probes", len(report.Probes))
	}
}

func TestCheckCachesWithinTTL(t *testing.T) {
	calls := 0
	runner := countingRunner{calls: &calls}
	c := NewWithRunner(runner)
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }

	host := localHost()
	c.Check(context.Background(), host)
	first := calls

	c.Check(context.Background(), host)
	if calls != first {
		t.Fatalf("expected cached result to avoid re-probing, calls went from %d to %d", first, calls)
	}

	now = now.Add(TTL + time.Second)
	c.now = func() time.Time { return now }
	c.Check(context.Background(), host)
	if calls == first {
		t.Fatal("expected cache to expire after TTL")
	}
}

type countingRunner struct {
	calls *int
}

func (r countingRunner) Run(ctx context.Context, host model.Host, args ...string) (string, error) {
	*r.calls++
	if args[0] == "df" {
		return "Filesystem 1024-blocks Used Available Capacity Mounted\n/dev/sda1 100 10 90 10% /", nil
	}
	return "", nil
}

func TestDiskProbeFlagsHighUsage(t *testing.T) {
	runner := fakeRunner{responses: map[string]string{
		"df": "Filesystem 1024-blocks Used Available Capacity Mounted\n/dev/sda1 100 96 4 96% /",
	}}
	c := NewWithRunner(runner)
	result := c.probeDisk(context.Background(), localHost())
	if result.Status != StatusError {
		t.Fatalf("expected disk probe to error at 96%% usage, got %s", result.Status)
	}
}
