// Package health implements the Host Health Checker: five short-circuiting
// probes per host (reachability, disk, toolchains, container daemon, clock
// drift), combined into an aggregate status and cached with a short TTL.
// Grounded on the teacher's SystemSvc (system.go) exec.CommandContext probe
// style, generalized from a single local "container system status" check
// into a multi-probe battery that also runs over SSH.
package health

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/forgebay/forge/internal/model"
)

// TTL is how long a cached health result remains valid.
const TTL = 5 * time.Minute

// CommandTimeout bounds every individual remote probe command.
const CommandTimeout = 30 * time.Second

// Status is a probe or aggregate outcome.
type Status string

const (
	StatusOK      Status = "ok"
	StatusWarning Status = "warning"
	StatusError   Status = "error"
)

// ProbeResult captures one named probe's outcome.
type ProbeResult struct {
	Name    string  `json:"name"`
	Status  Status  `json:"status"`
	Detail  string  `json:"detail,omitempty"`
	Latency float64 `json:"latency_ms,omitempty"`
}

// Report is the aggregate result of checking one host.
type Report struct {
	Host      string        `json:"host"`
	Status    Status        `json:"status"`
	Probes    []ProbeResult `json:"probes"`
	CheckedAt time.Time     `json:"checked_at"`
}

// Runner executes a command and returns its combined output, honoring ctx
// cancellation. Abstracted so tests can substitute a fake without shelling
// out.
type Runner interface {
	Run(ctx context.Context, host model.Host, args ...string) (string, error)
}

// execRunner runs probes with exec.CommandContext: locally via direct argv,
// over SSH via "ssh -o BatchMode=yes -o StrictHostKeyChecking=accept-new
// -o ConnectTimeout=<T> <alias> <cmd>".
type execRunner struct{}

func (execRunner) Run(ctx context.Context, host model.Host, args ...string) (string, error) {
	var cmd *exec.Cmd
	if host.IsLocal() {
		cmd = exec.CommandContext(ctx, args[0], args[1:]...)
	} else {
		remote := strings.Join(args, " ")
		cmd = exec.CommandContext(ctx, "ssh",
			"-o", "BatchMode=yes",
			"-o", "StrictHostKeyChecking=accept-new",
			"-o", "ConnectTimeout=10",
			host.SSHAlias, remote)
	}
	out, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

// Checker runs and caches host health reports. The in-memory map always
// backs a process's own lookups; disk optionally persists results across
// process invocations.
type Checker struct {
	runner Runner
	now    func() time.Time
	cache  map[string]Report
	disk   *DiskCache
}

// New returns a Checker using the real exec-based Runner, with no disk
// persistence (results are cached only for this process's lifetime).
func New() *Checker {
	return &Checker{runner: execRunner{}, now: time.Now, cache: map[string]Report{}}
}

// NewWithRunner returns a Checker using a custom Runner (for tests).
func NewWithRunner(r Runner) *Checker {
	return &Checker{runner: r, now: time.Now, cache: map[string]Report{}}
}

// WithDiskCache attaches a DiskCache so health results survive across
// process invocations.
func (c *Checker) WithDiskCache(d *DiskCache) *Checker {
	c.disk = d
	return c
}

// Check runs all probes for host, using a cached result if still within TTL.
func (c *Checker) Check(ctx context.Context, host model.Host) Report {
	if cached, ok := c.cache[host.ID]; ok && c.now().Sub(cached.CheckedAt) < TTL {
		return cached
	}
	if c.disk != nil {
		if cached, ok := c.disk.Get(host.ID); ok && c.now().Sub(cached.CheckedAt) < TTL {
			c.cache[host.ID] = cached
			return cached
		}
	}

	var probes []ProbeResult
	reach := c.probeReachability(ctx, host)
	probes = append(probes, reach)
	if reach.Status == StatusError {
		report := aggregate(host.ID, probes, c.now())
		c.store(report)
		return report
	}

	probes = append(probes, c.probeDisk(ctx, host))
	for _, capability := range host.Capabilities {
		probes = append(probes, c.probeToolchain(ctx, host, capability))
	}
	if host.HasCapability("docker") || host.HasCapability("container-runner") {
		probes = append(probes, c.probeContainerDaemon(ctx, host))
	}
	probes = append(probes, c.probeClockDrift(ctx, host))

	report := aggregate(host.ID, probes, c.now())
	c.store(report)
	return report
}

// store writes report to the in-memory cache and, if attached, the disk
// cache. Disk write failures are ignored and not reported anywhere; a
// cache miss simply falls back to re-probing.
func (c *Checker) store(report Report) {
	c.cache[report.Host] = report
	if c.disk != nil {
		_ = c.disk.Put(report)
	}
}

// CheckAll checks every host and returns a report per host id.
func (c *Checker) CheckAll(ctx context.Context, hosts []model.Host) map[string]Report {
	out := make(map[string]Report, len(hosts))
	for _, h := range hosts {
		out[h.ID] = c.Check(ctx, h)
	}
	return out
}

// HealthyHosts returns hosts whose aggregate status is ok or warning, and
// which declare capability if non-empty.
func (c *Checker) HealthyHosts(ctx context.Context, hosts []model.Host, capability string) []model.Host {
	var out []model.Host
	for _, h := range hosts {
		if capability != "" && !h.HasCapability(capability) {
			continue
		}
		r := c.Check(ctx, h)
		if r.Status != StatusError {
			out = append(out, h)
		}
	}
	return out
}

// IsReady reports whether host passes health and declares every required
// capability.
func (c *Checker) IsReady(ctx context.Context, host model.Host, required []string) bool {
	for _, capability := range required {
		if !host.HasCapability(capability) {
			return false
		}
	}
	return c.Check(ctx, host).Status != StatusError
}

func aggregate(hostID string, probes []ProbeResult, now time.Time) Report {
	status := StatusOK
	for _, p := range probes {
		if p.Status == StatusError {
			status = StatusError
			break
		}
		if p.Status == StatusWarning && status == StatusOK {
			status = StatusWarning
		}
	}
	return Report{Host: hostID, Status: status, Probes: probes, CheckedAt: now}
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, CommandTimeout)
}

func (c *Checker) probeReachability(ctx context.Context, host model.Host) ProbeResult {
	if host.IsLocal() {
		return ProbeResult{Name: "reachability", Status: StatusOK}
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	start := c.now()
	_, err := c.runner.Run(ctx, host, "echo", "ok")
	latency := c.now().Sub(start).Seconds() * 1000

	if err != nil {
		return ProbeResult{Name: "reachability", Status: StatusError, Detail: err.Error()}
	}
	return ProbeResult{Name: "reachability", Status: StatusOK, Latency: latency}
}

func (c *Checker) probeDisk(ctx context.Context, host model.Host) ProbeResult {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	out, err := c.runner.Run(ctx, host, "df", "-P", "/")
	if err != nil {
		return ProbeResult{Name: "disk", Status: StatusError, Detail: err.Error()}
	}
	pct, freeGiB, err := parseDf(out)
	if err != nil {
		return ProbeResult{Name: "disk", Status: StatusWarning, Detail: err.Error()}
	}

	detail := fmt.Sprintf("%d%% used, %.1f GiB free", pct, freeGiB)
	switch {
	case pct > 95:
		return ProbeResult{Name: "disk", Status: StatusError, Detail: detail}
	case pct > 90:
		return ProbeResult{Name: "disk", Status: StatusWarning, Detail: detail}
	default:
		return ProbeResult{Name: "disk", Status: StatusOK, Detail: detail}
	}
}

// parseDf parses the last line of `df -P /` output into percent-used and
// free GiB.
func parseDf(out string) (pct int, freeGiB float64, err error) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) == 0 {
		return 0, 0, fmt.Errorf("health: empty df output")
	}
	fields := strings.Fields(lines[len(lines)-1])
	if len(fields) < 5 {
		return 0, 0, fmt.Errorf("health: unexpected df output %q", out)
	}
	pctStr := strings.TrimSuffix(fields[4], "%")
	pct, err = strconv.Atoi(pctStr)
	if err != nil {
		return 0, 0, fmt.Errorf("health: parse df percent: %w", err)
	}
	availKB, err := strconv.ParseFloat(fields[3], 64)
	if err != nil {
		return 0, 0, fmt.Errorf("health: parse df available: %w", err)
	}
	return pct, availKB / (1024 * 1024), nil
}

func (c *Checker) probeToolchain(ctx context.Context, host model.Host, capability string) ProbeResult {
	if capability == "docker" || capability == "container-runner" {
		// Covered by the dedicated container-daemon probe instead.
		return ProbeResult{Name: "toolchain:" + capability, Status: StatusOK}
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	_, err := c.runner.Run(ctx, host, capability, "--version")
	if err != nil {
		return ProbeResult{Name: "toolchain:" + capability, Status: StatusError, Detail: "missing"}
	}
	return ProbeResult{Name: "toolchain:" + capability, Status: StatusOK}
}

func (c *Checker) probeContainerDaemon(ctx context.Context, host model.Host) ProbeResult {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	_, err := c.runner.Run(ctx, host, "docker", "info")
	if err != nil {
		return ProbeResult{Name: "container-daemon", Status: StatusError, Detail: err.Error()}
	}
	return ProbeResult{Name: "container-daemon", Status: StatusOK, Detail: "running"}
}

func (c *Checker) probeClockDrift(ctx context.Context, host model.Host) ProbeResult {
	if host.IsLocal() {
		return ProbeResult{Name: "clock-drift", Status: StatusOK, Detail: "0s"}
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	out, err := c.runner.Run(ctx, host, "date", "+%s")
	if err != nil {
		return ProbeResult{Name: "clock-drift", Status: StatusError, Detail: err.Error()}
	}
	remoteEpoch, err := strconv.ParseInt(strings.TrimSpace(out), 10, 64)
	if err != nil {
		return ProbeResult{Name: "clock-drift", Status: StatusWarning, Detail: "unparseable remote clock"}
	}
	drift := c.now().Unix() - remoteEpoch
	if drift < 0 {
		drift = -drift
	}
	detail := fmt.Sprintf("%ds", drift)
	if drift > 30 {
		return ProbeResult{Name: "clock-drift", Status: StatusWarning, Detail: detail}
	}
	return ProbeResult{Name: "clock-drift", Status: StatusOK, Detail: detail}
}
