package main

import (
	"os"
	"strings"

	"github.com/forgebay/forge/internal/containerrunner"
	"github.com/forgebay/forge/internal/health"
	"github.com/forgebay/forge/internal/hostselector"
	"github.com/forgebay/forge/internal/manifest"
	"github.com/forgebay/forge/internal/model"
	"github.com/forgebay/forge/internal/nativessh"
	"github.com/forgebay/forge/internal/orchestrator"
	"github.com/forgebay/forge/internal/sourcesync"
)

// parseTargets splits a comma-separated --targets flag into platforms;
// an empty string yields no override, so the tool's configured targets win.
func parseTargets(raw string) []model.Platform {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var out []model.Platform
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, model.Platform(part))
		}
	}
	return out
}

// buildOrchestrator wires the Config Store, State Store, Lock Manager,
// Host Selector, both build drivers, Source Sync and (unless dryRun) a
// signing key into one Orchestrator, mirroring the dependency order of
// the orchestration algorithm itself.
func buildOrchestrator(cctx *Context, dryRun bool) (*orchestrator.Orchestrator, error) {
	checker := health.New()
	if disk, err := health.OpenDiskCache(cctx.StateRoot); err != nil {
		cctx.Log.Warn("health.disk_cache_unavailable", "error", err)
	} else {
		checker = checker.WithDiskCache(disk)
	}
	selector := hostselector.New(cctx.StateRoot, cctx.Cfg.Hosts(), checker)

	runner := containerrunner.New(containerrunner.RunnerConfig{})
	native := nativessh.New(cctx.Cfg)
	syncer := sourcesync.New(cctx.Log.Logger)

	var key *manifest.SigningKey
	if !dryRun {
		k, err := manifest.LoadOrCreateSigningKey(cctx.ConfigRoot, "release.key", nil)
		if err != nil {
			return nil, err
		}
		key = k
	}

	orch := orchestrator.New(cctx.Cfg, cctx.State, cctx.Locks, selector, runner, native, syncer, key, cctx.Log.Logger)
	if env := releaseGlobalEnv(); len(env) > 0 {
		orch = orch.WithGlobalEnv(env)
	}
	return orch, nil
}

// releaseGlobalEnv carries the handful of cross-compile overrides an
// operator may want every native build to see, without inventing a config
// schema for something that is rarely more than CI secrets already present
// in the process environment.
func releaseGlobalEnv() map[string]string {
	env := map[string]string{}
	for _, k := range []string{"FORGE_RELEASE_CHANNEL", "FORGE_BUILD_TAGS"} {
		if v := os.Getenv(k); v != "" {
			env[k] = v
		}
	}
	return env
}
