package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/forgebay/forge/internal/dispatcher"
	"github.com/forgebay/forge/internal/manifest"
	"github.com/forgebay/forge/internal/model"
	"github.com/forgebay/forge/internal/orchestrator"
	"github.com/forgebay/forge/internal/upstream"
)

// ReleaseCmd drives the full per-tool algorithm and, on a non-failed
// outcome, fans the release out to its downstream repositories.
type ReleaseCmd struct {
	Tool    string `arg:"" help:"tool id from the configuration file"`
	Version string `arg:"" help:"release version, e.g. 1.4.0"`

	Targets string `help:"comma-separated platform overrides, e.g. linux/amd64,darwin/arm64"`
	DryRun  bool   `help:"build and assemble a manifest but skip signing and dispatch"`
	JSON    bool   `help:"print the result envelope as JSON instead of human-readable text"`
	Resume  bool   `help:"only retry targets left pending or retryable by the previous run"`
}

func (c *ReleaseCmd) Run(cctx *Context) error {
	ctx := context.Background()

	orch, err := buildOrchestrator(cctx, c.DryRun)
	if err != nil {
		return err
	}

	result, err := orch.Orchestrate(ctx, c.Tool, c.Version, orchestrator.Options{
		Targets: parseTargets(c.Targets),
		Resume:  c.Resume,
	})
	if err != nil {
		return err
	}

	if !c.DryRun && result.Status != model.RunFailed && result.Manifest != nil {
		if derr := dispatchRelease(ctx, cctx, c.Tool, c.Version, result); derr != nil {
			cctx.Log.Warn("release.dispatch_failed", "tool", c.Tool, "version", c.Version, "error", derr)
		}
	}

	return printResult(cctx, c.JSON || cctx.JSON, result)
}

// dispatchRelease fans a finished release out to its downstream repos,
// following the same invocation the standalone dispatch command uses.
func dispatchRelease(ctx context.Context, cctx *Context, toolID, version string, result *orchestrator.Result) error {
	tool, err := cctx.Cfg.Tool(toolID)
	if err != nil {
		return err
	}
	if len(tool.DownstreamRepos) == 0 {
		return nil
	}

	run, err := cctx.State.Get(toolID, version, result.RunID)
	if err != nil {
		return err
	}

	client := upstream.New(os.Getenv("GITHUB_TOKEN"), cctx.Log.Logger)
	d := dispatcher.New(client, cctx.Cfg.ProtectedPrefix(), cctx.Log.Logger)

	results, err := d.Dispatch(ctx, tool, version, result.RunID, run.GitSHA, *result.Manifest, time.Now())
	for _, r := range results {
		cctx.Log.Info("release.dispatch", "repo", r.Repo, "dispatched", r.DispatchedOK, "checksums", r.ChecksumsOK, "review_issue", r.ReviewIssueNo, "error", r.Error)
	}
	return err
}

func printResult(cctx *Context, asJSON bool, result *orchestrator.Result) error {
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return err
		}
	} else {
		fmt.Printf("run %s: %s/%s -> %s (exit %d)\n", result.RunID, result.Tool, result.Version, result.Status, result.ExitCode)
		for _, t := range result.Targets {
			if t.Error != "" {
				fmt.Printf("  %-16s %-12s %-10s %s\n", t.Platform, t.Host, t.Status, t.Error)
			} else {
				fmt.Printf("  %-16s %-12s %-10s %s\n", t.Platform, t.Host, t.Status, t.ArtifactPath)
			}
		}
		if result.Manifest != nil {
			if err := manifest.Emit(*result.Manifest, os.Stdout, ""); err != nil {
				return err
			}
		}
	}
	if result.ExitCode != 0 {
		os.Exit(result.ExitCode)
	}
	return nil
}
