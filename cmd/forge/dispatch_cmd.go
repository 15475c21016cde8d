package main

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/forgebay/forge/internal/dispatcher"
	"github.com/forgebay/forge/internal/manifest"
	"github.com/forgebay/forge/internal/model"
	"github.com/forgebay/forge/internal/upstream"
)

// DispatchCmd fans a previously-built, already-manifested release out to
// its downstream repositories without re-running the orchestrator —
// useful to retry a dispatch that failed or was skipped with --dry-run.
type DispatchCmd struct {
	Release DispatchReleaseCmd `cmd:"" help:"fan a release out to its downstream repositories"`
}

type DispatchReleaseCmd struct {
	Tool    string `arg:"" help:"tool id from the configuration file"`
	Version string `arg:"" help:"release version, e.g. 1.4.0"`

	Repos string `help:"comma-separated subset of the tool's configured downstream repos; empty means all"`
	RunID string `default:"latest" help:"run id to dispatch; defaults to the tool/version's most recent run"`
}

func (c *DispatchReleaseCmd) Run(cctx *Context) error {
	tool, err := cctx.Cfg.Tool(c.Tool)
	if err != nil {
		return err
	}
	tool = filterDownstreamRepos(tool, c.Repos)

	run, err := cctx.State.Get(c.Tool, c.Version, c.RunID)
	if err != nil {
		return err
	}

	key, err := manifest.LoadOrCreateSigningKey(cctx.ConfigRoot, "release.key", nil)
	if err != nil {
		return err
	}
	artifacts, err := reassembleArtifacts(key, run)
	if err != nil {
		cctx.Log.Warn("dispatch.reassemble_partial", "run_id", run.RunID, "error", err)
	}
	mf := manifest.Assemble(run, artifacts)

	client := upstream.New(os.Getenv("GITHUB_TOKEN"), cctx.Log.Logger)
	d := dispatcher.New(client, cctx.Cfg.ProtectedPrefix(), cctx.Log.Logger)

	results, err := d.Dispatch(context.Background(), tool, c.Version, run.RunID, run.GitSHA, mf, time.Now())
	for _, r := range results {
		cctx.Log.Info("dispatch.release", "repo", r.Repo, "dispatched", r.DispatchedOK, "checksums", r.ChecksumsOK, "review_issue", r.ReviewIssueNo, "error", r.Error)
	}
	return err
}

// filterDownstreamRepos narrows tool.DownstreamRepos to the comma-separated
// subset named by raw; an empty raw leaves the tool's full set untouched.
func filterDownstreamRepos(tool model.Tool, raw string) model.Tool {
	if strings.TrimSpace(raw) == "" {
		return tool
	}
	want := map[string]bool{}
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			want[part] = true
		}
	}
	var filtered []model.DownstreamRepo
	for _, r := range tool.DownstreamRepos {
		if want[r.Repo] {
			filtered = append(filtered, r)
		}
	}
	tool.DownstreamRepos = filtered
	return tool
}
