package main

import (
	"os"
	"sort"
	"time"

	"github.com/forgebay/forge/internal/manifest"
	"github.com/forgebay/forge/internal/model"
)

// ManifestCmd reprints the manifest for a previously-run release, hashing
// and re-signing its collected artifacts fresh rather than trusting a
// stale cached copy (the artifacts on disk are the source of truth).
type ManifestCmd struct {
	RunID string `arg:"" help:"run id, or \"latest\" for the most recent run of a tool/version"`
	Tool    string `required:"" help:"tool id the run belongs to"`
	Version string `required:"" help:"version the run belongs to"`
	Out     string `help:"also persist the manifest to this path"`
}

func (c *ManifestCmd) Run(cctx *Context) error {
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
		cctx.Log.Warn("manifest.reassemble_partial", "run_id", run.RunID, "error", err)
	}

	mf := manifest.Assemble(run, artifacts)
	return manifest.Emit(mf, os.Stdout, c.Out)
}

// reassembleArtifacts rebuilds one model.Artifact per completed host,
// mirroring the orchestrator's own collectArtifacts so a re-printed
// manifest always reflects what is actually on disk.
func reassembleArtifacts(key *manifest.SigningKey, run *model.BuildRun) ([]model.Artifact, error) {
	var hostIDs []string
	for h, hs := range run.Hosts {
		if hs.Status == model.HostCompleted && hs.ArtifactPath != "" {
			hostIDs = append(hostIDs, h)
		}
	}
	sort.Strings(hostIDs)

	var artifacts []model.Artifact
	var firstErr error
	for _, h := range hostIDs {
		hs := run.Hosts[h]
		rec, err := manifest.BuildArtifactRecord(key, run.Tool, run.Version, hs.Platform, hs.ArtifactPath, run.RunID, run.GitSHA, "", time.Now())
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		artifacts = append(artifacts, rec)
	}
	return artifacts, firstErr
}
