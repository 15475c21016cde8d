package main

import (
	"context"

	"github.com/forgebay/forge/internal/orchestrator"
)

// BuildCmd runs the same per-target algorithm as ReleaseCmd but never
// signs artifacts or dispatches to downstream repositories — a local
// smoke build.
type BuildCmd struct {
	Tool    string `arg:"" help:"tool id from the configuration file"`
	Version string `arg:"" help:"build version, e.g. 1.4.0"`

	Targets string `help:"comma-separated platform overrides, e.g. linux/amd64,darwin/arm64"`
	JSON    bool   `help:"print the result envelope as JSON instead of human-readable text"`
}

func (c *BuildCmd) Run(cctx *Context) error {
	orch, err := buildOrchestrator(cctx, true)
	if err != nil {
		return err
	}

	result, err := orch.Orchestrate(context.Background(), c.Tool, c.Version, orchestrator.Options{
		Targets: parseTargets(c.Targets),
	})
	if err != nil {
		return err
	}

	return printResult(cctx, c.JSON || cctx.JSON, result)
}
