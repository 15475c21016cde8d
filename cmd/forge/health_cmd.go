package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/forgebay/forge/internal/health"
	"github.com/forgebay/forge/internal/model"
)

// HealthCmd probes configured hosts and prints their aggregate status.
type HealthCmd struct {
	Host string `help:"limit the probe to a single configured host id"`
	JSON bool   `help:"print reports as JSON instead of human-readable text"`
}

func (c *HealthCmd) Run(cctx *Context) error {
	hosts := cctx.Cfg.Hosts()
	if c.Host != "" {
		h, err := cctx.Cfg.Host(c.Host)
		if err != nil {
			return err
		}
		hosts = []model.Host{h}
	}

	checker := health.New()
	if disk, err := health.OpenDiskCache(cctx.StateRoot); err != nil {
		cctx.Log.Warn("health.disk_cache_unavailable", "error", err)
	} else {
		checker = checker.WithDiskCache(disk)
	}
	reports := checker.CheckAll(context.Background(), hosts)

	ids := make([]string, 0, len(reports))
	for id := range reports {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	if c.JSON || cctx.JSON {
		ordered := make([]health.Report, 0, len(ids))
		for _, id := range ids {
			ordered = append(ordered, reports[id])
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(ordered)
	}

	for _, id := range ids {
		r := reports[id]
		fmt.Printf("%-16s %s\n", id, r.Status)
		for _, p := range r.Probes {
			fmt.Printf("  %-14s %-8s %s\n", p.Name, p.Status, p.Detail)
		}
	}
	return nil
}
