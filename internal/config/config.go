// Package config implements the read-only Config Store: tool, host and
// platform-mapping lookups resolved once at process start with the
// precedence rules from spec.md §4.1. The store never writes back to disk;
// persistence of edits is the caller's concern.
package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/forgebay/forge/internal/model"
)

// File is the on-disk shape of the top-level configuration: a host table, a
// platform mapping and a list of per-tool records (spec.md §6).
type File struct {
	Hosts          []model.Host            `yaml:"hosts"`
	PlatformToHost map[model.Platform]string `yaml:"platform_to_host"`
	Tools          []model.Tool            `yaml:"tools"`
	ProtectedPrefix string                 `yaml:"protected_prefix"`
}

// Store is the immutable, process-lifetime view over configuration.
type Store struct {
	tools          map[string]model.Tool
	hosts          map[string]model.Host
	platformToHost map[model.Platform]string
	protectedPrefix string
}

// Load reads and validates the configuration file at path. The store is
// loaded once per process and is immutable thereafter.
func Load(path string) (*Store, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, model.NewError(model.ErrInvalidArgs, "config_store: read %s", path).WithCause(err)
	}

	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, model.NewError(model.ErrInvalidArgs, "config_store: parse %s", path).WithCause(err)
	}

	s := &Store{
		tools:           map[string]model.Tool{},
		hosts:           map[string]model.Host{},
		platformToHost:  f.PlatformToHost,
		protectedPrefix: f.ProtectedPrefix,
	}
	if s.platformToHost == nil {
		s.platformToHost = map[model.Platform]string{}
	}

	localPlatforms := map[model.Platform]bool{}
	for _, h := range f.Hosts {
		if h.ID == "" {
			return nil, model.NewError(model.ErrInvalidArgs, "config_store: host missing id")
		}
		if h.IsLocal() {
			if localPlatforms[h.Platform] {
				return nil, model.NewError(model.ErrInvalidArgs, "config_store: more than one local host for platform %s", h.Platform)
			}
			localPlatforms[h.Platform] = true
		}
		if h.Concurrency < 1 {
			h.Concurrency = 1
		}
		s.hosts[h.ID] = h
	}

	for _, t := range f.Tools {
		if err := t.Validate(s.hosts, s.platformToHost); err != nil {
			return nil, err
		}
		s.tools[t.ID] = t
	}

	return s, nil
}

// Tool returns the configuration record for id, or a config_error if unknown.
func (s *Store) Tool(id string) (model.Tool, error) {
	t, ok := s.tools[id]
	if !ok {
		return model.Tool{}, model.NewError(model.ErrInvalidArgs, "config_store: unknown tool %q", id).WithField("field", "tool")
	}
	return t, nil
}

// Host returns the configuration record for id, or a config_error if unknown.
func (s *Store) Host(id string) (model.Host, error) {
	h, ok := s.hosts[id]
	if !ok {
		return model.Host{}, model.NewError(model.ErrInvalidArgs, "config_store: unknown host %q", id).WithField("field", "host")
	}
	return h, nil
}

// Hosts returns every configured host.
func (s *Store) Hosts() []model.Host {
	out := make([]model.Host, 0, len(s.hosts))
	for _, h := range s.hosts {
		out = append(out, h)
	}
	return out
}

// PlatformToHost resolves the native host id for a platform, preferring the
// top-level platform_to_host entry and otherwise returning a host from the
// host table whose platform matches (which one is not defined when several
// match).
func (s *Store) PlatformToHost(platform model.Platform) (string, error) {
	if id, ok := s.platformToHost[platform]; ok {
		return id, nil
	}
	// Derived view: fall back to scanning the host table for a platform match.
	for id, h := range s.hosts {
		if h.Platform == platform {
			return id, nil
		}
	}
	return "", model.NewError(model.ErrInvalidArgs, "config_store: no host maps to platform %s", platform).WithField("field", "platform_to_host")
}

// NamingPattern resolves a tool's naming pattern for kind ("versioned" or
// "compat") following the explicit-config tier of the precedence in
// spec.md §4.12. Lower-precedence tiers (workflow file, release-metadata
// file, bundled defaults) are resolved by internal/naming, which calls back
// into the Store only for this top tier.
func (s *Store) NamingPattern(toolID, kind string) (string, bool) {
	t, ok := s.tools[toolID]
	if !ok {
		return "", false
	}
	switch kind {
	case "versioned":
		if t.ArtifactNaming.Versioned != "" {
			return t.ArtifactNaming.Versioned, true
		}
	case "compat":
		if t.ArtifactNaming.Compat != "" {
			return t.ArtifactNaming.Compat, true
		}
	}
	return "", false
}

// TargetTriple resolves a tool's target-triple override for a platform.
func (s *Store) TargetTriple(toolID string, platform model.Platform) (string, bool) {
	t, ok := s.tools[toolID]
	if !ok {
		return "", false
	}
	v, ok := t.TargetTriples[platform]
	return v, ok
}

// ArchAlias resolves a tool's arch-alias override.
func (s *Store) ArchAlias(toolID, arch string) (string, bool) {
	t, ok := s.tools[toolID]
	if !ok {
		return "", false
	}
	v, ok := t.ArchAliases[arch]
	return v, ok
}

// ProtectedPrefix returns the path prefix the Downstream Dispatcher must
// never write under, defaulting to the user's home directory when unset.
func (s *Store) ProtectedPrefix() string {
	if s.protectedPrefix != "" {
		return s.protectedPrefix
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home)
}

// HostPath resolves the per-host source-path override for a tool, falling
// back to the tool's local path when no override is configured.
func HostPath(t model.Tool, hostID string) string {
	if p, ok := t.HostPaths[hostID]; ok && p != "" {
		return p
	}
	return t.LocalPath
}
