// Package model defines the shared data types that flow between forge's
// components: tool and host configuration, build runs, locks, artifacts
// and release manifests.
package model

import "time"

// Platform identifies a build target as an os/arch pair, e.g. "linux/amd64".
type Platform string

// OS returns the operating system half of the platform string.
func (p Platform) OS() string {
	for i, c := range p {
		if c == '/' {
			return string(p[:i])
		}
	}
	return string(p)
}

// Arch returns the architecture half of the platform string.
func (p Platform) Arch() string {
	for i, c := range p {
		if c == '/' {
			return string(p[i+1:])
		}
	}
	return ""
}

// ArchiveFormat is the container format used for a platform's published archive.
type ArchiveFormat string

const (
	ArchiveTarGz ArchiveFormat = "tar.gz"
	ArchiveZip   ArchiveFormat = "zip"
	ArchiveNone  ArchiveFormat = "none"
)

// Tool is the immutable configuration record for one release target.
type Tool struct {
	ID                string                      `yaml:"id"`
	Repo              string                      `yaml:"repo"`
	LocalPath         string                      `yaml:"local_path"`
	Language          string                      `yaml:"language"`
	BuildCmd          string                      `yaml:"build_cmd"`
	BinaryName        string                      `yaml:"binary_name"`
	ArchiveFormat     map[string]ArchiveFormat    `yaml:"archive_format"`
	Targets           []Platform                  `yaml:"targets"`
	Workflow          string                      `yaml:"workflow"`
	ActJobMap         map[Platform]string         `yaml:"act_job_map"`
	HostPaths         map[string]string           `yaml:"host_paths"`
	ArtifactNaming    ArtifactNamingConfig        `yaml:"artifact_naming"`
	InstallCompat     string                      `yaml:"install_script_compat"`
	InstallScriptPath string                      `yaml:"install_script_path"`
	CrossCompile      map[Platform]map[string]string `yaml:"cross_compile"`
	Checks            []string                    `yaml:"checks"`
	MinisignPubkey    string                      `yaml:"minisign_pubkey"`
	TargetTriples     map[Platform]string         `yaml:"target_triples"`
	ArchAliases       map[string]string           `yaml:"arch_aliases"`
	DownstreamRepos   []DownstreamRepo            `yaml:"downstream_repos"`
}

// DownstreamRepo is one repository the Downstream Dispatcher notifies
// after a release: a repository-dispatch event plus a checksum file sync.
type DownstreamRepo struct {
	Repo         string `yaml:"repo"`          // "owner/name"
	ChecksumPath string `yaml:"checksum_path"` // path within Repo to write SHA256SUMS to
	External     bool   `yaml:"external"`      // true: open a review issue instead of pushing directly
}

// ArtifactNamingConfig carries explicit per-tool naming pattern overrides.
type ArtifactNamingConfig struct {
	Versioned string `yaml:"versioned"`
	Compat    string `yaml:"compat"`
}

// JobFor returns the act_job_map entry for a platform. ok is false when the
// platform has no entry at all (a configuration error); job == "" with
// ok == true means an explicit null, i.e. native build.
func (t Tool) JobFor(p Platform) (job string, ok bool) {
	job, ok = t.ActJobMap[p]
	return job, ok
}

// Validate enforces the Tool invariants from spec.md §3.
func (t Tool) Validate(hosts map[string]Host, platformToHost map[Platform]string) error {
	if t.ID == "" {
		return NewError(ErrInvalidArgs, "tool id is empty")
	}
	usesNative := false
	for _, p := range t.Targets {
		job, ok := t.JobFor(p)
		if ok && job != "" {
			continue
		}
		_, hasHost := platformToHost[p]
		for _, h := range hosts {
			if h.Platform == p {
				hasHost = true
			}
		}
		if hasHost {
			usesNative = true
			continue
		}
		return NewError(ErrInvalidArgs, "target %s has neither a container-runner job nor a native host", p).WithField("target", string(p))
	}
	if usesNative && t.BinaryName == "" {
		return NewError(ErrInvalidArgs, "tool %s uses native builds but binary_name is empty", t.ID).WithField("tool", t.ID)
	}
	return nil
}

// Host describes one build machine the controller can reach.
type Host struct {
	ID            string   `yaml:"id"`
	Platform      Platform `yaml:"platform"`
	Transport     string   `yaml:"transport"` // "local" or "ssh"
	SSHAlias      string   `yaml:"ssh_host"`
	Capabilities  []string `yaml:"capabilities"`
	Concurrency   int      `yaml:"concurrency"`
	Description   string   `yaml:"description"`
}

// IsLocal reports whether this host is reached without a transport hop.
func (h Host) IsLocal() bool { return h.Transport == "local" }

// HasCapability reports whether the host declares the given capability.
func (h Host) HasCapability(cap string) bool {
	for _, c := range h.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// HostStatus is the lifecycle state of one target within a BuildRun.
type HostStatus string

const (
	HostPending   HostStatus = "pending"
	HostRunning   HostStatus = "running"
	HostCompleted HostStatus = "completed"
	HostFailed    HostStatus = "failed"
	HostSkipped   HostStatus = "skipped"
)

// RunStatus is the overall lifecycle state of a BuildRun.
type RunStatus string

const (
	RunCreated   RunStatus = "created"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunPartial   RunStatus = "partial"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// RetryRecord captures one failed attempt against a host.
type RetryRecord struct {
	Attempt   int       `json:"attempt"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// HostState is the per-target sub-record of a BuildRun.
type HostState struct {
	Host         string        `json:"host"`
	Platform     Platform      `json:"platform"`
	Status       HostStatus    `json:"status"`
	RetryCount   int           `json:"retry_count"`
	LastError    string        `json:"last_error,omitempty"`
	Retries      []RetryRecord `json:"retries,omitempty"`
	ArtifactPath string        `json:"artifact_path,omitempty"`
	DurationSec  float64       `json:"duration_seconds,omitempty"`
}

// BuildRun is the mutable per-invocation record persisted by the state store.
type BuildRun struct {
	RunID     string                `json:"run_id"`
	Tool      string                `json:"tool"`
	Version   string                `json:"version"`
	Targets   []Platform            `json:"targets"`
	GitSHA    string                `json:"git_sha,omitempty"`
	GitRef    string                `json:"git_ref,omitempty"`
	CreatedAt time.Time             `json:"created_at"`
	UpdatedAt time.Time             `json:"updated_at"`
	Status    RunStatus             `json:"status"`
	Hosts     map[string]*HostState `json:"hosts"`
}

// IsTerminal reports whether the run has reached a status from which no
// further mutation is permitted (append-only for audit beyond this point).
func (r RunStatus) IsTerminal() bool {
	switch r {
	case RunCompleted, RunPartial, RunFailed, RunCancelled:
		return true
	default:
		return false
	}
}

// Lock is the materialised advisory lock for one (tool, version) pair.
type Lock struct {
	PID     int       `json:"pid"`
	Epoch   time.Time `json:"epoch"`
	RunID   string    `json:"run_id"`
}

// Artifact describes one successfully-built, collected release asset.
type Artifact struct {
	Tool          string        `json:"tool"`
	Version       string        `json:"version"`
	Platform      Platform      `json:"platform"`
	Path          string        `json:"path"`
	SHA256        string        `json:"sha256"`
	Size          int64         `json:"size"`
	Format        ArchiveFormat `json:"format"`
	SignaturePath string        `json:"signature_path,omitempty"`
	SBOMPath      string        `json:"sbom_path,omitempty"`
	ProvenancePath string       `json:"provenance_path,omitempty"`
}

// Manifest is the single authoritative description of a release.
type Manifest struct {
	SchemaVersion int        `json:"schema_version"`
	Tool          string     `json:"tool"`
	Version       string     `json:"version"`
	RunID         string     `json:"run_id"`
	GitSHA        string     `json:"git_sha"`
	GitRef        string     `json:"git_ref"`
	BuiltAt       time.Time  `json:"built_at"`
	DurationSec   float64    `json:"duration_seconds"`
	Status        RunStatus  `json:"status"`
	Artifacts     []Artifact `json:"artifacts"`
}

const ManifestSchemaVersion = 1
