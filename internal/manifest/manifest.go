// Package manifest implements Manifest & Attestation: hashing, detached
// ed25519 signing, SBOM/provenance sibling generation, and manifest
// assembly for a finished build run. Grounded on the teacher's
// sshimmer.go KeyGenerator/encodePrivateKeyToPEM pattern (ed25519 key
// material generated once, PEM-encoded, written with restrictive file
// modes), generalized from ephemeral SSH host keys to a persistent
// release-signing key under a secrets directory.
package manifest

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/forgebay/forge/internal/model"
)

const (
	secretsDirMode  = 0o700
	secretsFileMode = 0o600
	pemBlockType    = "FORGE RELEASE SIGNING KEY"
)

// KeyGenerator produces ed25519 key material; overridable for tests.
type KeyGenerator interface {
	GenerateKeyPair() (ed25519.PrivateKey, ed25519.PublicKey, error)
}

// RealKeyGenerator generates keys from crypto/rand.
type RealKeyGenerator struct{}

func (RealKeyGenerator) GenerateKeyPair() (ed25519.PrivateKey, ed25519.PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	return priv, pub, err
}

// SigningKey is a loaded or freshly generated release signing keypair.
type SigningKey struct {
	Private ed25519.PrivateKey
	Public  ed25519.PublicKey
}

// LoadOrCreateSigningKey loads the signing key at
// <configRoot>/secrets/<keyName>, generating and persisting one if absent.
// The secrets directory is created 0700 if missing; the private key file
// is written 0600.
func LoadOrCreateSigningKey(configRoot, keyName string, kg KeyGenerator) (*SigningKey, error) {
	if kg == nil {
		kg = RealKeyGenerator{}
	}
	secretsDir := filepath.Join(configRoot, "secrets")
	if err := os.MkdirAll(secretsDir, secretsDirMode); err != nil {
		return nil, fmt.Errorf("manifest: create secrets dir: %w", err)
	}
	if err := os.Chmod(secretsDir, secretsDirMode); err != nil {
		return nil, fmt.Errorf("manifest: chmod secrets dir: %w", err)
	}

	keyPath := filepath.Join(secretsDir, keyName)
	pubPath := keyPath + ".pub"

	if _, err := os.Stat(keyPath); err == nil {
		return readSigningKey(keyPath, pubPath)
	}

	priv, pub, err := kg.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("manifest: generate signing key: %w", err)
	}

	pemBytes := encodePrivateKeyToPEM(priv)
	if err := os.WriteFile(keyPath, pemBytes, secretsFileMode); err != nil {
		return nil, fmt.Errorf("manifest: write private key: %w", err)
	}
	if err := os.WriteFile(pubPath, encodePublicKey(pub), secretsFileMode); err != nil {
		return nil, fmt.Errorf("manifest: write public key: %w", err)
	}
	return &SigningKey{Private: priv, Public: pub}, nil
}

func readSigningKey(keyPath, pubPath string) (*SigningKey, error) {
	pemBytes, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("manifest: read private key: %w", err)
	}
	priv, err := decodePrivateKeyFromPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("manifest: decode private key: %w", err)
	}
	pubBytes, err := os.ReadFile(pubPath)
	if err != nil {
		return nil, fmt.Errorf("manifest: read public key: %w", err)
	}
	pub, err := decodePublicKey(pubBytes)
	if err != nil {
		return nil, fmt.Errorf("manifest: decode public key: %w", err)
	}
	return &SigningKey{Private: priv, Public: pub}, nil
}

func encodePrivateKeyToPEM(priv ed25519.PrivateKey) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: pemBlockType, Bytes: priv})
}

func decodePrivateKeyFromPEM(data []byte) (ed25519.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	if len(block.Bytes) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("unexpected private key size %d", len(block.Bytes))
	}
	return ed25519.PrivateKey(block.Bytes), nil
}

func encodePublicKey(pub ed25519.PublicKey) []byte {
	return []byte(base64.StdEncoding.EncodeToString(pub) + "\n")
}

func decodePublicKey(data []byte) (ed25519.PublicKey, error) {
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, err
	}
	if len(decoded) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("unexpected public key size %d", len(decoded))
	}
	return ed25519.PublicKey(decoded), nil
}

// HashFile computes the SHA-256 digest and size of path, preferring the
// system sha256sum binary (portable across the fleet's Linux hosts) and
// falling back to shasum -a 256 (macOS default), before finally falling
// back to an in-process hash so the controller never hard-depends on
// either external tool being present.
func HashFile(path string) (digest string, size int64, err error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", 0, fmt.Errorf("manifest: stat %s: %w", path, err)
	}
	size = info.Size()

	if d, err := shellHash(path, "sha256sum"); err == nil {
		return d, size, nil
	}
	if d, err := shellHash(path, "shasum", "-a", "256"); err == nil {
		return d, size, nil
	}

	d, err := inProcessHash(path)
	if err != nil {
		return "", 0, err
	}
	return d, size, nil
}

func shellHash(path string, name string, extraArgs ...string) (string, error) {
	if _, err := exec.LookPath(name); err != nil {
		return "", err
	}
	args := append(append([]string{}, extraArgs...), path)
	out, err := exec.Command(name, args...).Output()
	if err != nil {
		return "", err
	}
	fields := strings.Fields(string(out))
	if len(fields) == 0 {
		return "", fmt.Errorf("manifest: empty output from %s", name)
	}
	return fields[0], nil
}

func inProcessHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("manifest: open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("manifest: hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// DetectFormat classifies path's archive format from its filename suffix.
func DetectFormat(path string) model.ArchiveFormat {
	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return model.ArchiveTarGz
	case strings.HasSuffix(lower, ".zip"):
		return model.ArchiveZip
	default:
		return model.ArchiveNone
	}
}

// SignArtifact produces a detached, minisign-style signature file next to
// path (path + ".minisig"): an untrusted comment line, the base64 signature of
// the artifact's raw bytes, and the signing public key's fingerprint for
// quick operator identification.
func SignArtifact(key *SigningKey, path string) (sigPath string, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("manifest: read artifact for signing: %w", err)
	}
	sig := ed25519.Sign(key.Private, data)

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "untrusted comment: forge release signature for %s\n", filepath.Base(path))
	fmt.Fprintf(&buf, "pubkey-fingerprint: %s\n", fingerprint(key.Public))
	fmt.Fprintf(&buf, "%s\n", base64.StdEncoding.EncodeToString(sig))

	sigPath = path + ".minisig"
	if err := os.WriteFile(sigPath, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("manifest: write signature: %w", err)
	}
	return sigPath, nil
}

// VerifyArtifact checks a signature file produced by SignArtifact against
// path's current contents using the paired public key.
func VerifyArtifact(pub ed25519.PublicKey, path, sigPath string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("manifest: read artifact: %w", err)
	}
	sigContent, err := os.ReadFile(sigPath)
	if err != nil {
		return fmt.Errorf("manifest: read signature: %w", err)
	}
	lines := strings.Split(strings.TrimSpace(string(sigContent)), "\n")
	if len(lines) == 0 {
		return fmt.Errorf("manifest: empty signature file")
	}
	sig, err := base64.StdEncoding.DecodeString(lines[len(lines)-1])
	if err != nil {
		return fmt.Errorf("manifest: decode signature: %w", err)
	}
	if !ed25519.Verify(pub, data, sig) {
		return fmt.Errorf("manifest: signature verification failed for %s", path)
	}
	return nil
}

func fingerprint(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:8])
}

// sbomDocument is a minimal CycloneDX-shaped SBOM, sufficient to record
// the artifact's identity without a full dependency graph (the tools this
// controller builds do not vendor third-party binaries into their
// release archives).
type sbomDocument struct {
	BOMFormat   string    `json:"bomFormat"`
	SpecVersion string    `json:"specVersion"`
	Component   component `json:"component"`
}

type component struct {
	Type    string `json:"type"`
	Name    string `json:"name"`
	Version string `json:"version"`
}

// GenerateSBOM writes a sibling SBOM document for an artifact and returns
// its path. The manifest records the SBOM's presence, never its bytes.
func GenerateSBOM(artifactPath, name, version string) (string, error) {
	doc := sbomDocument{
		BOMFormat:   "CycloneDX",
		SpecVersion: "1.5",
		Component:   component{Type: "application", Name: name, Version: version},
	}
	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("manifest: marshal sbom: %w", err)
	}
	sbomPath := artifactPath + ".sbom.json"
	if err := os.WriteFile(sbomPath, out, 0o644); err != nil {
		return "", fmt.Errorf("manifest: write sbom: %w", err)
	}
	return sbomPath, nil
}

// provenanceStatement is a minimal SLSA v1 provenance statement.
type provenanceStatement struct {
	Type          string          `json:"_type"`
	PredicateType string          `json:"predicateType"`
	Subject       []subject       `json:"subject"`
	Predicate     slsaPredicate   `json:"predicate"`
}

type subject struct {
	Name   string            `json:"name"`
	Digest map[string]string `json:"digest"`
}

type slsaPredicate struct {
	BuildType string    `json:"buildType"`
	BuildID   string    `json:"buildId"`
	Materials []material `json:"materials"`
	StartedOn time.Time `json:"startedOn"`
}

type material struct {
	URI    string            `json:"uri"`
	Digest map[string]string `json:"digest"`
}

// GenerateProvenance writes a sibling SLSA-style provenance statement for
// an artifact and returns its path.
func GenerateProvenance(artifactPath, sha256Digest, runID, gitSHA, repoURL string, builtAt time.Time) (string, error) {
	stmt := provenanceStatement{
		Type:          "https://in-toto.io/Statement/v1",
		PredicateType: "https://slsa.dev/provenance/v1",
		Subject: []subject{{
			Name:   filepath.Base(artifactPath),
			Digest: map[string]string{"sha256": sha256Digest},
		}},
		Predicate: slsaPredicate{
			BuildType: "https://forgebay.dev/release-orchestrator@v1",
			BuildID:   runID,
			Materials: []material{{
				URI:    repoURL,
				Digest: map[string]string{"sha1": gitSHA},
			}},
			StartedOn: builtAt,
		},
	}
	out, err := json.MarshalIndent(stmt, "", "  ")
	if err != nil {
		return "", fmt.Errorf("manifest: marshal provenance: %w", err)
	}
	provPath := artifactPath + ".provenance.json"
	if err := os.WriteFile(provPath, out, 0o644); err != nil {
		return "", fmt.Errorf("manifest: write provenance: %w", err)
	}
	return provPath, nil
}

// BuildArtifactRecord hashes, signs and generates SBOM/provenance siblings
// for one built artifact, returning the manifest record for it.
func BuildArtifactRecord(key *SigningKey, tool, version string, platform model.Platform, path, runID, gitSHA, repoURL string, builtAt time.Time) (model.Artifact, error) {
	digest, size, err := HashFile(path)
	if err != nil {
		return model.Artifact{}, err
	}
	sigPath, err := SignArtifact(key, path)
	if err != nil {
		return model.Artifact{}, err
	}
	sbomPath, err := GenerateSBOM(path, tool, version)
	if err != nil {
		return model.Artifact{}, err
	}
	provPath, err := GenerateProvenance(path, digest, runID, gitSHA, repoURL, builtAt)
	if err != nil {
		return model.Artifact{}, err
	}
	return model.Artifact{
		Tool:           tool,
		Version:        version,
		Platform:       platform,
		Path:           path,
		SHA256:         digest,
		Size:           size,
		Format:         DetectFormat(path),
		SignaturePath:  sigPath,
		SBOMPath:       sbomPath,
		ProvenancePath: provPath,
	}, nil
}

// Assemble builds the full manifest for a finished build run.
func Assemble(run *model.BuildRun, artifacts []model.Artifact) model.Manifest {
	return model.Manifest{
		SchemaVersion: model.ManifestSchemaVersion,
		Tool:          run.Tool,
		Version:       run.Version,
		RunID:         run.RunID,
		GitSHA:        run.GitSHA,
		GitRef:        run.GitRef,
		BuiltAt:       run.UpdatedAt,
		Status:        run.Status,
		Artifacts:     artifacts,
	}
}

// Emit marshals manifest as indented JSON, writing it to stdout and/or
// persisting it to path (either may be empty/nil to skip).
func Emit(manifest model.Manifest, stdout io.Writer, path string) error {
	out, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("manifest: marshal: %w", err)
	}
	if stdout != nil {
		if _, err := fmt.Fprintln(stdout, string(out)); err != nil {
			return fmt.Errorf("manifest: write stdout: %w", err)
		}
	}
	if path != "" {
		if err := os.WriteFile(path, out, 0o644); err != nil {
			return fmt.Errorf("manifest: write %s: %w", path, err)
		}
	}
	return nil
}

// ChecksumsFile renders a SHA256SUMS-style file (one "<digest>  <name>"
// line per artifact, sha256sum-compatible for `sha256sum -c`).
func ChecksumsFile(artifacts []model.Artifact) []byte {
	var buf bytes.Buffer
	for _, a := range artifacts {
		fmt.Fprintf(&buf, "%s  %s\n", a.SHA256, filepath.Base(a.Path))
	}
	return buf.Bytes()
}
