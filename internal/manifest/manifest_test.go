package manifest

import (
	"crypto/ed25519"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/forgebay/forge/internal/model"
)

func writeTempArtifact(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "widget-1.0.0-linux-amd64.tar.gz")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadOrCreateSigningKeyGeneratesAndPersists(t *testing.T) {
	root := t.TempDir()
	key, err := LoadOrCreateSigningKey(root, "release.key", nil)
	if err != nil {
		t.Fatalf("LoadOrCreateSigningKey: %v", err)
	}
	if len(key.Private) != ed25519.PrivateKeySize || len(key.Public) != ed25519.PublicKeySize {
		t.Fatalf("unexpected key sizes: priv=%d pub=%d", len(key.Private), len(key.Public))
	}

	info, err := os.Stat(filepath.Join(root, "secrets"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o700 {
		t.Fatalf("expected secrets dir mode 0700, got %o", info.Mode().Perm())
	}

	keyInfo, err := os.Stat(filepath.Join(root, "secrets", "release.key"))
	if err != nil {
		t.Fatal(err)
	}
	if keyInfo.Mode().Perm() != 0o600 {
		t.Fatalf("expected key file mode 0600, got %o", keyInfo.Mode().Perm())
	}
}

func TestLoadOrCreateSigningKeyReloadsExistingKey(t *testing.T) {
	root := t.TempDir()
	first, err := LoadOrCreateSigningKey(root, "release.key", nil)
	if err != nil {
		t.Fatal(err)
	}
	second, err := LoadOrCreateSigningKey(root, "release.key", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !first.Private.Equal(second.Private) {
		t.Fatal("expected the same key to be reloaded, not regenerated")
	}
}

func TestSignAndVerifyArtifactRoundTrip(t *testing.T) {
	root := t.TempDir()
	key, err := LoadOrCreateSigningKey(root, "release.key", nil)
	if err != nil {
		t.Fatal(err)
	}
	artifact := writeTempArtifact(t, "fake release bytes")

	sigPath, err := SignArtifact(key, artifact)
	if err != nil {
		t.Fatalf("SignArtifact: %v", err)
	}
	if err := VerifyArtifact(key.Public, artifact, sigPath); err != nil {
		t.Fatalf("VerifyArtifact: %v", err)
	}
}

func TestVerifyArtifactFailsOnTamperedContent(t *testing.T) {
	root := t.TempDir()
	key, err := LoadOrCreateSigningKey(root, "release.key", nil)
	if err != nil {
		t.Fatal(err)
	}
	artifact := writeTempArtifact(t, "fake release bytes")
	sigPath, err := SignArtifact(key, artifact)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(artifact, []byte("tampered bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := VerifyArtifact(key.Public, artifact, sigPath); err == nil {
		t.Fatal("expected verification failure on tampered content")
	}
}

func TestHashFileComputesDigestAndSize(t *testing.T) {
	path := writeTempArtifact(t, "hello world")
	digest, size, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile: %v", err)
	}
	const wantDigest = "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"
	if digest != wantDigest {
		t.Fatalf("digest = %s, want %s", digest, wantDigest)
	}
	if size != int64(len("hello world")) {
		t.Fatalf("size = %d, want %d", size, len("hello world"))
	}
}

func TestDetectFormat(t *testing.T) {
	cases := map[string]model.ArchiveFormat{
		"widget-1.0.0-linux-amd64.tar.gz":   model.ArchiveTarGz,
		"widget-1.0.0-windows-amd64.zip":    model.ArchiveZip,
		"widget-1.0.0-linux-amd64.tgz":      model.ArchiveTarGz,
		"widget-1.0.0-linux-amd64":          model.ArchiveNone,
	}
	for path, want := range cases {
		if got := DetectFormat(path); got != want {
			t.Errorf("DetectFormat(%q) = %s, want %s", path, got, want)
		}
	}
}

func TestGenerateSBOMAndProvenanceWriteSiblingFiles(t *testing.T) {
	artifact := writeTempArtifact(t, "bytes")

	sbomPath, err := GenerateSBOM(artifact, "widget", "1.0.0")
	if err != nil {
		t.Fatalf("GenerateSBOM: %v", err)
	}
	if _, err := os.Stat(sbomPath); err != nil {
		t.Fatalf("sbom not written: %v", err)
	}

	provPath, err := GenerateProvenance(artifact, "deadbeef", "run-1", "abc123", "git@example.com:acme/widget.git", time.Unix(0, 0))
	if err != nil {
		t.Fatalf("GenerateProvenance: %v", err)
	}
	if _, err := os.Stat(provPath); err != nil {
		t.Fatalf("provenance not written: %v", err)
	}
}

func TestBuildArtifactRecordPopulatesAllFields(t *testing.T) {
	root := t.TempDir()
	key, err := LoadOrCreateSigningKey(root, "release.key", nil)
	if err != nil {
		t.Fatal(err)
	}
	artifact := writeTempArtifact(t, "release bytes")

	rec, err := BuildArtifactRecord(key, "widget", "1.0.0", "linux/amd64", artifact, "run-1", "abc123", "git@example.com:acme/widget.git", time.Unix(0, 0))
	if err != nil {
		t.Fatalf("BuildArtifactRecord: %v", err)
	}
	if rec.SHA256 == "" || rec.SignaturePath == "" || rec.SBOMPath == "" || rec.ProvenancePath == "" {
		t.Fatalf("expected all derived fields populated, got %+v", rec)
	}
	if rec.Format != model.ArchiveTarGz {
		t.Fatalf("expected tar.gz format, got %s", rec.Format)
	}
}

func TestChecksumsFileFormat(t *testing.T) {
	artifacts := []model.Artifact{
		{Path: "/out/widget-1.0.0-linux-amd64.tar.gz", SHA256: "deadbeef"},
	}
	out := string(ChecksumsFile(artifacts))
	if out != "deadbeef  widget-1.0.0-linux-amd64.tar.gz\n" {
		t.Fatalf("unexpected checksums output: %q", out)
	}
}

type failingKeyGenerator struct{}

func (failingKeyGenerator) GenerateKeyPair() (ed25519.PrivateKey, ed25519.PublicKey, error) {
	return nil, nil, os.ErrPermission
}

func TestLoadOrCreateSigningKeyPropagatesGenerationError(t *testing.T) {
	_, err := LoadOrCreateSigningKey(t.TempDir(), "release.key", failingKeyGenerator{})
	if err == nil {
		t.Fatal("expected generation error to propagate")
	}
}
