// Package guardrails centralises the small set of filesystem and
// interactivity safety checks every forge subcommand relies on: path
// resolution, an allowlisted safe-delete, scratch directory creation and
// TTY/colour detection.
package guardrails

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-isatty"
)

// Guardrails holds the allowlisted roots under which SafeRM is permitted to
// operate, derived once at process start from XDG state/cache dirs plus /tmp.
type Guardrails struct {
	allowedRoots []string
}

// New builds a Guardrails with the allowlist seeded from the given state and
// cache directories plus the system temp directory.
func New(stateDir, cacheDir string) *Guardrails {
	roots := []string{}
	for _, d := range []string{stateDir, cacheDir, os.TempDir()} {
		if d == "" {
			continue
		}
		if abs, err := filepath.Abs(d); err == nil {
			roots = append(roots, filepath.Clean(abs))
		}
	}
	return &Guardrails{allowedRoots: roots}
}

// ResolvePath rejects relative paths, expands a leading "~", and cleans the
// result. If mustExist is true it also verifies the path is reachable via
// os.Stat.
func ResolvePath(s string, mustExist bool) (string, error) {
	if s == "" {
		return "", fmt.Errorf("resolve_path: empty path")
	}
	if strings.HasPrefix(s, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve_path: expand ~: %w", err)
		}
		s = filepath.Join(home, strings.TrimPrefix(s, "~"))
	}
	if !filepath.IsAbs(s) {
		return "", fmt.Errorf("resolve_path: %q is not absolute", s)
	}
	resolved := filepath.Clean(s)
	if mustExist {
		if _, err := os.Stat(resolved); err != nil {
			return "", fmt.Errorf("resolve_path: %q does not exist: %w", resolved, err)
		}
	}
	return resolved, nil
}

// ErrNotAllowed is returned by SafeRM when the target path falls outside
// every allowlisted root, or is itself an allowlisted root.
var ErrNotAllowed = fmt.Errorf("path is not within an allowlisted root")

// SafeRM deletes path only if it resolves under one of the allowlisted
// roots and is not equal to the root itself.
func (g *Guardrails) SafeRM(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("safe_rm: %w", err)
	}
	abs = filepath.Clean(abs)

	allowed := false
	for _, root := range g.allowedRoots {
		if abs == root {
			// Never delete an allowlisted root itself.
			allowed = false
			break
		}
		if strings.HasPrefix(abs, root+string(filepath.Separator)) {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("safe_rm %q: %w", abs, ErrNotAllowed)
	}
	return os.RemoveAll(abs)
}

// SafeTmpDir creates and returns a fresh directory under os.TempDir named
// "<prefix>.<random>".
func SafeTmpDir(prefix string) (string, error) {
	suffix := rand.Int63()
	dir := filepath.Join(os.TempDir(), fmt.Sprintf("%s.%d", prefix, suffix))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("safe_tmpdir: %w", err)
	}
	return dir, nil
}

// IsNonInteractive is true when running under CI or when stdin is not a TTY.
func IsNonInteractive() bool {
	if os.Getenv("CI") != "" {
		return true
	}
	return !isatty.IsTerminal(os.Stdin.Fd()) && !isatty.IsCygwinTerminal(os.Stdin.Fd())
}

// Confirm returns def when non-interactive; callers that want real
// interactive confirmation must do their own prompt/read when IsNonInteractive
// is false. Centralised here so every prompt honours CI/non-TTY consistently.
func Confirm(prompt string, def bool) bool {
	if IsNonInteractive() {
		return def
	}
	fmt.Printf("%s [%s]: ", prompt, yn(def))
	var answer string
	fmt.Scanln(&answer)
	answer = strings.ToLower(strings.TrimSpace(answer))
	if answer == "" {
		return def
	}
	return answer == "y" || answer == "yes"
}

func yn(def bool) string {
	if def {
		return "Y/n"
	}
	return "y/N"
}

// ColorEnabled reports whether coloured output should be produced, honouring
// the NO_COLOR convention and stdout TTY presence.
func ColorEnabled() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}
