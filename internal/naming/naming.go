// Package naming implements Artifact Naming: resolving the versioned and
// installer-compat filename templates for a tool, normalising whatever
// templating dialect the source repo happens to use into the canonical
// ${var} form, and rendering a final filename with arch-alias, target-
// triple and extension-suffix substitution applied. Grounded on the
// teacher's config precedence style in boxer.go (explicit override >
// discovered value > built-in default, always resolved in one pass up
// front) rather than re-derived per call.
package naming

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/forgebay/forge/internal/model"
)

// Source records where a resolved template pattern came from, for the
// validator's human-actionable warnings.
type Source string

const (
	SourceExplicitConfig    Source = "explicit_config"
	SourceWorkflowFile      Source = "workflow_file"
	SourceReleaseToolConfig Source = "release_tool_config"
	SourceInstallerScript   Source = "installer_script"
	SourceVersionedStripped Source = "versioned_stripped"
	SourceDefault           Source = "default"
)

// Resolution is a resolved template pattern plus where it came from.
type Resolution struct {
	Pattern string
	Source  Source
}

// DefaultVersionedPattern and DefaultCompatPattern are the last-resort
// fallbacks when nothing more specific is configured or discoverable.
const (
	DefaultVersionedPattern = "${name}-${version}-${os}-${arch}"
	DefaultCompatPattern    = "${name}-${os}-${arch}"
)

// Vars carries the substitution values for one rendered filename.
type Vars struct {
	Name         string
	Version      string
	OS           string
	Arch         string
	Target       string
	TargetTriple string
	Ext          string
}

var recognizedExtensions = []string{".tar.gz", ".tgz", ".zip", ".tar.xz", ".tar.bz2", ".exe"}

// ResolveVersioned applies the versioned-pattern precedence chain: explicit
// config > workflow-file-extracted > release-tool-config-extracted >
// built-in default.
func ResolveVersioned(tool model.Tool, repoPath string) Resolution {
	if tool.ArtifactNaming.Versioned != "" {
		return Resolution{Pattern: Normalize(tool.ArtifactNaming.Versioned), Source: SourceExplicitConfig}
	}
	if tool.Workflow != "" {
		if p, ok := extractFromWorkflow(filepath.Join(repoPath, tool.Workflow)); ok {
			return Resolution{Pattern: Normalize(p), Source: SourceWorkflowFile}
		}
	}
	if p, ok := extractFromReleaseToolConfig(repoPath); ok {
		return Resolution{Pattern: Normalize(p), Source: SourceReleaseToolConfig}
	}
	return Resolution{Pattern: DefaultVersionedPattern, Source: SourceDefault}
}

// ResolveCompat applies the compat-pattern precedence chain: explicit
// config > installer-script-parsed > versioned pattern with the version
// placeholder stripped > built-in default.
func ResolveCompat(tool model.Tool, repoPath string, versioned Resolution) Resolution {
	if tool.ArtifactNaming.Compat != "" {
		return Resolution{Pattern: Normalize(tool.ArtifactNaming.Compat), Source: SourceExplicitConfig}
	}
	if tool.InstallScriptPath != "" {
		if p, ok := extractFromInstaller(filepath.Join(repoPath, tool.InstallScriptPath)); ok {
			return Resolution{Pattern: Normalize(p), Source: SourceInstallerScript}
		}
	}
	if strings.Contains(versioned.Pattern, "${version}") {
		return Resolution{Pattern: stripVersionPlaceholder(versioned.Pattern), Source: SourceVersionedStripped}
	}
	return Resolution{Pattern: DefaultCompatPattern, Source: SourceDefault}
}

// Validate compares the resolved versioned and compat patterns for a tool
// and reports human-actionable problems: a separator mismatch between the
// two patterns, and an explicit compat override that still carries a
// version placeholder the tool's own installer script doesn't expect
// (a common source of install breakage). It returns a hard error, never a
// warning, when the two patterns are genuinely ambiguous — both resolving
// to the same literal filename with a real version still embedded — per
// the "never a silent guess" rule for naming precedence.
func Validate(tool model.Tool, repoPath string, versioned, compat Resolution) ([]string, error) {
	var warnings []string

	if sep1, ok1 := primarySeparator(versioned.Pattern); ok1 {
		if sep2, ok2 := primarySeparator(compat.Pattern); ok2 && sep1 != sep2 {
			warnings = append(warnings, fmt.Sprintf(
				"naming: %s versioned pattern %q uses separator %q but compat pattern %q uses %q",
				tool.ID, versioned.Pattern, sep1, compat.Pattern, sep2))
		}
	}

	if compat.Source == SourceExplicitConfig && strings.Contains(compat.Pattern, "${version}") && tool.InstallScriptPath != "" {
		if p, ok := extractFromInstaller(filepath.Join(repoPath, tool.InstallScriptPath)); ok && !strings.Contains(Normalize(p), "${version}") {
			warnings = append(warnings, fmt.Sprintf(
				"naming: %s compat pattern %q includes ${version} but its installer script does not expect a version in the filename",
				tool.ID, compat.Pattern))
		}
	}

	sample := Vars{Name: tool.ID, Version: "0.0.0-validate", OS: "checkos", Arch: "checkarch", Target: "checktarget", TargetTriple: "checktriple"}
	if strings.Contains(compat.Pattern, "${version}") && Render(versioned.Pattern, sample) == Render(compat.Pattern, sample) {
		return warnings, model.NewError(model.ErrInvalidArgs,
			"naming: %s versioned and compat patterns both resolve to %q with a version embedded; configure a compat pattern that actually omits the version", tool.ID, Render(compat.Pattern, sample))
	}

	return warnings, nil
}

// primarySeparator returns the literal text between the first two variable
// tokens in pattern, e.g. "-" for "${name}-${version}-${os}-${arch}".
func primarySeparator(pattern string) (string, bool) {
	locs := tokenRe.FindAllStringIndex(pattern, -1)
	if len(locs) < 2 {
		return "", false
	}
	return pattern[locs[0][1]:locs[1][0]], true
}

// stripVersionPlaceholder removes a "${version}" token along with one
// adjacent separator, collapsing "name-${version}-os" to "name-os" rather
// than leaving a double separator behind.
func stripVersionPlaceholder(pattern string) string {
	re := regexp.MustCompile(`([-_.]?)\$\{version\}([-_.]?)`)
	stripped := re.ReplaceAllString(pattern, "$1")
	return strings.TrimRight(stripped, "-_.")
}

// Render produces the final filename for resolution by substituting vars
// as given (it does no arch aliasing or target-triple lookup of its own),
// then appending an extension suffix iff the resolved name does not
// already end in a recognised extension and ext is non-empty.
func Render(pattern string, vars Vars) string {
	replacer := strings.NewReplacer(
		"${name}", vars.Name,
		"${version}", vars.Version,
		"${os}", vars.OS,
		"${arch}", vars.Arch,
		"${target}", vars.Target,
		"${target_triple}", vars.TargetTriple,
		"${ext}", strings.TrimPrefix(vars.Ext, "."),
	)
	name := replacer.Replace(pattern)

	if vars.Ext == "" || hasRecognizedExtension(name) {
		return name
	}
	ext := vars.Ext
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return name + ext
}

// tokenRe matches one canonical "${var}" placeholder.
var tokenRe = regexp.MustCompile(`\$\{\w+\}`)

// ParseVersionOut is the inverse of Render for the versioned pattern: given
// a filename rendered from pattern, it recovers (name, version, os, arch).
// It is identity with Render modulo the tool's arch-alias table — callers
// pass Render an arch already aliased by ResolveArch, so ParseVersionOut
// maps the alias back to the canonical arch before returning it.
func ParseVersionOut(tool model.Tool, pattern, filename string) (name, version, os, arch string, ok bool) {
	trimmed := filename
	lowerPattern := strings.ToLower(pattern)
	for _, ext := range recognizedExtensions {
		if strings.HasSuffix(strings.ToLower(trimmed), ext) && !strings.HasSuffix(lowerPattern, ext) {
			trimmed = trimmed[:len(trimmed)-len(ext)]
			break
		}
	}

	re, err := patternRegexp(pattern)
	if err != nil {
		return "", "", "", "", false
	}
	m := re.FindStringSubmatch(trimmed)
	if m == nil {
		return "", "", "", "", false
	}
	values := map[string]string{}
	for i, group := range re.SubexpNames() {
		if group == "" {
			continue
		}
		values[group] = m[i]
	}

	return values["name"], values["version"], values["os"], reverseArchAlias(tool, values["arch"]), true
}

// patternRegexp compiles a rendered-name pattern into a regexp with one
// named capture group per "${var}" token, anchored to the full string.
func patternRegexp(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")
	rest := pattern
	for {
		loc := tokenRe.FindStringIndex(rest)
		if loc == nil {
			b.WriteString(regexp.QuoteMeta(rest))
			break
		}
		b.WriteString(regexp.QuoteMeta(rest[:loc[0]]))
		token := rest[loc[0]+2 : loc[1]-1]
		b.WriteString("(?P<" + token + ">.+?)")
		rest = rest[loc[1]:]
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

// reverseArchAlias maps an alias value found in a rendered filename back to
// the canonical arch key, the inverse of ResolveArch.
func reverseArchAlias(tool model.Tool, arch string) string {
	for canonical, alias := range tool.ArchAliases {
		if alias == arch {
			return canonical
		}
	}
	return arch
}

func hasRecognizedExtension(name string) bool {
	lower := strings.ToLower(name)
	for _, ext := range recognizedExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// ResolveArch returns the tool's alias for arch if one is configured,
// otherwise arch unchanged (e.g. "amd64" -> "x86_64").
func ResolveArch(tool model.Tool, arch string) string {
	if tool.ArchAliases != nil {
		if alias, ok := tool.ArchAliases[arch]; ok {
			return alias
		}
	}
	return arch
}

// defaultTargetTriples is the built-in os/arch -> target-triple table,
// overridable per tool via Tool.TargetTriples.
var defaultTargetTriples = map[model.Platform]string{
	"linux/amd64":   "x86_64-unknown-linux-gnu",
	"linux/arm64":   "aarch64-unknown-linux-gnu",
	"darwin/amd64":  "x86_64-apple-darwin",
	"darwin/arm64":  "aarch64-apple-darwin",
	"windows/amd64": "x86_64-pc-windows-msvc",
	"windows/arm64": "aarch64-pc-windows-msvc",
}

// ResolveTargetTriple returns the target triple for platform, preferring a
// per-tool override over the built-in default table.
func ResolveTargetTriple(tool model.Tool, platform model.Platform) string {
	if tool.TargetTriples != nil {
		if triple, ok := tool.TargetTriples[platform]; ok {
			return triple
		}
	}
	return defaultTargetTriples[platform]
}

// Normalize converts common foreign templating dialects into the
// canonical ${var} form: goreleaser-style {{ .Field }} tokens, and bare
// shell variables ($NAME) without braces.
func Normalize(raw string) string {
	out := goreleaserFieldRe.ReplaceAllStringFunc(raw, func(m string) string {
		field := goreleaserFieldRe.FindStringSubmatch(m)[1]
		if canonical, ok := goreleaserFields[strings.ToLower(field)]; ok {
			return "${" + canonical + "}"
		}
		return m
	})
	out = bareShellVarRe.ReplaceAllStringFunc(out, func(m string) string {
		name := strings.ToLower(strings.TrimPrefix(m, "$"))
		if _, ok := knownVars[name]; ok {
			return "${" + name + "}"
		}
		return m
	})
	out = caseInsensitiveBracedVarRe.ReplaceAllStringFunc(out, func(m string) string {
		inner := strings.ToLower(m[2 : len(m)-1])
		return "${" + inner + "}"
	})
	return out
}

var goreleaserFieldRe = regexp.MustCompile(`\{\{\s*\.(\w+)\s*\}\}`)

var goreleaserFields = map[string]string{
	"projectname": "name",
	"binary":      "name",
	"version":     "version",
	"tag":         "version",
	"os":          "os",
	"arch":        "arch",
	"target":      "target",
}

var knownVars = map[string]bool{
	"name": true, "version": true, "os": true, "arch": true,
	"target": true, "target_triple": true, "ext": true,
}

var bareShellVarRe = regexp.MustCompile(`(?i)\$(NAME|VERSION|OS|ARCH|TARGET_TRIPLE|TARGET|EXT)\b`)

var caseInsensitiveBracedVarRe = regexp.MustCompile(`\$\{(?i:NAME|VERSION|OS|ARCH|TARGET|TARGET_TRIPLE|EXT)\}`)

// extractFromWorkflow scans a GitHub-Actions-style workflow file for an
// asset/archive naming template, recognised only by an "asset_name:" key
// whose value looks like a template; no other keys or strings are searched.
func extractFromWorkflow(path string) (string, bool) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	return scanLinesForTemplate(string(raw), `(?i)asset_name\s*:\s*["']?([^"'\n]+)`)
}

// extractFromReleaseToolConfig looks for a goreleaser config in repoPath
// and extracts its archive name_template.
func extractFromReleaseToolConfig(repoPath string) (string, bool) {
	for _, name := range []string{".goreleaser.yml", ".goreleaser.yaml", "goreleaser.yml", "goreleaser.yaml"} {
		raw, err := os.ReadFile(filepath.Join(repoPath, name))
		if err != nil {
			continue
		}
		var cfg struct {
			Archives []struct {
				NameTemplate string `yaml:"name_template"`
			} `yaml:"archives"`
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			continue
		}
		for _, a := range cfg.Archives {
			if a.NameTemplate != "" {
				return a.NameTemplate, true
			}
		}
	}
	return "", false
}

// extractFromInstaller scans an installer shell script for a binary/asset
// filename assignment that looks like a naming template.
func extractFromInstaller(path string) (string, bool) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	return scanLinesForTemplate(string(raw), `(?i)(?:BINARY|ASSET|FILENAME)\s*=\s*["']?([^"'\n]+)`)
}

func scanLinesForTemplate(content, keyPattern string) (string, bool) {
	keyRe := regexp.MustCompile(keyPattern)
	for _, line := range strings.Split(content, "\n") {
		m := keyRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		candidate := strings.TrimSpace(m[1])
		if looksLikeTemplate(candidate) {
			return candidate, true
		}
	}
	return "", false
}

func looksLikeTemplate(s string) bool {
	if strings.Contains(s, "${") || strings.Contains(s, "{{") || strings.Contains(s, "$") {
		return true
	}
	return hasRecognizedExtension(s)
}
