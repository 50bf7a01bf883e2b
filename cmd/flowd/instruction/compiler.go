// Package instruction compiles per-run instruction packages for frontier
// LLM providers and materializes them as read-only artifact trees. The
// manifest hash is content-addressed: identical inputs hash identically no
// matter when the package was generated.
package instruction

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Run modes recognized by the compiler. The set is open; only autorun
// changes emission (PRIORITIES.md).
const (
	RunModeTask      = "task"
	RunModeAutorun   = "autorun"
	RunModeFlowchart = "flowchart"
)

// Artifact filenames.
const (
	FileRole         = "ROLE.md"
	FileAgent        = "AGENT.md"
	FileInstructions = "INSTRUCTIONS.md"
	FilePriorities   = "PRIORITIES.md"
	FileManifestJSON = "manifest.json"
)

// packageVersion is pinned into the canonical manifest document.
const packageVersion = 1

// Placeholders for empty role/agent markdown.
const (
	rolePlaceholder  = "(no role provided)"
	agentPlaceholder = "(no agent provided)"
)

// advisoryToken flags markdown that references parent-directory-looking
// at-mentions. Matches are logged as warnings by the caller, never fatal.
var advisoryToken = regexp.MustCompile(`@\S*\.\.\S*`)

// CompileInput is everything the compiler needs for one package.
type CompileInput struct {
	RunMode          string
	Provider         string
	RoleMarkdown     string
	AgentMarkdown    string
	Priorities       []string
	RuntimeOverrides []string
	ProviderHeader   string
	ProviderSuffix   string
	SourceIDs        map[string]any
	SourceVersions   map[string]any
	GeneratedAt      time.Time
}

// Artifact is one rendered markdown file.
type Artifact struct {
	Filename string
	Content  string
}

// FileManifest describes one artifact in the package manifest.
type FileManifest struct {
	Path      string `json:"path"`
	SHA256    string `json:"sha256"`
	SizeBytes int    `json:"size_bytes"`
}

// Package is a compiled instruction package ready for materialization.
type Package struct {
	RunMode          string
	Provider         string
	Artifacts        []Artifact
	ArtifactManifest map[string]FileManifest
	ManifestHash     string
	GeneratedAt      time.Time

	// AdvisoryWarnings carries suspicious tokens found in the rendered
	// markdown. The caller logs them; they never fail the run.
	AdvisoryWarnings []string
}

// canonicalPackage is the document the manifest hash is computed over.
// GeneratedAt is deliberately absent: the hash depends on content only.
type canonicalPackage struct {
	PackageVersion   int                     `json:"package_version"`
	RunMode          string                  `json:"run_mode"`
	Provider         string                  `json:"provider"`
	SourceIDs        map[string]any          `json:"source_ids"`
	SourceVersions   map[string]any          `json:"source_versions"`
	ArtifactManifest map[string]FileManifest `json:"artifact_manifest"`
}

// Compile renders the artifact set and computes the manifest hash.
func Compile(in CompileInput) (*Package, error) {
	role := normalizeMarkdown(in.RoleMarkdown)
	if role == "" {
		role = rolePlaceholder + "\n"
	}
	agent := normalizeMarkdown(in.AgentMarkdown)
	if agent == "" {
		agent = agentPlaceholder + "\n"
	}

	pkg := &Package{
		RunMode:     in.RunMode,
		Provider:    in.Provider,
		GeneratedAt: in.GeneratedAt,
	}
	if pkg.GeneratedAt.IsZero() {
		pkg.GeneratedAt = time.Now().UTC()
	}

	pkg.Artifacts = append(pkg.Artifacts,
		Artifact{Filename: FileRole, Content: role},
		Artifact{Filename: FileAgent, Content: agent},
		Artifact{Filename: FileInstructions, Content: renderInstructions(in, role, agent)},
	)
	if in.RunMode == RunModeAutorun && len(nonEmpty(in.Priorities)) > 0 {
		pkg.Artifacts = append(pkg.Artifacts, Artifact{Filename: FilePriorities, Content: renderPriorities(in.Priorities)})
	}

	pkg.ArtifactManifest = make(map[string]FileManifest, len(pkg.Artifacts))
	for _, a := range pkg.Artifacts {
		sum := sha256.Sum256([]byte(a.Content))
		pkg.ArtifactManifest[a.Filename] = FileManifest{
			Path:      a.Filename,
			SHA256:    hex.EncodeToString(sum[:]),
			SizeBytes: len(a.Content),
		}
		for _, token := range advisoryToken.FindAllString(a.Content, -1) {
			pkg.AdvisoryWarnings = append(pkg.AdvisoryWarnings, fmt.Sprintf("%s: suspicious reference %q", a.Filename, token))
		}
	}

	hash, err := manifestHash(in, pkg.ArtifactManifest)
	if err != nil {
		return nil, err
	}
	pkg.ManifestHash = hash
	return pkg, nil
}

// manifestHash is the SHA-256 of the canonical package document. Map keys
// are sorted by encoding/json, which keeps the encoding stable for the same
// inputs.
func manifestHash(in CompileInput, manifest map[string]FileManifest) (string, error) {
	doc := canonicalPackage{
		PackageVersion:   packageVersion,
		RunMode:          in.RunMode,
		Provider:         in.Provider,
		SourceIDs:        in.SourceIDs,
		SourceVersions:   in.SourceVersions,
		ArtifactManifest: manifest,
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encode canonical package: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// renderInstructions assembles INSTRUCTIONS.md. Section order is fixed;
// absent sections are omitted.
func renderInstructions(in CompileInput, role, agent string) string {
	var sb strings.Builder
	sb.WriteString("# Instructions\n\n")
	sb.WriteString("Run mode: " + in.RunMode + "\n")
	sb.WriteString("Provider: " + in.Provider + "\n")

	if header := normalizeMarkdown(in.ProviderHeader); header != "" {
		writeSection(&sb, "Provider Header", header)
	}
	writeSection(&sb, "Role Source", role)
	writeSection(&sb, "Agent Source", agent)
	if priorities := nonEmpty(in.Priorities); len(priorities) > 0 {
		writeSection(&sb, "Priorities Source", renderPriorities(priorities))
	}
	if overrides := nonEmpty(in.RuntimeOverrides); len(overrides) > 0 {
		var blocks []string
		for _, o := range overrides {
			blocks = append(blocks, normalizeMarkdown(o))
		}
		writeSection(&sb, "Runtime Overrides", strings.Join(blocks, "\n"))
	}
	if suffix := normalizeMarkdown(in.ProviderSuffix); suffix != "" {
		writeSection(&sb, "Provider Suffix", suffix)
	}

	return normalizeMarkdown(sb.String())
}

func writeSection(sb *strings.Builder, title, body string) {
	sb.WriteString("\n## " + title + "\n\n")
	sb.WriteString(body)
}

func renderPriorities(priorities []string) string {
	var sb strings.Builder
	for i, p := range nonEmpty(priorities) {
		sb.WriteString(fmt.Sprintf("%d. %s\n", i+1, p))
	}
	return sb.String()
}

func nonEmpty(values []string) []string {
	var out []string
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			out = append(out, strings.TrimSpace(v))
		}
	}
	return out
}

// normalizeMarkdown applies the package normalization rules: CRLF to LF,
// per-line trailing whitespace trimmed, surrounding blank lines stripped,
// and exactly one trailing newline when non-empty.
func normalizeMarkdown(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")

	lines := strings.Split(s, "\n")
	for i := range lines {
		lines[i] = strings.TrimRight(lines[i], " \t")
	}
	s = strings.Join(lines, "\n")
	s = strings.Trim(s, "\n")
	if s == "" {
		return ""
	}
	return s + "\n"
}
