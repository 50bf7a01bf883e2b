package instruction

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/llmctl/llmctl/common/contracts"
	"github.com/llmctl/llmctl/common/logger"
)

// DefaultSubdir is where instruction packages land inside a workspace.
const DefaultSubdir = ".llmctl/instructions"

// artifactFileMode keeps materialized artifacts read-only for the executor.
const artifactFileMode = os.FileMode(0o444)

// Materializer writes compiled packages into a workspace as read-only files.
type Materializer struct {
	subdir string
	log    *logger.Logger
}

func NewMaterializer(log *logger.Logger) *Materializer {
	return &Materializer{subdir: DefaultSubdir, log: log}
}

// Materialize writes every artifact plus manifest.json under the package
// directory and returns the absolute paths written. Trees are per-run:
// stale files from a previous materialization are removed before writing
// because read-only files cannot be truncated in place.
func (m *Materializer) Materialize(pkg *Package, workspace string) ([]string, error) {
	if workspace == "" {
		return nil, fmt.Errorf("%w: workspace path is required", contracts.ErrValidation)
	}
	dir := filepath.Join(workspace, m.subdir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create instruction dir: %w", err)
	}

	for _, warning := range pkg.AdvisoryWarnings {
		m.log.Warn("instruction package advisory", "warning", warning, "manifest_hash", pkg.ManifestHash)
	}

	var paths []string
	for _, a := range pkg.Artifacts {
		path := filepath.Join(dir, a.Filename)
		if err := writeReadOnly(path, []byte(a.Content)); err != nil {
			return nil, fmt.Errorf("write %s: %w", a.Filename, err)
		}
		paths = append(paths, path)
	}

	manifest, err := json.MarshalIndent(manifestDocument(pkg), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	manifestPath := filepath.Join(dir, FileManifestJSON)
	if err := writeReadOnly(manifestPath, manifest); err != nil {
		return nil, fmt.Errorf("write %s: %w", FileManifestJSON, err)
	}
	paths = append(paths, manifestPath)

	m.log.Info("instruction package materialized",
		"dir", dir,
		"manifest_hash", pkg.ManifestHash,
		"artifacts", len(pkg.Artifacts))
	return paths, nil
}

// manifestDocument is what manifest.json contains. Unlike the canonical
// hash document it records generated_at and the final hash.
func manifestDocument(pkg *Package) map[string]any {
	return map[string]any{
		"package_version": packageVersion,
		"manifest_hash":   pkg.ManifestHash,
		"run_mode":        pkg.RunMode,
		"provider":        pkg.Provider,
		"generated_at":    pkg.GeneratedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		"artifacts":       pkg.ArtifactManifest,
	}
}

func writeReadOnly(path string, content []byte) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return os.WriteFile(path, content, artifactFileMode)
}

// PathPolicy restricts where instruction artifacts may be materialized.
// Every path must resolve beneath one of the configured roots.
type PathPolicy struct {
	Workspace   string
	RuntimeHome string
	CodexHome   string
}

// Validate aborts the run when any path escapes all allowed roots.
func (p PathPolicy) Validate(paths []string) error {
	roots := make([]string, 0, 3)
	for _, root := range []string{p.Workspace, p.RuntimeHome, p.CodexHome} {
		if root == "" {
			continue
		}
		abs, err := filepath.Abs(root)
		if err != nil {
			return fmt.Errorf("resolve policy root %s: %w", root, err)
		}
		roots = append(roots, abs)
	}
	if len(roots) == 0 {
		return fmt.Errorf("%w: no materialization roots configured", contracts.ErrValidation)
	}

	for _, path := range paths {
		abs, err := filepath.Abs(path)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", path, err)
		}
		if !underAny(abs, roots) {
			return fmt.Errorf("%w: path %s escapes allowed roots", contracts.ErrValidation, path)
		}
	}
	return nil
}

func underAny(path string, roots []string) bool {
	for _, root := range roots {
		rel, err := filepath.Rel(root, path)
		if err != nil {
			continue
		}
		if rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))) {
			return true
		}
	}
	return false
}
