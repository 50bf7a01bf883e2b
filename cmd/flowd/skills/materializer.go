package skills

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/llmctl/llmctl/common/logger"
)

// WorkspaceSubdir is where the canonical skill tree lives inside a
// workspace. Native adapter homes receive a second copy.
const WorkspaceSubdir = ".llmctl/skills"

const skillFileMode = os.FileMode(0o444)

// Fallback prompt budgets.
const (
	MaxFallbackEntryBytes = 12000
	MaxFallbackTotalBytes = 32000
)

// FallbackEntry is one skill's SKILL.md prepared for prompt attachment.
type FallbackEntry struct {
	Name      string
	Content   string
	Truncated bool
}

// MaterializeResult reports where the skill set landed.
type MaterializeResult struct {
	Adapter              Adapter
	Paths                []string
	FallbackEntries      []FallbackEntry
	DowngradedToFallback bool
	Warnings             []string
}

// Materializer writes resolved skill sets to disk per the adapter strategy.
type Materializer struct {
	allowFallback bool
	log           *logger.Logger
}

// NewMaterializer builds a materializer. allowFallback mirrors the
// allow_skill_adapter_fallback policy: when true, a failed tree write
// downgrades to prompt attachment instead of failing the run.
func NewMaterializer(allowFallback bool, log *logger.Logger) *Materializer {
	return &Materializer{allowFallback: allowFallback, log: log}
}

// Materialize writes the canonical workspace tree and, for native adapters,
// a copy under the adapter home inside runtimeHome. A write failure either
// downgrades to fallback entries or fails, depending on policy.
func (m *Materializer) Materialize(set *ResolvedSet, adapter Adapter, workspace, runtimeHome string) (*MaterializeResult, error) {
	result := &MaterializeResult{Adapter: adapter}
	if len(set.Skills) == 0 {
		return result, nil
	}

	paths, err := m.writeTrees(set, adapter, workspace, runtimeHome)
	if err != nil {
		if !m.allowFallback {
			return nil, err
		}
		m.log.Warn("skill materialization failed, downgrading to prompt fallback",
			"error", err.Error(),
			"adapter", string(adapter.Kind),
			"set_manifest_hash", set.SetManifestHash)
		result.Adapter = Adapter{Kind: AdapterPromptFallback}
		result.DowngradedToFallback = true
		result.Paths = nil
		result.Warnings = append(result.Warnings, fmt.Sprintf("skill materialization failed: %v", err))
		result.FallbackEntries = BuildFallbackEntries(set)
		return result, nil
	}
	result.Paths = paths

	if !adapter.Native {
		result.FallbackEntries = BuildFallbackEntries(set)
	}
	return result, nil
}

func (m *Materializer) writeTrees(set *ResolvedSet, adapter Adapter, workspace, runtimeHome string) ([]string, error) {
	if workspace == "" {
		return nil, fmt.Errorf("workspace path is required")
	}
	roots := []string{filepath.Join(workspace, WorkspaceSubdir)}
	if adapter.Native {
		home := runtimeHome
		if home == "" {
			home = workspace
		}
		roots = append(roots, filepath.Join(home, adapter.Home))
	}

	var paths []string
	for _, root := range roots {
		for _, skill := range set.Skills {
			for _, f := range skill.Files {
				path := filepath.Join(root, skill.Name, filepath.FromSlash(f.Path))
				if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
					return nil, fmt.Errorf("create skill dir for %s: %w", f.Path, err)
				}
				if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
					return nil, fmt.Errorf("replace %s: %w", path, err)
				}
				if err := os.WriteFile(path, f.Content, skillFileMode); err != nil {
					return nil, fmt.Errorf("write %s: %w", path, err)
				}
				paths = append(paths, path)
			}
		}
	}

	m.log.Info("skill set materialized",
		"skills", len(set.Skills),
		"files", len(paths),
		"adapter", string(adapter.Kind),
		"set_manifest_hash", set.SetManifestHash)
	return paths, nil
}

// BuildFallbackEntries truncates each skill's SKILL.md to the per-entry
// budget and stops once the total budget is spent.
func BuildFallbackEntries(set *ResolvedSet) []FallbackEntry {
	var entries []FallbackEntry
	remaining := MaxFallbackTotalBytes
	for _, skill := range set.Skills {
		if remaining <= 0 {
			break
		}
		content := skill.EntryContent()
		limit := MaxFallbackEntryBytes
		if remaining < limit {
			limit = remaining
		}
		truncated := len(content) > limit
		if truncated {
			content = content[:limit]
		}
		remaining -= len(content)
		entries = append(entries, FallbackEntry{
			Name:      skill.Name,
			Content:   string(content),
			Truncated: truncated,
		})
	}
	return entries
}
