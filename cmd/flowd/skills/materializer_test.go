package skills

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmctl/llmctl/common/logger"
	"github.com/llmctl/llmctl/common/models"
)

func seededSet(t *testing.T, store *fakeStore, skills ...*models.Skill) *ResolvedSet {
	t.Helper()
	set, err := testResolver(store).Resolve(context.Background(), skills)
	require.NoError(t, err)
	return set
}

func TestAdapterFor(t *testing.T) {
	cases := []struct {
		provider string
		kind     AdapterKind
		native   bool
		home     string
	}{
		{"codex", AdapterCodex, true, ".codex/skills"},
		{"claude", AdapterClaudeCode, true, ".claude/skills"},
		{"gemini", AdapterGeminiCLI, true, ".gemini/skills"},
		{"openai", AdapterPromptFallback, false, ""},
		{"", AdapterPromptFallback, false, ""},
	}
	for _, tc := range cases {
		a := AdapterFor(tc.provider)
		assert.Equal(t, tc.kind, a.Kind, "provider %q", tc.provider)
		assert.Equal(t, tc.native, a.Native, "provider %q", tc.provider)
		assert.Equal(t, tc.home, a.Home, "provider %q", tc.provider)
	}
}

func TestMaterializeWorkspaceTree(t *testing.T) {
	store := newFakeStore()
	skill := store.seedSkill("review", 1, map[string]string{
		"SKILL.md":       "# Review\n",
		"scripts/run.sh": "echo hi\n",
	})
	set := seededSet(t, store, skill)

	workspace := t.TempDir()
	m := NewMaterializer(false, logger.New("error", "json"))
	result, err := m.Materialize(set, AdapterFor("openai"), workspace, "")
	require.NoError(t, err)

	require.Len(t, result.Paths, 2)
	for _, path := range result.Paths {
		assert.True(t, strings.HasPrefix(path, filepath.Join(workspace, WorkspaceSubdir, "review")))
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0), info.Mode().Perm()&0o222, "%s must not be writable", path)
	}

	raw, err := os.ReadFile(filepath.Join(workspace, WorkspaceSubdir, "review", "SKILL.md"))
	require.NoError(t, err)
	assert.Equal(t, "# Review\n", string(raw))

	require.Len(t, result.FallbackEntries, 1)
	assert.Equal(t, "# Review\n", result.FallbackEntries[0].Content)
	assert.False(t, result.DowngradedToFallback)
}

func TestMaterializeNativeWritesAdapterHome(t *testing.T) {
	store := newFakeStore()
	skill := store.seedSkill("review", 1, map[string]string{"SKILL.md": "# Review\n"})
	set := seededSet(t, store, skill)

	workspace := t.TempDir()
	runtimeHome := t.TempDir()
	m := NewMaterializer(false, logger.New("error", "json"))
	result, err := m.Materialize(set, AdapterFor("claude"), workspace, runtimeHome)
	require.NoError(t, err)

	require.Len(t, result.Paths, 2)
	assert.FileExists(t, filepath.Join(workspace, WorkspaceSubdir, "review", "SKILL.md"))
	assert.FileExists(t, filepath.Join(runtimeHome, ".claude", "skills", "review", "SKILL.md"))
	assert.Empty(t, result.FallbackEntries)
}

func TestMaterializeNativeDefaultsHomeToWorkspace(t *testing.T) {
	store := newFakeStore()
	skill := store.seedSkill("review", 1, map[string]string{"SKILL.md": "x"})
	set := seededSet(t, store, skill)

	workspace := t.TempDir()
	m := NewMaterializer(false, logger.New("error", "json"))
	_, err := m.Materialize(set, AdapterFor("codex"), workspace, "")
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(workspace, ".codex", "skills", "review", "SKILL.md"))
}

func TestMaterializeEmptySet(t *testing.T) {
	m := NewMaterializer(false, logger.New("error", "json"))
	result, err := m.Materialize(&ResolvedSet{}, AdapterFor("claude"), "", "")
	require.NoError(t, err)
	assert.Empty(t, result.Paths)
	assert.Empty(t, result.FallbackEntries)
}

func TestMaterializeReplacesPreviousTree(t *testing.T) {
	store := newFakeStore()
	skill := store.seedSkill("review", 1, map[string]string{"SKILL.md": "first"})
	set := seededSet(t, store, skill)

	workspace := t.TempDir()
	m := NewMaterializer(false, logger.New("error", "json"))
	_, err := m.Materialize(set, AdapterFor("openai"), workspace, "")
	require.NoError(t, err)

	store.files[store.versions[skill.ID].ID][0].Content = []byte("second")
	set = seededSet(t, store, skill)
	_, err = m.Materialize(set, AdapterFor("openai"), workspace, "")
	require.NoError(t, err)

	raw, err := os.ReadFile(filepath.Join(workspace, WorkspaceSubdir, "review", "SKILL.md"))
	require.NoError(t, err)
	assert.Equal(t, "second", string(raw))
}

func TestMaterializeFailureDowngradesWhenAllowed(t *testing.T) {
	store := newFakeStore()
	skill := store.seedSkill("review", 1, map[string]string{"SKILL.md": "# Review\n"})
	set := seededSet(t, store, skill)

	m := NewMaterializer(true, logger.New("error", "json"))
	result, err := m.Materialize(set, AdapterFor("claude"), "", "")
	require.NoError(t, err)

	assert.True(t, result.DowngradedToFallback)
	assert.Equal(t, AdapterPromptFallback, result.Adapter.Kind)
	assert.Empty(t, result.Paths)
	require.Len(t, result.FallbackEntries, 1)
	assert.Equal(t, "# Review\n", result.FallbackEntries[0].Content)
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "skill materialization failed")
}

func TestMaterializeFailureFailsWhenFallbackDisallowed(t *testing.T) {
	store := newFakeStore()
	skill := store.seedSkill("review", 1, map[string]string{"SKILL.md": "x"})
	set := seededSet(t, store, skill)

	m := NewMaterializer(false, logger.New("error", "json"))
	_, err := m.Materialize(set, AdapterFor("claude"), "", "")
	assert.Error(t, err)
}

func TestBuildFallbackEntriesPerEntryBudget(t *testing.T) {
	store := newFakeStore()
	big := store.seedSkill("big", 1, map[string]string{"SKILL.md": strings.Repeat("a", MaxFallbackEntryBytes+500)})
	small := store.seedSkill("small", 1, map[string]string{"SKILL.md": "tiny"})
	set := seededSet(t, store, big, small)

	entries := BuildFallbackEntries(set)
	require.Len(t, entries, 2)
	assert.Len(t, entries[0].Content, MaxFallbackEntryBytes)
	assert.True(t, entries[0].Truncated)
	assert.Equal(t, "tiny", entries[1].Content)
	assert.False(t, entries[1].Truncated)
}

func TestBuildFallbackEntriesTotalBudget(t *testing.T) {
	store := newFakeStore()
	var skills []*models.Skill
	for _, name := range []string{"one", "two", "three", "four"} {
		skills = append(skills, store.seedSkill(name, 1, map[string]string{
			"SKILL.md": strings.Repeat("x", MaxFallbackEntryBytes),
		}))
	}
	set := seededSet(t, store, skills...)

	entries := BuildFallbackEntries(set)
	require.Len(t, entries, 3)
	assert.Len(t, entries[0].Content, MaxFallbackEntryBytes)
	assert.Len(t, entries[1].Content, MaxFallbackEntryBytes)
	assert.Len(t, entries[2].Content, MaxFallbackTotalBytes-2*MaxFallbackEntryBytes)
	assert.True(t, entries[2].Truncated)

	total := 0
	for _, e := range entries {
		total += len(e.Content)
	}
	assert.LessOrEqual(t, total, MaxFallbackTotalBytes)
}
