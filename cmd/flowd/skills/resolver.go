// Package skills resolves skill bindings into content-addressed file sets
// and materializes them for the selected provider adapter.
package skills

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/llmctl/llmctl/common/contracts"
	"github.com/llmctl/llmctl/common/logger"
	"github.com/llmctl/llmctl/common/models"
)

// EntryFile is the file every skill version must ship at its root.
const EntryFile = "SKILL.md"

var (
	skillPathPattern = regexp.MustCompile(`^[a-zA-Z0-9_./-]+$`)
	skillNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)
)

// Store is the subset of the agent repository the resolver reads from.
type Store interface {
	ListAgentSkills(ctx context.Context, agentID uuid.UUID) ([]*models.Skill, error)
	ListNodeSkills(ctx context.Context, nodeID uuid.UUID) ([]*models.Skill, error)
	GetLatestSkillVersion(ctx context.Context, skillID uuid.UUID) (*models.SkillVersion, error)
	ListSkillFiles(ctx context.Context, versionID uuid.UUID) ([]*models.SkillFile, error)
}

// ResolvedFile is one file of a resolved skill. Checksum is the SHA-256 of
// Content.
type ResolvedFile struct {
	Path      string
	Checksum  string
	SizeBytes int64
	Content   []byte
}

// ResolvedSkill is a skill pinned to its highest version with verified files.
type ResolvedSkill struct {
	SkillID      uuid.UUID
	Name         string
	VersionID    uuid.UUID
	Version      int
	ManifestHash string
	Files        []ResolvedFile
}

// EntryContent returns the SKILL.md body.
func (s ResolvedSkill) EntryContent() []byte {
	for _, f := range s.Files {
		if f.Path == EntryFile {
			return f.Content
		}
	}
	return nil
}

// ResolvedSet is an ordered skill set with a set-level manifest hash.
type ResolvedSet struct {
	Skills          []ResolvedSkill
	SetManifestHash string
}

// Resolver loads skill bindings and pins them to concrete versions.
type Resolver struct {
	store Store
	log   *logger.Logger
}

func NewResolver(store Store, log *logger.Logger) *Resolver {
	return &Resolver{store: store, log: log}
}

// ResolveForAgent resolves the skills bound to an agent, in binding order.
func (r *Resolver) ResolveForAgent(ctx context.Context, agentID uuid.UUID) (*ResolvedSet, error) {
	bound, err := r.store.ListAgentSkills(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return r.Resolve(ctx, bound)
}

// ResolveForNode resolves the skills bound to a flowchart node.
func (r *Resolver) ResolveForNode(ctx context.Context, nodeID uuid.UUID) (*ResolvedSet, error) {
	bound, err := r.store.ListNodeSkills(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	return r.Resolve(ctx, bound)
}

// ResolveBindings combines agent-level and node-level bindings. Agent skills
// come first; a skill bound at both levels resolves once.
func (r *Resolver) ResolveBindings(ctx context.Context, agentID *uuid.UUID, nodeID uuid.UUID) (*ResolvedSet, error) {
	var bound []*models.Skill
	if agentID != nil {
		agentSkills, err := r.store.ListAgentSkills(ctx, *agentID)
		if err != nil {
			return nil, err
		}
		bound = append(bound, agentSkills...)
	}
	nodeSkills, err := r.store.ListNodeSkills(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	bound = append(bound, nodeSkills...)

	seen := make(map[uuid.UUID]bool, len(bound))
	deduped := bound[:0]
	for _, s := range bound {
		if seen[s.ID] {
			continue
		}
		seen[s.ID] = true
		deduped = append(deduped, s)
	}
	return r.Resolve(ctx, deduped)
}

// Resolve pins each bound skill to its highest version, verifies file paths
// and checksums, and computes the set manifest hash.
func (r *Resolver) Resolve(ctx context.Context, bound []*models.Skill) (*ResolvedSet, error) {
	set := &ResolvedSet{}
	for _, skill := range bound {
		resolved, err := r.resolveOne(ctx, skill)
		if err != nil {
			return nil, err
		}
		set.Skills = append(set.Skills, *resolved)
	}

	hash, err := setManifestHash(set.Skills)
	if err != nil {
		return nil, err
	}
	set.SetManifestHash = hash
	return set, nil
}

func (r *Resolver) resolveOne(ctx context.Context, skill *models.Skill) (*ResolvedSkill, error) {
	if !skillNamePattern.MatchString(skill.Name) {
		return nil, fmt.Errorf("%w: skill name %q is not materializable", contracts.ErrValidation, skill.Name)
	}

	version, err := r.store.GetLatestSkillVersion(ctx, skill.ID)
	if err != nil {
		return nil, err
	}
	if version == nil {
		return nil, fmt.Errorf("%w: skill %s has no versions", contracts.ErrValidation, skill.Name)
	}

	files, err := r.store.ListSkillFiles(ctx, version.ID)
	if err != nil {
		return nil, err
	}

	resolved := &ResolvedSkill{
		SkillID:   skill.ID,
		Name:      skill.Name,
		VersionID: version.ID,
		Version:   version.Version,
	}
	hasEntry := false
	for _, f := range files {
		if err := ValidateSkillPath(f.Path); err != nil {
			return nil, fmt.Errorf("skill %s: %w", skill.Name, err)
		}
		sum := sha256.Sum256(f.Content)
		checksum := hex.EncodeToString(sum[:])
		if f.Checksum != "" && f.Checksum != checksum {
			return nil, fmt.Errorf("%w: skill %s file %s content does not match stored checksum", contracts.ErrContractViolation, skill.Name, f.Path)
		}
		if f.Path == EntryFile {
			hasEntry = true
		}
		resolved.Files = append(resolved.Files, ResolvedFile{
			Path:      f.Path,
			Checksum:  checksum,
			SizeBytes: int64(len(f.Content)),
			Content:   f.Content,
		})
	}
	if !hasEntry {
		return nil, fmt.Errorf("%w: skill %s version %d is missing %s", contracts.ErrValidation, skill.Name, version.Version, EntryFile)
	}
	sort.Slice(resolved.Files, func(i, j int) bool { return resolved.Files[i].Path < resolved.Files[j].Path })

	resolved.ManifestHash = version.ManifestHash
	if resolved.ManifestHash == "" {
		resolved.ManifestHash, err = versionManifestHash(version.ID, version.Version, resolved.Files)
		if err != nil {
			return nil, err
		}
	}
	return resolved, nil
}

// ValidateSkillPath enforces the skill file path policy: allowed charset
// only, relative, and no dot segments.
func ValidateSkillPath(path string) error {
	if path == "" {
		return fmt.Errorf("%w: skill file path is empty", contracts.ErrValidation)
	}
	if !skillPathPattern.MatchString(path) {
		return fmt.Errorf("%w: skill file path %q contains disallowed characters", contracts.ErrValidation, path)
	}
	if strings.HasPrefix(path, "/") {
		return fmt.Errorf("%w: skill file path %q is absolute", contracts.ErrValidation, path)
	}
	for _, segment := range strings.Split(path, "/") {
		if segment == "" || segment == "." || segment == ".." {
			return fmt.Errorf("%w: skill file path %q escapes the skill root", contracts.ErrValidation, path)
		}
	}
	return nil
}

type canonicalFile struct {
	Path      string `json:"path"`
	Checksum  string `json:"checksum"`
	SizeBytes int64  `json:"size_bytes"`
}

type canonicalVersion struct {
	VersionID string          `json:"version_id"`
	Version   int             `json:"version"`
	Files     []canonicalFile `json:"files"`
}

type canonicalSkill struct {
	SkillID      string          `json:"skill_id"`
	Name         string          `json:"name"`
	VersionID    string          `json:"version_id"`
	Version      int             `json:"version"`
	ManifestHash string          `json:"manifest_hash"`
	Files        []canonicalFile `json:"files"`
}

type canonicalSet struct {
	Skills []canonicalSkill `json:"skills"`
}

func canonicalFiles(files []ResolvedFile) []canonicalFile {
	out := make([]canonicalFile, 0, len(files))
	for _, f := range files {
		out = append(out, canonicalFile{Path: f.Path, Checksum: f.Checksum, SizeBytes: f.SizeBytes})
	}
	return out
}

func versionManifestHash(versionID uuid.UUID, version int, files []ResolvedFile) (string, error) {
	raw, err := json.Marshal(canonicalVersion{
		VersionID: versionID.String(),
		Version:   version,
		Files:     canonicalFiles(files),
	})
	if err != nil {
		return "", fmt.Errorf("encode skill version manifest: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

func setManifestHash(skills []ResolvedSkill) (string, error) {
	doc := canonicalSet{Skills: make([]canonicalSkill, 0, len(skills))}
	for _, s := range skills {
		doc.Skills = append(doc.Skills, canonicalSkill{
			SkillID:      s.SkillID.String(),
			Name:         s.Name,
			VersionID:    s.VersionID.String(),
			Version:      s.Version,
			ManifestHash: s.ManifestHash,
			Files:        canonicalFiles(s.Files),
		})
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encode skill set manifest: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
