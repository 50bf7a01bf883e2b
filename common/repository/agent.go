package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/llmctl/llmctl/common/db"
	"github.com/llmctl/llmctl/common/models"
)

// AgentRepository handles database operations for agents, roles, skills,
// and their bindings.
type AgentRepository struct {
	q db.Querier
}

// NewAgentRepository creates a new agent repository
func NewAgentRepository(q db.Querier) *AgentRepository {
	return &AgentRepository{q: q}
}

// GetAgent retrieves an agent by its ID
func (r *AgentRepository) GetAgent(ctx context.Context, id uuid.UUID) (*models.Agent, error) {
	query := `
		SELECT id, name, markdown, role_id, version, created_at, updated_at
		FROM agents
		WHERE id = $1
	`

	agent := &models.Agent{}
	err := r.q.QueryRow(ctx, query, id).Scan(
		&agent.ID, &agent.Name, &agent.Markdown, &agent.RoleID,
		&agent.Version, &agent.CreatedAt, &agent.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return agent, nil
}

// GetRole retrieves a role by its ID
func (r *AgentRepository) GetRole(ctx context.Context, id uuid.UUID) (*models.Role, error) {
	query := `
		SELECT id, name, markdown, version, created_at, updated_at
		FROM roles
		WHERE id = $1
	`

	role := &models.Role{}
	err := r.q.QueryRow(ctx, query, id).Scan(
		&role.ID, &role.Name, &role.Markdown, &role.Version,
		&role.CreatedAt, &role.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get role: %w", err)
	}
	return role, nil
}

// ListAgentSkills returns the skills bound to an agent, ordered by
// (position, name, id).
func (r *AgentRepository) ListAgentSkills(ctx context.Context, agentID uuid.UUID) ([]*models.Skill, error) {
	query := `
		SELECT s.id, s.name, s.created_at
		FROM agent_skills b
		JOIN skills s ON s.id = b.skill_id
		WHERE b.agent_id = $1
		ORDER BY b.position, s.name, s.id
	`
	return r.listSkills(ctx, query, agentID)
}

// ListNodeSkills returns the skills bound to a flowchart node, ordered by
// (position, name, id).
func (r *AgentRepository) ListNodeSkills(ctx context.Context, nodeID uuid.UUID) ([]*models.Skill, error) {
	query := `
		SELECT s.id, s.name, s.created_at
		FROM node_skills b
		JOIN skills s ON s.id = b.skill_id
		WHERE b.node_id = $1
		ORDER BY b.position, s.name, s.id
	`
	return r.listSkills(ctx, query, nodeID)
}

func (r *AgentRepository) listSkills(ctx context.Context, query string, arg any) ([]*models.Skill, error) {
	rows, err := r.q.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to list skills: %w", err)
	}
	defer rows.Close()

	var skills []*models.Skill
	for rows.Next() {
		skill := &models.Skill{}
		if err := rows.Scan(&skill.ID, &skill.Name, &skill.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan skill: %w", err)
		}
		skills = append(skills, skill)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating skills: %w", err)
	}
	return skills, nil
}

// GetLatestSkillVersion returns the highest-numbered version of a skill, or
// nil when the skill has no versions.
func (r *AgentRepository) GetLatestSkillVersion(ctx context.Context, skillID uuid.UUID) (*models.SkillVersion, error) {
	query := `
		SELECT id, skill_id, version, manifest_hash, created_at
		FROM skill_versions
		WHERE skill_id = $1
		ORDER BY version DESC
		LIMIT 1
	`

	rows, err := r.q.Query(ctx, query, skillID)
	if err != nil {
		return nil, fmt.Errorf("failed to get skill version: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}

	version := &models.SkillVersion{}
	err = rows.Scan(&version.ID, &version.SkillID, &version.Version, &version.ManifestHash, &version.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan skill version: %w", err)
	}
	return version, nil
}

// ListSkillFiles returns the files of a skill version ordered by path
func (r *AgentRepository) ListSkillFiles(ctx context.Context, versionID uuid.UUID) ([]*models.SkillFile, error) {
	query := `
		SELECT id, skill_version_id, path, content, checksum, size_bytes
		FROM skill_files
		WHERE skill_version_id = $1
		ORDER BY path
	`

	rows, err := r.q.Query(ctx, query, versionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list skill files: %w", err)
	}
	defer rows.Close()

	var files []*models.SkillFile
	for rows.Next() {
		file := &models.SkillFile{}
		err := rows.Scan(&file.ID, &file.SkillVersionID, &file.Path, &file.Content, &file.Checksum, &file.SizeBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to scan skill file: %w", err)
		}
		files = append(files, file)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating skill files: %w", err)
	}
	return files, nil
}
