package models

import (
	"time"

	"github.com/google/uuid"
)

// Role is an authored instruction source consumed by the instruction
// compiler.
// Maps to: roles table
type Role struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Markdown  string    `db:"markdown" json:"markdown"`
	Version   int       `db:"version" json:"version"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Agent is an authored agent profile. Tasks resolve an agent (and through
// it a role) before compiling instructions.
// Maps to: agents table
type Agent struct {
	ID        uuid.UUID  `db:"id" json:"id"`
	Name      string     `db:"name" json:"name"`
	Markdown  string     `db:"markdown" json:"markdown"`
	RoleID    *uuid.UUID `db:"role_id" json:"role_id,omitempty"`
	Version   int        `db:"version" json:"version"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt time.Time  `db:"updated_at" json:"updated_at"`
}

// Skill is a named bundle of files an agent can carry into a run.
// Maps to: skills table
type Skill struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// SkillVersion is an append-only snapshot of a skill's files. ManifestHash
// may be empty; the resolver then derives it from the file set.
// Maps to: skill_versions table
type SkillVersion struct {
	ID           uuid.UUID `db:"id" json:"id"`
	SkillID      uuid.UUID `db:"skill_id" json:"skill_id"`
	Version      int       `db:"version" json:"version"`
	ManifestHash string    `db:"manifest_hash" json:"manifest_hash,omitempty"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// SkillFile is one file of a skill version.
// Maps to: skill_files table
type SkillFile struct {
	ID             uuid.UUID `db:"id" json:"id"`
	SkillVersionID uuid.UUID `db:"skill_version_id" json:"skill_version_id"`
	Path           string    `db:"path" json:"path"`
	Content        []byte    `db:"content" json:"content"`
	Checksum       string    `db:"checksum" json:"checksum"`
	SizeBytes      int64     `db:"size_bytes" json:"size_bytes"`
}

// SkillBinding attaches a skill to an agent or a flowchart node, ordered by
// position.
// Maps to: agent_skills and node_skills tables
type SkillBinding struct {
	SkillID  uuid.UUID `db:"skill_id" json:"skill_id"`
	Position int       `db:"position" json:"position"`
}
