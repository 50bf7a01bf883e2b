package models

import (
	"time"

	"github.com/google/uuid"
)

// MemoryStoreMode controls how a memory write combines with existing
// content.
type MemoryStoreMode string

const (
	MemoryStoreReplace MemoryStoreMode = "replace"
	MemoryStoreAppend  MemoryStoreMode = "append"
)

// MemoryRecord is one workspace-scoped memory slot written by memory nodes.
// Maps to: memory_records table
type MemoryRecord struct {
	ID                uuid.UUID `db:"id" json:"id"`
	WorkspaceIdentity string    `db:"workspace_identity" json:"workspace_identity"`
	MemoryKey         string    `db:"memory_key" json:"memory_key"`
	Content           string    `db:"content" json:"content"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time `db:"updated_at" json:"updated_at"`
}

// MilestoneStatus is the lifecycle of a milestone.
type MilestoneStatus string

const (
	MilestoneOpen     MilestoneStatus = "open"
	MilestoneComplete MilestoneStatus = "complete"
)

// Milestone is a named progress marker created or completed by milestone
// nodes within a run.
// Maps to: milestones table
type Milestone struct {
	ID          uuid.UUID       `db:"id" json:"id"`
	RunID       uuid.UUID       `db:"run_id" json:"run_id"`
	Name        string          `db:"name" json:"name"`
	Status      MilestoneStatus `db:"status" json:"status"`
	Details     map[string]any  `db:"details" json:"details,omitempty"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time       `db:"updated_at" json:"updated_at"`
	CompletedAt *time.Time      `db:"completed_at" json:"completed_at,omitempty"`
}

// PlanItem is one entry of a plan, stored inside the plan's JSONB items.
type PlanItem struct {
	ID       string `json:"id"`
	Text     string `json:"text"`
	Complete bool   `json:"complete"`
}

// Plan is the per-run plan written by plan nodes. Items live as JSONB.
// Maps to: plans table
type Plan struct {
	ID        uuid.UUID  `db:"id" json:"id"`
	RunID     uuid.UUID  `db:"run_id" json:"run_id"`
	Title     string     `db:"title" json:"title"`
	StoreMode string     `db:"store_mode" json:"store_mode"`
	Items     []PlanItem `db:"items" json:"items"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt time.Time  `db:"updated_at" json:"updated_at"`
}
