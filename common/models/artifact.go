package models

import (
	"time"

	"github.com/google/uuid"
)

// NodeArtifact is a typed, contract-validated record of a node run's output.
// The idempotency key makes re-persistence under replay a no-op.
// Maps to: node_artifacts table
type NodeArtifact struct {
	ID             uuid.UUID      `db:"id" json:"id"`
	RunID          uuid.UUID      `db:"run_id" json:"run_id"`
	NodeRunID      uuid.UUID      `db:"node_run_id" json:"node_run_id"`
	ArtifactType   string         `db:"artifact_type" json:"artifact_type"`
	IdempotencyKey string         `db:"idempotency_key" json:"idempotency_key"`
	Payload        map[string]any `db:"payload" json:"payload"`
	CreatedAt      time.Time      `db:"created_at" json:"created_at"`
}
