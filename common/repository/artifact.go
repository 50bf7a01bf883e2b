package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/llmctl/llmctl/common/db"
	"github.com/llmctl/llmctl/common/models"
)

// ArtifactRepository handles database operations for node artifacts
type ArtifactRepository struct {
	q db.Querier
}

// NewArtifactRepository creates a new artifact repository
func NewArtifactRepository(q db.Querier) *ArtifactRepository {
	return &ArtifactRepository{q: q}
}

const artifactColumns = `id, run_id, node_run_id, artifact_type, idempotency_key, payload, created_at`

// Create inserts an artifact. A duplicate idempotency key is a no-op;
// the return value reports whether the row was written.
func (r *ArtifactRepository) Create(ctx context.Context, artifact *models.NodeArtifact) (bool, error) {
	payload, err := json.Marshal(orEmpty(artifact.Payload))
	if err != nil {
		return false, fmt.Errorf("failed to encode artifact payload: %w", err)
	}

	query := `
		INSERT INTO node_artifacts (` + artifactColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (idempotency_key) DO NOTHING
	`

	tag, err := r.q.Exec(ctx, query,
		artifact.ID, artifact.RunID, artifact.NodeRunID, artifact.ArtifactType,
		artifact.IdempotencyKey, payload, artifact.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to create artifact: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListByRun retrieves all artifacts of a run in creation order
func (r *ArtifactRepository) ListByRun(ctx context.Context, runID uuid.UUID) ([]*models.NodeArtifact, error) {
	query := `
		SELECT ` + artifactColumns + `
		FROM node_artifacts
		WHERE run_id = $1
		ORDER BY created_at, id
	`
	return r.list(ctx, query, runID)
}

// ListByNodeRun retrieves the artifacts of one node run
func (r *ArtifactRepository) ListByNodeRun(ctx context.Context, nodeRunID uuid.UUID) ([]*models.NodeArtifact, error) {
	query := `
		SELECT ` + artifactColumns + `
		FROM node_artifacts
		WHERE node_run_id = $1
		ORDER BY created_at, id
	`
	return r.list(ctx, query, nodeRunID)
}

func (r *ArtifactRepository) list(ctx context.Context, query string, arg any) ([]*models.NodeArtifact, error) {
	rows, err := r.q.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []*models.NodeArtifact
	for rows.Next() {
		artifact := &models.NodeArtifact{}
		var payload []byte
		err := rows.Scan(
			&artifact.ID, &artifact.RunID, &artifact.NodeRunID, &artifact.ArtifactType,
			&artifact.IdempotencyKey, &payload, &artifact.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}
		if err := json.Unmarshal(payload, &artifact.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode artifact payload: %w", err)
		}
		artifacts = append(artifacts, artifact)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating artifacts: %w", err)
	}
	return artifacts, nil
}
