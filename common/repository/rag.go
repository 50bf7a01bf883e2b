package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/llmctl/llmctl/common/db"
	"github.com/llmctl/llmctl/common/models"
)

// RAGSourceRepository backs the cooperative index scheduler.
type RAGSourceRepository struct {
	q db.Querier
}

// NewRAGSourceRepository creates a new RAG source repository
func NewRAGSourceRepository(q db.Querier) *RAGSourceRepository {
	return &RAGSourceRepository{q: q}
}

// Create registers an indexable source. The first index is due immediately.
func (r *RAGSourceRepository) Create(ctx context.Context, source *models.RAGSource) error {
	if source.ID == uuid.Nil {
		source.ID = uuid.New()
	}

	query := `
		INSERT INTO rag_sources (id, collection, cadence_value, cadence_unit, next_index_at, created_at)
		VALUES ($1, $2, $3, $4, now(), now())
	`

	_, err := r.q.Exec(ctx, query, source.ID, source.Collection, source.CadenceValue, source.CadenceUnit)
	if err != nil {
		return fmt.Errorf("failed to create rag source: %w", err)
	}
	return nil
}

// ListDue returns sources whose next index time has passed, oldest first
func (r *RAGSourceRepository) ListDue(ctx context.Context, now time.Time) ([]*models.RAGSource, error) {
	query := `
		SELECT id, collection, cadence_value, cadence_unit, next_index_at, last_indexed_at, created_at
		FROM rag_sources
		WHERE next_index_at IS NOT NULL AND next_index_at <= $1
		ORDER BY next_index_at, id
	`

	rows, err := r.q.Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list due rag sources: %w", err)
	}
	defer rows.Close()

	var sources []*models.RAGSource
	for rows.Next() {
		source := &models.RAGSource{}
		err := rows.Scan(
			&source.ID, &source.Collection, &source.CadenceValue, &source.CadenceUnit,
			&source.NextIndexAt, &source.LastIndexedAt, &source.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rag source: %w", err)
		}
		sources = append(sources, source)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rag sources: %w", err)
	}
	return sources, nil
}

// ActiveJobExists reports whether the source already has a pending or
// running index job. The scheduler skips such sources.
func (r *RAGSourceRepository) ActiveJobExists(ctx context.Context, sourceID uuid.UUID) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM rag_index_jobs
			WHERE source_id = $1 AND status IN ($2, $3)
		)
	`

	var exists bool
	err := r.q.QueryRow(ctx, query, sourceID, models.IndexJobPending, models.IndexJobRunning).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check active index job: %w", err)
	}
	return exists, nil
}

// CreateIndexJob creates a pending index job for the source
func (r *RAGSourceRepository) CreateIndexJob(ctx context.Context, jobID string, sourceID uuid.UUID) (*models.RAGIndexJob, error) {
	query := `
		INSERT INTO rag_index_jobs (id, source_id, status, started_at)
		VALUES ($1, $2, $3, now())
		RETURNING id, source_id, status, started_at, finished_at
	`

	job := &models.RAGIndexJob{}
	err := r.q.QueryRow(ctx, query, jobID, sourceID, models.IndexJobPending).Scan(
		&job.ID, &job.SourceID, &job.Status, &job.StartedAt, &job.FinishedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create index job: %w", err)
	}
	return job, nil
}

// MarkJobRunning transitions a pending job to running
func (r *RAGSourceRepository) MarkJobRunning(ctx context.Context, jobID string) error {
	query := `UPDATE rag_index_jobs SET status = $2 WHERE id = $1`

	_, err := r.q.Exec(ctx, query, jobID, models.IndexJobRunning)
	if err != nil {
		return fmt.Errorf("failed to mark index job running: %w", err)
	}
	return nil
}

// FinishIndexJob closes a job with a terminal status
func (r *RAGSourceRepository) FinishIndexJob(ctx context.Context, jobID string, status models.IndexJobStatus) error {
	query := `UPDATE rag_index_jobs SET status = $2, finished_at = now() WHERE id = $1`

	_, err := r.q.Exec(ctx, query, jobID, status)
	if err != nil {
		return fmt.Errorf("failed to finish index job: %w", err)
	}
	return nil
}

// ScheduleNextIndex advances the source's schedule by its cadence from now
// and stamps last_indexed_at.
func (r *RAGSourceRepository) ScheduleNextIndex(ctx context.Context, sourceID uuid.UUID, now time.Time, cadence time.Duration) error {
	query := `
		UPDATE rag_sources
		SET next_index_at = $2, last_indexed_at = $3
		WHERE id = $1
	`

	_, err := r.q.Exec(ctx, query, sourceID, now.Add(cadence), now)
	if err != nil {
		return fmt.Errorf("failed to schedule next index: %w", err)
	}
	return nil
}
