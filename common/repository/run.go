package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/llmctl/llmctl/common/db"
	"github.com/llmctl/llmctl/common/models"
)

// RunRepository handles database operations for flowchart runs
type RunRepository struct {
	q db.Querier
}

// NewRunRepository creates a new run repository
func NewRunRepository(q db.Querier) *RunRepository {
	return &RunRepository{q: q}
}

const runColumns = `id, flowchart_id, status, run_mode, replay_of, replay_key, started_at, finished_at, created_at, updated_at`

// Create inserts a new flowchart run
func (r *RunRepository) Create(ctx context.Context, run *models.FlowchartRun) error {
	query := `
		INSERT INTO flowchart_runs (` + runColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := r.q.Exec(ctx, query,
		run.ID, run.FlowchartID, run.Status, run.RunMode,
		run.ReplayOf, run.ReplayKey, run.StartedAt, run.FinishedAt,
		run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// GetByID retrieves a run by its ID
func (r *RunRepository) GetByID(ctx context.Context, runID uuid.UUID) (*models.FlowchartRun, error) {
	query := `SELECT ` + runColumns + ` FROM flowchart_runs WHERE id = $1`
	return scanRun(r.q.QueryRow(ctx, query, runID))
}

// UpdateStatus updates the status of a run
func (r *RunRepository) UpdateStatus(ctx context.Context, runID uuid.UUID, status models.RunStatus) error {
	query := `
		UPDATE flowchart_runs
		SET status = $2, updated_at = now()
		WHERE id = $1
	`

	_, err := r.q.Exec(ctx, query, runID, status)
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}
	return nil
}

// CompareAndSetStatus updates the status only when the current status is in
// the allowed set. Returns the status the row had when observed and whether
// the update applied. Control operations use this to stay idempotent.
func (r *RunRepository) CompareAndSetStatus(ctx context.Context, runID uuid.UUID, from []models.RunStatus, to models.RunStatus) (models.RunStatus, bool, error) {
	query := `
		UPDATE flowchart_runs
		SET status = $2, updated_at = now()
		WHERE id = $1 AND status = ANY($3)
		RETURNING status
	`

	allowed := make([]string, len(from))
	for i, s := range from {
		allowed[i] = string(s)
	}

	var applied models.RunStatus
	err := r.q.QueryRow(ctx, query, runID, to, allowed).Scan(&applied)
	if errors.Is(err, pgx.ErrNoRows) {
		current, getErr := r.GetByID(ctx, runID)
		if getErr != nil {
			return "", false, getErr
		}
		return current.Status, false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to transition run status: %w", err)
	}
	return applied, true, nil
}

// MarkStarted stamps started_at and moves the run to running
func (r *RunRepository) MarkStarted(ctx context.Context, runID uuid.UUID, at time.Time) error {
	query := `
		UPDATE flowchart_runs
		SET status = $2, started_at = COALESCE(started_at, $3), updated_at = now()
		WHERE id = $1
	`

	_, err := r.q.Exec(ctx, query, runID, models.RunRunning, at)
	if err != nil {
		return fmt.Errorf("failed to mark run started: %w", err)
	}
	return nil
}

// MarkFinished stamps finished_at and the terminal status
func (r *RunRepository) MarkFinished(ctx context.Context, runID uuid.UUID, status models.RunStatus, at time.Time) error {
	query := `
		UPDATE flowchart_runs
		SET status = $2, finished_at = $3, updated_at = now()
		WHERE id = $1
	`

	_, err := r.q.Exec(ctx, query, runID, status, at)
	if err != nil {
		return fmt.Errorf("failed to mark run finished: %w", err)
	}
	return nil
}

// FindReplay returns the replay run previously enqueued for (source run,
// idempotency key), or nil when none exists.
func (r *RunRepository) FindReplay(ctx context.Context, replayOf uuid.UUID, replayKey string) (*models.FlowchartRun, error) {
	query := `
		SELECT ` + runColumns + `
		FROM flowchart_runs
		WHERE replay_of = $1 AND replay_key = $2
	`

	run, err := scanRun(r.q.QueryRow(ctx, query, replayOf, replayKey))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return run, nil
}

// ListByFlowchart retrieves recent runs of a flowchart
func (r *RunRepository) ListByFlowchart(ctx context.Context, flowchartID uuid.UUID, limit int) ([]*models.FlowchartRun, error) {
	query := `
		SELECT ` + runColumns + `
		FROM flowchart_runs
		WHERE flowchart_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.q.Query(ctx, query, flowchartID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.FlowchartRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

func scanRun(row rowScanner) (*models.FlowchartRun, error) {
	run := &models.FlowchartRun{}
	err := row.Scan(
		&run.ID, &run.FlowchartID, &run.Status, &run.RunMode,
		&run.ReplayOf, &run.ReplayKey, &run.StartedAt, &run.FinishedAt,
		&run.CreatedAt, &run.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}
	return run, nil
}
