package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/llmctl/llmctl/common/db"
	"github.com/llmctl/llmctl/common/models"
)

// MemoryRepository is the deterministic backend for memory nodes.
type MemoryRepository struct {
	q db.Querier
}

// NewMemoryRepository creates a new memory repository
func NewMemoryRepository(q db.Querier) *MemoryRepository {
	return &MemoryRepository{q: q}
}

// Write stores content under (workspace identity, key). Replace overwrites;
// append concatenates with a newline between old and new content.
func (r *MemoryRepository) Write(ctx context.Context, workspaceIdentity, memoryKey, content string, mode models.MemoryStoreMode) (*models.MemoryRecord, error) {
	var query string
	switch mode {
	case models.MemoryStoreAppend:
		query = `
			INSERT INTO memory_records (id, workspace_identity, memory_key, content, created_at, updated_at)
			VALUES ($1, $2, $3, $4, now(), now())
			ON CONFLICT (workspace_identity, memory_key)
			DO UPDATE SET content = memory_records.content || E'\n' || EXCLUDED.content, updated_at = now()
			RETURNING id, workspace_identity, memory_key, content, created_at, updated_at
		`
	case models.MemoryStoreReplace:
		query = `
			INSERT INTO memory_records (id, workspace_identity, memory_key, content, created_at, updated_at)
			VALUES ($1, $2, $3, $4, now(), now())
			ON CONFLICT (workspace_identity, memory_key)
			DO UPDATE SET content = EXCLUDED.content, updated_at = now()
			RETURNING id, workspace_identity, memory_key, content, created_at, updated_at
		`
	default:
		return nil, fmt.Errorf("unknown memory store mode: %s", mode)
	}

	record := &models.MemoryRecord{}
	err := r.q.QueryRow(ctx, query, uuid.New(), workspaceIdentity, memoryKey, content).Scan(
		&record.ID, &record.WorkspaceIdentity, &record.MemoryKey,
		&record.Content, &record.CreatedAt, &record.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to write memory record: %w", err)
	}
	return record, nil
}

// Get retrieves one memory record, or nil when absent
func (r *MemoryRepository) Get(ctx context.Context, workspaceIdentity, memoryKey string) (*models.MemoryRecord, error) {
	query := `
		SELECT id, workspace_identity, memory_key, content, created_at, updated_at
		FROM memory_records
		WHERE workspace_identity = $1 AND memory_key = $2
	`

	record := &models.MemoryRecord{}
	err := r.q.QueryRow(ctx, query, workspaceIdentity, memoryKey).Scan(
		&record.ID, &record.WorkspaceIdentity, &record.MemoryKey,
		&record.Content, &record.CreatedAt, &record.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get memory record: %w", err)
	}
	return record, nil
}

// Delete removes a memory record. Returns whether a row existed.
func (r *MemoryRepository) Delete(ctx context.Context, workspaceIdentity, memoryKey string) (bool, error) {
	query := `DELETE FROM memory_records WHERE workspace_identity = $1 AND memory_key = $2`

	tag, err := r.q.Exec(ctx, query, workspaceIdentity, memoryKey)
	if err != nil {
		return false, fmt.Errorf("failed to delete memory record: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MilestoneRepository is the deterministic backend for milestone nodes.
type MilestoneRepository struct {
	q db.Querier
}

// NewMilestoneRepository creates a new milestone repository
func NewMilestoneRepository(q db.Querier) *MilestoneRepository {
	return &MilestoneRepository{q: q}
}

// CreateOrUpdate upserts a milestone by (run, name)
func (r *MilestoneRepository) CreateOrUpdate(ctx context.Context, runID uuid.UUID, name string, details map[string]any) (*models.Milestone, error) {
	detailsJSON, err := json.Marshal(orEmpty(details))
	if err != nil {
		return nil, fmt.Errorf("failed to encode milestone details: %w", err)
	}

	query := `
		INSERT INTO milestones (id, run_id, name, status, details, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now(), now())
		ON CONFLICT (run_id, name)
		DO UPDATE SET details = EXCLUDED.details, updated_at = now()
		RETURNING id, run_id, name, status, details, created_at, updated_at, completed_at
	`

	return scanMilestone(r.q.QueryRow(ctx, query, uuid.New(), runID, name, models.MilestoneOpen, detailsJSON))
}

// MarkComplete completes a milestone by (run, name). Returns nil when the
// milestone does not exist.
func (r *MilestoneRepository) MarkComplete(ctx context.Context, runID uuid.UUID, name string, at time.Time) (*models.Milestone, error) {
	query := `
		UPDATE milestones
		SET status = $3, completed_at = $4, updated_at = now()
		WHERE run_id = $1 AND name = $2
		RETURNING id, run_id, name, status, details, created_at, updated_at, completed_at
	`

	milestone, err := scanMilestone(r.q.QueryRow(ctx, query, runID, name, models.MilestoneComplete, at))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return milestone, nil
}

// ListByRun returns the milestones of a run in creation order
func (r *MilestoneRepository) ListByRun(ctx context.Context, runID uuid.UUID) ([]*models.Milestone, error) {
	query := `
		SELECT id, run_id, name, status, details, created_at, updated_at, completed_at
		FROM milestones
		WHERE run_id = $1
		ORDER BY created_at, id
	`

	rows, err := r.q.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list milestones: %w", err)
	}
	defer rows.Close()

	var milestones []*models.Milestone
	for rows.Next() {
		milestone, err := scanMilestone(rows)
		if err != nil {
			return nil, err
		}
		milestones = append(milestones, milestone)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating milestones: %w", err)
	}
	return milestones, nil
}

func scanMilestone(row rowScanner) (*models.Milestone, error) {
	milestone := &models.Milestone{}
	var detailsJSON []byte

	err := row.Scan(
		&milestone.ID, &milestone.RunID, &milestone.Name, &milestone.Status,
		&detailsJSON, &milestone.CreatedAt, &milestone.UpdatedAt, &milestone.CompletedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan milestone: %w", err)
	}
	if len(detailsJSON) > 0 {
		if err := json.Unmarshal(detailsJSON, &milestone.Details); err != nil {
			return nil, fmt.Errorf("failed to decode milestone details: %w", err)
		}
	}
	return milestone, nil
}

// PlanRepository is the deterministic backend for plan nodes. Plan items
// live as JSONB on the plan row.
type PlanRepository struct {
	q db.Querier
}

// NewPlanRepository creates a new plan repository
func NewPlanRepository(q db.Querier) *PlanRepository {
	return &PlanRepository{q: q}
}

// CreateOrUpdate upserts the plan of a run. Replace swaps the items out;
// append concatenates the new items after the existing ones.
func (r *PlanRepository) CreateOrUpdate(ctx context.Context, runID uuid.UUID, title string, items []models.PlanItem, storeMode string) (*models.Plan, error) {
	existing, err := r.GetByRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	merged := items
	if existing != nil && storeMode == string(models.MemoryStoreAppend) {
		merged = append(append([]models.PlanItem{}, existing.Items...), items...)
	}

	itemsJSON, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("failed to encode plan items: %w", err)
	}

	query := `
		INSERT INTO plans (id, run_id, title, store_mode, items, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now(), now())
		ON CONFLICT (run_id)
		DO UPDATE SET title = EXCLUDED.title, store_mode = EXCLUDED.store_mode, items = EXCLUDED.items, updated_at = now()
		RETURNING id, run_id, title, store_mode, items, created_at, updated_at
	`

	return scanPlan(r.q.QueryRow(ctx, query, uuid.New(), runID, title, storeMode, itemsJSON))
}

// CompleteItem marks one plan item complete. Returns the updated plan and
// whether the item was found.
func (r *PlanRepository) CompleteItem(ctx context.Context, runID uuid.UUID, itemID string) (*models.Plan, bool, error) {
	plan, err := r.GetByRun(ctx, runID)
	if err != nil {
		return nil, false, err
	}
	if plan == nil {
		return nil, false, nil
	}

	found := false
	for i := range plan.Items {
		if plan.Items[i].ID == itemID {
			plan.Items[i].Complete = true
			found = true
			break
		}
	}
	if !found {
		return plan, false, nil
	}

	itemsJSON, err := json.Marshal(plan.Items)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode plan items: %w", err)
	}

	query := `
		UPDATE plans
		SET items = $2, updated_at = now()
		WHERE run_id = $1
		RETURNING id, run_id, title, store_mode, items, created_at, updated_at
	`

	updated, err := scanPlan(r.q.QueryRow(ctx, query, runID, itemsJSON))
	if err != nil {
		return nil, false, err
	}
	return updated, true, nil
}

// GetByRun retrieves the plan of a run, or nil when absent
func (r *PlanRepository) GetByRun(ctx context.Context, runID uuid.UUID) (*models.Plan, error) {
	query := `
		SELECT id, run_id, title, store_mode, items, created_at, updated_at
		FROM plans
		WHERE run_id = $1
	`

	plan, err := scanPlan(r.q.QueryRow(ctx, query, runID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return plan, nil
}

func scanPlan(row rowScanner) (*models.Plan, error) {
	plan := &models.Plan{}
	var itemsJSON []byte

	err := row.Scan(
		&plan.ID, &plan.RunID, &plan.Title, &plan.StoreMode,
		&itemsJSON, &plan.CreatedAt, &plan.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan plan: %w", err)
	}
	if len(itemsJSON) > 0 {
		if err := json.Unmarshal(itemsJSON, &plan.Items); err != nil {
			return nil, fmt.Errorf("failed to decode plan items: %w", err)
		}
	}
	return plan, nil
}
