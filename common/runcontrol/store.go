package runcontrol

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/llmctl/llmctl/common/db"
	"github.com/llmctl/llmctl/common/models"
	"github.com/llmctl/llmctl/common/repository"
)

// pgStore backs the controller with the shared pool. Control writes are
// single-row compare-and-set statements, so no transaction scope is needed.
type pgStore struct {
	runs      *repository.RunRepository
	nodes     *repository.RunNodeRepository
	artifacts *repository.ArtifactRepository
}

// NewStore creates the pgx-backed control store.
func NewStore(database *db.DB) Store {
	return &pgStore{
		runs:      repository.NewRunRepository(database.Pool),
		nodes:     repository.NewRunNodeRepository(database.Pool),
		artifacts: repository.NewArtifactRepository(database.Pool),
	}
}

func (s *pgStore) GetRun(ctx context.Context, runID uuid.UUID) (*models.FlowchartRun, error) {
	return s.runs.GetByID(ctx, runID)
}

func (s *pgStore) CreateRun(ctx context.Context, run *models.FlowchartRun) error {
	return s.runs.Create(ctx, run)
}

func (s *pgStore) CompareAndSetRunStatus(ctx context.Context, runID uuid.UUID, from []models.RunStatus, to models.RunStatus) (models.RunStatus, bool, error) {
	return s.runs.CompareAndSetStatus(ctx, runID, from, to)
}

func (s *pgStore) MarkRunFinished(ctx context.Context, runID uuid.UUID, status models.RunStatus, at time.Time) error {
	return s.runs.MarkFinished(ctx, runID, status, at)
}

func (s *pgStore) FindReplay(ctx context.Context, replayOf uuid.UUID, replayKey string) (*models.FlowchartRun, error) {
	return s.runs.FindReplay(ctx, replayOf, replayKey)
}

func (s *pgStore) ListNodeRuns(ctx context.Context, runID uuid.UUID) ([]*models.FlowchartRunNode, error) {
	return s.nodes.ListByRun(ctx, runID)
}

func (s *pgStore) ListArtifacts(ctx context.Context, runID uuid.UUID) ([]*models.NodeArtifact, error) {
	return s.artifacts.ListByRun(ctx, runID)
}
