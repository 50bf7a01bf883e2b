package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/llmctl/llmctl/common/db"
	"github.com/llmctl/llmctl/common/models"
	"github.com/llmctl/llmctl/common/repository"
)

// Store is the slice of persistence the run loop consumes. The production
// implementation sits on pgx repositories; tests swap in a memory store.
type Store interface {
	CreateRun(ctx context.Context, run *models.FlowchartRun) error
	GetRun(ctx context.Context, runID uuid.UUID) (*models.FlowchartRun, error)
	CompareAndSetRunStatus(ctx context.Context, runID uuid.UUID, from []models.RunStatus, to models.RunStatus) (models.RunStatus, bool, error)
	MarkRunStarted(ctx context.Context, runID uuid.UUID, at time.Time) error
	MarkRunFinished(ctx context.Context, runID uuid.UUID, status models.RunStatus, at time.Time) error

	GetFlowchart(ctx context.Context, flowchartID uuid.UUID) (*models.Flowchart, error)
	LoadGraph(ctx context.Context, flowchartID uuid.UUID) (*models.Graph, error)

	CreateNodeRun(ctx context.Context, node *models.FlowchartRunNode) error
	NodeRunByKey(ctx context.Context, idempotencyKey string) (*models.FlowchartRunNode, error)
	ListNodeRuns(ctx context.Context, runID uuid.UUID) ([]*models.FlowchartRunNode, error)
	ListArtifacts(ctx context.Context, runID uuid.UUID) ([]*models.NodeArtifact, error)

	// FinalizeVisit writes the finished node run and its artifact in one
	// scope; both land or neither does. A duplicate artifact key is a no-op
	// inside the scope, the unique key already proves the write happened.
	FinalizeVisit(ctx context.Context, node *models.FlowchartRunNode, artifact *models.NodeArtifact) error
}

// pgStore implements Store over the shared pool, opening a transaction only
// for the multi-write visit finalization.
type pgStore struct {
	db         *db.DB
	runs       *repository.RunRepository
	nodes      *repository.RunNodeRepository
	artifacts  *repository.ArtifactRepository
	flowcharts *repository.FlowchartRepository
}

// NewStore creates the pgx-backed engine store.
func NewStore(database *db.DB) Store {
	return &pgStore{
		db:         database,
		runs:       repository.NewRunRepository(database.Pool),
		nodes:      repository.NewRunNodeRepository(database.Pool),
		artifacts:  repository.NewArtifactRepository(database.Pool),
		flowcharts: repository.NewFlowchartRepository(database.Pool),
	}
}

func (s *pgStore) CreateRun(ctx context.Context, run *models.FlowchartRun) error {
	return s.runs.Create(ctx, run)
}

func (s *pgStore) GetRun(ctx context.Context, runID uuid.UUID) (*models.FlowchartRun, error) {
	return s.runs.GetByID(ctx, runID)
}

func (s *pgStore) CompareAndSetRunStatus(ctx context.Context, runID uuid.UUID, from []models.RunStatus, to models.RunStatus) (models.RunStatus, bool, error) {
	return s.runs.CompareAndSetStatus(ctx, runID, from, to)
}

func (s *pgStore) MarkRunStarted(ctx context.Context, runID uuid.UUID, at time.Time) error {
	return s.runs.MarkStarted(ctx, runID, at)
}

func (s *pgStore) MarkRunFinished(ctx context.Context, runID uuid.UUID, status models.RunStatus, at time.Time) error {
	return s.runs.MarkFinished(ctx, runID, status, at)
}

func (s *pgStore) GetFlowchart(ctx context.Context, flowchartID uuid.UUID) (*models.Flowchart, error) {
	return s.flowcharts.GetByID(ctx, flowchartID)
}

func (s *pgStore) LoadGraph(ctx context.Context, flowchartID uuid.UUID) (*models.Graph, error) {
	return s.flowcharts.LoadGraph(ctx, flowchartID)
}

func (s *pgStore) CreateNodeRun(ctx context.Context, node *models.FlowchartRunNode) error {
	return s.nodes.Create(ctx, node)
}

func (s *pgStore) NodeRunByKey(ctx context.Context, idempotencyKey string) (*models.FlowchartRunNode, error) {
	return s.nodes.GetByIdempotencyKey(ctx, idempotencyKey)
}

func (s *pgStore) ListNodeRuns(ctx context.Context, runID uuid.UUID) ([]*models.FlowchartRunNode, error) {
	return s.nodes.ListByRun(ctx, runID)
}

func (s *pgStore) ListArtifacts(ctx context.Context, runID uuid.UUID) ([]*models.NodeArtifact, error) {
	return s.artifacts.ListByRun(ctx, runID)
}

func (s *pgStore) FinalizeVisit(ctx context.Context, node *models.FlowchartRunNode, artifact *models.NodeArtifact) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		if err := repository.NewRunNodeRepository(tx).Finalize(ctx, node); err != nil {
			return err
		}
		if artifact != nil {
			if _, err := repository.NewArtifactRepository(tx).Create(ctx, artifact); err != nil {
				return err
			}
		}
		return nil
	})
}
