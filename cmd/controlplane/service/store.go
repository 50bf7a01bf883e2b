package service

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/llmctl/llmctl/common/db"
	"github.com/llmctl/llmctl/common/models"
	"github.com/llmctl/llmctl/common/repository"
)

// GraphStore is the persistence slice the authoring service needs. The
// production implementation sits on pgx repositories; tests swap in a
// memory store.
type GraphStore interface {
	CreateGraph(ctx context.Context, fc *models.Flowchart, nodes []*models.FlowchartNode, edges []*models.FlowchartEdge) error
	LoadGraph(ctx context.Context, flowchartID uuid.UUID) (*models.Graph, error)
	GetNode(ctx context.Context, nodeID uuid.UUID) (*models.FlowchartNode, error)
	UpdateNodeConfig(ctx context.Context, flowchartID, nodeID uuid.UUID, config map[string]any) error
}

// RunStore is the persistence slice run submission and reads need.
type RunStore interface {
	CreateRun(ctx context.Context, run *models.FlowchartRun) error
	GetRun(ctx context.Context, runID uuid.UUID) (*models.FlowchartRun, error)
	ListRuns(ctx context.Context, flowchartID uuid.UUID, limit int) ([]*models.FlowchartRun, error)
}

// Store is the pgx-backed persistence behind the control plane API; it
// implements both GraphStore and RunStore over the shared pool, opening a
// transaction only for multi-write authoring operations.
type Store struct {
	db         *db.DB
	flowcharts *repository.FlowchartRepository
	runs       *repository.RunRepository
}

// NewStore creates the pgx-backed API store.
func NewStore(database *db.DB) *Store {
	return &Store{
		db:         database,
		flowcharts: repository.NewFlowchartRepository(database.Pool),
		runs:       repository.NewRunRepository(database.Pool),
	}
}

// CreateGraph persists a flowchart with all its nodes and edges in one
// scope; the whole graph lands or none of it does.
func (s *Store) CreateGraph(ctx context.Context, fc *models.Flowchart, nodes []*models.FlowchartNode, edges []*models.FlowchartEdge) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		repo := repository.NewFlowchartRepository(tx)
		if err := repo.Create(ctx, fc); err != nil {
			return err
		}
		for _, node := range nodes {
			if err := repo.CreateNode(ctx, node); err != nil {
				return err
			}
		}
		for _, edge := range edges {
			if err := repo.CreateEdge(ctx, edge); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) LoadGraph(ctx context.Context, flowchartID uuid.UUID) (*models.Graph, error) {
	return s.flowcharts.LoadGraph(ctx, flowchartID)
}

func (s *Store) GetNode(ctx context.Context, nodeID uuid.UUID) (*models.FlowchartNode, error) {
	return s.flowcharts.GetNode(ctx, nodeID)
}

// UpdateNodeConfig writes the new config and touches the flowchart in one
// scope. The touch bumps updated_at, which keys the engine's compiled graph
// cache, so a committed patch is never served from a stale cache entry.
func (s *Store) UpdateNodeConfig(ctx context.Context, flowchartID, nodeID uuid.UUID, config map[string]any) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		repo := repository.NewFlowchartRepository(tx)
		if err := repo.UpdateNodeConfig(ctx, nodeID, config); err != nil {
			return err
		}
		return repo.Touch(ctx, flowchartID)
	})
}

func (s *Store) CreateRun(ctx context.Context, run *models.FlowchartRun) error {
	return s.runs.Create(ctx, run)
}

func (s *Store) GetRun(ctx context.Context, runID uuid.UUID) (*models.FlowchartRun, error) {
	return s.runs.GetByID(ctx, runID)
}

func (s *Store) ListRuns(ctx context.Context, flowchartID uuid.UUID, limit int) ([]*models.FlowchartRun, error) {
	return s.runs.ListByFlowchart(ctx, flowchartID, limit)
}
