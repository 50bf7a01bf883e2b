package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/llmctl/llmctl/common/db"
	"github.com/llmctl/llmctl/common/models"
)

// FlowchartRepository handles database operations for flowcharts, nodes,
// and edges. Construct it over the pool for reads or over a transaction
// inside a unit-of-work scope.
type FlowchartRepository struct {
	q db.Querier
}

// NewFlowchartRepository creates a new flowchart repository
func NewFlowchartRepository(q db.Querier) *FlowchartRepository {
	return &FlowchartRepository{q: q}
}

// Create inserts a new flowchart
func (r *FlowchartRepository) Create(ctx context.Context, fc *models.Flowchart) error {
	query := `
		INSERT INTO flowcharts (id, name, description, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err := r.q.Exec(ctx, query, fc.ID, fc.Name, fc.Description, fc.CreatedAt, fc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create flowchart: %w", err)
	}
	return nil
}

// GetByID retrieves a flowchart by its ID
func (r *FlowchartRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Flowchart, error) {
	query := `
		SELECT id, name, description, created_at, updated_at
		FROM flowcharts
		WHERE id = $1
	`

	fc := &models.Flowchart{}
	err := r.q.QueryRow(ctx, query, id).Scan(&fc.ID, &fc.Name, &fc.Description, &fc.CreatedAt, &fc.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get flowchart: %w", err)
	}
	return fc, nil
}

// CreateNode inserts a flowchart node
func (r *FlowchartRepository) CreateNode(ctx context.Context, node *models.FlowchartNode) error {
	config, err := json.Marshal(node.Config)
	if err != nil {
		return fmt.Errorf("failed to encode node config: %w", err)
	}

	var position []byte
	if node.Position != nil {
		position, err = json.Marshal(node.Position)
		if err != nil {
			return fmt.Errorf("failed to encode node position: %w", err)
		}
	}

	query := `
		INSERT INTO flowchart_nodes (id, flowchart_id, node_type, name, config, ref_id, model_id, position, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err = r.q.Exec(ctx, query,
		node.ID, node.FlowchartID, node.Type, node.Name, config,
		node.RefID, node.ModelID, position, node.CreatedAt, node.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create flowchart node: %w", err)
	}
	return nil
}

// GetNode retrieves one node by its ID
func (r *FlowchartRepository) GetNode(ctx context.Context, id uuid.UUID) (*models.FlowchartNode, error) {
	query := `
		SELECT id, flowchart_id, node_type, name, config, ref_id, model_id, position, created_at, updated_at
		FROM flowchart_nodes
		WHERE id = $1
	`

	return scanNode(r.q.QueryRow(ctx, query, id))
}

// UpdateNodeConfig replaces a node's config JSON and bumps updated_at
func (r *FlowchartRepository) UpdateNodeConfig(ctx context.Context, id uuid.UUID, config map[string]any) error {
	raw, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to encode node config: %w", err)
	}

	query := `
		UPDATE flowchart_nodes
		SET config = $2, updated_at = now()
		WHERE id = $1
	`

	_, err = r.q.Exec(ctx, query, id, raw)
	if err != nil {
		return fmt.Errorf("failed to update node config: %w", err)
	}
	return nil
}

// Touch bumps a flowchart's updated_at so cached compiled graphs keyed on
// it are invalidated. Called alongside any node or edge mutation.
func (r *FlowchartRepository) Touch(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE flowcharts
		SET updated_at = now()
		WHERE id = $1
	`

	_, err := r.q.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to touch flowchart: %w", err)
	}
	return nil
}

// CreateEdge inserts a flowchart edge
func (r *FlowchartRepository) CreateEdge(ctx context.Context, edge *models.FlowchartEdge) error {
	query := `
		INSERT INTO flowchart_edges (id, flowchart_id, source_node_id, target_node_id, edge_mode, condition_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.q.Exec(ctx, query,
		edge.ID, edge.FlowchartID, edge.SourceNodeID, edge.TargetNodeID,
		edge.EdgeMode, edge.ConditionKey, edge.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create flowchart edge: %w", err)
	}
	return nil
}

// LoadGraph loads a flowchart with all nodes and edges
func (r *FlowchartRepository) LoadGraph(ctx context.Context, flowchartID uuid.UUID) (*models.Graph, error) {
	fc, err := r.GetByID(ctx, flowchartID)
	if err != nil {
		return nil, err
	}

	nodeQuery := `
		SELECT id, flowchart_id, node_type, name, config, ref_id, model_id, position, created_at, updated_at
		FROM flowchart_nodes
		WHERE flowchart_id = $1
		ORDER BY created_at, id
	`

	rows, err := r.q.Query(ctx, nodeQuery, flowchartID)
	if err != nil {
		return nil, fmt.Errorf("failed to list flowchart nodes: %w", err)
	}
	defer rows.Close()

	var nodes []models.FlowchartNode
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, *node)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating flowchart nodes: %w", err)
	}

	edgeQuery := `
		SELECT id, flowchart_id, source_node_id, target_node_id, edge_mode, condition_key, created_at
		FROM flowchart_edges
		WHERE flowchart_id = $1
		ORDER BY created_at, id
	`

	edgeRows, err := r.q.Query(ctx, edgeQuery, flowchartID)
	if err != nil {
		return nil, fmt.Errorf("failed to list flowchart edges: %w", err)
	}
	defer edgeRows.Close()

	var edges []models.FlowchartEdge
	for edgeRows.Next() {
		var edge models.FlowchartEdge
		err := edgeRows.Scan(
			&edge.ID, &edge.FlowchartID, &edge.SourceNodeID, &edge.TargetNodeID,
			&edge.EdgeMode, &edge.ConditionKey, &edge.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan flowchart edge: %w", err)
		}
		edges = append(edges, edge)
	}
	if err := edgeRows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating flowchart edges: %w", err)
	}

	return &models.Graph{Flowchart: *fc, Nodes: nodes, Edges: edges}, nil
}

// rowScanner covers pgx.Row and pgx.Rows for shared scan helpers.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner) (*models.FlowchartNode, error) {
	node := &models.FlowchartNode{}
	var config, position []byte

	err := row.Scan(
		&node.ID, &node.FlowchartID, &node.Type, &node.Name, &config,
		&node.RefID, &node.ModelID, &position, &node.CreatedAt, &node.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan flowchart node: %w", err)
	}

	if len(config) > 0 {
		if err := json.Unmarshal(config, &node.Config); err != nil {
			return nil, fmt.Errorf("failed to decode node config: %w", err)
		}
	}
	if node.Config == nil {
		node.Config = map[string]any{}
	}
	if len(position) > 0 {
		node.Position = &models.NodePosition{}
		if err := json.Unmarshal(position, node.Position); err != nil {
			return nil, fmt.Errorf("failed to decode node position: %w", err)
		}
	}
	return node, nil
}
