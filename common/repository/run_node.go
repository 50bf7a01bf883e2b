package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/llmctl/llmctl/common/contracts"
	"github.com/llmctl/llmctl/common/db"
	"github.com/llmctl/llmctl/common/models"
)

// RunNodeRepository handles database operations for flowchart run nodes
type RunNodeRepository struct {
	q db.Querier
}

// NewRunNodeRepository creates a new run node repository
func NewRunNodeRepository(q db.Querier) *RunNodeRepository {
	return &RunNodeRepository{q: q}
}

const runNodeColumns = `id, run_id, node_id, node_type, execution_index, idempotency_key, status,
	input_context_json, output_state_json, routing_state_json,
	degraded_status, degraded_reason,
	resolved_agent_id, resolved_role_id, resolved_instruction_manifest_hash, instruction_materialized_paths,
	run_metadata, error_message, started_at, finished_at`

// Create inserts a run node row at execution start
func (r *RunNodeRepository) Create(ctx context.Context, node *models.FlowchartRunNode) error {
	inputJSON, outputJSON, routingJSON, metaJSON, err := encodeRunNodeJSON(node)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO flowchart_run_nodes (` + runNodeColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`

	_, err = r.q.Exec(ctx, query,
		node.ID, node.RunID, node.NodeID, node.NodeType, node.ExecutionIndex,
		node.IdempotencyKey, node.Status,
		inputJSON, outputJSON, routingJSON,
		node.DegradedStatus, node.DegradedReason,
		node.ResolvedAgentID, node.ResolvedRoleID, node.ResolvedInstructionManifestHash, node.InstructionMaterializedPaths,
		metaJSON, node.ErrorMessage, node.StartedAt, node.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create run node: %w", err)
	}
	return nil
}

// Finalize writes the handler result onto the run node row
func (r *RunNodeRepository) Finalize(ctx context.Context, node *models.FlowchartRunNode) error {
	_, outputJSON, routingJSON, metaJSON, err := encodeRunNodeJSON(node)
	if err != nil {
		return err
	}

	query := `
		UPDATE flowchart_run_nodes
		SET status = $2,
			output_state_json = $3,
			routing_state_json = $4,
			degraded_status = $5,
			degraded_reason = $6,
			resolved_agent_id = $7,
			resolved_role_id = $8,
			resolved_instruction_manifest_hash = $9,
			instruction_materialized_paths = $10,
			run_metadata = $11,
			error_message = $12,
			finished_at = $13
		WHERE id = $1
	`

	_, err = r.q.Exec(ctx, query,
		node.ID, node.Status, outputJSON, routingJSON,
		node.DegradedStatus, node.DegradedReason,
		node.ResolvedAgentID, node.ResolvedRoleID, node.ResolvedInstructionManifestHash, node.InstructionMaterializedPaths,
		metaJSON, node.ErrorMessage, node.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to finalize run node: %w", err)
	}
	return nil
}

// GetByIdempotencyKey retrieves the run node with the given key, or nil
func (r *RunNodeRepository) GetByIdempotencyKey(ctx context.Context, key string) (*models.FlowchartRunNode, error) {
	query := `SELECT ` + runNodeColumns + ` FROM flowchart_run_nodes WHERE idempotency_key = $1`

	rows, err := r.q.Query(ctx, query, key)
	if err != nil {
		return nil, fmt.Errorf("failed to get run node by key: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanRunNode(rows)
}

// ListByRun retrieves all run nodes of a run in execution order
func (r *RunNodeRepository) ListByRun(ctx context.Context, runID uuid.UUID) ([]*models.FlowchartRunNode, error) {
	query := `
		SELECT ` + runNodeColumns + `
		FROM flowchart_run_nodes
		WHERE run_id = $1
		ORDER BY started_at, execution_index, id
	`

	rows, err := r.q.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list run nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*models.FlowchartRunNode
	for rows.Next() {
		node, err := scanRunNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating run nodes: %w", err)
	}
	return nodes, nil
}

// CountDegraded returns how many nodes of a run carry a degraded marker
func (r *RunNodeRepository) CountDegraded(ctx context.Context, runID uuid.UUID) (int, error) {
	query := `SELECT count(*) FROM flowchart_run_nodes WHERE run_id = $1 AND degraded_status`

	var count int
	if err := r.q.QueryRow(ctx, query, runID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count degraded run nodes: %w", err)
	}
	return count, nil
}

func encodeRunNodeJSON(node *models.FlowchartRunNode) (inputJSON, outputJSON, routingJSON, metaJSON []byte, err error) {
	if inputJSON, err = json.Marshal(orEmpty(node.InputContext)); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to encode input context: %w", err)
	}
	if outputJSON, err = json.Marshal(orEmpty(node.OutputState)); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to encode output state: %w", err)
	}
	if routingJSON, err = json.Marshal(orEmpty(node.RoutingState)); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to encode routing state: %w", err)
	}
	if node.RunMetadata != nil {
		if metaJSON, err = json.Marshal(node.RunMetadata); err != nil {
			return nil, nil, nil, nil, fmt.Errorf("failed to encode run metadata: %w", err)
		}
	}
	return inputJSON, outputJSON, routingJSON, metaJSON, nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func scanRunNode(row rowScanner) (*models.FlowchartRunNode, error) {
	node := &models.FlowchartRunNode{}
	var inputJSON, outputJSON, routingJSON, metaJSON []byte

	err := row.Scan(
		&node.ID, &node.RunID, &node.NodeID, &node.NodeType, &node.ExecutionIndex,
		&node.IdempotencyKey, &node.Status,
		&inputJSON, &outputJSON, &routingJSON,
		&node.DegradedStatus, &node.DegradedReason,
		&node.ResolvedAgentID, &node.ResolvedRoleID, &node.ResolvedInstructionManifestHash, &node.InstructionMaterializedPaths,
		&metaJSON, &node.ErrorMessage, &node.StartedAt, &node.FinishedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan run node: %w", err)
	}

	if err := json.Unmarshal(inputJSON, &node.InputContext); err != nil {
		return nil, fmt.Errorf("failed to decode input context: %w", err)
	}
	if err := json.Unmarshal(outputJSON, &node.OutputState); err != nil {
		return nil, fmt.Errorf("failed to decode output state: %w", err)
	}
	if err := json.Unmarshal(routingJSON, &node.RoutingState); err != nil {
		return nil, fmt.Errorf("failed to decode routing state: %w", err)
	}
	if len(metaJSON) > 0 {
		node.RunMetadata = &contracts.RunMetadata{}
		if err := json.Unmarshal(metaJSON, node.RunMetadata); err != nil {
			return nil, fmt.Errorf("failed to decode run metadata: %w", err)
		}
	}
	return node, nil
}
