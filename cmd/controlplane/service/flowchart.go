package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"gopkg.in/yaml.v3"

	"github.com/llmctl/llmctl/common/contracts"
	"github.com/llmctl/llmctl/common/logger"
	"github.com/llmctl/llmctl/common/models"
	"github.com/llmctl/llmctl/common/validation"
)

// knownNodeTypes is the authoring-time vocabulary. The runtime registry is
// the source of truth for execution; this set gates what can be persisted.
var knownNodeTypes = map[string]bool{
	contracts.NodeTypeStart:     true,
	contracts.NodeTypeEnd:       true,
	contracts.NodeTypeTask:      true,
	contracts.NodeTypeDecision:  true,
	contracts.NodeTypeMemory:    true,
	contracts.NodeTypeMilestone: true,
	contracts.NodeTypePlan:      true,
	contracts.NodeTypeFlowchart: true,
	contracts.NodeTypeRAG:       true,
}

// NodeSpec is one node in a graph authoring request. Key is a local handle
// edges reference; ids are assigned on create.
type NodeSpec struct {
	Key      string               `json:"key" yaml:"key"`
	Type     string               `json:"type" yaml:"type"`
	Name     string               `json:"name" yaml:"name"`
	Config   map[string]any       `json:"config,omitempty" yaml:"config,omitempty"`
	RefID    *string              `json:"ref_id,omitempty" yaml:"ref_id,omitempty"`
	ModelID  *string              `json:"model_id,omitempty" yaml:"model_id,omitempty"`
	Position *models.NodePosition `json:"position,omitempty" yaml:"position,omitempty"`
}

// EdgeSpec is one edge in a graph authoring request, referencing nodes by
// their local keys. Mode defaults to solid.
type EdgeSpec struct {
	From         string  `json:"from" yaml:"from"`
	To           string  `json:"to" yaml:"to"`
	Mode         string  `json:"mode,omitempty" yaml:"mode,omitempty"`
	ConditionKey *string `json:"condition_key,omitempty" yaml:"condition_key,omitempty"`
}

// CreateGraphRequest is a full-graph create: the flowchart plus all nodes
// and edges in one request. The YAML import surface decodes into the same
// shape.
type CreateGraphRequest struct {
	Name        string     `json:"name" yaml:"name"`
	Description string     `json:"description,omitempty" yaml:"description,omitempty"`
	Nodes       []NodeSpec `json:"nodes" yaml:"nodes"`
	Edges       []EdgeSpec `json:"edges" yaml:"edges"`
}

// FlowchartService owns the authoring surface: full-graph creates, YAML
// import, reads, and node config patches.
type FlowchartService struct {
	store     GraphStore
	validator *validation.ConfigPatchValidator
	log       *logger.Logger
}

// NewFlowchartService creates the authoring service.
func NewFlowchartService(store GraphStore, log *logger.Logger) *FlowchartService {
	return &FlowchartService{
		store:     store,
		validator: validation.NewConfigPatchValidator(),
		log:       log,
	}
}

// CreateGraph validates and persists a full graph. Every authoring
// invariant is checked before anything is written: exactly one start node,
// known node types, per-type config rules, edges resolving to declared
// nodes, and condition keys only on edges leaving decision nodes.
func (s *FlowchartService) CreateGraph(ctx context.Context, req *CreateGraphRequest) (*models.Graph, error) {
	if err := validateGraphRequest(req); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	fc := &models.Flowchart{
		ID:          uuid.New(),
		Name:        req.Name,
		Description: req.Description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	nodes := make([]*models.FlowchartNode, 0, len(req.Nodes))
	idsByKey := make(map[string]uuid.UUID, len(req.Nodes))
	for _, spec := range req.Nodes {
		node := &models.FlowchartNode{
			ID:          uuid.New(),
			FlowchartID: fc.ID,
			Type:        spec.Type,
			Name:        spec.Name,
			Config:      spec.Config,
			Position:    spec.Position,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if node.Config == nil {
			node.Config = map[string]any{}
		}
		if spec.RefID != nil {
			id, err := uuid.Parse(*spec.RefID)
			if err != nil {
				return nil, fmt.Errorf("%w: node %q ref_id is not a uuid", contracts.ErrValidation, spec.Key)
			}
			node.RefID = &id
		}
		if spec.ModelID != nil {
			id, err := uuid.Parse(*spec.ModelID)
			if err != nil {
				return nil, fmt.Errorf("%w: node %q model_id is not a uuid", contracts.ErrValidation, spec.Key)
			}
			node.ModelID = &id
		}
		nodes = append(nodes, node)
		idsByKey[spec.Key] = node.ID
	}

	edges := make([]*models.FlowchartEdge, 0, len(req.Edges))
	for _, spec := range req.Edges {
		mode := models.EdgeMode(spec.Mode)
		if spec.Mode == "" {
			mode = models.EdgeModeSolid
		}
		edges = append(edges, &models.FlowchartEdge{
			ID:           uuid.New(),
			FlowchartID:  fc.ID,
			SourceNodeID: idsByKey[spec.From],
			TargetNodeID: idsByKey[spec.To],
			EdgeMode:     mode,
			ConditionKey: spec.ConditionKey,
			CreatedAt:    now,
		})
	}

	if err := s.store.CreateGraph(ctx, fc, nodes, edges); err != nil {
		return nil, fmt.Errorf("failed to persist graph: %w", err)
	}

	s.log.Info("flowchart created",
		"flowchart_id", fc.ID.String(),
		"name", fc.Name,
		"nodes", len(nodes),
		"edges", len(edges))

	graph := &models.Graph{Flowchart: *fc}
	for _, node := range nodes {
		graph.Nodes = append(graph.Nodes, *node)
	}
	for _, edge := range edges {
		graph.Edges = append(graph.Edges, *edge)
	}
	return graph, nil
}

// ImportYAML decodes a YAML graph document and runs it through the same
// create path as the JSON surface.
func (s *FlowchartService) ImportYAML(ctx context.Context, raw []byte) (*models.Graph, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty import document", contracts.ErrValidation)
	}
	var req CreateGraphRequest
	if err := yaml.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("%w: invalid yaml: %v", contracts.ErrValidation, err)
	}
	return s.CreateGraph(ctx, &req)
}

// Get loads a flowchart with all nodes and edges.
func (s *FlowchartService) Get(ctx context.Context, flowchartID uuid.UUID) (*models.Graph, error) {
	return s.store.LoadGraph(ctx, flowchartID)
}

// PatchNodeConfig applies RFC 6902 operations to a node's config. The
// patched config is re-validated against the node type's authoring rules
// before the write; the write itself also touches the flowchart so cached
// compiled graphs drop out.
func (s *FlowchartService) PatchNodeConfig(ctx context.Context, flowchartID, nodeID uuid.UUID, operations []map[string]interface{}) (*models.FlowchartNode, error) {
	node, err := s.store.GetNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if node.FlowchartID != flowchartID {
		return nil, fmt.Errorf("node %s in flowchart %s: %w", nodeID, flowchartID, pgx.ErrNoRows)
	}

	if err := s.validator.ValidateOperations(operations); err != nil {
		return nil, fmt.Errorf("%w: %v", contracts.ErrValidation, err)
	}

	current, err := json.Marshal(node.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to encode current config: %w", err)
	}
	patched, err := s.validator.Apply(current, operations)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", contracts.ErrValidation, err)
	}

	var config map[string]any
	if err := json.Unmarshal(patched, &config); err != nil {
		return nil, fmt.Errorf("%w: patched config is not an object", contracts.ErrValidation)
	}
	if err := validation.ValidateNodeConfig(node.Type, config, nil); err != nil {
		return nil, fmt.Errorf("%w: %v", contracts.ErrValidation, err)
	}

	if err := s.store.UpdateNodeConfig(ctx, flowchartID, nodeID, config); err != nil {
		return nil, fmt.Errorf("failed to update node config: %w", err)
	}

	s.log.Info("node config patched",
		"flowchart_id", flowchartID.String(),
		"node_id", nodeID.String(),
		"operations", len(operations))

	node.Config = config
	return node, nil
}

// validateGraphRequest enforces the authoring invariants that must hold
// before any id is assigned.
func validateGraphRequest(req *CreateGraphRequest) error {
	if req.Name == "" {
		return fmt.Errorf("%w: flowchart name is required", contracts.ErrValidation)
	}
	if len(req.Nodes) == 0 {
		return fmt.Errorf("%w: flowchart needs at least one node", contracts.ErrValidation)
	}

	typesByKey := make(map[string]string, len(req.Nodes))
	startCount := 0
	for i, spec := range req.Nodes {
		if spec.Key == "" {
			return fmt.Errorf("%w: nodes[%d] needs a non-empty key", contracts.ErrValidation, i)
		}
		if _, dup := typesByKey[spec.Key]; dup {
			return fmt.Errorf("%w: duplicate node key %q", contracts.ErrValidation, spec.Key)
		}
		if !knownNodeTypes[spec.Type] {
			return fmt.Errorf("%w: node %q has unknown type %q", contracts.ErrValidation, spec.Key, spec.Type)
		}
		if spec.Name == "" {
			return fmt.Errorf("%w: node %q needs a name", contracts.ErrValidation, spec.Key)
		}
		if spec.Type == contracts.NodeTypeStart {
			startCount++
		}
		if err := validation.ValidateNodeConfig(spec.Type, spec.Config, nil); err != nil {
			return fmt.Errorf("%w: node %q: %v", contracts.ErrValidation, spec.Key, err)
		}
		typesByKey[spec.Key] = spec.Type
	}
	if startCount != 1 {
		return fmt.Errorf("%w: flowchart needs exactly one start node, found %d", contracts.ErrValidation, startCount)
	}

	for i, spec := range req.Edges {
		sourceType, ok := typesByKey[spec.From]
		if !ok {
			return fmt.Errorf("%w: edges[%d] references unknown node key %q", contracts.ErrValidation, i, spec.From)
		}
		if _, ok := typesByKey[spec.To]; !ok {
			return fmt.Errorf("%w: edges[%d] references unknown node key %q", contracts.ErrValidation, i, spec.To)
		}
		switch models.EdgeMode(spec.Mode) {
		case models.EdgeModeSolid, models.EdgeModeDotted, "":
		default:
			return fmt.Errorf("%w: edges[%d] has unknown mode %q", contracts.ErrValidation, i, spec.Mode)
		}
		if err := validation.ValidateEdgePolicy(sourceType, spec.ConditionKey); err != nil {
			return fmt.Errorf("%w: edges[%d]: %v", contracts.ErrValidation, i, err)
		}
	}
	return nil
}
