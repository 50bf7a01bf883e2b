package service

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmctl/llmctl/common/contracts"
	"github.com/llmctl/llmctl/common/logger"
	"github.com/llmctl/llmctl/common/models"
)

// memGraphStore is an in-memory GraphStore for authoring tests.
type memGraphStore struct {
	mu      sync.Mutex
	graphs  map[uuid.UUID]*models.Graph
	nodes   map[uuid.UUID]*models.FlowchartNode
	touched []uuid.UUID
}

func newMemGraphStore() *memGraphStore {
	return &memGraphStore{
		graphs: make(map[uuid.UUID]*models.Graph),
		nodes:  make(map[uuid.UUID]*models.FlowchartNode),
	}
}

func (s *memGraphStore) CreateGraph(_ context.Context, fc *models.Flowchart, nodes []*models.FlowchartNode, edges []*models.FlowchartEdge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	graph := &models.Graph{Flowchart: *fc}
	for _, node := range nodes {
		graph.Nodes = append(graph.Nodes, *node)
		copied := *node
		s.nodes[node.ID] = &copied
	}
	for _, edge := range edges {
		graph.Edges = append(graph.Edges, *edge)
	}
	s.graphs[fc.ID] = graph
	return nil
}

func (s *memGraphStore) LoadGraph(_ context.Context, flowchartID uuid.UUID) (*models.Graph, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	graph, ok := s.graphs[flowchartID]
	if !ok {
		return nil, fmt.Errorf("flowchart %s: %w", flowchartID, pgx.ErrNoRows)
	}
	return graph, nil
}

func (s *memGraphStore) GetNode(_ context.Context, nodeID uuid.UUID) (*models.FlowchartNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	node, ok := s.nodes[nodeID]
	if !ok {
		return nil, fmt.Errorf("flowchart node %s: %w", nodeID, pgx.ErrNoRows)
	}
	copied := *node
	return &copied, nil
}

func (s *memGraphStore) UpdateNodeConfig(_ context.Context, flowchartID, nodeID uuid.UUID, config map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	node, ok := s.nodes[nodeID]
	if !ok {
		return fmt.Errorf("flowchart node %s: %w", nodeID, pgx.ErrNoRows)
	}
	node.Config = config
	s.touched = append(s.touched, flowchartID)
	return nil
}

func (s *memGraphStore) addNode(flowchartID uuid.UUID, nodeType string, config map[string]any) uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	node := &models.FlowchartNode{
		ID:          uuid.New(),
		FlowchartID: flowchartID,
		Type:        nodeType,
		Name:        nodeType,
		Config:      config,
	}
	s.nodes[node.ID] = node
	return node.ID
}

func newAuthoringFixture() (*FlowchartService, *memGraphStore) {
	store := newMemGraphStore()
	return NewFlowchartService(store, logger.New("error", "json")), store
}

func linearGraphRequest() *CreateGraphRequest {
	return &CreateGraphRequest{
		Name: "deploy pipeline",
		Nodes: []NodeSpec{
			{Key: "begin", Type: contracts.NodeTypeStart, Name: "Begin"},
			{Key: "work", Type: contracts.NodeTypeTask, Name: "Do the work"},
			{Key: "done", Type: contracts.NodeTypeEnd, Name: "Done"},
		},
		Edges: []EdgeSpec{
			{From: "begin", To: "work"},
			{From: "work", To: "done"},
		},
	}
}

func TestCreateGraphPersistsNodesAndEdges(t *testing.T) {
	svc, store := newAuthoringFixture()

	graph, err := svc.CreateGraph(context.Background(), linearGraphRequest())
	require.NoError(t, err)
	require.Len(t, graph.Nodes, 3)
	require.Len(t, graph.Edges, 2)
	assert.Equal(t, "deploy pipeline", graph.Flowchart.Name)

	// Edge endpoints resolve to the assigned node ids.
	idsByName := map[string]uuid.UUID{}
	for _, node := range graph.Nodes {
		assert.Equal(t, graph.Flowchart.ID, node.FlowchartID)
		idsByName[node.Name] = node.ID
	}
	assert.Equal(t, idsByName["Begin"], graph.Edges[0].SourceNodeID)
	assert.Equal(t, idsByName["Do the work"], graph.Edges[0].TargetNodeID)

	// Unspecified edge mode defaults to solid.
	for _, edge := range graph.Edges {
		assert.Equal(t, models.EdgeModeSolid, edge.EdgeMode)
	}

	stored, err := store.LoadGraph(context.Background(), graph.Flowchart.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Nodes, 3)
}

func TestCreateGraphRequiresName(t *testing.T) {
	svc, _ := newAuthoringFixture()
	req := linearGraphRequest()
	req.Name = ""

	_, err := svc.CreateGraph(context.Background(), req)
	require.Error(t, err)
	assert.ErrorIs(t, err, contracts.ErrValidation)
}

func TestCreateGraphRequiresExactlyOneStart(t *testing.T) {
	svc, _ := newAuthoringFixture()

	noStart := linearGraphRequest()
	noStart.Nodes[0].Type = contracts.NodeTypeTask
	_, err := svc.CreateGraph(context.Background(), noStart)
	require.Error(t, err)
	assert.ErrorIs(t, err, contracts.ErrValidation)

	twoStarts := linearGraphRequest()
	twoStarts.Nodes[1].Type = contracts.NodeTypeStart
	_, err = svc.CreateGraph(context.Background(), twoStarts)
	require.Error(t, err)
	assert.ErrorIs(t, err, contracts.ErrValidation)
}

func TestCreateGraphRejectsUnknownNodeType(t *testing.T) {
	svc, _ := newAuthoringFixture()
	req := linearGraphRequest()
	req.Nodes[1].Type = "teleport"

	_, err := svc.CreateGraph(context.Background(), req)
	require.Error(t, err)
	assert.ErrorIs(t, err, contracts.ErrValidation)
	assert.Contains(t, err.Error(), "teleport")
}

func TestCreateGraphRejectsDuplicateNodeKeys(t *testing.T) {
	svc, _ := newAuthoringFixture()
	req := linearGraphRequest()
	req.Nodes[2].Key = "work"

	_, err := svc.CreateGraph(context.Background(), req)
	require.Error(t, err)
	assert.ErrorIs(t, err, contracts.ErrValidation)
}

func TestCreateGraphRejectsUnknownEdgeEndpoint(t *testing.T) {
	svc, _ := newAuthoringFixture()
	req := linearGraphRequest()
	req.Edges[1].To = "nowhere"

	_, err := svc.CreateGraph(context.Background(), req)
	require.Error(t, err)
	assert.ErrorIs(t, err, contracts.ErrValidation)
	assert.Contains(t, err.Error(), "nowhere")
}

func TestCreateGraphConditionKeysOnlyOnDecisionEdges(t *testing.T) {
	svc, _ := newAuthoringFixture()

	req := &CreateGraphRequest{
		Name: "routed",
		Nodes: []NodeSpec{
			{Key: "begin", Type: contracts.NodeTypeStart, Name: "Begin"},
			{Key: "route", Type: contracts.NodeTypeDecision, Name: "Route",
				Config: map[string]any{"route_field_path": "result.route"}},
			{Key: "yes", Type: contracts.NodeTypeEnd, Name: "Yes"},
			{Key: "no", Type: contracts.NodeTypeEnd, Name: "No"},
		},
		Edges: []EdgeSpec{
			{From: "begin", To: "route"},
			{From: "route", To: "yes", ConditionKey: contracts.Ptr("approve")},
			{From: "route", To: "no", ConditionKey: contracts.Ptr("reject")},
		},
	}
	graph, err := svc.CreateGraph(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, graph.Edges, 3)

	// The same key on an edge leaving a non-decision node is rejected.
	bad := linearGraphRequest()
	bad.Edges[1].ConditionKey = contracts.Ptr("approve")
	_, err = svc.CreateGraph(context.Background(), bad)
	require.Error(t, err)
	assert.ErrorIs(t, err, contracts.ErrValidation)
}

func TestCreateGraphValidatesNodeConfig(t *testing.T) {
	svc, _ := newAuthoringFixture()
	req := linearGraphRequest()
	req.Nodes[1].Type = contracts.NodeTypeDecision // no conditions configured

	_, err := svc.CreateGraph(context.Background(), req)
	require.Error(t, err)
	assert.ErrorIs(t, err, contracts.ErrValidation)
}

func TestCreateGraphRejectsMalformedRefID(t *testing.T) {
	svc, _ := newAuthoringFixture()
	req := linearGraphRequest()
	req.Nodes[1].RefID = contracts.Ptr("not-a-uuid")

	_, err := svc.CreateGraph(context.Background(), req)
	require.Error(t, err)
	assert.ErrorIs(t, err, contracts.ErrValidation)
}

func TestImportYAML(t *testing.T) {
	svc, store := newAuthoringFixture()

	doc := []byte(`
name: imported pipeline
nodes:
  - key: begin
    type: start
    name: Begin
  - key: ask
    type: task
    name: Ask the agent
    config:
      prompt: summarize the report
  - key: done
    type: end
    name: Done
edges:
  - from: begin
    to: ask
  - from: ask
    to: done
    mode: solid
`)

	graph, err := svc.ImportYAML(context.Background(), doc)
	require.NoError(t, err)
	assert.Equal(t, "imported pipeline", graph.Flowchart.Name)
	require.Len(t, graph.Nodes, 3)
	assert.Equal(t, "summarize the report", graph.Nodes[1].Config["prompt"])

	_, err = store.LoadGraph(context.Background(), graph.Flowchart.ID)
	require.NoError(t, err)
}

func TestImportYAMLRejectsBadDocuments(t *testing.T) {
	svc, _ := newAuthoringFixture()

	_, err := svc.ImportYAML(context.Background(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, contracts.ErrValidation)

	_, err = svc.ImportYAML(context.Background(), []byte("nodes: [unclosed"))
	require.Error(t, err)
	assert.ErrorIs(t, err, contracts.ErrValidation)
}

func TestPatchNodeConfigAppliesOperations(t *testing.T) {
	svc, store := newAuthoringFixture()
	flowchartID := uuid.New()
	nodeID := store.addNode(flowchartID, contracts.NodeTypeTask, map[string]any{"prompt": "old"})

	node, err := svc.PatchNodeConfig(context.Background(), flowchartID, nodeID, []map[string]interface{}{
		{"op": "replace", "path": "/prompt", "value": "new"},
		{"op": "add", "path": "/timeout_seconds", "value": 30},
	})
	require.NoError(t, err)
	assert.Equal(t, "new", node.Config["prompt"])
	assert.EqualValues(t, 30, node.Config["timeout_seconds"])

	// The write touches the flowchart so cached compiled graphs drop out.
	require.Len(t, store.touched, 1)
	assert.Equal(t, flowchartID, store.touched[0])

	stored, err := store.GetNode(context.Background(), nodeID)
	require.NoError(t, err)
	assert.Equal(t, "new", stored.Config["prompt"])
}

func TestPatchNodeConfigRevalidatesNodeType(t *testing.T) {
	svc, store := newAuthoringFixture()
	flowchartID := uuid.New()
	nodeID := store.addNode(flowchartID, contracts.NodeTypeDecision,
		map[string]any{"route_field_path": "result.route"})

	// Removing the routing path leaves the decision node unroutable.
	_, err := svc.PatchNodeConfig(context.Background(), flowchartID, nodeID, []map[string]interface{}{
		{"op": "remove", "path": "/route_field_path"},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, contracts.ErrValidation)

	// Nothing was written.
	assert.Empty(t, store.touched)
	stored, _ := store.GetNode(context.Background(), nodeID)
	assert.Equal(t, "result.route", stored.Config["route_field_path"])
}

func TestPatchNodeConfigRejectsForeignNode(t *testing.T) {
	svc, store := newAuthoringFixture()
	nodeID := store.addNode(uuid.New(), contracts.NodeTypeTask, nil)

	_, err := svc.PatchNodeConfig(context.Background(), uuid.New(), nodeID, []map[string]interface{}{
		{"op": "add", "path": "/prompt", "value": "x"},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, pgx.ErrNoRows)
}

func TestPatchNodeConfigRejectsMalformedOperations(t *testing.T) {
	svc, store := newAuthoringFixture()
	flowchartID := uuid.New()
	nodeID := store.addNode(flowchartID, contracts.NodeTypeTask, nil)

	_, err := svc.PatchNodeConfig(context.Background(), flowchartID, nodeID, []map[string]interface{}{
		{"op": "replace", "value": "no path"},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, contracts.ErrValidation)

	_, err = svc.PatchNodeConfig(context.Background(), flowchartID, nodeID, []map[string]interface{}{
		{"op": "move", "path": "/a", "from": "/b"},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, contracts.ErrValidation)
}
