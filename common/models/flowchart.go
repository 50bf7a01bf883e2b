package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Flowchart is a user-authored directed graph. Mutable through the
// authoring API, immutable while a run executes against it.
// Maps to: flowcharts table
type Flowchart struct {
	ID          uuid.UUID `db:"id" json:"id"`
	Name        string    `db:"name" json:"name"`
	Description string    `db:"description" json:"description,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// NodePosition is the authoring-surface canvas position.
type NodePosition struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// FlowchartNode is a typed vertex of a flowchart.
// Maps to: flowchart_nodes table
type FlowchartNode struct {
	ID          uuid.UUID      `db:"id" json:"id"`
	FlowchartID uuid.UUID      `db:"flowchart_id" json:"flowchart_id"`
	Type        string         `db:"node_type" json:"node_type"`
	Name        string         `db:"name" json:"name"`
	Config      map[string]any `db:"config" json:"config"`
	RefID       *uuid.UUID     `db:"ref_id" json:"ref_id,omitempty"`
	ModelID     *uuid.UUID     `db:"model_id" json:"model_id,omitempty"`
	Position    *NodePosition  `db:"position" json:"position,omitempty"`
	CreatedAt   time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at" json:"updated_at"`
}

// EdgeMode distinguishes state-carrying edges from context-only edges.
type EdgeMode string

const (
	// EdgeModeSolid edges carry forward state to the target node.
	EdgeModeSolid EdgeMode = "solid"
	// EdgeModeDotted edges carry context only; they never advance the run.
	EdgeModeDotted EdgeMode = "dotted"
)

// ConditionKeyFallback marks a decision edge that advances when no decision
// condition matched. Without one, an unmatched decision ends its branch.
const ConditionKeyFallback = "fallback"

// FlowchartEdge is a directed edge between two nodes. ConditionKey is only
// allowed when the source is a decision node.
// Maps to: flowchart_edges table
type FlowchartEdge struct {
	ID           uuid.UUID `db:"id" json:"id"`
	FlowchartID  uuid.UUID `db:"flowchart_id" json:"flowchart_id"`
	SourceNodeID uuid.UUID `db:"source_node_id" json:"source_node_id"`
	TargetNodeID uuid.UUID `db:"target_node_id" json:"target_node_id"`
	EdgeMode     EdgeMode  `db:"edge_mode" json:"edge_mode"`
	ConditionKey *string   `db:"condition_key" json:"condition_key,omitempty"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// DecisionCondition is one entry of a decision node's decision_conditions.
type DecisionCondition struct {
	ConnectorID   string `json:"connector_id"`
	ConditionText string `json:"condition_text"`
	RouteKey      string `json:"route_key,omitempty"`
}

// DecisionConditions parses decision_conditions from the node config.
// Returns nil when absent or not a list.
func (n *FlowchartNode) DecisionConditions() []DecisionCondition {
	raw, present := n.Config["decision_conditions"]
	if !present {
		return nil
	}
	// Round-trip through JSON: the config is decoded JSON, so entries are
	// maps, not typed structs.
	data, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var conditions []DecisionCondition
	if err := json.Unmarshal(data, &conditions); err != nil {
		return nil
	}
	return conditions
}

// ConfigString returns a string-valued config key.
func (n *FlowchartNode) ConfigString(key string) string {
	if raw, present := n.Config[key]; present {
		if s, ok := raw.(string); ok {
			return s
		}
	}
	return ""
}

// ConfigStrings returns a string-list-valued config key.
func (n *FlowchartNode) ConfigStrings(key string) []string {
	raw, present := n.Config[key]
	if !present {
		return nil
	}
	switch list := raw.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, entry := range list {
			if s, ok := entry.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// ConfigBool returns a bool-valued config key with a default.
func (n *FlowchartNode) ConfigBool(key string, def bool) bool {
	if raw, present := n.Config[key]; present {
		if b, ok := raw.(bool); ok {
			return b
		}
	}
	return def
}

// ConfigInt returns an int-valued config key with a default. JSON numbers
// decode as float64, so both forms are accepted.
func (n *FlowchartNode) ConfigInt(key string, def int) int {
	if raw, present := n.Config[key]; present {
		switch v := raw.(type) {
		case int:
			return v
		case float64:
			return int(v)
		}
	}
	return def
}

// RouteFieldPath returns the legacy decision routing path, if configured.
func (n *FlowchartNode) RouteFieldPath() string {
	return n.ConfigString("route_field_path")
}

// Action returns the configured action for memory/milestone/plan nodes.
func (n *FlowchartNode) Action() string {
	return n.ConfigString("action")
}

// Graph bundles a flowchart with its nodes and edges as loaded for a run.
type Graph struct {
	Flowchart Flowchart       `json:"flowchart"`
	Nodes     []FlowchartNode `json:"nodes"`
	Edges     []FlowchartEdge `json:"edges"`
}

// NodeByID returns the node with the given id, or nil.
func (g *Graph) NodeByID(id uuid.UUID) *FlowchartNode {
	for i := range g.Nodes {
		if g.Nodes[i].ID == id {
			return &g.Nodes[i]
		}
	}
	return nil
}

// StartNodes returns all nodes of type start.
func (g *Graph) StartNodes() []*FlowchartNode {
	var starts []*FlowchartNode
	for i := range g.Nodes {
		if g.Nodes[i].Type == "start" {
			starts = append(starts, &g.Nodes[i])
		}
	}
	return starts
}

// OutgoingEdges returns edges whose source is the given node.
func (g *Graph) OutgoingEdges(nodeID uuid.UUID) []FlowchartEdge {
	var out []FlowchartEdge
	for _, edge := range g.Edges {
		if edge.SourceNodeID == nodeID {
			out = append(out, edge)
		}
	}
	return out
}

// IncomingEdges returns edges whose target is the given node.
func (g *Graph) IncomingEdges(nodeID uuid.UUID) []FlowchartEdge {
	var in []FlowchartEdge
	for _, edge := range g.Edges {
		if edge.TargetNodeID == nodeID {
			in = append(in, edge)
		}
	}
	return in
}
