package contracts

import (
	"errors"
	"testing"
)

// TestValidateArtifactPayload_MissingRoutingState verifies every artifact
// type rejects a payload without routing_state.
func TestValidateArtifactPayload_MissingRoutingState(t *testing.T) {
	payload := map[string]any{
		"node_type":      "memory",
		"action":         "add",
		"action_results": []any{},
	}
	err := ValidateArtifactPayload(NodeTypeMemory, payload)
	if err == nil {
		t.Fatalf("Expected error for payload without routing_state")
	}
	if !errors.Is(err, ErrContractViolation) {
		t.Errorf("Expected ErrContractViolation, got %v", err)
	}
}

// TestValidateArtifactPayload_Memory verifies a memory payload with action
// and action_results is accepted.
func TestValidateArtifactPayload_Memory(t *testing.T) {
	payload := map[string]any{
		"node_type":      "memory",
		"action":         "add",
		"action_results": []any{map[string]any{"stored": true}},
		"routing_state":  map[string]any{},
	}
	if err := ValidateArtifactPayload(NodeTypeMemory, payload); err != nil {
		t.Errorf("Expected memory payload to validate, got %v", err)
	}
}

// TestValidateArtifactPayload_DecisionEmptyConnector verifies empty-string
// entries in matched_connector_ids are rejected.
func TestValidateArtifactPayload_DecisionEmptyConnector(t *testing.T) {
	payload := map[string]any{
		"node_type":             "decision",
		"matched_connector_ids": []string{"e1", ""},
		"evaluations":           []any{},
		"no_match":              false,
		"routing_state":         map[string]any{},
	}
	if err := ValidateArtifactPayload(NodeTypeDecision, payload); err == nil {
		t.Errorf("Expected error for empty connector id in decision payload")
	}

	payload["matched_connector_ids"] = []string{"e1"}
	if err := ValidateArtifactPayload(NodeTypeDecision, payload); err != nil {
		t.Errorf("Expected decision payload to validate, got %v", err)
	}
}

// TestValidateArtifactPayload_RoutingStateChecked verifies the embedded
// routing_state object is validated against the routing contract.
func TestValidateArtifactPayload_RoutingStateChecked(t *testing.T) {
	payload := map[string]any{
		"node_type":     "end",
		"routing_state": map[string]any{"route_key": ""},
	}
	if err := ValidateArtifactPayload(NodeTypeEnd, payload); err == nil {
		t.Errorf("Expected error for empty route_key inside routing_state")
	}

	payload["routing_state"] = map[string]any{"terminate_run": true}
	if err := ValidateArtifactPayload(NodeTypeEnd, payload); err != nil {
		t.Errorf("Expected end payload to validate, got %v", err)
	}
}

// TestValidateArtifactPayload_TypedRoutingState verifies payloads built with
// the typed RoutingOutput still validate after the JSON round trip.
func TestValidateArtifactPayload_TypedRoutingState(t *testing.T) {
	routing := &RoutingOutput{RouteKey: "approved", MatchedConnectorIDs: []string{"e1"}}
	payload := map[string]any{
		"node_type":     "task",
		"output_state":  map[string]any{"answer": 42},
		"routing_state": routing.Map(),
	}
	if err := ValidateArtifactPayload(NodeTypeTask, payload); err != nil {
		t.Errorf("Expected task payload to validate, got %v", err)
	}
}

// TestValidateArtifactPayload_UnknownType verifies unknown artifact types
// are rejected up front.
func TestValidateArtifactPayload_UnknownType(t *testing.T) {
	if err := ValidateArtifactPayload("webhook", map[string]any{}); err == nil {
		t.Errorf("Expected error for unknown artifact type")
	}
}

// TestValidateArtifactPayload_Plan verifies the plan payload requirements.
func TestValidateArtifactPayload_Plan(t *testing.T) {
	payload := map[string]any{
		"node_type":      "plan",
		"mode":           "create_or_update_plan",
		"store_mode":     "replace",
		"action_results": []any{},
		"routing_state":  map[string]any{},
	}
	if err := ValidateArtifactPayload(NodeTypePlan, payload); err != nil {
		t.Errorf("Expected plan payload to validate, got %v", err)
	}

	delete(payload, "store_mode")
	if err := ValidateArtifactPayload(NodeTypePlan, payload); err == nil {
		t.Errorf("Expected error for plan payload without store_mode")
	}
}
