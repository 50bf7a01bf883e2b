package contracts

import (
	"errors"
	"testing"
)

// TestValidateNodeOutput_TypeMatch verifies node_type presence and the
// expected-type comparison.
func TestValidateNodeOutput_TypeMatch(t *testing.T) {
	output := map[string]any{"node_type": "task", "result": "ok"}

	if err := ValidateNodeOutput(output, "task"); err != nil {
		t.Errorf("Expected task output to validate, got %v", err)
	}
	if err := ValidateNodeOutput(output, ""); err != nil {
		t.Errorf("Expected output to validate without expected type, got %v", err)
	}
	if err := ValidateNodeOutput(output, "decision"); err == nil {
		t.Errorf("Expected mismatch error for expected type 'decision'")
	}
}

// TestValidateNodeOutput_MissingType verifies missing or empty node_type is
// a contract violation.
func TestValidateNodeOutput_MissingType(t *testing.T) {
	err := ValidateNodeOutput(map[string]any{"result": "ok"}, "")
	if err == nil {
		t.Fatalf("Expected error for missing node_type")
	}
	if !errors.Is(err, ErrContractViolation) {
		t.Errorf("Expected ErrContractViolation, got %v", err)
	}

	if err := ValidateNodeOutput(map[string]any{"node_type": ""}, ""); err == nil {
		t.Errorf("Expected error for empty node_type")
	}
	if err := ValidateNodeOutput(map[string]any{"node_type": 7}, ""); err == nil {
		t.Errorf("Expected error for non-string node_type")
	}
}

// TestValidateRoutingState verifies route_key, no_match, and connector id
// checks on a routing_state object.
func TestValidateRoutingState(t *testing.T) {
	ok := map[string]any{
		"route_key":             "approved",
		"matched_connector_ids": []any{"e1", "e2"},
		"no_match":              false,
	}
	if err := ValidateRoutingState(ok); err != nil {
		t.Errorf("Expected routing state to validate, got %v", err)
	}

	if err := ValidateRoutingState(map[string]any{"route_key": ""}); err == nil {
		t.Errorf("Expected error for empty route_key")
	}
	if err := ValidateRoutingState(map[string]any{"no_match": "yes"}); err == nil {
		t.Errorf("Expected error for non-boolean no_match")
	}
	if err := ValidateRoutingState(map[string]any{"matched_connector_ids": []any{"e1", ""}}); err == nil {
		t.Errorf("Expected error for empty connector id entry")
	}
	if err := ValidateRoutingState(map[string]any{"matched_connector_ids": "e1"}); err == nil {
		t.Errorf("Expected error for non-array matched_connector_ids")
	}
}

// TestValidateSpecialNodeOutput_Decision verifies the decision extension
// requirements.
func TestValidateSpecialNodeOutput_Decision(t *testing.T) {
	valid := map[string]any{
		"node_type":             "decision",
		"matched_connector_ids": []string{"e1"},
		"evaluations": []map[string]any{
			{"connector_id": "e1", "condition_text": "x > 1", "matched": true},
		},
		"no_match": false,
	}
	if err := ValidateSpecialNodeOutput(NodeTypeDecision, valid); err != nil {
		t.Errorf("Expected decision output to validate, got %v", err)
	}

	emptyEntry := map[string]any{
		"node_type":             "decision",
		"matched_connector_ids": []string{"e1", ""},
		"evaluations":           []map[string]any{},
		"no_match":              false,
	}
	if err := ValidateSpecialNodeOutput(NodeTypeDecision, emptyEntry); err == nil {
		t.Errorf("Expected error for empty-string connector id")
	}

	badNoMatch := map[string]any{
		"node_type":             "decision",
		"matched_connector_ids": []string{},
		"evaluations":           []map[string]any{},
		"no_match":              "true",
	}
	if err := ValidateSpecialNodeOutput(NodeTypeDecision, badNoMatch); err == nil {
		t.Errorf("Expected error for non-boolean no_match")
	}

	missing := map[string]any{"node_type": "decision", "no_match": true}
	if err := ValidateSpecialNodeOutput(NodeTypeDecision, missing); err == nil {
		t.Errorf("Expected error for missing matched_connector_ids")
	}
}

// TestValidateSpecialNodeOutput_MemoryMilestonePlan verifies the action and
// mode requirements for the remaining special nodes.
func TestValidateSpecialNodeOutput_MemoryMilestonePlan(t *testing.T) {
	memory := map[string]any{
		"node_type":      "memory",
		"action":         "add",
		"action_results": []any{map[string]any{"stored": true}},
	}
	if err := ValidateSpecialNodeOutput(NodeTypeMemory, memory); err != nil {
		t.Errorf("Expected memory output to validate, got %v", err)
	}

	milestone := map[string]any{
		"node_type":      "milestone",
		"action":         "create_or_update",
		"action_results": []any{},
	}
	if err := ValidateSpecialNodeOutput(NodeTypeMilestone, milestone); err != nil {
		t.Errorf("Expected milestone output to validate, got %v", err)
	}

	noAction := map[string]any{"node_type": "memory", "action_results": []any{}}
	if err := ValidateSpecialNodeOutput(NodeTypeMemory, noAction); err == nil {
		t.Errorf("Expected error for memory output without action")
	}

	plan := map[string]any{
		"node_type":      "plan",
		"mode":           "create_or_update_plan",
		"store_mode":     "replace",
		"action_results": []any{},
	}
	if err := ValidateSpecialNodeOutput(NodeTypePlan, plan); err != nil {
		t.Errorf("Expected plan output to validate, got %v", err)
	}

	planNoStore := map[string]any{
		"node_type":      "plan",
		"mode":           "create_or_update_plan",
		"action_results": []any{},
	}
	if err := ValidateSpecialNodeOutput(NodeTypePlan, planNoStore); err == nil {
		t.Errorf("Expected error for plan output without store_mode")
	}
}

// TestRoutingOutputMap verifies zero-valued fields drop out of the wire map.
func TestRoutingOutputMap(t *testing.T) {
	empty := (&RoutingOutput{}).Map()
	if len(empty) != 0 {
		t.Errorf("Expected empty map for zero routing output, got %v", empty)
	}

	full := (&RoutingOutput{
		RouteKey:            "approved",
		TerminateRun:        true,
		MatchedConnectorIDs: []string{"e1"},
		NoMatch:             false,
	}).Map()
	if full["route_key"] != "approved" {
		t.Errorf("Expected route_key 'approved', got %v", full["route_key"])
	}
	if full["terminate_run"] != true {
		t.Errorf("Expected terminate_run true, got %v", full["terminate_run"])
	}
	if _, present := full["no_match"]; present {
		t.Errorf("Expected no_match to be omitted when false")
	}
}
