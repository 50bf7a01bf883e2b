package contracts

import (
	"encoding/json"
	"testing"
)

// TestRunMetadataWireShape verifies the JSON form carries exactly the eleven
// contract keys with nulls for absent optional fields.
func TestRunMetadataWireShape(t *testing.T) {
	meta := NewRunMetadata(ProviderWorkspace, "ws-main")

	raw, err := json.Marshal(meta)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var wire map[string]any
	if err := json.Unmarshal(raw, &wire); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	expectedKeys := []string{
		"selected_provider", "final_provider", "provider_dispatch_id",
		"workspace_identity", "dispatch_status", "fallback_attempted",
		"fallback_reason", "dispatch_uncertain", "api_failure_category",
		"cli_fallback_used", "cli_preflight_passed",
	}
	if len(wire) != len(expectedKeys) {
		t.Errorf("Expected %d keys on the wire, got %d: %v", len(expectedKeys), len(wire), wire)
	}
	for _, key := range expectedKeys {
		if _, present := wire[key]; !present {
			t.Errorf("Expected key %q on the wire", key)
		}
	}

	// Optional fields render as null, never omitted.
	for _, key := range []string{"provider_dispatch_id", "fallback_reason", "api_failure_category", "cli_preflight_passed"} {
		if wire[key] != nil {
			t.Errorf("Expected %q to be null, got %v", key, wire[key])
		}
	}

	if wire["selected_provider"] != "workspace" || wire["final_provider"] != "workspace" {
		t.Errorf("Expected provider fields to be 'workspace', got %v / %v", wire["selected_provider"], wire["final_provider"])
	}
	if wire["dispatch_status"] != DispatchPending {
		t.Errorf("Expected dispatch_status %q, got %v", DispatchPending, wire["dispatch_status"])
	}
}

// TestRunMetadataMap verifies Map mirrors the wire shape.
func TestRunMetadataMap(t *testing.T) {
	meta := NewRunMetadata(ProviderKubernetes, "ws-main")
	meta.ProviderDispatchID = Ptr("kubernetes:job-abc")
	meta.DispatchStatus = DispatchConfirmed

	m := meta.Map()
	if len(m) != 11 {
		t.Errorf("Expected 11 keys, got %d", len(m))
	}
	if m["provider_dispatch_id"] != "kubernetes:job-abc" {
		t.Errorf("Expected dispatch id to surface, got %v", m["provider_dispatch_id"])
	}
	if m["fallback_reason"] != nil {
		t.Errorf("Expected nil fallback_reason, got %v", m["fallback_reason"])
	}
}

// TestIdempotencyKeyBuilders verifies the deterministic key formats.
func TestIdempotencyKeyBuilders(t *testing.T) {
	nodeRun := NodeRunKey("r1", "n1", 3)
	if nodeRun != "flowchart_run:r1:flowchart_node:n1:execution:3" {
		t.Errorf("Unexpected node run key: %s", nodeRun)
	}

	artifact := ArtifactKey("r1", "nr1", "decision")
	if artifact != "flowchart_run:r1:node_run:nr1:artifact:decision" {
		t.Errorf("Unexpected artifact key: %s", artifact)
	}

	dispatch := DispatchKey("workspace", "workspace-e1")
	if dispatch != "workspace:workspace-e1" {
		t.Errorf("Unexpected dispatch key: %s", dispatch)
	}
}
