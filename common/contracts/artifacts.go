package contracts

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Artifact payload contracts. One JSON schema per artifact type, compiled at
// package init. Every payload must carry node_type and a routing_state
// object; the per-type requirements below pin the rest.

type artifactRequirement struct {
	required   []string
	properties map[string]any
}

var artifactRequirements = map[string]artifactRequirement{
	NodeTypeStart: {
		required: []string{"input_context", "output_state"},
		properties: map[string]any{
			"input_context": map[string]any{"type": "object"},
			"output_state":  map[string]any{"type": "object"},
		},
	},
	NodeTypeTask: {
		required: []string{"output_state"},
		properties: map[string]any{
			"output_state": map[string]any{"type": "object"},
		},
	},
	NodeTypeDecision: {
		required: []string{"matched_connector_ids", "evaluations", "no_match"},
		properties: map[string]any{
			"matched_connector_ids": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string", "minLength": 1},
			},
			"evaluations": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "object"},
			},
			"no_match": map[string]any{"type": "boolean"},
		},
	},
	NodeTypeMemory: {
		required: []string{"action", "action_results"},
		properties: map[string]any{
			"action":         map[string]any{"type": "string", "minLength": 1},
			"action_results": map[string]any{"type": "array"},
		},
	},
	NodeTypeMilestone: {
		required: []string{"action", "action_results"},
		properties: map[string]any{
			"action":         map[string]any{"type": "string", "minLength": 1},
			"action_results": map[string]any{"type": "array"},
		},
	},
	NodeTypePlan: {
		required: []string{"mode", "store_mode", "action_results"},
		properties: map[string]any{
			"mode":           map[string]any{"type": "string", "minLength": 1},
			"store_mode":     map[string]any{"type": "string", "minLength": 1},
			"action_results": map[string]any{"type": "array"},
		},
	},
	NodeTypeRAG: {
		required: []string{"mode"},
		properties: map[string]any{
			"mode": map[string]any{"type": "string", "minLength": 1},
		},
	},
	NodeTypeEnd: {},
	NodeTypeFlowchart: {
		required: []string{"child_run_id"},
		properties: map[string]any{
			"child_run_id": map[string]any{"type": "string", "minLength": 1},
		},
	},
}

var artifactSchemas = func() map[string]*jsonschema.Schema {
	schemas := make(map[string]*jsonschema.Schema, len(artifactRequirements))
	for artifactType, req := range artifactRequirements {
		raw, err := json.Marshal(buildArtifactSchema(req))
		if err != nil {
			panic(fmt.Sprintf("marshal %s artifact schema: %v", artifactType, err))
		}
		schemas[artifactType] = jsonschema.MustCompileString("artifact_"+artifactType+".json", string(raw))
	}
	return schemas
}()

func buildArtifactSchema(req artifactRequirement) map[string]any {
	properties := map[string]any{
		"node_type":     map[string]any{"type": "string", "minLength": 1},
		"routing_state": routingStateSchema(),
	}
	for key, prop := range req.properties {
		properties[key] = prop
	}
	required := append([]string{"node_type", "routing_state"}, req.required...)
	return map[string]any{
		"type":       "object",
		"required":   required,
		"properties": properties,
	}
}

func routingStateSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"route_key":     map[string]any{"type": "string", "minLength": 1},
			"terminate_run": map[string]any{"type": "boolean"},
			"matched_connector_ids": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string", "minLength": 1},
			},
			"evaluations": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "object"},
			},
			"no_match":        map[string]any{"type": "boolean"},
			"fallback_used":   map[string]any{"type": "boolean"},
			"fallback_reason": map[string]any{"type": "string"},
		},
	}
}

// ValidateArtifactPayload validates payload against the schema for its
// artifact type. The payload round-trips through JSON so the schema sees
// plain decoded values regardless of how the handler built it.
func ValidateArtifactPayload(artifactType string, payload map[string]any) error {
	schema, ok := artifactSchemas[artifactType]
	if !ok {
		return fmt.Errorf("%w: unknown artifact type %q", ErrContractViolation, artifactType)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: artifact payload not serializable: %v", ErrContractViolation, err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("%w: artifact payload not decodable: %v", ErrContractViolation, err)
	}

	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %s artifact: %v", ErrContractViolation, artifactType, err)
	}

	// Structural checks the schema cannot express.
	if obj, ok := doc.(map[string]any); ok {
		if rs, ok := obj["routing_state"].(map[string]any); ok {
			return ValidateRoutingState(rs)
		}
	}
	return nil
}
