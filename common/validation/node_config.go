package validation

import (
	"fmt"

	"github.com/llmctl/llmctl/common/contracts"
)

// RAG node modes.
const (
	RAGModeQuery      = "query"
	RAGModeFreshIndex = "fresh_index"
	RAGModeDeltaIndex = "delta_index"
)

// ValidateNodeConfig enforces authoring-time config invariants per node
// type. embeddingCapable reports whether a model provider can embed; nil
// skips the capability check but still requires the provider to be named.
func ValidateNodeConfig(nodeType string, config map[string]any, embeddingCapable func(string) bool) error {
	switch nodeType {
	case contracts.NodeTypeDecision:
		return validateDecisionConfig(config)
	case contracts.NodeTypeMemory, contracts.NodeTypeMilestone, contracts.NodeTypePlan:
		if s, _ := config["action"].(string); s == "" {
			return fmt.Errorf("%s node config requires a non-empty 'action'", nodeType)
		}
		return nil
	case contracts.NodeTypeRAG:
		return validateRAGConfig(config, embeddingCapable)
	default:
		return nil
	}
}

// validateDecisionConfig requires decision_conditions entries or the legacy
// route_field_path.
func validateDecisionConfig(config map[string]any) error {
	conditions, hasConditions := config["decision_conditions"].([]any)
	routeField, _ := config["route_field_path"].(string)

	if !hasConditions || len(conditions) == 0 {
		if routeField == "" {
			return fmt.Errorf("decision node config requires 'decision_conditions' or 'route_field_path'")
		}
		return nil
	}

	for i, raw := range conditions {
		cond, ok := raw.(map[string]any)
		if !ok {
			return fmt.Errorf("decision_conditions[%d] must be an object", i)
		}
		if s, _ := cond["connector_id"].(string); s == "" {
			return fmt.Errorf("decision_conditions[%d] requires a non-empty 'connector_id'", i)
		}
		if s, _ := cond["condition_text"].(string); s == "" {
			return fmt.Errorf("decision_conditions[%d] requires a non-empty 'condition_text'", i)
		}
	}
	return nil
}

func validateRAGConfig(config map[string]any, embeddingCapable func(string) bool) error {
	mode, _ := config["mode"].(string)
	switch mode {
	case RAGModeQuery, RAGModeFreshIndex, RAGModeDeltaIndex:
	default:
		return fmt.Errorf("rag node config requires 'mode' in {query, fresh_index, delta_index}, got %q", mode)
	}

	collections := toStringList(config["collections"])
	if len(collections) == 0 {
		return fmt.Errorf("rag node config requires non-empty 'collections'")
	}

	if mode == RAGModeQuery {
		if s, _ := config["question_prompt"].(string); s == "" {
			return fmt.Errorf("rag query mode requires a non-empty 'question_prompt'")
		}
		return nil
	}

	provider, _ := config["model_provider"].(string)
	if provider == "" {
		return fmt.Errorf("rag %s mode requires a 'model_provider'", mode)
	}
	if embeddingCapable != nil && !embeddingCapable(provider) {
		return fmt.Errorf("rag %s mode requires an embedding-capable model provider, %q is not", mode, provider)
	}
	return nil
}

// ValidateEdgePolicy gates condition keys to decision sources.
func ValidateEdgePolicy(sourceNodeType string, conditionKey *string) error {
	if conditionKey == nil || *conditionKey == "" {
		return nil
	}
	if sourceNodeType != contracts.NodeTypeDecision {
		return fmt.Errorf("condition_key is only allowed on edges leaving decision nodes, source is %q", sourceNodeType)
	}
	return nil
}

func toStringList(raw any) []string {
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
