package contracts

import "fmt"

// RoutingOutput is the routing half of a handler result. The run loop reads
// RouteKey, MatchedConnectorIDs, and TerminateRun to advance the graph.
type RoutingOutput struct {
	RouteKey            string           `json:"route_key,omitempty"`
	TerminateRun        bool             `json:"terminate_run,omitempty"`
	MatchedConnectorIDs []string         `json:"matched_connector_ids,omitempty"`
	Evaluations         []map[string]any `json:"evaluations,omitempty"`
	NoMatch             bool             `json:"no_match,omitempty"`
	FallbackUsed        bool             `json:"fallback_used,omitempty"`
	FallbackReason      string           `json:"fallback_reason,omitempty"`
}

// Map renders the routing state for embedding in artifact payloads and run
// node rows. Zero-valued fields are dropped, matching the wire shape.
func (r *RoutingOutput) Map() map[string]any {
	m := map[string]any{}
	if r.RouteKey != "" {
		m["route_key"] = r.RouteKey
	}
	if r.TerminateRun {
		m["terminate_run"] = true
	}
	if r.MatchedConnectorIDs != nil {
		m["matched_connector_ids"] = r.MatchedConnectorIDs
	}
	if r.Evaluations != nil {
		m["evaluations"] = r.Evaluations
	}
	if r.NoMatch {
		m["no_match"] = true
	}
	if r.FallbackUsed {
		m["fallback_used"] = true
	}
	if r.FallbackReason != "" {
		m["fallback_reason"] = r.FallbackReason
	}
	return m
}

// ValidateNodeOutput checks the one fixed key of a handler output:
// node_type must be a non-empty string and, when expectedNodeType is
// supplied, must match it.
func ValidateNodeOutput(output map[string]any, expectedNodeType string) error {
	raw, present := output["node_type"]
	if !present {
		return fmt.Errorf("%w: node output missing node_type", ErrContractViolation)
	}
	nodeType, ok := raw.(string)
	if !ok || nodeType == "" {
		return fmt.Errorf("%w: node_type must be a non-empty string", ErrContractViolation)
	}
	if expectedNodeType != "" && nodeType != expectedNodeType {
		return fmt.Errorf("%w: node_type %q does not match expected %q", ErrContractViolation, nodeType, expectedNodeType)
	}
	return nil
}

// ValidateRoutingState checks a routing_state object: route_key, when
// present, must be a non-empty string; no_match must be a boolean;
// matched_connector_ids must hold non-empty strings.
func ValidateRoutingState(rs map[string]any) error {
	if raw, present := rs["route_key"]; present {
		key, ok := raw.(string)
		if !ok || key == "" {
			return fmt.Errorf("%w: route_key must be a non-empty string", ErrContractViolation)
		}
	}
	if raw, present := rs["no_match"]; present {
		if _, ok := raw.(bool); !ok {
			return fmt.Errorf("%w: no_match must be a boolean", ErrContractViolation)
		}
	}
	if raw, present := rs["matched_connector_ids"]; present {
		if err := validateConnectorIDs(raw); err != nil {
			return err
		}
	}
	return nil
}

// ValidateSpecialNodeOutput applies the per-type extensions for special
// nodes on top of the base node output checks.
func ValidateSpecialNodeOutput(nodeType string, output map[string]any) error {
	if err := ValidateNodeOutput(output, nodeType); err != nil {
		return err
	}

	switch nodeType {
	case NodeTypeDecision:
		raw, present := output["matched_connector_ids"]
		if !present {
			return fmt.Errorf("%w: decision output missing matched_connector_ids", ErrContractViolation)
		}
		if err := validateConnectorIDs(raw); err != nil {
			return err
		}
		if _, present := output["evaluations"]; !present {
			return fmt.Errorf("%w: decision output missing evaluations", ErrContractViolation)
		}
		raw, present = output["no_match"]
		if !present {
			return fmt.Errorf("%w: decision output missing no_match", ErrContractViolation)
		}
		if _, ok := raw.(bool); !ok {
			return fmt.Errorf("%w: no_match must be a boolean", ErrContractViolation)
		}
	case NodeTypeMemory, NodeTypeMilestone:
		if err := requireNonEmptyString(output, "action"); err != nil {
			return err
		}
		if _, present := output["action_results"]; !present {
			return fmt.Errorf("%w: %s output missing action_results", ErrContractViolation, nodeType)
		}
	case NodeTypePlan:
		if err := requireNonEmptyString(output, "mode"); err != nil {
			return err
		}
		if err := requireNonEmptyString(output, "store_mode"); err != nil {
			return err
		}
		if _, present := output["action_results"]; !present {
			return fmt.Errorf("%w: plan output missing action_results", ErrContractViolation)
		}
	}
	return nil
}

func validateConnectorIDs(raw any) error {
	switch ids := raw.(type) {
	case []string:
		for _, id := range ids {
			if id == "" {
				return fmt.Errorf("%w: matched_connector_ids contains an empty entry", ErrContractViolation)
			}
		}
	case []any:
		for _, entry := range ids {
			id, ok := entry.(string)
			if !ok || id == "" {
				return fmt.Errorf("%w: matched_connector_ids contains an empty entry", ErrContractViolation)
			}
		}
	default:
		return fmt.Errorf("%w: matched_connector_ids must be an array of strings", ErrContractViolation)
	}
	return nil
}

func requireNonEmptyString(m map[string]any, key string) error {
	raw, present := m[key]
	if !present {
		return fmt.Errorf("%w: missing %s", ErrContractViolation, key)
	}
	s, ok := raw.(string)
	if !ok || s == "" {
		return fmt.Errorf("%w: %s must be a non-empty string", ErrContractViolation, key)
	}
	return nil
}
