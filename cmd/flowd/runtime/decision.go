package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/llmctl/llmctl/cmd/flowd/tooling"
	"github.com/llmctl/llmctl/common/contracts"
	"github.com/llmctl/llmctl/common/logger"
	"github.com/llmctl/llmctl/common/models"
)

// DecisionHandler evaluates decision nodes under the deterministic tooling
// wrapper. Nodes with decision_conditions run the evaluate operation; nodes
// without fall back to the legacy route operation over route_field_path.
type DecisionHandler struct {
	invoker *tooling.Invoker
	eval    *ConditionEvaluator
	log     *logger.Logger
}

func NewDecisionHandler(invoker *tooling.Invoker, log *logger.Logger) *DecisionHandler {
	return &DecisionHandler{
		invoker: invoker,
		eval:    NewConditionEvaluator(),
		log:     log,
	}
}

func (h *DecisionHandler) NodeType() string { return contracts.NodeTypeDecision }

func (h *DecisionHandler) Execute(ctx context.Context, in *NodeInput) (*NodeResult, error) {
	conditions := in.Node.DecisionConditions()
	operation := "evaluate"
	if len(conditions) == 0 {
		operation = "route"
	}

	var routing contracts.RoutingOutput
	fn := func(context.Context) (map[string]any, map[string]any, error) {
		var (
			output map[string]any
			err    error
		)
		if operation == "evaluate" {
			output, routing, err = h.evaluate(in, conditions)
		} else {
			output, routing, err = h.route(in)
		}
		if err != nil {
			return nil, nil, err
		}
		return output, routing.Map(), nil
	}

	validate := func(output, _ map[string]any) error {
		return contracts.ValidateSpecialNodeOutput(contracts.NodeTypeDecision, output)
	}

	outcome, err := h.invoker.Invoke(ctx, tooling.Config{
		NodeType:       contracts.NodeTypeDecision,
		Operation:      operation,
		IdempotencyKey: in.IdempotencyKey,
		MaxAttempts:    in.Node.ConfigInt("retry_count", 0) + 1,
		CorrelationID:  in.Run.ID.String(),
	}, fn, validate, nil)
	if err != nil {
		return nil, err
	}

	return &NodeResult{
		OutputState: outcome.OutputState,
		Routing:     routing,
		Warnings:    outcome.Warnings,
	}, nil
}

// evaluate runs every condition against the upstream output. An expression
// error marks that condition unmatched with the error as its reason; the
// node itself keeps going.
func (h *DecisionHandler) evaluate(in *NodeInput, conditions []models.DecisionCondition) (map[string]any, contracts.RoutingOutput, error) {
	upstream := upstreamOutput(in.InputContext)

	matched := make([]string, 0, len(conditions))
	evaluations := make([]map[string]any, 0, len(conditions))
	routeKey := ""
	for _, c := range conditions {
		ok, err := h.eval.Evaluate(c.ConditionText, upstream, in.InputContext)
		reason := ""
		if err != nil {
			ok = false
			reason = err.Error()
			h.log.Warn("decision condition errored",
				"connector_id", c.ConnectorID,
				"error", err.Error())
		}
		evaluations = append(evaluations, map[string]any{
			"connector_id":   c.ConnectorID,
			"condition_text": c.ConditionText,
			"matched":        ok,
			"reason":         reason,
		})
		if ok {
			matched = append(matched, c.ConnectorID)
			if routeKey == "" && c.RouteKey != "" {
				routeKey = c.RouteKey
			}
		}
	}

	routing := contracts.RoutingOutput{
		RouteKey:            routeKey,
		MatchedConnectorIDs: matched,
		Evaluations:         evaluations,
		NoMatch:             len(matched) == 0,
	}
	output := map[string]any{
		"node_type":             contracts.NodeTypeDecision,
		"matched_connector_ids": matched,
		"evaluations":           evaluations,
		"no_match":              len(matched) == 0,
	}
	return output, routing, nil
}

// route extracts a route key from the upstream output with a gjson path.
func (h *DecisionHandler) route(in *NodeInput) (map[string]any, contracts.RoutingOutput, error) {
	path := in.Node.RouteFieldPath()
	if path == "" {
		return nil, contracts.RoutingOutput{}, fmt.Errorf("%w: decision node needs decision_conditions or route_field_path", contracts.ErrValidation)
	}

	upstream := upstreamOutput(in.InputContext)
	raw, err := json.Marshal(upstream)
	if err != nil {
		return nil, contracts.RoutingOutput{}, fmt.Errorf("failed to encode upstream output: %w", err)
	}
	routeKey := gjson.GetBytes(raw, strings.TrimPrefix(path, "$.")).String()

	routing := contracts.RoutingOutput{
		RouteKey:            routeKey,
		MatchedConnectorIDs: []string{},
		Evaluations:         []map[string]any{},
		NoMatch:             routeKey == "",
	}
	output := map[string]any{
		"node_type":             contracts.NodeTypeDecision,
		"matched_connector_ids": []string{},
		"evaluations":           []map[string]any{},
		"no_match":              routeKey == "",
		"route_field_path":      path,
	}
	return output, routing, nil
}
