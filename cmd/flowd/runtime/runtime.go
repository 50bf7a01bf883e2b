// Package runtime holds the per-node-type handlers. Each handler turns a
// node visit into an (output_state, routing_state) pair; the run loop owns
// persistence, artifacts, and events.
package runtime

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/llmctl/llmctl/cmd/flowd/tooling"
	"github.com/llmctl/llmctl/common/contracts"
	"github.com/llmctl/llmctl/common/models"
)

// Input context keys filled by the run loop before each node visit.
const (
	ContextLatestOutput  = "latest_output"
	ContextDottedOutputs = "dotted_outputs"
	ContextUpstreamNodes = "upstream_nodes"
)

// NodeInput is one node visit as prepared by the run loop.
type NodeInput struct {
	Run            *models.FlowchartRun
	Node           *models.FlowchartNode
	ExecutionIndex int
	IdempotencyKey string
	InputContext   map[string]any
}

// NodeResult is the handler's contribution to the run node row. Handlers
// that dispatch through a provider fill Metadata; a handler may return a
// partially filled result together with an error so the failed row still
// records the dispatch.
type NodeResult struct {
	OutputState map[string]any
	Routing     contracts.RoutingOutput
	Metadata    *contracts.RunMetadata
	Warnings    []string

	ResolvedAgentID                 *uuid.UUID
	ResolvedRoleID                  *uuid.UUID
	ResolvedInstructionManifestHash *string
	InstructionMaterializedPaths    []string
}

// RoutingState renders the routing half for persistence.
func (r *NodeResult) RoutingState() map[string]any {
	return r.Routing.Map()
}

// Handler executes one node type.
type Handler interface {
	NodeType() string
	Execute(ctx context.Context, in *NodeInput) (*NodeResult, error)
}

// Registry maps node types to handlers.
type Registry struct {
	handlers map[string]Handler
}

func NewRegistry(handlers ...Handler) *Registry {
	r := &Registry{handlers: make(map[string]Handler, len(handlers))}
	for _, h := range handlers {
		r.handlers[h.NodeType()] = h
	}
	return r
}

// Handler returns the handler for a node type.
func (r *Registry) Handler(nodeType string) (Handler, error) {
	h, ok := r.handlers[nodeType]
	if !ok {
		return nil, fmt.Errorf("%w: no handler for node type %q", contracts.ErrValidation, nodeType)
	}
	return h, nil
}

// Execute runs the handler registered for the input's node type.
func (r *Registry) Execute(ctx context.Context, in *NodeInput) (*NodeResult, error) {
	h, err := r.Handler(in.Node.Type)
	if err != nil {
		return nil, err
	}
	return h.Execute(ctx, in)
}

// DeriveDegraded computes the degraded marker pair for a finished node from
// its dispatch metadata and the deterministic tooling summary. The reason
// follows a fixed precedence so one stable string lands in the row.
func DeriveDegraded(meta *contracts.RunMetadata, outputState map[string]any) (bool, *string) {
	var (
		fallbackReason     string
		apiFailureCategory string
		dispatchUncertain  bool
		cliFallbackUsed    bool
		fallbackAttempted  bool
	)
	if meta != nil {
		if meta.FallbackReason != nil {
			fallbackReason = *meta.FallbackReason
		}
		if meta.APIFailureCategory != nil {
			apiFailureCategory = *meta.APIFailureCategory
		}
		dispatchUncertain = meta.DispatchUncertain
		cliFallbackUsed = meta.CLIFallbackUsed
		fallbackAttempted = meta.FallbackAttempted
	}

	deterministicFallback := false
	warningStatus := false
	if summary, ok := outputState[tooling.MergeKey].(map[string]any); ok {
		if v, ok := summary["fallback_used"].(bool); ok {
			deterministicFallback = v
		}
		if s, ok := summary["execution_status"].(string); ok {
			warningStatus = s == tooling.StatusSuccessWithWarning
		}
	}

	degraded := fallbackAttempted || dispatchUncertain || cliFallbackUsed ||
		deterministicFallback || warningStatus ||
		fallbackReason != "" || apiFailureCategory != ""
	if !degraded {
		return false, nil
	}

	switch {
	case fallbackReason != "":
		return true, contracts.Ptr(fallbackReason)
	case apiFailureCategory != "":
		return true, contracts.Ptr(apiFailureCategory)
	case dispatchUncertain:
		return true, contracts.Ptr("dispatch_uncertain")
	case cliFallbackUsed:
		return true, contracts.Ptr("cli_fallback_used")
	case deterministicFallback:
		return true, contracts.Ptr("deterministic_fallback_used")
	case warningStatus:
		return true, contracts.Ptr(tooling.StatusSuccessWithWarning)
	default:
		return true, contracts.Ptr("degraded")
	}
}

// ArtifactPayload builds the typed artifact for a finished node. Per-type
// keys are lifted from the output state; the payload satisfies the artifact
// schema for the node type.
func ArtifactPayload(in *NodeInput, result *NodeResult) map[string]any {
	payload := map[string]any{
		"node_type":     in.Node.Type,
		"routing_state": result.RoutingState(),
	}

	switch in.Node.Type {
	case contracts.NodeTypeStart:
		payload["input_context"] = in.InputContext
		payload["output_state"] = result.OutputState
	case contracts.NodeTypeTask:
		payload["output_state"] = result.OutputState
	case contracts.NodeTypeDecision:
		lift(payload, result.OutputState, "matched_connector_ids", "evaluations", "no_match")
	case contracts.NodeTypeMemory, contracts.NodeTypeMilestone:
		lift(payload, result.OutputState, "action", "action_results")
	case contracts.NodeTypePlan:
		lift(payload, result.OutputState, "mode", "store_mode", "action_results")
	case contracts.NodeTypeRAG:
		lift(payload, result.OutputState, "mode")
	case contracts.NodeTypeFlowchart:
		lift(payload, result.OutputState, "child_run_id")
	}
	return payload
}

func lift(dst, src map[string]any, keys ...string) {
	for _, key := range keys {
		if v, present := src[key]; present {
			dst[key] = v
		}
	}
}

// upstreamOutput returns the latest solid upstream output from the input
// context, or an empty map.
func upstreamOutput(inputContext map[string]any) map[string]any {
	if m, ok := inputContext[ContextLatestOutput].(map[string]any); ok {
		return m
	}
	return map[string]any{}
}
