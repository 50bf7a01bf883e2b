package runtime

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/llmctl/llmctl/common/contracts"
	"github.com/llmctl/llmctl/common/logger"
	"github.com/llmctl/llmctl/common/models"
)

// ChildRunResult is the terminal state of a recursively executed
// sub-flowchart run.
type ChildRunResult struct {
	RunID  uuid.UUID
	Status models.RunStatus
	Output map[string]any
}

// ChildRunner executes a sub-flowchart to completion. The engine implements
// this; the indirection keeps the handler free of the run loop.
type ChildRunner interface {
	RunChild(ctx context.Context, flowchartID, parentRunID uuid.UUID, input map[string]any) (*ChildRunResult, error)
}

// FlowchartHandler runs a referenced sub-flowchart as a child run. The
// child's node runs stay under the child run id.
type FlowchartHandler struct {
	children ChildRunner
	log      *logger.Logger
}

func NewFlowchartHandler(children ChildRunner, log *logger.Logger) *FlowchartHandler {
	return &FlowchartHandler{children: children, log: log}
}

func (h *FlowchartHandler) NodeType() string { return contracts.NodeTypeFlowchart }

func (h *FlowchartHandler) Execute(ctx context.Context, in *NodeInput) (*NodeResult, error) {
	if in.Node.RefID == nil {
		return nil, fmt.Errorf("%w: flowchart node needs a flowchart reference", contracts.ErrValidation)
	}
	if *in.Node.RefID == in.Run.FlowchartID {
		return nil, fmt.Errorf("%w: flowchart node cannot invoke its own flowchart", contracts.ErrValidation)
	}

	child, err := h.children.RunChild(ctx, *in.Node.RefID, in.Run.ID, upstreamOutput(in.InputContext))
	if err != nil {
		return nil, err
	}

	output := map[string]any{
		"node_type":    contracts.NodeTypeFlowchart,
		"child_run_id": child.RunID.String(),
		"child_status": string(child.Status),
	}
	if child.Output != nil {
		output["child_output"] = child.Output
	}

	if child.Status != models.RunSucceeded {
		return &NodeResult{OutputState: output}, fmt.Errorf("%w: child run %s finished %s",
			contracts.ErrExecution, child.RunID, child.Status)
	}

	h.log.Info("child run completed",
		"parent_run_id", in.Run.ID.String(),
		"child_run_id", child.RunID.String())
	return &NodeResult{OutputState: output}, nil
}
