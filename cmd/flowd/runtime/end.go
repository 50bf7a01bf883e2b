package runtime

import (
	"context"

	"github.com/llmctl/llmctl/common/contracts"
)

// EndHandler terminates traversal.
type EndHandler struct{}

func NewEndHandler() EndHandler { return EndHandler{} }

func (EndHandler) NodeType() string { return contracts.NodeTypeEnd }

func (EndHandler) Execute(_ context.Context, in *NodeInput) (*NodeResult, error) {
	output := map[string]any{"node_type": contracts.NodeTypeEnd}
	if latest, present := in.InputContext[ContextLatestOutput]; present {
		output["final_output"] = latest
	}
	return &NodeResult{
		OutputState: output,
		Routing:     contracts.RoutingOutput{TerminateRun: true},
	}, nil
}
