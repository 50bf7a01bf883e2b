package runtime

import (
	"context"

	"github.com/llmctl/llmctl/common/contracts"
)

// StartHandler passes the run input through unchanged. Always succeeds.
type StartHandler struct{}

func NewStartHandler() StartHandler { return StartHandler{} }

func (StartHandler) NodeType() string { return contracts.NodeTypeStart }

func (StartHandler) Execute(_ context.Context, in *NodeInput) (*NodeResult, error) {
	output := make(map[string]any, len(in.InputContext)+1)
	for k, v := range in.InputContext {
		output[k] = v
	}
	output["node_type"] = contracts.NodeTypeStart
	return &NodeResult{OutputState: output}, nil
}
