package ratelimit

import (
	"github.com/llmctl/llmctl/common/contracts"
	"github.com/llmctl/llmctl/common/models"
)

// RunTier represents the rate limit tier based on flowchart complexity
type RunTier string

const (
	TierSimple   RunTier = "simple"   // No task nodes
	TierStandard RunTier = "standard" // 1-2 task nodes
	TierHeavy    RunTier = "heavy"    // 3+ task nodes
)

// FlowchartProfile contains analysis of a flowchart's complexity
type FlowchartProfile struct {
	Tier         RunTier // Determined tier
	TaskCount    int     // Number of LLM task nodes
	HasTaskNodes bool    // Whether the flowchart has any task nodes
	TotalNodes   int     // Total node count
}

// InspectGraph analyzes a flowchart graph and determines its complexity
// tier. Task and flowchart (sub-run) nodes both count as LLM work.
func InspectGraph(graph *models.Graph) FlowchartProfile {
	profile := FlowchartProfile{
		Tier: TierSimple,
	}
	if graph == nil {
		return profile
	}

	profile.TotalNodes = len(graph.Nodes)
	for _, node := range graph.Nodes {
		switch node.Type {
		case contracts.NodeTypeTask, contracts.NodeTypeFlowchart:
			profile.TaskCount++
			profile.HasTaskNodes = true
		}
	}

	profile.Tier = determineTier(profile.TaskCount)
	return profile
}

// determineTier returns the appropriate tier based on task count
func determineTier(taskCount int) RunTier {
	switch {
	case taskCount == 0:
		return TierSimple
	case taskCount <= 2:
		return TierStandard
	default: // 3+
		return TierHeavy
	}
}

// String returns a human-readable description of the tier
func (t RunTier) String() string {
	switch t {
	case TierSimple:
		return "simple"
	case TierStandard:
		return "standard"
	case TierHeavy:
		return "heavy"
	default:
		return "unknown"
	}
}
