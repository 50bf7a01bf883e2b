package ratelimit

import (
	"testing"

	"github.com/llmctl/llmctl/common/contracts"
	"github.com/llmctl/llmctl/common/models"
)

func graphWithTypes(types ...string) *models.Graph {
	g := &models.Graph{}
	for _, t := range types {
		g.Nodes = append(g.Nodes, models.FlowchartNode{Type: t})
	}
	return g
}

// TestInspectGraph verifies tier assignment by task node count.
func TestInspectGraph(t *testing.T) {
	cases := []struct {
		name  string
		graph *models.Graph
		tier  RunTier
		tasks int
	}{
		{"nil graph", nil, TierSimple, 0},
		{"no tasks", graphWithTypes(contracts.NodeTypeStart, contracts.NodeTypeEnd), TierSimple, 0},
		{"one task", graphWithTypes(contracts.NodeTypeStart, contracts.NodeTypeTask, contracts.NodeTypeEnd), TierStandard, 1},
		{"subflow counts", graphWithTypes(contracts.NodeTypeStart, contracts.NodeTypeFlowchart, contracts.NodeTypeEnd), TierStandard, 1},
		{"two tasks", graphWithTypes(contracts.NodeTypeTask, contracts.NodeTypeTask), TierStandard, 2},
		{"heavy", graphWithTypes(contracts.NodeTypeTask, contracts.NodeTypeTask, contracts.NodeTypeTask), TierHeavy, 3},
	}
	for _, c := range cases {
		profile := InspectGraph(c.graph)
		if profile.Tier != c.tier {
			t.Errorf("%s: tier = %s, want %s", c.name, profile.Tier, c.tier)
		}
		if profile.TaskCount != c.tasks {
			t.Errorf("%s: task count = %d, want %d", c.name, profile.TaskCount, c.tasks)
		}
	}
}

// TestTierConfig verifies limits tighten as tiers get heavier and unknown
// tiers fall back to the most restrictive.
func TestTierConfig(t *testing.T) {
	if GetLimitForTier(TierSimple) <= GetLimitForTier(TierStandard) {
		t.Error("simple tier should allow more than standard")
	}
	if GetLimitForTier(TierStandard) <= GetLimitForTier(TierHeavy) {
		t.Error("standard tier should allow more than heavy")
	}
	if GetLimitForTier(RunTier("bogus")) != GetLimitForTier(TierHeavy) {
		t.Error("unknown tier should fall back to heavy limit")
	}
	if len(GetAllTiers()) != 3 {
		t.Errorf("expected 3 tiers, got %d", len(GetAllTiers()))
	}
}
