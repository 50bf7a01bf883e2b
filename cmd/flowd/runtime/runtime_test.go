package runtime

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmctl/llmctl/cmd/flowd/tooling"
	"github.com/llmctl/llmctl/common/contracts"
	"github.com/llmctl/llmctl/common/dispatch"
	"github.com/llmctl/llmctl/common/logger"
	"github.com/llmctl/llmctl/common/models"
)

func testLogger() *logger.Logger {
	return logger.New("error", "json")
}

func testInvoker() *tooling.Invoker {
	return tooling.NewInvoker(dispatch.NewRegistry(), testLogger())
}

func testRun() *models.FlowchartRun {
	return &models.FlowchartRun{
		ID:          uuid.New(),
		FlowchartID: uuid.New(),
		Status:      models.RunRunning,
		RunMode:     "task",
	}
}

func testNode(nodeType string, config map[string]any) *models.FlowchartNode {
	if config == nil {
		config = map[string]any{}
	}
	return &models.FlowchartNode{
		ID:     uuid.New(),
		Type:   nodeType,
		Name:   "node under test",
		Config: config,
	}
}

func testInput(run *models.FlowchartRun, node *models.FlowchartNode, inputContext map[string]any) *NodeInput {
	if inputContext == nil {
		inputContext = map[string]any{}
	}
	return &NodeInput{
		Run:            run,
		Node:           node,
		ExecutionIndex: 1,
		IdempotencyKey: contracts.NodeRunKey(run.ID.String(), node.ID.String(), 1),
		InputContext:   inputContext,
	}
}

func latestContext(output map[string]any) map[string]any {
	return map[string]any{ContextLatestOutput: output}
}

func TestRegistryDispatch(t *testing.T) {
	registry := NewRegistry(NewStartHandler(), NewEndHandler())
	run := testRun()

	result, err := registry.Execute(context.Background(),
		testInput(run, testNode(contracts.NodeTypeStart, nil), map[string]any{"goal": "ship"}))
	require.NoError(t, err)
	assert.Equal(t, contracts.NodeTypeStart, result.OutputState["node_type"])
	assert.Equal(t, "ship", result.OutputState["goal"])
}

func TestRegistryUnknownNodeType(t *testing.T) {
	registry := NewRegistry(NewStartHandler())

	_, err := registry.Execute(context.Background(),
		testInput(testRun(), testNode("teleport", nil), nil))
	require.Error(t, err)
	assert.True(t, errors.Is(err, contracts.ErrValidation))
}

func TestStartHandlerPassesInputThrough(t *testing.T) {
	h := NewStartHandler()
	in := testInput(testRun(), testNode(contracts.NodeTypeStart, nil), map[string]any{
		"goal":  "ship the release",
		"owner": "platform",
	})

	result, err := h.Execute(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, "ship the release", result.OutputState["goal"])
	assert.Equal(t, "platform", result.OutputState["owner"])
	assert.Equal(t, contracts.NodeTypeStart, result.OutputState["node_type"])
	assert.False(t, result.Routing.TerminateRun)
}

func TestEndHandlerTerminates(t *testing.T) {
	h := NewEndHandler()
	in := testInput(testRun(), testNode(contracts.NodeTypeEnd, nil),
		latestContext(map[string]any{"answer": 42}))

	result, err := h.Execute(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, result.Routing.TerminateRun)
	final, ok := result.OutputState["final_output"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 42, final["answer"])
}

func TestEndHandlerWithoutUpstream(t *testing.T) {
	h := NewEndHandler()

	result, err := h.Execute(context.Background(),
		testInput(testRun(), testNode(contracts.NodeTypeEnd, nil), nil))
	require.NoError(t, err)
	assert.True(t, result.Routing.TerminateRun)
	_, present := result.OutputState["final_output"]
	assert.False(t, present)
}

func TestDeriveDegradedCleanRun(t *testing.T) {
	meta := contracts.NewRunMetadata(contracts.ProviderKubernetes, "ws-1")

	degraded, reason := DeriveDegraded(meta, map[string]any{"answer": 42})
	assert.False(t, degraded)
	assert.Nil(t, reason)

	degraded, reason = DeriveDegraded(nil, nil)
	assert.False(t, degraded)
	assert.Nil(t, reason)
}

func TestDeriveDegradedReasonPrecedence(t *testing.T) {
	warningSummary := map[string]any{
		tooling.MergeKey: map[string]any{
			"fallback_used":    true,
			"execution_status": tooling.StatusSuccessWithWarning,
		},
	}

	cases := []struct {
		name   string
		meta   *contracts.RunMetadata
		output map[string]any
		want   string
	}{
		{
			name: "fallback reason wins over everything",
			meta: &contracts.RunMetadata{
				FallbackAttempted:  true,
				FallbackReason:     contracts.Ptr("kubernetes_dispatch_failed"),
				APIFailureCategory: contracts.Ptr("timeout"),
				DispatchUncertain:  true,
				CLIFallbackUsed:    true,
			},
			output: warningSummary,
			want:   "kubernetes_dispatch_failed",
		},
		{
			name: "api failure category next",
			meta: &contracts.RunMetadata{
				APIFailureCategory: contracts.Ptr("rate_limited"),
				DispatchUncertain:  true,
				CLIFallbackUsed:    true,
			},
			output: warningSummary,
			want:   "rate_limited",
		},
		{
			name:   "dispatch uncertain next",
			meta:   &contracts.RunMetadata{DispatchUncertain: true, CLIFallbackUsed: true},
			output: warningSummary,
			want:   "dispatch_uncertain",
		},
		{
			name:   "cli fallback next",
			meta:   &contracts.RunMetadata{CLIFallbackUsed: true},
			output: warningSummary,
			want:   "cli_fallback_used",
		},
		{
			name:   "deterministic fallback next",
			meta:   nil,
			output: warningSummary,
			want:   "deterministic_fallback_used",
		},
		{
			name: "warning status last",
			meta: nil,
			output: map[string]any{
				tooling.MergeKey: map[string]any{
					"execution_status": tooling.StatusSuccessWithWarning,
				},
			},
			want: tooling.StatusSuccessWithWarning,
		},
		{
			name: "fallback attempted without reason",
			meta: &contracts.RunMetadata{FallbackAttempted: true},
			want: "degraded",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			degraded, reason := DeriveDegraded(tc.meta, tc.output)
			assert.True(t, degraded)
			require.NotNil(t, reason)
			assert.Equal(t, tc.want, *reason)
		})
	}
}

func TestArtifactPayloadShapes(t *testing.T) {
	run := testRun()

	t.Run("start", func(t *testing.T) {
		in := testInput(run, testNode(contracts.NodeTypeStart, nil), map[string]any{"goal": "x"})
		payload := ArtifactPayload(in, &NodeResult{OutputState: map[string]any{"goal": "x", "node_type": "start"}})
		assert.Equal(t, contracts.NodeTypeStart, payload["node_type"])
		assert.Contains(t, payload, "input_context")
		assert.Contains(t, payload, "output_state")
		assert.Contains(t, payload, "routing_state")
	})

	t.Run("decision", func(t *testing.T) {
		in := testInput(run, testNode(contracts.NodeTypeDecision, nil), nil)
		result := &NodeResult{
			OutputState: map[string]any{
				"node_type":             "decision",
				"matched_connector_ids": []string{"edge-1"},
				"evaluations":           []map[string]any{{"connector_id": "edge-1", "matched": true}},
				"no_match":              false,
			},
			Routing: contracts.RoutingOutput{RouteKey: "yes", MatchedConnectorIDs: []string{"edge-1"}},
		}
		payload := ArtifactPayload(in, result)
		assert.Equal(t, []string{"edge-1"}, payload["matched_connector_ids"])
		assert.Contains(t, payload, "evaluations")
		assert.Equal(t, false, payload["no_match"])
		rs, ok := payload["routing_state"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "yes", rs["route_key"])
		assert.NotContains(t, payload, "output_state")
	})

	t.Run("memory", func(t *testing.T) {
		in := testInput(run, testNode(contracts.NodeTypeMemory, nil), nil)
		result := &NodeResult{OutputState: memoryOutput("add", map[string]any{"memory_key": "k"})}
		payload := ArtifactPayload(in, result)
		assert.Equal(t, "add", payload["action"])
		assert.Contains(t, payload, "action_results")
	})

	t.Run("plan", func(t *testing.T) {
		in := testInput(run, testNode(contracts.NodeTypePlan, nil), nil)
		result := &NodeResult{OutputState: planOutput("create_or_update_plan", "replace",
			map[string]any{"plan_id": "p"})}
		payload := ArtifactPayload(in, result)
		assert.Equal(t, "create_or_update_plan", payload["mode"])
		assert.Equal(t, "replace", payload["store_mode"])
		assert.Contains(t, payload, "action_results")
	})

	t.Run("flowchart", func(t *testing.T) {
		in := testInput(run, testNode(contracts.NodeTypeFlowchart, nil), nil)
		result := &NodeResult{OutputState: map[string]any{
			"node_type":    "flowchart",
			"child_run_id": "abc",
		}}
		payload := ArtifactPayload(in, result)
		assert.Equal(t, "abc", payload["child_run_id"])
	})

	t.Run("task", func(t *testing.T) {
		in := testInput(run, testNode(contracts.NodeTypeTask, nil), nil)
		result := &NodeResult{OutputState: map[string]any{"node_type": "task", "answer": 1}}
		payload := ArtifactPayload(in, result)
		state, ok := payload["output_state"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, 1, state["answer"])
	})
}

func TestUpstreamOutput(t *testing.T) {
	assert.Empty(t, upstreamOutput(nil))
	assert.Empty(t, upstreamOutput(map[string]any{ContextLatestOutput: "not a map"}))

	m := upstreamOutput(latestContext(map[string]any{"x": 1}))
	assert.Equal(t, 1, m["x"])
}
