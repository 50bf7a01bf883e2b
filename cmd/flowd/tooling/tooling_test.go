package tooling

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmctl/llmctl/common/contracts"
	"github.com/llmctl/llmctl/common/dispatch"
	"github.com/llmctl/llmctl/common/logger"
)

func testInvoker() *Invoker {
	return NewInvoker(dispatch.NewRegistry(), logger.New("error", "json"))
}

func TestInvokeSuccess(t *testing.T) {
	inv := testInvoker()

	outcome, err := inv.Invoke(context.Background(),
		Config{NodeType: contracts.NodeTypeDecision, Operation: "evaluate", RequestID: "req-1"},
		func(ctx context.Context) (map[string]any, map[string]any, error) {
			return map[string]any{"answer": 42}, map[string]any{"route_key": "yes"}, nil
		}, nil, nil)

	require.NoError(t, err)
	assert.Equal(t, "deterministic.decision", outcome.ToolName)
	assert.Equal(t, "evaluate", outcome.Operation)
	assert.Equal(t, StatusSuccess, outcome.ExecutionStatus)
	assert.Equal(t, 1, outcome.AttemptCount)
	assert.False(t, outcome.FallbackUsed)
	assert.Equal(t, "req-1", outcome.RequestID)
	assert.Equal(t, "req-1", outcome.CorrelationID)
	assert.Equal(t, "yes", outcome.RoutingState["route_key"])

	summary, ok := outcome.OutputState[MergeKey].(map[string]any)
	require.True(t, ok, "outcome summary must be merged into output state")
	assert.Equal(t, "deterministic.decision", summary["tool_name"])
	assert.Equal(t, StatusSuccess, summary["execution_status"])
	assert.Equal(t, 1, summary["attempt_count"])
	assert.Equal(t, 42, outcome.OutputState["answer"])
}

func TestInvokeGeneratesRequestID(t *testing.T) {
	inv := testInvoker()

	outcome, err := inv.Invoke(context.Background(),
		Config{NodeType: contracts.NodeTypeMilestone},
		func(ctx context.Context) (map[string]any, map[string]any, error) {
			return map[string]any{}, map[string]any{}, nil
		}, nil, nil)

	require.NoError(t, err)
	assert.NotEmpty(t, outcome.RequestID)
	assert.Equal(t, outcome.RequestID, outcome.CorrelationID)
}

func TestInvokeUnknownOperationUsesDefault(t *testing.T) {
	inv := testInvoker()

	cases := []struct {
		nodeType string
		op       string
		want     string
	}{
		{contracts.NodeTypeMemory, "add", "add"},
		{contracts.NodeTypeMemory, "retrieve", "retrieve"},
		{contracts.NodeTypeMemory, "compact", "add"},
		{contracts.NodeTypeDecision, "route", "route"},
		{contracts.NodeTypeDecision, "", "evaluate"},
		{contracts.NodeTypePlan, "complete_plan_item", "complete_plan_item"},
		{contracts.NodeTypePlan, "erase", "create_or_update_plan"},
		{contracts.NodeTypeMilestone, "mark_complete", "mark_complete"},
	}

	for _, tc := range cases {
		outcome, err := inv.Invoke(context.Background(),
			Config{NodeType: tc.nodeType, Operation: tc.op},
			func(ctx context.Context) (map[string]any, map[string]any, error) {
				return map[string]any{}, map[string]any{}, nil
			}, nil, nil)
		require.NoError(t, err)
		assert.Equal(t, tc.want, outcome.Operation, "%s/%s", tc.nodeType, tc.op)
	}
}

func TestInvokeUnknownNodeType(t *testing.T) {
	inv := testInvoker()

	_, err := inv.Invoke(context.Background(),
		Config{NodeType: "task"},
		func(ctx context.Context) (map[string]any, map[string]any, error) {
			return nil, nil, nil
		}, nil, nil)

	require.Error(t, err)
	assert.True(t, errors.Is(err, contracts.ErrValidation))
}

func TestInvokeIdempotencyRejection(t *testing.T) {
	registry := dispatch.NewRegistry()
	inv := NewInvoker(registry, logger.New("error", "json"))
	registry.Register("tool:abc")

	called := false
	_, err := inv.Invoke(context.Background(),
		Config{NodeType: contracts.NodeTypeMemory, IdempotencyKey: "tool:abc"},
		func(ctx context.Context) (map[string]any, map[string]any, error) {
			called = true
			return nil, nil, nil
		}, nil, nil)

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrToolInvocationIdempotency))
	assert.True(t, errors.Is(err, contracts.ErrIdempotencyConflict))
	assert.True(t, IsIdempotencyRejection(err))
	assert.False(t, called, "handler body must not run after an idempotency rejection")
}

func TestInvokeRetriesUntilSuccess(t *testing.T) {
	inv := testInvoker()

	attempts := 0
	outcome, err := inv.Invoke(context.Background(),
		Config{NodeType: contracts.NodeTypeMemory, Operation: "retrieve", MaxAttempts: 3},
		func(ctx context.Context) (map[string]any, map[string]any, error) {
			attempts++
			if attempts < 3 {
				return nil, nil, fmt.Errorf("transient %d", attempts)
			}
			return map[string]any{"records": []string{"a"}}, map[string]any{}, nil
		}, nil, nil)

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, outcome.AttemptCount)
	require.Len(t, outcome.Calls, 3)
	assert.Equal(t, StatusFailed, outcome.Calls[0].Status)
	assert.Equal(t, "transient 1", outcome.Calls[0].Reason)
	assert.Equal(t, StatusFailed, outcome.Calls[1].Status)
	assert.Equal(t, StatusSuccess, outcome.Calls[2].Status)
	assert.Empty(t, outcome.Calls[2].Reason)
}

func TestInvokeValidationFailsAttempt(t *testing.T) {
	inv := testInvoker()

	attempts := 0
	outcome, err := inv.Invoke(context.Background(),
		Config{NodeType: contracts.NodeTypePlan, MaxAttempts: 2},
		func(ctx context.Context) (map[string]any, map[string]any, error) {
			attempts++
			return map[string]any{"attempt": attempts}, map[string]any{}, nil
		},
		func(output, routing map[string]any) error {
			if output["attempt"].(int) < 2 {
				return errors.New("incomplete plan")
			}
			return nil
		}, nil)

	require.NoError(t, err)
	assert.Equal(t, 2, outcome.AttemptCount)
	require.Len(t, outcome.Calls, 2)
	assert.Equal(t, "incomplete plan", outcome.Calls[0].Reason)
	assert.Equal(t, StatusSuccess, outcome.Calls[1].Status)
}

func TestInvokeExhaustedWithoutFallback(t *testing.T) {
	inv := testInvoker()

	outcome, err := inv.Invoke(context.Background(),
		Config{NodeType: contracts.NodeTypeMemory, MaxAttempts: 2},
		func(ctx context.Context) (map[string]any, map[string]any, error) {
			return nil, nil, errors.New("store offline")
		}, nil, nil)

	require.Error(t, err)
	assert.True(t, errors.Is(err, contracts.ErrExecution))
	require.NotNil(t, outcome)
	assert.Equal(t, StatusFailed, outcome.ExecutionStatus)
	assert.Len(t, outcome.Calls, 2)
}

func TestInvokeFallbackSuccess(t *testing.T) {
	inv := testInvoker()

	outcome, err := inv.Invoke(context.Background(),
		Config{NodeType: contracts.NodeTypeMemory, Operation: "add"},
		func(ctx context.Context) (map[string]any, map[string]any, error) {
			return nil, nil, errors.New("primary down")
		}, nil,
		func(ctx context.Context, lastErr error) (map[string]any, map[string]any, string, error) {
			assert.EqualError(t, lastErr, "primary down")
			return map[string]any{"stored": true}, map[string]any{}, "fell back to llm_guided", nil
		})

	require.NoError(t, err)
	assert.Equal(t, StatusSuccessWithWarning, outcome.ExecutionStatus)
	assert.True(t, outcome.FallbackUsed)
	assert.Equal(t, []string{"fell back to llm_guided"}, outcome.Warnings)

	summary := outcome.OutputState[MergeKey].(map[string]any)
	assert.Equal(t, true, summary["fallback_used"])
	assert.Equal(t, StatusSuccessWithWarning, summary["execution_status"])
	assert.Equal(t, true, outcome.OutputState["stored"])
}

func TestInvokeFallbackFailureIsTerminal(t *testing.T) {
	inv := testInvoker()

	outcome, err := inv.Invoke(context.Background(),
		Config{NodeType: contracts.NodeTypeMemory},
		func(ctx context.Context) (map[string]any, map[string]any, error) {
			return nil, nil, errors.New("primary down")
		}, nil,
		func(ctx context.Context, lastErr error) (map[string]any, map[string]any, string, error) {
			return nil, nil, "", errors.New("fallback down too")
		})

	require.Error(t, err)
	assert.True(t, errors.Is(err, contracts.ErrFallbackRuntime))
	assert.Equal(t, StatusFailed, outcome.ExecutionStatus)
}

func TestInvokeStopsOnCancelledContext(t *testing.T) {
	inv := testInvoker()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := 0
	outcome, err := inv.Invoke(ctx,
		Config{NodeType: contracts.NodeTypeMilestone, MaxAttempts: 5},
		func(ctx context.Context) (map[string]any, map[string]any, error) {
			called++
			return nil, nil, nil
		}, nil, nil)

	require.Error(t, err)
	assert.True(t, errors.Is(err, contracts.ErrExecution))
	assert.Equal(t, 0, called)
	assert.Equal(t, StatusFailed, outcome.ExecutionStatus)
	assert.Equal(t, 0, outcome.AttemptCount)
	assert.Len(t, outcome.Calls, outcome.AttemptCount, "trace must match counted attempts")
}
