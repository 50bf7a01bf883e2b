package runtime

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmctl/llmctl/common/contracts"
	"github.com/llmctl/llmctl/common/models"
)

type fakeChildRunner struct {
	result    *ChildRunResult
	err       error
	lastInput map[string]any
	lastID    uuid.UUID
}

func (r *fakeChildRunner) RunChild(_ context.Context, flowchartID, parentRunID uuid.UUID, input map[string]any) (*ChildRunResult, error) {
	r.lastID = flowchartID
	r.lastInput = input
	if r.err != nil {
		return nil, r.err
	}
	return r.result, nil
}

func TestFlowchartRunsChild(t *testing.T) {
	childRunID := uuid.New()
	children := &fakeChildRunner{result: &ChildRunResult{
		RunID:  childRunID,
		Status: models.RunSucceeded,
		Output: map[string]any{"verdict": "pass"},
	}}
	h := NewFlowchartHandler(children, testLogger())

	childFlowchartID := uuid.New()
	node := testNode(contracts.NodeTypeFlowchart, nil)
	node.RefID = &childFlowchartID
	in := testInput(testRun(), node, latestContext(map[string]any{"case": "42"}))

	result, err := h.Execute(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, childFlowchartID, children.lastID)
	assert.Equal(t, "42", children.lastInput["case"])
	assert.Equal(t, childRunID.String(), result.OutputState["child_run_id"])
	assert.Equal(t, string(models.RunSucceeded), result.OutputState["child_status"])
	child, ok := result.OutputState["child_output"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "pass", child["verdict"])
}

func TestFlowchartNeedsReference(t *testing.T) {
	h := NewFlowchartHandler(&fakeChildRunner{}, testLogger())
	in := testInput(testRun(), testNode(contracts.NodeTypeFlowchart, nil), nil)

	_, err := h.Execute(context.Background(), in)
	require.Error(t, err)
	assert.True(t, errors.Is(err, contracts.ErrValidation))
}

func TestFlowchartRejectsSelfReference(t *testing.T) {
	h := NewFlowchartHandler(&fakeChildRunner{}, testLogger())
	run := testRun()
	node := testNode(contracts.NodeTypeFlowchart, nil)
	node.RefID = &run.FlowchartID

	_, err := h.Execute(context.Background(), testInput(run, node, nil))
	require.Error(t, err)
	assert.True(t, errors.Is(err, contracts.ErrValidation))
	assert.Contains(t, err.Error(), "own flowchart")
}

func TestFlowchartChildFailureKeepsOutput(t *testing.T) {
	childRunID := uuid.New()
	children := &fakeChildRunner{result: &ChildRunResult{
		RunID:  childRunID,
		Status: models.RunFailed,
	}}
	h := NewFlowchartHandler(children, testLogger())

	childFlowchartID := uuid.New()
	node := testNode(contracts.NodeTypeFlowchart, nil)
	node.RefID = &childFlowchartID

	result, err := h.Execute(context.Background(), testInput(testRun(), node, nil))
	require.Error(t, err)
	assert.True(t, errors.Is(err, contracts.ErrExecution))
	require.NotNil(t, result, "failed child still reports its run id")
	assert.Equal(t, childRunID.String(), result.OutputState["child_run_id"])
	assert.Equal(t, string(models.RunFailed), result.OutputState["child_status"])
}
