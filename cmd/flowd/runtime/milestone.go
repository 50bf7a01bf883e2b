package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/llmctl/llmctl/cmd/flowd/tooling"
	"github.com/llmctl/llmctl/common/contracts"
	"github.com/llmctl/llmctl/common/logger"
	"github.com/llmctl/llmctl/common/models"
)

// MilestoneStore is the deterministic milestone backend.
type MilestoneStore interface {
	CreateOrUpdate(ctx context.Context, runID uuid.UUID, name string, details map[string]any) (*models.Milestone, error)
	MarkComplete(ctx context.Context, runID uuid.UUID, name string, at time.Time) (*models.Milestone, error)
}

// MilestoneHandler executes milestone nodes under the deterministic wrapper.
type MilestoneHandler struct {
	invoker *tooling.Invoker
	store   MilestoneStore
	log     *logger.Logger
	now     func() time.Time
}

func NewMilestoneHandler(invoker *tooling.Invoker, store MilestoneStore, log *logger.Logger) *MilestoneHandler {
	return &MilestoneHandler{
		invoker: invoker,
		store:   store,
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (h *MilestoneHandler) NodeType() string { return contracts.NodeTypeMilestone }

func (h *MilestoneHandler) Execute(ctx context.Context, in *NodeInput) (*NodeResult, error) {
	operation, err := tooling.ResolveOperation(contracts.NodeTypeMilestone, in.Node.Action())
	if err != nil {
		return nil, err
	}

	fn := func(c context.Context) (map[string]any, map[string]any, error) {
		output, err := h.run(c, in, operation)
		if err != nil {
			return nil, nil, err
		}
		return output, map[string]any{}, nil
	}

	validate := func(output, _ map[string]any) error {
		return contracts.ValidateSpecialNodeOutput(contracts.NodeTypeMilestone, output)
	}

	outcome, err := h.invoker.Invoke(ctx, tooling.Config{
		NodeType:       contracts.NodeTypeMilestone,
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
		Warnings:    outcome.Warnings,
	}, nil
}

func (h *MilestoneHandler) run(ctx context.Context, in *NodeInput, operation string) (map[string]any, error) {
	name := in.Node.ConfigString("milestone_name")
	if name == "" {
		name = in.Node.Name
	}
	if name == "" {
		return nil, fmt.Errorf("%w: milestone node needs a name", contracts.ErrValidation)
	}

	switch operation {
	case "mark_complete":
		milestone, err := h.store.MarkComplete(ctx, in.Run.ID, name, h.now())
		if err != nil {
			return nil, err
		}
		if milestone == nil {
			return nil, fmt.Errorf("%w: milestone %q does not exist in this run", contracts.ErrValidation, name)
		}
		return milestoneOutput("mark_complete", map[string]any{
			"action":       "mark_complete",
			"milestone_id": milestone.ID.String(),
			"name":         milestone.Name,
			"status":       string(milestone.Status),
		}), nil
	default:
		details, _ := in.Node.Config["details"].(map[string]any)
		milestone, err := h.store.CreateOrUpdate(ctx, in.Run.ID, name, details)
		if err != nil {
			return nil, err
		}
		return milestoneOutput("create_or_update", map[string]any{
			"action":       "create_or_update",
			"milestone_id": milestone.ID.String(),
			"name":         milestone.Name,
			"status":       string(milestone.Status),
		}), nil
	}
}

func milestoneOutput(action string, results ...map[string]any) map[string]any {
	return map[string]any{
		"node_type":      contracts.NodeTypeMilestone,
		"action":         action,
		"action_results": results,
	}
}
