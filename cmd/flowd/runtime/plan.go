package runtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/llmctl/llmctl/cmd/flowd/tooling"
	"github.com/llmctl/llmctl/common/contracts"
	"github.com/llmctl/llmctl/common/logger"
	"github.com/llmctl/llmctl/common/models"
)

// PlanStore is the deterministic plan backend.
type PlanStore interface {
	CreateOrUpdate(ctx context.Context, runID uuid.UUID, title string, items []models.PlanItem, storeMode string) (*models.Plan, error)
	CompleteItem(ctx context.Context, runID uuid.UUID, itemID string) (*models.Plan, bool, error)
}

// PlanHandler executes plan nodes under the deterministic wrapper.
type PlanHandler struct {
	invoker *tooling.Invoker
	store   PlanStore
	log     *logger.Logger
}

func NewPlanHandler(invoker *tooling.Invoker, store PlanStore, log *logger.Logger) *PlanHandler {
	return &PlanHandler{invoker: invoker, store: store, log: log}
}

func (h *PlanHandler) NodeType() string { return contracts.NodeTypePlan }

func (h *PlanHandler) Execute(ctx context.Context, in *NodeInput) (*NodeResult, error) {
	operation, err := tooling.ResolveOperation(contracts.NodeTypePlan, in.Node.Action())
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
		return contracts.ValidateSpecialNodeOutput(contracts.NodeTypePlan, output)
	}

	outcome, err := h.invoker.Invoke(ctx, tooling.Config{
		NodeType:       contracts.NodeTypePlan,
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

func (h *PlanHandler) run(ctx context.Context, in *NodeInput, operation string) (map[string]any, error) {
	storeMode := in.Node.ConfigString("store_mode")
	if storeMode == "" {
		storeMode = string(models.MemoryStoreReplace)
	}

	switch operation {
	case "complete_plan_item":
		itemID := in.Node.ConfigString("item_id")
		if itemID == "" {
			return nil, fmt.Errorf("%w: complete_plan_item needs item_id", contracts.ErrValidation)
		}
		plan, found, err := h.store.CompleteItem(ctx, in.Run.ID, itemID)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, fmt.Errorf("%w: plan item %q does not exist in this run", contracts.ErrValidation, itemID)
		}
		return planOutput(operation, storeMode, map[string]any{
			"action":  "complete_plan_item",
			"plan_id": plan.ID.String(),
			"item_id": itemID,
		}), nil
	default:
		title := in.Node.ConfigString("title")
		if title == "" {
			title = in.Node.Name
		}
		items, err := planItems(in.Node)
		if err != nil {
			return nil, err
		}
		plan, err := h.store.CreateOrUpdate(ctx, in.Run.ID, title, items, storeMode)
		if err != nil {
			return nil, err
		}
		return planOutput(operation, storeMode, map[string]any{
			"action":     "create_or_update_plan",
			"plan_id":    plan.ID.String(),
			"item_count": len(plan.Items),
		}), nil
	}
}

// planItems decodes the node's items config. Items without ids get
// positional ones so complete_plan_item can address them.
func planItems(node *models.FlowchartNode) ([]models.PlanItem, error) {
	raw, present := node.Config["items"]
	if !present {
		return nil, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: plan items are not encodable", contracts.ErrValidation)
	}
	var items []models.PlanItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("%w: plan items must be a list of {id, text}", contracts.ErrValidation)
	}
	for i := range items {
		if items[i].ID == "" {
			items[i].ID = fmt.Sprintf("item-%d", i+1)
		}
	}
	return items, nil
}

func planOutput(mode, storeMode string, results ...map[string]any) map[string]any {
	return map[string]any{
		"node_type":      contracts.NodeTypePlan,
		"mode":           mode,
		"store_mode":     storeMode,
		"action_results": results,
	}
}
