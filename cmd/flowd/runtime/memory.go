package runtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/llmctl/llmctl/cmd/flowd/tooling"
	"github.com/llmctl/llmctl/common/clients"
	"github.com/llmctl/llmctl/common/contracts"
	"github.com/llmctl/llmctl/common/logger"
	"github.com/llmctl/llmctl/common/models"
)

// Memory node modes.
const (
	MemoryModeDeterministic = "deterministic"
	MemoryModeLLMGuided     = "llm_guided"
)

// Fallback reasons stamped when the primary memory mode is exhausted.
const (
	FallbackPrimaryRuntimeError = "primary_runtime_error"
	FallbackPrimaryEmptyResult  = "primary_empty_result"
	FallbackLLMValidation       = "llm_validation_error"
)

var (
	errPrimaryEmpty  = errors.New("memory retrieve returned no content")
	errLLMValidation = errors.New("memory guidance payload failed validation")
)

// MemoryStore is the deterministic memory backend.
type MemoryStore interface {
	Write(ctx context.Context, workspaceIdentity, memoryKey, content string, mode models.MemoryStoreMode) (*models.MemoryRecord, error)
	Get(ctx context.Context, workspaceIdentity, memoryKey string) (*models.MemoryRecord, error)
	Delete(ctx context.Context, workspaceIdentity, memoryKey string) (bool, error)
}

// CompletionClient is the slice of the runner client handlers use for LLM
// calls.
type CompletionClient interface {
	Complete(ctx context.Context, req *clients.CompletionRequest) (*clients.CompletionResult, error)
}

// MemoryHandler executes memory nodes in deterministic or llm_guided mode,
// with a mode swap as fallback when the node enables it.
type MemoryHandler struct {
	invoker           *tooling.Invoker
	store             MemoryStore
	runner            CompletionClient
	workspaceIdentity string
	log               *logger.Logger
}

func NewMemoryHandler(invoker *tooling.Invoker, store MemoryStore, runner CompletionClient, workspaceIdentity string, log *logger.Logger) *MemoryHandler {
	return &MemoryHandler{
		invoker:           invoker,
		store:             store,
		runner:            runner,
		workspaceIdentity: workspaceIdentity,
		log:               log,
	}
}

func (h *MemoryHandler) NodeType() string { return contracts.NodeTypeMemory }

func (h *MemoryHandler) Execute(ctx context.Context, in *NodeInput) (*NodeResult, error) {
	operation, err := tooling.ResolveOperation(contracts.NodeTypeMemory, in.Node.Action())
	if err != nil {
		return nil, err
	}

	primary := in.Node.ConfigString("mode")
	if primary != MemoryModeLLMGuided {
		primary = MemoryModeDeterministic
	}

	var routing contracts.RoutingOutput
	fn := func(c context.Context) (map[string]any, map[string]any, error) {
		output, err := h.runMode(c, in, primary, operation)
		if err != nil {
			return nil, nil, err
		}
		routing = contracts.RoutingOutput{}
		return output, routing.Map(), nil
	}

	var fallback tooling.FallbackFunc
	if in.Node.ConfigBool("fallback_enabled", false) {
		fallback = func(c context.Context, lastErr error) (map[string]any, map[string]any, string, error) {
			secondary := otherMemoryMode(primary)
			output, err := h.runMode(c, in, secondary, operation)
			if err != nil {
				return nil, nil, "", err
			}
			reason := classifyMemoryFallback(lastErr)
			output["failed_mode"] = primary
			output["fallback_mode"] = secondary
			output["fallback_reason"] = reason
			routing = contracts.RoutingOutput{FallbackUsed: true, FallbackReason: reason}
			warning := fmt.Sprintf("memory %s degraded from %s to %s: %s", operation, primary, secondary, reason)
			return output, routing.Map(), warning, nil
		}
	}

	validate := func(output, _ map[string]any) error {
		return contracts.ValidateSpecialNodeOutput(contracts.NodeTypeMemory, output)
	}

	outcome, err := h.invoker.Invoke(ctx, tooling.Config{
		NodeType:       contracts.NodeTypeMemory,
		Operation:      operation,
		IdempotencyKey: in.IdempotencyKey,
		MaxAttempts:    in.Node.ConfigInt("retry_count", 0) + 1,
		CorrelationID:  in.Run.ID.String(),
	}, fn, validate, fallback)
	if err != nil {
		return nil, err
	}

	return &NodeResult{
		OutputState: outcome.OutputState,
		Routing:     routing,
		Warnings:    outcome.Warnings,
	}, nil
}

func (h *MemoryHandler) runMode(ctx context.Context, in *NodeInput, mode, operation string) (map[string]any, error) {
	key := in.Node.ConfigString("memory_key")
	if key == "" {
		key = in.Node.Name
	}

	switch operation {
	case "add":
		return h.add(ctx, in, mode, key)
	case "retrieve":
		return h.retrieve(ctx, in, mode, key)
	case "delete":
		return h.remove(ctx, key)
	}
	return nil, fmt.Errorf("%w: unknown memory operation %q", contracts.ErrValidation, operation)
}

func (h *MemoryHandler) add(ctx context.Context, in *NodeInput, mode, key string) (map[string]any, error) {
	text := in.Node.ConfigString("content")
	storeMode := models.MemoryStoreMode(in.Node.ConfigString("store_mode"))
	if storeMode == "" {
		storeMode = models.MemoryStoreReplace
	}

	guided := false
	confidence := 0.0
	if mode == MemoryModeLLMGuided {
		payload, err := h.guidance(ctx, in, key)
		if err != nil {
			return nil, err
		}
		text = payload.Text
		storeMode = payload.StoreMode
		confidence = payload.Confidence
		guided = true
	} else if text == "" {
		text = upstreamText(in.InputContext)
	}
	if text == "" {
		return nil, fmt.Errorf("%w: memory add has no content", contracts.ErrValidation)
	}

	record, err := h.store.Write(ctx, h.workspaceIdentity, key, text, storeMode)
	if err != nil {
		return nil, err
	}

	result := map[string]any{
		"action":        "add",
		"memory_key":    key,
		"store_mode":    string(storeMode),
		"content_bytes": len(record.Content),
	}
	if guided {
		result["guided"] = true
		result["confidence"] = confidence
	}
	return memoryOutput("add", result), nil
}

func (h *MemoryHandler) retrieve(ctx context.Context, in *NodeInput, mode, key string) (map[string]any, error) {
	if mode == MemoryModeLLMGuided {
		payload, err := h.guidance(ctx, in, key)
		if err != nil {
			return nil, err
		}
		return memoryOutput("retrieve", map[string]any{
			"action":     "retrieve",
			"memory_key": key,
			"content":    payload.Text,
			"guided":     true,
			"confidence": payload.Confidence,
		}), nil
	}

	record, err := h.store.Get(ctx, h.workspaceIdentity, key)
	if err != nil {
		return nil, err
	}
	if record == nil || record.Content == "" {
		return nil, fmt.Errorf("%w: key %q", errPrimaryEmpty, key)
	}
	return memoryOutput("retrieve", map[string]any{
		"action":     "retrieve",
		"memory_key": key,
		"content":    record.Content,
	}), nil
}

func (h *MemoryHandler) remove(ctx context.Context, key string) (map[string]any, error) {
	removed, err := h.store.Delete(ctx, h.workspaceIdentity, key)
	if err != nil {
		return nil, err
	}
	return memoryOutput("delete", map[string]any{
		"action":     "delete",
		"memory_key": key,
		"removed":    removed,
	}), nil
}

type guidancePayload struct {
	Text       string
	StoreMode  models.MemoryStoreMode
	Confidence float64
}

// guidance asks the runner for a memory write instruction and validates the
// returned payload. Validation failures wrap errLLMValidation so the
// fallback reason classifies them.
func (h *MemoryHandler) guidance(ctx context.Context, in *NodeInput, key string) (*guidancePayload, error) {
	if h.runner == nil {
		return nil, fmt.Errorf("llm guided memory needs a runner client")
	}

	prompt := map[string]any{
		"system_contract": `Produce a memory write instruction. Respond with a single JSON object {"text": string, "store_mode": "replace"|"append", "confidence": number in [0,1]}.`,
		"task_context":    upstreamOutput(in.InputContext),
		"memory_key":      key,
		"user_request":    in.Node.ConfigString("prompt"),
	}
	res, err := h.runner.Complete(ctx, &clients.CompletionRequest{
		Provider: in.Node.ConfigString("model_provider"),
		Model:    in.Node.ConfigString("model"),
		Prompt:   prompt,
	})
	if err != nil {
		return nil, err
	}
	return parseGuidance(res.OutputJSON)
}

func parseGuidance(m map[string]any) (*guidancePayload, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: empty guidance payload", errLLMValidation)
	}
	text, _ := m["text"].(string)
	if text == "" {
		return nil, fmt.Errorf("%w: text must be a non-empty string", errLLMValidation)
	}
	rawMode, _ := m["store_mode"].(string)
	mode := models.MemoryStoreMode(rawMode)
	if mode != models.MemoryStoreReplace && mode != models.MemoryStoreAppend {
		return nil, fmt.Errorf("%w: store_mode must be replace or append, got %q", errLLMValidation, rawMode)
	}
	confidence, ok := m["confidence"].(float64)
	if !ok || confidence < 0 || confidence > 1 {
		return nil, fmt.Errorf("%w: confidence must be a number in [0,1]", errLLMValidation)
	}
	return &guidancePayload{Text: text, StoreMode: mode, Confidence: confidence}, nil
}

func classifyMemoryFallback(err error) string {
	switch {
	case errors.Is(err, errPrimaryEmpty):
		return FallbackPrimaryEmptyResult
	case errors.Is(err, errLLMValidation):
		return FallbackLLMValidation
	default:
		return FallbackPrimaryRuntimeError
	}
}

func otherMemoryMode(mode string) string {
	if mode == MemoryModeDeterministic {
		return MemoryModeLLMGuided
	}
	return MemoryModeDeterministic
}

func memoryOutput(action string, results ...map[string]any) map[string]any {
	return map[string]any{
		"node_type":      contracts.NodeTypeMemory,
		"action":         action,
		"action_results": results,
	}
}

func upstreamText(inputContext map[string]any) string {
	if s, ok := upstreamOutput(inputContext)["text"].(string); ok {
		return s
	}
	return ""
}
