package runtime

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/llmctl/llmctl/cmd/flowd/instruction"
	"github.com/llmctl/llmctl/cmd/flowd/provider"
	"github.com/llmctl/llmctl/cmd/flowd/skills"
	"github.com/llmctl/llmctl/common/clients"
	"github.com/llmctl/llmctl/common/contracts"
	"github.com/llmctl/llmctl/common/logger"
	"github.com/llmctl/llmctl/common/models"
	"github.com/llmctl/llmctl/common/settings"
)

// systemContract is the fixed preamble of every task prompt envelope.
const systemContract = "You are a flowchart task executor. Complete the user_request using the task_context. Respond with a single JSON object; it becomes the node's output_state."

// AgentStore resolves agent and role references.
type AgentStore interface {
	GetAgent(ctx context.Context, id uuid.UUID) (*models.Agent, error)
	GetRole(ctx context.Context, id uuid.UUID) (*models.Role, error)
}

// Dispatcher routes execution requests to a provider. provider.Router
// implements it.
type Dispatcher interface {
	RouteRequest(req *provider.Request) *provider.Request
	ExecuteRouted(ctx context.Context, req *provider.Request, cb provider.Callback) *provider.Result
}

// TaskHandler executes task nodes: it resolves the agent and role, compiles
// and materializes the instruction package and skill set, then dispatches
// the prompt envelope through the provider router.
type TaskHandler struct {
	agents        AgentStore
	instructions  *instruction.Materializer
	skills        *skills.Resolver
	skillTrees    *skills.Materializer
	dispatcher    Dispatcher
	runner        CompletionClient
	settings      *settings.RuntimeSettings
	workspaceRoot string
	runtimeHome   string
	log           *logger.Logger
}

func NewTaskHandler(
	agents AgentStore,
	instructions *instruction.Materializer,
	resolver *skills.Resolver,
	skillTrees *skills.Materializer,
	dispatcher Dispatcher,
	runner CompletionClient,
	rs *settings.RuntimeSettings,
	workspaceRoot, runtimeHome string,
	log *logger.Logger,
) *TaskHandler {
	return &TaskHandler{
		agents:        agents,
		instructions:  instructions,
		skills:        resolver,
		skillTrees:    skillTrees,
		dispatcher:    dispatcher,
		runner:        runner,
		settings:      rs,
		workspaceRoot: workspaceRoot,
		runtimeHome:   runtimeHome,
		log:           log,
	}
}

func (h *TaskHandler) NodeType() string { return contracts.NodeTypeTask }

func (h *TaskHandler) Execute(ctx context.Context, in *NodeInput) (*NodeResult, error) {
	result := &NodeResult{}
	modelProvider := in.Node.ConfigString("model_provider")
	workspace := h.workspacePath(in.Run.ID)

	agent, role, err := h.resolveSources(ctx, in)
	if err != nil {
		return nil, err
	}
	if agent != nil {
		result.ResolvedAgentID = &agent.ID
	}
	if role != nil {
		result.ResolvedRoleID = &role.ID
	}

	pkg, err := h.compileInstructions(in, agent, role, modelProvider)
	if err != nil {
		return nil, err
	}
	result.ResolvedInstructionManifestHash = &pkg.ManifestHash

	if h.settings.InstructionNative(modelProvider) {
		paths, err := h.instructions.Materialize(pkg, workspace)
		if err != nil {
			return nil, fmt.Errorf("materialize instructions: %w", err)
		}
		policy := instruction.PathPolicy{
			Workspace:   workspace,
			RuntimeHome: h.runtimeHome,
			CodexHome:   filepath.Join(h.runtimeHome, ".codex"),
		}
		if err := policy.Validate(paths); err != nil {
			return nil, err
		}
		result.InstructionMaterializedPaths = paths
	}

	skillSet, skillResult, err := h.materializeSkills(ctx, in, agent, modelProvider, workspace)
	if err != nil {
		return nil, err
	}
	result.Warnings = append(result.Warnings, skillResult.Warnings...)

	prompt := h.promptEnvelope(in, agent, role, pkg, skillSet, skillResult, modelProvider)

	req := &provider.Request{
		ExecutionID:    in.IdempotencyKey,
		RunID:          in.Run.ID,
		NodeID:         in.Node.ID,
		ExecutionIndex: in.ExecutionIndex,
		Payload:        prompt,
		Timeouts: provider.Timeouts{
			DispatchSeconds:      in.Node.ConfigInt("dispatch_timeout_seconds", 0),
			ExecutionSeconds:     in.Node.ConfigInt("execution_timeout_seconds", 0),
			LogCollectionSeconds: in.Node.ConfigInt("log_collection_timeout_seconds", 0),
			CancelGraceSeconds:   in.Node.ConfigInt("cancel_grace_timeout_seconds", 0),
		},
	}
	h.dispatcher.RouteRequest(req)

	dispatch := h.dispatcher.ExecuteRouted(ctx, req, h.completionCallback(in, modelProvider))
	result.Metadata = dispatch.Metadata
	if dispatch.Err != nil {
		if category := clients.FailureCategory(dispatch.Err); category != "" && result.Metadata != nil {
			result.Metadata.APIFailureCategory = contracts.Ptr(category)
		}
		return result, dispatch.Err
	}

	output := dispatch.Output
	if output == nil {
		output = map[string]any{}
	}
	liftRuntimeMarkers(result.Metadata, output)
	output["node_type"] = contracts.NodeTypeTask
	result.OutputState = output
	return result, nil
}

func (h *TaskHandler) workspacePath(runID uuid.UUID) string {
	return filepath.Join(h.workspaceRoot, runID.String())
}

func (h *TaskHandler) resolveSources(ctx context.Context, in *NodeInput) (*models.Agent, *models.Role, error) {
	if in.Node.RefID == nil {
		return nil, nil, nil
	}
	agent, err := h.agents.GetAgent(ctx, *in.Node.RefID)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve agent: %w", err)
	}
	if agent.RoleID == nil {
		return agent, nil, nil
	}
	role, err := h.agents.GetRole(ctx, *agent.RoleID)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve role: %w", err)
	}
	return agent, role, nil
}

func (h *TaskHandler) compileInstructions(in *NodeInput, agent *models.Agent, role *models.Role, modelProvider string) (*instruction.Package, error) {
	compile := instruction.CompileInput{
		RunMode:          in.Run.RunMode,
		Provider:         modelProvider,
		Priorities:       in.Node.ConfigStrings("priorities"),
		RuntimeOverrides: in.Node.ConfigStrings("runtime_overrides"),
		ProviderHeader:   in.Node.ConfigString("provider_header"),
		ProviderSuffix:   in.Node.ConfigString("provider_suffix"),
		SourceIDs:        map[string]any{},
		SourceVersions:   map[string]any{},
	}
	if agent != nil {
		compile.AgentMarkdown = agent.Markdown
		compile.SourceIDs["agent_id"] = agent.ID.String()
		compile.SourceVersions["agent"] = agent.Version
	}
	if role != nil {
		compile.RoleMarkdown = role.Markdown
		compile.SourceIDs["role_id"] = role.ID.String()
		compile.SourceVersions["role"] = role.Version
	}
	return instruction.Compile(compile)
}

func (h *TaskHandler) materializeSkills(ctx context.Context, in *NodeInput, agent *models.Agent, modelProvider, workspace string) (*skills.ResolvedSet, *skills.MaterializeResult, error) {
	var agentID *uuid.UUID
	if agent != nil {
		agentID = &agent.ID
	}
	set, err := h.skills.ResolveBindings(ctx, agentID, in.Node.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve skills: %w", err)
	}
	adapter := skills.AdapterFor(modelProvider)
	matResult, err := h.skillTrees.Materialize(set, adapter, workspace, h.runtimeHome)
	if err != nil {
		return nil, nil, fmt.Errorf("materialize skills: %w", err)
	}
	return set, matResult, nil
}

func (h *TaskHandler) promptEnvelope(
	in *NodeInput,
	agent *models.Agent,
	role *models.Role,
	pkg *instruction.Package,
	skillSet *skills.ResolvedSet,
	skillResult *skills.MaterializeResult,
	modelProvider string,
) map[string]any {
	profile := map[string]any{}
	if agent != nil {
		profile["agent_markdown"] = agent.Markdown
		profile["agent_name"] = agent.Name
	}
	if role != nil {
		profile["role_markdown"] = role.Markdown
		profile["role_name"] = role.Name
	}
	if h.settings.InstructionFallback(modelProvider) {
		for _, a := range pkg.Artifacts {
			if a.Filename == instruction.FileInstructions {
				profile["instructions"] = a.Content
			}
		}
	}

	userRequest := in.Node.ConfigString("prompt")
	if userRequest == "" {
		userRequest = in.Node.Name
	}

	prompt := map[string]any{
		"system_contract": systemContract,
		"agent_profile":   profile,
		"task_context":    in.InputContext,
		"output_contract": map[string]any{
			"format":      "json_object",
			"description": "the node output_state",
		},
		"user_request": userRequest,
	}
	if len(skillResult.FallbackEntries) > 0 {
		entries := make([]map[string]any, 0, len(skillResult.FallbackEntries))
		for _, e := range skillResult.FallbackEntries {
			entries = append(entries, map[string]any{
				"name":      e.Name,
				"content":   e.Content,
				"truncated": e.Truncated,
			})
		}
		prompt["skills"] = entries
	}
	if len(skillSet.Skills) > 0 {
		prompt["skill_set_manifest_hash"] = skillSet.SetManifestHash
	}
	return prompt
}

// completionCallback completes an execution for whichever provider won the
// route. The workspace provider hands the prompt envelope back for
// in-process completion; the kubernetes provider hands back the executor's
// already-computed result, recognizable by the missing system_contract key.
func (h *TaskHandler) completionCallback(in *NodeInput, modelProvider string) provider.Callback {
	return func(ctx context.Context, payload map[string]any) (map[string]any, error) {
		if _, isPrompt := payload["system_contract"]; !isPrompt {
			return payload, nil
		}
		if h.runner == nil {
			return nil, fmt.Errorf("in-process completion needs a runner client")
		}
		res, err := h.runner.Complete(ctx, &clients.CompletionRequest{
			Provider: modelProvider,
			Model:    in.Node.ConfigString("model"),
			Prompt:   payload,
		})
		if err != nil {
			return nil, err
		}
		if res.OutputJSON == nil {
			return nil, &clients.APIError{Category: clients.FailureBadResponse, Message: "completion returned no structured output"}
		}
		return res.OutputJSON, nil
	}
}

// liftRuntimeMarkers moves executor-reported CLI markers from the output
// into the dispatch metadata.
func liftRuntimeMarkers(meta *contracts.RunMetadata, output map[string]any) {
	if meta == nil {
		return
	}
	if v, ok := output["cli_fallback_used"].(bool); ok {
		meta.CLIFallbackUsed = v
		delete(output, "cli_fallback_used")
	}
	if v, ok := output["cli_preflight_passed"].(bool); ok {
		meta.CLIPreflightPassed = contracts.Ptr(v)
		delete(output, "cli_preflight_passed")
	}
}
