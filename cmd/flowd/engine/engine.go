// Package engine owns the flowchart run loop: graph traversal, node
// execution through the runtime registry, transactional persistence with
// post-commit events, and the pause/resume/cancel/retry control surface.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/llmctl/llmctl/cmd/flowd/provider"
	"github.com/llmctl/llmctl/cmd/flowd/runtime"
	"github.com/llmctl/llmctl/common/cache"
	"github.com/llmctl/llmctl/common/config"
	"github.com/llmctl/llmctl/common/contracts"
	"github.com/llmctl/llmctl/common/logger"
	"github.com/llmctl/llmctl/common/models"
	"github.com/llmctl/llmctl/common/realtime"
	"github.com/llmctl/llmctl/common/telemetry"
)

// Publisher is the slice of the queue the engine needs to enqueue run
// requests for resume, retry, and child submissions.
type Publisher interface {
	Publish(ctx context.Context, topic string, key string, message []byte) error
}

// Canceller asks the provider layer to abort an in-flight dispatch.
// *provider.Router satisfies it.
type Canceller interface {
	CancelRouted(ctx context.Context, req *provider.Request, force bool) error
}

// Selection reports the routing selection the loop stamps onto nodes that
// complete without a provider dispatch. *provider.Router satisfies it.
type Selection interface {
	SelectedProvider() string
	WorkspaceIdentity() string
}

// Deps carries everything the engine is built from. Metrics may be nil;
// the engine then counts on unregistered instruments.
type Deps struct {
	Store     Store
	Registry  *runtime.Registry
	Emitter   *realtime.Emitter
	Publisher Publisher
	Canceller Canceller
	Selection Selection
	Cache     cache.Cache
	Config    *config.EngineConfig
	Metrics   *telemetry.Metrics
	RunStream string
	Log       *logger.Logger
}

// Engine executes flowchart runs. Runs proceed concurrently across worker
// goroutines; nodes within one run execute sequentially in graph order.
type Engine struct {
	store     Store
	registry  *runtime.Registry
	emitter   *realtime.Emitter
	publisher Publisher
	canceller Canceller
	selection Selection
	cache     cache.Cache
	cfg       *config.EngineConfig
	metrics   *telemetry.Metrics
	runStream string
	log       *logger.Logger

	mu     sync.Mutex
	active map[uuid.UUID]*activeVisit
}

// activeVisit addresses an in-flight node execution for cancellation: the
// provider request for job deletion plus the visit context cancel func for
// cooperative abort.
type activeVisit struct {
	req    *provider.Request
	cancel context.CancelFunc
}

// New creates an engine from its dependencies.
func New(d Deps) *Engine {
	metrics := d.Metrics
	if metrics == nil {
		metrics = telemetry.NewMetrics(nil)
	}
	return &Engine{
		store:     d.Store,
		registry:  d.Registry,
		emitter:   d.Emitter,
		publisher: d.Publisher,
		canceller: d.Canceller,
		selection: d.Selection,
		cache:     d.Cache,
		cfg:       d.Config,
		metrics:   metrics,
		runStream: d.RunStream,
		log:       d.Log,
	}
}

// Submit creates a queued run for the flowchart and enqueues a run request.
// The returned id is live immediately; execution starts when a worker picks
// the request up.
func (e *Engine) Submit(ctx context.Context, flowchartID uuid.UUID, input map[string]any) (uuid.UUID, error) {
	if _, err := e.store.GetFlowchart(ctx, flowchartID); err != nil {
		return uuid.Nil, fmt.Errorf("%w: flowchart %s: %v", contracts.ErrValidation, flowchartID, err)
	}

	now := time.Now().UTC()
	run := &models.FlowchartRun{
		ID:          uuid.New(),
		FlowchartID: flowchartID,
		Status:      models.RunQueued,
		RunMode:     RunModeStandard,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return uuid.Nil, err
	}
	if err := e.enqueue(ctx, run.ID, input, "submit"); err != nil {
		return uuid.Nil, err
	}

	e.emitRunStatus(ctx, run, models.RunQueued)
	e.log.Info("run submitted",
		"run_id", run.ID.String(),
		"flowchart_id", flowchartID.String())
	return run.ID, nil
}

// enqueue publishes a run request on the run stream.
func (e *Engine) enqueue(ctx context.Context, runID uuid.UUID, input map[string]any, reason string) error {
	req := RunRequest{RunID: runID, Input: input, Reason: reason}
	raw, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode run request: %w", err)
	}
	if err := e.publisher.Publish(ctx, e.runStream, runID.String(), raw); err != nil {
		return fmt.Errorf("enqueue run request: %w", err)
	}
	return nil
}

// loadGraph returns the flowchart graph, keeping it warm in the cache keyed
// by (flowchart id, updated_at) so authoring edits invalidate naturally.
func (e *Engine) loadGraph(ctx context.Context, flowchartID uuid.UUID) (*models.Graph, error) {
	fc, err := e.store.GetFlowchart(ctx, flowchartID)
	if err != nil {
		return nil, err
	}

	key := fmt.Sprintf("graph:%s:%d", flowchartID, fc.UpdatedAt.UnixNano())
	if e.cache != nil {
		if raw, found, err := e.cache.Get(ctx, key); err == nil && found {
			graph := &models.Graph{}
			if err := json.Unmarshal(raw, graph); err == nil {
				return graph, nil
			}
		}
	}

	graph, err := e.store.LoadGraph(ctx, flowchartID)
	if err != nil {
		return nil, err
	}

	if e.cache != nil {
		if raw, err := json.Marshal(graph); err == nil {
			if err := e.cache.Set(ctx, key, raw, e.cfg.GraphCacheTTL); err != nil {
				e.log.Warn("graph cache write failed", "flowchart_id", flowchartID.String(), "error", err)
			}
		}
	}
	return graph, nil
}

// trackDispatch registers the run's in-flight node execution so cancel can
// reach both the provider and the handler.
func (e *Engine) trackDispatch(runID uuid.UUID, req *provider.Request, cancel context.CancelFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil {
		e.active = make(map[uuid.UUID]*activeVisit)
	}
	e.active[runID] = &activeVisit{req: req, cancel: cancel}
}

func (e *Engine) untrackDispatch(runID uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.active, runID)
}

func (e *Engine) activeDispatch(runID uuid.UUID) *activeVisit {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active[runID]
}

// emitRunStatus publishes a run status change to the run and flowchart rooms.
func (e *Engine) emitRunStatus(ctx context.Context, run *models.FlowchartRun, status models.RunStatus) {
	e.metrics.RunTransition(string(status))
	_, err := e.emitter.EmitContractEvent(ctx, realtime.Event{
		EventType:  "flowchart:run:updated",
		EntityKind: "flowchart_run",
		EntityID:   run.ID.String(),
		RoomKeys: []string{
			contracts.RunRoom(run.ID.String()),
			contracts.FlowchartRoom(run.FlowchartID.String()),
		},
		Payload: map[string]any{
			"run_id":       run.ID.String(),
			"flowchart_id": run.FlowchartID.String(),
			"status":       string(status),
			"run_mode":     run.RunMode,
		},
	})
	if err != nil {
		e.log.Error("failed to emit run status event",
			"run_id", run.ID.String(), "status", string(status), "error", err)
	}
}

// Run mode aliases for the engine's own call sites.
const (
	RunModeStandard = models.RunModeStandard
	RunModeChild    = models.RunModeChild
)

type depthKey struct{}

// maxChildDepth bounds sub-flowchart nesting; direct self-reference is
// rejected by the handler, this catches longer reference cycles.
const maxChildDepth = 8

// RunChild executes a sub-flowchart synchronously and reports its terminal
// state. Child node runs stay under the child run id.
func (e *Engine) RunChild(ctx context.Context, flowchartID, parentRunID uuid.UUID, input map[string]any) (*runtime.ChildRunResult, error) {
	depth, _ := ctx.Value(depthKey{}).(int)
	if depth >= maxChildDepth {
		return nil, fmt.Errorf("%w: sub-flowchart nesting exceeds %d levels", contracts.ErrValidation, maxChildDepth)
	}
	ctx = context.WithValue(ctx, depthKey{}, depth+1)

	now := time.Now().UTC()
	child := &models.FlowchartRun{
		ID:          uuid.New(),
		FlowchartID: flowchartID,
		Status:      models.RunQueued,
		RunMode:     RunModeChild,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.store.CreateRun(ctx, child); err != nil {
		return nil, err
	}

	e.log.Info("child run starting",
		"child_run_id", child.ID.String(),
		"parent_run_id", parentRunID.String(),
		"flowchart_id", flowchartID.String())

	if err := e.ExecuteRun(ctx, child.ID, input); err != nil {
		return nil, err
	}

	final, err := e.store.GetRun(ctx, child.ID)
	if err != nil {
		return nil, err
	}

	result := &runtime.ChildRunResult{RunID: child.ID, Status: final.Status}
	if output, err := e.finalOutput(ctx, child.ID); err == nil {
		result.Output = output
	}
	return result, nil
}

// finalOutput returns the final_output recorded by the child's end node.
func (e *Engine) finalOutput(ctx context.Context, runID uuid.UUID) (map[string]any, error) {
	nodes, err := e.store.ListNodeRuns(ctx, runID)
	if err != nil {
		return nil, err
	}
	for i := len(nodes) - 1; i >= 0; i-- {
		if nodes[i].NodeType != contracts.NodeTypeEnd || nodes[i].Status != models.NodeRunSucceeded {
			continue
		}
		if final, ok := nodes[i].OutputState["final_output"].(map[string]any); ok {
			return final, nil
		}
		if final, present := nodes[i].OutputState["final_output"]; present {
			return map[string]any{"final_output": final}, nil
		}
		return map[string]any{}, nil
	}
	return nil, fmt.Errorf("run %s recorded no end node", runID)
}
