package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/llmctl/llmctl/cmd/flowd/provider"
	"github.com/llmctl/llmctl/cmd/flowd/runtime"
	"github.com/llmctl/llmctl/common/contracts"
	"github.com/llmctl/llmctl/common/models"
	"github.com/llmctl/llmctl/common/realtime"
)

// errRunSuspended stops traversal without a terminal transition: the run
// was paused or cancelled between node visits.
var errRunSuspended = errors.New("run suspended")

// maxRunVisits bounds traversal of cyclic graphs. Loop-back edges are legal;
// a run that revisits nodes this many times is treated as non-terminating.
const maxRunVisits = 1000

// visit is one scheduled node execution: the node plus the solid upstream
// output that enqueued it. The start visit is seeded with the submitted run
// input instead, which the start handler passes through unchanged.
type visit struct {
	node   *models.FlowchartNode
	latest map[string]any
	seeded bool
}

// traversal is the in-memory walk state of one run.
type traversal struct {
	counters map[uuid.UUID]int
	dotted   map[uuid.UUID]map[string]any
	executed []map[string]any
	frontier []visit
	visits   int
}

// ExecuteRun drives one flowchart run to a stopping point: terminal status,
// pause, or cancellation. A redelivered request for a terminal or paused run
// is a no-op. Permanent failures mark the run failed and return nil so the
// queue does not redeliver them.
func (e *Engine) ExecuteRun(ctx context.Context, runID uuid.UUID, input map[string]any) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run %s: %w", runID, err)
	}

	switch run.Status {
	case models.RunSucceeded, models.RunFailed, models.RunCancelled:
		e.log.Info("ignoring request for terminal run", "run_id", runID.String(), "status", string(run.Status))
		return nil
	case models.RunPaused:
		e.log.Info("ignoring request for paused run", "run_id", runID.String())
		return nil
	case models.RunPausing:
		// Pause won the race before a worker picked the run up.
		e.applyPause(ctx, run)
		return nil
	}

	graph, err := e.loadGraph(ctx, run.FlowchartID)
	if err != nil {
		return e.failRun(ctx, run, fmt.Errorf("load graph %s: %w", run.FlowchartID, err))
	}

	starts := graph.StartNodes()
	if len(starts) != 1 {
		return e.failRun(ctx, run, fmt.Errorf("%w: flowchart needs exactly one start node, found %d",
			contracts.ErrValidation, len(starts)))
	}

	if run.Status == models.RunQueued {
		if err := e.store.MarkRunStarted(ctx, run.ID, time.Now().UTC()); err != nil {
			return fmt.Errorf("mark run started: %w", err)
		}
		run.Status = models.RunRunning
		e.emitRunStatus(ctx, run, models.RunRunning)
	}

	t := &traversal{
		counters: make(map[uuid.UUID]int),
		dotted:   make(map[uuid.UUID]map[string]any),
		frontier: []visit{{node: starts[0], latest: input, seeded: true}},
	}
	return e.walk(ctx, run, graph, t)
}

// walk consumes the frontier until it drains, a node terminates the run, or
// control suspends it. Nodes execute sequentially; branches interleave in
// enqueue order.
func (e *Engine) walk(ctx context.Context, run *models.FlowchartRun, graph *models.Graph, t *traversal) error {
	for len(t.frontier) > 0 {
		if err := e.checkControl(ctx, run); err != nil {
			if errors.Is(err, errRunSuspended) {
				return nil
			}
			return err
		}

		v := t.frontier[0]
		t.frontier = t.frontier[1:]

		t.visits++
		if t.visits > maxRunVisits {
			return e.failRun(ctx, run, fmt.Errorf("%w: traversal exceeded %d node visits",
				contracts.ErrValidation, maxRunVisits))
		}

		index := t.counters[v.node.ID]
		t.counters[v.node.ID] = index + 1

		inputContext := buildInputContext(v, t.dotted[v.node.ID], t.executed)
		record, execErr := e.executeVisit(ctx, run, v.node, index, inputContext)
		if record == nil {
			// Persistence failed; leave the run for redelivery.
			return execErr
		}

		t.executed = append(t.executed, map[string]any{
			"node_id":         v.node.ID.String(),
			"node_name":       v.node.Name,
			"node_type":       v.node.Type,
			"execution_index": index,
			"status":          string(record.Status),
		})

		if execErr != nil {
			if errors.Is(execErr, context.Canceled) || errors.Is(execErr, context.DeadlineExceeded) {
				// Control cancelled the in-flight node or the worker is
				// shutting down; the run status is settled elsewhere.
				e.log.Warn("node execution interrupted",
					"run_id", run.ID.String(), "node_id", v.node.ID.String(), "error", execErr)
				return nil
			}
			return e.failRun(ctx, run, execErr)
		}

		accumulateDotted(graph, v.node, record.OutputState, t.dotted)

		routing := decodeRouting(record.RoutingState)
		if routing.TerminateRun {
			break
		}

		for _, edge := range nextEdges(graph, v.node.ID, routing) {
			target := graph.NodeByID(edge.TargetNodeID)
			if target == nil {
				return e.failRun(ctx, run, fmt.Errorf("%w: edge %s targets unknown node %s",
					contracts.ErrValidation, edge.ID, edge.TargetNodeID))
			}
			t.frontier = append(t.frontier, visit{node: target, latest: record.OutputState})
		}
	}

	return e.finishRun(ctx, run, models.RunSucceeded, t.visits)
}

// finishRun settles a drained run into its terminal status. The transition
// is compare-and-set so a cancel that landed during the last node wins.
func (e *Engine) finishRun(ctx context.Context, run *models.FlowchartRun, status models.RunStatus, visits int) error {
	current, applied, err := e.store.CompareAndSetRunStatus(ctx, run.ID,
		[]models.RunStatus{models.RunRunning, models.RunPausing}, status)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if !applied {
		e.log.Info("run already settled", "run_id", run.ID.String(), "status", string(current))
		return nil
	}
	if err := e.store.MarkRunFinished(ctx, run.ID, status, time.Now().UTC()); err != nil {
		return fmt.Errorf("stamp run finished: %w", err)
	}
	e.emitRunStatus(ctx, run, status)
	e.log.Info("run finished", "run_id", run.ID.String(), "status", string(status), "visits", visits)
	return nil
}

// checkControl re-reads the run between node visits and applies any control
// transition that happened while the previous node executed.
func (e *Engine) checkControl(ctx context.Context, run *models.FlowchartRun) error {
	current, err := e.store.GetRun(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("reload run %s: %w", run.ID, err)
	}

	switch current.Status {
	case models.RunRunning:
		return nil
	case models.RunPausing:
		e.applyPause(ctx, current)
		return errRunSuspended
	case models.RunPaused, models.RunCancelled:
		e.log.Info("run suspended between nodes", "run_id", run.ID.String(), "status", string(current.Status))
		return errRunSuspended
	default:
		return errRunSuspended
	}
}

// applyPause settles a pausing run into paused and announces it.
func (e *Engine) applyPause(ctx context.Context, run *models.FlowchartRun) {
	_, applied, err := e.store.CompareAndSetRunStatus(ctx, run.ID,
		[]models.RunStatus{models.RunPausing}, models.RunPaused)
	if err != nil {
		e.log.Error("failed to settle pause", "run_id", run.ID.String(), "error", err)
		return
	}
	if applied {
		e.emitRunStatus(ctx, run, models.RunPaused)
		e.log.Info("run paused", "run_id", run.ID.String())
	}
}

// failRun marks the run failed, emits the terminal event, and swallows the
// cause so the request is consumed; the cause lives on the failed node row
// and in the log. A concurrent cancel keeps its terminal status.
func (e *Engine) failRun(ctx context.Context, run *models.FlowchartRun, cause error) error {
	current, applied, err := e.store.CompareAndSetRunStatus(ctx, run.ID,
		[]models.RunStatus{models.RunQueued, models.RunRunning, models.RunPausing}, models.RunFailed)
	if err != nil {
		return fmt.Errorf("mark run failed: %w", err)
	}
	if !applied {
		e.log.Warn("run failed after settling elsewhere",
			"run_id", run.ID.String(), "status", string(current), "error", cause)
		return nil
	}
	if err := e.store.MarkRunFinished(ctx, run.ID, models.RunFailed, time.Now().UTC()); err != nil {
		return fmt.Errorf("stamp run failed: %w", err)
	}
	e.emitRunStatus(ctx, run, models.RunFailed)
	e.log.Error("run failed", "run_id", run.ID.String(), "error", cause)
	return nil
}

// executeVisit runs one node visit: idempotency check, running row, handler
// execution, transactional finalize with artifact, post-commit events. The
// returned record is nil only when persistence itself failed.
func (e *Engine) executeVisit(ctx context.Context, run *models.FlowchartRun, node *models.FlowchartNode, index int, inputContext map[string]any) (*models.FlowchartRunNode, error) {
	key := contracts.NodeRunKey(run.ID.String(), node.ID.String(), index)

	existing, err := e.store.NodeRunByKey(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("lookup node run %s: %w", key, err)
	}

	record := existing
	if existing != nil {
		switch existing.Status {
		case models.NodeRunSucceeded:
			e.log.Info("reusing recorded node execution",
				"run_id", run.ID.String(), "node_id", node.ID.String(), "execution_index", index)
			return existing, nil
		case models.NodeRunFailed, models.NodeRunCancelled:
			return existing, fmt.Errorf("%w: node %s execution %d already %s",
				contracts.ErrExecution, node.ID, index, existing.Status)
		default:
			// An interrupted worker left a running row; adopt it and
			// re-execute under the same key.
			e.log.Warn("adopting interrupted node execution",
				"run_id", run.ID.String(), "node_id", node.ID.String(), "execution_index", index)
		}
	}

	if record == nil {
		record = &models.FlowchartRunNode{
			ID:             uuid.New(),
			RunID:          run.ID,
			NodeID:         node.ID,
			NodeType:       node.Type,
			ExecutionIndex: index,
			IdempotencyKey: key,
			Status:         models.NodeRunRunning,
			InputContext:   inputContext,
			StartedAt:      time.Now().UTC(),
		}
		if err := e.store.CreateNodeRun(ctx, record); err != nil {
			return nil, fmt.Errorf("create node run: %w", err)
		}
		e.emitNodeEvent(ctx, run, record, node, "updated", nil)
	}

	in := &runtime.NodeInput{
		Run:            run,
		Node:           node,
		ExecutionIndex: index,
		IdempotencyKey: key,
		InputContext:   inputContext,
	}

	// Cancel reaches the in-flight handler through the visit context and,
	// for kubernetes dispatches, through the tracked provider request.
	visitCtx, cancelVisit := context.WithCancel(ctx)
	e.trackDispatch(run.ID, &provider.Request{
		ExecutionID:    key,
		RunID:          run.ID,
		NodeID:         node.ID,
		ExecutionIndex: index,
	}, cancelVisit)
	began := time.Now()
	result, execErr := e.registry.Execute(visitCtx, in)
	e.untrackDispatch(run.ID)
	cancelVisit()

	if result == nil {
		result = &runtime.NodeResult{}
	}
	if result.Metadata == nil {
		result.Metadata = e.localDispatchMetadata(key)
	}

	finished := time.Now().UTC()
	record.OutputState = result.OutputState
	record.RoutingState = result.RoutingState()
	record.RunMetadata = result.Metadata
	record.ResolvedAgentID = result.ResolvedAgentID
	record.ResolvedRoleID = result.ResolvedRoleID
	record.ResolvedInstructionManifestHash = result.ResolvedInstructionManifestHash
	record.InstructionMaterializedPaths = result.InstructionMaterializedPaths
	record.FinishedAt = &finished

	var artifact *models.NodeArtifact
	if execErr == nil {
		payload := runtime.ArtifactPayload(in, result)
		if err := contracts.ValidateArtifactPayload(node.Type, payload); err != nil {
			execErr = err
		} else {
			artifact = &models.NodeArtifact{
				ID:             uuid.New(),
				RunID:          run.ID,
				NodeRunID:      record.ID,
				ArtifactType:   node.Type,
				IdempotencyKey: contracts.ArtifactKey(run.ID.String(), record.ID.String(), node.Type),
				Payload:        payload,
				CreatedAt:      finished,
			}
		}
	}

	if execErr != nil {
		record.Status = models.NodeRunFailed
		if errors.Is(execErr, context.Canceled) {
			record.Status = models.NodeRunCancelled
		}
		message := execErr.Error()
		record.ErrorMessage = &message
	} else {
		record.Status = models.NodeRunSucceeded
		degraded, reason := runtime.DeriveDegraded(result.Metadata, result.OutputState)
		record.DegradedStatus = degraded
		record.DegradedReason = reason
	}
	e.metrics.ObserveVisit(node.Type, string(record.Status), time.Since(began))

	events := &realtime.Queue{}
	if execErr != nil {
		events.Add(e.nodeEvent(run, record, node, "updated", result.Warnings))
	} else {
		events.Add(e.nodeEvent(run, record, node, "completed", result.Warnings))
		if record.DegradedStatus {
			events.Add(e.warningEvent(run, record, result.Warnings))
		}
	}

	if err := e.store.FinalizeVisit(ctx, record, artifact); err != nil {
		return nil, fmt.Errorf("finalize node run: %w", err)
	}
	events.Flush(ctx, e.emitter)

	return record, execErr
}

// localDispatchMetadata records the dispatch block for nodes the loop
// completes in-process without a provider dispatch. Selected and final
// mirror the routing selection so coercion stays visible on every emitted
// node; the dispatch id takes the workspace form because the work ran here.
func (e *Engine) localDispatchMetadata(executionID string) *contracts.RunMetadata {
	selected := contracts.ProviderWorkspace
	identity := ""
	if e.selection != nil {
		selected = e.selection.SelectedProvider()
		identity = e.selection.WorkspaceIdentity()
	}
	meta := contracts.NewRunMetadata(selected, identity)
	meta.DispatchStatus = contracts.DispatchConfirmed
	meta.ProviderDispatchID = contracts.Ptr(contracts.DispatchKey(contracts.ProviderWorkspace, "workspace-"+executionID))
	return meta
}

// nodeEvent builds a node lifecycle event for the run and node rooms.
func (e *Engine) nodeEvent(run *models.FlowchartRun, record *models.FlowchartRunNode, node *models.FlowchartNode, action string, warnings []string) realtime.Event {
	payload := map[string]any{
		"run_id":          run.ID.String(),
		"node_id":         node.ID.String(),
		"node_type":       node.Type,
		"execution_index": record.ExecutionIndex,
		"status":          string(record.Status),
		"degraded_status": record.DegradedStatus,
	}
	if record.DegradedReason != nil {
		payload["degraded_reason"] = *record.DegradedReason
	}
	if record.ErrorMessage != nil {
		payload["error"] = *record.ErrorMessage
	}
	if len(warnings) > 0 {
		payload["warnings"] = warnings
	}

	ev := realtime.Event{
		EventType:  fmt.Sprintf("node:%s:%s", node.Type, action),
		EntityKind: "flowchart_node",
		EntityID:   node.ID.String(),
		RoomKeys: []string{
			contracts.RunRoom(run.ID.String()),
			contracts.NodeRoom(node.ID.String()),
		},
		Payload: payload,
	}
	if record.RunMetadata != nil {
		ev.Runtime = record.RunMetadata.Map()
	}
	return ev
}

// emitNodeEvent publishes a node event immediately, outside a persistence
// scope. Used for the running transition whose insert already committed.
func (e *Engine) emitNodeEvent(ctx context.Context, run *models.FlowchartRun, record *models.FlowchartRunNode, node *models.FlowchartNode, action string, warnings []string) {
	if _, err := e.emitter.EmitContractEvent(ctx, e.nodeEvent(run, record, node, action, warnings)); err != nil {
		e.log.Error("failed to emit node event",
			"run_id", run.ID.String(), "node_id", node.ID.String(), "error", err)
	}
}

// warningEvent announces a degraded node on the run's warning timeline.
func (e *Engine) warningEvent(run *models.FlowchartRun, record *models.FlowchartRunNode, warnings []string) realtime.Event {
	payload := map[string]any{
		"run_id":          run.ID.String(),
		"node_id":         record.NodeID.String(),
		"node_type":       record.NodeType,
		"execution_index": record.ExecutionIndex,
	}
	if record.DegradedReason != nil {
		payload["degraded_reason"] = *record.DegradedReason
	}
	if len(warnings) > 0 {
		payload["warnings"] = warnings
	}
	return realtime.Event{
		EventType:  "flowchart:run:warning",
		EntityKind: "flowchart_run",
		EntityID:   run.ID.String(),
		RoomKeys: []string{
			contracts.RunRoom(run.ID.String()),
			contracts.FlowchartRoom(run.FlowchartID.String()),
		},
		Payload: payload,
	}
}

// buildInputContext assembles what the handler sees: the latest solid
// upstream output, accumulated dotted outputs, and the aggregate list of
// executed upstream nodes. The seeded start visit receives the run input
// directly.
func buildInputContext(v visit, dotted map[string]any, executed []map[string]any) map[string]any {
	ctx := map[string]any{}
	switch {
	case v.seeded:
		for k, val := range v.latest {
			ctx[k] = val
		}
	case v.latest != nil:
		ctx[runtime.ContextLatestOutput] = v.latest
	}
	if len(dotted) > 0 {
		ctx[runtime.ContextDottedOutputs] = dotted
	}
	if len(executed) > 0 {
		upstream := make([]map[string]any, len(executed))
		copy(upstream, executed)
		ctx[runtime.ContextUpstreamNodes] = upstream
	}
	return ctx
}

// accumulateDotted records the node's output for every dotted-edge target,
// keyed by the source node's name (id when unnamed). Dotted edges carry
// context only; they never enqueue the target.
func accumulateDotted(graph *models.Graph, node *models.FlowchartNode, output map[string]any, dotted map[uuid.UUID]map[string]any) {
	key := node.Name
	if key == "" {
		key = node.ID.String()
	}
	for _, edge := range graph.OutgoingEdges(node.ID) {
		if edge.EdgeMode != models.EdgeModeDotted {
			continue
		}
		if dotted[edge.TargetNodeID] == nil {
			dotted[edge.TargetNodeID] = make(map[string]any)
		}
		dotted[edge.TargetNodeID][key] = output
	}
}

// decodeRouting reads the persisted routing state back into its typed form.
// Fresh executions round-trip exactly; replayed rows decode the stored map.
func decodeRouting(state map[string]any) contracts.RoutingOutput {
	var routing contracts.RoutingOutput
	if state == nil {
		return routing
	}
	if v, ok := state["route_key"].(string); ok {
		routing.RouteKey = v
	}
	if v, ok := state["terminate_run"].(bool); ok {
		routing.TerminateRun = v
	}
	if v, ok := state["no_match"].(bool); ok {
		routing.NoMatch = v
	}
	switch ids := state["matched_connector_ids"].(type) {
	case []string:
		routing.MatchedConnectorIDs = ids
	case []any:
		for _, id := range ids {
			if s, ok := id.(string); ok {
				routing.MatchedConnectorIDs = append(routing.MatchedConnectorIDs, s)
			}
		}
	}
	return routing
}

// nextEdges selects the outgoing edges the run advances on. A route key
// narrows to condition-matched edges; matched connector ids narrow to the
// named edges; an unmatched decision advances only on fallback edges, ending
// the branch when there are none; otherwise every solid edge advances.
func nextEdges(graph *models.Graph, nodeID uuid.UUID, routing contracts.RoutingOutput) []models.FlowchartEdge {
	var solid []models.FlowchartEdge
	for _, edge := range graph.OutgoingEdges(nodeID) {
		if edge.EdgeMode == models.EdgeModeSolid {
			solid = append(solid, edge)
		}
	}

	if routing.RouteKey != "" {
		var matched []models.FlowchartEdge
		for _, edge := range solid {
			if edge.ConditionKey != nil && *edge.ConditionKey == routing.RouteKey {
				matched = append(matched, edge)
			}
		}
		return matched
	}

	if len(routing.MatchedConnectorIDs) > 0 {
		wanted := make(map[string]struct{}, len(routing.MatchedConnectorIDs))
		for _, id := range routing.MatchedConnectorIDs {
			wanted[id] = struct{}{}
		}
		var matched []models.FlowchartEdge
		for _, edge := range solid {
			if _, ok := wanted[edge.ID.String()]; ok {
				matched = append(matched, edge)
			}
		}
		return matched
	}

	if routing.NoMatch {
		var fallback []models.FlowchartEdge
		for _, edge := range solid {
			if edge.ConditionKey != nil && *edge.ConditionKey == models.ConditionKeyFallback {
				fallback = append(fallback, edge)
			}
		}
		return fallback
	}

	return solid
}
