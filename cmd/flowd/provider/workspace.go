package provider

import (
	"context"
	"fmt"
	"sync"

	"github.com/llmctl/llmctl/common/contracts"
	"github.com/llmctl/llmctl/common/dispatch"
	"github.com/llmctl/llmctl/common/logger"
)

// WorkspaceExecutor runs node work in-process. Each dispatch registers a key
// in the shared registry first, so a replayed request with the same execution
// id fails instead of running twice.
type WorkspaceExecutor struct {
	registry *dispatch.Registry
	log      *logger.Logger

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// NewWorkspaceExecutor creates a workspace executor. A nil registry uses the
// process-wide one.
func NewWorkspaceExecutor(registry *dispatch.Registry, log *logger.Logger) *WorkspaceExecutor {
	if registry == nil {
		registry = dispatch.Default
	}
	return &WorkspaceExecutor{
		registry: registry,
		log:      log,
		active:   make(map[string]context.CancelFunc),
	}
}

func (w *WorkspaceExecutor) Name() string {
	return contracts.ProviderWorkspace
}

// Execute records the dispatch key, then runs the callback under the
// per-node execution timeout. A duplicate key fails without side effects.
func (w *WorkspaceExecutor) Execute(ctx context.Context, req *Request, cb Callback) *Result {
	meta := metadataFor(req, contracts.ProviderWorkspace)
	meta.FinalProvider = contracts.ProviderWorkspace

	if cb == nil {
		meta.DispatchStatus = contracts.DispatchFailed
		return &Result{
			Status:   StatusFailed,
			Metadata: meta,
			Err:      fmt.Errorf("%w: workspace dispatch without a callback", contracts.ErrValidation),
		}
	}

	key := contracts.DispatchKey(contracts.ProviderWorkspace, req.ExecutionID)
	if !w.registry.Register(key) {
		meta.DispatchStatus = contracts.DispatchFailed
		w.log.Warn("duplicate workspace dispatch rejected", "dispatch_key", key, "run_id", req.RunID)
		return &Result{
			Status:   StatusFailed,
			Metadata: meta,
			Err:      fmt.Errorf("%w: dispatch key %q already registered", contracts.ErrIdempotencyConflict, key),
		}
	}

	meta.ProviderDispatchID = contracts.Ptr(contracts.DispatchKey(contracts.ProviderWorkspace, "workspace-"+req.ExecutionID))
	meta.DispatchStatus = contracts.DispatchConfirmed

	execCtx, cancel := context.WithTimeout(ctx, req.Timeouts.execution())
	defer cancel()
	w.track(req.ExecutionID, cancel)
	defer w.untrack(req.ExecutionID)

	output, err := cb(execCtx, req.Payload)
	if err != nil {
		return &Result{
			Status:   StatusFailed,
			Metadata: meta,
			Err:      fmt.Errorf("%w: workspace execution %s: %v", contracts.ErrExecution, req.ExecutionID, err),
		}
	}

	return &Result{Status: StatusSucceeded, Output: output, Metadata: meta}
}

// Cancel aborts an in-flight execution cooperatively: the callback's context
// is cancelled and the callback is expected to observe it at its next
// blocking call. There is no harder kill in-process, so force is ignored.
// Cancelling an unknown execution is a no-op.
func (w *WorkspaceExecutor) Cancel(ctx context.Context, req *Request, force bool) error {
	w.mu.Lock()
	cancel, ok := w.active[req.ExecutionID]
	w.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

func (w *WorkspaceExecutor) track(executionID string, cancel context.CancelFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.active[executionID] = cancel
}

func (w *WorkspaceExecutor) untrack(executionID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.active, executionID)
}
