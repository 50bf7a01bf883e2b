package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/llmctl/llmctl/common/contracts"
	"github.com/llmctl/llmctl/common/logger"
	"github.com/llmctl/llmctl/common/settings"
)

// FallbackReasonKubernetesDispatch is stamped on run metadata when a failed
// kubernetes dispatch is retried on the workspace provider.
const FallbackReasonKubernetesDispatch = "kubernetes_dispatch_failed"

// Router picks the execution provider from runtime settings and stamps the
// dispatch record onto each request. An unrecognized provider setting is
// coerced to kubernetes on both the selected and final fields.
type Router struct {
	providers map[string]Provider
	settings  *settings.RuntimeSettings
	log       *logger.Logger
}

// NewRouter creates a router over the two concrete providers.
func NewRouter(workspace, kubernetes Provider, rs *settings.RuntimeSettings, log *logger.Logger) *Router {
	return &Router{
		providers: map[string]Provider{
			contracts.ProviderWorkspace:  workspace,
			contracts.ProviderKubernetes: kubernetes,
		},
		settings: rs,
		log:      log,
	}
}

// SelectedProvider returns the configured provider, coerced to kubernetes
// when the setting names anything else.
func (r *Router) SelectedProvider() string {
	switch r.settings.Provider {
	case contracts.ProviderWorkspace, contracts.ProviderKubernetes:
		return r.settings.Provider
	default:
		if r.settings.Provider != "" {
			r.log.Warn("unknown provider setting coerced to kubernetes", "provider", r.settings.Provider)
		}
		return contracts.ProviderKubernetes
	}
}

// WorkspaceIdentity returns the identity stamped on every dispatch.
func (r *Router) WorkspaceIdentity() string {
	return r.settings.WorkspaceIdentityKey
}

// RouteRequest stamps the selection onto the request: selected provider,
// workspace identity, and a pending dispatch record.
func (r *Router) RouteRequest(req *Request) *Request {
	selected := r.SelectedProvider()
	req.WorkspaceIdentity = r.settings.WorkspaceIdentityKey
	req.Metadata = contracts.NewRunMetadata(selected, r.settings.WorkspaceIdentityKey)
	return req
}

// ExecuteRouted dispatches the request through the selected provider. When
// workspace fallback is enabled, a kubernetes dispatch that failed with a
// certain outcome is retried once on the workspace provider; ambiguous
// dispatches and duplicate keys never fall back.
func (r *Router) ExecuteRouted(ctx context.Context, req *Request, cb Callback) *Result {
	if req.Metadata == nil {
		r.RouteRequest(req)
	}

	selected := req.Metadata.SelectedProvider
	p, ok := r.providers[selected]
	if !ok || p == nil {
		req.Metadata.DispatchStatus = contracts.DispatchFailed
		return &Result{
			Status:   StatusFailed,
			Metadata: req.Metadata,
			Err:      fmt.Errorf("%w: no provider registered for %q", contracts.ErrDispatchFailed, selected),
		}
	}

	result := p.Execute(ctx, req, cb)
	if r.shouldFallback(selected, req, result) {
		return r.fallbackToWorkspace(ctx, req, cb, result)
	}
	return result
}

// CancelRouted asks the request's final provider to cancel the dispatch.
func (r *Router) CancelRouted(ctx context.Context, req *Request, force bool) error {
	name := r.SelectedProvider()
	if req.Metadata != nil && req.Metadata.FinalProvider != "" {
		name = req.Metadata.FinalProvider
	}
	p, ok := r.providers[name]
	if !ok || p == nil {
		return fmt.Errorf("no provider registered for %q", name)
	}
	return p.Cancel(ctx, req, force)
}

func (r *Router) shouldFallback(selected string, req *Request, result *Result) bool {
	if selected != contracts.ProviderKubernetes || result.Status != StatusFailed {
		return false
	}
	if !r.settings.WorkspaceFallbackEnabled || req.FallbackAttempted {
		return false
	}
	meta := result.Metadata
	if meta == nil || meta.DispatchStatus != contracts.DispatchFailed || meta.DispatchUncertain {
		return false
	}
	// A duplicate key means the work already ran somewhere; re-running it on
	// the workspace would double-execute.
	return !errors.Is(result.Err, contracts.ErrIdempotencyConflict)
}

func (r *Router) fallbackToWorkspace(ctx context.Context, req *Request, cb Callback, failed *Result) *Result {
	req.FallbackAttempted = true
	meta := failed.Metadata
	meta.FallbackAttempted = true
	meta.DispatchStatus = contracts.DispatchFallbackStarted
	meta.FallbackReason = contracts.Ptr(FallbackReasonKubernetesDispatch)

	r.log.Warn("kubernetes dispatch failed, retrying on workspace",
		"run_id", req.RunID,
		"node_id", req.NodeID,
		"execution_id", req.ExecutionID,
		"error", failed.Err,
	)

	req.Metadata = meta
	return r.providers[contracts.ProviderWorkspace].Execute(ctx, req, cb)
}
