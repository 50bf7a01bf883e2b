package provider

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
	"github.com/llmctl/llmctl/common/settings"
)

// stubProvider returns a canned result and counts invocations.
type stubProvider struct {
	name   string
	result func(req *Request) *Result
	calls  int
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Execute(ctx context.Context, req *Request, cb Callback) *Result {
	s.calls++
	return s.result(req)
}

func (s *stubProvider) Cancel(ctx context.Context, req *Request, force bool) error { return nil }

func failedCertain(req *Request) *Result {
	meta := metadataFor(req, contracts.ProviderKubernetes)
	meta.FinalProvider = contracts.ProviderKubernetes
	meta.DispatchStatus = contracts.DispatchFailed
	return &Result{
		Status:   StatusFailed,
		Metadata: meta,
		Err:      fmt.Errorf("%w: job submission: connection refused", contracts.ErrDispatchFailed),
	}
}

func failedUncertain(req *Request) *Result {
	result := failedCertain(req)
	result.Metadata.DispatchUncertain = true
	return result
}

func routerSettings(provider string, fallback bool) *settings.RuntimeSettings {
	rs := settings.Defaults()
	rs.Provider = provider
	rs.WorkspaceIdentityKey = "tenant-7"
	rs.WorkspaceFallbackEnabled = fallback
	return rs
}

func TestRouteRequestStampsSelection(t *testing.T) {
	router := NewRouter(
		NewWorkspaceExecutor(dispatch.NewRegistry(), logger.New("error", "json")),
		&stubProvider{name: contracts.ProviderKubernetes, result: failedCertain},
		routerSettings("workspace", false),
		logger.New("error", "json"),
	)

	req := testRequest()
	router.RouteRequest(req)

	require.NotNil(t, req.Metadata)
	assert.Equal(t, contracts.ProviderWorkspace, req.Metadata.SelectedProvider)
	assert.Equal(t, contracts.ProviderWorkspace, req.Metadata.FinalProvider)
	assert.Equal(t, "tenant-7", req.Metadata.WorkspaceIdentity)
	assert.Equal(t, "tenant-7", req.WorkspaceIdentity)
	assert.Equal(t, contracts.DispatchPending, req.Metadata.DispatchStatus)
}

func TestRouterCoercesUnknownProvider(t *testing.T) {
	kube := &stubProvider{name: contracts.ProviderKubernetes, result: func(req *Request) *Result {
		meta := metadataFor(req, contracts.ProviderKubernetes)
		meta.FinalProvider = contracts.ProviderKubernetes
		meta.DispatchStatus = contracts.DispatchConfirmed
		return &Result{Status: StatusSucceeded, Metadata: meta, Output: map[string]any{}}
	}}
	router := NewRouter(
		NewWorkspaceExecutor(dispatch.NewRegistry(), logger.New("error", "json")),
		kube,
		routerSettings("docker", false),
		logger.New("error", "json"),
	)

	req := testRequest()
	result := router.ExecuteRouted(context.Background(), req, func(ctx context.Context, payload map[string]any) (map[string]any, error) {
		return payload, nil
	})

	require.True(t, result.Succeeded())
	assert.Equal(t, 1, kube.calls, "coerced provider must be kubernetes")
	assert.Equal(t, contracts.ProviderKubernetes, result.Metadata.SelectedProvider)
	assert.Equal(t, contracts.ProviderKubernetes, result.Metadata.FinalProvider)
}

func TestRouterWorkspaceDispatch(t *testing.T) {
	router := NewRouter(
		NewWorkspaceExecutor(dispatch.NewRegistry(), logger.New("error", "json")),
		&stubProvider{name: contracts.ProviderKubernetes, result: failedCertain},
		routerSettings("workspace", false),
		logger.New("error", "json"),
	)

	req := testRequest()
	result := router.ExecuteRouted(context.Background(), req, func(ctx context.Context, payload map[string]any) (map[string]any, error) {
		return map[string]any{"done": true}, nil
	})

	require.True(t, result.Succeeded())
	meta := result.Metadata
	assert.Equal(t, contracts.ProviderWorkspace, meta.SelectedProvider)
	assert.Equal(t, contracts.ProviderWorkspace, meta.FinalProvider)
	assert.Equal(t, contracts.DispatchConfirmed, meta.DispatchStatus)
	require.NotNil(t, meta.ProviderDispatchID)
	assert.Equal(t, "workspace:workspace-"+req.ExecutionID, *meta.ProviderDispatchID)
}

func TestRouterFallbackToWorkspace(t *testing.T) {
	kube := &stubProvider{name: contracts.ProviderKubernetes, result: failedCertain}
	router := NewRouter(
		NewWorkspaceExecutor(dispatch.NewRegistry(), logger.New("error", "json")),
		kube,
		routerSettings("kubernetes", true),
		logger.New("error", "json"),
	)

	req := testRequest()
	result := router.ExecuteRouted(context.Background(), req, func(ctx context.Context, payload map[string]any) (map[string]any, error) {
		return map[string]any{"ran": "on workspace"}, nil
	})

	require.True(t, result.Succeeded())
	assert.Equal(t, 1, kube.calls)

	meta := result.Metadata
	assert.Equal(t, contracts.ProviderKubernetes, meta.SelectedProvider, "selection is preserved across fallback")
	assert.Equal(t, contracts.ProviderWorkspace, meta.FinalProvider)
	assert.True(t, meta.FallbackAttempted)
	require.NotNil(t, meta.FallbackReason)
	assert.Equal(t, FallbackReasonKubernetesDispatch, *meta.FallbackReason)
	assert.Equal(t, contracts.DispatchConfirmed, meta.DispatchStatus)
	assert.True(t, req.FallbackAttempted)
}

func TestRouterNoFallbackWhenUncertain(t *testing.T) {
	kube := &stubProvider{name: contracts.ProviderKubernetes, result: failedUncertain}
	workspace := &stubProvider{name: contracts.ProviderWorkspace, result: failedCertain}
	router := NewRouter(workspace, kube, routerSettings("kubernetes", true), logger.New("error", "json"))

	result := router.ExecuteRouted(context.Background(), testRequest(), nil)

	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, 0, workspace.calls, "an ambiguous dispatch must never fall back")
	assert.True(t, result.Metadata.DispatchUncertain)
	assert.False(t, result.Metadata.FallbackAttempted)
}

func TestRouterNoFallbackWhenDisabled(t *testing.T) {
	workspace := &stubProvider{name: contracts.ProviderWorkspace, result: failedCertain}
	router := NewRouter(
		workspace,
		&stubProvider{name: contracts.ProviderKubernetes, result: failedCertain},
		routerSettings("kubernetes", false),
		logger.New("error", "json"),
	)

	result := router.ExecuteRouted(context.Background(), testRequest(), nil)

	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, 0, workspace.calls)
}

func TestRouterNoDoubleFallback(t *testing.T) {
	workspace := &stubProvider{name: contracts.ProviderWorkspace, result: failedCertain}
	router := NewRouter(
		workspace,
		&stubProvider{name: contracts.ProviderKubernetes, result: failedCertain},
		routerSettings("kubernetes", true),
		logger.New("error", "json"),
	)

	req := testRequest()
	req.FallbackAttempted = true
	result := router.ExecuteRouted(context.Background(), req, nil)

	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, 0, workspace.calls, "a request that already fell back must not fall back again")
}

func TestRouterNoFallbackOnIdempotencyConflict(t *testing.T) {
	kube := &stubProvider{name: contracts.ProviderKubernetes, result: func(req *Request) *Result {
		meta := metadataFor(req, contracts.ProviderKubernetes)
		meta.DispatchStatus = contracts.DispatchFailed
		return &Result{
			Status:   StatusFailed,
			Metadata: meta,
			Err:      fmt.Errorf("%w: dispatch key already registered", contracts.ErrIdempotencyConflict),
		}
	}}
	workspace := &stubProvider{name: contracts.ProviderWorkspace, result: failedCertain}
	router := NewRouter(workspace, kube, routerSettings("kubernetes", true), logger.New("error", "json"))

	result := router.ExecuteRouted(context.Background(), testRequest(), nil)

	assert.Equal(t, StatusFailed, result.Status)
	assert.True(t, errors.Is(result.Err, contracts.ErrIdempotencyConflict))
	assert.Equal(t, 0, workspace.calls, "duplicate dispatches must not re-run on the workspace")
}
