// Package provider implements the execution providers and the router that
// selects between them. A provider takes a dispatch request and a callback
// and returns an execution result with the dispatch record filled in; the
// workspace provider runs the callback in-process, the kubernetes provider
// runs a Job and hands the collected result to the callback.
package provider

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/llmctl/llmctl/common/contracts"
)

// Result statuses.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Default per-node timeouts, used when the request leaves them zero.
const (
	DefaultDispatchTimeout      = 30 * time.Second
	DefaultExecutionTimeout     = 10 * time.Minute
	DefaultLogCollectionTimeout = 30 * time.Second
)

// Callback is the node work a provider drives. The workspace provider calls
// it with the request payload; the kubernetes provider calls it with the
// result JSON collected from the Job.
type Callback func(ctx context.Context, payload map[string]any) (map[string]any, error)

// Timeouts bounds one dispatch. All values are per-node and in seconds.
type Timeouts struct {
	DispatchSeconds      int
	ExecutionSeconds     int
	LogCollectionSeconds int
	CancelGraceSeconds   int
}

func (t Timeouts) dispatch() time.Duration {
	if t.DispatchSeconds > 0 {
		return time.Duration(t.DispatchSeconds) * time.Second
	}
	return DefaultDispatchTimeout
}

func (t Timeouts) execution() time.Duration {
	if t.ExecutionSeconds > 0 {
		return time.Duration(t.ExecutionSeconds) * time.Second
	}
	return DefaultExecutionTimeout
}

func (t Timeouts) logCollection() time.Duration {
	if t.LogCollectionSeconds > 0 {
		return time.Duration(t.LogCollectionSeconds) * time.Second
	}
	return DefaultLogCollectionTimeout
}

// Request describes one provider dispatch. ExecutionID is the node-run
// idempotency key: a replay run carries its own run id and therefore fresh
// keys, while re-dispatching the same execution within one process is
// rejected by the dispatch registry.
type Request struct {
	ExecutionID       string
	RunID             uuid.UUID
	NodeID            uuid.UUID
	ExecutionIndex    int
	WorkspaceIdentity string
	Payload           map[string]any
	Metadata          *contracts.RunMetadata
	FallbackAttempted bool
	Timeouts          Timeouts
}

// Result is the outcome of one dispatch. Metadata is always populated with
// the run metadata record the provider stamped.
type Result struct {
	Status   string
	Output   map[string]any
	Metadata *contracts.RunMetadata
	Err      error
}

// Succeeded reports whether the dispatch and execution both completed.
func (r *Result) Succeeded() bool {
	return r != nil && r.Status == StatusSucceeded
}

// Provider is the execution capability the router dispatches through.
type Provider interface {
	Name() string
	Execute(ctx context.Context, req *Request, cb Callback) *Result
	Cancel(ctx context.Context, req *Request, force bool) error
}

// metadataFor returns the request's metadata record, creating one when the
// request was dispatched without going through the router.
func metadataFor(req *Request, providerName string) *contracts.RunMetadata {
	if req.Metadata == nil {
		req.Metadata = contracts.NewRunMetadata(providerName, req.WorkspaceIdentity)
	}
	return req.Metadata
}
