// Package contracts defines the versioned runtime shapes shared by every
// llmctl service: node outputs, routing state, run metadata, artifact
// payloads, API error envelopes, and socket event envelopes. Every shape on
// the wire carries ContractVersion.
package contracts

// ContractVersion is stamped on every runtime shape.
const ContractVersion = "v1"

// Node types. Artifact types use the same vocabulary.
const (
	NodeTypeStart     = "start"
	NodeTypeEnd       = "end"
	NodeTypeTask      = "task"
	NodeTypeDecision  = "decision"
	NodeTypeMemory    = "memory"
	NodeTypeMilestone = "milestone"
	NodeTypePlan      = "plan"
	NodeTypeFlowchart = "flowchart"
	NodeTypeRAG       = "rag"
)

// Execution providers
const (
	ProviderWorkspace  = "workspace"
	ProviderKubernetes = "kubernetes"
)

// Dispatch statuses stamped into run metadata
const (
	DispatchPending         = "dispatch_pending"
	DispatchConfirmed       = "dispatch_confirmed"
	DispatchFailed          = "dispatch_failed"
	DispatchFallbackStarted = "dispatch_fallback_started"
)

// Ptr returns a pointer to v. Used to populate nullable metadata fields.
func Ptr[T any](v T) *T {
	return &v
}
