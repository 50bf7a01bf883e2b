package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/llmctl/llmctl/common/contracts"
)

// RunStatus is the lifecycle of a flowchart run. Pausing is the transient
// state between a pause request and the worker observing it.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunPausing   RunStatus = "pausing"
	RunPaused    RunStatus = "paused"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	return s == RunSucceeded || s == RunFailed || s == RunCancelled
}

// Run modes. Standard runs come from the API, child runs from flowchart
// nodes executing a sub-flowchart.
const (
	RunModeStandard = "standard"
	RunModeChild    = "child"
)

// FlowchartRun is one execution of a flowchart. ReplayOf/ReplayKey are the
// idempotency hooks for operator retry: a replay run records the run it
// replays and the idempotency key that created it.
// Maps to: flowchart_runs table
type FlowchartRun struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	FlowchartID uuid.UUID  `db:"flowchart_id" json:"flowchart_id"`
	Status      RunStatus  `db:"status" json:"status"`
	RunMode     string     `db:"run_mode" json:"run_mode"`
	ReplayOf    *uuid.UUID `db:"replay_of" json:"replay_of,omitempty"`
	ReplayKey   *string    `db:"replay_key" json:"replay_key,omitempty"`
	StartedAt   *time.Time `db:"started_at" json:"started_at,omitempty"`
	FinishedAt  *time.Time `db:"finished_at" json:"finished_at,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
}

// NodeRunStatus is the lifecycle of one node execution.
type NodeRunStatus string

const (
	NodeRunRunning   NodeRunStatus = "running"
	NodeRunSucceeded NodeRunStatus = "succeeded"
	NodeRunFailed    NodeRunStatus = "failed"
	NodeRunCancelled NodeRunStatus = "cancelled"
)

// FlowchartRunNode is one execution of a node within a run. RunMetadata is
// the dispatch record (stored as JSONB, exact on-wire shape preserved);
// degraded markers and resolved instruction fields land here after the
// handler completes.
// Maps to: flowchart_run_nodes table
type FlowchartRunNode struct {
	ID             uuid.UUID      `db:"id" json:"id"`
	RunID          uuid.UUID      `db:"run_id" json:"run_id"`
	NodeID         uuid.UUID      `db:"node_id" json:"node_id"`
	NodeType       string         `db:"node_type" json:"node_type"`
	ExecutionIndex int            `db:"execution_index" json:"execution_index"`
	IdempotencyKey string         `db:"idempotency_key" json:"idempotency_key"`
	Status         NodeRunStatus  `db:"status" json:"status"`
	InputContext   map[string]any `db:"input_context_json" json:"input_context"`
	OutputState    map[string]any `db:"output_state_json" json:"output_state"`
	RoutingState   map[string]any `db:"routing_state_json" json:"routing_state"`

	DegradedStatus bool    `db:"degraded_status" json:"degraded_status"`
	DegradedReason *string `db:"degraded_reason" json:"degraded_reason,omitempty"`

	ResolvedAgentID                 *uuid.UUID `db:"resolved_agent_id" json:"resolved_agent_id,omitempty"`
	ResolvedRoleID                  *uuid.UUID `db:"resolved_role_id" json:"resolved_role_id,omitempty"`
	ResolvedInstructionManifestHash *string    `db:"resolved_instruction_manifest_hash" json:"resolved_instruction_manifest_hash,omitempty"`
	InstructionMaterializedPaths    []string   `db:"instruction_materialized_paths" json:"instruction_materialized_paths,omitempty"`

	RunMetadata  *contracts.RunMetadata `db:"run_metadata" json:"run_metadata,omitempty"`
	ErrorMessage *string                `db:"error_message" json:"error_message,omitempty"`

	StartedAt  time.Time  `db:"started_at" json:"started_at"`
	FinishedAt *time.Time `db:"finished_at" json:"finished_at,omitempty"`
}
