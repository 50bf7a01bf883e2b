package runcontrol

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/llmctl/llmctl/common/models"
)

// Trace sections. An empty include list selects all of them.
const (
	SectionNodes     = "node_trace"
	SectionTools     = "tool_trace"
	SectionArtifacts = "artifact_trace"
	SectionTimeline  = "timeline"
)

// toolSummaryKey is where handlers merge the deterministic tooling summary
// into the node output state.
const toolSummaryKey = "deterministic_tooling"

const (
	defaultTraceLimit = 100
	maxTraceLimit     = 500
)

// TraceOptions filter the aggregation. DegradedOnly keeps only degraded
// node executions; TraceRequestID keeps only executions whose tool
// invocation carried that request id.
type TraceOptions struct {
	Include        []string
	DegradedOnly   bool
	TraceRequestID string
	Limit          int
}

// NodeTraceEntry is one node execution in the trace.
type NodeTraceEntry struct {
	NodeID         uuid.UUID  `json:"node_id"`
	NodeType       string     `json:"node_type"`
	ExecutionIndex int        `json:"execution_index"`
	Status         string     `json:"status"`
	DegradedStatus bool       `json:"degraded_status"`
	DegradedReason *string    `json:"degraded_reason,omitempty"`
	ErrorMessage   *string    `json:"error_message,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

// ToolTraceEntry is one deterministic tool invocation.
type ToolTraceEntry struct {
	NodeID          uuid.UUID `json:"node_id"`
	ExecutionIndex  int       `json:"execution_index"`
	ToolName        string    `json:"tool_name"`
	Operation       string    `json:"operation"`
	ExecutionStatus string    `json:"execution_status"`
	AttemptCount    int       `json:"attempt_count"`
	FallbackUsed    bool      `json:"fallback_used"`
	RequestID       string    `json:"request_id,omitempty"`
	CorrelationID   string    `json:"correlation_id,omitempty"`
	Warnings        []string  `json:"warnings,omitempty"`
}

// ArtifactTraceEntry is one persisted artifact.
type ArtifactTraceEntry struct {
	ArtifactID     uuid.UUID `json:"artifact_id"`
	NodeRunID      uuid.UUID `json:"node_run_id"`
	ArtifactType   string    `json:"artifact_type"`
	IdempotencyKey string    `json:"idempotency_key"`
	CreatedAt      time.Time `json:"created_at"`
}

// TimelineEntry is one warning on the run's timeline.
type TimelineEntry struct {
	At             time.Time `json:"at"`
	EventType      string    `json:"event_type"`
	NodeID         uuid.UUID `json:"node_id"`
	ExecutionIndex int       `json:"execution_index"`
	DegradedReason *string   `json:"degraded_reason,omitempty"`
}

// Trace is the aggregated view of one run.
type Trace struct {
	RunID         uuid.UUID            `json:"run_id"`
	State         string               `json:"state"`
	NodeTrace     []NodeTraceEntry     `json:"node_trace,omitempty"`
	ToolTrace     []ToolTraceEntry     `json:"tool_trace,omitempty"`
	ArtifactTrace []ArtifactTraceEntry `json:"artifact_trace,omitempty"`
	Timeline      []TimelineEntry      `json:"timeline,omitempty"`
}

// RunWarning is one degraded execution in the status summary.
type RunWarning struct {
	NodeID         uuid.UUID `json:"node_id"`
	NodeType       string    `json:"node_type"`
	ExecutionIndex int       `json:"execution_index"`
	Reason         string    `json:"reason"`
}

// StatusSummary answers the status endpoint.
type StatusSummary struct {
	State        string       `json:"state"`
	WarningCount int          `json:"warning_count"`
	Warnings     []RunWarning `json:"warnings"`
}

// Trace aggregates the run's node, tool, and artifact traces plus the
// warning timeline, applying the option filters.
func (c *Controller) Trace(ctx context.Context, runID uuid.UUID, opts TraceOptions) (*Trace, error) {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	nodes, err := c.store.ListNodeRuns(ctx, runID)
	if err != nil {
		return nil, err
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = defaultTraceLimit
	}
	if limit > maxTraceLimit {
		limit = maxTraceLimit
	}

	include := map[string]bool{}
	for _, section := range opts.Include {
		include[section] = true
	}
	wants := func(section string) bool { return len(include) == 0 || include[section] }

	// Apply filters to the node set first; every section derives from it.
	selected := make([]*models.FlowchartRunNode, 0, len(nodes))
	selectedIDs := make(map[uuid.UUID]struct{}, len(nodes))
	for _, node := range nodes {
		if opts.DegradedOnly && !node.DegradedStatus {
			continue
		}
		if opts.TraceRequestID != "" {
			summary := toolSummary(node)
			if summary == nil || stringField(summary, "request_id") != opts.TraceRequestID {
				continue
			}
		}
		selected = append(selected, node)
		selectedIDs[node.ID] = struct{}{}
	}

	trace := &Trace{RunID: runID, State: string(run.Status)}

	if wants(SectionNodes) {
		for _, node := range selected {
			if len(trace.NodeTrace) >= limit {
				break
			}
			trace.NodeTrace = append(trace.NodeTrace, NodeTraceEntry{
				NodeID:         node.NodeID,
				NodeType:       node.NodeType,
				ExecutionIndex: node.ExecutionIndex,
				Status:         string(node.Status),
				DegradedStatus: node.DegradedStatus,
				DegradedReason: node.DegradedReason,
				ErrorMessage:   node.ErrorMessage,
				StartedAt:      node.StartedAt,
				FinishedAt:     node.FinishedAt,
			})
		}
	}

	if wants(SectionTools) {
		for _, node := range selected {
			if len(trace.ToolTrace) >= limit {
				break
			}
			summary := toolSummary(node)
			if summary == nil {
				continue
			}
			trace.ToolTrace = append(trace.ToolTrace, ToolTraceEntry{
				NodeID:          node.NodeID,
				ExecutionIndex:  node.ExecutionIndex,
				ToolName:        stringField(summary, "tool_name"),
				Operation:       stringField(summary, "operation"),
				ExecutionStatus: stringField(summary, "execution_status"),
				AttemptCount:    intField(summary, "attempt_count"),
				FallbackUsed:    boolField(summary, "fallback_used"),
				RequestID:       stringField(summary, "request_id"),
				CorrelationID:   stringField(summary, "correlation_id"),
				Warnings:        stringsField(summary, "warnings"),
			})
		}
	}

	if wants(SectionArtifacts) {
		artifacts, err := c.store.ListArtifacts(ctx, runID)
		if err != nil {
			return nil, err
		}
		for _, artifact := range artifacts {
			if len(trace.ArtifactTrace) >= limit {
				break
			}
			if _, ok := selectedIDs[artifact.NodeRunID]; !ok {
				continue
			}
			trace.ArtifactTrace = append(trace.ArtifactTrace, ArtifactTraceEntry{
				ArtifactID:     artifact.ID,
				NodeRunID:      artifact.NodeRunID,
				ArtifactType:   artifact.ArtifactType,
				IdempotencyKey: artifact.IdempotencyKey,
				CreatedAt:      artifact.CreatedAt,
			})
		}
	}

	if wants(SectionTimeline) {
		for _, node := range selected {
			if len(trace.Timeline) >= limit {
				break
			}
			if !node.DegradedStatus || node.FinishedAt == nil {
				continue
			}
			trace.Timeline = append(trace.Timeline, TimelineEntry{
				At:             *node.FinishedAt,
				EventType:      "flowchart:run:warning",
				NodeID:         node.NodeID,
				ExecutionIndex: node.ExecutionIndex,
				DegradedReason: node.DegradedReason,
			})
		}
	}

	return trace, nil
}

// Status summarizes the run state and its degraded executions.
func (c *Controller) Status(ctx context.Context, runID uuid.UUID) (*StatusSummary, error) {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	nodes, err := c.store.ListNodeRuns(ctx, runID)
	if err != nil {
		return nil, err
	}

	summary := &StatusSummary{State: string(run.Status), Warnings: []RunWarning{}}
	for _, node := range nodes {
		if !node.DegradedStatus {
			continue
		}
		reason := "degraded"
		if node.DegradedReason != nil {
			reason = *node.DegradedReason
		}
		summary.Warnings = append(summary.Warnings, RunWarning{
			NodeID:         node.NodeID,
			NodeType:       node.NodeType,
			ExecutionIndex: node.ExecutionIndex,
			Reason:         reason,
		})
	}
	summary.WarningCount = len(summary.Warnings)
	return summary, nil
}

// toolSummary extracts the tooling summary a handler merged into the output
// state, or nil when the node ran no deterministic tool.
func toolSummary(node *models.FlowchartRunNode) map[string]any {
	if node.OutputState == nil {
		return nil
	}
	summary, ok := node.OutputState[toolSummaryKey].(map[string]any)
	if !ok {
		return nil
	}
	return summary
}

func stringField(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

func boolField(m map[string]any, key string) bool {
	v, _ := m[key].(bool)
	return v
}

func intField(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

func stringsField(m map[string]any, key string) []string {
	switch v := m[key].(type) {
	case []string:
		return v
	case []any:
		var out []string
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
