package contracts

import "fmt"

// Deterministic idempotency key builders. Keys are plain strings so replays
// and retries collide with the original dispatch by construction.

// NodeRunKey identifies one execution of a node within a run.
func NodeRunKey(runID, nodeID string, executionIndex int) string {
	return fmt.Sprintf("flowchart_run:%s:flowchart_node:%s:execution:%d", runID, nodeID, executionIndex)
}

// ArtifactKey identifies one artifact emitted by a node run.
func ArtifactKey(runID, nodeRunID, artifactType string) string {
	return fmt.Sprintf("flowchart_run:%s:node_run:%s:artifact:%s", runID, nodeRunID, artifactType)
}

// DispatchKey identifies one provider dispatch.
func DispatchKey(provider, executionID string) string {
	return fmt.Sprintf("%s:%s", provider, executionID)
}
