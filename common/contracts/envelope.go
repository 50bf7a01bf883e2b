package contracts

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"
)

// SocketEventEnvelope is the shape every realtime event is wrapped in.
// EventID always equals IdempotencyKey; Sequence is strictly monotonic per
// SequenceStream within a process.
type SocketEventEnvelope struct {
	ContractVersion string         `json:"contract_version"`
	EventID         string         `json:"event_id"`
	IdempotencyKey  string         `json:"idempotency_key"`
	Sequence        uint64         `json:"sequence"`
	SequenceStream  string         `json:"sequence_stream"`
	EmittedAt       time.Time      `json:"emitted_at"`
	EventType       string         `json:"event_type"`
	EntityKind      string         `json:"entity_kind"`
	EntityID        string         `json:"entity_id"`
	RoomKeys        []string       `json:"room_keys"`
	Runtime         map[string]any `json:"runtime,omitempty"`
	Payload         map[string]any `json:"payload"`
}

var nonEventChars = regexp.MustCompile(`[^a-z0-9_]+`)

// CanonicalSocketEventType normalizes an event type to domain:entity:action.
// The input splits on ':' (or '.' when no ':' is present) and needs at least
// three segments. Each segment is lowercased; runs of characters outside
// [a-z0-9_] collapse to a single '_'; leading and trailing '_' are stripped.
// Segments beyond the third collapse into the action joined by '_'. A
// segment that normalizes to empty rejects the whole input.
func CanonicalSocketEventType(s string) (string, error) {
	sep := ":"
	if !strings.Contains(s, ":") {
		sep = "."
	}
	parts := strings.Split(s, sep)
	if len(parts) < 3 {
		return "", fmt.Errorf("%w: event type %q needs at least 3 segments", ErrContractViolation, s)
	}

	norm := make([]string, 0, len(parts))
	for _, part := range parts {
		p := strings.ToLower(part)
		p = nonEventChars.ReplaceAllString(p, "_")
		p = strings.Trim(p, "_")
		if p == "" {
			return "", fmt.Errorf("%w: event type %q has an empty segment", ErrContractViolation, s)
		}
		norm = append(norm, p)
	}

	action := strings.Join(norm[2:], "_")
	return norm[0] + ":" + norm[1] + ":" + action, nil
}

// RoomKeyPrefixes is the whitelist enforced on subscribe/unsubscribe and by
// the room key builders below. Both sides read this one list, so adding a
// prefix here updates the validator and the builders together.
var RoomKeyPrefixes = []string{
	"task",
	"run",
	"flowchart",
	"flowchart_run",
	"flowchart_node",
	"thread",
	"download_job",
}

// ValidRoomKey reports whether key is "<prefix>:<id>" with a whitelisted
// prefix and a non-empty id.
func ValidRoomKey(key string) bool {
	prefix, id, ok := strings.Cut(key, ":")
	if !ok || id == "" {
		return false
	}
	return slices.Contains(RoomKeyPrefixes, prefix)
}

// Room key builders. Keep these aligned with RoomKeyPrefixes.

func FlowchartRoom(flowchartID string) string { return "flowchart:" + flowchartID }
func RunRoom(runID string) string             { return "flowchart_run:" + runID }
func NodeRoom(nodeID string) string           { return "flowchart_node:" + nodeID }
func TaskRoom(taskID string) string           { return "task:" + taskID }
func ThreadRoom(threadID string) string       { return "thread:" + threadID }
