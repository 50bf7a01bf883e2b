package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/llmctl/llmctl/common/contracts"
	"github.com/llmctl/llmctl/common/logger"
)

// Publisher is the slice of the redis client the emitter needs.
type Publisher interface {
	PublishEvent(ctx context.Context, channel string, message string) error
}

// Event is the caller-facing input to EmitContractEvent. The emitter fills
// in envelope mechanics (ids, sequence, timestamps).
type Event struct {
	EventType  string
	EntityKind string
	EntityID   string
	RoomKeys   []string
	Runtime    map[string]any
	Payload    map[string]any
}

// Emitter wraps events in socket envelopes and publishes them once per
// deduplicated room. Events without rooms go to the broadcast channel.
type Emitter struct {
	pub            Publisher
	seq            *Sequencer
	roomPrefix     string
	broadcastTopic string
	log            *logger.Logger
	now            func() time.Time
	newIdempotency func() string
}

// NewEmitter creates an emitter publishing on roomPrefix+<room> channels
// and broadcastTopic when an event names no rooms.
func NewEmitter(pub Publisher, seq *Sequencer, roomPrefix, broadcastTopic string, log *logger.Logger) *Emitter {
	return &Emitter{
		pub:            pub,
		seq:            seq,
		roomPrefix:     roomPrefix,
		broadcastTopic: broadcastTopic,
		log:            log,
		now:            func() time.Time { return time.Now().UTC() },
		newIdempotency: func() string { return uuid.New().String() },
	}
}

// EmitContractEvent builds the envelope and publishes it. The event type is
// canonicalized; room keys are validated against the whitelist and
// deduplicated preserving first-seen order. Returns the envelope actually
// published.
func (e *Emitter) EmitContractEvent(ctx context.Context, ev Event) (*contracts.SocketEventEnvelope, error) {
	eventType, err := contracts.CanonicalSocketEventType(ev.EventType)
	if err != nil {
		return nil, err
	}
	if ev.EntityKind == "" || ev.EntityID == "" {
		return nil, fmt.Errorf("%w: event %s needs entity kind and id", contracts.ErrContractViolation, eventType)
	}

	rooms := make([]string, 0, len(ev.RoomKeys))
	seen := make(map[string]struct{}, len(ev.RoomKeys))
	for _, room := range ev.RoomKeys {
		if !contracts.ValidRoomKey(room) {
			return nil, fmt.Errorf("%w: room key %q not allowed", contracts.ErrContractViolation, room)
		}
		if _, dup := seen[room]; dup {
			continue
		}
		seen[room] = struct{}{}
		rooms = append(rooms, room)
	}

	id := e.newIdempotency()
	stream := ev.EntityKind + ":" + ev.EntityID
	envelope := &contracts.SocketEventEnvelope{
		ContractVersion: contracts.ContractVersion,
		EventID:         id,
		IdempotencyKey:  id,
		Sequence:        e.seq.Next(stream),
		SequenceStream:  stream,
		EmittedAt:       e.now(),
		EventType:       eventType,
		EntityKind:      ev.EntityKind,
		EntityID:        ev.EntityID,
		RoomKeys:        rooms,
		Runtime:         ev.Runtime,
		Payload:         ev.Payload,
	}

	encoded, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event envelope: %w", err)
	}

	if len(rooms) == 0 {
		if err := e.pub.PublishEvent(ctx, e.broadcastTopic, string(encoded)); err != nil {
			return nil, fmt.Errorf("failed to broadcast event %s: %w", eventType, err)
		}
		e.log.Debug("event broadcast", "event_type", eventType, "sequence", envelope.Sequence)
		return envelope, nil
	}

	for _, room := range rooms {
		if err := e.pub.PublishEvent(ctx, e.roomPrefix+room, string(encoded)); err != nil {
			return nil, fmt.Errorf("failed to publish event %s to room %s: %w", eventType, room, err)
		}
	}
	e.log.Debug("event published",
		"event_type", eventType,
		"sequence_stream", stream,
		"sequence", envelope.Sequence,
		"rooms", len(rooms))
	return envelope, nil
}

// Queue buffers events during a persistence scope so they publish only
// after the commit that produced them.
type Queue struct {
	events []Event
}

// Add appends an event to the buffer
func (q *Queue) Add(ev Event) {
	q.events = append(q.events, ev)
}

// Len returns the number of buffered events
func (q *Queue) Len() int {
	return len(q.events)
}

// Flush emits buffered events in order and empties the queue. Emission
// failures are logged and skipped so one bad event cannot hold back the
// rest; the write they describe has already committed.
func (q *Queue) Flush(ctx context.Context, emitter *Emitter) {
	for _, ev := range q.events {
		if _, err := emitter.EmitContractEvent(ctx, ev); err != nil {
			emitter.log.Error("failed to emit buffered event", "event_type", ev.EventType, "error", err)
		}
	}
	q.events = nil
}
