package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/llmctl/llmctl/common/contracts"
	"github.com/llmctl/llmctl/common/logger"
)

// fakePublisher records published messages per channel.
type fakePublisher struct {
	mu       sync.Mutex
	messages map[string][]string
	fail     bool
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{messages: make(map[string][]string)}
}

func (p *fakePublisher) PublishEvent(_ context.Context, channel, message string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("publish refused")
	}
	p.messages[channel] = append(p.messages[channel], message)
	return nil
}

func (p *fakePublisher) count(channel string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.messages[channel])
}

func testEmitter(pub Publisher) *Emitter {
	log := logger.New("error", "json")
	return NewEmitter(pub, NewSequencer(), "realtime:room:", "realtime:broadcast", log)
}

// TestEmitContractEvent verifies envelope mechanics: canonical type, id
// equality, sequence stream naming and per-room publication.
func TestEmitContractEvent(t *testing.T) {
	pub := newFakePublisher()
	emitter := testEmitter(pub)

	env, err := emitter.EmitContractEvent(context.Background(), Event{
		EventType:  "Node.Task.Progress.Updated",
		EntityKind: "flowchart_node",
		EntityID:   "n1",
		RoomKeys:   []string{"flowchart_run:r1", "flowchart_node:n1", "flowchart_run:r1"},
		Payload:    map[string]any{"status": "running"},
	})
	if err != nil {
		t.Fatalf("EmitContractEvent: %v", err)
	}

	if env.ContractVersion != contracts.ContractVersion {
		t.Errorf("contract version = %q", env.ContractVersion)
	}
	if env.EventType != "node:task:progress_updated" {
		t.Errorf("event type = %q", env.EventType)
	}
	if env.EventID == "" || env.EventID != env.IdempotencyKey {
		t.Errorf("event id %q must equal idempotency key %q", env.EventID, env.IdempotencyKey)
	}
	if env.SequenceStream != "flowchart_node:n1" {
		t.Errorf("sequence stream = %q", env.SequenceStream)
	}
	if env.Sequence != 1 {
		t.Errorf("sequence = %d, want 1", env.Sequence)
	}
	if len(env.RoomKeys) != 2 {
		t.Errorf("rooms should deduplicate, got %v", env.RoomKeys)
	}

	if pub.count("realtime:room:flowchart_run:r1") != 1 {
		t.Error("expected one publish on the run room")
	}
	if pub.count("realtime:room:flowchart_node:n1") != 1 {
		t.Error("expected one publish on the node room")
	}
	if pub.count("realtime:broadcast") != 0 {
		t.Error("roomed event must not broadcast")
	}

	var decoded map[string]any
	if err := json.Unmarshal([]byte(pub.messages["realtime:room:flowchart_run:r1"][0]), &decoded); err != nil {
		t.Fatalf("published message is not JSON: %v", err)
	}
	if decoded["event_type"] != "node:task:progress_updated" {
		t.Errorf("published event_type = %v", decoded["event_type"])
	}
}

// TestEmitBroadcastWhenNoRooms verifies room-less events go to the
// broadcast channel.
func TestEmitBroadcastWhenNoRooms(t *testing.T) {
	pub := newFakePublisher()
	emitter := testEmitter(pub)

	_, err := emitter.EmitContractEvent(context.Background(), Event{
		EventType:  "config:model:created",
		EntityKind: "model",
		EntityID:   "m1",
	})
	if err != nil {
		t.Fatalf("EmitContractEvent: %v", err)
	}
	if pub.count("realtime:broadcast") != 1 {
		t.Error("expected one broadcast publish")
	}
}

// TestEmitRejectsBadInput verifies contract violations surface as errors.
func TestEmitRejectsBadInput(t *testing.T) {
	emitter := testEmitter(newFakePublisher())
	ctx := context.Background()

	cases := []Event{
		{EventType: "onlytwo:segments", EntityKind: "run", EntityID: "r"},
		{EventType: "a:b:c", EntityKind: "", EntityID: "r"},
		{EventType: "a:b:c", EntityKind: "run", EntityID: "r", RoomKeys: []string{"bogus:key"}},
		{EventType: "a:b:c", EntityKind: "run", EntityID: "r", RoomKeys: []string{"flowchart_run:"}},
	}
	for i, ev := range cases {
		if _, err := emitter.EmitContractEvent(ctx, ev); !errors.Is(err, contracts.ErrContractViolation) {
			t.Errorf("case %d: want contract violation, got %v", i, err)
		}
	}
}

// TestEmitSequencePerStream verifies independent entities get independent
// sequences while one entity's events count up.
func TestEmitSequencePerStream(t *testing.T) {
	pub := newFakePublisher()
	emitter := testEmitter(pub)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		env, err := emitter.EmitContractEvent(ctx, Event{
			EventType:  "flowchart:run:updated",
			EntityKind: "flowchart_run",
			EntityID:   "r1",
			RoomKeys:   []string{"flowchart_run:r1"},
		})
		if err != nil {
			t.Fatalf("emit %d: %v", i, err)
		}
		if env.Sequence != uint64(i) {
			t.Errorf("sequence = %d, want %d", env.Sequence, i)
		}
	}

	env, err := emitter.EmitContractEvent(ctx, Event{
		EventType:  "flowchart:run:updated",
		EntityKind: "flowchart_run",
		EntityID:   "r2",
		RoomKeys:   []string{"flowchart_run:r2"},
	})
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	if env.Sequence != 1 {
		t.Errorf("new entity sequence = %d, want 1", env.Sequence)
	}
}

// TestEmitConcurrentMonotonic hammers one stream from many goroutines and
// verifies every assigned sequence is unique and the stream has no gaps.
func TestEmitConcurrentMonotonic(t *testing.T) {
	const n = 128
	pub := newFakePublisher()
	emitter := testEmitter(pub)

	seqs := make([]uint64, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(slot int) {
			defer wg.Done()
			env, err := emitter.EmitContractEvent(context.Background(), Event{
				EventType:  "flowchart:run:updated",
				EntityKind: "flowchart_run",
				EntityID:   "contended",
				RoomKeys:   []string{"flowchart_run:contended"},
			})
			if err != nil {
				t.Errorf("emit: %v", err)
				return
			}
			seqs[slot] = env.Sequence
		}(i)
	}
	wg.Wait()

	seen := make(map[uint64]bool, n)
	var max uint64
	for _, s := range seqs {
		if s == 0 || seen[s] {
			t.Fatalf("duplicate or zero sequence %d", s)
		}
		seen[s] = true
		if s > max {
			max = s
		}
	}
	if max != n {
		t.Errorf("max sequence = %d, want %d (gap detected)", max, n)
	}
}

// TestQueueFlushOrder verifies buffered events publish in insertion order
// and the queue empties.
func TestQueueFlushOrder(t *testing.T) {
	pub := newFakePublisher()
	emitter := testEmitter(pub)

	var q Queue
	q.Add(Event{EventType: "flowchart:run:updated", EntityKind: "flowchart_run", EntityID: "r1", RoomKeys: []string{"flowchart_run:r1"}})
	q.Add(Event{EventType: "flowchart:run:completed", EntityKind: "flowchart_run", EntityID: "r1", RoomKeys: []string{"flowchart_run:r1"}})
	if q.Len() != 2 {
		t.Fatalf("Len = %d", q.Len())
	}

	q.Flush(context.Background(), emitter)
	if q.Len() != 0 {
		t.Error("queue should be empty after flush")
	}

	msgs := pub.messages["realtime:room:flowchart_run:r1"]
	if len(msgs) != 2 {
		t.Fatalf("published %d messages, want 2", len(msgs))
	}
	var first, second contracts.SocketEventEnvelope
	if err := json.Unmarshal([]byte(msgs[0]), &first); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal([]byte(msgs[1]), &second); err != nil {
		t.Fatal(err)
	}
	if first.EventType != "flowchart:run:updated" || second.EventType != "flowchart:run:completed" {
		t.Errorf("flush order wrong: %s then %s", first.EventType, second.EventType)
	}
	if second.Sequence != first.Sequence+1 {
		t.Errorf("sequences not consecutive: %d then %d", first.Sequence, second.Sequence)
	}
}

// TestQueueFlushSkipsFailures verifies a failing publish does not stop the
// rest of the buffer from flushing.
func TestQueueFlushSkipsFailures(t *testing.T) {
	pub := newFakePublisher()
	emitter := testEmitter(pub)

	var q Queue
	q.Add(Event{EventType: "bad", EntityKind: "flowchart_run", EntityID: "r1"})
	q.Add(Event{EventType: "flowchart:run:updated", EntityKind: "flowchart_run", EntityID: "r1", RoomKeys: []string{"flowchart_run:r1"}})
	q.Flush(context.Background(), emitter)

	if pub.count("realtime:room:flowchart_run:r1") != 1 {
		t.Error("valid event should still publish after a failed one")
	}
	if q.Len() != 0 {
		t.Error("queue should be empty after flush")
	}
}

func BenchmarkEmitContractEvent(b *testing.B) {
	pub := newFakePublisher()
	emitter := testEmitter(pub)
	emitter.now = func() time.Time { return time.Unix(0, 0) }
	ctx := context.Background()

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, err := emitter.EmitContractEvent(ctx, Event{
			EventType:  "node:task:updated",
			EntityKind: "flowchart_node",
			EntityID:   "bench",
			RoomKeys:   []string{"flowchart_node:bench"},
		})
		if err != nil {
			b.Fatal(err)
		}
	}
}
