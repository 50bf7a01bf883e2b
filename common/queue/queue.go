package queue

import (
	"context"
	"sync"

	"github.com/llmctl/llmctl/common/logger"
)

// Queue is the message-passing boundary between the controlplane (which
// enqueues run requests) and flowd (which consumes them).
type Queue interface {
	Publish(ctx context.Context, topic string, key string, message []byte) error
	Subscribe(ctx context.Context, topic string, handler MessageHandler) error
	Close() error
}

// MessageHandler processes messages
type MessageHandler func(ctx context.Context, key string, value []byte) error

const subscriberBuffer = 1000

// MemoryQueue is an in-process Queue for single-binary deployments and
// tests. Like the stream queue's consumer group, subscribers on the same
// topic compete for messages: each message is delivered to exactly one
// subscriber, round-robin.
type MemoryQueue struct {
	mu     sync.Mutex
	topics map[string]*memoryTopic
	closed bool
	log    *logger.Logger
}

type memoryTopic struct {
	subscribers []chan memoryMessage
	next        int
	backlog     []memoryMessage
}

type memoryMessage struct {
	key   string
	value []byte
}

// NewMemoryQueue creates a new in-memory queue
func NewMemoryQueue(log *logger.Logger) *MemoryQueue {
	return &MemoryQueue{
		topics: make(map[string]*memoryTopic),
		log:    log,
	}
}

func (q *MemoryQueue) topic(name string) *memoryTopic {
	t, ok := q.topics[name]
	if !ok {
		t = &memoryTopic{}
		q.topics[name] = t
	}
	return t
}

// Publish hands the message to the next subscriber on the topic. When no
// subscriber is attached yet the message is held in a backlog and replayed
// on the first Subscribe, so startup ordering does not lose work.
func (q *MemoryQueue) Publish(ctx context.Context, topic string, key string, message []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}

	t := q.topic(topic)
	msg := memoryMessage{key: key, value: message}

	if len(t.subscribers) == 0 {
		t.backlog = append(t.backlog, msg)
		return nil
	}
	q.deliverLocked(topic, t, msg)
	return nil
}

func (q *MemoryQueue) deliverLocked(topic string, t *memoryTopic, msg memoryMessage) {
	ch := t.subscribers[t.next%len(t.subscribers)]
	t.next++
	select {
	case ch <- msg:
	default:
		q.log.Warn("queue subscriber full, dropping message", "topic", topic, "key", msg.key)
	}
}

// Subscribe attaches a handler to the topic. Any backlog accumulated before
// the first subscriber arrived is delivered immediately. Handler errors are
// logged and consumption continues.
func (q *MemoryQueue) Subscribe(ctx context.Context, topic string, handler MessageHandler) error {
	ch := make(chan memoryMessage, subscriberBuffer)

	q.mu.Lock()
	t := q.topic(topic)
	t.subscribers = append(t.subscribers, ch)
	backlog := t.backlog
	t.backlog = nil
	for _, msg := range backlog {
		q.deliverLocked(topic, t, msg)
	}
	q.mu.Unlock()

	q.log.Info("subscribing to topic", "topic", topic)

	go func() {
		for {
			select {
			case <-ctx.Done():
				q.log.Info("subscription cancelled", "topic", topic)
				q.detach(topic, ch)
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if err := handler(ctx, msg.key, msg.value); err != nil {
					q.log.Error("message handler error", "topic", topic, "key", msg.key, "error", err)
				}
			}
		}
	}()

	return nil
}

func (q *MemoryQueue) detach(topic string, ch chan memoryMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.topics[topic]
	if !ok {
		return
	}
	for i, sub := range t.subscribers {
		if sub == ch {
			t.subscribers = append(t.subscribers[:i], t.subscribers[i+1:]...)
			break
		}
	}
}

// Close drops all subscribers and backlogs
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true

	for topic, t := range q.topics {
		for _, ch := range t.subscribers {
			close(ch)
		}
		q.log.Info("closed topic", "topic", topic)
	}
	q.topics = make(map[string]*memoryTopic)
	return nil
}
