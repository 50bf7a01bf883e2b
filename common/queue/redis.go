package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/llmctl/llmctl/common/logger"
	commonredis "github.com/llmctl/llmctl/common/redis"
)

// RedisStreamQueue is a Queue over Redis Streams with consumer groups.
// Each subscriber joins the configured group under a unique consumer name,
// so competing flowd replicas split the stream between them.
type RedisStreamQueue struct {
	client       *commonredis.Client
	group        string
	consumerName string
	batchSize    int64
	blockTimeout time.Duration
	log          *logger.Logger

	mu     sync.Mutex
	cancel []context.CancelFunc
}

// NewRedisStreamQueue creates a stream-backed queue
func NewRedisStreamQueue(client *commonredis.Client, group string, batchSize int, blockTimeout time.Duration, log *logger.Logger) *RedisStreamQueue {
	return &RedisStreamQueue{
		client:       client,
		group:        group,
		consumerName: fmt.Sprintf("%s_%s", group, uuid.New().String()[:8]),
		batchSize:    int64(batchSize),
		blockTimeout: blockTimeout,
		log:          log,
	}
}

// Publish adds a message to the stream
func (q *RedisStreamQueue) Publish(ctx context.Context, topic string, key string, message []byte) error {
	_, err := q.client.AddToStream(ctx, topic, map[string]interface{}{
		"key":     key,
		"payload": string(message),
	})
	if err != nil {
		return fmt.Errorf("failed to publish to stream %s: %w", topic, err)
	}
	return nil
}

// Subscribe joins the consumer group on the stream and processes messages
// until the context is cancelled. Handler errors are logged; the message is
// acknowledged either way so a poison message cannot wedge the group.
func (q *RedisStreamQueue) Subscribe(ctx context.Context, topic string, handler MessageHandler) error {
	if err := q.client.CreateStreamGroup(ctx, topic, q.group); err != nil {
		return fmt.Errorf("failed to create consumer group on %s: %w", topic, err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	q.mu.Lock()
	q.cancel = append(q.cancel, cancel)
	q.mu.Unlock()

	q.log.Info("subscribing to stream",
		"stream", topic,
		"group", q.group,
		"consumer", q.consumerName)

	go q.consumeLoop(loopCtx, topic, handler)
	return nil
}

func (q *RedisStreamQueue) consumeLoop(ctx context.Context, topic string, handler MessageHandler) {
	for {
		select {
		case <-ctx.Done():
			q.log.Info("stream subscription stopping", "stream", topic)
			return
		default:
		}

		streams, err := q.client.ReadFromStreamGroup(ctx, q.group, q.consumerName, topic, q.batchSize, q.blockTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			q.log.Error("stream read failed", "stream", topic, "error", err)
			time.Sleep(time.Second)
			continue
		}

		for _, stream := range streams {
			for _, message := range stream.Messages {
				key, _ := message.Values["key"].(string)
				payload, _ := message.Values["payload"].(string)

				if err := handler(ctx, key, []byte(payload)); err != nil {
					q.log.Error("message handler error",
						"stream", topic,
						"message_id", message.ID,
						"error", err)
				}
				if err := q.client.AckStreamMessage(ctx, topic, q.group, message.ID); err != nil {
					q.log.Error("failed to ACK message",
						"stream", topic,
						"message_id", message.ID,
						"error", err)
				}
			}
		}
	}
}

// Close stops all subscription loops
func (q *RedisStreamQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, cancel := range q.cancel {
		cancel()
	}
	q.cancel = nil
	return nil
}
