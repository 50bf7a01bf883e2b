package main

import (
	"context"
	"errors"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	"github.com/llmctl/llmctl/common/logger"
	"github.com/llmctl/llmctl/common/redis"
)

// Subscriber bridges the realtime bus onto the hub. It pattern-subscribes to
// every room channel and plain-subscribes to the broadcast channel, then
// forwards payloads untouched; the emitter already sealed them in envelopes.
type Subscriber struct {
	rdb              *redis.Client
	hub              *Hub
	roomPrefix       string
	broadcastChannel string
	log              *logger.Logger
}

func NewSubscriber(rdb *redis.Client, hub *Hub, roomPrefix, broadcastChannel string, log *logger.Logger) *Subscriber {
	return &Subscriber{
		rdb:              rdb,
		hub:              hub,
		roomPrefix:       roomPrefix,
		broadcastChannel: broadcastChannel,
		log:              log,
	}
}

// Start blocks forwarding bus messages until ctx is cancelled or a
// subscription dies.
func (s *Subscriber) Start(ctx context.Context) error {
	pattern := s.roomPrefix + "*"

	rooms := s.rdb.PSubscribe(ctx, pattern)
	defer rooms.Close()

	broadcast := s.rdb.Subscribe(ctx, s.broadcastChannel)
	defer broadcast.Close()

	// Confirm both subscriptions before serving traffic
	if _, err := rooms.Receive(ctx); err != nil {
		return errors.Join(errors.New("room subscription failed"), err)
	}
	if _, err := broadcast.Receive(ctx); err != nil {
		return errors.Join(errors.New("broadcast subscription failed"), err)
	}

	s.log.Info("realtime subscriber started",
		"pattern", pattern,
		"broadcast", s.broadcastChannel)

	roomCh := rooms.Channel()
	broadcastCh := broadcast.Channel()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("realtime subscriber stopping")
			return nil

		case msg, ok := <-roomCh:
			if !ok {
				return errors.New("room channel closed")
			}
			s.forwardRoomMessage(msg)

		case msg, ok := <-broadcastCh:
			if !ok {
				return errors.New("broadcast channel closed")
			}
			s.hub.Broadcast([]byte(msg.Payload))
		}
	}
}

// forwardRoomMessage strips the channel prefix back off to recover the room
// key the emitter published under.
func (s *Subscriber) forwardRoomMessage(msg *goredis.Message) {
	room := strings.TrimPrefix(msg.Channel, s.roomPrefix)
	if room == "" || room == msg.Channel {
		s.log.Warn("message on unexpected channel", "channel", msg.Channel)
		return
	}
	s.hub.Publish(room, []byte(msg.Payload))
}
