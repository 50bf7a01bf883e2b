package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/llmctl/llmctl/common/contracts"
	"github.com/llmctl/llmctl/common/logger"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 30 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 25 * time.Second

	// Maximum message size allowed from peer; clients only send small
	// subscribe/unsubscribe commands
	maxMessageSize = 512

	// Outbound buffer per client, sized for event bursts during node fanout
	sendBuffer = 512
)

// clientCommand is the only message shape clients may send.
type clientCommand struct {
	Action string `json:"action"`
	Room   string `json:"room"`
}

// clientAck confirms a subscribe or unsubscribe.
type clientAck struct {
	Status string `json:"status"`
	Room   string `json:"room"`
}

// Client is one WebSocket connection. Reads run on readPump, writes on
// writePump; nothing else may touch the connection.
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	log  *logger.Logger
}

func NewClient(hub *Hub, conn *websocket.Conn, log *logger.Logger) *Client {
	return &Client{
		id:   uuid.NewString(),
		hub:  hub,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		log:  log,
	}
}

// readPump consumes subscribe/unsubscribe commands and keeps the read
// deadline fresh off pongs. It owns teardown: when the read side dies the
// client leaves the hub, which closes the send channel and stops writePump.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure) {
				c.log.Warn("socket read failed", "conn_id", c.id, "error", err)
			}
			return
		}
		c.handleCommand(raw)
	}
}

// handleCommand applies one client command. Rooms outside the whitelist are
// rejected with an error envelope instead of closing the connection.
func (c *Client) handleCommand(raw []byte) {
	var cmd clientCommand
	if err := json.Unmarshal(raw, &cmd); err != nil {
		c.sendError(`malformed command, expected {"action": ..., "room": ...}`)
		return
	}

	switch cmd.Action {
	case "subscribe":
		if !contracts.ValidRoomKey(cmd.Room) {
			c.sendError(fmt.Sprintf("room %q is not subscribable", cmd.Room))
			return
		}
		c.hub.Subscribe(c, cmd.Room)
		c.sendAck("subscribed", cmd.Room)

	case "unsubscribe":
		c.hub.Unsubscribe(c, cmd.Room)
		c.sendAck("unsubscribed", cmd.Room)

	default:
		c.sendError(fmt.Sprintf("unknown action %q", cmd.Action))
	}
}

func (c *Client) sendAck(status, room string) {
	data, err := json.Marshal(clientAck{Status: status, Room: room})
	if err != nil {
		return
	}
	c.enqueue(data)
}

func (c *Client) sendError(message string) {
	envelope := contracts.NewAPIError(contracts.CodeInvalidRequest, message, c.id)
	data, err := json.Marshal(envelope)
	if err != nil {
		return
	}
	c.enqueue(data)
}

// enqueue hands a frame to writePump. Frames are dropped when the buffer is
// full; the hub disconnects clients that far behind on the next publish.
func (c *Client) enqueue(data []byte) {
	select {
	case c.send <- data:
	default:
	}
}

// writePump pushes hub events to the connection and pings on an interval.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// One frame per event so clients can parse each JSON
			// envelope on its own
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			// Drain whatever queued up behind it, still one frame each
			n := len(c.send)
			for i := 0; i < n; i++ {
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.conn.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
					return
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
