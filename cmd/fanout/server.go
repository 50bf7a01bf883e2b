package main

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/llmctl/llmctl/common/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin checks are left to the ingress; the socket carries no
	// credentials and subscriptions are whitelist-validated per room.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server exposes the socket endpoint and connection stats.
type Server struct {
	hub *Hub
	log *logger.Logger
}

func NewServer(hub *Hub, log *logger.Logger) *Server {
	return &Server{hub: hub, log: log}
}

// Register mounts the socket routes on the echo instance.
func (s *Server) Register(e *echo.Echo) {
	e.GET("/ws", s.handleSocket)
	e.GET("/stats", s.handleStats)
}

// handleSocket upgrades the connection and starts the client pumps. Clients
// join rooms by sending subscribe commands over the socket.
func (s *Server) handleSocket(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade already wrote the failure response
		s.log.Warn("websocket upgrade failed", "error", err, "remote", c.Request().RemoteAddr)
		return nil
	}

	client := NewClient(s.hub, conn, s.log)
	s.hub.Register(client)

	go client.writePump()
	go client.readPump()
	return nil
}

func (s *Server) handleStats(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]int{
		"connections": s.hub.ConnectionCount(),
		"rooms":       s.hub.RoomCount(),
	})
}
