// fanout bridges the Redis realtime bus to WebSocket clients. The engine and
// controlplane publish socket event envelopes to per-room channels; this
// service forwards each one to the clients subscribed to that room.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/llmctl/llmctl/common/bootstrap"
	"github.com/llmctl/llmctl/common/server"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	components, err := bootstrap.Setup(ctx, "fanout",
		bootstrap.WithoutDB(),
		bootstrap.WithoutQueue(),
		bootstrap.WithoutCache(),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap fanout: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	log := components.Logger
	cfg := components.Config

	hub := NewHub(log)

	subscriber := NewSubscriber(components.Redis, hub,
		cfg.Realtime.RoomChannelPrefix, cfg.Realtime.BroadcastChannel, log)
	go func() {
		if err := subscriber.Start(ctx); err != nil {
			log.Error("realtime subscriber stopped", "error", err)
		}
	}()

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	setupHealthCheck(e, components, hub)
	NewServer(hub, log).Register(e)

	// No read/write timeouts: socket connections are long-lived and a
	// request deadline would sever them mid-stream.
	srv := server.NewWithOptions("fanout", cfg.Service.Port, e, log, server.Options{
		IdleTimeout: 120 * time.Second,
	})
	if err := srv.Start(); err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
}

// setupHealthCheck registers the health endpoint. Redis is the only backing
// dependency; without it no events arrive and the instance should be dropped.
func setupHealthCheck(e *echo.Echo, components *bootstrap.Components, hub *Hub) {
	e.GET("/health", func(c echo.Context) error {
		if err := components.Health(c.Request().Context()); err != nil {
			return c.JSON(503, map[string]any{
				"status":  "degraded",
				"service": "fanout",
				"error":   err.Error(),
			})
		}
		return c.JSON(200, map[string]any{
			"status":      "ok",
			"service":     "fanout",
			"connections": hub.ConnectionCount(),
		})
	})
}
