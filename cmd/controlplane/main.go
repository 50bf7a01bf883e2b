// controlplane is the HTTP boundary of llmctl: flowchart authoring, run
// submission, and the run control/read surface. It shares its persistence,
// queue, and event fanout wiring with the flowd engine workers through the
// common packages.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/llmctl/llmctl/cmd/controlplane/container"
	"github.com/llmctl/llmctl/cmd/controlplane/handlers"
	"github.com/llmctl/llmctl/cmd/controlplane/routes"
	"github.com/llmctl/llmctl/common/bootstrap"
)

func main() {
	ctx := context.Background()

	components, err := bootstrap.Setup(ctx, "controlplane")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap controlplane: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	serviceContainer, err := container.NewContainer(components)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize service container: %v\n", err)
		os.Exit(1)
	}

	e := setupEcho(serviceContainer)
	setupMiddleware(e)
	setupHealthCheck(e, components)
	registerRoutes(e, serviceContainer)
	startServer(e, components)
}

// setupEcho initializes the Echo server with the contract error handler.
func setupEcho(c *container.Container) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = handlers.HTTPErrorHandler(c.Components.Logger)
	return e
}

// setupMiddleware configures all middleware for the Echo server.
func setupMiddleware(e *echo.Echo) {
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestID())
}

// setupHealthCheck registers the health check endpoint. It pings the
// database and redis so load balancers drop the instance when a backing
// store is gone.
func setupHealthCheck(e *echo.Echo, components *bootstrap.Components) {
	e.GET("/health", func(c echo.Context) error {
		if err := components.Health(c.Request().Context()); err != nil {
			return c.JSON(503, map[string]string{
				"status":  "degraded",
				"service": "controlplane",
				"error":   err.Error(),
			})
		}
		return c.JSON(200, map[string]string{
			"status":  "ok",
			"service": "controlplane",
		})
	})
}

// registerRoutes registers all application routes using the service container.
func registerRoutes(e *echo.Echo, serviceContainer *container.Container) {
	routes.RegisterFlowchartRoutes(e, serviceContainer)
	routes.RegisterRunRoutes(e, serviceContainer)
}

// startServer starts the Echo server on the configured port.
func startServer(e *echo.Echo, components *bootstrap.Components) {
	port := components.Config.Service.Port
	components.Logger.Info("starting controlplane", "port", port)

	if err := e.Start(fmt.Sprintf(":%d", port)); err != nil {
		components.Logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
