package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/llmctl/llmctl/cmd/controlplane/container"
	"github.com/llmctl/llmctl/cmd/controlplane/handlers"
	"github.com/llmctl/llmctl/cmd/controlplane/middleware"
)

// RegisterRunRoutes registers the run read and control routes.
func RegisterRunRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewRunHandler(c.RunService, c.Components.Logger)

	runs := e.Group("/api/v1/runs")
	runs.Use(middleware.ExtractWorkspaceIdentity())
	{
		runs.GET("/:id", h.GetRun)              // GET /api/v1/runs/{run_id}
		runs.POST("/:id/control", h.ControlRun) // POST /api/v1/runs/{run_id}/control
		runs.GET("/:id/status", h.GetRunStatus) // GET /api/v1/runs/{run_id}/status
		runs.GET("/:id/trace", h.GetRunTrace)   // GET /api/v1/runs/{run_id}/trace
	}
}
