package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/llmctl/llmctl/cmd/controlplane/container"
	"github.com/llmctl/llmctl/cmd/controlplane/handlers"
	"github.com/llmctl/llmctl/cmd/controlplane/middleware"
	commonmw "github.com/llmctl/llmctl/common/middleware"
)

// RegisterFlowchartRoutes registers the authoring surface and the
// per-flowchart run routes.
func RegisterFlowchartRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewFlowchartHandler(c.FlowchartService, c.Components.Logger)
	rh := handlers.NewRunHandler(c.RunService, c.Components.Logger)

	fc := e.Group("/api/v1/flowcharts")
	fc.Use(middleware.ExtractWorkspaceIdentity())
	fc.Use(commonmw.WorkspaceRateLimitMiddleware(c.RateLimiter, c.AuthoringRateLimit))
	{
		fc.POST("", h.CreateFlowchart)
		fc.POST("/import", h.ImportFlowchart)
		fc.GET("/:id", h.GetFlowchart)
		fc.PATCH("/:id/nodes/:nodeID/config", h.PatchNodeConfig)

		// Submission additionally passes the service-wide cap; the
		// per-workspace tier check happens inside the service.
		fc.POST("/:id/runs", rh.SubmitRun,
			commonmw.GlobalRateLimitMiddleware(c.RateLimiter, c.GlobalRunLimit))
		fc.GET("/:id/runs", rh.ListRuns)
	}
}
