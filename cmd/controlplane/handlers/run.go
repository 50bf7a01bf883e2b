package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/llmctl/llmctl/cmd/controlplane/middleware"
	"github.com/llmctl/llmctl/cmd/controlplane/service"
	"github.com/llmctl/llmctl/common/logger"
	"github.com/llmctl/llmctl/common/runcontrol"
)

// RunHandler handles run submission, reads, and the control surface.
type RunHandler struct {
	svc *service.RunService
	log *logger.Logger
}

// NewRunHandler creates a new run handler.
func NewRunHandler(svc *service.RunService, log *logger.Logger) *RunHandler {
	return &RunHandler{svc: svc, log: log}
}

// submitRunRequest is the submission body. Input seeds the start node's
// context.
type submitRunRequest struct {
	Input map[string]any `json:"input"`
}

// SubmitRun queues a run for a flowchart
// POST /api/v1/flowcharts/:id/runs
func (h *RunHandler) SubmitRun(c echo.Context) error {
	flowchartID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return invalidRequest(c, "flowchart id must be a uuid")
	}

	var req submitRunRequest
	if err := c.Bind(&req); err != nil {
		return invalidRequest(c, "invalid request body")
	}

	resp, err := h.svc.Submit(c.Request().Context(), &service.SubmitRunRequest{
		FlowchartID:       flowchartID,
		WorkspaceIdentity: middleware.GetWorkspaceIdentity(c),
		Input:             req.Input,
	})
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusAccepted, resp)
}

// ListRuns lists a flowchart's runs, newest first
// GET /api/v1/flowcharts/:id/runs?limit=50
func (h *RunHandler) ListRuns(c echo.Context) error {
	flowchartID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return invalidRequest(c, "flowchart id must be a uuid")
	}

	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil {
			return invalidRequest(c, "limit must be an integer")
		}
	}

	runs, err := h.svc.ListRuns(c.Request().Context(), flowchartID, limit)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"runs": runs})
}

// GetRun loads one run
// GET /api/v1/runs/:id
func (h *RunHandler) GetRun(c echo.Context) error {
	runID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return invalidRequest(c, "run id must be a uuid")
	}

	run, err := h.svc.GetRun(c.Request().Context(), runID)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, run)
}

// controlRunRequest carries one control action. Retry needs an idempotency
// key, in the body or the Idempotency-Key header.
type controlRunRequest struct {
	Action         string `json:"action"`
	IdempotencyKey string `json:"idempotency_key"`
}

// ControlRun applies pause/resume/cancel/retry to a run
// POST /api/v1/runs/:id/control
func (h *RunHandler) ControlRun(c echo.Context) error {
	runID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return invalidRequest(c, "run id must be a uuid")
	}

	var req controlRunRequest
	if err := c.Bind(&req); err != nil {
		return invalidRequest(c, "invalid request body")
	}
	if req.Action == "" {
		return invalidRequest(c, "action is required")
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.Request().Header.Get("Idempotency-Key")
	}

	result, err := h.svc.Control(c.Request().Context(), runID, req.Action, req.IdempotencyKey)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, result)
}

// GetRunStatus summarizes run state and degraded-execution warnings
// GET /api/v1/runs/:id/status
func (h *RunHandler) GetRunStatus(c echo.Context) error {
	runID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return invalidRequest(c, "run id must be a uuid")
	}

	summary, err := h.svc.Status(c.Request().Context(), runID)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, summary)
}

// GetRunTrace aggregates the run's execution traces
// GET /api/v1/runs/:id/trace?include=node_trace,tool_trace&degraded_only=true&trace_request_id=...&limit=100
func (h *RunHandler) GetRunTrace(c echo.Context) error {
	runID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return invalidRequest(c, "run id must be a uuid")
	}

	opts := runcontrol.TraceOptions{
		TraceRequestID: c.QueryParam("trace_request_id"),
	}
	if raw := c.QueryParam("include"); raw != "" {
		for _, section := range strings.Split(raw, ",") {
			if section = strings.TrimSpace(section); section != "" {
				opts.Include = append(opts.Include, section)
			}
		}
	}
	if raw := c.QueryParam("degraded_only"); raw != "" {
		opts.DegradedOnly, err = strconv.ParseBool(raw)
		if err != nil {
			return invalidRequest(c, "degraded_only must be a boolean")
		}
	}
	if raw := c.QueryParam("limit"); raw != "" {
		opts.Limit, err = strconv.Atoi(raw)
		if err != nil {
			return invalidRequest(c, "limit must be an integer")
		}
	}

	trace, err := h.svc.Trace(c.Request().Context(), runID, opts)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, trace)
}
