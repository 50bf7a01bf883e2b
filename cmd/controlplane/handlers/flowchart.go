package handlers

import (
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/llmctl/llmctl/cmd/controlplane/service"
	"github.com/llmctl/llmctl/common/logger"
)

// FlowchartHandler handles the authoring surface.
type FlowchartHandler struct {
	svc *service.FlowchartService
	log *logger.Logger
}

// NewFlowchartHandler creates a new flowchart handler.
func NewFlowchartHandler(svc *service.FlowchartService, log *logger.Logger) *FlowchartHandler {
	return &FlowchartHandler{svc: svc, log: log}
}

// CreateFlowchart creates a flowchart with all nodes and edges
// POST /api/v1/flowcharts
func (h *FlowchartHandler) CreateFlowchart(c echo.Context) error {
	var req service.CreateGraphRequest
	if err := c.Bind(&req); err != nil {
		return invalidRequest(c, "invalid request body")
	}

	graph, err := h.svc.CreateGraph(c.Request().Context(), &req)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusCreated, graph)
}

// ImportFlowchart creates a flowchart from a YAML document
// POST /api/v1/flowcharts/import
func (h *FlowchartHandler) ImportFlowchart(c echo.Context) error {
	raw, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return invalidRequest(c, "failed to read request body")
	}

	graph, err := h.svc.ImportYAML(c.Request().Context(), raw)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusCreated, graph)
}

// GetFlowchart loads a flowchart with all nodes and edges
// GET /api/v1/flowcharts/:id
func (h *FlowchartHandler) GetFlowchart(c echo.Context) error {
	flowchartID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return invalidRequest(c, "flowchart id must be a uuid")
	}

	graph, err := h.svc.Get(c.Request().Context(), flowchartID)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, graph)
}

// patchNodeConfigRequest carries RFC 6902 operations for one node config.
type patchNodeConfigRequest struct {
	Operations []map[string]interface{} `json:"operations"`
}

// PatchNodeConfig applies config patch operations to one node
// PATCH /api/v1/flowcharts/:id/nodes/:nodeID/config
func (h *FlowchartHandler) PatchNodeConfig(c echo.Context) error {
	flowchartID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return invalidRequest(c, "flowchart id must be a uuid")
	}
	nodeID, err := uuid.Parse(c.Param("nodeID"))
	if err != nil {
		return invalidRequest(c, "node id must be a uuid")
	}

	var req patchNodeConfigRequest
	if err := c.Bind(&req); err != nil {
		return invalidRequest(c, "invalid request body")
	}
	if len(req.Operations) == 0 {
		return invalidRequest(c, "operations must be a non-empty list")
	}

	node, err := h.svc.PatchNodeConfig(c.Request().Context(), flowchartID, nodeID, req.Operations)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, node)
}
