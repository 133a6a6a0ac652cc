package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"botflow/internal/core"
	"botflow/internal/engine"
	"botflow/pkg"
)

// GetWorkflow returns the bot's current graph.
// GET /v1/bots/:bot_id/workflow
func (h *Handler) GetWorkflow(c echo.Context) error {
	g, err := h.graphs.Load(c.Request().Context(), c.Param("bot_id"))
	if err != nil {
		code := engine.Classify(err)
		return errorJSON(c, StatusFor(code), code, err.Error())
	}
	return c.JSON(http.StatusOK, g)
}

// GetWorkflowDOT renders the bot's current graph for Graphviz.
// GET /v1/bots/:bot_id/workflow.dot
func (h *Handler) GetWorkflowDOT(c echo.Context) error {
	g, err := h.graphs.Load(c.Request().Context(), c.Param("bot_id"))
	if err != nil {
		code := engine.Classify(err)
		return errorJSON(c, StatusFor(code), code, err.Error())
	}
	dot, err := core.ToDOT(g)
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, pkg.ErrorCodeInternal, err.Error())
	}
	return c.Blob(http.StatusOK, "text/vnd.graphviz; charset=utf-8", []byte(dot))
}

// PutWorkflow validates and stores a new graph version. In-flight turns keep the version they loaded.
// PUT /v1/bots/:bot_id/workflow
func (h *Handler) PutWorkflow(c echo.Context) error {
	if h.writer == nil {
		return errorJSON(c, http.StatusMethodNotAllowed, pkg.ErrorCodeInvalidRequest, "workflows are read-only with this graph backend")
	}

	var g core.WorkflowGraph
	if err := c.Bind(&g); err != nil {
		return errorJSON(c, http.StatusBadRequest, pkg.ErrorCodeInvalidRequest, "invalid JSON body")
	}
	g.BotID = c.Param("bot_id")

	saved, err := h.writer.Save(c.Request().Context(), &g)
	if err != nil {
		code := engine.Classify(err)
		return errorJSON(c, StatusFor(code), code, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{
		"bot_id":   saved.BotID,
		"graph_id": saved.GraphID,
		"version":  saved.Version,
	})
}
