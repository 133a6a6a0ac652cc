package v1

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"botflow/internal/engine"
	"botflow/pkg"
)

type turnBody struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
}

// PostTurn runs one turn.
// POST /v1/bots/:bot_id/sessions/:session_id/turns
// POST /v1/bots/:bot_id/turns (session id from the body or generated)
func (h *Handler) PostTurn(c echo.Context) error {
	var body turnBody
	if err := c.Bind(&body); err != nil {
		return errorJSON(c, http.StatusBadRequest, pkg.ErrorCodeInvalidRequest, "invalid JSON body")
	}
	if strings.TrimSpace(body.Message) == "" {
		return errorJSON(c, http.StatusBadRequest, pkg.ErrorCodeInvalidRequest, "message is required")
	}

	sessionID := c.Param("session_id")
	if sessionID == "" {
		sessionID = body.SessionID
	}

	resp := h.engine.Handle(c.Request().Context(), pkg.TurnRequest{
		BotID:     c.Param("bot_id"),
		SessionID: sessionID,
		Message:   body.Message,
	})
	if resp.Error != nil {
		return c.JSON(StatusFor(resp.Error.Code), resp)
	}
	return c.JSON(http.StatusOK, resp)
}

// GetSession returns the committed state of a session.
// GET /v1/bots/:bot_id/sessions/:session_id
func (h *Handler) GetSession(c echo.Context) error {
	session, err := h.engine.Session(c.Request().Context(), c.Param("bot_id"), c.Param("session_id"))
	if err != nil {
		code := engine.Classify(err)
		return errorJSON(c, StatusFor(code), code, err.Error())
	}
	return c.JSON(http.StatusOK, engine.ToSessionView(session))
}
