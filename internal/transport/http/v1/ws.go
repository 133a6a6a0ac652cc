package v1

import (
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"botflow/internal/logger"
	"botflow/pkg"
)

const (
	wsMaxMessageSize = 64 * 1024
	wsWriteTimeout   = 10 * time.Second
)

// HandleWebSocket serves a chat widget connection. Each text frame is one inbound
// message; each turn is answered with a JSON TurnResponse frame.
// GET /v1/bots/:bot_id/sessions/:session_id/ws
func (h *Handler) HandleWebSocket(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to upgrade WebSocket")
		return err
	}
	defer conn.Close()
	conn.SetReadLimit(wsMaxMessageSize)

	botID := c.Param("bot_id")
	sessionID := c.Param("session_id")
	ctx := c.Request().Context()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn().Err(err).Str("session_id", sessionID).Msg("WebSocket closed unexpectedly")
			}
			return nil
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var resp pkg.TurnResponse
		if text := strings.TrimSpace(string(data)); text == "" {
			resp = pkg.TurnResponse{
				SessionID: sessionID,
				Replies:   []string{},
				Error:     &pkg.TurnError{Code: pkg.ErrorCodeInvalidRequest, Message: "message is required"},
			}
		} else {
			resp = h.engine.Handle(ctx, pkg.TurnRequest{BotID: botID, SessionID: sessionID, Message: text})
		}

		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(resp); err != nil {
			logger.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to write WebSocket message")
			return nil
		}
	}
}
