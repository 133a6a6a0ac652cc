// Package v1 exposes the engine over HTTP and WebSocket.
package v1

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"botflow/internal/core"
	"botflow/internal/engine"
	"botflow/internal/logger"
	"botflow/pkg"
)

// StatusClientClosedRequest is reported when the caller cancelled the turn
const StatusClientClosedRequest = 499

const healthTimeout = 2 * time.Second

// Pinger is a backend that can report whether it is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler handles HTTP requests.
type Handler struct {
	engine   *engine.Engine
	graphs   core.GraphProvider
	writer   core.GraphWriter
	upgrader websocket.Upgrader
	checks   map[string]Pinger
}

// NewHandler creates a new handler. writer may be nil when graphs are read-only (file backend).
func NewHandler(eng *engine.Engine, graphs core.GraphProvider, writer core.GraphWriter) *Handler {
	return &Handler{
		engine: eng,
		graphs: graphs,
		writer: writer,
		checks: make(map[string]Pinger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// the chat widget is embedded on customer sites
				return true
			},
		},
	}
}

// NewServer returns an echo instance with logging middleware and all routes registered
func NewServer(h *Handler) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Info().
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Msg("Request handled")
			return nil
		},
	}))
	h.RegisterRoutes(e)
	return e
}

// RegisterRoutes registers the API routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.POST("/v1/bots/:bot_id/sessions/:session_id/turns", h.PostTurn)
	e.POST("/v1/bots/:bot_id/turns", h.PostTurn)
	e.GET("/v1/bots/:bot_id/sessions/:session_id", h.GetSession)
	e.GET("/v1/bots/:bot_id/sessions/:session_id/ws", h.HandleWebSocket)

	e.GET("/v1/bots/:bot_id/workflow", h.GetWorkflow)
	e.GET("/v1/bots/:bot_id/workflow.dot", h.GetWorkflowDOT)
	e.PUT("/v1/bots/:bot_id/workflow", h.PutWorkflow)

	e.GET("/health", h.Health)
}

// AddHealthCheck registers a backend pinged by /health
func (h *Handler) AddHealthCheck(name string, p Pinger) {
	h.checks[name] = p
}

// Health returns health status. Any failing backend makes it 503.
func (h *Handler) Health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), healthTimeout)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(h.checks))
	for name, p := range h.checks {
		if err := p.Ping(ctx); err != nil {
			logger.Warn().Err(err).Str("backend", name).Msg("Health check failed")
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	body := map[string]any{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
		"checks": checks,
	}
	if status != http.StatusOK {
		body["status"] = "unhealthy"
	}
	return c.JSON(status, body)
}

// StatusFor maps a turn error code onto an HTTP status
func StatusFor(code pkg.ErrorCode) int {
	switch code {
	case pkg.ErrorCodeInvalidRequest:
		return http.StatusBadRequest
	case pkg.ErrorCodeGraphNotFound, pkg.ErrorCodeSessionNotFound:
		return http.StatusNotFound
	case pkg.ErrorCodeMalformedGraph, pkg.ErrorCodeExecutionBudgetExceeded:
		return http.StatusUnprocessableEntity
	case pkg.ErrorCodeNoMatchingBranch:
		return http.StatusConflict
	case pkg.ErrorCodeSessionStoreUnavailable:
		return http.StatusServiceUnavailable
	case pkg.ErrorCodeCancelled:
		return StatusClientClosedRequest
	}
	return http.StatusInternalServerError
}

func errorJSON(c echo.Context, status int, code pkg.ErrorCode, msg string) error {
	return c.JSON(status, map[string]any{
		"error": pkg.TurnError{Code: code, Message: msg},
	})
}
