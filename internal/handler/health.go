package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"adk-router/internal/client"
	"adk-router/internal/config"
)

// backendProbeTimeout bounds the list-apps probe of the router health check.
const backendProbeTimeout = 5 * time.Second

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
	client  *client.BackendClient
	logger  *slog.Logger
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version, c *client.BackendClient, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		cfg:     cfg,
		version: v,
		client:  c,
		logger:  logger.With("component", "health_handler"),
	}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns router status information.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":      "ok",
		"version":     string(h.version),
		"backend_url": h.backendURL(),
	})
}

type componentHealth struct {
	Status string `json:"status"`
}

type backendHealth struct {
	Status     string `json:"status"`
	URL        string `json:"url"`
	StatusCode int    `json:"status_code,omitempty"`
	Error      string `json:"error,omitempty"`
}

type routerHealth struct {
	Router    componentHealth `json:"router"`
	Backend   backendHealth   `json:"backend"`
	Timestamp string          `json:"timestamp"`
}

// RouterHealth reports the router and backend state. The backend is healthy
// when its list-apps route answers with a 2xx status.
func (h *HealthHandler) RouterHealth(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), backendProbeTimeout)
	defer cancel()

	backendURL := h.backendURL()
	body := routerHealth{
		Router:    componentHealth{Status: "healthy"},
		Backend:   backendHealth{URL: backendURL},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	status, err := h.client.Probe(ctx, backendURL+"/list-apps")
	switch {
	case err != nil:
		h.logger.Warn("backend probe failed", "url", backendURL, "err", sanitizeError(err))
		body.Backend.Status = "unreachable"
		body.Backend.Error = sanitizeError(err)
	case status >= 200 && status < 300:
		body.Backend.Status = "healthy"
		body.Backend.StatusCode = status
	default:
		body.Backend.Status = "unhealthy"
		body.Backend.StatusCode = status
	}

	code := http.StatusOK
	if body.Backend.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, body)
}

func (h *HealthHandler) backendURL() string {
	return strings.TrimRight(h.cfg.Backend.BaseURL, "/")
}
