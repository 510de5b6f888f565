package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// proxyMethods are the methods forwarded to the backend.
var proxyMethods = []string{
	http.MethodGet,
	http.MethodPost,
	http.MethodPut,
	http.MethodPatch,
	http.MethodDelete,
}

// RegisterRoutes wires all route handlers onto the Echo instance.
func RegisterRoutes(e *echo.Echo, proxy *ProxyHandler, health *HealthHandler) {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)
	e.GET("/api/adk-router-health", health.RouterHealth)

	// The bare prefix has no backend path and is answered by the handler
	// with 400.
	e.Match(proxyMethods, RouterPrefix, proxy.Handle)
	e.Match(proxyMethods, RouterPrefix+"/*", proxy.Handle)
}
