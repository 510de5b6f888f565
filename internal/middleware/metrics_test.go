package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"adk-router/internal/metrics"
)

func TestMetricsMiddleware(t *testing.T) {
	tests := []struct {
		name   string
		method string
		path   string
		// labels of the series expected to read 1
		wantMethod, wantStatus, wantPrefix string
	}{
		{"relayed request", http.MethodPost, "/api/adk-router/run_sse", "POST", "200", "/api/adk-router"},
		{"handler HTTP error", http.MethodGet, "/api/adk-router/missing", "GET", "404", "/api/adk-router"},
		{"nonstandard method", "PROPFIND", "/api/adk-router/list-apps", "other", "200", "/api/adk-router"},
		{"unrouted path", http.MethodGet, "/nonexistent", "GET", "404", "other"},
		{"router health", http.MethodGet, "/api/adk-router-health", "GET", "503", "/api/adk-router-health"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := metrics.New()

			e := echo.New()
			e.Use(MetricsMiddleware(m, nil))
			e.Any("/api/adk-router/*", func(c echo.Context) error {
				if c.Param("*") == "missing" {
					return echo.NewHTTPError(http.StatusNotFound, "not found")
				}
				return c.String(http.StatusOK, "ok")
			})
			e.GET("/api/adk-router-health", func(c echo.Context) error {
				return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
			})

			e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(tt.method, tt.path, http.NoBody))

			counter := m.RequestsTotal.WithLabelValues(tt.wantMethod, tt.wantStatus, tt.wantPrefix)
			if got := testutil.ToFloat64(counter); got != 1 {
				t.Errorf("requests{%s,%s,%s} = %v, want 1", tt.wantMethod, tt.wantStatus, tt.wantPrefix, got)
			}
			if n := testutil.CollectAndCount(m.RequestDuration); n != 1 {
				t.Errorf("duration series = %d, want 1", n)
			}
			if got := testutil.ToFloat64(m.RequestsInFlight); got != 0 {
				t.Errorf("in flight after request = %v, want 0", got)
			}
		})
	}
}

func TestMetricsMiddleware_Skipper(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m, func(c echo.Context) bool {
		return c.Request().URL.Path == "/metrics"
	}))
	e.GET("/metrics", func(c echo.Context) error {
		return c.String(http.StatusOK, "")
	})

	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))

	if n := testutil.CollectAndCount(m.RequestsTotal); n != 0 {
		t.Errorf("recorded %d series for a skipped request, want 0", n)
	}
}
