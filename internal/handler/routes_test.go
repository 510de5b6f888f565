package handler

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestRegisterRoutes_Wiring(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer backend.Close()

	proxy := newTestProxyHandler(t, backend.URL, nil, nil)
	health := newTestHealthHandler(testConfig(backend.URL), "test")

	e := echo.New()
	RegisterRoutes(e, proxy, health)

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
	}{
		{"GET /healthz", http.MethodGet, "/healthz", http.StatusOK},
		{"GET /proxy/status", http.MethodGet, "/proxy/status", http.StatusOK},
		{"GET /api/adk-router-health", http.MethodGet, "/api/adk-router-health", http.StatusOK},
		{"GET list-apps", http.MethodGet, "/api/adk-router/list-apps", http.StatusOK},
		{"POST run", http.MethodPost, "/api/adk-router/run", http.StatusOK},
		{"PUT builder", http.MethodPut, "/api/adk-router/builder/app/a", http.StatusOK},
		{"PATCH session", http.MethodPatch, "/api/adk-router/apps/a/users/u/sessions/s", http.StatusOK},
		{"DELETE session", http.MethodDelete, "/api/adk-router/apps/a/users/u/sessions/s", http.StatusOK},
		{"bare prefix is a missing path", http.MethodGet, "/api/adk-router", http.StatusBadRequest},
		{"prefix with slash is a missing path", http.MethodPost, "/api/adk-router/", http.StatusBadRequest},
		{"TRACE not routed", http.MethodTrace, "/api/adk-router/list-apps", http.StatusMethodNotAllowed},
		{"GET /unknown returns 404", http.MethodGet, "/unknown", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, http.NoBody)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}
