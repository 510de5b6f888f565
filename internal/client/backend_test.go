package client

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"adk-router/internal/config"
	"adk-router/internal/metrics"
	"adk-router/internal/model"
)

func testConfig() *config.Config {
	return &config.Config{
		Backend: config.BackendConfig{
			TimeoutSeconds:  10,
			IdleConnections: 10,
		},
	}
}

func TestBackendClient_Do(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %q, want POST", r.Method)
		}
		if r.Header.Get("X-Google-Api-Key") != "AIza-xyz" {
			t.Errorf("X-Google-Api-Key = %q, want %q", r.Header.Get("X-Google-Api-Key"), "AIza-xyz")
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"a":1}` {
			t.Errorf("body = %q, want %q", body, `{"a":1}`)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewBackendClient(testConfig(), logger, metrics.New())

	resp, err := c.Do(context.Background(), &model.OutboundRequest{
		Method: http.MethodPost,
		URL:    srv.URL + "/run",
		Header: http.Header{"X-Google-Api-Key": {"AIza-xyz"}, "Content-Type": {"application/json"}},
		Body:   []byte(`{"a":1}`),
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if resp.Kind != model.ContentJSON {
		t.Errorf("Kind = %v, want %v", resp.Kind, model.ContentJSON)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(body) != `{"status":"ok"}` {
		t.Errorf("body = %q, want %q", string(body), `{"status":"ok"}`)
	}
}

func TestBackendClient_DoDoesNotFollowRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer srv.Close()

	c := NewBackendClient(testConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	resp, err := c.Do(context.Background(), &model.OutboundRequest{Method: http.MethodGet, URL: srv.URL + "/old"})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusFound {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusFound)
	}
	if !strings.HasSuffix(resp.Header.Get("Location"), "/elsewhere") {
		t.Errorf("Location = %q", resp.Header.Get("Location"))
	}
}

func TestBackendClient_DoStreamsBody(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("data: first\n\n"))
		w.(http.Flusher).Flush()
		<-release
		_, _ = w.Write([]byte("data: second\n\n"))
	}))
	defer srv.Close()
	defer close(release)

	c := NewBackendClient(testConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	resp, err := c.Do(context.Background(), &model.OutboundRequest{Method: http.MethodPost, URL: srv.URL + "/run_sse"})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.Kind != model.ContentEventStream {
		t.Fatalf("Kind = %v, want %v", resp.Kind, model.ContentEventStream)
	}

	// The first event is readable before the backend finishes.
	buf := make([]byte, len("data: first\n\n"))
	if _, err := io.ReadFull(resp.Body, buf); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	if string(buf) != "data: first\n\n" {
		t.Errorf("first chunk = %q", buf)
	}
}

func TestBackendClient_Do_Error(t *testing.T) {
	c := NewBackendClient(testConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)), metrics.New())

	_, err := c.Do(context.Background(), &model.OutboundRequest{Method: http.MethodGet, URL: "http://127.0.0.1:1/list-apps"})
	if err == nil {
		t.Fatal("Do() expected error for unreachable host, got nil")
	}
}

func TestBackendClient_Do_CanceledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Simulate a slow backend; the request should be canceled before this completes.
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	c := NewBackendClient(testConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancel immediately

	_, err := c.Do(ctx, &model.OutboundRequest{Method: http.MethodGet, URL: srv.URL + "/slow"})
	if err == nil {
		t.Fatal("Do() expected error for canceled context, got nil")
	}
}

func TestBackendClient_Probe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/list-apps" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`["a"]`))
	}))
	defer srv.Close()

	c := NewBackendClient(testConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)), nil)

	status, err := c.Probe(context.Background(), srv.URL+"/list-apps")
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if status != http.StatusOK {
		t.Errorf("Probe() status = %d, want %d", status, http.StatusOK)
	}

	if _, err := c.Probe(context.Background(), "http://127.0.0.1:1/list-apps"); err == nil {
		t.Error("Probe() expected error for unreachable host, got nil")
	}
}
