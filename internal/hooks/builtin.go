package hooks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/r3labs/sse/v2"

	"adk-router/internal/metrics"
	"adk-router/internal/model"
)

// maxEventSize bounds a single server-sent event read from a stream copy.
const maxEventSize = 1024 * 1024

// Logging traces the proxy lifecycle at debug level.
type Logging struct {
	logger *slog.Logger
}

// NewLogging creates the logging interceptor.
func NewLogging(logger *slog.Logger) *Logging {
	return &Logging{logger: logger.With("component", "proxy_hooks")}
}

func (l *Logging) BeforeProxy(ctx context.Context, hc *Context) error {
	l.logger.DebugContext(ctx, "forwarding to backend",
		"request_id", hc.RequestID,
		"org_id", hc.OrgID,
		"method", hc.Method,
		"target", hc.TargetURL,
	)
	return nil
}

func (l *Logging) AfterProxy(ctx context.Context, hc *Context) error {
	l.logger.DebugContext(ctx, "backend responded",
		"request_id", hc.RequestID,
		"method", hc.Method,
		"path", hc.Path,
		"status", hc.StatusCode,
		"kind", hc.Kind.String(),
		"duration_ms", hc.Duration.Milliseconds(),
	)
	return nil
}

func (l *Logging) OnProxyError(ctx context.Context, hc *Context) error {
	l.logger.DebugContext(ctx, "backend request failed",
		"request_id", hc.RequestID,
		"method", hc.Method,
		"path", hc.Path,
		"duration_ms", hc.Duration.Milliseconds(),
	)
	return nil
}

// Metrics records relay outcomes. For event streams it reads the stream copy
// and counts events; it must be the only interceptor reading the body.
type Metrics struct {
	m *metrics.Metrics
}

// NewMetrics creates the metrics interceptor.
func NewMetrics(m *metrics.Metrics) *Metrics {
	return &Metrics{m: m}
}

func (h *Metrics) BeforeProxy(context.Context, *Context) error { return nil }

func (h *Metrics) AfterProxy(_ context.Context, hc *Context) error {
	if hc.Response == nil || hc.Response.Body == nil {
		h.m.ProxyOutcomes.WithLabelValues(hc.Kind.String(), "ok").Inc()
		return nil
	}

	if hc.Kind != model.ContentEventStream {
		n, err := io.Copy(io.Discard, hc.Response.Body)
		h.m.BufferedBytes.Add(float64(n))
		h.m.ProxyOutcomes.WithLabelValues(hc.Kind.String(), "ok").Inc()
		return err
	}

	events, err := CountEvents(hc.Response.Body)
	h.m.StreamEvents.Add(float64(events))
	outcome := "ok"
	if err != nil {
		outcome = "truncated"
	}
	h.m.ProxyOutcomes.WithLabelValues(hc.Kind.String(), outcome).Inc()
	if err != nil {
		return fmt.Errorf("count stream events: %w", err)
	}
	return nil
}

func (h *Metrics) OnProxyError(_ context.Context, hc *Context) error {
	h.m.ProxyOutcomes.WithLabelValues(hc.Kind.String(), "error").Inc()
	return nil
}

// CountEvents reads r to the end and returns the number of server-sent
// events carrying data.
func CountEvents(r io.Reader) (int, error) {
	reader := sse.NewEventStreamReader(r, maxEventSize)
	n := 0
	for {
		raw, err := reader.ReadEvent()
		if len(raw) > 0 && hasData(raw) {
			n++
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return n, nil
			}
			return n, err
		}
	}
}

func hasData(event []byte) bool {
	for _, line := range bytes.FieldsFunc(event, func(r rune) bool { return r == '\n' || r == '\r' }) {
		if bytes.HasPrefix(line, []byte("data:")) {
			return true
		}
	}
	return false
}
