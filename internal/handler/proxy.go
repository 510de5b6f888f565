package handler

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	"github.com/labstack/echo/v4"

	"adk-router/internal/hooks"
	"adk-router/internal/model"
	"adk-router/internal/service"
)

// RouterPrefix is the path prefix under which requests are forwarded.
const RouterPrefix = "/api/adk-router"

// relayChunkSize is the read size for event-stream relay.
const relayChunkSize = 32 * 1024

// secretPattern matches key query parameter values in URLs embedded in error messages.
var secretPattern = regexp.MustCompile(`(?i)((?:api_?key|key)=)[^&\s"]+`)

// ProxyHandler forwards router requests to the ADK backend.
type ProxyHandler struct {
	service *service.ProxyService
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle forwards the request to the backend and relays the response, either
// as a live event stream or as a buffered body.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	body, err := io.ReadAll(req.Body)
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he
		}
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "failed to read request body",
		})
	}

	pr := &model.ProxyRequest{
		Method:    req.Method,
		Path:      backendPath(req.URL.EscapedPath()),
		RawQuery:  req.URL.RawQuery,
		Header:    req.Header,
		Body:      body,
		OrgID:     req.Header.Get(model.OrgIDHeader),
		RequestID: c.Response().Header().Get(echo.HeaderXRequestID),
	}

	resp, hc, err := h.service.Forward(req.Context(), pr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.Kind == model.ContentEventStream {
		h.relayStream(c, hc, resp)
		return nil
	}
	return h.relayBuffered(c, hc, resp)
}

// relayStream passes the event stream through chunk by chunk. Backend headers
// are replaced by the fixed event-stream set.
func (h *ProxyHandler) relayStream(c echo.Context, hc *hooks.Context, resp *model.ProxyResponse) {
	ctx := c.Request().Context()
	sc := h.service.CompleteStream(ctx, hc, resp)
	defer sc.Finish()

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(resp.StatusCode)
	w.Flush()

	buf := make([]byte, relayChunkSize)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			sc.Offer(buf[:n])
			if _, werr := w.Write(buf[:n]); werr != nil {
				h.logger.Debug("client went away during stream",
					"request_id", hc.RequestID,
					"path", hc.Path,
					"err", werr,
				)
				return
			}
			w.Flush()
		}
		if err != nil {
			// The status line is already sent; a broken backend stream can
			// only be logged.
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				h.logger.Error("streaming response body",
					"request_id", hc.RequestID,
					"path", hc.Path,
					"err", sanitizeError(err),
				)
			}
			return
		}
	}
}

// relayBuffered reads the whole body, awaits AfterProxy and writes the
// response with the backend headers minus Transfer-Encoding.
func (h *ProxyHandler) relayBuffered(c echo.Context, hc *hooks.Context, resp *model.ProxyResponse) error {
	ctx := c.Request().Context()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return h.mapError(c, h.service.Fail(ctx, hc, fmt.Errorf("read backend body: %w", err)))
	}

	h.service.CompleteBuffered(ctx, hc, resp, body)

	w := c.Response()
	for key, vals := range resp.Header {
		if http.CanonicalHeaderKey(key) == "Transfer-Encoding" {
			continue
		}
		for _, v := range vals {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(body); err != nil {
		h.logger.Debug("writing response body", "request_id", hc.RequestID, "err", err)
	}
	return nil
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	if errors.Is(err, service.ErrMissingPath) {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "missing backend path",
		})
	}

	return c.JSON(http.StatusServiceUnavailable, map[string]string{
		"error":   "ADK backend unavailable",
		"details": sanitizeError(err),
		"hint":    "Make sure the ADK backend is running at " + h.service.BackendURL(),
	})
}

// backendPath returns the escaped path after the router prefix without its
// leading slash.
func backendPath(escaped string) string {
	return strings.TrimLeft(strings.TrimPrefix(escaped, RouterPrefix), "/")
}

// sanitizeError redacts API keys from error messages that may contain backend URLs.
func sanitizeError(err error) string {
	return secretPattern.ReplaceAllString(err.Error(), "${1}[REDACTED]")
}
