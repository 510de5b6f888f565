// Package service implements the core proxy forwarding logic.
package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"adk-router/internal/client"
	"adk-router/internal/config"
	"adk-router/internal/hooks"
	"adk-router/internal/keystore"
	"adk-router/internal/metrics"
	"adk-router/internal/model"
)

// ErrMissingPath is returned when the request names no backend path.
var ErrMissingPath = errors.New("missing backend path")

// ErrRejected wraps a BeforeProxy error that aborted the forward.
var ErrRejected = errors.New("rejected by interceptor")

// excludedRequestHeaders are never forwarded to the backend. Accept-Encoding
// is left to the transport so relayed bodies are always decoded.
var excludedRequestHeaders = map[string]bool{
	"Host":              true,
	"Connection":        true,
	"Content-Length":    true,
	"Transfer-Encoding": true,
	"Accept-Encoding":   true,
}

// streamCopyChunks bounds the chunks buffered for a detached stream hook.
const streamCopyChunks = 256

// ProxyService handles the forwarding logic for proxy requests.
type ProxyService struct {
	client     *client.BackendClient
	keys       keystore.Store
	hooks      hooks.Interceptor
	runner     *hooks.Runner
	metrics    *metrics.Metrics
	logger     *slog.Logger
	backendURL string
}

// NewProxyService creates a ProxyService. The metrics parameter is optional.
func NewProxyService(
	c *client.BackendClient,
	keys keystore.Store,
	ic hooks.Interceptor,
	runner *hooks.Runner,
	cfg *config.Config,
	m *metrics.Metrics,
	logger *slog.Logger,
) *ProxyService {
	if ic == nil {
		ic = hooks.Chain{}
	}
	return &ProxyService{
		client:     c,
		keys:       keys,
		hooks:      ic,
		runner:     runner,
		metrics:    m,
		logger:     logger.With("component", "proxy_service"),
		backendURL: strings.TrimRight(cfg.Backend.BaseURL, "/"),
	}
}

// BackendURL returns the backend origin requests are forwarded to.
func (s *ProxyService) BackendURL() string {
	return s.backendURL
}

// Forward sends pr to the backend and returns the response with its body
// unread, along with the hook context for the completion step. The caller is
// responsible for closing the response body.
//
// On failure OnProxyError has already run when the error is returned, except
// for ErrMissingPath which is rejected before any hook.
func (s *ProxyService) Forward(ctx context.Context, pr *model.ProxyRequest) (*model.ProxyResponse, *hooks.Context, error) {
	if pr.Path == "" {
		return nil, nil, ErrMissingPath
	}

	out := s.Prepare(ctx, pr)

	requestID := pr.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	hc := &hooks.Context{
		RequestID: requestID,
		OrgID:     pr.OrgID,
		Method:    out.Method,
		Path:      pr.Path,
		TargetURL: out.URL,
		Header:    out.Header,
		Start:     time.Now(),
	}

	if err := s.hooks.BeforeProxy(ctx, hc); err != nil {
		return nil, hc, s.Fail(ctx, hc, fmt.Errorf("%w: %w", ErrRejected, err))
	}

	resp, err := s.client.Do(ctx, out)
	if err != nil {
		return nil, hc, s.Fail(ctx, hc, err)
	}

	hc.Duration = time.Since(hc.Start)
	hc.StatusCode = resp.StatusCode
	hc.Kind = resp.Kind
	return resp, hc, nil
}

// Prepare turns an inbound request into the outbound one: headers are
// filtered, the body is re-encoded and provider keys are injected.
func (s *ProxyService) Prepare(ctx context.Context, pr *model.ProxyRequest) *model.OutboundRequest {
	header := filterRequestHeaders(pr.Header)
	s.injectKeys(ctx, pr.OrgID, header)

	return &model.OutboundRequest{
		Method: pr.Method,
		URL:    s.targetURL(pr.Path, pr.RawQuery),
		Header: header,
		Body:   s.encodeBody(ctx, pr),
	}
}

// Fail records a failed forward: the error is logged and OnProxyError is
// awaited. It returns err unchanged.
func (s *ProxyService) Fail(ctx context.Context, hc *hooks.Context, err error) error {
	hc.Duration = time.Since(hc.Start)
	hc.Err = err

	s.logger.ErrorContext(ctx, "ADK proxy error",
		"request_id", hc.RequestID,
		"method", hc.Method,
		"path", hc.Path,
		"duration_ms", hc.Duration.Milliseconds(),
		"err", err,
	)

	s.runner.Await(ctx, "on_proxy_error", func(ctx context.Context) error {
		return s.hooks.OnProxyError(ctx, hc)
	})
	return err
}

// CompleteBuffered awaits AfterProxy over a fresh response reading body.
// Hook errors and panics are logged and never affect the client response.
func (s *ProxyService) CompleteBuffered(ctx context.Context, hc *hooks.Context, resp *model.ProxyResponse, body []byte) {
	hc.Duration = time.Since(hc.Start)
	hc.Response = &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       io.NopCloser(bytes.NewReader(body)),
		Kind:       resp.Kind,
	}
	s.runner.Await(ctx, "after_proxy", func(ctx context.Context) error {
		return s.hooks.AfterProxy(ctx, hc)
	})
}

// CompleteStream schedules AfterProxy on the hook runner and returns the copy
// the relay must Offer every chunk to and Finish once the stream ends.
func (s *ProxyService) CompleteStream(ctx context.Context, hc *hooks.Context, resp *model.ProxyResponse) *hooks.StreamCopy {
	sc := hooks.NewStreamCopy(streamCopyChunks)

	detached := *hc
	detached.Response = &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       sc,
		Kind:       resp.Kind,
	}

	s.runner.Go(ctx, "after_proxy", func(ctx context.Context) error {
		defer func() { _ = sc.Close() }()
		sc.Bind(ctx)
		return s.hooks.AfterProxy(ctx, &detached)
	})
	return sc
}

func (s *ProxyService) targetURL(path, rawQuery string) string {
	u := s.backendURL + "/" + path
	if rawQuery != "" {
		u += "?" + rawQuery
	}
	return u
}

func (s *ProxyService) injectKeys(ctx context.Context, orgID string, header http.Header) {
	if orgID == "" {
		return
	}

	keys, err := s.keys.Lookup(ctx, orgID)
	if err != nil {
		s.logger.ErrorContext(ctx, "provider key lookup failed", "org_id", orgID, "err", err)
		s.recordLookup("error")
		return
	}
	if len(keys) == 0 {
		s.recordLookup("miss")
		return
	}
	s.recordLookup("hit")

	for _, p := range keystore.Providers {
		if key := keys[p]; key != "" {
			header.Set(p.Header(), key)
		}
	}
}

func (s *ProxyService) recordLookup(result string) {
	if s.metrics != nil {
		s.metrics.KeystoreLookups.WithLabelValues(result).Inc()
	}
}

// encodeBody returns the outbound body, nil when none is forwarded.
func (s *ProxyService) encodeBody(ctx context.Context, pr *model.ProxyRequest) []byte {
	if pr.Method == http.MethodGet || pr.Method == http.MethodHead || len(pr.Body) == 0 {
		return nil
	}

	mediaType, _, _ := mime.ParseMediaType(pr.Header.Get("Content-Type"))
	switch {
	case mediaType == "application/json":
		body, err := reencodeJSON(pr.Body)
		if err != nil {
			s.logger.WarnContext(ctx, "dropping malformed JSON body",
				"request_id", pr.RequestID,
				"method", pr.Method,
				"path", pr.Path,
				"err", err,
			)
			return nil
		}
		return body
	default:
		// multipart/form-data keeps its boundary through the forwarded
		// Content-Type, so it is relayed as received like any other body.
		return pr.Body
	}
}

// reencodeJSON decodes and re-encodes a JSON document, keeping numbers exact.
// Anything after the document other than whitespace makes it malformed.
func reencodeJSON(raw []byte) ([]byte, error) {
	if !json.Valid(raw) {
		return nil, errors.New("decode json body: not a single valid JSON document")
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode json body: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encode json body: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func filterRequestHeaders(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for key, vals := range src {
		key = http.CanonicalHeaderKey(key)
		if excludedRequestHeaders[key] {
			continue
		}
		dst[key] = append(dst[key], vals...)
	}
	return dst
}
