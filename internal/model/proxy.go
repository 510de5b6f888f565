// Package model defines shared types for the router.
package model

import (
	"io"
	"mime"
	"net/http"
	"strings"
)

// OrgIDHeader carries the caller's organization for provider-key injection.
const OrgIDHeader = "X-Org-Id"

// ContentKind classifies a backend response body for relay.
type ContentKind int

const (
	ContentOther ContentKind = iota
	ContentJSON
	ContentEventStream
)

// String returns the metric/log label for the kind.
func (k ContentKind) String() string {
	switch k {
	case ContentJSON:
		return "json"
	case ContentEventStream:
		return "event_stream"
	default:
		return "other"
	}
}

// ClassifyContent derives the ContentKind of a Content-Type header value.
func ClassifyContent(contentType string) ContentKind {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(contentType))
	}
	switch {
	case strings.Contains(mediaType, "text/event-stream"):
		return ContentEventStream
	case mediaType == "application/json" || strings.HasSuffix(mediaType, "+json"):
		return ContentJSON
	default:
		return ContentOther
	}
}

// ProxyRequest represents a client request to be forwarded to the backend.
type ProxyRequest struct {
	Method    string
	Path      string // escaped path after the router prefix, without leading slash
	RawQuery  string
	Header    http.Header
	Body      []byte
	OrgID     string
	RequestID string
}

// OutboundRequest is a ProxyRequest after filtering, body re-encoding and
// key injection.
type OutboundRequest struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte // nil means no body
}

// ProxyResponse represents the backend response to be relayed back.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
	Kind       ContentKind
}
