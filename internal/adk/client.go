// Package adk is a client for the ADK backend API as exposed through the router.
package adk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/r3labs/sse/v2"

	"adk-router/internal/model"
)

// routerPath is where the router forwards backend requests.
const routerPath = "/api/adk-router"

// maxEventSize bounds one server-sent event read from /run_sse.
const maxEventSize = 4 * 1024 * 1024

// RouterURL returns the router base URL for a public application origin.
func RouterURL(publicURL string) string {
	return strings.TrimRight(publicURL, "/") + routerPath
}

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("adk: unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("adk: unexpected status %d: %s", e.StatusCode, e.Body)
}

// Part is one piece of message content.
type Part struct {
	Text string `json:"text,omitempty"`
}

// Content is a message exchanged with an agent.
type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

// Text concatenates the text parts.
func (c *Content) Text() string {
	if c == nil {
		return ""
	}
	var b strings.Builder
	for _, p := range c.Parts {
		b.WriteString(p.Text)
	}
	return b.String()
}

// Event is one agent event from /run or /run_sse.
type Event struct {
	ID           string   `json:"id,omitempty"`
	InvocationID string   `json:"invocationId,omitempty"`
	Author       string   `json:"author,omitempty"`
	Timestamp    float64  `json:"timestamp,omitempty"`
	Content      *Content `json:"content,omitempty"`
	Partial      bool     `json:"partial,omitempty"`
	TurnComplete bool     `json:"turnComplete,omitempty"`
	ErrorCode    string   `json:"errorCode,omitempty"`
	ErrorMessage string   `json:"errorMessage,omitempty"`
}

// Session is a conversation with an app for one user.
type Session struct {
	ID             string         `json:"id"`
	AppName        string         `json:"appName"`
	UserID         string         `json:"userId"`
	State          map[string]any `json:"state,omitempty"`
	Events         []Event        `json:"events,omitempty"`
	LastUpdateTime float64        `json:"lastUpdateTime,omitempty"`
}

// RunRequest starts an agent run.
type RunRequest struct {
	AppName    string  `json:"appName"`
	UserID     string  `json:"userId"`
	SessionID  string  `json:"sessionId"`
	NewMessage Content `json:"newMessage"`
	Streaming  bool    `json:"streaming,omitempty"`
}

// Client talks to the ADK backend through the router.
type Client struct {
	baseURL    string
	orgID      string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithOrgID sends the organization whose provider keys the router injects.
func WithOrgID(orgID string) Option {
	return func(c *Client) { c.orgID = orgID }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a Client for baseURL, normally RouterURL(publicURL).
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ResponseHeaderTimeout: 2 * time.Minute,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ListApps returns the agent apps known to the backend. Both a bare array and
// an {"apps": [...]} object are accepted.
func (c *Client) ListApps(ctx context.Context) ([]string, error) {
	var raw json.RawMessage
	if err := c.doJSON(ctx, http.MethodGet, "list-apps", nil, &raw); err != nil {
		return nil, err
	}

	var apps []string
	if err := json.Unmarshal(raw, &apps); err == nil {
		return apps, nil
	}
	var wrapped struct {
		Apps []string `json:"apps"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, fmt.Errorf("decode app list: %w", err)
	}
	return wrapped.Apps, nil
}

// ListSessions returns the sessions of userID in app.
func (c *Client) ListSessions(ctx context.Context, app, userID string) ([]Session, error) {
	var out []Session
	if err := c.doJSON(ctx, http.MethodGet, sessionsPath(app, userID), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateSession creates a session with an optional initial state.
func (c *Client) CreateSession(ctx context.Context, app, userID string, state map[string]any) (*Session, error) {
	var body any
	if state != nil {
		body = map[string]any{"state": state}
	}
	var out Session
	if err := c.doJSON(ctx, http.MethodPost, sessionsPath(app, userID), body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetSession returns one session including its events.
func (c *Client) GetSession(ctx context.Context, app, userID, sessionID string) (*Session, error) {
	var out Session
	if err := c.doJSON(ctx, http.MethodGet, sessionsPath(app, userID)+"/"+url.PathEscape(sessionID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteSession removes a session.
func (c *Client) DeleteSession(ctx context.Context, app, userID, sessionID string) error {
	return c.doJSON(ctx, http.MethodDelete, sessionsPath(app, userID)+"/"+url.PathEscape(sessionID), nil, nil)
}

// Run executes an agent turn and returns all events at once.
func (c *Client) Run(ctx context.Context, req *RunRequest) ([]Event, error) {
	var out []Event
	if err := c.doJSON(ctx, http.MethodPost, "run", req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// RunSSE executes an agent turn over /run_sse and calls fn for every event as
// it arrives. A non-nil error from fn stops the stream and is returned.
func (c *Client) RunSSE(ctx context.Context, req *RunRequest, fn func(Event) error) error {
	resp, err := c.do(ctx, http.MethodPost, "run_sse", req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if kind := model.ClassifyContent(resp.Header.Get("Content-Type")); kind != model.ContentEventStream {
		return fmt.Errorf("adk: run_sse answered with %q, want an event stream", resp.Header.Get("Content-Type"))
	}

	reader := sse.NewEventStreamReader(resp.Body, maxEventSize)
	for {
		raw, err := reader.ReadEvent()
		if data := eventData(raw); len(data) > 0 {
			var ev Event
			if jsonErr := json.Unmarshal(data, &ev); jsonErr != nil {
				return fmt.Errorf("decode event: %w", jsonErr)
			}
			if cbErr := fn(ev); cbErr != nil {
				return cbErr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read event stream: %w", err)
		}
	}
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	resp, err := c.do(ctx, method, path, in)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// do sends the request and returns the response for 2xx statuses. Any other
// status is returned as an *APIError.
func (c *Client) do(ctx context.Context, method, path string, in any) (*http.Response, error) {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("encode %s request: %w", path, err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/"+path, body)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", path, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.orgID != "" {
		req.Header.Set(model.OrgIDHeader, c.orgID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer func() { _ = resp.Body.Close() }()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	return resp, nil
}

func sessionsPath(app, userID string) string {
	return "apps/" + url.PathEscape(app) + "/users/" + url.PathEscape(userID) + "/sessions"
}

// eventData joins the data lines of one raw event.
func eventData(event []byte) []byte {
	var out []byte
	for _, line := range bytes.FieldsFunc(event, func(r rune) bool { return r == '\n' || r == '\r' }) {
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		data := bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))
		if len(out) > 0 {
			out = append(out, '\n')
		}
		out = append(out, data...)
	}
	return out
}
