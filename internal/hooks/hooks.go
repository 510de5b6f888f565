// Package hooks defines the interceptors invoked around each proxied request.
//
// BeforeProxy runs before the backend call and may abort it. AfterProxy runs
// once a response is available: awaited for buffered responses, detached for
// event streams. OnProxyError runs when the forward fails. Only BeforeProxy
// can influence the client-visible response.
package hooks

import (
	"context"
	"errors"
	"net/http"
	"time"

	"adk-router/internal/model"
)

// Context describes one proxied request as seen by interceptors.
type Context struct {
	RequestID string
	OrgID     string
	Method    string
	Path      string
	TargetURL string
	Header    http.Header // outbound headers, after key injection
	Start     time.Time

	// Set once the backend answered (or failed).
	Duration   time.Duration
	StatusCode int
	Kind       model.ContentKind
	Err        error

	// Response is set for AfterProxy. For event streams Body is a bounded
	// copy of the relayed bytes; for buffered responses it reads the full
	// body. Body can be consumed by a single interceptor only.
	Response *model.ProxyResponse
}

// Interceptor observes the proxy lifecycle.
type Interceptor interface {
	BeforeProxy(ctx context.Context, hc *Context) error
	AfterProxy(ctx context.Context, hc *Context) error
	OnProxyError(ctx context.Context, hc *Context) error
}

// Funcs adapts plain functions to an Interceptor. Nil fields are no-ops.
type Funcs struct {
	Before  func(ctx context.Context, hc *Context) error
	After   func(ctx context.Context, hc *Context) error
	OnError func(ctx context.Context, hc *Context) error
}

func (f Funcs) BeforeProxy(ctx context.Context, hc *Context) error {
	if f.Before == nil {
		return nil
	}
	return f.Before(ctx, hc)
}

func (f Funcs) AfterProxy(ctx context.Context, hc *Context) error {
	if f.After == nil {
		return nil
	}
	return f.After(ctx, hc)
}

func (f Funcs) OnProxyError(ctx context.Context, hc *Context) error {
	if f.OnError == nil {
		return nil
	}
	return f.OnError(ctx, hc)
}

// Chain runs interceptors in order. BeforeProxy stops at the first error;
// AfterProxy and OnProxyError run every interceptor and join their errors.
type Chain []Interceptor

func (c Chain) BeforeProxy(ctx context.Context, hc *Context) error {
	for _, ic := range c {
		if err := ic.BeforeProxy(ctx, hc); err != nil {
			return err
		}
	}
	return nil
}

func (c Chain) AfterProxy(ctx context.Context, hc *Context) error {
	var errs []error
	for _, ic := range c {
		if err := ic.AfterProxy(ctx, hc); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c Chain) OnProxyError(ctx context.Context, hc *Context) error {
	var errs []error
	for _, ic := range c {
		if err := ic.OnProxyError(ctx, hc); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
