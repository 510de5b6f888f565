// Package keystore stores per-organization LLM provider API keys.
package keystore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"adk-router/internal/config"
)

// Provider identifies an LLM vendor whose key can be injected.
type Provider string

const (
	Google    Provider = "google"
	OpenAI    Provider = "openai"
	Anthropic Provider = "anthropic"
)

// Providers lists every supported provider in header order.
var Providers = []Provider{Google, OpenAI, Anthropic}

var providerHeaders = map[Provider]string{
	Google:    "X-Google-Api-Key",
	OpenAI:    "X-Openai-Api-Key",
	Anthropic: "X-Anthropic-Api-Key",
}

// ErrUnknownProvider is returned for provider names outside Providers.
var ErrUnknownProvider = errors.New("unknown provider")

// ErrReadOnly is returned when a Writer is requested from a read-only backend.
var ErrReadOnly = errors.New("key store is read-only")

// ParseProvider converts a case-insensitive provider name.
func ParseProvider(s string) (Provider, error) {
	p := Provider(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := providerHeaders[p]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownProvider, s)
	}
	return p, nil
}

// Header returns the outbound header carrying this provider's key.
func (p Provider) Header() string {
	return providerHeaders[p]
}

// Keys maps providers to API keys for one organization.
type Keys map[Provider]string

// Store looks up provider keys. Implementations must be safe for concurrent use.
type Store interface {
	// Lookup returns the keys stored for orgID. An unknown org yields an
	// empty Keys and a nil error.
	Lookup(ctx context.Context, orgID string) (Keys, error)
	Close() error
}

// Writer is a Store that can be modified.
type Writer interface {
	Store
	Put(ctx context.Context, orgID string, p Provider, key string) error
	Delete(ctx context.Context, orgID string, p Provider) error
}

// Nop is a Store without keys.
type Nop struct{}

func (Nop) Lookup(context.Context, string) (Keys, error) { return Keys{}, nil }
func (Nop) Close() error { return nil }

// Open constructs the Store selected by cfg.
func Open(cfg *config.Config, logger *slog.Logger) (Store, error) {
	switch cfg.Keystore.Driver {
	case config.KeystoreSQLite:
		return NewSQLite(cfg.Keystore.DSN)
	case config.KeystorePostgres:
		return NewPostgres(context.Background(), cfg.Keystore.DSN)
	case config.KeystoreFile:
		return NewFileStore(cfg.Keystore.Path, cfg.Keystore.Watch, logger)
	case config.KeystoreNone, "":
		return Nop{}, nil
	default:
		return nil, fmt.Errorf("keystore: unsupported driver %q", cfg.Keystore.Driver)
	}
}

// OpenWriter opens the configured store and requires it to be writable.
func OpenWriter(cfg *config.Config, logger *slog.Logger) (Writer, error) {
	s, err := Open(cfg, logger)
	if err != nil {
		return nil, err
	}
	w, ok := s.(Writer)
	if !ok {
		_ = s.Close()
		return nil, fmt.Errorf("keystore: driver %q: %w", cfg.Keystore.Driver, ErrReadOnly)
	}
	return w, nil
}
