package keystore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // postgres driver "pgx"
	_ "modernc.org/sqlite"             // sqlite driver "sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS provider_keys (
	org_id     TEXT NOT NULL,
	provider   TEXT NOT NULL,
	api_key    TEXT NOT NULL,
	updated_at BIGINT NOT NULL,
	PRIMARY KEY (org_id, provider)
)`

const (
	lookupQuery = `SELECT provider, api_key FROM provider_keys WHERE org_id = ?`
	upsertQuery = `INSERT INTO provider_keys (org_id, provider, api_key, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT (org_id, provider) DO UPDATE SET api_key = excluded.api_key, updated_at = excluded.updated_at`
	deleteQuery = `DELETE FROM provider_keys WHERE org_id = ? AND provider = ?`
)

// SQLStore keeps provider keys in a provider_keys table. The same SQL runs
// on SQLite and Postgres; only bind placeholders differ.
type SQLStore struct {
	db         *sql.DB
	dollarBind bool
	now        func() time.Time
}

// NewSQLite opens (creating if needed) a SQLite key store at path.
func NewSQLite(path string) (*SQLStore, error) {
	if path == "" {
		return nil, fmt.Errorf("keystore: sqlite path cannot be empty")
	}

	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("keystore: open sqlite: %w", err)
	}
	// SQLite only supports a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s, err := newSQLStore(context.Background(), db, false)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgres connects to a Postgres key store.
func NewPostgres(ctx context.Context, dsn string) (*SQLStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("keystore: postgres dsn cannot be empty")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("keystore: open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("keystore: ping postgres: %w", err)
	}

	s, err := newSQLStore(ctx, db, true)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func newSQLStore(ctx context.Context, db *sql.DB, dollarBind bool) (*SQLStore, error) {
	s := &SQLStore{db: db, dollarBind: dollarBind, now: time.Now}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("keystore: init schema: %w", err)
	}
	return s, nil
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if !s.dollarBind {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Lookup returns all known-provider keys for orgID.
func (s *SQLStore) Lookup(ctx context.Context, orgID string) (Keys, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(lookupQuery), orgID)
	if err != nil {
		return nil, fmt.Errorf("keystore: lookup %s: %w", orgID, err)
	}
	defer rows.Close()

	keys := Keys{}
	for rows.Next() {
		var provider, key string
		if err := rows.Scan(&provider, &key); err != nil {
			return nil, fmt.Errorf("keystore: scan: %w", err)
		}
		p, err := ParseProvider(provider)
		if err != nil {
			continue
		}
		keys[p] = key
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("keystore: lookup %s: %w", orgID, err)
	}
	return keys, nil
}

// Put stores or replaces the key for (orgID, p).
func (s *SQLStore) Put(ctx context.Context, orgID string, p Provider, key string) error {
	if orgID == "" || key == "" {
		return errors.New("keystore: org id and key are required")
	}
	if _, ok := providerHeaders[p]; !ok {
		return fmt.Errorf("keystore: %w: %q", ErrUnknownProvider, p)
	}
	_, err := s.db.ExecContext(ctx, s.rebind(upsertQuery), orgID, string(p), key, s.now().Unix())
	if err != nil {
		return fmt.Errorf("keystore: put %s/%s: %w", orgID, p, err)
	}
	return nil
}

// Delete removes the key for (orgID, p). Deleting a missing key is not an error.
func (s *SQLStore) Delete(ctx context.Context, orgID string, p Provider) error {
	if _, err := s.db.ExecContext(ctx, s.rebind(deleteQuery), orgID, string(p)); err != nil {
		return fmt.Errorf("keystore: delete %s/%s: %w", orgID, p, err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
