/*
Package registry persists discovered server configurations in a local SQLite
database with two logical tables: verified_configs (one row per domain) and
server_candidates (many per domain, unique on domain/hostname/port).

All access serializes through one connection; callers must not assume
parallel registry writes. Timestamps are stored as fixed-width ISO 8601 UTC
strings so expiry comparisons sort lexicographically.
*/
package registry

/*
checkerbase — high-throughput credential checking engine in Go
Copyright (C) 2025  Pepijn van der Stap <checkerbase@vanderstap.info>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/x-stp/checkerbase/internal/discovery"
)

// timeLayout is fixed-width RFC 3339 UTC with nanoseconds, lexicographically
// sortable.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const schema = `
CREATE TABLE IF NOT EXISTS verified_configs (
	domain          TEXT PRIMARY KEY,
	hostname        TEXT NOT NULL,
	port            INTEGER NOT NULL,
	security        TEXT NOT NULL,
	username_format TEXT NOT NULL,
	source          TEXT NOT NULL,
	priority        INTEGER NOT NULL,
	verified_at     TEXT NOT NULL,
	expires_at      TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS server_candidates (
	domain          TEXT NOT NULL,
	hostname        TEXT NOT NULL,
	port            INTEGER NOT NULL,
	security        TEXT NOT NULL,
	username_format TEXT NOT NULL,
	source          TEXT NOT NULL,
	priority        INTEGER NOT NULL,
	expires_at      TEXT NOT NULL,
	UNIQUE(domain, hostname, port)
);
CREATE INDEX IF NOT EXISTS idx_candidates_domain  ON server_candidates(domain);
CREATE INDEX IF NOT EXISTS idx_candidates_expires ON server_candidates(expires_at);
CREATE INDEX IF NOT EXISTS idx_verified_expires   ON verified_configs(expires_at);
`

// ServerRegistry is the SQLite-backed implementation of discovery.Registry.
// The connection opens lazily on first access and closes on Close.
type ServerRegistry struct {
	path string
	log  *zap.SugaredLogger

	mu sync.Mutex
	db *sql.DB
}

var _ discovery.Registry = (*ServerRegistry)(nil)

// New creates a registry over the database file at path. The file and its
// directory are created on first access.
func New(path string, log *zap.SugaredLogger) *ServerRegistry {
	return &ServerRegistry{path: path, log: log}
}

// conn returns the open database, initializing schema on first use.
// Initialization is idempotent.
func (r *ServerRegistry) conn(ctx context.Context) (*sql.DB, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.db != nil {
		return r.db, nil
	}

	if dir := filepath.Dir(r.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create registry directory %q: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite3", r.path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open registry %q: %w", r.path, err)
	}

	// One connection: method-level serialization is the concurrency model.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()

		return nil, fmt.Errorf("failed to initialize registry schema: %w", err)
	}

	r.db = db

	return db, nil
}

// Close releases the database connection.
func (r *ServerRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.db == nil {
		return nil
	}

	err := r.db.Close()
	r.db = nil

	return err
}

// GetVerified returns the unexpired verified config for domain, or nil.
func (r *ServerRegistry) GetVerified(ctx context.Context, domain string) (*discovery.ServerConfig, error) {
	db, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}

	row := db.QueryRowContext(ctx, `
		SELECT hostname, port, security, username_format, source, priority
		FROM verified_configs
		WHERE domain = ? AND expires_at > ?`,
		domain, now())

	var cfg discovery.ServerConfig
	var security, format string
	err = row.Scan(&cfg.Hostname, &cfg.Port, &security, &format, &cfg.Source, &cfg.Priority)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read verified config for %q: %w", domain, err)
	}

	cfg.Security = discovery.Security(security)
	cfg.UsernameFormat = discovery.UsernameFormat(format)

	return &cfg, nil
}

// SetVerified upserts the verified config for domain with the given TTL.
func (r *ServerRegistry) SetVerified(ctx context.Context, domain string, cfg discovery.ServerConfig, ttl time.Duration) error {
	db, err := r.conn(ctx)
	if err != nil {
		return err
	}

	ts := time.Now().UTC()
	_, err = db.ExecContext(ctx, `
		INSERT INTO verified_configs
			(domain, hostname, port, security, username_format, source, priority, verified_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(domain) DO UPDATE SET
			hostname = excluded.hostname,
			port = excluded.port,
			security = excluded.security,
			username_format = excluded.username_format,
			source = excluded.source,
			priority = excluded.priority,
			verified_at = excluded.verified_at,
			expires_at = excluded.expires_at`,
		domain, cfg.Hostname, cfg.Port, string(cfg.Security), string(cfg.UsernameFormat),
		cfg.Source, cfg.Priority, ts.Format(timeLayout), ts.Add(ttl).Format(timeLayout))
	if err != nil {
		return fmt.Errorf("failed to upsert verified config for %q: %w", domain, err)
	}

	return nil
}

// GetCandidates returns all unexpired candidates for domain sorted by
// priority ascending.
func (r *ServerRegistry) GetCandidates(ctx context.Context, domain string) ([]discovery.ServerConfig, error) {
	db, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT hostname, port, security, username_format, source, priority
		FROM server_candidates
		WHERE domain = ? AND expires_at > ?
		ORDER BY priority ASC`,
		domain, now())
	if err != nil {
		return nil, fmt.Errorf("failed to read candidates for %q: %w", domain, err)
	}
	defer rows.Close()

	var cfgs []discovery.ServerConfig
	for rows.Next() {
		var cfg discovery.ServerConfig
		var security, format string
		if err := rows.Scan(&cfg.Hostname, &cfg.Port, &security, &format, &cfg.Source, &cfg.Priority); err != nil {
			return nil, fmt.Errorf("failed to scan candidate row for %q: %w", domain, err)
		}
		cfg.Security = discovery.Security(security)
		cfg.UsernameFormat = discovery.UsernameFormat(format)
		cfgs = append(cfgs, cfg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed iterating candidates for %q: %w", domain, err)
	}

	return cfgs, nil
}

// SetCandidates replaces the candidate set for domain within one
// transaction. Duplicate (domain, hostname, port) entries in cfgs collapse
// to the lowest-priority (most authoritative) occurrence, so a read-back
// always equals the deduplicated input sorted by priority, regardless of
// caller ordering.
func (r *ServerRegistry) SetCandidates(ctx context.Context, domain string, cfgs []discovery.ServerConfig, ttl time.Duration) error {
	db, err := r.conn(ctx)
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin candidates transaction for %q: %w", domain, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM server_candidates WHERE domain = ?`, domain); err != nil {
		return fmt.Errorf("failed to clear candidates for %q: %w", domain, err)
	}

	expires := time.Now().UTC().Add(ttl).Format(timeLayout)
	for _, cfg := range cfgs {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO server_candidates
				(domain, hostname, port, security, username_format, source, priority, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(domain, hostname, port) DO UPDATE SET
				security = excluded.security,
				username_format = excluded.username_format,
				source = excluded.source,
				priority = excluded.priority,
				expires_at = excluded.expires_at
			WHERE excluded.priority < server_candidates.priority`,
			domain, cfg.Hostname, cfg.Port, string(cfg.Security), string(cfg.UsernameFormat),
			cfg.Source, cfg.Priority, expires)
		if err != nil {
			return fmt.Errorf("failed to insert candidate %s for %q: %w", cfg.Addr(), domain, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit candidates for %q: %w", domain, err)
	}

	return nil
}

// CleanExpired deletes rows past expiry from both tables.
func (r *ServerRegistry) CleanExpired(ctx context.Context) error {
	db, err := r.conn(ctx)
	if err != nil {
		return err
	}

	cutoff := now()
	res1, err := db.ExecContext(ctx, `DELETE FROM verified_configs WHERE expires_at <= ?`, cutoff)
	if err != nil {
		return fmt.Errorf("failed to clean verified_configs: %w", err)
	}
	res2, err := db.ExecContext(ctx, `DELETE FROM server_candidates WHERE expires_at <= ?`, cutoff)
	if err != nil {
		return fmt.Errorf("failed to clean server_candidates: %w", err)
	}

	if r.log != nil {
		n1, _ := res1.RowsAffected()
		n2, _ := res2.RowsAffected()
		if n1+n2 > 0 {
			r.log.Infow("cleaned expired registry rows", "verified", n1, "candidates", n2)
		}
	}

	return nil
}

func now() string {
	return time.Now().UTC().Format(timeLayout)
}
