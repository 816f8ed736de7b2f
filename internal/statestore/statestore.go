// Package statestore persists the sync engine's durable cross-session state:
// the incremental-sync watermark and the remote-locator to local-identity
// mapping table.
//
// Both live in a small embedded SQLite database (WAL mode) next to the rest of
// the application's local data. Persisting the identity map keeps local
// identities stable across process restarts even for remote names that are
// not identity-shaped.
package statestore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/Kauhik/tracksync/internal/remote"
)

// Store wraps the SQLite connection holding the engine's durable state.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates or opens the state database at the given path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// The caller MUST call Close() when done.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping state database: %w", err)
	}

	s := &Store{conn: conn, path: path}

	if _, err := s.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := s.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := s.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return s, nil
}

// Close closes the database connection, checkpointing the WAL first.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close state database: %w", err)
	}
	s.conn = nil
	return nil
}

// InitSchema creates the state tables if they don't exist.
// Idempotent - safe to call multiple times.
func (s *Store) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS watermarks (
		cohort TEXT PRIMARY KEY,
		synced_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS identities (
		cohort TEXT NOT NULL,
		kind TEXT NOT NULL,
		remote_name TEXT NOT NULL,
		local_id TEXT NOT NULL,
		PRIMARY KEY (cohort, kind, remote_name)
	);

	CREATE INDEX IF NOT EXISTS idx_identities_local
	    ON identities(cohort, kind, local_id);
	`
	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize state schema: %w", err)
	}
	return nil
}

// Watermark returns the stored incremental-sync watermark for a cohort.
// A cohort with no stored watermark returns the zero time.
func (s *Store) Watermark(ctx context.Context, cohort string) (time.Time, error) {
	var raw string
	err := s.conn.QueryRowContext(ctx,
		"SELECT synced_at FROM watermarks WHERE cohort = ?", cohort).Scan(&raw)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read watermark: %w", err)
	}

	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse watermark %q: %w", raw, err)
	}
	return t, nil
}

// SetWatermark stores the incremental-sync watermark for a cohort.
func (s *Store) SetWatermark(ctx context.Context, cohort string, t time.Time) error {
	query := `
	INSERT INTO watermarks (cohort, synced_at) VALUES (?, ?)
	ON CONFLICT(cohort) DO UPDATE SET synced_at = excluded.synced_at
	`
	if _, err := s.conn.ExecContext(ctx, query, cohort, t.Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("failed to store watermark: %w", err)
	}
	return nil
}

// LoadIdentities returns the persisted locator -> local identity mapping for
// a cohort. Rows whose kind no longer parses are skipped.
func (s *Store) LoadIdentities(ctx context.Context, cohort string) (map[remote.Locator]string, error) {
	rows, err := s.conn.QueryContext(ctx,
		"SELECT kind, remote_name, local_id FROM identities WHERE cohort = ?", cohort)
	if err != nil {
		return nil, fmt.Errorf("failed to query identities: %w", err)
	}
	defer rows.Close()

	out := make(map[remote.Locator]string)
	for rows.Next() {
		var kindStr, name, localID string
		if err := rows.Scan(&kindStr, &name, &localID); err != nil {
			return nil, fmt.Errorf("failed to scan identity row: %w", err)
		}
		kind, err := remote.KindFromString(kindStr)
		if err != nil {
			continue
		}
		out[remote.Locator{Kind: kind, Name: name}] = localID
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating identities: %w", err)
	}
	return out, nil
}

// SaveIdentity stores one locator -> local identity pair.
func (s *Store) SaveIdentity(ctx context.Context, cohort string, loc remote.Locator, localID string) error {
	query := `
	INSERT INTO identities (cohort, kind, remote_name, local_id)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(cohort, kind, remote_name) DO UPDATE SET
		local_id = excluded.local_id
	`
	if _, err := s.conn.ExecContext(ctx, query, cohort, loc.Kind.String(), loc.Name, localID); err != nil {
		return fmt.Errorf("failed to store identity for %s: %w", loc, err)
	}
	return nil
}

// DeleteIdentity drops the mapping for a locator.
// Deleting an absent row is not an error.
func (s *Store) DeleteIdentity(ctx context.Context, cohort string, loc remote.Locator) error {
	query := `DELETE FROM identities WHERE cohort = ? AND kind = ? AND remote_name = ?`
	if _, err := s.conn.ExecContext(ctx, query, cohort, loc.Kind.String(), loc.Name); err != nil {
		return fmt.Errorf("failed to delete identity for %s: %w", loc, err)
	}
	return nil
}

// ClearIdentities drops every identity row for a cohort.
// Used by the cascading data reset.
func (s *Store) ClearIdentities(ctx context.Context, cohort string) error {
	if _, err := s.conn.ExecContext(ctx, "DELETE FROM identities WHERE cohort = ?", cohort); err != nil {
		return fmt.Errorf("failed to clear identities: %w", err)
	}
	return nil
}
