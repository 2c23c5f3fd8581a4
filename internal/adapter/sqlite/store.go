// Package sqlite persists sandbox records in a local SQLite file. It is the
// default store for single-host installs.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // Register the cgo-free "sqlite" driver

	"github.com/companion-dev/companion/internal/domain/sandbox"
	"github.com/companion-dev/companion/internal/port/sandboxstore"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store implements sandboxstore.Store on SQLite.
type Store struct {
	db *sql.DB
}

var _ sandboxstore.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path and applies migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// A single writer avoids SQLITE_BUSY under concurrent cleanup.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", path, err)
	}

	sub, err := fs.Sub(migrations, "migrations")
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, sub)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Save inserts or replaces the record for a session.
func (s *Store) Save(ctx context.Context, rec sandbox.Record) error {
	pm := rec.Info.PortMappings
	if pm == nil {
		pm = []sandbox.PortMapping{}
	}
	ports, err := json.Marshal(pm)
	if err != nil {
		return fmt.Errorf("save sandbox %s: %w", rec.SessionID, err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	created := rec.Info.CreatedAt.UTC().Format(time.RFC3339Nano)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sandboxes (session_id, container_id, name, image, state, host_cwd, container_cwd, port_mappings, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (session_id) DO UPDATE SET
		   container_id = excluded.container_id,
		   name = excluded.name,
		   image = excluded.image,
		   state = excluded.state,
		   host_cwd = excluded.host_cwd,
		   container_cwd = excluded.container_cwd,
		   port_mappings = excluded.port_mappings,
		   updated_at = excluded.updated_at`,
		rec.SessionID, rec.Info.ContainerID, rec.Info.Name, rec.Info.Image, string(rec.Info.State),
		rec.Info.HostCwd, rec.Info.ContainerCwd, string(ports), created, now)
	if err != nil {
		return fmt.Errorf("save sandbox %s: %w", rec.SessionID, err)
	}
	return nil
}

// Delete removes the record for a session.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sandboxes WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete sandbox %s: %w", sessionID, err)
	}
	return nil
}

// List returns every persisted record ordered by session id.
func (s *Store) List(ctx context.Context) ([]sandbox.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, container_id, name, image, state, host_cwd, container_cwd, port_mappings, created_at
		 FROM sandboxes ORDER BY session_id`)
	if err != nil {
		return nil, fmt.Errorf("list sandboxes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var recs []sandbox.Record
	for rows.Next() {
		var (
			rec            sandbox.Record
			state, created string
			ports          string
		)
		if err := rows.Scan(&rec.SessionID, &rec.Info.ContainerID, &rec.Info.Name, &rec.Info.Image,
			&state, &rec.Info.HostCwd, &rec.Info.ContainerCwd, &ports, &created); err != nil {
			return nil, fmt.Errorf("list sandboxes: %w", err)
		}
		rec.Info.State = sandbox.State(state)
		if err := json.Unmarshal([]byte(ports), &rec.Info.PortMappings); err != nil {
			return nil, fmt.Errorf("decode port mappings for %s: %w", rec.SessionID, err)
		}
		if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
			rec.Info.CreatedAt = t
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
