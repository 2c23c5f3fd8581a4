package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/companion-dev/companion/internal/domain/sandbox"
	"github.com/companion-dev/companion/internal/port/sandboxstore"
)

// Store implements sandboxstore.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ sandboxstore.Store = (*Store)(nil)

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Save inserts or replaces the record for a session.
func (s *Store) Save(ctx context.Context, rec sandbox.Record) error {
	ports, err := portsJSON(rec.Info.PortMappings)
	if err != nil {
		return fmt.Errorf("save sandbox %s: %w", rec.SessionID, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO sandboxes (session_id, container_id, name, image, state, host_cwd, container_cwd, port_mappings, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (session_id) DO UPDATE SET
		   container_id = EXCLUDED.container_id,
		   name = EXCLUDED.name,
		   image = EXCLUDED.image,
		   state = EXCLUDED.state,
		   host_cwd = EXCLUDED.host_cwd,
		   container_cwd = EXCLUDED.container_cwd,
		   port_mappings = EXCLUDED.port_mappings,
		   updated_at = now()`,
		rec.SessionID, rec.Info.ContainerID, rec.Info.Name, rec.Info.Image, string(rec.Info.State),
		rec.Info.HostCwd, rec.Info.ContainerCwd, ports, rec.Info.CreatedAt)
	if err != nil {
		return fmt.Errorf("save sandbox %s: %w", rec.SessionID, err)
	}
	return nil
}

// Delete removes the record for a session.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM sandboxes WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("delete sandbox %s: %w", sessionID, err)
	}
	return nil
}

// List returns every persisted record ordered by session id.
func (s *Store) List(ctx context.Context) ([]sandbox.Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT session_id, container_id, name, image, state, host_cwd, container_cwd, port_mappings, created_at
		 FROM sandboxes ORDER BY session_id`)
	if err != nil {
		return nil, fmt.Errorf("list sandboxes: %w", err)
	}
	defer rows.Close()

	var recs []sandbox.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("list sandboxes: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Close closes the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
