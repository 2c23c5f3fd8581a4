// Package sandboxstore defines persistence for sandbox records so containers
// can be re-attached after a process restart.
package sandboxstore

import (
	"context"

	"github.com/companion-dev/companion/internal/domain/sandbox"
)

// Store is the port interface for persisted sandbox records.
type Store interface {
	// Save inserts or replaces the record for a session.
	Save(ctx context.Context, rec sandbox.Record) error

	// Delete removes the record for a session. Deleting a missing record is not an error.
	Delete(ctx context.Context, sessionID string) error

	// List returns every persisted record ordered by session id.
	List(ctx context.Context) ([]sandbox.Record, error)

	// Close releases the underlying connection.
	Close() error
}
