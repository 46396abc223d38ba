package store

import (
	"context"
	"errors"

	"github.com/ankittk/taskcoord/pkg/models"
)

// Store persists one outbox record per agent.
// Implementations: *FileStore (JSON files), *sqlite.Store and *postgres.Store.
//
// Every implementation replaces a record atomically: readers observe either the
// previous or the next document, never a mix.
type Store interface {
	// Create stores a new record; ErrExists if the agent already has one.
	Create(ctx context.Context, o *models.Outbox) error
	// Get returns a private copy of the record; ErrNotFound if absent.
	Get(ctx context.Context, agentID string) (*models.Outbox, error)
	// Update loads the record, applies fn to a private copy and persists the copy
	// only when fn returns nil. fn's error is returned unchanged.
	Update(ctx context.Context, agentID string, fn func(*models.Outbox) error) error
	// List returns every agent id in ascending order.
	List(ctx context.Context) ([]string, error)
	Close() error
}

var (
	// ErrNotFound is returned when no record exists for an agent.
	ErrNotFound = errors.New("store: outbox not found")
	// ErrExists is returned by Create when a record already exists.
	ErrExists = errors.New("store: outbox already exists")
	// ErrLocked is returned when the backend could not lock the record in time.
	ErrLocked = errors.New("store: outbox locked")
)
