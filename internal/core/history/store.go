package history

import (
	"context"
	"errors"
)

// ErrNotFound is returned when no entry matches a lookup.
var ErrNotFound = errors.New("history entry not found")

// Store persists finished commands.
type Store interface {
	// List returns all entries, newest first.
	List(ctx context.Context) ([]Entry, error)
	// Get returns the entry with the given ID or ErrNotFound.
	Get(ctx context.Context, id string) (Entry, error)
	// Save prepends an entry, dropping the oldest past the configured limit.
	Save(ctx context.Context, entry Entry) error
	// Clear removes every entry.
	Clear(ctx context.Context) error
	// LastFailed returns the newest failed entry or ErrNotFound.
	LastFailed(ctx context.Context) (Entry, error)
}
