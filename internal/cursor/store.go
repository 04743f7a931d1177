// Package cursor persists per-source read positions so an adapter restart
// resumes without re-shipping or silently skipping data. Each adapter owns
// its own cursor; the store is never written by two tasks for one source.
package cursor

import (
	"context"
	"errors"
)

// ErrNotFound is returned when no cursor exists for a source.
var ErrNotFound = errors.New("cursor not found")

// Position is a durable read cursor for one source.
type Position struct {
	// Offset is the byte offset of the next unread byte.
	Offset int64 `json:"offset"`

	// FileID identifies the underlying file (inode on unix). A mismatch on
	// reopen means the source was rotated and reading restarts at zero.
	FileID uint64 `json:"file_id"`
}

// Store persists positions keyed by source id.
type Store interface {
	Get(ctx context.Context, sourceID string) (Position, error)
	Put(ctx context.Context, sourceID string, pos Position) error
	Close() error
}
