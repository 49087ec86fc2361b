// Package source defines the change-feed contract the reconciler consumes.
package source

import (
	"context"
	"errors"
	"time"
)

// ErrInvalidated is returned by Fetch when the supplied cursor can no longer
// be resumed and a windowed resync is required.
var ErrInvalidated = errors.New("cursor invalidated")

// Record is one change unit of a feed. ID is stable for the lifetime of the
// upstream object, including after deletion and recreation.
type Record struct {
	ID      string
	Payload any
	Deleted bool
}

// Batch is the result of one fetch: the changes since the supplied cursor and
// the cursor that resumes after them.
type Batch struct {
	Records    []Record
	NextCursor string
}

// Source fetches ordered change batches for a scope. Implementations are
// read-only and stateless with respect to cursors.
type Source interface {
	// Fetch returns all changes after cursor. An empty cursor is a full import.
	Fetch(ctx context.Context, scope, cursor string) (*Batch, error)
	// FetchWindow refetches every record changed since the given time and
	// returns a fresh cursor.
	FetchWindow(ctx context.Context, scope string, since time.Time) (*Batch, error)
}
