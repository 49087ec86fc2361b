package store

import (
	"context"
	"time"
)

// Cursor is the last persisted change-feed position of a scope.
type Cursor struct {
	Scope     string
	Token     string
	UpdatedAt time.Time
}

// Mapping links a source record to the sink document it was written to.
// ContentHash is always the hash of the last document the sink confirmed.
type Mapping struct {
	Scope       string
	ID          string
	Locator     string
	Token       string
	ContentHash string
	UpdatedAt   time.Time
}

// StateStorage is the durable cursor and mapping store used by the reconciler.
// Every method is a single atomic statement; implementations hold no business logic.
type StateStorage interface {
	GetCursor(ctx context.Context, scope string) (*Cursor, error)
	PutCursor(ctx context.Context, scope, token string) error
	ResetCursor(ctx context.Context, scope string) error
	ListCursors(ctx context.Context) ([]Cursor, error)

	GetMapping(ctx context.Context, scope, id string) (*Mapping, error)
	PutMapping(ctx context.Context, mapping Mapping) error
	DeleteMapping(ctx context.Context, scope, id string) error
	CountMappings(ctx context.Context, scope string) (int, error)

	Close() error
}

const timeLayout = time.RFC3339Nano

// FormatTime renders timestamps the way both backends persist them.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// ParseTime is the inverse of FormatTime.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}
