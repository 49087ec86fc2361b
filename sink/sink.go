// Package sink defines the document-store contract the reconciler writes to.
package sink

import (
	"context"
	"errors"
)

var (
	// ErrConflict is returned by Update when the concurrency token is stale.
	ErrConflict = errors.New("concurrency token conflict")
	// ErrNotFound is returned when the addressed document does not exist.
	ErrNotFound = errors.New("document not found")
)

// Document is a normalized, hashed rendition of a source record.
type Document struct {
	// ID is the canonical identifier, always the source record ID.
	ID   string
	Kind string
	Body []byte
	Hash string
}

// Match is the result of a lookup by canonical identifier.
type Match struct {
	Locator string
	Token   string
}

// Sink writes documents to one target collection.
type Sink interface {
	// FindByIdentifier returns nil when no live document carries id.
	FindByIdentifier(ctx context.Context, id string) (*Match, error)
	Create(ctx context.Context, doc Document) (locator, token string, err error)
	// Update replaces the document at locator. An empty token skips the
	// concurrency check.
	Update(ctx context.Context, locator string, doc Document, token string) (string, error)
	Delete(ctx context.Context, locator string) error
}
