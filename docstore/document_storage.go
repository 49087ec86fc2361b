// Package docstore is the revisioned document store behind the sink.
//
// Documents are partitioned by collection. Every write to a collection bumps
// its revision counter and stamps the written document with the new value,
// which doubles as the document's concurrency token. Deletes leave a
// tombstone so that ListChanges reports them.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
)

var (
	ErrConflict  = errors.New("revision conflict")
	ErrNotFound  = errors.New("document not found")
	ErrDuplicate = errors.New("identifier already in use")
)

type StoredDocument struct {
	Locator    string
	Identifier string
	Kind       string
	Body       []byte
	Hash       string
	Revision   int64
	Deleted    bool
}

type DocumentStorage interface {
	// Create stores a new live document. An empty Locator is generated.
	Create(ctx context.Context, collection string, doc StoredDocument) (StoredDocument, error)
	// Update replaces the document at locator. expectedRevision 0 skips the
	// revision check.
	Update(ctx context.Context, collection, locator string, doc StoredDocument, expectedRevision int64) (int64, error)
	Delete(ctx context.Context, collection, locator string) (int64, error)
	// FindByIdentifier returns nil when no live document carries identifier.
	FindByIdentifier(ctx context.Context, collection, identifier string) (*StoredDocument, error)
	// Get returns nil for unknown locators; tombstones are returned.
	Get(ctx context.Context, collection, locator string) (*StoredDocument, error)
	ListChanges(ctx context.Context, collection string, sinceRevision int64) ([]StoredDocument, error)
	Close() error
}

// FormatRevision renders a revision as a concurrency token.
func FormatRevision(revision int64) string {
	return strconv.FormatInt(revision, 10)
}

// ParseRevision reads a concurrency token. The empty token is revision 0.
func ParseRevision(token string) (int64, error) {
	if token == "" {
		return 0, nil
	}
	revision, err := strconv.ParseInt(token, 10, 64)
	if err != nil || revision < 0 {
		return 0, fmt.Errorf("invalid revision token %q", token)
	}
	return revision, nil
}
