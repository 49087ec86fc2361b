package docstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/breez/data-mirror/sink"
)

// Sink exposes one collection of a DocumentStorage as a sink.Sink.
type Sink struct {
	storage    DocumentStorage
	collection string
}

func NewSink(storage DocumentStorage, collection string) *Sink {
	return &Sink{storage: storage, collection: collection}
}

func (s *Sink) FindByIdentifier(ctx context.Context, id string) (*sink.Match, error) {
	doc, err := s.storage.FindByIdentifier(ctx, s.collection, id)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, nil
	}
	return &sink.Match{Locator: doc.Locator, Token: FormatRevision(doc.Revision)}, nil
}

func (s *Sink) Create(ctx context.Context, doc sink.Document) (string, string, error) {
	stored, err := s.storage.Create(ctx, s.collection, fromSinkDocument(doc))
	if err != nil {
		return "", "", SinkError(err)
	}
	return stored.Locator, FormatRevision(stored.Revision), nil
}

func (s *Sink) Update(ctx context.Context, locator string, doc sink.Document, token string) (string, error) {
	expected, err := ParseRevision(token)
	if err != nil {
		return "", err
	}
	revision, err := s.storage.Update(ctx, s.collection, locator, fromSinkDocument(doc), expected)
	if err != nil {
		return "", SinkError(err)
	}
	return FormatRevision(revision), nil
}

func (s *Sink) Delete(ctx context.Context, locator string) error {
	if _, err := s.storage.Delete(ctx, s.collection, locator); err != nil {
		return SinkError(err)
	}
	return nil
}

func fromSinkDocument(doc sink.Document) StoredDocument {
	return StoredDocument{
		Identifier: doc.ID,
		Kind:       doc.Kind,
		Body:       doc.Body,
		Hash:       doc.Hash,
	}
}

// SinkError translates storage sentinels into the sink contract's.
func SinkError(err error) error {
	switch {
	case errors.Is(err, ErrConflict), errors.Is(err, ErrDuplicate):
		return fmt.Errorf("%w: %v", sink.ErrConflict, err)
	case errors.Is(err, ErrNotFound):
		return fmt.Errorf("%w: %v", sink.ErrNotFound, err)
	}
	return err
}
