package main

import (
	"context"
	"crypto/x509"
	"errors"
	"log/slog"

	"github.com/breez/data-mirror/docrpc"
	"github.com/breez/data-mirror/docstore"
	"github.com/breez/data-mirror/middleware"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type changeEvent struct {
	namespace string
	document  *docrpc.Document
}

// DocumentStoreServer serves a DocumentStorage over gRPC. Collections are
// private to the key that signs the requests.
type DocumentStoreServer struct {
	docrpc.UnimplementedDocumentStoreServer
	storage       docstore.DocumentStorage
	caCert        *x509.Certificate
	eventsManager *eventsManager
	log           *slog.Logger
}

func NewDocumentStoreServer(storage docstore.DocumentStorage, caCert *x509.Certificate, logger *slog.Logger) *DocumentStoreServer {
	return &DocumentStoreServer{
		storage:       storage,
		caCert:        caCert,
		eventsManager: newEventsManager(),
		log:           logger,
	}
}

func (s *DocumentStoreServer) Start(quitChan chan struct{}) {
	s.eventsManager.start(quitChan)
}

// authenticate verifies the request and returns the signer's namespace for
// collection.
func (s *DocumentStoreServer) authenticate(ctx context.Context, req middleware.SignedRequest, collection string) (context.Context, string, error) {
	if collection == "" {
		return nil, "", status.Error(codes.InvalidArgument, "collection is required")
	}
	c, err := middleware.Authenticate(ctx, s.caCert, req)
	if err != nil {
		return nil, "", status.Error(codes.Unauthenticated, err.Error())
	}
	pubkey, _ := middleware.UserPubkey(c)
	return c, namespace(pubkey, collection), nil
}

func namespace(pubkey, collection string) string {
	return pubkey + "/" + collection
}

func (s *DocumentStoreServer) Create(ctx context.Context, msg *docrpc.CreateRequest) (*docrpc.CreateReply, error) {
	c, ns, err := s.authenticate(ctx, msg, msg.Collection)
	if err != nil {
		return nil, err
	}
	if msg.Document == nil || msg.Document.Identifier == "" {
		return nil, status.Error(codes.InvalidArgument, "document identifier is required")
	}
	stored, err := s.storage.Create(c, ns, fromMessage(msg.Document))
	if err != nil {
		if errors.Is(err, docstore.ErrDuplicate) {
			return &docrpc.CreateReply{Status: docrpc.Status_DUPLICATE}, nil
		}
		return nil, s.internal("create", err)
	}
	s.eventsManager.notifyChange(ns, toMessage(stored))
	return &docrpc.CreateReply{
		Status:   docrpc.Status_SUCCESS,
		Locator:  stored.Locator,
		Revision: stored.Revision,
	}, nil
}

func (s *DocumentStoreServer) Update(ctx context.Context, msg *docrpc.UpdateRequest) (*docrpc.UpdateReply, error) {
	c, ns, err := s.authenticate(ctx, msg, msg.Collection)
	if err != nil {
		return nil, err
	}
	if msg.Document == nil || msg.Locator == "" {
		return nil, status.Error(codes.InvalidArgument, "locator and document are required")
	}
	doc := fromMessage(msg.Document)
	revision, err := s.storage.Update(c, ns, msg.Locator, doc, msg.ExpectedRevision)
	switch {
	case errors.Is(err, docstore.ErrConflict):
		return &docrpc.UpdateReply{Status: docrpc.Status_CONFLICT}, nil
	case errors.Is(err, docstore.ErrNotFound):
		return &docrpc.UpdateReply{Status: docrpc.Status_NOT_FOUND}, nil
	case errors.Is(err, docstore.ErrDuplicate):
		return &docrpc.UpdateReply{Status: docrpc.Status_DUPLICATE}, nil
	case err != nil:
		return nil, s.internal("update", err)
	}
	doc.Locator = msg.Locator
	doc.Revision = revision
	s.eventsManager.notifyChange(ns, toMessage(doc))
	return &docrpc.UpdateReply{Status: docrpc.Status_SUCCESS, Revision: revision}, nil
}

func (s *DocumentStoreServer) Delete(ctx context.Context, msg *docrpc.DeleteRequest) (*docrpc.DeleteReply, error) {
	c, ns, err := s.authenticate(ctx, msg, msg.Collection)
	if err != nil {
		return nil, err
	}
	revision, err := s.storage.Delete(c, ns, msg.Locator)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return &docrpc.DeleteReply{Status: docrpc.Status_NOT_FOUND}, nil
		}
		return nil, s.internal("delete", err)
	}
	s.eventsManager.notifyChange(ns, &docrpc.Document{Locator: msg.Locator, Revision: revision, Deleted: true})
	return &docrpc.DeleteReply{Status: docrpc.Status_SUCCESS, Revision: revision}, nil
}

func (s *DocumentStoreServer) FindByIdentifier(ctx context.Context, msg *docrpc.FindRequest) (*docrpc.FindReply, error) {
	c, ns, err := s.authenticate(ctx, msg, msg.Collection)
	if err != nil {
		return nil, err
	}
	doc, err := s.storage.FindByIdentifier(c, ns, msg.Identifier)
	if err != nil {
		return nil, s.internal("find", err)
	}
	if doc == nil {
		return &docrpc.FindReply{}, nil
	}
	return &docrpc.FindReply{Document: toMessage(*doc)}, nil
}

func (s *DocumentStoreServer) ListChanges(ctx context.Context, msg *docrpc.ListChangesRequest) (*docrpc.ListChangesReply, error) {
	c, ns, err := s.authenticate(ctx, msg, msg.Collection)
	if err != nil {
		return nil, err
	}
	changed, err := s.storage.ListChanges(c, ns, msg.SinceRevision)
	if err != nil {
		return nil, s.internal("list changes", err)
	}
	documents := make([]*docrpc.Document, len(changed))
	for i, d := range changed {
		documents[i] = toMessage(d)
	}
	return &docrpc.ListChangesReply{Changes: documents}, nil
}

func (s *DocumentStoreServer) TrackChanges(request *docrpc.TrackChangesRequest, stream docrpc.DocumentStore_TrackChangesServer) error {
	c, ns, err := s.authenticate(stream.Context(), request, request.Collection)
	if err != nil {
		return err
	}

	subscription := s.eventsManager.subscribe(ns)
	defer s.eventsManager.unsubscribe(ns, subscription.id)
	for {
		select {
		case event, ok := <-subscription.eventsChan:
			if !ok {
				return nil
			}
			if err := stream.Send(event.document); err != nil {
				return err
			}

		case <-c.Done():
			return nil
		}
	}
}

func (s *DocumentStoreServer) internal(op string, err error) error {
	s.log.Error("document store call failed", "op", op, "error", err)
	return status.Error(codes.Internal, "failed to "+op)
}

func fromMessage(d *docrpc.Document) docstore.StoredDocument {
	return docstore.StoredDocument{
		Locator:    d.Locator,
		Identifier: d.Identifier,
		Kind:       d.Kind,
		Body:       d.Body,
		Hash:       d.Hash,
	}
}

func toMessage(d docstore.StoredDocument) *docrpc.Document {
	return &docrpc.Document{
		Locator:    d.Locator,
		Identifier: d.Identifier,
		Kind:       d.Kind,
		Body:       d.Body,
		Hash:       d.Hash,
		Revision:   d.Revision,
		Deleted:    d.Deleted,
	}
}
