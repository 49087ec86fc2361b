package docrpc

import (
	"context"
	"fmt"
	"time"

	"github.com/breez/data-mirror/docstore"
	"github.com/breez/data-mirror/middleware"
	"github.com/breez/data-mirror/retry"
	"github.com/breez/data-mirror/sink"
	"github.com/btcsuite/btcd/btcec/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// DialOptions returns the options every document store connection needs.
// apiKey is sent as bearer authorization when set.
func DialOptions(apiKey string, extra ...grpc.DialOption) []grpc.DialOption {
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(Codec{})),
	}
	if apiKey != "" {
		auth := middleware.ApiKeyMetadata(apiKey)
		opts = append(opts,
			grpc.WithChainUnaryInterceptor(func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, callOpts ...grpc.CallOption) error {
				return invoker(metadata.AppendToOutgoingContext(ctx, "authorization", auth), method, req, reply, cc, callOpts...)
			}),
			grpc.WithChainStreamInterceptor(func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, callOpts ...grpc.CallOption) (grpc.ClientStream, error) {
				return streamer(metadata.AppendToOutgoingContext(ctx, "authorization", auth), desc, cc, method, callOpts...)
			}),
		)
	}
	return append(opts, extra...)
}

// Sink writes to one collection of a remote document store. Every request is
// signed with key; the server namespaces collections by the signer.
type Sink struct {
	client     *DocumentStoreClient
	key        *btcec.PrivateKey
	collection string
	now        func() time.Time
}

func NewSink(cc grpc.ClientConnInterface, key *btcec.PrivateKey, collection string) *Sink {
	return &Sink{
		client:     NewDocumentStoreClient(cc),
		key:        key,
		collection: collection,
		now:        time.Now,
	}
}

type signable interface {
	SignedPayload() string
}

func (s *Sink) sign(req signable, setTime func(int64), setSignature func(string)) error {
	setTime(s.now().Unix())
	signature, err := middleware.SignMessage(s.key, []byte(req.SignedPayload()))
	if err != nil {
		return retry.MarkFatal(err)
	}
	setSignature(signature)
	return nil
}

func (s *Sink) FindByIdentifier(ctx context.Context, id string) (*sink.Match, error) {
	req := &FindRequest{Collection: s.collection, Identifier: id}
	if err := s.sign(req, func(t int64) { req.RequestTime = t }, func(sig string) { req.Signature = sig }); err != nil {
		return nil, err
	}
	reply, err := s.client.FindByIdentifier(ctx, req)
	if err != nil {
		return nil, classify("find", err)
	}
	if reply.Document == nil {
		return nil, nil
	}
	return &sink.Match{Locator: reply.Document.Locator, Token: docstore.FormatRevision(reply.Document.Revision)}, nil
}

func (s *Sink) Create(ctx context.Context, doc sink.Document) (string, string, error) {
	req := &CreateRequest{Collection: s.collection, Document: toDocument(doc)}
	if err := s.sign(req, func(t int64) { req.RequestTime = t }, func(sig string) { req.Signature = sig }); err != nil {
		return "", "", err
	}
	reply, err := s.client.Create(ctx, req)
	if err != nil {
		return "", "", classify("create", err)
	}
	if err := statusError(reply.Status); err != nil {
		return "", "", fmt.Errorf("failed to create %v: %w", doc.ID, err)
	}
	return reply.Locator, docstore.FormatRevision(reply.Revision), nil
}

func (s *Sink) Update(ctx context.Context, locator string, doc sink.Document, token string) (string, error) {
	expected, err := docstore.ParseRevision(token)
	if err != nil {
		return "", err
	}
	req := &UpdateRequest{Collection: s.collection, Locator: locator, Document: toDocument(doc), ExpectedRevision: expected}
	if err := s.sign(req, func(t int64) { req.RequestTime = t }, func(sig string) { req.Signature = sig }); err != nil {
		return "", err
	}
	reply, err := s.client.Update(ctx, req)
	if err != nil {
		return "", classify("update", err)
	}
	if err := statusError(reply.Status); err != nil {
		return "", fmt.Errorf("failed to update %v: %w", locator, err)
	}
	return docstore.FormatRevision(reply.Revision), nil
}

func (s *Sink) Delete(ctx context.Context, locator string) error {
	req := &DeleteRequest{Collection: s.collection, Locator: locator}
	if err := s.sign(req, func(t int64) { req.RequestTime = t }, func(sig string) { req.Signature = sig }); err != nil {
		return err
	}
	reply, err := s.client.Delete(ctx, req)
	if err != nil {
		return classify("delete", err)
	}
	if err := statusError(reply.Status); err != nil {
		return fmt.Errorf("failed to delete %v: %w", locator, err)
	}
	return nil
}

func toDocument(doc sink.Document) *Document {
	return &Document{Identifier: doc.ID, Kind: doc.Kind, Body: doc.Body, Hash: doc.Hash}
}

func statusError(st Status) error {
	switch st {
	case Status_SUCCESS:
		return nil
	case Status_CONFLICT, Status_DUPLICATE:
		return fmt.Errorf("%w: %v", sink.ErrConflict, st)
	case Status_NOT_FOUND:
		return sink.ErrNotFound
	}
	return fmt.Errorf("unexpected status %v", st)
}

// classify tags a gRPC error with its retry class.
func classify(op string, err error) error {
	wrapped := fmt.Errorf("failed to %v document: %w", op, err)
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return retry.MarkTransient(wrapped)
	case codes.Unauthenticated, codes.PermissionDenied:
		return retry.MarkFatal(wrapped)
	}
	return wrapped
}
