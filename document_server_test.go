package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/breez/data-mirror/docrpc"
	docsqlite "github.com/breez/data-mirror/docstore/sqlite"
	"github.com/breez/data-mirror/logging"
	"github.com/breez/data-mirror/mapper"
	"github.com/breez/data-mirror/middleware"
	"github.com/breez/data-mirror/reconcile"
	"github.com/breez/data-mirror/source"
	statesqlite "github.com/breez/data-mirror/store/sqlite"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/people/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type testCase struct {
	name    string
	request middleware.SignedRequest
	reply   any
}

func TestDocumentService(t *testing.T) {
	privateKey, err := btcec.NewPrivateKey()
	require.NoError(t, err, "failed to create private key")
	client, _ := server(t)

	for _, tc := range testCases() {
		sign(t, privateKey, tc.request)
		var response any
		switch req := tc.request.(type) {
		case *docrpc.CreateRequest:
			response, err = client.Create(context.Background(), req)
		case *docrpc.UpdateRequest:
			response, err = client.Update(context.Background(), req)
		case *docrpc.DeleteRequest:
			response, err = client.Delete(context.Background(), req)
		case *docrpc.FindRequest:
			response, err = client.FindByIdentifier(context.Background(), req)
		case *docrpc.ListChangesRequest:
			response, err = client.ListChanges(context.Background(), req)
		}
		require.NoError(t, err, tc.name)
		res, err := json.Marshal(response)
		require.NoError(t, err, "failed to marshal response")
		expected, err := json.Marshal(tc.reply)
		require.NoError(t, err, "failed to marshal expected response")
		require.JSONEq(t, string(expected), string(res), fmt.Sprintf("failed to compare test results for %v", tc.name))
	}
}

func testCases() []testCase {
	doc := func(body string) *docrpc.Document {
		return &docrpc.Document{Identifier: "people/c1", Kind: "contact", Body: []byte(body), Hash: "h-" + body}
	}
	return []testCase{
		{
			name:    "empty collection, no changes",
			request: &docrpc.ListChangesRequest{Collection: "contacts"},
			reply:   &docrpc.ListChangesReply{Changes: []*docrpc.Document{}},
		},
		{
			name:    "unknown identifier",
			request: &docrpc.FindRequest{Collection: "contacts", Identifier: "people/c1"},
			reply:   &docrpc.FindReply{},
		},
		{
			name:    "create first document",
			request: &docrpc.CreateRequest{Collection: "contacts", Document: withLocator(doc("v1"), "loc-1")},
			reply:   &docrpc.CreateReply{Status: docrpc.Status_SUCCESS, Locator: "loc-1", Revision: 1},
		},
		{
			name:    "duplicate identifier",
			request: &docrpc.CreateRequest{Collection: "contacts", Document: doc("v1")},
			reply:   &docrpc.CreateReply{Status: docrpc.Status_DUPLICATE},
		},
		{
			name:    "update with current revision",
			request: &docrpc.UpdateRequest{Collection: "contacts", Locator: "loc-1", Document: doc("v2"), ExpectedRevision: 1},
			reply:   &docrpc.UpdateReply{Status: docrpc.Status_SUCCESS, Revision: 2},
		},
		{
			name:    "update with stale revision",
			request: &docrpc.UpdateRequest{Collection: "contacts", Locator: "loc-1", Document: doc("v3"), ExpectedRevision: 1},
			reply:   &docrpc.UpdateReply{Status: docrpc.Status_CONFLICT},
		},
		{
			name:    "find by identifier",
			request: &docrpc.FindRequest{Collection: "contacts", Identifier: "people/c1"},
			reply: &docrpc.FindReply{Document: &docrpc.Document{
				Locator: "loc-1", Identifier: "people/c1", Kind: "contact", Body: []byte("v2"), Hash: "h-v2", Revision: 2,
			}},
		},
		{
			name:    "no changes since revision 5",
			request: &docrpc.ListChangesRequest{Collection: "contacts", SinceRevision: 5},
			reply:   &docrpc.ListChangesReply{Changes: []*docrpc.Document{}},
		},
		{
			name:    "delete",
			request: &docrpc.DeleteRequest{Collection: "contacts", Locator: "loc-1"},
			reply:   &docrpc.DeleteReply{Status: docrpc.Status_SUCCESS, Revision: 3},
		},
		{
			name:    "delete again",
			request: &docrpc.DeleteRequest{Collection: "contacts", Locator: "loc-1"},
			reply:   &docrpc.DeleteReply{Status: docrpc.Status_NOT_FOUND},
		},
		{
			name:    "update deleted document",
			request: &docrpc.UpdateRequest{Collection: "contacts", Locator: "loc-1", Document: doc("v4")},
			reply:   &docrpc.UpdateReply{Status: docrpc.Status_NOT_FOUND},
		},
		{
			name:    "list changes returns the tombstone",
			request: &docrpc.ListChangesRequest{Collection: "contacts", SinceRevision: 2},
			reply: &docrpc.ListChangesReply{Changes: []*docrpc.Document{{
				Locator: "loc-1", Identifier: "people/c1", Kind: "contact", Hash: "h-v2", Revision: 3, Deleted: true,
			}}},
		},
	}
}

func withLocator(d *docrpc.Document, locator string) *docrpc.Document {
	d.Locator = locator
	return d
}

func TestCollectionsArePrivateToTheSigner(t *testing.T) {
	alice, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	bob, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	client, _ := server(t)
	ctx := context.Background()

	create := &docrpc.CreateRequest{Collection: "contacts", Document: &docrpc.Document{Identifier: "people/c1", Kind: "contact", Body: []byte("{}"), Hash: "h"}}
	sign(t, alice, create)
	reply, err := client.Create(ctx, create)
	require.NoError(t, err)
	require.Equal(t, docrpc.Status_SUCCESS, reply.Status)

	find := &docrpc.FindRequest{Collection: "contacts", Identifier: "people/c1"}
	sign(t, bob, find)
	found, err := client.FindByIdentifier(ctx, find)
	require.NoError(t, err)
	require.Nil(t, found.Document)

	// bob may use the same identifier in his own namespace
	create.Signature = ""
	sign(t, bob, create)
	reply, err = client.Create(ctx, create)
	require.NoError(t, err)
	require.Equal(t, docrpc.Status_SUCCESS, reply.Status)
}

func TestRejectsUnsignedAndInvalidRequests(t *testing.T) {
	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	client, _ := server(t)
	ctx := context.Background()

	req := &docrpc.ListChangesRequest{Collection: "contacts", RequestTime: time.Now().Unix(), Signature: "garbage"}
	_, err = client.ListChanges(ctx, req)
	require.Equal(t, codes.Unauthenticated, status.Code(err))

	stale := &docrpc.ListChangesRequest{Collection: "contacts"}
	stale.RequestTime = time.Now().Add(-time.Hour).Unix()
	stale.Signature, err = middleware.SignMessage(key, []byte(stale.SignedPayload()))
	require.NoError(t, err)
	_, err = client.ListChanges(ctx, stale)
	require.Equal(t, codes.Unauthenticated, status.Code(err))

	noCollection := &docrpc.ListChangesRequest{}
	sign(t, key, noCollection)
	_, err = client.ListChanges(ctx, noCollection)
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestTrackChanges(t *testing.T) {
	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	client, _ := server(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	track := &docrpc.TrackChangesRequest{Collection: "contacts"}
	sign(t, key, track)
	stream, err := client.TrackChanges(ctx, track)
	require.NoError(t, err)

	// the subscription is registered asynchronously; keep writing until an
	// event arrives
	received := make(chan *docrpc.Document, 1)
	go func() {
		doc, err := stream.Recv()
		if err == nil {
			received <- doc
		}
	}()
	deadline := time.After(5 * time.Second)
	for i := 0; ; i++ {
		create := &docrpc.CreateRequest{Collection: "contacts", Document: &docrpc.Document{
			Identifier: fmt.Sprintf("people/c%d", i), Kind: "contact", Body: []byte("{}"), Hash: "h",
		}}
		sign(t, key, create)
		_, err := client.Create(ctx, create)
		require.NoError(t, err)
		select {
		case doc := <-received:
			require.Equal(t, "contact", doc.Kind)
			require.NotEmpty(t, doc.Locator)
			require.Positive(t, doc.Revision)
			return
		case <-deadline:
			t.Fatal("no change event received")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

type staticSource struct {
	batch *source.Batch
}

func (s staticSource) Fetch(context.Context, string, string) (*source.Batch, error) {
	return s.batch, nil
}

func (s staticSource) FetchWindow(context.Context, string, time.Time) (*source.Batch, error) {
	return s.batch, nil
}

func TestReconcileThroughGrpcSink(t *testing.T) {
	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	_, conn := server(t)
	state, err := statesqlite.NewSQLiteStateStorage("file:" + uuid.New().String() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	defer state.Close()

	person := &people.Person{
		ResourceName: "people/c1",
		Names:        []*people.Name{{DisplayName: "Ada Lovelace"}},
	}
	scope := reconcile.Scope{
		Name:   "contacts",
		Source: staticSource{batch: &source.Batch{Records: []source.Record{{ID: "people/c1", Payload: person}}, NextCursor: "sync-1"}},
		Mapper: mapper.ContactMapper{},
		Sink:   docrpc.NewSink(conn, key, "contacts"),
	}
	reconciler := reconcile.New(state, reconcile.Options{Logger: logging.Discard()})

	summary, err := reconciler.Run(context.Background(), []reconcile.Scope{scope})
	require.NoError(t, err)
	require.Equal(t, reconcile.StatusOK, summary.Status())
	require.Equal(t, 1, summary.Scopes[0].Created)

	// unchanged content is skipped on the next run
	summary, err = reconciler.Run(context.Background(), []reconcile.Scope{scope})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Scopes[0].Skipped)

	m, err := state.GetMapping(context.Background(), "contacts", "people/c1")
	require.NoError(t, err)
	require.NotNil(t, m)
	require.Equal(t, "1", m.Token)
	cursor, err := state.GetCursor(context.Background(), "contacts")
	require.NoError(t, err)
	require.Equal(t, "sync-1", cursor.Token)
}

func sign(t *testing.T, key *btcec.PrivateKey, req middleware.SignedRequest) {
	requestTime := time.Now().Unix()
	switch r := req.(type) {
	case *docrpc.CreateRequest:
		r.RequestTime = requestTime
	case *docrpc.UpdateRequest:
		r.RequestTime = requestTime
	case *docrpc.DeleteRequest:
		r.RequestTime = requestTime
	case *docrpc.FindRequest:
		r.RequestTime = requestTime
	case *docrpc.ListChangesRequest:
		r.RequestTime = requestTime
	case *docrpc.TrackChangesRequest:
		r.RequestTime = requestTime
	}
	signature, err := middleware.SignMessage(key, []byte(req.SignedPayload()))
	require.NoError(t, err, "failed to sign message")
	switch r := req.(type) {
	case *docrpc.CreateRequest:
		r.Signature = signature
	case *docrpc.UpdateRequest:
		r.Signature = signature
	case *docrpc.DeleteRequest:
		r.Signature = signature
	case *docrpc.FindRequest:
		r.Signature = signature
	case *docrpc.ListChangesRequest:
		r.Signature = signature
	case *docrpc.TrackChangesRequest:
		r.Signature = signature
	}
}

func server(t *testing.T) (*docrpc.DocumentStoreClient, *grpc.ClientConn) {
	storage, err := docsqlite.NewSQLiteDocumentStorage("file:" + uuid.New().String() + "?mode=memory&cache=shared")
	require.NoError(t, err)

	quitChan := make(chan struct{})
	documentServer := NewDocumentStoreServer(storage, nil, logging.Discard())
	documentServer.Start(quitChan)

	lis := bufconn.Listen(1024 * 1024)
	baseServer := CreateServer(documentServer, nil)
	go func() {
		_ = baseServer.Serve(lis)
	}()

	conn, err := grpc.DialContext(context.Background(), "bufnet",
		append(docrpc.DialOptions(""), grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
			return lis.Dial()
		}))...)
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
		baseServer.Stop()
		close(quitChan)
		storage.Close()
	})
	return docrpc.NewDocumentStoreClient(conn), conn
}
