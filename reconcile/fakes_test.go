package reconcile_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/breez/data-mirror/docstore"
	docsqlite "github.com/breez/data-mirror/docstore/sqlite"
	"github.com/breez/data-mirror/mapper"
	"github.com/breez/data-mirror/reconcile"
	"github.com/breez/data-mirror/retry"
	"github.com/breez/data-mirror/sink"
	"github.com/breez/data-mirror/source"
	"github.com/breez/data-mirror/store"
	statesqlite "github.com/breez/data-mirror/store/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// testMapper maps string payloads to {"uid": id, "value": payload}.
type testMapper struct{}

func (testMapper) Map(id string, payload any) (sink.Document, error) {
	value, ok := payload.(string)
	if !ok {
		return sink.Document{}, errors.New("payload must be a string")
	}
	body, err := mapper.MarshalCanonical(mapper.Object{"uid": id, "value": value})
	if err != nil {
		return sink.Document{}, err
	}
	return sink.Document{ID: id, Kind: "test", Body: body, Hash: mapper.HashWithDomain("test/v1", body)}, nil
}

type fetchCall struct {
	cursor string
	window bool
	since  time.Time
}

type fakeSource struct {
	mu     sync.Mutex
	calls  []fetchCall
	fetch  func(cursor string) (*source.Batch, error)
	window func(since time.Time) (*source.Batch, error)
}

func (s *fakeSource) Fetch(ctx context.Context, scope, cursor string) (*source.Batch, error) {
	s.mu.Lock()
	s.calls = append(s.calls, fetchCall{cursor: cursor})
	s.mu.Unlock()
	return s.fetch(cursor)
}

func (s *fakeSource) FetchWindow(ctx context.Context, scope string, since time.Time) (*source.Batch, error) {
	s.mu.Lock()
	s.calls = append(s.calls, fetchCall{window: true, since: since})
	s.mu.Unlock()
	if s.window == nil {
		return nil, errors.New("no window configured")
	}
	return s.window(since)
}

// feed returns the same batch for every cursor.
func feed(next string, records ...source.Record) *fakeSource {
	return &fakeSource{fetch: func(string) (*source.Batch, error) {
		return &source.Batch{Records: records, NextCursor: next}, nil
	}}
}

func rec(id, value string) source.Record {
	return source.Record{ID: id, Payload: value}
}

func deleted(id string) source.Record {
	return source.Record{ID: id, Deleted: true}
}

// countingSink counts calls per operation on top of a real document store.
// hook may fail a call before it reaches the store.
type countingSink struct {
	inner sink.Sink
	mu    sync.Mutex
	calls map[string]int
	hook  func(op, id string) error
}

func (s *countingSink) before(op, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[op]++
	if s.hook != nil {
		return s.hook(op, id)
	}
	return nil
}

func (s *countingSink) count(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

func (s *countingSink) writes() int {
	return s.count("create") + s.count("update") + s.count("delete")
}

func (s *countingSink) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = map[string]int{}
	s.hook = nil
}

func (s *countingSink) setHook(hook func(op, id string) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = hook
}

func (s *countingSink) FindByIdentifier(ctx context.Context, id string) (*sink.Match, error) {
	if err := s.before("find", id); err != nil {
		return nil, err
	}
	return s.inner.FindByIdentifier(ctx, id)
}

func (s *countingSink) Create(ctx context.Context, doc sink.Document) (string, string, error) {
	if err := s.before("create", doc.ID); err != nil {
		return "", "", err
	}
	return s.inner.Create(ctx, doc)
}

func (s *countingSink) Update(ctx context.Context, locator string, doc sink.Document, token string) (string, error) {
	if err := s.before("update", doc.ID); err != nil {
		return "", err
	}
	return s.inner.Update(ctx, locator, doc, token)
}

func (s *countingSink) Delete(ctx context.Context, locator string) error {
	if err := s.before("delete", locator); err != nil {
		return err
	}
	return s.inner.Delete(ctx, locator)
}

// flakyState fails PutMapping once when failNextPut is set.
type flakyState struct {
	store.StateStorage
	mu          sync.Mutex
	failNextPut bool
}

func (s *flakyState) PutMapping(ctx context.Context, m store.Mapping) error {
	s.mu.Lock()
	fail := s.failNextPut
	s.failNextPut = false
	s.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return s.StateStorage.PutMapping(ctx, m)
}

type harness struct {
	state      store.StateStorage
	documents  docstore.DocumentStorage
	collection string
	sink       *countingSink
}

func newHarness(t *testing.T) *harness {
	state, err := statesqlite.NewSQLiteStateStorage("file:" + uuid.New().String() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	documents, err := docsqlite.NewSQLiteDocumentStorage("file:" + uuid.New().String() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() {
		state.Close()
		documents.Close()
	})
	collection := "contacts"
	return &harness{
		state:      state,
		documents:  documents,
		collection: collection,
		sink:       &countingSink{inner: docstore.NewSink(documents, collection), calls: map[string]int{}},
	}
}

func testPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Classifier:  retry.DefaultClassifier,
	}
}

func (h *harness) reconciler(opts reconcile.Options) *reconcile.Reconciler {
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = testPolicy()
	}
	return reconcile.New(h.state, opts)
}

func (h *harness) scope(name string, src source.Source) reconcile.Scope {
	return reconcile.Scope{Name: name, Source: src, Mapper: testMapper{}, Sink: h.sink}
}

func (h *harness) run(t *testing.T, src source.Source) *reconcile.ScopeResult {
	summary, err := h.reconciler(reconcile.Options{}).Run(context.Background(), []reconcile.Scope{h.scope("contacts", src)})
	require.NoError(t, err)
	require.Len(t, summary.Scopes, 1)
	return summary.Scopes[0]
}

func (h *harness) liveDocuments(t *testing.T) []docstore.StoredDocument {
	changes, err := h.documents.ListChanges(context.Background(), h.collection, 0)
	require.NoError(t, err)
	live := make([]docstore.StoredDocument, 0, len(changes))
	for _, c := range changes {
		if !c.Deleted {
			live = append(live, c)
		}
	}
	return live
}

func (h *harness) mapping(t *testing.T, id string) *store.Mapping {
	m, err := h.state.GetMapping(context.Background(), "contacts", id)
	require.NoError(t, err)
	return m
}

func (h *harness) cursor(t *testing.T) string {
	c, err := h.state.GetCursor(context.Background(), "contacts")
	require.NoError(t, err)
	if c == nil {
		return ""
	}
	return c.Token
}
