package docstore

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type StoreTest struct{}

func testDoc(identifier, body string) StoredDocument {
	return StoredDocument{Identifier: identifier, Kind: "contact", Body: []byte(body), Hash: "h-" + body}
}

func (s *StoreTest) TestCreateDocuments(t *testing.T, storage DocumentStorage) {
	ctx := context.Background()
	collection := uuid.New().String()

	a1, err := storage.Create(ctx, collection, testDoc("a1", "data1"))
	require.NoError(t, err, "failed to create a1")
	require.Equal(t, int64(1), a1.Revision)
	require.NotEmpty(t, a1.Locator)

	a2, err := storage.Create(ctx, collection, testDoc("a2", "data2"))
	require.NoError(t, err, "failed to create a2")
	require.Equal(t, int64(2), a2.Revision)

	changes, err := storage.ListChanges(ctx, collection, 0)
	require.NoError(t, err, "failed to list changes")
	require.Len(t, changes, 2)
	require.Equal(t, "a1", changes[0].Identifier)
	require.Equal(t, []byte("data1"), changes[0].Body)
	require.Equal(t, "a2", changes[1].Identifier)

	changes, err = storage.ListChanges(ctx, collection, 1)
	require.NoError(t, err)
	require.Len(t, changes, 1)

	// same identifier in another collection starts its own revisions
	other, err := storage.Create(ctx, uuid.New().String(), testDoc("a1", "data1"))
	require.NoError(t, err)
	require.Equal(t, int64(1), other.Revision)

	_, err = storage.Create(ctx, collection, testDoc("a1", "again"))
	require.ErrorIs(t, err, ErrDuplicate)
}

func (s *StoreTest) TestUpdateDocuments(t *testing.T, storage DocumentStorage) {
	ctx := context.Background()
	collection := uuid.New().String()

	created, err := storage.Create(ctx, collection, testDoc("a1", "data1"))
	require.NoError(t, err)

	revision, err := storage.Update(ctx, collection, created.Locator, testDoc("a1", "data2"), created.Revision)
	require.NoError(t, err, "failed to update a1")
	require.Equal(t, int64(2), revision)

	// unconditional
	revision, err = storage.Update(ctx, collection, created.Locator, testDoc("a1", "data3"), 0)
	require.NoError(t, err)
	require.Equal(t, int64(3), revision)

	got, err := storage.Get(ctx, collection, created.Locator)
	require.NoError(t, err)
	require.Equal(t, []byte("data3"), got.Body)
	require.Equal(t, "h-data3", got.Hash)

	changes, err := storage.ListChanges(ctx, collection, 0)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	require.Equal(t, int64(3), changes[0].Revision)

	_, err = storage.Update(ctx, collection, "missing", testDoc("a1", "x"), 0)
	require.ErrorIs(t, err, ErrNotFound)
}

func (s *StoreTest) TestConflict(t *testing.T, storage DocumentStorage) {
	ctx := context.Background()
	collection := uuid.New().String()

	created, err := storage.Create(ctx, collection, testDoc("a1", "data1"))
	require.NoError(t, err)
	_, err = storage.Update(ctx, collection, created.Locator, testDoc("a1", "data2"), created.Revision)
	require.NoError(t, err)

	_, err = storage.Update(ctx, collection, created.Locator, testDoc("a1", "data3"), created.Revision)
	require.ErrorIs(t, err, ErrConflict)

	got, err := storage.Get(ctx, collection, created.Locator)
	require.NoError(t, err)
	require.Equal(t, []byte("data2"), got.Body)
}

func (s *StoreTest) TestDeleteDocuments(t *testing.T, storage DocumentStorage) {
	ctx := context.Background()
	collection := uuid.New().String()

	created, err := storage.Create(ctx, collection, testDoc("a1", "data1"))
	require.NoError(t, err)

	found, err := storage.FindByIdentifier(ctx, collection, "a1")
	require.NoError(t, err)
	require.NotNil(t, found)
	require.Equal(t, created.Locator, found.Locator)
	require.Equal(t, created.Revision, found.Revision)

	revision, err := storage.Delete(ctx, collection, created.Locator)
	require.NoError(t, err)
	require.Equal(t, int64(2), revision)

	found, err = storage.FindByIdentifier(ctx, collection, "a1")
	require.NoError(t, err)
	require.Nil(t, found)

	_, err = storage.Delete(ctx, collection, created.Locator)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = storage.Update(ctx, collection, created.Locator, testDoc("a1", "data2"), 0)
	require.ErrorIs(t, err, ErrNotFound)

	changes, err := storage.ListChanges(ctx, collection, 1)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	require.True(t, changes[0].Deleted)

	// the identifier is free again once its document is gone
	recreated, err := storage.Create(ctx, collection, testDoc("a1", "data1"))
	require.NoError(t, err)
	require.NotEqual(t, created.Locator, recreated.Locator)
	require.Equal(t, int64(3), recreated.Revision)

	missing, err := storage.Get(ctx, collection, "nope")
	require.NoError(t, err)
	require.Nil(t, missing)
}
