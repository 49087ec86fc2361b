package store

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type StoreTest struct{}

func (s *StoreTest) TestCursors(t *testing.T, storage StateStorage) {
	ctx := context.Background()
	scope := "calendar:" + uuid.New().String()

	cursor, err := storage.GetCursor(ctx, scope)
	require.NoError(t, err, "failed to call GetCursor")
	require.Nil(t, cursor, "cursor of a fresh scope should be absent")

	require.NoError(t, storage.PutCursor(ctx, scope, "tok1"), "failed to call PutCursor tok1")
	cursor, err = storage.GetCursor(ctx, scope)
	require.NoError(t, err, "failed to call GetCursor")
	require.NotNil(t, cursor)
	require.Equal(t, "tok1", cursor.Token)
	require.Equal(t, scope, cursor.Scope)
	require.False(t, cursor.UpdatedAt.IsZero())

	require.NoError(t, storage.PutCursor(ctx, scope, "tok2"), "failed to call PutCursor tok2")
	cursor, err = storage.GetCursor(ctx, scope)
	require.NoError(t, err)
	require.Equal(t, "tok2", cursor.Token)

	cursors, err := storage.ListCursors(ctx)
	require.NoError(t, err, "failed to call ListCursors")
	found := false
	for _, c := range cursors {
		if c.Scope == scope {
			found = true
			require.Equal(t, "tok2", c.Token)
		}
	}
	require.True(t, found, "ListCursors should include %v", scope)

	require.NoError(t, storage.ResetCursor(ctx, scope), "failed to call ResetCursor")
	cursor, err = storage.GetCursor(ctx, scope)
	require.NoError(t, err)
	require.Nil(t, cursor)

	// resetting an absent cursor is not an error
	require.NoError(t, storage.ResetCursor(ctx, scope))
}

func (s *StoreTest) TestMappings(t *testing.T, storage StateStorage) {
	ctx := context.Background()
	scope := "contacts-" + uuid.New().String()

	mapping, err := storage.GetMapping(ctx, scope, "people/c1")
	require.NoError(t, err, "failed to call GetMapping")
	require.Nil(t, mapping)

	err = storage.PutMapping(ctx, Mapping{Scope: scope, ID: "people/c1", Locator: "loc-1", Token: "1", ContentHash: "h1"})
	require.NoError(t, err, "failed to call PutMapping")

	mapping, err = storage.GetMapping(ctx, scope, "people/c1")
	require.NoError(t, err)
	require.NotNil(t, mapping)
	require.Equal(t, "loc-1", mapping.Locator)
	require.Equal(t, "1", mapping.Token)
	require.Equal(t, "h1", mapping.ContentHash)
	require.False(t, mapping.UpdatedAt.IsZero())

	// upsert replaces the existing entry instead of adding a second one
	err = storage.PutMapping(ctx, Mapping{Scope: scope, ID: "people/c1", Locator: "loc-1", Token: "2", ContentHash: "h2"})
	require.NoError(t, err)
	mapping, err = storage.GetMapping(ctx, scope, "people/c1")
	require.NoError(t, err)
	require.Equal(t, "2", mapping.Token)
	require.Equal(t, "h2", mapping.ContentHash)

	count, err := storage.CountMappings(ctx, scope)
	require.NoError(t, err, "failed to call CountMappings")
	require.Equal(t, 1, count)

	require.NoError(t, storage.DeleteMapping(ctx, scope, "people/c1"), "failed to call DeleteMapping")
	mapping, err = storage.GetMapping(ctx, scope, "people/c1")
	require.NoError(t, err)
	require.Nil(t, mapping)

	// deleting an absent mapping is not an error
	require.NoError(t, storage.DeleteMapping(ctx, scope, "people/c1"))
}

func (s *StoreTest) TestScopeIsolation(t *testing.T, storage StateStorage) {
	ctx := context.Background()
	scopeA := "a-" + uuid.New().String()
	scopeB := "b-" + uuid.New().String()

	require.NoError(t, storage.PutMapping(ctx, Mapping{Scope: scopeA, ID: "e1", Locator: "la", ContentHash: "ha"}))
	require.NoError(t, storage.PutMapping(ctx, Mapping{Scope: scopeB, ID: "e1", Locator: "lb", ContentHash: "hb"}))

	a, err := storage.GetMapping(ctx, scopeA, "e1")
	require.NoError(t, err)
	b, err := storage.GetMapping(ctx, scopeB, "e1")
	require.NoError(t, err)
	require.Equal(t, "la", a.Locator)
	require.Equal(t, "lb", b.Locator)

	require.NoError(t, storage.DeleteMapping(ctx, scopeA, "e1"))
	b, err = storage.GetMapping(ctx, scopeB, "e1")
	require.NoError(t, err)
	require.NotNil(t, b, "deleting in one scope must not touch another")
}
