package mediaset

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestCatalogInsertAndLookup(t *testing.T) {
	c := NewCatalog()
	a := uuid.New()
	b := uuid.New()
	c.Insert(a, 1)
	c.Insert(b, 2)

	fn, ok := c.Lookup(a)
	require.True(t, ok)
	require.Equal(t, uint64(1), fn)

	fn, ok = c.Lookup(b)
	require.True(t, ok)
	require.Equal(t, uint64(2), fn)

	_, ok = c.Lookup(uuid.New())
	require.False(t, ok)

	require.Equal(t, 2, c.Len())
}

func TestCatalogSaveLoadRoundtrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.json")

	c := NewCatalog()
	ids := make([]uuid.UUID, 5)
	for i := range ids {
		ids[i] = uuid.New()
		c.Insert(ids[i], uint64(i))
	}
	require.NoError(t, c.Save(path))

	loaded, err := LoadCatalog(path)
	require.NoError(t, err)
	require.Equal(t, c.Len(), loaded.Len())
	for i, id := range ids {
		fn, ok := loaded.Lookup(id)
		require.True(t, ok)
		require.Equal(t, uint64(i), fn)
	}
}

func TestLoadCatalogMissingFileIsEmpty(t *testing.T) {
	c, err := LoadCatalog(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	require.Equal(t, 0, c.Len())
}
