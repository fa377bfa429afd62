package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemDBRoundtrip(t *testing.T) {
	db := NewMemDB()
	defer db.Close()

	key := []byte("ledger/fill/abc")
	require.NoError(t, db.Put(key, []byte("claimant")))

	got, err := db.Get(key)
	require.NoError(t, err)
	require.Equal(t, []byte("claimant"), got)

	ok, err := db.Has(key)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, db.Delete(key))
	ok, err = db.Has(key)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemDBNotFound(t *testing.T) {
	db := NewMemDB()
	defer db.Close()

	_, err := db.Get([]byte("missing"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemDBCopiesValues(t *testing.T) {
	db := NewMemDB()
	defer db.Close()

	value := []byte{1, 2, 3}
	require.NoError(t, db.Put([]byte("k"), value))
	value[0] = 9

	got, err := db.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, got)

	// Mutating the returned slice must not leak back into the store.
	got[1] = 9
	again, err := db.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, again)
}

func TestLevelDBPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state")

	db, err := NewLevelDB(path)
	require.NoError(t, err)
	require.NoError(t, db.Put([]byte("k"), []byte("v")))
	db.Close()

	reopened, err := NewLevelDB(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), got)

	_, err = reopened.Get([]byte("absent"))
	require.ErrorIs(t, err, ErrNotFound)
}
