package hashstore_test

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dfrws/hashdb/hashstore"
	"github.com/dfrws/hashdb/store"
)

func openTestStore(t *testing.T) (*store.DB, *hashstore.Store) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "lmdb_hash_store")
	db, err := store.Open(dir, false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s, err := hashstore.Open(db, 16, 14)
	require.NoError(t, err)
	return db, s
}

func hash(fill byte, n int) []byte {
	return bytes.Repeat([]byte{fill}, n)
}

func TestInsertThenFind(t *testing.T) {
	db, s := openTestStore(t)

	h := hash(0xAB, 16)
	w, err := db.NewWriter()
	require.NoError(t, err)
	var changes hashstore.Changes
	hashstore.Insert(w, s, h, &changes)
	require.NoError(t, w.Commit())

	assert.Equal(t, uint64(1), changes.HashInserted)
	assert.True(t, hashstore.Find(db, s, h))
}

func TestInsertSameHashIsIdempotent(t *testing.T) {
	db, s := openTestStore(t)
	h := hash(0x11, 16)

	w, err := db.NewWriter()
	require.NoError(t, err)
	var changes hashstore.Changes
	hashstore.Insert(w, s, h, &changes)
	hashstore.Insert(w, s, h, &changes)
	require.NoError(t, w.Commit())

	assert.Equal(t, uint64(1), changes.HashInserted)
	assert.Equal(t, uint64(1), changes.HashAlreadyPresent)
}

func TestSharedPrefixDistinctSuffixBothFound(t *testing.T) {
	db, s := openTestStore(t)

	h1 := append(hash(0x22, 14), 0x01, 0x02)
	h2 := append(hash(0x22, 14), 0x03, 0x04)

	w, err := db.NewWriter()
	require.NoError(t, err)
	var changes hashstore.Changes
	hashstore.Insert(w, s, h1, &changes)
	hashstore.Insert(w, s, h2, &changes)
	require.NoError(t, w.Commit())

	assert.Equal(t, uint64(2), changes.HashInserted)
	assert.True(t, hashstore.Find(db, s, h1))
	assert.True(t, hashstore.Find(db, s, h2))
}

func TestNeverInsertedNotFound(t *testing.T) {
	db, s := openTestStore(t)
	assert.False(t, hashstore.Find(db, s, hash(0x99, 16)))
}

func TestShortHashRoundTrip(t *testing.T) {
	db, s := openTestStore(t)

	h := hash(0x05, 4) // shorter than the configured prefix plus suffix length
	w, err := db.NewWriter()
	require.NoError(t, err)
	var changes hashstore.Changes
	hashstore.Insert(w, s, h, &changes)
	require.NoError(t, w.Commit())

	assert.Equal(t, uint64(1), changes.HashInserted)
	assert.True(t, hashstore.Find(db, s, h))
}
