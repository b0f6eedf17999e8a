package hashdatastore_test

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dfrws/hashdb/hashdatastore"
	"github.com/dfrws/hashdb/store"
)

func openTestStore(t *testing.T, sectorSize uint64, truncation uint32, maxDup uint32) (*store.DB, *hashdatastore.Store) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "lmdb_hash_data_store")
	db, err := store.Open(dir, false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s, err := hashdatastore.Open(db, sectorSize, truncation, maxDup)
	require.NoError(t, err)
	return db, s
}

func TestInsertRejectsUnalignedOffset(t *testing.T) {
	db, s := openTestStore(t, 512, 0, 0)
	w, err := db.NewWriter()
	require.NoError(t, err)
	defer w.Abort()

	var changes hashdatastore.Changes
	err = hashdatastore.Insert(w, s, bytes.Repeat([]byte{0xAB}, 16), 1, 513, &changes)
	assert.ErrorIs(t, err, hashdatastore.ErrFileOffsetNotAligned)
}

func TestInsertAndExpand(t *testing.T) {
	db, s := openTestStore(t, 512, 0, 0)
	h := bytes.Repeat([]byte{0xAB}, 16)

	w, err := db.NewWriter()
	require.NoError(t, err)
	var changes hashdatastore.Changes
	require.NoError(t, hashdatastore.Insert(w, s, h, 1, 0, &changes))
	require.NoError(t, hashdatastore.Insert(w, s, h, 1, 1024, &changes))
	require.NoError(t, hashdatastore.Insert(w, s, h, 2, 0, &changes))
	require.NoError(t, w.Commit())

	assert.Equal(t, uint64(3), changes.HashesInserted)

	reader, err := db.NewReader()
	require.NoError(t, err)
	defer reader.Release()

	entries := hashdatastore.Expand(reader, s, h)
	require.Len(t, entries, 3)
	assert.Equal(t, uint64(1), entries[0].SourceID)
	assert.Equal(t, uint64(0), entries[0].OffsetIndex)
	assert.Equal(t, uint64(1), entries[1].SourceID)
	assert.Equal(t, uint64(2), entries[1].OffsetIndex)
	assert.Equal(t, uint64(2), entries[2].SourceID)
}

func TestDuplicateInsertIsCounted(t *testing.T) {
	db, s := openTestStore(t, 512, 0, 0)
	h := bytes.Repeat([]byte{0xCC}, 16)

	w, err := db.NewWriter()
	require.NoError(t, err)
	var changes hashdatastore.Changes
	require.NoError(t, hashdatastore.Insert(w, s, h, 1, 0, &changes))
	require.NoError(t, hashdatastore.Insert(w, s, h, 1, 0, &changes))
	require.NoError(t, w.Commit())

	assert.Equal(t, uint64(1), changes.HashesInserted)
	assert.Equal(t, uint64(1), changes.HashesDuplicate)
}

func TestMaxDuplicatesPerHashCapsInsert(t *testing.T) {
	db, s := openTestStore(t, 512, 0, 1)
	h := bytes.Repeat([]byte{0xDD}, 16)

	w, err := db.NewWriter()
	require.NoError(t, err)
	var changes hashdatastore.Changes
	require.NoError(t, hashdatastore.Insert(w, s, h, 1, 0, &changes))
	require.NoError(t, hashdatastore.Insert(w, s, h, 2, 512, &changes))
	require.NoError(t, w.Commit())

	assert.Equal(t, uint64(1), changes.HashesInserted)
	assert.Equal(t, uint64(1), changes.HashesOverMaxDuplicates)
}

func TestHashTruncation(t *testing.T) {
	db, s := openTestStore(t, 512, 8, 0)
	h1 := append(bytes.Repeat([]byte{0x01}, 8), 0xAA, 0xBB)
	h2 := append(bytes.Repeat([]byte{0x01}, 8), 0xCC, 0xDD)

	w, err := db.NewWriter()
	require.NoError(t, err)
	var changes hashdatastore.Changes
	require.NoError(t, hashdatastore.Insert(w, s, h1, 1, 0, &changes))
	require.NoError(t, hashdatastore.Insert(w, s, h2, 2, 0, &changes))
	require.NoError(t, w.Commit())

	// both hashes share the same 8-byte truncated key, so they
	// collapse into one record with two source entries
	assert.Equal(t, uint64(2), changes.HashesInserted)
	reader, err := db.NewReader()
	require.NoError(t, err)
	defer reader.Release()
	entries := hashdatastore.Expand(reader, s, h1)
	assert.Len(t, entries, 2)
}

func TestWalkVisitsEveryRecordInKeyOrder(t *testing.T) {
	db, s := openTestStore(t, 512, 0, 0)
	h1 := bytes.Repeat([]byte{0x01}, 16)
	h2 := bytes.Repeat([]byte{0x02}, 16)

	w, err := db.NewWriter()
	require.NoError(t, err)
	var changes hashdatastore.Changes
	require.NoError(t, hashdatastore.Insert(w, s, h2, 1, 0, &changes))
	require.NoError(t, hashdatastore.Insert(w, s, h1, 1, 0, &changes))
	require.NoError(t, hashdatastore.Insert(w, s, h1, 2, 512, &changes))
	require.NoError(t, w.Commit())

	reader, err := db.NewReader()
	require.NoError(t, err)
	defer reader.Release()

	var records []hashdatastore.Record
	require.NoError(t, hashdatastore.Walk(reader, func(rec hashdatastore.Record) error {
		records = append(records, rec)
		return nil
	}))

	require.Len(t, records, 2)
	assert.Equal(t, h1, records[0].HashKey)
	assert.Len(t, records[0].Entries, 2)
	assert.Equal(t, h2, records[1].HashKey)
	assert.Len(t, records[1].Entries, 1)
}

func TestWalkStopsOnCallbackError(t *testing.T) {
	db, s := openTestStore(t, 512, 0, 0)
	h1 := bytes.Repeat([]byte{0x01}, 16)
	h2 := bytes.Repeat([]byte{0x02}, 16)

	w, err := db.NewWriter()
	require.NoError(t, err)
	var changes hashdatastore.Changes
	require.NoError(t, hashdatastore.Insert(w, s, h1, 1, 0, &changes))
	require.NoError(t, hashdatastore.Insert(w, s, h2, 1, 0, &changes))
	require.NoError(t, w.Commit())

	reader, err := db.NewReader()
	require.NoError(t, err)
	defer reader.Release()

	visited := 0
	errStop := assert.AnError
	err = hashdatastore.Walk(reader, func(rec hashdatastore.Record) error {
		visited++
		return errStop
	})
	assert.ErrorIs(t, err, errStop)
	assert.Equal(t, 1, visited)
}

func TestRecordIteratorHoldsOneRecordAtATime(t *testing.T) {
	db, s := openTestStore(t, 512, 0, 0)
	h1 := bytes.Repeat([]byte{0x01}, 16)
	h2 := bytes.Repeat([]byte{0x02}, 16)

	w, err := db.NewWriter()
	require.NoError(t, err)
	var changes hashdatastore.Changes
	require.NoError(t, hashdatastore.Insert(w, s, h1, 1, 0, &changes))
	require.NoError(t, hashdatastore.Insert(w, s, h2, 1, 0, &changes))
	require.NoError(t, w.Commit())

	reader, err := db.NewReader()
	require.NoError(t, err)
	defer reader.Release()

	it := hashdatastore.NewRecordIterator(reader)
	defer it.Release()

	rec, ok := it.Next()
	require.True(t, ok)
	assert.Equal(t, h1, rec.HashKey)

	rec, ok = it.Next()
	require.True(t, ok)
	assert.Equal(t, h2, rec.HashKey)

	_, ok = it.Next()
	assert.False(t, ok)
}
