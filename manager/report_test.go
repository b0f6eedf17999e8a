package manager_test

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dfrws/hashdb/hashdatastore"
	"github.com/dfrws/hashdb/manager"
	"github.com/dfrws/hashdb/settings"
)

func TestHistogramCountsDistinctHashesPerSource(t *testing.T) {
	dir := createTestDB(t)
	im, err := manager.OpenImportManager(dir)
	require.NoError(t, err)

	fileHash := bytes.Repeat([]byte{0x10}, 32)
	require.NoError(t, im.InsertHash(bytes.Repeat([]byte{0x11}, 16), fileHash, 0, 0, ""))
	require.NoError(t, im.InsertHash(bytes.Repeat([]byte{0x12}, 16), fileHash, 512, 0, ""))
	require.NoError(t, im.Close("import", nil))

	sm, err := manager.OpenScanManager(dir)
	require.NoError(t, err)
	defer sm.Close()

	entries, err := sm.Histogram()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, uint64(1), entries[0].SourceID)
	assert.Equal(t, uint64(2), entries[0].Count)
}

func TestDuplicatesListsOnlyMultiEntryHashes(t *testing.T) {
	dir := createTestDB(t)
	im, err := manager.OpenImportManager(dir)
	require.NoError(t, err)

	dup := bytes.Repeat([]byte{0x13}, 16)
	unique := bytes.Repeat([]byte{0x14}, 16)
	fileA := bytes.Repeat([]byte{0x15}, 32)
	fileB := bytes.Repeat([]byte{0x16}, 32)
	require.NoError(t, im.InsertHash(dup, fileA, 0, 0, ""))
	require.NoError(t, im.InsertHash(dup, fileB, 0, 0, ""))
	require.NoError(t, im.InsertHash(unique, fileA, 512, 0, ""))
	require.NoError(t, im.Close("import", nil))

	sm, err := manager.OpenScanManager(dir)
	require.NoError(t, err)
	defer sm.Close()

	records, err := sm.Duplicates()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, dup, records[0].HashKey)
	assert.Len(t, records[0].Entries, 2)
}

func TestHashTableStreamsEveryRecord(t *testing.T) {
	dir := createTestDB(t)
	im, err := manager.OpenImportManager(dir)
	require.NoError(t, err)

	fileHash := bytes.Repeat([]byte{0x17}, 32)
	require.NoError(t, im.InsertHash(bytes.Repeat([]byte{0x18}, 16), fileHash, 0, 0, ""))
	require.NoError(t, im.InsertHash(bytes.Repeat([]byte{0x19}, 16), fileHash, 512, 0, ""))
	require.NoError(t, im.Close("import", nil))

	sm, err := manager.OpenScanManager(dir)
	require.NoError(t, err)
	defer sm.Close()

	var records []hashdatastore.Record
	require.NoError(t, sm.HashTable(func(r hashdatastore.Record) error {
		records = append(records, r)
		return nil
	}))
	assert.Len(t, records, 2)
}

func TestRebuildBloomRepopulatesFilterFromHashDataStore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "rebuild.hdb")
	s := settings.Default()
	require.NoError(t, settings.Create(dir, s))

	im, err := manager.OpenImportManager(dir)
	require.NoError(t, err)
	blockHash := bytes.Repeat([]byte{0x1A}, 16)
	fileHash := bytes.Repeat([]byte{0x1B}, 32)
	require.NoError(t, im.InsertHash(blockHash, fileHash, 0, 0, ""))
	require.NoError(t, im.Close("import", nil))

	require.NoError(t, manager.RebuildBloom(dir))

	sm, err := manager.OpenScanManager(dir)
	require.NoError(t, err)
	defer sm.Close()
	assert.True(t, sm.FindHash(blockHash))
}
