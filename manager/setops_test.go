package manager_test

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dfrws/hashdb/manager"
	"github.com/dfrws/hashdb/settings"
)

func openImport(t *testing.T, dir string) *manager.ImportManager {
	t.Helper()
	require.NoError(t, settings.Create(dir, settings.Default()))
	im, err := manager.OpenImportManager(dir)
	require.NoError(t, err)
	return im
}

func insertOne(t *testing.T, im *manager.ImportManager, blockHash byte) {
	t.Helper()
	bh := bytes.Repeat([]byte{blockHash}, 16)
	fh := bytes.Repeat([]byte{blockHash, 0x99}, 16)
	require.NoError(t, im.InsertHash(bh, fh, 0, 0, ""))
}

// Scenario 4 (§8): intersect A{H1,H2,H3} and B{H2,H3,H4} into C, which
// should hold exactly {H2,H3}.
func TestIntersectKeepsOnlySharedHashes(t *testing.T) {
	base := t.TempDir()
	dirA := filepath.Join(base, "a.hdb")
	dirB := filepath.Join(base, "b.hdb")
	dirC := filepath.Join(base, "c.hdb")

	imA := openImport(t, dirA)
	insertOne(t, imA, 0x01)
	insertOne(t, imA, 0x02)
	insertOne(t, imA, 0x03)
	require.NoError(t, imA.Close("import", nil))

	imB := openImport(t, dirB)
	insertOne(t, imB, 0x02)
	insertOne(t, imB, 0x03)
	insertOne(t, imB, 0x04)
	require.NoError(t, imB.Close("import", nil))

	_, err := manager.Intersect(dirA, dirB, dirC, nil)
	require.NoError(t, err)

	sm, err := manager.OpenScanManager(dirC)
	require.NoError(t, err)
	defer sm.Close()

	assert.False(t, sm.FindHash(bytes.Repeat([]byte{0x01}, 16)))
	assert.True(t, sm.FindHash(bytes.Repeat([]byte{0x02}, 16)))
	assert.True(t, sm.FindHash(bytes.Repeat([]byte{0x03}, 16)))
	assert.False(t, sm.FindHash(bytes.Repeat([]byte{0x04}, 16)))
}

// Scenario 5 (§8): add_multiple A[H1,H3,H5] and B[H2,H3,H4] into C,
// which should hold H1 through H5, with H3 merged from both sides:
// insertOne gives H3 the same file hash and offset in A and B, so the
// merged observation is stored once.
func TestAddMultipleMergesInAscendingOrder(t *testing.T) {
	base := t.TempDir()
	dirA := filepath.Join(base, "a.hdb")
	dirB := filepath.Join(base, "b.hdb")
	dirC := filepath.Join(base, "c.hdb")

	imA := openImport(t, dirA)
	insertOne(t, imA, 0x01)
	insertOne(t, imA, 0x03)
	insertOne(t, imA, 0x05)
	require.NoError(t, imA.Close("import", nil))

	imB := openImport(t, dirB)
	insertOne(t, imB, 0x02)
	insertOne(t, imB, 0x03)
	insertOne(t, imB, 0x04)
	require.NoError(t, imB.Close("import", nil))

	changes, err := manager.AddMultiple(dirA, dirB, dirC, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), changes.HashesInserted.Uint64())
	assert.Equal(t, uint64(1), changes.HashesAlreadyPresent.Uint64())

	sm, err := manager.OpenScanManager(dirC)
	require.NoError(t, err)
	defer sm.Close()

	for _, b := range []byte{0x01, 0x02, 0x03, 0x04, 0x05} {
		assert.True(t, sm.FindHash(bytes.Repeat([]byte{b}, 16)))
	}

	matches, err := sm.FindExpandedHash(bytes.Repeat([]byte{0x03}, 16))
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestSubtractRemovesHashesPresentInB(t *testing.T) {
	base := t.TempDir()
	dirA := filepath.Join(base, "a.hdb")
	dirB := filepath.Join(base, "b.hdb")
	dirC := filepath.Join(base, "c.hdb")

	imA := openImport(t, dirA)
	insertOne(t, imA, 0x01)
	insertOne(t, imA, 0x02)
	require.NoError(t, imA.Close("import", nil))

	imB := openImport(t, dirB)
	insertOne(t, imB, 0x02)
	require.NoError(t, imB.Close("import", nil))

	_, err := manager.Subtract(dirA, dirB, dirC, nil)
	require.NoError(t, err)

	sm, err := manager.OpenScanManager(dirC)
	require.NoError(t, err)
	defer sm.Close()

	assert.True(t, sm.FindHash(bytes.Repeat([]byte{0x01}, 16)))
	assert.False(t, sm.FindHash(bytes.Repeat([]byte{0x02}, 16)))
}

func TestDeduplicateDropsHashesWithMoreThanOneObservation(t *testing.T) {
	base := t.TempDir()
	dirA := filepath.Join(base, "a.hdb")
	dirB := filepath.Join(base, "b.hdb")

	imA := openImport(t, dirA)
	unique := bytes.Repeat([]byte{0x07}, 16)
	dup := bytes.Repeat([]byte{0x08}, 16)
	fh1 := bytes.Repeat([]byte{0x01}, 16)
	fh2 := bytes.Repeat([]byte{0x02}, 16)
	require.NoError(t, imA.InsertHash(unique, fh1, 0, 0, ""))
	require.NoError(t, imA.InsertHash(dup, fh1, 0, 0, ""))
	require.NoError(t, imA.InsertHash(dup, fh2, 0, 0, ""))
	require.NoError(t, imA.Close("import", nil))

	_, err := manager.Deduplicate(dirA, dirB, nil)
	require.NoError(t, err)

	sm, err := manager.OpenScanManager(dirB)
	require.NoError(t, err)
	defer sm.Close()

	assert.True(t, sm.FindHash(unique))
	assert.False(t, sm.FindHash(dup))
}

func TestAddCopiesProvenanceAcrossDatabases(t *testing.T) {
	base := t.TempDir()
	dirA := filepath.Join(base, "a.hdb")
	dirB := filepath.Join(base, "b.hdb")

	imA := openImport(t, dirA)
	fh := bytes.Repeat([]byte{0xAA}, 16)
	require.NoError(t, imA.InsertSourceData(fh, 4096, "jpg", 1))
	require.NoError(t, imA.InsertSourceName(fh, "case-1", "photo.jpg"))
	bh := bytes.Repeat([]byte{0xBB}, 16)
	require.NoError(t, imA.InsertHash(bh, fh, 0, 0, ""))
	require.NoError(t, imA.Close("import", nil))

	_, err := manager.Add(dirA, dirB, nil)
	require.NoError(t, err)

	sm, err := manager.OpenScanManager(dirB)
	require.NoError(t, err)
	defer sm.Close()

	matches, err := sm.FindExpandedHash(bh)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "jpg", matches[0].FileType)
	require.Len(t, matches[0].Names, 1)
	assert.Equal(t, "photo.jpg", matches[0].Names[0].Filename)
}

func TestAddRefusesIdenticalDirectories(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a.hdb")
	openImport(t, dir).Close("import", nil)

	_, err := manager.Add(dir, dir, nil)
	assert.Error(t, err)
}

func TestAddMultipleStopFlagAbortsEarly(t *testing.T) {
	base := t.TempDir()
	dirA := filepath.Join(base, "a.hdb")
	dirB := filepath.Join(base, "b.hdb")
	dirC := filepath.Join(base, "c.hdb")

	imA := openImport(t, dirA)
	insertOne(t, imA, 0x01)
	insertOne(t, imA, 0x02)
	require.NoError(t, imA.Close("import", nil))

	imB := openImport(t, dirB)
	insertOne(t, imB, 0x03)
	require.NoError(t, imB.Close("import", nil))

	stop := func() bool { return true }
	changes, err := manager.AddMultiple(dirA, dirB, dirC, stop)
	require.NoError(t, err)
	assert.True(t, changes.IsEmpty())
}
