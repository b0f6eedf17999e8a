package bloom_test

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dfrws/hashdb/background"
	"github.com/dfrws/hashdb/bloom"
)

func hashOf(b byte) []byte {
	h := bytes.Repeat([]byte{b}, 32)
	return h
}

func TestAddThenProbablyContains(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bloom_filter")
	filt, err := bloom.Create(path, 1<<20, 3)
	require.NoError(t, err)
	defer filt.Close()

	h := hashOf(0xAB)
	require.NoError(t, filt.Add(h))
	assert.True(t, filt.ProbablyContains(h))
}

func TestNeverInsertedMayBeAbsent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bloom_filter")
	filt, err := bloom.Create(path, 1<<20, 3)
	require.NoError(t, err)
	defer filt.Close()

	require.NoError(t, filt.Add(hashOf(0x01)))
	assert.False(t, filt.ProbablyContains(hashOf(0x02)))
}

func TestNoFalseNegatives(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bloom_filter")
	filt, err := bloom.Create(path, 1<<16, 3)
	require.NoError(t, err)
	defer filt.Close()

	inserted := make([][]byte, 0, 64)
	for i := byte(0); i < 64; i++ {
		h := hashOf(i)
		require.NoError(t, filt.Add(h))
		inserted = append(inserted, h)
	}
	for _, h := range inserted {
		assert.True(t, filt.ProbablyContains(h))
	}
}

func TestCreateRejectsExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bloom_filter")
	filt, err := bloom.Create(path, 1024, 2)
	require.NoError(t, err)
	filt.Close()

	_, err = bloom.Create(path, 1024, 2)
	assert.Error(t, err)
}

func TestOpenReadOnlyRejectsAdd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bloom_filter")
	filt, err := bloom.Create(path, 1024, 2)
	require.NoError(t, err)
	require.NoError(t, filt.Add(hashOf(0x11)))
	require.NoError(t, filt.Close())

	ro, err := bloom.Open(path, false)
	require.NoError(t, err)
	defer ro.Close()

	assert.True(t, ro.ProbablyContains(hashOf(0x11)))
	assert.Error(t, ro.Add(hashOf(0x22)))
}

func TestOpenRoundTripsParameters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bloom_filter")
	filt, err := bloom.Create(path, 28, 3)
	require.NoError(t, err)
	require.NoError(t, filt.Close())

	reopened, err := bloom.Open(path, true)
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, uint64(28), reopened.MBits())
	assert.Equal(t, uint64(3), reopened.K())
}

func TestStartAutoSyncStopsCleanly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bloom_filter")
	filt, err := bloom.Create(path, 1024, 2)
	require.NoError(t, err)
	defer filt.Close()

	handle := filt.StartAutoSync(5 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	background.Stop(handle)
}
