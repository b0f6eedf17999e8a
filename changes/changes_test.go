package changes_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dfrws/hashdb/changes"
	"github.com/dfrws/hashdb/hashdatastore"
	"github.com/dfrws/hashdb/hashstore"
	"github.com/dfrws/hashdb/sourcestore"
)

func TestEmptyChangesReportsNoChanges(t *testing.T) {
	var c changes.Changes
	assert.True(t, c.IsEmpty())

	var buf bytes.Buffer
	c.Report(&buf)
	assert.Equal(t, "No hashdb changes.\n", buf.String())
}

func TestAggregatesSubStoreChanges(t *testing.T) {
	var c changes.Changes
	c.AddHashStore(hashstore.Changes{HashInserted: 3, HashAlreadyPresent: 1})
	c.AddHashDataStore(hashdatastore.Changes{HashesInserted: 3, HashesDuplicate: 2})
	c.AddSourceStore(sourcestore.Changes{SourceInserted: 1, SourceDataUpdated: 1, SourceNameInserted: 2})

	assert.False(t, c.IsEmpty())
	assert.Equal(t, uint64(3), c.HashesInserted.Uint64())
	assert.Equal(t, uint64(1), c.HashesAlreadyPresent.Uint64())
	assert.Equal(t, uint64(2), c.HashesDuplicate.Uint64())
	assert.Equal(t, uint64(1), c.SourcesInserted.Uint64())
	assert.Equal(t, uint64(2), c.SourceNamesInserted.Uint64())
}

func TestReportOnlyPrintsNonZeroCounters(t *testing.T) {
	var c changes.Changes
	c.InvalidByteAlignment()

	var buf bytes.Buffer
	c.Report(&buf)
	out := buf.String()
	assert.Contains(t, out, "invalid byte alignment=1")
	assert.NotContains(t, out, "hashes inserted=")
}
