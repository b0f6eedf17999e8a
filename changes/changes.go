// Package changes holds the Changes counters an ImportManager
// accumulates during a session and reports on close (§4.8), mirroring
// the original hashdb_changes_t taxonomy: counters are grouped by
// what was inserted and why something was not.
package changes

import (
	"fmt"
	"io"
	"sync/atomic"

	"github.com/dfrws/hashdb/counter"
	"github.com/dfrws/hashdb/hashdatastore"
	"github.com/dfrws/hashdb/hashstore"
	"github.com/dfrws/hashdb/sourcestore"
)

// Changes aggregates every counter an import session can produce.
// Fields use counter.Counter so a Changes value can be shared safely
// across the goroutines an embedding program may call ImportManager
// from, even though the writer lock already serializes the stores
// themselves.
type Changes struct {
	HashesInserted             counter.Counter
	HashesAlreadyPresent       counter.Counter
	HashesDuplicate            counter.Counter
	HashesOverMaxDuplicates    counter.Counter
	HashesInvalidByteAlignment counter.Counter
	HashesMismatchedBlockSize  counter.Counter

	SourcesInserted           counter.Counter
	SourcesAlreadyPresent     counter.Counter
	SourceDataUpdated         counter.Counter
	SourceNamesInserted       counter.Counter
	SourceNamesAlreadyPresent counter.Counter

	RecordsRejected counter.Counter
}

// AddHashStore folds one hashstore.Changes value into the aggregate.
// HashInserted is not folded in here: the hash store's own insert
// event mirrors the hash-data store's first observation of a block
// hash one-for-one, which AddHashDataStore already counts, so this
// only contributes the case the hash-data store has no notion of at
// all, a block hash already known to the hash store outright.
func (c *Changes) AddHashStore(hc hashstore.Changes) {
	addN(&c.HashesAlreadyPresent, hc.HashAlreadyPresent)
}

// AddHashDataStore folds one hashdatastore.Changes value into the
// aggregate. HashesInserted is the single source of truth for
// c.HashesInserted (§8 scenario 3): one semantic insertion event per
// call, matching the original hashdb_changes_t.hashes_inserted.
func (c *Changes) AddHashDataStore(hc hashdatastore.Changes) {
	addN(&c.HashesInserted, hc.HashesInserted)
	addN(&c.HashesDuplicate, hc.HashesDuplicate)
	addN(&c.HashesOverMaxDuplicates, hc.HashesOverMaxDuplicates)
}

// AddSourceStore folds one sourcestore.Changes value into the
// aggregate.
func (c *Changes) AddSourceStore(sc sourcestore.Changes) {
	addN(&c.SourcesInserted, sc.SourceInserted)
	addN(&c.SourcesAlreadyPresent, sc.SourceAlreadyPresent)
	addN(&c.SourceDataUpdated, sc.SourceDataUpdated)
	addN(&c.SourceNamesInserted, sc.SourceNameInserted)
	addN(&c.SourceNamesAlreadyPresent, sc.SourceNameAlreadyPresent)
}

// InvalidByteAlignment records one rejected insert whose file offset
// was not sector-aligned.
func (c *Changes) InvalidByteAlignment() { c.HashesInvalidByteAlignment.Increment() }

// MismatchedBlockSize records one rejected insert from a source whose
// hash_block_size differs from this database's (§4.7).
func (c *Changes) MismatchedBlockSize() { c.HashesMismatchedBlockSize.Increment() }

// RecordRejected records one input record a bulk import stream (§6, §7)
// could not parse or apply: the record is skipped and the stream
// continues, it is never a reason to abort the whole import.
func (c *Changes) RecordRejected() { c.RecordsRejected.Increment() }

func addN(c *counter.Counter, n uint64) {
	atomic.AddUint64((*uint64)(c), n)
}

// IsEmpty reports whether no counter has ever been incremented.
func (c *Changes) IsEmpty() bool {
	return c.HashesInserted.IsZero() &&
		c.HashesAlreadyPresent.IsZero() &&
		c.HashesDuplicate.IsZero() &&
		c.HashesOverMaxDuplicates.IsZero() &&
		c.HashesInvalidByteAlignment.IsZero() &&
		c.HashesMismatchedBlockSize.IsZero() &&
		c.SourcesInserted.IsZero() &&
		c.SourcesAlreadyPresent.IsZero() &&
		c.SourceDataUpdated.IsZero() &&
		c.SourceNamesInserted.IsZero() &&
		c.SourceNamesAlreadyPresent.IsZero() &&
		c.RecordsRejected.IsZero()
}

// Report writes a human-readable summary to w, matching the style of
// the original implementation's console change report: grouped
// sections, only counters that actually changed.
func (c *Changes) Report(w io.Writer) {
	if c.IsEmpty() {
		fmt.Fprintln(w, "No hashdb changes.")
		return
	}

	fmt.Fprintln(w, "hashdb changes (hashes):")
	reportIfNonZero(w, "hashes inserted", &c.HashesInserted)
	reportIfNonZero(w, "hashes already present", &c.HashesAlreadyPresent)
	reportIfNonZero(w, "hashes not inserted, duplicate element", &c.HashesDuplicate)
	reportIfNonZero(w, "hashes not inserted, exceeds max duplicates", &c.HashesOverMaxDuplicates)
	reportIfNonZero(w, "hashes not inserted, invalid byte alignment", &c.HashesInvalidByteAlignment)
	reportIfNonZero(w, "hashes not inserted, mismatched hash block size", &c.HashesMismatchedBlockSize)

	fmt.Fprintln(w, "hashdb changes (sources):")
	reportIfNonZero(w, "sources inserted", &c.SourcesInserted)
	reportIfNonZero(w, "sources already present", &c.SourcesAlreadyPresent)
	reportIfNonZero(w, "source data updated", &c.SourceDataUpdated)
	reportIfNonZero(w, "source names inserted", &c.SourceNamesInserted)
	reportIfNonZero(w, "source names already present", &c.SourceNamesAlreadyPresent)

	reportIfNonZero(w, "records rejected", &c.RecordsRejected)
}

func reportIfNonZero(w io.Writer, label string, c *counter.Counter) {
	if v := c.Uint64(); v != 0 {
		fmt.Fprintf(w, "    %s=%d\n", label, v)
	}
}

// NonZeroCounters returns every counter that was incremented, keyed
// by a snake_case name for each field (not the prose labels Report
// prints), in a stable field order. History
// events record only these: a zero counter is the same as an absent
// one.
func (c *Changes) NonZeroCounters() []NamedCounter {
	fields := []NamedCounter{
		{"hashes_inserted", c.HashesInserted.Uint64()},
		{"hashes_already_present", c.HashesAlreadyPresent.Uint64()},
		{"hashes_duplicate", c.HashesDuplicate.Uint64()},
		{"hashes_over_max_duplicates", c.HashesOverMaxDuplicates.Uint64()},
		{"hashes_invalid_byte_alignment", c.HashesInvalidByteAlignment.Uint64()},
		{"hashes_mismatched_block_size", c.HashesMismatchedBlockSize.Uint64()},
		{"sources_inserted", c.SourcesInserted.Uint64()},
		{"sources_already_present", c.SourcesAlreadyPresent.Uint64()},
		{"source_data_updated", c.SourceDataUpdated.Uint64()},
		{"source_names_inserted", c.SourceNamesInserted.Uint64()},
		{"source_names_already_present", c.SourceNamesAlreadyPresent.Uint64()},
		{"records_rejected", c.RecordsRejected.Uint64()},
	}
	result := make([]NamedCounter, 0, len(fields))
	for _, f := range fields {
		if f.Value != 0 {
			result = append(result, f)
		}
	}
	return result
}

// NamedCounter is one (name, value) counter pair.
type NamedCounter struct {
	Name  string
	Value uint64
}
