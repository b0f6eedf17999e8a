// Package hashdatastore implements the block-hash to multiset of
// (source-id, offset-index) map (§4.6). Each observation is stored
// under a composite key of hash || source-id || offset-index so a
// range scan over the hash's prefix yields every observation already
// sorted by source-id then offset-index — LEB128 varints do not
// preserve numeric order under byte comparison, so the ordering
// fields are fixed-width big-endian, while the record's value still
// carries the varint-encoded tuple described in the wire format.
package hashdatastore

import (
	"encoding/binary"

	"github.com/dfrws/hashdb/codec"
	"github.com/dfrws/hashdb/fault"
	"github.com/dfrws/hashdb/store"
)

// Store is the hash-data store.
type Store struct {
	db             *store.DB
	sectorSize     uint64
	hashTruncation uint32
	maxPerHash     uint32
}

func Open(db *store.DB, sectorSize uint64, hashTruncation uint32, maxDuplicatesPerHash uint32) (*Store, error) {
	if sectorSize == 0 {
		return nil, fault.ErrInvalidSectorSize
	}
	return &Store{
		db:             db,
		sectorSize:     sectorSize,
		hashTruncation: hashTruncation,
		maxPerHash:     maxDuplicatesPerHash,
	}, nil
}

func (s *Store) storeKey(blockHash []byte) []byte {
	if s.hashTruncation > 0 && uint32(len(blockHash)) > s.hashTruncation {
		return blockHash[:s.hashTruncation]
	}
	return blockHash
}

func compositeKey(hashKey []byte, sourceID, offsetIndex uint64) []byte {
	key := make([]byte, len(hashKey)+16)
	copy(key, hashKey)
	binary.BigEndian.PutUint64(key[len(hashKey):], sourceID)
	binary.BigEndian.PutUint64(key[len(hashKey)+8:], offsetIndex)
	return key
}

// Changes is the subset of import counters this store updates.
type Changes struct {
	HashesInserted          uint64
	HashesDuplicate         uint64
	HashesOverMaxDuplicates uint64
}

// ErrFileOffsetNotAligned is returned when the inserted file offset is
// not a multiple of the configured sector size (§3, §4.6).
var ErrFileOffsetNotAligned = fault.InvalidError("file offset is not sector-aligned")

// Insert records that sourceID produced blockHash at fileOffset. The
// offset must be sector-aligned; it is converted to an offset index
// (offset / sector size) before storage. Exact (hash, source,
// offset-index) duplicates are detected and counted rather than
// stored twice (§4.6).
func Insert(w *store.Writer, s *Store, blockHash []byte, sourceID uint64, fileOffset uint64, changes *Changes) error {
	if fileOffset%s.sectorSize != 0 {
		return ErrFileOffsetNotAligned
	}
	offsetIndex := fileOffset / s.sectorSize
	hashKey := s.storeKey(blockHash)

	if s.maxPerHash > 0 {
		count := Count(w, s, blockHash)
		if count >= uint64(s.maxPerHash) {
			changes.HashesOverMaxDuplicates++
			return nil
		}
	}

	key := compositeKey(hashKey, sourceID, offsetIndex)
	value := codec.EncodeHashDataEntry(codec.HashDataEntry{SourceID: sourceID, OffsetIndex: offsetIndex})
	if w.PutNoOverwrite(key, value) {
		changes.HashesInserted++
	} else {
		changes.HashesDuplicate++
	}
	return nil
}

type ranger interface {
	NewCursor(lo, hi []byte) *store.Cursor
}

// rangeOf bounds the composite-key range for one hash prefix: hi is
// the lexicographically smallest key strictly greater than every
// possible hashKey||sourceID||offsetIndex composite, computed by
// incrementing hashKey as a big-endian integer (with carry) rather
// than simply appending 0xff, which would wrongly exclude composites
// whose first suffix byte is itself 0xff.
func rangeOf(hashKey []byte) (lo, hi []byte) {
	lo = hashKey
	hi = make([]byte, len(hashKey))
	copy(hi, hashKey)
	for i := len(hi) - 1; i >= 0; i-- {
		hi[i]++
		if hi[i] != 0 {
			return lo, hi
		}
	}
	// hashKey was all 0xff: no finite successor exists, so there is
	// no upper bound to apply (the caller's prefix already spans to
	// the end of the key space).
	return lo, nil
}

// Expand returns every (source-id, offset-index) observation recorded
// for blockHash, sorted by source-id then offset-index.
func Expand(r ranger, s *Store, blockHash []byte) []codec.HashDataEntry {
	return ExpandKey(r, s.storeKey(blockHash))
}

// ExpandKey is Expand for a key that has already been reduced to the
// form this store keys records under (Record.HashKey, as Walk and
// RecordIterator deliver it), used by set-algebra operators
// correlating records across databases without a Store handle on the
// side being probed (§4.7).
func ExpandKey(r ranger, hashKey []byte) []codec.HashDataEntry {
	lo, hi := rangeOf(hashKey)
	cursor := r.NewCursor(lo, hi)
	defer cursor.Release()

	var entries []codec.HashDataEntry
	for ok := cursor.First(); ok; ok = cursor.Next() {
		entries = append(entries, codec.DecodeHashDataEntry(cursor.Value()))
	}
	return entries
}

// Count is Expand's length without allocating the decoded slice,
// used to enforce MaxDuplicateSourceOffsetsPerHash cheaply.
func Count(r ranger, s *Store, blockHash []byte) uint64 {
	hashKey := s.storeKey(blockHash)
	lo, hi := rangeOf(hashKey)
	cursor := r.NewCursor(lo, hi)
	defer cursor.Release()

	var n uint64
	for ok := cursor.First(); ok; ok = cursor.Next() {
		n++
	}
	return n
}

// Record is every observation recorded under one stored hash key
// (the block hash as the store truncates and stores it, not
// necessarily the full hash that produced it).
type Record struct {
	HashKey []byte
	Entries []codec.HashDataEntry
}

// RecordIterator walks the store's composite keys in ascending order,
// grouping consecutive keys that share a hash-key prefix into one
// Record at a time. Unlike a full scan into a slice, memory use is
// bounded by the largest single record's entry count, not by the
// size of the store (§4.7): set-algebra operators driving a genuine
// merge-join, such as AddMultiple, need to hold the current record
// from each side rather than an entire enumerated database.
type RecordIterator struct {
	cursor *store.Cursor
	ok     bool
}

// NewRecordIterator opens an iterator over every record in r, in key
// order. Release must be called when done.
func NewRecordIterator(r ranger) *RecordIterator {
	cursor := r.NewCursor(nil, nil)
	return &RecordIterator{cursor: cursor, ok: cursor.First()}
}

// Next returns the next record, or ok=false once the store is
// exhausted.
func (it *RecordIterator) Next() (Record, bool) {
	if !it.ok {
		return Record{}, false
	}
	key := it.cursor.Key()
	hashKey := append([]byte(nil), key[:len(key)-16]...)
	entries := []codec.HashDataEntry{codec.DecodeHashDataEntry(it.cursor.Value())}
	for it.ok = it.cursor.Next(); it.ok; it.ok = it.cursor.Next() {
		key = it.cursor.Key()
		if string(key[:len(key)-16]) != string(hashKey) {
			break
		}
		entries = append(entries, codec.DecodeHashDataEntry(it.cursor.Value()))
	}
	return Record{HashKey: hashKey, Entries: entries}, true
}

// Release closes the iterator's underlying cursor.
func (it *RecordIterator) Release() error {
	return it.cursor.Release()
}

// Walk streams every record in r, in key order, to fn, without ever
// holding more than one record in memory (§4.7). fn's error, if any,
// stops the walk and is returned to the caller.
func Walk(r ranger, fn func(Record) error) error {
	it := NewRecordIterator(r)
	defer it.Release()
	for {
		rec, ok := it.Next()
		if !ok {
			return nil
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}
