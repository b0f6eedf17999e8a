// Package sourcestore implements the three cooperating maps that
// track where a block came from (§4.5): file-hash to a dense,
// monotonically assigned source id (with the reverse id-to-hash
// lookup set-algebra operators need to re-key a source across
// databases); source id to its metadata (filesize, file type,
// nonprobative count); and source id to the multiset of (repository,
// filename) names it was imported under.
package sourcestore

import (
	"encoding/binary"

	"github.com/dfrws/hashdb/codec"
	"github.com/dfrws/hashdb/fault"
	"github.com/dfrws/hashdb/store"
)

// The id store holds three kinds of entry, distinguished by a leading
// tag byte so a fixed-width reverse-lookup key can never collide with
// a real file-hash forward key: forward entries are tagged directly
// by the file-hash bytes (never empty per §4.5, and never equal to a
// reserved tag below), while the counter and reverse-lookup entries
// below are confined to their own one-byte-tag namespace.
const (
	tagNextID  = 0x00 // nextIDKey -> idKey(next)
	tagReverse = 0x01 // reverseKey(id) -> fileHash
)

// nextIDKey is a reserved key in the id store holding the next source
// id to assign.
var nextIDKey = []byte{tagNextID}

func reverseKey(id uint64) []byte {
	key := make([]byte, 9)
	key[0] = tagReverse
	binary.BigEndian.PutUint64(key[1:], id)
	return key
}

// Changes is the subset of import counters these maps update.
type Changes struct {
	SourceInserted           uint64
	SourceAlreadyPresent     uint64
	SourceDataUpdated        uint64
	SourceNameInserted       uint64
	SourceNameAlreadyPresent uint64
}

func idKey(id uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, id)
	return key
}

// InsertSourceID assigns a source id to fileHash if one has not
// already been assigned, using a counter keyed under the reserved
// one-byte nextIDKey in the id store so assignment happens atomically under the
// single writer lock (§4.5). It reports whether a new id was
// assigned and the id in either case.
func InsertSourceID(w *store.Writer, fileHash []byte, changes *Changes) (wasNew bool, id uint64) {
	if len(fileHash) == 0 {
		panic(fault.ErrInvalidKey)
	}
	if existing, found := w.Get(fileHash); found {
		changes.SourceAlreadyPresent++
		return false, binary.BigEndian.Uint64(existing)
	}

	next := uint64(1)
	if raw, found := w.Get(nextIDKey); found {
		next = binary.BigEndian.Uint64(raw)
	}
	w.Put(fileHash, idKey(next))
	w.Put(nextIDKey, idKey(next+1))
	w.Put(reverseKey(next), fileHash)
	changes.SourceInserted++
	return true, next
}

// InsertSourceData records filesize, file type, and nonprobative
// count for id. Repeated inserts for the same id preserve the larger
// of the old and new nonprobative counts rather than overwriting it
// (§4.5).
func InsertSourceData(w *store.Writer, id uint64, data codec.SourceData, changes *Changes) {
	key := idKey(id)
	if existing, found := w.Get(key); found {
		old := codec.DecodeSourceData(existing)
		if old.NonprobativeCount > data.NonprobativeCount {
			data.NonprobativeCount = old.NonprobativeCount
		}
	}
	w.Put(key, codec.EncodeSourceData(data))
	changes.SourceDataUpdated++
}

// InsertSourceName records one (repository, filename) provenance pair
// for id. Names are stored as duplicate-valued keys (source-id
// concatenated with the encoded name) so repeated names are O(log n)
// set-inserts rather than value rewrites (§4.5).
func InsertSourceName(w *store.Writer, id uint64, name codec.SourceName, changes *Changes) {
	encodedName := codec.EncodeSourceName(name)
	key := append(idKey(id), encodedName...)
	if w.PutNoOverwrite(key, encodedName) {
		changes.SourceNameInserted++
	} else {
		changes.SourceNameAlreadyPresent++
	}
}

// DecodeForwardEntry classifies one raw (key, value) pair read from a
// cursor over the id store: forward entries map a file hash to its
// assigned id, while the reserved-tag entries above never appear as
// forward entries since their key lengths (1 and 9 bytes) never match
// a real file hash's length. Callers enumerating every source (the
// `sources` CLI verb, §6) use this to skip the reserved bookkeeping
// keys mixed into the same store.
func DecodeForwardEntry(key, value []byte) (id uint64, fileHash []byte, isForward bool) {
	if len(key) == 1 && key[0] == tagNextID {
		return 0, nil, false
	}
	if len(key) == 9 && key[0] == tagReverse {
		return 0, nil, false
	}
	return binary.BigEndian.Uint64(value), key, true
}

// FindSourceID returns the source id assigned to fileHash, if any.
func FindSourceID(r interface{ Get([]byte) ([]byte, bool) }, fileHash []byte) (uint64, bool) {
	raw, found := r.Get(fileHash)
	if !found {
		return 0, false
	}
	return binary.BigEndian.Uint64(raw), true
}

// FindSourceFileHash returns the file hash assigned to id, if any.
// Set-algebra operators use this to re-key a source from one database
// into another, since source ids are dense and database-local: the
// same file can hold different ids in different databases, and only
// the file hash is a stable identity across them (§4.7).
func FindSourceFileHash(r interface{ Get([]byte) ([]byte, bool) }, id uint64) ([]byte, bool) {
	return r.Get(reverseKey(id))
}

// FindSourceData returns the metadata recorded for id, if any.
func FindSourceData(r interface{ Get([]byte) ([]byte, bool) }, id uint64) (codec.SourceData, bool) {
	raw, found := r.Get(idKey(id))
	if !found {
		return codec.SourceData{}, false
	}
	return codec.DecodeSourceData(raw), true
}

// Cursor abstraction shared by store.Reader and store.Writer.
type ranger interface {
	NewCursor(lo, hi []byte) *store.Cursor
}

// FindSourceNames returns every (repository, filename) pair recorded
// for id, in key order.
func FindSourceNames(r ranger, id uint64) []codec.SourceName {
	prefix := idKey(id)
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	upper = incrementBytes(upper)

	cursor := r.NewCursor(prefix, upper)
	defer cursor.Release()

	var names []codec.SourceName
	for ok := cursor.First(); ok; ok = cursor.Next() {
		key := cursor.Key()
		names = append(names, codec.DecodeSourceName(key[len(prefix):]))
	}
	return names
}

func incrementBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	for i := len(out) - 1; i >= 0; i-- {
		out[i]++
		if out[i] != 0 {
			return out
		}
	}
	// all bytes wrapped: no finite upper bound, so return nil, which
	// leaves the caller's cursor range open-ended.
	return nil
}
