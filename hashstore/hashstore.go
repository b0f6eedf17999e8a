// Package hashstore implements the prefix/suffix hash store (§4.3):
// block hashes are split into a fixed-length, bit-masked prefix used
// as the store key and a suffix held in a set-valued record, so that
// two block hashes sharing a prefix but differing only in a trailing
// byte do not force a full 32-byte key comparison on every lookup.
package hashstore

import (
	"github.com/dfrws/hashdb/codec"
	"github.com/dfrws/hashdb/fault"
	"github.com/dfrws/hashdb/store"
)

// masks holds, at index b%8, the bits to keep in the final byte of a
// prefix whose bit length is not a multiple of 8.
var masks = [8]byte{0xff, 0x80, 0xc0, 0xe0, 0xf0, 0xf8, 0xfc, 0xfe}

// Store is the prefix/suffix hash store.
type Store struct {
	db          *store.DB
	prefixBytes int
	prefixMask  byte
	suffixBytes int
}

// Open wraps an already-opened KV environment as a hash store,
// configured with the prefix bit length and suffix byte length from
// the database's settings (§4.3, §6).
func Open(db *store.DB, hashPrefixBits uint32, hashSuffixBytes uint32) (*Store, error) {
	prefixBytes := int((hashPrefixBits + 7) / 8)
	if prefixBytes == 0 {
		return nil, fault.ErrInvalidHashPrefixBits
	}
	return &Store{
		db:          db,
		prefixBytes: prefixBytes,
		prefixMask:  masks[hashPrefixBits%8],
		suffixBytes: int(hashSuffixBytes),
	}, nil
}

// split divides a binary hash into its store key (prefix) and the
// suffix bytes recorded in the set-valued record, masking the final
// prefix byte down to the configured bit length.
func (s *Store) split(hash []byte) (prefix []byte, suffix []byte) {
	prefixSize := s.prefixBytes
	if prefixSize > len(hash) {
		prefixSize = len(hash)
	}
	prefix = make([]byte, prefixSize)
	copy(prefix, hash[:prefixSize])
	if prefixSize == s.prefixBytes {
		prefix[s.prefixBytes-1] &= s.prefixMask
	}

	suffixStart := len(hash) - s.suffixBytes
	if suffixStart < prefixSize {
		suffixStart = prefixSize
	}
	if suffixStart < len(hash) {
		suffix = hash[suffixStart:]
	}
	return prefix, suffix
}

// Changes is the subset of the import counters this store updates.
type Changes struct {
	HashInserted       uint64
	HashAlreadyPresent uint64
}

// Insert adds hash to the store. If the prefix is new, a fresh
// suffix set is created; if the prefix already exists, the suffix is
// added to the existing set unless it is already present (§4.3).
func Insert(w *store.Writer, s *Store, hash []byte, changes *Changes) {
	if len(hash) == 0 {
		panic(fault.ErrInvalidKey)
	}
	prefix, suffix := s.split(hash)

	existing, found := w.Get(prefix)
	if !found {
		encoded := codec.EncodeSuffixSet([][]byte{suffix})
		w.Put(prefix, encoded)
		changes.HashInserted++
		return
	}

	suffixes := codec.DecodeSuffixSet(existing)
	for _, existingSuffix := range suffixes {
		if string(existingSuffix) == string(suffix) {
			changes.HashAlreadyPresent++
			return
		}
	}
	suffixes = append(suffixes, suffix)
	w.Put(prefix, codec.EncodeSuffixSet(suffixes))
	changes.HashInserted++
}

// Find reports whether hash is present in the store.
func Find(r interface{ Get([]byte) ([]byte, bool) }, s *Store, hash []byte) bool {
	if len(hash) == 0 {
		panic(fault.ErrInvalidKey)
	}
	prefix, suffix := s.split(hash)

	existing, found := r.Get(prefix)
	if !found {
		return false
	}
	for _, existingSuffix := range codec.DecodeSuffixSet(existing) {
		if string(existingSuffix) == string(suffix) {
			return true
		}
	}
	return false
}
