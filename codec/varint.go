// Package codec implements the on-disk binary encodings used by the
// block-hash store, the hash-data store and the source stores: a
// variable-length unsigned integer, a length-prefixed string, and the
// paired tuple encoders built on top of them.
//
// Decoding never returns a partial result: a buffer that does not decode
// to exactly the expected shape is corruption, not a record-level error,
// and callers should treat fault.ErrCorruptEncoding as fatal.
package codec

import (
	"github.com/dfrws/hashdb/fault"
	"github.com/dfrws/hashdb/util"
)

// PutUvarint appends the varint encoding of value to buffer and returns
// the grown buffer.
func PutUvarint(buffer []byte, value uint64) []byte {
	return append(buffer, util.ToVarint64(value)...)
}

// Uvarint decodes a varint from the front of buffer, returning the
// value and the number of bytes consumed. A count of 0 means buffer
// was truncated.
func Uvarint(buffer []byte) (uint64, int) {
	return util.FromVarint64(buffer)
}

// PutString appends a varint length prefix followed by the raw bytes
// of s.
func PutString(buffer []byte, s []byte) []byte {
	buffer = PutUvarint(buffer, uint64(len(s)))
	return append(buffer, s...)
}

// String decodes a length-prefixed string from the front of buffer,
// returning the string bytes and the number of bytes consumed from
// buffer. ok is false if buffer was truncated.
func String(buffer []byte) (s []byte, consumed int, ok bool) {
	length, n := Uvarint(buffer)
	if n == 0 {
		return nil, 0, false
	}
	start := n
	end := start + int(length)
	if end > len(buffer) || end < start {
		return nil, 0, false
	}
	return buffer[start:end], end, true
}

// requireExact panics with fault.ErrCorruptEncoding if consumed does
// not exactly cover buffer; a short or long decode is a programmer
// error per the codec's contract, never a record-level failure.
func requireExact(buffer []byte, consumed int) {
	if consumed != len(buffer) {
		panic(fault.ErrCorruptEncoding)
	}
}
