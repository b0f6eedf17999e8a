package codec_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dfrws/hashdb/codec"
)

func TestStringRoundTrip(t *testing.T) {
	cases := [][]byte{
		{},
		[]byte("a"),
		[]byte("hello, hashdb"),
		bytes.Repeat([]byte{0xab}, 300),
	}

	for i, c := range cases {
		buffer := codec.PutString(nil, c)
		decoded, n, ok := codec.String(buffer)
		assert.Truef(t, ok, "case %d: decode failed", i)
		assert.Equal(t, len(buffer), n, "case %d: consumed length", i)
		assert.Equal(t, c, decoded, "case %d: round trip", i)
	}
}

func TestStringTruncated(t *testing.T) {
	buffer := codec.PutString(nil, []byte("truncate me"))
	_, _, ok := codec.String(buffer[:len(buffer)-1])
	assert.False(t, ok)
}

func TestHashDataEntryRoundTrip(t *testing.T) {
	entry := codec.HashDataEntry{SourceID: 42, OffsetIndex: 7}
	encoded := codec.EncodeHashDataEntry(entry)
	decoded := codec.DecodeHashDataEntry(encoded)
	assert.Equal(t, entry, decoded)
}

func TestHashDataEntryCorruptPanics(t *testing.T) {
	entry := codec.HashDataEntry{SourceID: 1, OffsetIndex: 1}
	encoded := codec.EncodeHashDataEntry(entry)
	encoded = append(encoded, 0xff) // extra trailing byte
	assert.Panics(t, func() {
		codec.DecodeHashDataEntry(encoded)
	})
}

func TestSourceDataRoundTrip(t *testing.T) {
	d := codec.SourceData{Filesize: 1 << 20, FileType: "jpg", NonprobativeCount: 3}
	encoded := codec.EncodeSourceData(d)
	decoded := codec.DecodeSourceData(encoded)
	assert.Equal(t, d, decoded)
}

func TestSourceNameRoundTrip(t *testing.T) {
	n := codec.SourceName{RepositoryName: "case-001", Filename: "image.E01"}
	encoded := codec.EncodeSourceName(n)
	decoded := codec.DecodeSourceName(encoded)
	assert.Equal(t, n, decoded)
}

func TestSuffixSetRoundTrip(t *testing.T) {
	suffixes := [][]byte{
		{0x01, 0x02, 0x03},
		{0xff},
		bytes.Repeat([]byte{0x10}, 14),
	}
	encoded := codec.EncodeSuffixSet(suffixes)
	decoded := codec.DecodeSuffixSet(encoded)
	assert.Equal(t, suffixes, decoded)
}

func TestSuffixSetEmpty(t *testing.T) {
	decoded := codec.DecodeSuffixSet(codec.EncodeSuffixSet(nil))
	assert.Empty(t, decoded)
}
