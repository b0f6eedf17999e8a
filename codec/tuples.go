package codec

import "github.com/dfrws/hashdb/fault"

// HashDataEntry is the decoded value half of a hash-data store record:
// the source that produced the block and the sector-aligned offset it
// was found at, expressed as an offset index (file offset / sector
// size).
type HashDataEntry struct {
	SourceID    uint64
	OffsetIndex uint64
}

// EncodeHashDataEntry encodes (source-id, offset-index) as two
// varints, matching the hash-data store's value layout (§4.2, §4.6).
func EncodeHashDataEntry(e HashDataEntry) []byte {
	buffer := make([]byte, 0, 2*util64MaxBytes)
	buffer = PutUvarint(buffer, e.SourceID)
	buffer = PutUvarint(buffer, e.OffsetIndex)
	return buffer
}

// DecodeHashDataEntry decodes a value previously produced by
// EncodeHashDataEntry. Panics with fault.ErrCorruptEncoding if the
// buffer is not exactly consumed.
func DecodeHashDataEntry(buffer []byte) HashDataEntry {
	sourceID, n1 := Uvarint(buffer)
	if n1 == 0 {
		panic(fault.ErrCorruptEncoding)
	}
	offsetIndex, n2 := Uvarint(buffer[n1:])
	if n2 == 0 {
		panic(fault.ErrCorruptEncoding)
	}
	requireExact(buffer, n1+n2)
	return HashDataEntry{SourceID: sourceID, OffsetIndex: offsetIndex}
}

// SourceData is the decoded value of the source-id -> metadata map:
// filesize, file type label, and the nonprobative block count
// observed for this source.
type SourceData struct {
	Filesize          uint64
	FileType          string
	NonprobativeCount uint64
}

// EncodeSourceData encodes (filesize, file-type, nonprobative-count)
// per §4.2: varint(filesize), string(file-type), varint(count).
func EncodeSourceData(d SourceData) []byte {
	buffer := make([]byte, 0, 2*util64MaxBytes+len(d.FileType)+util64MaxBytes)
	buffer = PutUvarint(buffer, d.Filesize)
	buffer = PutString(buffer, []byte(d.FileType))
	buffer = PutUvarint(buffer, d.NonprobativeCount)
	return buffer
}

// DecodeSourceData decodes a value previously produced by
// EncodeSourceData.
func DecodeSourceData(buffer []byte) SourceData {
	filesize, n1 := Uvarint(buffer)
	if n1 == 0 {
		panic(fault.ErrCorruptEncoding)
	}
	fileType, n2, ok := String(buffer[n1:])
	if !ok {
		panic(fault.ErrCorruptEncoding)
	}
	count, n3 := Uvarint(buffer[n1+n2:])
	if n3 == 0 {
		panic(fault.ErrCorruptEncoding)
	}
	requireExact(buffer, n1+n2+n3)
	return SourceData{
		Filesize:          filesize,
		FileType:          string(fileType),
		NonprobativeCount: count,
	}
}

// SourceName is one (repository-name, filename) pair contributing to
// the provenance of a source.
type SourceName struct {
	RepositoryName string
	Filename       string
}

// EncodeSourceName encodes a single name pair as repeated
// length-prefixed strings (§4.2); the source-name store holds one
// name per duplicate-valued key, so each record encodes exactly one
// pair rather than a whole set.
func EncodeSourceName(n SourceName) []byte {
	buffer := make([]byte, 0, len(n.RepositoryName)+len(n.Filename)+2*util64MaxBytes)
	buffer = PutString(buffer, []byte(n.RepositoryName))
	buffer = PutString(buffer, []byte(n.Filename))
	return buffer
}

// DecodeSourceName decodes a value previously produced by
// EncodeSourceName.
func DecodeSourceName(buffer []byte) SourceName {
	repo, n1, ok := String(buffer)
	if !ok {
		panic(fault.ErrCorruptEncoding)
	}
	name, n2, ok := String(buffer[n1:])
	if !ok {
		panic(fault.ErrCorruptEncoding)
	}
	requireExact(buffer, n1+n2)
	return SourceName{RepositoryName: string(repo), Filename: string(name)}
}

// EncodeSuffixSet encodes a non-empty set of suffix byte strings as
// the hash store's value: each suffix length-prefixed and
// concatenated (§4.3). The allocation hint in the original C++
// implementation sizes a stack buffer at 16 bytes per entry; here we
// simply grow a slice, since Go gives us length-tracked buffers for
// free.
func EncodeSuffixSet(suffixes [][]byte) []byte {
	buffer := make([]byte, 0, 16*len(suffixes))
	for _, s := range suffixes {
		buffer = PutString(buffer, s)
	}
	return buffer
}

// DecodeSuffixSet decodes a value previously produced by
// EncodeSuffixSet back into the set of distinct suffixes it holds.
func DecodeSuffixSet(buffer []byte) [][]byte {
	result := make([][]byte, 0, len(buffer)/2+1)
	consumed := 0
	for consumed < len(buffer) {
		s, n, ok := String(buffer[consumed:])
		if !ok {
			panic(fault.ErrCorruptEncoding)
		}
		cp := make([]byte, len(s))
		copy(cp, s)
		result = append(result, cp)
		consumed += n
	}
	if consumed != len(buffer) {
		panic(fault.ErrCorruptEncoding)
	}
	return result
}

const util64MaxBytes = 9
