// Package bloom is the memory-mapped negative-lookup accelerator in
// front of the hash store (§4.4): a bit array of M bits tested with k
// hash functions, each one a disjoint 64-bit window of the block hash
// itself rather than a re-hash, so k is bounded by the hash's width.
// Bits are only ever set, never cleared, so a writer holding the file
// read/write and any number of readers holding it read-only can share
// the mapping safely (§5).
package bloom

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/dfrws/hashdb/background"
	"github.com/dfrws/hashdb/fault"
)

const (
	magic         = "HDBF"
	formatVersion = uint16(1)
	headerBytes   = 32 // magic(4) + version(2) + reserved(2) + mBits(8) + k(8) + reserved(8)
)

// Filter is a bloom filter backed by a memory-mapped file of
// ceil(M/8) bytes plus a fixed header recording M and k.
type Filter struct {
	mu       sync.Mutex
	file     *os.File
	data     []byte
	mBits    uint64
	k        uint64
	readOnly bool
}

// Create makes a new, empty bloom filter file at path sized for mBits
// bits and k hash functions. It fails if path already exists.
func Create(path string, mBits uint64, k uint64) (*Filter, error) {
	if mBits == 0 {
		return nil, fault.ErrInvalidBloomSize
	}
	if k == 0 {
		return nil, fault.ErrInvalidBloomK
	}
	if _, err := os.Stat(path); err == nil {
		return nil, fault.ErrDirectoryNotEmpty
	}

	size := int64(headerBytes) + int64(bitsetBytes(mBits))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create bloom filter: %w", err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncate bloom filter: %w", err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap bloom filter: %w", err)
	}

	filt := &Filter{file: f, data: data, mBits: mBits, k: k}
	filt.writeHeader()
	return filt, nil
}

// Open maps an existing bloom filter file. writable controls whether
// the mapping is PROT_WRITE as well as PROT_READ; the single
// ImportManager writer opens writable, ScanManagers open read-only.
func Open(path string, writable bool) (*Filter, error) {
	flag := os.O_RDONLY
	prot := unix.PROT_READ
	if writable {
		flag = os.O_RDWR
		prot |= unix.PROT_WRITE
	}

	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.Size() < headerBytes {
		f.Close()
		return nil, fault.ErrCorruptEncoding
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()), prot, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap bloom filter: %w", err)
	}

	filt := &Filter{file: f, data: data, readOnly: !writable}
	if err := filt.readHeader(); err != nil {
		filt.Close()
		return nil, err
	}
	return filt, nil
}

func (f *Filter) MBits() uint64 { return f.mBits }
func (f *Filter) K() uint64     { return f.k }

// Add sets the k bits this hash maps to. It is only valid on a
// writable mapping.
func (f *Filter) Add(hash []byte) error {
	if f.readOnly {
		return fault.ErrReadOnly
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	bitset := f.data[headerBytes:]
	for i := uint64(0); i < f.k; i++ {
		j := windowIndex(hash, i) % f.mBits
		bitset[j>>3] |= 1 << (j & 7)
	}
	return nil
}

// ProbablyContains reports whether every bit this hash maps to is
// set. A false answer is definitive; a true answer may be a false
// positive (§1, §8).
func (f *Filter) ProbablyContains(hash []byte) bool {
	bitset := f.data[headerBytes:]
	for i := uint64(0); i < f.k; i++ {
		j := windowIndex(hash, i) % f.mBits
		if bitset[j>>3]&(1<<(j&7)) == 0 {
			return false
		}
	}
	return true
}

// Sync flushes dirty pages to disk; bits are only ever set so a
// partially-flushed file under-reports rather than over-reports, and
// ScanManagers never observe a false negative they wouldn't have
// already observed in the hash store.
func (f *Filter) Sync() error {
	return unix.Msync(f.data, unix.MS_ASYNC)
}

// StartAutoSync starts a background process that periodically flushes
// dirty pages to disk on a writable mapping, so a crash between
// syncs loses at most one interval's worth of Add calls rather than
// the whole session's (§4.4, §5). The returned handle is stopped with
// background.Stop.
func (f *Filter) StartAutoSync(interval time.Duration) *background.T {
	process := func(args interface{}, shutdown <-chan bool, done chan<- bool) {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-shutdown:
				return
			case <-ticker.C:
				f.Sync()
			}
		}
	}
	return background.Start(background.Processes{process}, nil)
}

func (f *Filter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.data != nil {
		if !f.readOnly {
			_ = unix.Msync(f.data, unix.MS_SYNC)
		}
		if err := unix.Munmap(f.data); err != nil {
			return err
		}
		f.data = nil
	}
	if f.file != nil {
		if err := f.file.Close(); err != nil {
			return err
		}
		f.file = nil
	}
	return nil
}

func (f *Filter) writeHeader() {
	copy(f.data[0:4], magic)
	binary.BigEndian.PutUint16(f.data[4:6], formatVersion)
	binary.BigEndian.PutUint64(f.data[8:16], f.mBits)
	binary.BigEndian.PutUint64(f.data[16:24], f.k)
}

func (f *Filter) readHeader() error {
	if string(f.data[0:4]) != magic {
		return fault.ErrCorruptEncoding
	}
	version := binary.BigEndian.Uint16(f.data[4:6])
	if version > formatVersion {
		return fault.ErrUnsupportedSettingsVersion
	}
	f.mBits = binary.BigEndian.Uint64(f.data[8:16])
	f.k = binary.BigEndian.Uint64(f.data[16:24])
	if uint64(len(f.data)) < headerBytes+bitsetBytes(f.mBits) {
		return fault.ErrCorruptEncoding
	}
	return nil
}

func bitsetBytes(mBits uint64) uint64 {
	return (mBits + 7) / 8
}

// windowIndex reads the i-th disjoint 8-byte big-endian window of
// hash as the seed for the i-th hash function. Hashes shorter than
// k*8 bytes wrap around, reusing earlier windows rather than failing;
// callers are expected to size k so that k*8 does not exceed the
// block hash's width in the common case (§4.4).
func windowIndex(hash []byte, i uint64) uint64 {
	if len(hash) == 0 {
		return 0
	}
	windows := uint64(len(hash) / 8)
	if windows == 0 {
		windows = 1
	}
	start := (i % windows) * 8
	end := start + 8
	if end > uint64(len(hash)) {
		var buf [8]byte
		copy(buf[:], hash[start:])
		return binary.BigEndian.Uint64(buf[:])
	}
	return binary.BigEndian.Uint64(hash[start:end])
}
