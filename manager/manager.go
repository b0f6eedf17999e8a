// Package manager implements the ImportManager and ScanManager
// (§4.8): the single writer composing the hash store, hash-data
// store, source stores, and bloom filter behind one set of insert
// operations; and the read-only composite used to answer find/expand/
// scan queries. A coarse mutex serializes every ImportManager write,
// matching the single-writer discipline the KV substrate itself
// already provides per directory (§5).
package manager

import (
	"os"
	"sync"

	"github.com/dfrws/hashdb/bloom"
	"github.com/dfrws/hashdb/changes"
	"github.com/dfrws/hashdb/codec"
	"github.com/dfrws/hashdb/fault"
	"github.com/dfrws/hashdb/hashdatastore"
	"github.com/dfrws/hashdb/hashstore"
	"github.com/dfrws/hashdb/history"
	"github.com/dfrws/hashdb/settings"
	"github.com/dfrws/hashdb/sourcestore"
	"github.com/dfrws/hashdb/store"
)

// stores bundles the five KV environments and the bloom filter a
// hashdb directory is made of; ImportManager and ScanManager differ
// only in how they open these (read-write vs read-only) and what
// operations they expose on top.
type stores struct {
	layout     settings.Layout
	settings   settings.Settings
	hashDB     *store.DB
	hashDataDB *store.DB
	idsDB      *store.DB
	dataDB     *store.DB
	namesDB    *store.DB
	bloomOpen  *bloom.Filter // nil when settings.BloomIsUsed is false

	hashes   *hashstore.Store
	hashData *hashdatastore.Store
}

func openStores(dir string, writable bool) (*stores, error) {
	layout := settings.NewLayout(dir)
	s, err := settings.Read(dir)
	if err != nil {
		return nil, err
	}

	readOnly := !writable
	hashDB, err := store.Open(layout.HashStorePath(), readOnly)
	if err != nil {
		return nil, err
	}
	hashDataDB, err := store.Open(layout.HashDataStorePath(), readOnly)
	if err != nil {
		return nil, err
	}
	idsDB, err := store.Open(layout.SourceIDStorePath(), readOnly)
	if err != nil {
		return nil, err
	}
	dataDB, err := store.Open(layout.SourceDataStorePath(), readOnly)
	if err != nil {
		return nil, err
	}
	namesDB, err := store.Open(layout.SourceNameStorePath(), readOnly)
	if err != nil {
		return nil, err
	}

	hashesStore, err := hashstore.Open(hashDB, s.HashPrefixBits, s.HashSuffixBytes)
	if err != nil {
		return nil, err
	}
	hashDataStore, err := hashdatastore.Open(hashDataDB, s.SectorSize, s.HashTruncation, s.MaxDuplicateSourceOffsetsPerHash)
	if err != nil {
		return nil, err
	}

	// A writable open creates the filter file (2^BloomMBits bits) when
	// it is missing, as it is in a freshly created directory.
	var bloomFilter *bloom.Filter
	if s.BloomIsUsed {
		bloomFilter, err = bloom.Open(layout.BloomPath(), writable)
		if os.IsNotExist(err) && writable {
			bloomFilter, err = bloom.Create(layout.BloomPath(), uint64(1)<<s.BloomMBits, uint64(s.BloomK))
		}
		if err != nil {
			return nil, err
		}
	}

	return &stores{
		layout:     layout,
		settings:   s,
		hashDB:     hashDB,
		hashDataDB: hashDataDB,
		idsDB:      idsDB,
		dataDB:     dataDB,
		namesDB:    namesDB,
		bloomOpen:  bloomFilter,
		hashes:     hashesStore,
		hashData:   hashDataStore,
	}, nil
}

func (s *stores) close() error {
	for _, closer := range []interface{ Close() error }{s.hashDB, s.hashDataDB, s.idsDB, s.dataDB, s.namesDB} {
		if err := closer.Close(); err != nil {
			return err
		}
	}
	if s.bloomOpen != nil {
		return s.bloomOpen.Close()
	}
	return nil
}

// ImportManager is the single writer over a hashdb directory. mu
// serializes each logical insert across its several underlying writer
// transactions (idsDB, dataDB/namesDB, hashDataDB, hashDB) so that two
// concurrent InsertHash/InsertSourceData/InsertSourceName calls from
// the same process never interleave their per-store commits (§5).
type ImportManager struct {
	dir     string
	stores  *stores
	mu      sync.Mutex
	changes changes.Changes
}

// OpenImportManager opens dir's KV substrate in writer mode. At most
// one ImportManager may be open on a given directory at a time (§5).
// This package adds no lock of its own for that: each store.DB's
// writer lock serializes writers on that one handle only, and
// exclusion between handles on the same directory is left to the
// directory lock goleveldb takes when store.Open opens it.
func OpenImportManager(dir string) (*ImportManager, error) {
	st, err := openStores(dir, true)
	if err != nil {
		return nil, err
	}
	return &ImportManager{dir: dir, stores: st}, nil
}

// InsertSourceData records filesize, file type, and nonprobative
// count for the source identified by fileHash, assigning it a source
// id first if this is the first time fileHash has been seen.
func (m *ImportManager) InsertSourceData(fileHash []byte, filesize uint64, fileType string, nonprobativeCount uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idWriter, err := m.stores.idsDB.NewWriter()
	if err != nil {
		return err
	}
	var sourceChanges sourcestore.Changes
	_, id := sourcestore.InsertSourceID(idWriter, fileHash, &sourceChanges)
	if err := idWriter.Commit(); err != nil {
		return err
	}

	dataWriter, err := m.stores.dataDB.NewWriter()
	if err != nil {
		return err
	}
	sourcestore.InsertSourceData(dataWriter, id, codec.SourceData{
		Filesize:          filesize,
		FileType:          fileType,
		NonprobativeCount: nonprobativeCount,
	}, &sourceChanges)
	if err := dataWriter.Commit(); err != nil {
		return err
	}

	m.changes.AddSourceStore(sourceChanges)
	return nil
}

// InsertSourceName records one (repository, filename) provenance pair
// for the source identified by fileHash.
func (m *ImportManager) InsertSourceName(fileHash []byte, repositoryName, filename string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idWriter, err := m.stores.idsDB.NewWriter()
	if err != nil {
		return err
	}
	var sourceChanges sourcestore.Changes
	_, id := sourcestore.InsertSourceID(idWriter, fileHash, &sourceChanges)
	if err := idWriter.Commit(); err != nil {
		return err
	}

	namesWriter, err := m.stores.namesDB.NewWriter()
	if err != nil {
		return err
	}
	sourcestore.InsertSourceName(namesWriter, id, codec.SourceName{
		RepositoryName: repositoryName,
		Filename:       filename,
	}, &sourceChanges)
	if err := namesWriter.Commit(); err != nil {
		return err
	}

	m.changes.AddSourceStore(sourceChanges)
	return nil
}

// InsertHash records that fileHash produced blockHash at fileOffset.
// entropy and label describe the block the way the JSON import
// stream does (§6) but are not persisted: the hash-data store's value
// holds only (source-id, offset-index) (§4.2), so they exist purely
// so callers driving insert directly from a parsed record do not need
// to special-case them.
func (m *ImportManager) InsertHash(blockHash []byte, fileHash []byte, fileOffset uint64, entropy float64, label string) error {
	_ = entropy
	_ = label

	m.mu.Lock()
	defer m.mu.Unlock()

	idWriter, err := m.stores.idsDB.NewWriter()
	if err != nil {
		return err
	}
	var sourceChanges sourcestore.Changes
	_, sourceID := sourcestore.InsertSourceID(idWriter, fileHash, &sourceChanges)
	if err := idWriter.Commit(); err != nil {
		return err
	}
	m.changes.AddSourceStore(sourceChanges)

	hdWriter, err := m.stores.hashDataDB.NewWriter()
	if err != nil {
		return err
	}
	var hdChanges hashdatastore.Changes
	if err := hashdatastore.Insert(hdWriter, m.stores.hashData, blockHash, sourceID, fileOffset, &hdChanges); err != nil {
		hdWriter.Abort()
		if err == hashdatastore.ErrFileOffsetNotAligned {
			m.changes.InvalidByteAlignment()
			return nil
		}
		return err
	}
	if err := hdWriter.Commit(); err != nil {
		return err
	}
	m.changes.AddHashDataStore(hdChanges)

	hashWriter, err := m.stores.hashDB.NewWriter()
	if err != nil {
		return err
	}
	var hsChanges hashstore.Changes
	hashstore.Insert(hashWriter, m.stores.hashes, blockHash, &hsChanges)
	if err := hashWriter.Commit(); err != nil {
		return err
	}
	m.changes.AddHashStore(hsChanges)

	if m.stores.bloomOpen != nil {
		if err := m.stores.bloomOpen.Add(blockHash); err != nil {
			return err
		}
	}
	return nil
}

// Changes returns the counters accumulated so far this session.
func (m *ImportManager) Changes() *changes.Changes { return &m.changes }

// Close records a history event summarizing this session's changes
// and releases the KV substrate.
func (m *ImportManager) Close(command string, arguments []string) error {
	historyPath := m.stores.layout.HistoryPath()
	if err := history.Append(historyPath, history.NewEvent(command, arguments, &m.changes)); err != nil {
		return err
	}
	return m.stores.close()
}

// ScanManager is the read-only composite used to answer lookups.
type ScanManager struct {
	stores *stores
}

// OpenScanManager opens dir's KV substrate read-only. Any number of
// ScanManagers may coexist with each other and with one
// ImportManager (§5).
func OpenScanManager(dir string) (*ScanManager, error) {
	st, err := openStores(dir, false)
	if err != nil {
		return nil, err
	}
	return &ScanManager{stores: st}, nil
}

// FindHash reports whether blockHash is present, consulting the bloom
// filter first to short-circuit the common negative case (§4.4).
func (m *ScanManager) FindHash(blockHash []byte) bool {
	if m.stores.bloomOpen != nil && !m.stores.bloomOpen.ProbablyContains(blockHash) {
		return false
	}
	return hashstore.Find(m.stores.hashDB, m.stores.hashes, blockHash)
}

// ExpandedMatch is one block-hash match with full provenance.
type ExpandedMatch struct {
	SourceID          uint64
	OffsetIndex       uint64
	FileHash          []byte
	Filesize          uint64
	FileType          string
	NonprobativeCount uint64
	Names             []codec.SourceName
}

// FindExpandedHash returns blockHash's matches along with each
// match's source metadata and names, or nil if blockHash is absent.
func (m *ScanManager) FindExpandedHash(blockHash []byte) ([]ExpandedMatch, error) {
	if !m.FindHash(blockHash) {
		return nil, nil
	}

	hdReader, err := m.stores.hashDataDB.NewReader()
	if err != nil {
		return nil, err
	}
	defer hdReader.Release()

	entries := hashdatastore.Expand(hdReader, m.stores.hashData, blockHash)
	if len(entries) == 0 {
		return nil, nil
	}

	dataReader, err := m.stores.dataDB.NewReader()
	if err != nil {
		return nil, err
	}
	defer dataReader.Release()

	namesReader, err := m.stores.namesDB.NewReader()
	if err != nil {
		return nil, err
	}
	defer namesReader.Release()

	matches := make([]ExpandedMatch, 0, len(entries))
	for _, e := range entries {
		match := ExpandedMatch{SourceID: e.SourceID, OffsetIndex: e.OffsetIndex}
		if d, found := sourcestore.FindSourceData(dataReader, e.SourceID); found {
			match.Filesize = d.Filesize
			match.FileType = d.FileType
			match.NonprobativeCount = d.NonprobativeCount
		}
		match.Names = sourcestore.FindSourceNames(namesReader, e.SourceID)
		matches = append(matches, match)
	}
	return matches, nil
}

// Scan answers a bulk request: for each hash in hashes, the number of
// (source, offset) matches it has. Only entries with a non-zero count
// are returned, keyed by the hash's index in the request (§6).
func (m *ScanManager) Scan(hashes [][]byte) (map[int]uint64, error) {
	hdReader, err := m.stores.hashDataDB.NewReader()
	if err != nil {
		return nil, err
	}
	defer hdReader.Release()

	results := make(map[int]uint64)
	for i, h := range hashes {
		if !m.FindHash(h) {
			continue
		}
		count := hashdatastore.Count(hdReader, m.stores.hashData, h)
		if count > 0 {
			results[i] = count
		}
	}
	return results, nil
}

// Size returns the approximate on-disk size of each KV store,
// supporting the `size` CLI verb (§6).
func (m *ScanManager) Size() (map[string]uint64, error) {
	sizes := make(map[string]uint64)
	entries := []struct {
		name string
		db   *store.DB
	}{
		{"hash_store", m.stores.hashDB},
		{"hash_data_store", m.stores.hashDataDB},
		{"source_id_store", m.stores.idsDB},
		{"source_data_store", m.stores.dataDB},
		{"source_name_store", m.stores.namesDB},
	}
	for _, e := range entries {
		size, err := e.db.Size()
		if err != nil {
			return nil, err
		}
		sizes[e.name] = size
	}
	return sizes, nil
}

// Close releases the KV substrate without writing a history event:
// read-only sessions do not mutate state worth recording.
func (m *ScanManager) Close() error {
	return m.stores.close()
}

// ErrMismatchedBlockSize surfaces when a set-algebra operator's two
// input databases disagree on hash_block_size (§4.7).
var ErrMismatchedBlockSize = fault.ErrDatabaseMismatchedBlockSize
