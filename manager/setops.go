package manager

import (
	"errors"
	"path/filepath"

	"github.com/dfrws/hashdb/changes"
	"github.com/dfrws/hashdb/fault"
	"github.com/dfrws/hashdb/hashdatastore"
	"github.com/dfrws/hashdb/hashstore"
	"github.com/dfrws/hashdb/history"
	"github.com/dfrws/hashdb/settings"
	"github.com/dfrws/hashdb/sourcestore"
	"github.com/dfrws/hashdb/store"
)

// errStopRequested is a sentinel a Walk callback returns to unwind a
// streaming operator early when its StopFunc fires (§5), distinguished
// from a genuine I/O or store error so the caller can record an abort
// event instead of a failure.
var errStopRequested = errors.New("stop flag set by caller")

// StopFunc lets a caller abort a long-running set-algebra operator
// early; it is polled once per hash record visited. A nil StopFunc
// never stops early (§5).
type StopFunc func() bool

// sameDir reports whether two directories name the same path once
// resolved, refusing the degenerate case of a database operated
// against itself (§4.7).
func sameDir(a, b string) (bool, error) {
	ra, err := filepath.Abs(a)
	if err != nil {
		return false, err
	}
	rb, err := filepath.Abs(b)
	if err != nil {
		return false, err
	}
	return ra == rb, nil
}

// requireDistinctDirs refuses an operator whose directory arguments
// are not pairwise distinct once resolved (§4.7), the way the
// original's require_compatibility rejects identical paths across
// all three arguments of a three-database operator.
func requireDistinctDirs(dirs ...string) error {
	for i := 0; i < len(dirs); i++ {
		for j := i + 1; j < len(dirs); j++ {
			identical, err := sameDir(dirs[i], dirs[j])
			if err != nil {
				return err
			}
			if identical {
				return fault.ErrIdenticalDatabases
			}
		}
	}
	return nil
}

// compatible requires two databases to share the geometry that makes
// their stored keys comparable and directly copyable. The original
// implementation checks hash_block_size alone; this also requires the
// hash-store and hash-data-store parameters to match, since a
// set-algebra operator here copies the stored (possibly
// truncated/masked) key bytes as-is rather than re-deriving them from
// a retained full hash.
func compatible(a, b settings.Settings) error {
	if a.HashBlockSize != b.HashBlockSize {
		return ErrMismatchedBlockSize
	}
	if a.SectorSize != b.SectorSize ||
		a.HashPrefixBits != b.HashPrefixBits ||
		a.HashSuffixBytes != b.HashSuffixBytes ||
		a.HashTruncation != b.HashTruncation {
		return ErrMismatchedBlockSize
	}
	return nil
}

// openOrCreateDestination opens dir for writing, creating it first
// with seedSettings if it does not already hold a database (§4.7:
// add, add_multiple, intersect, subtract and deduplicate all create
// a new destination this way).
func openOrCreateDestination(dir string, seedSettings settings.Settings) (*ImportManager, error) {
	if _, err := settings.Read(dir); err != nil {
		if !fault.IsErrNotFound(err) {
			return nil, err
		}
		if err := settings.Create(dir, seedSettings); err != nil {
			return nil, err
		}
	}
	return OpenImportManager(dir)
}

// sourceReaders bundles the three read-only handles copySource needs
// into a source database's source maps.
type sourceReaders struct {
	ids   *store.Reader
	data  *store.Reader
	names *store.Reader
}

func openSourceReaders(s *stores) (sourceReaders, error) {
	ids, err := s.idsDB.NewReader()
	if err != nil {
		return sourceReaders{}, err
	}
	data, err := s.dataDB.NewReader()
	if err != nil {
		ids.Release()
		return sourceReaders{}, err
	}
	names, err := s.namesDB.NewReader()
	if err != nil {
		ids.Release()
		data.Release()
		return sourceReaders{}, err
	}
	return sourceReaders{ids: ids, data: data, names: names}, nil
}

func (r sourceReaders) release() {
	r.ids.Release()
	r.data.Release()
	r.names.Release()
}

// copySource re-keys one source id from a source database into dest,
// assigning or reusing dest's own source id for the same file hash
// (§4.5) and carrying over its data and names. Source ids are dense
// and database-local, so the file hash recovered through
// sourcestore's reverse index is the only identity stable across
// databases (§4.7).
func copySource(dest *ImportManager, r sourceReaders, srcSourceID uint64) (uint64, error) {
	fileHash, found := sourcestore.FindSourceFileHash(r.ids, srcSourceID)
	if !found {
		return 0, fault.ErrNotFoundSource
	}

	idWriter, err := dest.stores.idsDB.NewWriter()
	if err != nil {
		return 0, err
	}
	var sourceChanges sourcestore.Changes
	_, destSourceID := sourcestore.InsertSourceID(idWriter, fileHash, &sourceChanges)
	if err := idWriter.Commit(); err != nil {
		return 0, err
	}

	if data, found := sourcestore.FindSourceData(r.data, srcSourceID); found {
		dataWriter, err := dest.stores.dataDB.NewWriter()
		if err != nil {
			return 0, err
		}
		sourcestore.InsertSourceData(dataWriter, destSourceID, data, &sourceChanges)
		if err := dataWriter.Commit(); err != nil {
			return 0, err
		}
	}

	for _, name := range sourcestore.FindSourceNames(r.names, srcSourceID) {
		namesWriter, err := dest.stores.namesDB.NewWriter()
		if err != nil {
			return 0, err
		}
		sourcestore.InsertSourceName(namesWriter, destSourceID, name, &sourceChanges)
		if err := namesWriter.Commit(); err != nil {
			return 0, err
		}
	}

	dest.changes.AddSourceStore(sourceChanges)
	return destSourceID, nil
}

// copyRecord copies every (source, offset) observation grouped under
// one hash key from src into dest.
func copyRecord(src sourceReaders, dest *ImportManager, rec hashdatastore.Record) error {
	hdWriter, err := dest.stores.hashDataDB.NewWriter()
	if err != nil {
		return err
	}

	var hdChanges hashdatastore.Changes
	for _, entry := range rec.Entries {
		destSourceID, err := copySource(dest, src, entry.SourceID)
		if err != nil {
			hdWriter.Abort()
			return err
		}
		fileOffset := entry.OffsetIndex * dest.stores.settings.SectorSize
		if err := hashdatastore.Insert(hdWriter, dest.stores.hashData, rec.HashKey, destSourceID, fileOffset, &hdChanges); err != nil {
			hdWriter.Abort()
			return err
		}
	}
	if err := hdWriter.Commit(); err != nil {
		return err
	}
	dest.changes.AddHashDataStore(hdChanges)

	hashWriter, err := dest.stores.hashDB.NewWriter()
	if err != nil {
		return err
	}
	var hsChanges hashstore.Changes
	hashstore.Insert(hashWriter, dest.stores.hashes, rec.HashKey, &hsChanges)
	if err := hashWriter.Commit(); err != nil {
		return err
	}
	dest.changes.AddHashStore(hsChanges)

	if dest.stores.bloomOpen != nil {
		return dest.stores.bloomOpen.Add(rec.HashKey)
	}
	return nil
}

// finish records the completed-operation history event in dest and
// merges the history of every source database into it, closing dest
// along the way; the caller closes the sources (§4.7, §4.8).
func finish(dest *ImportManager, command string, arguments []string, srcs ...*stores) (*changes.Changes, error) {
	result := dest.changes
	historyPath := dest.stores.layout.HistoryPath()
	if err := history.Append(historyPath, history.NewEvent(command, arguments, &dest.changes)); err != nil {
		dest.stores.close()
		return nil, err
	}
	if err := dest.stores.close(); err != nil {
		return nil, err
	}
	srcPaths := make([]string, len(srcs))
	for i, s := range srcs {
		srcPaths[i] = s.layout.HistoryPath()
	}
	if err := history.Merge(historyPath, srcPaths...); err != nil {
		return nil, err
	}
	return &result, nil
}

// abort records an early-stop history event in dest and closes it
// without merging source history, matching a bulk operator that never
// reached completion (§5).
func abort(dest *ImportManager, command string, arguments []string, reason string) (*changes.Changes, error) {
	result := dest.changes
	historyPath := dest.stores.layout.HistoryPath()
	history.Append(historyPath, history.NewAbortEvent(command, arguments, reason))
	if err := dest.stores.close(); err != nil {
		return nil, err
	}
	return &result, nil
}

// Add copies every element of dirA into dirB, creating dirB with
// dirA's settings if it does not already exist (§4.7).
func Add(dirA, dirB string, stop StopFunc) (*changes.Changes, error) {
	identical, err := sameDir(dirA, dirB)
	if err != nil {
		return nil, err
	}
	if identical {
		return nil, fault.ErrIdenticalDatabases
	}

	srcScan, err := OpenScanManager(dirA)
	if err != nil {
		return nil, err
	}
	defer srcScan.Close()

	dest, err := openOrCreateDestination(dirB, srcScan.stores.settings)
	if err != nil {
		return nil, err
	}
	if err := compatible(srcScan.stores.settings, dest.stores.settings); err != nil {
		dest.stores.close()
		return nil, err
	}

	readers, err := openSourceReaders(srcScan.stores)
	if err != nil {
		dest.stores.close()
		return nil, err
	}
	defer readers.release()

	hdReader, err := srcScan.stores.hashDataDB.NewReader()
	if err != nil {
		dest.stores.close()
		return nil, err
	}
	defer hdReader.Release()

	args := []string{dirA, dirB}
	walkErr := hashdatastore.Walk(hdReader, func(rec hashdatastore.Record) error {
		if stop != nil && stop() {
			return errStopRequested
		}
		return copyRecord(readers, dest, rec)
	})
	if walkErr == errStopRequested {
		return abort(dest, "add", args, "stop flag set by caller")
	}
	if walkErr != nil {
		dest.stores.close()
		return nil, walkErr
	}
	return finish(dest, "add", args, srcScan.stores)
}

// AddMultiple merges every element of dirA and dirB into dirC in
// ascending hash-key order; when both databases hold the same key,
// dirA's record is copied first and dirB's after it (§4.7).
func AddMultiple(dirA, dirB, dirC string, stop StopFunc) (*changes.Changes, error) {
	if err := requireDistinctDirs(dirA, dirB, dirC); err != nil {
		return nil, err
	}

	scanA, err := OpenScanManager(dirA)
	if err != nil {
		return nil, err
	}
	defer scanA.Close()
	scanB, err := OpenScanManager(dirB)
	if err != nil {
		return nil, err
	}
	defer scanB.Close()

	if err := compatible(scanA.stores.settings, scanB.stores.settings); err != nil {
		return nil, err
	}

	dest, err := openOrCreateDestination(dirC, scanA.stores.settings)
	if err != nil {
		return nil, err
	}
	if err := compatible(scanA.stores.settings, dest.stores.settings); err != nil {
		dest.stores.close()
		return nil, err
	}

	readersA, err := openSourceReaders(scanA.stores)
	if err != nil {
		dest.stores.close()
		return nil, err
	}
	defer readersA.release()
	readersB, err := openSourceReaders(scanB.stores)
	if err != nil {
		dest.stores.close()
		return nil, err
	}
	defer readersB.release()

	aHDReader, err := scanA.stores.hashDataDB.NewReader()
	if err != nil {
		dest.stores.close()
		return nil, err
	}
	defer aHDReader.Release()
	bHDReader, err := scanB.stores.hashDataDB.NewReader()
	if err != nil {
		dest.stores.close()
		return nil, err
	}
	defer bHDReader.Release()

	// A genuine merge-join over two live cursors (§4.7): at most one
	// record from each side is ever held in memory, unlike merging two
	// fully-materialized slices by index.
	iterA := hashdatastore.NewRecordIterator(aHDReader)
	defer iterA.Release()
	iterB := hashdatastore.NewRecordIterator(bHDReader)
	defer iterB.Release()

	recA, okA := iterA.Next()
	recB, okB := iterB.Next()

	args := []string{dirA, dirB, dirC}
	for okA || okB {
		if stop != nil && stop() {
			return abort(dest, "add_multiple", args, "stop flag set by caller")
		}

		var rec hashdatastore.Record
		var readers sourceReaders
		switch {
		case !okA:
			rec, readers = recB, readersB
			recB, okB = iterB.Next()
		case !okB:
			rec, readers = recA, readersA
			recA, okA = iterA.Next()
		case string(recA.HashKey) <= string(recB.HashKey):
			rec, readers = recA, readersA
			recA, okA = iterA.Next()
		default:
			rec, readers = recB, readersB
			recB, okB = iterB.Next()
		}

		if err := copyRecord(readers, dest, rec); err != nil {
			dest.stores.close()
			return nil, err
		}
	}
	return finish(dest, "add_multiple", args, scanA.stores, scanB.stores)
}

// Intersect copies every element whose hash key is present in both
// dirA and dirB into dirC, driven by the smaller of the two databases
// (§4.7).
func Intersect(dirA, dirB, dirC string, stop StopFunc) (*changes.Changes, error) {
	if err := requireDistinctDirs(dirA, dirB, dirC); err != nil {
		return nil, err
	}

	scanA, err := OpenScanManager(dirA)
	if err != nil {
		return nil, err
	}
	defer scanA.Close()
	scanB, err := OpenScanManager(dirB)
	if err != nil {
		return nil, err
	}
	defer scanB.Close()

	if err := compatible(scanA.stores.settings, scanB.stores.settings); err != nil {
		return nil, err
	}

	smaller, larger := scanA, scanB
	smallerDir, largerDir := dirA, dirB
	if sizeOf(scanB.stores) < sizeOf(scanA.stores) {
		smaller, larger = scanB, scanA
		smallerDir, largerDir = dirB, dirA
	}

	dest, err := openOrCreateDestination(dirC, scanA.stores.settings)
	if err != nil {
		return nil, err
	}
	if err := compatible(scanA.stores.settings, dest.stores.settings); err != nil {
		dest.stores.close()
		return nil, err
	}

	smallerReaders, err := openSourceReaders(smaller.stores)
	if err != nil {
		dest.stores.close()
		return nil, err
	}
	defer smallerReaders.release()
	largerReaders, err := openSourceReaders(larger.stores)
	if err != nil {
		dest.stores.close()
		return nil, err
	}
	defer largerReaders.release()

	smallerHDReader, err := smaller.stores.hashDataDB.NewReader()
	if err != nil {
		dest.stores.close()
		return nil, err
	}
	defer smallerHDReader.Release()
	largerHDReader, err := larger.stores.hashDataDB.NewReader()
	if err != nil {
		dest.stores.close()
		return nil, err
	}
	defer largerHDReader.Release()

	args := []string{smallerDir, largerDir, dirC}
	walkErr := hashdatastore.Walk(smallerHDReader, func(rec hashdatastore.Record) error {
		if stop != nil && stop() {
			return errStopRequested
		}
		largerRec, found := findRecord(largerHDReader, rec.HashKey)
		if !found {
			return nil
		}
		if err := copyRecord(smallerReaders, dest, rec); err != nil {
			return err
		}
		return copyRecord(largerReaders, dest, largerRec)
	})
	if walkErr == errStopRequested {
		return abort(dest, "intersect", args, "stop flag set by caller")
	}
	if walkErr != nil {
		dest.stores.close()
		return nil, walkErr
	}
	return finish(dest, "intersect", args, scanA.stores, scanB.stores)
}

// Subtract copies every element of dirA whose hash key is absent from
// dirB into dirC (§4.7).
func Subtract(dirA, dirB, dirC string, stop StopFunc) (*changes.Changes, error) {
	if err := requireDistinctDirs(dirA, dirB, dirC); err != nil {
		return nil, err
	}

	scanA, err := OpenScanManager(dirA)
	if err != nil {
		return nil, err
	}
	defer scanA.Close()
	scanB, err := OpenScanManager(dirB)
	if err != nil {
		return nil, err
	}
	defer scanB.Close()

	if err := compatible(scanA.stores.settings, scanB.stores.settings); err != nil {
		return nil, err
	}

	dest, err := openOrCreateDestination(dirC, scanA.stores.settings)
	if err != nil {
		return nil, err
	}
	if err := compatible(scanA.stores.settings, dest.stores.settings); err != nil {
		dest.stores.close()
		return nil, err
	}

	readersA, err := openSourceReaders(scanA.stores)
	if err != nil {
		dest.stores.close()
		return nil, err
	}
	defer readersA.release()

	aHDReader, err := scanA.stores.hashDataDB.NewReader()
	if err != nil {
		dest.stores.close()
		return nil, err
	}
	defer aHDReader.Release()
	bHDReader, err := scanB.stores.hashDataDB.NewReader()
	if err != nil {
		dest.stores.close()
		return nil, err
	}
	defer bHDReader.Release()

	args := []string{dirA, dirB, dirC}
	walkErr := hashdatastore.Walk(aHDReader, func(rec hashdatastore.Record) error {
		if stop != nil && stop() {
			return errStopRequested
		}
		if _, found := findRecord(bHDReader, rec.HashKey); found {
			return nil
		}
		return copyRecord(readersA, dest, rec)
	})
	if walkErr == errStopRequested {
		return abort(dest, "subtract", args, "stop flag set by caller")
	}
	if walkErr != nil {
		dest.stores.close()
		return nil, walkErr
	}
	return finish(dest, "subtract", args, scanA.stores, scanB.stores)
}

// Deduplicate copies every element of dirA whose hash key has exactly
// one (source, offset) observation into dirB, dropping every hash
// with more than one (§4.7).
func Deduplicate(dirA, dirB string, stop StopFunc) (*changes.Changes, error) {
	identical, err := sameDir(dirA, dirB)
	if err != nil {
		return nil, err
	}
	if identical {
		return nil, fault.ErrIdenticalDatabases
	}

	scanA, err := OpenScanManager(dirA)
	if err != nil {
		return nil, err
	}
	defer scanA.Close()

	dest, err := openOrCreateDestination(dirB, scanA.stores.settings)
	if err != nil {
		return nil, err
	}
	if err := compatible(scanA.stores.settings, dest.stores.settings); err != nil {
		dest.stores.close()
		return nil, err
	}

	readersA, err := openSourceReaders(scanA.stores)
	if err != nil {
		dest.stores.close()
		return nil, err
	}
	defer readersA.release()

	hdReader, err := scanA.stores.hashDataDB.NewReader()
	if err != nil {
		dest.stores.close()
		return nil, err
	}
	defer hdReader.Release()

	args := []string{dirA, dirB}
	walkErr := hashdatastore.Walk(hdReader, func(rec hashdatastore.Record) error {
		if stop != nil && stop() {
			return errStopRequested
		}
		if len(rec.Entries) != 1 {
			return nil
		}
		return copyRecord(readersA, dest, rec)
	})
	if walkErr == errStopRequested {
		return abort(dest, "deduplicate", args, "stop flag set by caller")
	}
	if walkErr != nil {
		dest.stores.close()
		return nil, walkErr
	}
	return finish(dest, "deduplicate", args, scanA.stores)
}

// findRecord looks up one hash key's full observation set directly,
// for the side of a binary operator that is not being walked in bulk.
func findRecord(r *store.Reader, hashKey []byte) (hashdatastore.Record, bool) {
	entries := hashdatastore.ExpandKey(r, hashKey)
	if len(entries) == 0 {
		return hashdatastore.Record{}, false
	}
	return hashdatastore.Record{HashKey: hashKey, Entries: entries}, true
}

func sizeOf(s *stores) uint64 {
	size, err := s.hashDataDB.Size()
	fault.PanicIfError("hashDataDB.Size", err)
	return size
}
