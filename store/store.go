// Package store is the ordered key-value substrate every on-disk map
// in this database is built on (§4.1). It wraps goleveldb the same
// way the teacher's storage package wraps it — a coarse single-writer
// lock, a batch-backed Writer, a read-through cache of uncommitted
// writes, and cursors over byte ranges — generalised from one
// blockchain-specific pool-of-tables abstraction into a plain
// directory-per-store layout matching this database's external
// interface (§6).
package store

import (
	"os"
	"sync"
	"syscall"
	"time"

	cache "github.com/patrickmn/go-cache"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	ldb_opt "github.com/syndtr/goleveldb/leveldb/opt"
	ldb_util "github.com/syndtr/goleveldb/leveldb/util"

	"github.com/dfrws/hashdb/fault"
)

const (
	cacheDefaultTimeout    = 1 * time.Minute
	cacheDefaultExpiration = 2 * time.Minute
)

const (
	cacheOpPut = iota
	cacheOpDelete
)

type cacheEntry struct {
	op    int
	value []byte
}

// DB is a single ordered key-value environment, backed by one
// goleveldb directory. Many readers may hold open snapshots
// concurrently with at most one active Writer (§5).
type DB struct {
	writerLock sync.Mutex
	db         *leveldb.DB
	path       string
	cache      *cache.Cache
	readOnly   bool
}

// Open opens (creating if absent) the goleveldb environment at path.
// readOnly opens the store without acquiring the directory's write
// lock, allowing any number of ScanManagers to coexist with at most
// one ImportManager (§5).
func Open(path string, readOnly bool) (*DB, error) {
	opt := &ldb_opt.Options{
		ErrorIfMissing: readOnly,
		ReadOnly:       readOnly,
	}
	db, err := leveldb.OpenFile(path, opt)
	if err != nil {
		return nil, err
	}
	return &DB{
		db:       db,
		path:     path,
		cache:    cache.New(cacheDefaultTimeout, cacheDefaultExpiration),
		readOnly: readOnly,
	}, nil
}

// Close releases the environment. All writers and readers must have
// finished before Close is called.
func (d *DB) Close() error {
	return d.db.Close()
}

// Size reports the approximate on-disk size of the environment, used
// by the `size` verb and by Intersect to pick its smaller input; the
// writer's growth probe checks free space with Statfs instead.
func (d *DB) Size() (uint64, error) {
	var total uint64
	info, err := os.Stat(d.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	if info.IsDir() {
		entries, err := os.ReadDir(d.path)
		if err != nil {
			return 0, err
		}
		for _, e := range entries {
			fi, err := e.Info()
			if err != nil {
				continue
			}
			total += uint64(fi.Size())
		}
		return total, nil
	}
	return uint64(info.Size()), nil
}

// Get reads a single value, consulting the writer's uncommitted cache
// first so a writer observes its own not-yet-committed puts (§4.1).
func (d *DB) Get(key []byte) ([]byte, bool) {
	if v, found := d.cacheGet(key); found {
		return v, true
	}
	value, err := d.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, false
	}
	fault.PanicIfError("store.Get", err)
	return value, true
}

// Has reports whether key is present.
func (d *DB) Has(key []byte) bool {
	_, found := d.Get(key)
	return found
}

func (d *DB) cacheGet(key []byte) ([]byte, bool) {
	obj, found := d.cache.Get(string(key))
	if !found {
		return nil, false
	}
	entry := obj.(cacheEntry)
	if entry.op == cacheOpDelete {
		return nil, false
	}
	return entry.value, true
}

// NewReader opens a point-in-time snapshot. The snapshot does not
// observe writes committed after it was opened (§5); Release must be
// called when done.
func (d *DB) NewReader() (*Reader, error) {
	snap, err := d.db.GetSnapshot()
	if err != nil {
		return nil, err
	}
	return &Reader{snap: snap}, nil
}

// Reader is a read-only, point-in-time view over a DB.
type Reader struct {
	snap *leveldb.Snapshot
}

func (r *Reader) Get(key []byte) ([]byte, bool) {
	value, err := r.snap.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, false
	}
	fault.PanicIfError("reader.Get", err)
	return value, true
}

func (r *Reader) Has(key []byte) bool {
	ok, err := r.snap.Has(key, nil)
	fault.PanicIfError("reader.Has", err)
	return ok
}

// NewCursor returns a cursor over keys in [lo, hi).
func (r *Reader) NewCursor(lo, hi []byte) *Cursor {
	iter := r.snap.NewIterator(&ldb_util.Range{Start: lo, Limit: hi}, nil)
	return &Cursor{iter: iter}
}

func (r *Reader) Release() {
	r.snap.Release()
}

// Writer is the single mutating handle for a DB: all puts and
// deletes accumulate in a batch until Commit, and are visible to
// Get/Has through the cache before they are durable (§4.1, §5).
type Writer struct {
	db     *DB
	batch  *leveldb.Batch
	closed bool
}

// NewWriter acquires the DB's exclusive writer lock. The caller must
// call Commit or Abort exactly once.
func (d *DB) NewWriter() (*Writer, error) {
	if d.readOnly {
		return nil, fault.ErrReadOnly
	}
	d.writerLock.Lock()
	if err := maybeGrow(d); err != nil {
		d.writerLock.Unlock()
		return nil, err
	}
	return &Writer{db: d, batch: new(leveldb.Batch)}, nil
}

// Put stages a key/value pair for commit, overwriting any existing
// value for key.
func (w *Writer) Put(key, value []byte) {
	w.batch.Put(key, value)
	w.db.cache.Set(string(key), cacheEntry{op: cacheOpPut, value: value}, cacheDefaultExpiration)
}

// PutNoOverwrite stages key/value only if key is not already present
// (including pending, uncommitted puts in this same writer), matching
// LMDB's MDB_NODUPDATA semantics used by the hash store and hash-data
// store (§4.1, §4.3, §4.6). It reports whether the value was staged.
func (w *Writer) PutNoOverwrite(key, value []byte) bool {
	if w.db.Has(key) {
		return false
	}
	w.Put(key, value)
	return true
}

// Delete stages a key removal for commit.
func (w *Writer) Delete(key []byte) {
	w.batch.Delete(key)
	w.db.cache.Set(string(key), cacheEntry{op: cacheOpDelete}, cacheDefaultExpiration)
}

// Get reads through to the DB, observing this writer's own pending
// changes.
func (w *Writer) Get(key []byte) ([]byte, bool) { return w.db.Get(key) }

// Has reads through to the DB, observing this writer's own pending
// changes.
func (w *Writer) Has(key []byte) bool { return w.db.Has(key) }

// NewCursor returns a cursor over the committed state; pending writes
// in this same transaction are not reflected until Commit, matching
// the teacher's storage package (iterators are taken directly against
// the underlying database, not the in-flight batch).
func (w *Writer) NewCursor(lo, hi []byte) *Cursor {
	iter := w.db.db.NewIterator(&ldb_util.Range{Start: lo, Limit: hi}, nil)
	return &Cursor{iter: iter}
}

// Commit writes the batch durably and releases the writer lock.
func (w *Writer) Commit() error {
	if w.closed {
		return fault.ErrTransactionAlreadyInUse
	}
	w.closed = true
	defer w.db.writerLock.Unlock()
	return w.db.db.Write(w.batch, nil)
}

// Abort discards the batch and the cache entries it would have
// produced, and releases the writer lock.
func (w *Writer) Abort() {
	if w.closed {
		return
	}
	w.closed = true
	w.db.cache.Flush()
	w.db.writerLock.Unlock()
}

// Cursor iterates a byte-key range in ascending order.
type Cursor struct {
	iter iterator.Iterator
}

func (c *Cursor) First() bool { return c.iter.First() }
func (c *Cursor) Next() bool  { return c.iter.Next() }
func (c *Cursor) Prev() bool  { return c.iter.Prev() }
func (c *Cursor) Last() bool  { return c.iter.Last() }
func (c *Cursor) Seek(key []byte) bool {
	return c.iter.Seek(key)
}

// Key returns the current key. The slice is only valid until the next
// cursor call; callers that retain it must copy.
func (c *Cursor) Key() []byte { return c.iter.Key() }

// Value returns the current value. The slice is only valid until the
// next cursor call; callers that retain it must copy.
func (c *Cursor) Value() []byte { return c.iter.Value() }

func (c *Cursor) Release() error {
	c.iter.Release()
	return c.iter.Error()
}

// growthHeadroomBytes is the minimum free-space cushion required on
// the backing volume before a writer transaction is allowed to start;
// falling below it is treated like LMDB's automatic map growth
// failing (§4.1).
const growthHeadroomBytes = 16 * 1024 * 1024

// maybeGrow is goleveldb's stand-in for LMDB's explicit mmap growth
// step: goleveldb grows its log/SST files on demand and has no fixed
// map-size ceiling, so there is no resize call to make here, but the
// volume it lives on can still run out of room mid-write. Statfs the
// volume up front so that failure surfaces as the fatal, reported
// growth error §4.1 and §4.8 require, not as a goleveldb write error
// discovered partway through a batch.
func maybeGrow(d *DB) error {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(d.path, &stat); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	free := stat.Bavail * uint64(stat.Bsize)
	if free < growthHeadroomBytes {
		return fault.ErrInsufficientDiskSpace
	}
	return nil
}
