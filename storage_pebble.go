package revdb

import (
	"bytes"
	"errors"
	"io"
	"slices"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

// pebbleStorage keeps all buckets in one keyspace, prefixing keys with
// "<bucket>\x00". Writers use an indexed batch so they can read their own
// writes; readers use a snapshot.
type pebbleStorage struct {
	db   *pebble.DB
	sync *pebble.WriteOptions
}

func openPebbleStorage(path string, opt Options) (storage, error) {
	popt := &pebble.Options{
		Cache:        pebble.NewCache(32 << 20),
		MemTableSize: 16 << 20,
	}
	defer popt.Cache.Unref()
	if opt.IsTesting && path == "" {
		popt.FS = vfs.NewMem()
	}

	db, err := pebble.Open(path, popt)
	if err != nil {
		return nil, err
	}
	wo := pebble.Sync
	if opt.IsTesting {
		wo = pebble.NoSync
	}
	return &pebbleStorage{db: db, sync: wo}, nil
}

func (s *pebbleStorage) BeginTx(writable bool) (storageTx, error) {
	if writable {
		b := s.db.NewIndexedBatch()
		return &pebbleStorageTx{s: s, r: b, batch: b}, nil
	} else {
		snap := s.db.NewSnapshot()
		return &pebbleStorageTx{s: s, r: snap, snap: snap}, nil
	}
}

func (s *pebbleStorage) Close() error {
	return s.db.Close()
}

type pebbleReader interface {
	Get(key []byte) ([]byte, io.Closer, error)
	NewIter(o *pebble.IterOptions) (*pebble.Iterator, error)
}

type pebbleStorageTx struct {
	s      *pebbleStorage
	r      pebbleReader
	batch  *pebble.Batch
	snap   *pebble.Snapshot
	closed bool
}

func (tx *pebbleStorageTx) Writable() bool { return tx.batch != nil }

func (tx *pebbleStorageTx) Bucket(name string) storageBucket {
	return pebbleBucket{tx: tx, prefix: badgerBucketPrefix(name)}
}

func (tx *pebbleStorageTx) CreateBucket(name string) (storageBucket, error) {
	if tx.batch == nil {
		return nil, errTxNotWritable
	}
	return tx.Bucket(name), nil
}

func (tx *pebbleStorageTx) Commit() error {
	if tx.batch == nil {
		return errTxNotWritable
	}
	if tx.closed {
		return nil
	}
	err := tx.batch.Commit(tx.s.sync)
	tx.closed = true
	tx.batch.Close()
	return err
}

func (tx *pebbleStorageTx) Rollback() error {
	if tx.closed {
		return nil
	}
	tx.closed = true
	if tx.batch != nil {
		return tx.batch.Close()
	}
	return tx.snap.Close()
}

func (tx *pebbleStorageTx) Size() int64 {
	return int64(tx.s.db.Metrics().DiskSpaceUsage())
}

type pebbleBucket struct {
	tx     *pebbleStorageTx
	prefix []byte
}

func (b pebbleBucket) key(k []byte) []byte {
	full := make([]byte, 0, len(b.prefix)+len(k))
	full = append(full, b.prefix...)
	return append(full, k...)
}

func (b pebbleBucket) Get(key []byte) ([]byte, error) {
	value, closer, err := b.tx.r.Get(b.key(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	defer closer.Close()
	return slices.Clone(value), nil
}

func (b pebbleBucket) Put(key, value []byte) error {
	if b.tx.batch == nil {
		return errTxNotWritable
	}
	return b.tx.batch.Set(b.key(key), value, nil)
}

func (b pebbleBucket) Delete(key []byte) error {
	if b.tx.batch == nil {
		return errTxNotWritable
	}
	return b.tx.batch.Delete(b.key(key), nil)
}

func (b pebbleBucket) iter() (*pebble.Iterator, error) {
	upper := slices.Clone(b.prefix)
	inc(upper)
	return b.tx.r.NewIter(&pebble.IterOptions{
		LowerBound: b.prefix,
		UpperBound: upper,
	})
}

func (b pebbleBucket) Cursor() storageCursor {
	it, err := b.iter()
	return &pebbleCursor{prefix: b.prefix, it: it, err: err}
}

func (b pebbleBucket) KeyCount() int {
	it, err := b.iter()
	if err != nil {
		return 0
	}
	defer it.Close()
	var n int
	for valid := it.First(); valid; valid = it.Next() {
		n++
	}
	return n
}

type pebbleCursor struct {
	prefix []byte
	it     *pebble.Iterator
	err    error
}

func (c *pebbleCursor) at(valid bool) ([]byte, []byte) {
	if !valid {
		return nil, nil
	}
	v, err := c.it.ValueAndErr()
	if err != nil {
		c.err = err
		return nil, nil
	}
	return bytes.TrimPrefix(c.it.Key(), c.prefix), v
}

func (c *pebbleCursor) First() ([]byte, []byte) {
	if c.it == nil {
		return nil, nil
	}
	return c.at(c.it.First())
}

func (c *pebbleCursor) Seek(seek []byte) ([]byte, []byte) {
	if c.it == nil {
		return nil, nil
	}
	full := make([]byte, 0, len(c.prefix)+len(seek))
	full = append(full, c.prefix...)
	return c.at(c.it.SeekGE(append(full, seek...)))
}

func (c *pebbleCursor) Next() ([]byte, []byte) {
	if c.it == nil {
		return nil, nil
	}
	return c.at(c.it.Next())
}

func (c *pebbleCursor) Err() error {
	if c.err == nil && c.it != nil {
		return c.it.Error()
	}
	return c.err
}

func (c *pebbleCursor) Close() {
	if c.it != nil {
		c.it.Close()
	}
}
