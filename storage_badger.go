package revdb

import (
	"bytes"
	"errors"
	"slices"

	"github.com/dgraph-io/badger/v4"
)

// badgerStorage keeps all buckets in one keyspace, prefixing keys with
// "<bucket>\x00".
type badgerStorage struct {
	db *badger.DB
}

func openBadgerStorage(path string, opt Options) (storage, error) {
	var bopt badger.Options
	if opt.IsTesting && path == "" {
		bopt = badger.DefaultOptions("").WithInMemory(true)
	} else {
		bopt = badger.DefaultOptions(path)
	}
	bopt = bopt.WithLogger(nil).WithSyncWrites(!opt.IsTesting)

	db, err := badger.Open(bopt)
	if err != nil {
		return nil, err
	}
	return &badgerStorage{db: db}, nil
}

func (s *badgerStorage) BeginTx(writable bool) (storageTx, error) {
	return &badgerStorageTx{s: s, txn: s.db.NewTransaction(writable), writable: writable}, nil
}

func (s *badgerStorage) Close() error {
	return s.db.Close()
}

type badgerStorageTx struct {
	s        *badgerStorage
	txn      *badger.Txn
	writable bool
}

func (tx *badgerStorageTx) Writable() bool { return tx.writable }

func (tx *badgerStorageTx) Bucket(name string) storageBucket {
	return badgerBucket{tx: tx, prefix: badgerBucketPrefix(name)}
}

func (tx *badgerStorageTx) CreateBucket(name string) (storageBucket, error) {
	if !tx.writable {
		return nil, errTxNotWritable
	}
	return tx.Bucket(name), nil
}

func (tx *badgerStorageTx) Commit() error {
	if !tx.writable {
		return errTxNotWritable
	}
	return tx.txn.Commit()
}

func (tx *badgerStorageTx) Rollback() error {
	tx.txn.Discard()
	return nil
}

func (tx *badgerStorageTx) Size() int64 {
	lsm, vlog := tx.s.db.Size()
	return lsm + vlog
}

func badgerBucketPrefix(name string) []byte {
	p := make([]byte, 0, len(name)+1)
	p = append(p, name...)
	return append(p, 0)
}

type badgerBucket struct {
	tx     *badgerStorageTx
	prefix []byte
}

func (b badgerBucket) key(k []byte) []byte {
	full := make([]byte, 0, len(b.prefix)+len(k))
	full = append(full, b.prefix...)
	return append(full, k...)
}

func (b badgerBucket) Get(key []byte) ([]byte, error) {
	item, err := b.tx.txn.Get(b.key(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

func (b badgerBucket) Put(key, value []byte) error {
	if !b.tx.writable {
		return errTxNotWritable
	}
	// badger keeps references to both slices until commit
	return b.tx.txn.Set(b.key(key), slices.Clone(value))
}

func (b badgerBucket) Delete(key []byte) error {
	if !b.tx.writable {
		return errTxNotWritable
	}
	return b.tx.txn.Delete(b.key(key))
}

func (b badgerBucket) Cursor() storageCursor {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = b.prefix
	return &badgerCursor{prefix: b.prefix, it: b.tx.txn.NewIterator(opts)}
}

func (b badgerBucket) KeyCount() int {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = b.prefix
	opts.PrefetchValues = false
	it := b.tx.txn.NewIterator(opts)
	defer it.Close()
	var n int
	for it.Rewind(); it.ValidForPrefix(b.prefix); it.Next() {
		n++
	}
	return n
}

type badgerCursor struct {
	prefix []byte
	it     *badger.Iterator
	err    error
}

func (c *badgerCursor) at() ([]byte, []byte) {
	if !c.it.ValidForPrefix(c.prefix) {
		return nil, nil
	}
	item := c.it.Item()
	v, err := item.ValueCopy(nil)
	if err != nil {
		c.err = err
		return nil, nil
	}
	return bytes.TrimPrefix(item.KeyCopy(nil), c.prefix), v
}

func (c *badgerCursor) First() ([]byte, []byte) {
	c.it.Rewind()
	return c.at()
}

func (c *badgerCursor) Seek(seek []byte) ([]byte, []byte) {
	full := make([]byte, 0, len(c.prefix)+len(seek))
	full = append(full, c.prefix...)
	c.it.Seek(append(full, seek...))
	return c.at()
}

func (c *badgerCursor) Next() ([]byte, []byte) {
	c.it.Next()
	return c.at()
}

func (c *badgerCursor) Err() error { return c.err }

func (c *badgerCursor) Close() { c.it.Close() }
