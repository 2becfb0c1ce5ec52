package revdb

import (
	"time"
	"unsafe"

	"go.etcd.io/bbolt"
)

type boltStorage struct {
	bdb *bbolt.DB
}

func openBoltStorage(path string, opt Options) (storage, error) {
	bopt := &bbolt.Options{}
	*bopt = *bbolt.DefaultOptions
	bopt.Timeout = 10 * time.Second
	if opt.IsTesting {
		bopt.NoSync = true
		bopt.NoFreelistSync = true
		bopt.InitialMmapSize = 1024 * 1024 * 5
	} else {
		bopt.InitialMmapSize = 1024 * 1024 * 1024
		bopt.FreelistType = bbolt.FreelistMapType
	}
	if opt.MmapSize != 0 {
		bopt.InitialMmapSize = opt.MmapSize
	}

	bdb, err := bbolt.Open(path, 0666, bopt)
	if err != nil {
		return nil, err
	}
	return &boltStorage{bdb: bdb}, nil
}

func (s *boltStorage) BeginTx(writable bool) (storageTx, error) {
	btx, err := s.bdb.Begin(writable)
	if err != nil {
		return nil, err
	}
	return &boltStorageTx{btx: btx}, nil
}

func (s *boltStorage) Close() error {
	return s.bdb.Close()
}

type boltStorageTx struct {
	btx *bbolt.Tx
}

func (tx *boltStorageTx) Writable() bool { return tx.btx.Writable() }

func (tx *boltStorageTx) Bucket(name string) storageBucket {
	b := tx.btx.Bucket(unsafeBytesFromString(name))
	if b == nil {
		return nil
	}
	return boltBucket{b: b}
}

func (tx *boltStorageTx) CreateBucket(name string) (storageBucket, error) {
	if !tx.btx.Writable() {
		return nil, errTxNotWritable
	}
	b, err := tx.btx.CreateBucketIfNotExists([]byte(name))
	if err != nil {
		return nil, err
	}
	return boltBucket{b: b}, nil
}

func (tx *boltStorageTx) Commit() error { return tx.btx.Commit() }

func (tx *boltStorageTx) Rollback() error {
	// ErrTxClosed just signals that we've ran Commit, which is the normal flow.
	err := tx.btx.Rollback()
	if err == bbolt.ErrTxClosed {
		return nil
	}
	return err
}

func (tx *boltStorageTx) Size() int64 { return tx.btx.Size() }

type boltBucket struct {
	b *bbolt.Bucket
}

func (b boltBucket) Get(key []byte) ([]byte, error) { return b.b.Get(key), nil }

func (b boltBucket) Put(key, value []byte) error {
	if !b.b.Tx().Writable() {
		return errTxNotWritable
	}
	return b.b.Put(key, value)
}

func (b boltBucket) Delete(key []byte) error {
	if !b.b.Tx().Writable() {
		return errTxNotWritable
	}
	return b.b.Delete(key)
}

func (b boltBucket) Cursor() storageCursor { return boltCursor{c: b.b.Cursor()} }

func (b boltBucket) KeyCount() int { return b.b.Stats().KeyN }

type boltCursor struct {
	c *bbolt.Cursor
}

func (c boltCursor) First() ([]byte, []byte) { return c.c.First() }

func (c boltCursor) Seek(seek []byte) ([]byte, []byte) { return c.c.Seek(seek) }

func (c boltCursor) Next() ([]byte, []byte) { return c.c.Next() }

func (c boltCursor) Err() error { return nil }

func (c boltCursor) Close() {}

func unsafeBytesFromString(s string) []byte {
	return unsafe.Slice(unsafe.StringData(s), len(s))
}
