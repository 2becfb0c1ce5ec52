package revdb

import "errors"

// errTxNotWritable is returned by storage backends on writes through a read-only transaction.
var errTxNotWritable = errors.New("storage: transaction is read-only")

// storage represents a key-value storage backend (Bolt, in-memory, Badger, Pebble).
type storage interface {
	// BeginTx starts a new transaction.
	BeginTx(writable bool) (storageTx, error)
	// Close closes the storage.
	Close() error
}

// storageTx represents a storage transaction. Readers see a consistent
// snapshot of the last commit.
type storageTx interface {
	// Writable returns true if this is a writable transaction.
	Writable() bool

	// Bucket returns a bucket, or nil if the bucket doesn't exist.
	Bucket(name string) storageBucket

	// CreateBucket creates a bucket if it doesn't exist.
	CreateBucket(name string) (storageBucket, error)

	// Commit commits the transaction.
	Commit() error

	// Rollback aborts the transaction. It should be safe to call multiple times.
	Rollback() error

	// Size returns the database size in bytes (0 if unknown / not applicable).
	Size() int64
}

// storageBucket represents a bucket (sorted key-value collection).
type storageBucket interface {
	// Get retrieves a value by key. Returns nil if not found. The value is
	// only valid until the transaction ends.
	Get(key []byte) ([]byte, error)

	// Put stores a key-value pair.
	Put(key, value []byte) error

	// Delete removes a key.
	Delete(key []byte) error

	// Cursor returns a forward cursor. Callers must Close it.
	Cursor() storageCursor

	// KeyCount returns the number of keys in the bucket (best effort).
	KeyCount() int
}

// storageCursor iterates over a sorted bucket. Returned slices are only valid
// until the next call. A nil key means the end was reached.
type storageCursor interface {
	// First moves to the first key-value pair.
	First() (key, value []byte)

	// Seek moves to the first key >= seek.
	Seek(seek []byte) (key, value []byte)

	// Next moves to the next key-value pair.
	Next() (key, value []byte)

	// Err returns the first iteration error, if any.
	Err() error

	Close()
}
