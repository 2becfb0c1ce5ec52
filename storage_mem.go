package revdb

import (
	"bytes"
	"errors"
	"maps"
	"slices"
	"sort"
	"sync"
)

var errMemClosed = errors.New("storage: closed")

// memStorage keeps committed state as an immutable map of buckets. Write
// transactions copy a bucket on first write and publish a new map on commit,
// so readers hold on to whatever map was current when they started.
type memStorage struct {
	writeSlot chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	committed map[string]*memBucket
}

// newMemStorage returns a transient in-memory storage, used by tests and the
// "mem" backend.
func newMemStorage() storage {
	return &memStorage{
		writeSlot: make(chan struct{}, 1),
		done:      make(chan struct{}),
		committed: make(map[string]*memBucket),
	}
}

func (s *memStorage) snapshot() (map[string]*memBucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.committed == nil {
		return nil, errMemClosed
	}
	return s.committed, nil
}

func (s *memStorage) BeginTx(writable bool) (storageTx, error) {
	if writable {
		select {
		case s.writeSlot <- struct{}{}:
		case <-s.done:
			return nil, errMemClosed
		}
	}
	snap, err := s.snapshot()
	if err != nil {
		if writable {
			<-s.writeSlot
		}
		return nil, err
	}
	tx := &memTx{s: s, writable: writable, buckets: snap}
	if writable {
		tx.buckets = maps.Clone(snap)
		tx.owned = make(map[*memBucket]bool)
	}
	return tx, nil
}

func (s *memStorage) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		s.committed = nil
		s.mu.Unlock()
	})
	return nil
}

type memTx struct {
	s        *memStorage
	writable bool
	done     bool
	buckets  map[string]*memBucket
	owned    map[*memBucket]bool // buckets copied by this tx
}

func (tx *memTx) Writable() bool { return tx.writable }

func (tx *memTx) check() {
	if tx.done {
		panic("revdb: use of finished mem transaction")
	}
}

func (tx *memTx) Bucket(name string) storageBucket {
	tx.check()
	if tx.buckets[name] == nil {
		return nil
	}
	return &memBucketHandle{tx: tx, name: name}
}

func (tx *memTx) CreateBucket(name string) (storageBucket, error) {
	tx.check()
	if !tx.writable {
		return nil, errTxNotWritable
	}
	if tx.buckets[name] == nil {
		b := &memBucket{}
		tx.buckets[name] = b
		tx.owned[b] = true
	}
	return &memBucketHandle{tx: tx, name: name}, nil
}

// mutable returns a bucket this tx may modify in place.
func (tx *memTx) mutable(name string) *memBucket {
	b := tx.buckets[name]
	if !tx.owned[b] {
		b = &memBucket{items: slices.Clone(b.items)}
		tx.buckets[name] = b
		tx.owned[b] = true
	}
	return b
}

func (tx *memTx) end() {
	if tx.done {
		return
	}
	tx.done = true
	if tx.writable {
		<-tx.s.writeSlot
	}
}

func (tx *memTx) Commit() error {
	if tx.done {
		return nil
	}
	if !tx.writable {
		return errTxNotWritable
	}
	defer tx.end()
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	if tx.s.committed == nil {
		return errMemClosed
	}
	tx.s.committed = tx.buckets
	return nil
}

func (tx *memTx) Rollback() error {
	tx.end()
	return nil
}

func (tx *memTx) Size() int64 {
	var n int64
	for _, b := range tx.buckets {
		for _, kv := range b.items {
			n += int64(len(kv.key) + len(kv.value))
		}
	}
	return n
}

type memBucket struct {
	items []memKV // sorted by key
}

// search returns the index of the first item with key >= key.
func (b *memBucket) search(key []byte) (int, bool) {
	i := sort.Search(len(b.items), func(i int) bool {
		return bytes.Compare(b.items[i].key, key) >= 0
	})
	return i, i < len(b.items) && bytes.Equal(b.items[i].key, key)
}

// memKV values are replaced, never mutated, so copied buckets may share them.
type memKV struct {
	key   []byte
	value []byte
}

// memBucketHandle resolves the bucket by name on every call, since a write
// may swap in a private copy.
type memBucketHandle struct {
	tx   *memTx
	name string
}

func (h *memBucketHandle) bucket() *memBucket {
	h.tx.check()
	return h.tx.buckets[h.name]
}

func (h *memBucketHandle) Get(key []byte) ([]byte, error) {
	b := h.bucket()
	if i, ok := b.search(key); ok {
		return b.items[i].value, nil
	}
	return nil, nil
}

func (h *memBucketHandle) Put(key, value []byte) error {
	h.tx.check()
	if !h.tx.writable {
		return errTxNotWritable
	}
	b := h.tx.mutable(h.name)
	kv := memKV{key: slices.Clone(key), value: slices.Clone(value)}
	if i, ok := b.search(key); ok {
		b.items[i] = kv
	} else {
		b.items = slices.Insert(b.items, i, kv)
	}
	return nil
}

func (h *memBucketHandle) Delete(key []byte) error {
	h.tx.check()
	if !h.tx.writable {
		return errTxNotWritable
	}
	if _, ok := h.bucket().search(key); !ok {
		return nil
	}
	b := h.tx.mutable(h.name)
	i, _ := b.search(key)
	b.items = slices.Delete(b.items, i, i+1)
	return nil
}

// Cursor iterates over the bucket as of the call; later writes through the
// same tx copy the bucket again and are not visible to it.
func (h *memBucketHandle) Cursor() storageCursor {
	b := h.bucket()
	if h.tx.writable {
		delete(h.tx.owned, b)
	}
	return &memCursor{items: b.items, pos: -1}
}

func (h *memBucketHandle) KeyCount() int { return len(h.bucket().items) }

type memCursor struct {
	items []memKV
	pos   int
}

func (c *memCursor) current() ([]byte, []byte) {
	if c.pos < 0 || c.pos >= len(c.items) {
		return nil, nil
	}
	return c.items[c.pos].key, c.items[c.pos].value
}

func (c *memCursor) First() ([]byte, []byte) {
	c.pos = 0
	return c.current()
}

func (c *memCursor) Seek(seek []byte) ([]byte, []byte) {
	c.pos, _ = (&memBucket{items: c.items}).search(seek)
	return c.current()
}

func (c *memCursor) Next() ([]byte, []byte) {
	c.pos++
	return c.current()
}

func (c *memCursor) Err() error { return nil }

func (c *memCursor) Close() {}
