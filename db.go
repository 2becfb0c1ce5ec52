package revdb

import (
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andreyvit/revdb/journal"
)

const trackTxns = true

type Backend string

const (
	BackendBolt   Backend = "bolt"
	BackendMem    Backend = "mem"
	BackendBadger Backend = "badger"
	BackendPebble Backend = "pebble"
)

type DB struct {
	store       storage
	logf        func(format string, args ...any)
	verbose     bool
	strict      bool
	mode        RevIDMode
	peerID      string
	digester    Digester
	compress    bool
	maxBodySize int
	maxDepth    atomic.Int64

	writeLock sync.Mutex
	observers observers
	journal   *journal.Journal

	lastSize           atomic.Int64
	ReaderCount        atomic.Int64
	WriterCount        atomic.Int64
	PendingWriterCount atomic.Int64
	ReadCount          atomic.Uint64
	WriteCount         atomic.Uint64

	txns     []*Tx
	txnsLock sync.Mutex
}

type Options struct {
	// Backend defaults to BackendBolt. BackendMem ignores the path.
	Backend Backend

	Logf      func(format string, args ...any)
	Verbose   bool
	IsTesting bool
	MmapSize  int

	// MaxRevTreeDepth is the pruning depth used when a call passes 0.
	// Defaults to DefaultMaxRevTreeDepth.
	MaxRevTreeDepth int

	// Mode is fixed when the store is created; reopening with another mode fails.
	Mode RevIDMode

	// PeerID names this store in vector-mode IDs. Empty keeps the stored
	// peer, or LocalPeerID for a new store.
	PeerID string

	// Digest defaults to SHA1Digester.
	Digest Digester

	// Compress enables zstd compression of large records.
	Compress bool

	// MaxBodySize limits revision bodies; 0 means unlimited.
	MaxBodySize int

	// JournalDir, if set, receives a journal of every committed change.
	JournalDir  string
	JournalSync bool
}

func Open(path string, opt Options) (*DB, error) {
	if opt.MaxRevTreeDepth < 0 {
		return nil, docErrf(CodeInvalidParameter, "", RevID{}, nil, "negative MaxRevTreeDepth")
	}
	if opt.MaxRevTreeDepth > MaxRevTreeDepthLimit {
		return nil, docErrf(CodeLimitExceeded, "", RevID{}, nil, "MaxRevTreeDepth %d exceeds %d", opt.MaxRevTreeDepth, MaxRevTreeDepthLimit)
	}
	if opt.PeerID != "" && !validPeerID(opt.PeerID) {
		return nil, docErrf(CodeInvalidParameter, "", RevID{}, nil, "invalid peer ID %q", opt.PeerID)
	}

	var store storage
	var err error
	switch opt.Backend {
	case BackendBolt, "":
		store, err = openBoltStorage(path, opt)
	case BackendMem:
		store = newMemStorage()
	case BackendBadger:
		store, err = openBadgerStorage(path, opt)
	case BackendPebble:
		store, err = openPebbleStorage(path, opt)
	default:
		err = fmt.Errorf("unknown backend %q", opt.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("revdb: %w", err)
	}

	db := &DB{
		store:       store,
		logf:        opt.Logf,
		verbose:     opt.Verbose,
		strict:      opt.IsTesting,
		mode:        opt.Mode,
		digester:    opt.Digest,
		compress:    opt.Compress,
		maxBodySize: opt.MaxBodySize,
	}
	if db.logf == nil {
		db.logf = func(format string, args ...any) {
			slog.Debug(fmt.Sprintf(format, args...))
		}
	}
	if db.digester == nil {
		db.digester = SHA1Digester{}
	}
	depth := opt.MaxRevTreeDepth
	if depth == 0 {
		depth = DefaultMaxRevTreeDepth
	}
	db.maxDepth.Store(int64(depth))

	err = db.Update(func(tx *Tx) error {
		return tx.prepare(opt)
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	db.journal, err = openChangeJournal(opt)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("revdb: %w", err)
	}
	return db, nil
}

// prepare creates the buckets and reconciles stored settings with opt.
func (tx *Tx) prepare(opt Options) error {
	for _, name := range []string{docsBucket, seqsBucket, metaBucket} {
		if _, err := tx.stx.CreateBucket(name); err != nil {
			return err
		}
	}
	meta := must(tx.bucket(metaBucket))

	stored, err := meta.Get(metaModeKey)
	if err != nil {
		return err
	}
	if stored != nil {
		if len(stored) != 1 {
			return dataErrf(stored, 0, nil, "invalid stored revision ID mode")
		}
		if RevIDMode(stored[0]) != opt.Mode {
			return docErrf(CodeInvalidParameter, "", RevID{}, nil, "store uses %v revision IDs, opened in %v mode", RevIDMode(stored[0]), opt.Mode)
		}
	} else if err := meta.Put(metaModeKey, []byte{byte(opt.Mode)}); err != nil {
		return err
	}

	peer := opt.PeerID
	if peer == "" {
		v, err := meta.Get(metaPeerKey)
		if err != nil {
			return err
		}
		peer = string(v)
	} else if err := meta.Put(metaPeerKey, []byte(peer)); err != nil {
		return err
	}
	if peer == "" {
		peer = LocalPeerID
	}
	tx.db.peerID = peer
	return nil
}

func (db *DB) Mode() RevIDMode { return db.mode }

func (db *DB) PeerID() string { return db.peerID }

func (db *DB) Digester() Digester { return db.digester }

// MaxRevTreeDepth is the pruning depth used when a save passes 0.
func (db *DB) MaxRevTreeDepth() int {
	return int(db.maxDepth.Load())
}

func (db *DB) SetMaxRevTreeDepth(depth int) error {
	if depth <= 0 {
		depth = DefaultMaxRevTreeDepth
	}
	if depth > MaxRevTreeDepthLimit {
		return docErrf(CodeLimitExceeded, "", RevID{}, nil, "depth %d exceeds %d", depth, MaxRevTreeDepthLimit)
	}
	db.maxDepth.Store(int64(depth))
	return nil
}

func (db *DB) effectiveDepth(maxDepth int) (int, error) {
	if maxDepth < 0 {
		return 0, docErrf(CodeInvalidParameter, "", RevID{}, nil, "negative maxDepth")
	}
	if maxDepth > MaxRevTreeDepthLimit {
		return 0, docErrf(CodeLimitExceeded, "", RevID{}, nil, "maxDepth %d exceeds %d", maxDepth, MaxRevTreeDepthLimit)
	}
	if maxDepth == 0 {
		return db.MaxRevTreeDepth(), nil
	}
	return maxDepth, nil
}

// nextRevID derives the ID of a new local revision. A parent at the largest
// generation has no room for a child.
func (db *DB) nextRevID(parent *Rev, deleted bool, body []byte) (RevID, error) {
	var gen uint64 = 1
	var parentID RevID
	if parent != nil {
		parentID = parent.ID
		if parentID.Generation() == math.MaxUint64 {
			return RevID{}, docErrf(CodeLimitExceeded, "", parentID, nil, "generation limit reached")
		}
		gen = parentID.Generation() + 1
	}
	if db.mode == VectorMode {
		return VectorRevID(gen, db.peerID), nil
	}
	return TreeRevID(gen, db.digester.Digest(parentID, deleted, body)), nil
}

// checkRevID rejects IDs of the wrong scheme for this store.
func (db *DB) checkRevID(id RevID) error {
	if id.IsZero() {
		return docErrf(CodeMalformedRevID, "", id, nil, "missing revision ID")
	}
	if id.Mode() != db.mode {
		return docErrf(CodeMalformedRevID, "", id, nil, "%v ID in a %v-mode store", id.Mode(), db.mode)
	}
	return nil
}

func (db *DB) Size() int64 {
	return db.lastSize.Load()
}

func (db *DB) Close() {
	if db.journal != nil {
		if err := db.journal.Close(); err != nil {
			db.logf("revdb: closing change journal: %v", err)
		}
	}
	err := db.store.Close()
	if err != nil {
		panic(fmt.Errorf("revdb: closing: %w", err))
	}
}

func (db *DB) addTx(tx *Tx) {
	db.txnsLock.Lock()
	defer db.txnsLock.Unlock()
	db.txns = append(db.txns, tx)
}

func (db *DB) removeTx(tx *Tx) {
	db.txnsLock.Lock()
	defer db.txnsLock.Unlock()

	found := -1
	for i, t := range db.txns {
		if t == tx {
			found = i
			break
		}
	}
	if found < 0 {
		panic("tx not found in list")
	}

	n := len(db.txns)
	db.txns[found] = db.txns[n-1]
	db.txns[n-1] = nil // ensure it gets collected
	db.txns = db.txns[:n-1]
}

func (db *DB) DescribeOpenTxns() string {
	if !trackTxns {
		return "OPEN TX TRACKING DISABLED"
	}

	db.txnsLock.Lock()
	txns := slices.Clone(db.txns)
	db.txnsLock.Unlock()

	if len(txns) == 0 {
		return "NO OPEN TRANSACTIONS"
	}

	slices.SortFunc(txns, func(a, b *Tx) int {
		return a.startTime.Compare(b.startTime)
	})

	now := time.Now()

	var buf strings.Builder
	fmt.Fprintf(&buf, "%d OPEN TRANSACTIONS:\n", len(txns))
	for _, tx := range txns {
		ms := now.Sub(tx.startTime).Milliseconds()
		kind := "read"
		if tx.writable {
			kind = "write"
		}
		if ms < 100 {
			fmt.Fprintf(&buf, "\n---\n%s, open for %d ms\n", kind, ms)
		} else {
			fmt.Fprintf(&buf, "\n---\n%s, open for %d ms:\n%s", kind, ms, tx.stack)
		}
	}

	return buf.String()
}
