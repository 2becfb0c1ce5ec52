package revdb

import (
	"fmt"
	"runtime/debug"
	"time"
)

type Txish interface {
	DBTx() *Tx
}

type Tx struct {
	db       *DB
	stx      storageTx
	managed  bool
	writable bool
	closed   bool

	// first storage failure; a failed transaction can only be rolled back
	err error

	startTime time.Time
	stack     string

	// per-handle state before the first mutation in this transaction
	snapshots map[*Document]*Document
	// stored state at the start of this transaction, by document ID
	baseline map[string]*Document

	changes []Change
}

func (db *DB) begin(writable, managed bool) (*Tx, error) {
	if writable {
		db.PendingWriterCount.Add(1)
		db.writeLock.Lock()
		db.PendingWriterCount.Add(-1)
	}
	stx, err := db.store.BeginTx(writable)
	if err != nil {
		if writable {
			db.writeLock.Unlock()
		}
		return nil, fmt.Errorf("revdb: begin: %w", err)
	}
	tx := &Tx{
		db:        db,
		stx:       stx,
		managed:   managed,
		writable:  writable,
		startTime: time.Now(),
	}
	if writable {
		db.WriterCount.Add(1)
		db.WriteCount.Add(1)
	} else {
		db.ReaderCount.Add(1)
		db.ReadCount.Add(1)
	}
	if trackTxns {
		tx.stack = string(debug.Stack())
		db.addTx(tx)
	}
	return tx, nil
}

// DBTx implements Txish
func (tx *Tx) DBTx() *Tx {
	return tx
}

func (tx *Tx) DB() *DB {
	return tx.db
}

func txOf(txh Txish) *Tx {
	if txh == nil {
		return nil
	}
	return txh.DBTx()
}

// Tx runs f in a transaction. A writable transaction commits when f returns
// nil and rolls back otherwise. Panics in f are returned as errors.
func (db *DB) Tx(writable bool, f func(tx *Tx) error) error {
	tx, err := db.begin(writable, true)
	if err != nil {
		return err
	}
	defer tx.Close()
	err = safelyCall(f, tx)
	if err != nil || !writable {
		return err
	}
	return tx.Commit()
}

type panicked struct {
	reason interface{}
	stack  string
}

func (p panicked) Error() string {
	return fmt.Sprintf("panic: %v\n\n%s", p.reason, p.stack)
}

func safelyCall(fn func(*Tx) error, tx *Tx) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = panicked{p, string(debug.Stack())}
		}
	}()
	return fn(tx)
}

func (db *DB) Begin(writable bool) (*Tx, error) {
	return db.begin(writable, false)
}

func (db *DB) BeginRead() *Tx {
	return must(db.begin(false, false))
}

func (db *DB) BeginUpdate() *Tx {
	return must(db.begin(true, false))
}

func (db *DB) Read(f func(tx *Tx)) {
	tx := db.BeginRead()
	defer tx.Close()
	f(tx)
}

func (db *DB) ReadErr(f func(tx *Tx) error) error {
	return db.Tx(false, f)
}

func (db *DB) Update(f func(tx *Tx) error) error {
	return db.Tx(true, f)
}

func (db *DB) Write(f func(tx *Tx)) {
	tx := db.BeginUpdate()
	defer tx.Close()
	f(tx)
	err := tx.Commit()
	if err != nil {
		panic(fmt.Errorf("commit: %w", err))
	}
}

func (tx *Tx) IsWritable() bool {
	return tx.writable
}

func (tx *Tx) IsOpen() bool {
	return tx != nil && !tx.closed
}

func notInTransaction(msg string) error {
	return docErrf(CodeNotInTransaction, "", RevID{}, nil, "%s", msg)
}

func (tx *Tx) checkReadable() error {
	if tx == nil {
		return notInTransaction("no transaction")
	}
	if tx.closed {
		return notInTransaction("transaction is closed")
	}
	return nil
}

func (tx *Tx) checkWritable() error {
	if err := tx.checkReadable(); err != nil {
		return err
	}
	if !tx.writable {
		return notInTransaction("transaction is read-only")
	}
	if tx.err != nil {
		return fmt.Errorf("revdb: transaction failed earlier: %w", tx.err)
	}
	return nil
}

// fail records a storage failure that forces the transaction to abort.
func (tx *Tx) fail(err error) error {
	if tx.err == nil {
		tx.err = err
	}
	return err
}

// remember records the stored state of a document the first time a write
// transaction loads it.
func (tx *Tx) remember(docID string, stored *Document) {
	if !tx.writable {
		return
	}
	if _, ok := tx.baseline[docID]; ok {
		return
	}
	if tx.baseline == nil {
		tx.baseline = make(map[string]*Document)
	}
	if stored != nil {
		stored = stored.clone()
	}
	tx.baseline[docID] = stored
}

// touch snapshots doc before its first mutation in this transaction.
func (tx *Tx) touch(doc *Document) {
	if _, ok := tx.snapshots[doc]; ok {
		return
	}
	if tx.snapshots == nil {
		tx.snapshots = make(map[*Document]*Document)
	}
	var snap *Document
	if doc.loadedIn == tx {
		snap = tx.baseline[doc.docID]
		if snap == nil {
			snap = tx.db.newDocument(doc.docID, 0, 0, nil)
		}
	} else {
		snap = doc.clone()
	}
	tx.snapshots[doc] = snap
}

func (tx *Tx) Commit() error {
	if err := tx.checkReadable(); err != nil {
		return err
	}
	if !tx.writable {
		return notInTransaction("cannot commit a read-only transaction")
	}
	if tx.err != nil {
		err := tx.err
		tx.rollback()
		return fmt.Errorf("revdb: transaction aborted: %w", err)
	}
	size := tx.stx.Size()
	err := tx.stx.Commit()
	if err != nil {
		tx.rollback()
		return err
	}
	tx.db.lastSize.Store(size)
	changes := tx.changes
	tx.db.appendToJournal(changes)
	tx.finish()
	tx.db.observers.notify(changes)
	return nil
}

// Rollback discards the transaction and reverts every Document mutated
// through it.
func (tx *Tx) Rollback() error {
	if tx == nil || tx.closed {
		return nil
	}
	return tx.rollback()
}

func (tx *Tx) rollback() error {
	err := tx.stx.Rollback()
	for doc, snap := range tx.snapshots {
		doc.restore(snap)
	}
	tx.finish()
	return err
}

// Close rolls back unless the transaction was committed.
func (tx *Tx) Close() {
	if tx.closed {
		return
	}
	err := tx.rollback()
	if err != nil && tx.db.strict {
		panic(err)
	}
}

func (tx *Tx) finish() {
	tx.closed = true
	tx.snapshots = nil
	tx.baseline = nil
	tx.changes = nil
	if trackTxns {
		tx.db.removeTx(tx)
	}
	if tx.writable {
		tx.db.WriterCount.Add(-1)
		tx.db.writeLock.Unlock()
	} else {
		tx.db.ReaderCount.Add(-1)
	}
}
