package revdb

import (
	"fmt"
	"sync"
)

type (
	// Change describes one committed document write.
	Change struct {
		DocID    string
		RevID    RevID
		Sequence uint64
		Flags    DocFlags
		Op       Op
	}

	Op int
)

const (
	OpNone  Op = 0
	OpPut   Op = 1
	OpPurge Op = 2
)

func (v Op) String() string {
	switch v {
	case OpNone:
		return "none"
	case OpPut:
		return "put"
	case OpPurge:
		return "purge"
	default:
		return fmt.Sprintf("invalid op %d", int(v))
	}
}

func (tx *Tx) addChange(chg Change) {
	tx.changes = append(tx.changes, chg)
}

type observers struct {
	mu     sync.Mutex
	nextID int
	funcs  map[int]func([]Change)
}

// Observe registers f to be called after every commit that changed documents.
// f runs on the committing goroutine after the write lock is released.
// The returned function unregisters it.
func (db *DB) Observe(f func(changes []Change)) (cancel func()) {
	o := &db.observers
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.funcs == nil {
		o.funcs = make(map[int]func([]Change))
	}
	o.nextID++
	id := o.nextID
	o.funcs[id] = f
	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.funcs, id)
	}
}

func (o *observers) notify(changes []Change) {
	if len(changes) == 0 {
		return
	}
	o.mu.Lock()
	funcs := make([]func([]Change), 0, len(o.funcs))
	for _, f := range o.funcs {
		funcs = append(funcs, f)
	}
	o.mu.Unlock()
	for _, f := range funcs {
		f(changes)
	}
}
