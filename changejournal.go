package revdb

import (
	"log/slog"
	"time"

	"github.com/andreyvit/revdb/journal"
)

const journalFileName = "changes-*.wal"

// journalRecord is the msgpack form of a Change in the change journal.
type journalRecord struct {
	DocID string `msgpack:"d"`
	RevID string `msgpack:"r,omitempty"`
	Seq   uint64 `msgpack:"s,omitempty"`
	Flags uint8  `msgpack:"f,omitempty"`
	Op    int    `msgpack:"o"`
}

func journalOptions(opt Options) journal.Options {
	return journal.Options{
		FileName:  journalFileName,
		DebugName: "changes",
		Sync:      opt.JournalSync,
		Verbose:   opt.Verbose,
		Logger:    slog.Default(),
	}
}

func openChangeJournal(opt Options) (*journal.Journal, error) {
	if opt.JournalDir == "" {
		return nil, nil
	}
	return journal.Open(opt.JournalDir, journalOptions(opt))
}

// appendToJournal writes one batch per commit. The commit already happened,
// so failures are logged and the journal stops accepting records.
func (db *DB) appendToJournal(changes []Change) {
	if db.journal == nil || len(changes) == 0 {
		return
	}
	var buf []byte
	for _, chg := range changes {
		rec := journalRecord{
			DocID: chg.DocID,
			Seq:   chg.Sequence,
			Flags: uint8(chg.Flags),
			Op:    int(chg.Op),
		}
		if !chg.RevID.IsZero() {
			rec.RevID = chg.RevID.String()
		}
		buf = encodeMsgpack(buf[:0], &rec)
		if err := db.journal.WriteRecord(0, buf); err != nil {
			db.logf("revdb: change journal: %v", err)
			return
		}
	}
	if err := db.journal.Commit(); err != nil {
		db.logf("revdb: change journal: %v", err)
	}
}

// ReadJournal calls fn for every change recorded in the change journal in
// dir, oldest first.
func ReadJournal(dir string, fn func(ts time.Time, chg Change) error) error {
	return journal.Read(dir, journal.Options{FileName: journalFileName}, func(r journal.Record) error {
		var rec journalRecord
		if err := decodeMsgpack(r.Data, &rec); err != nil {
			return err
		}
		chg := Change{
			DocID:    rec.DocID,
			Sequence: rec.Seq,
			Flags:    DocFlags(rec.Flags),
			Op:       Op(rec.Op),
		}
		if rec.RevID != "" {
			id, err := ParseRevID(rec.RevID)
			if err != nil {
				return err
			}
			chg.RevID = id
		}
		return fn(r.Time(), chg)
	})
}
