package revdb

import (
	"fmt"
	"strings"
)

type DumpFlags uint64

const (
	DumpDocHeaders = DumpFlags(1 << iota)
	DumpRevs
	DumpBodies
	DumpStats

	DumpAll = DumpFlags(0xFFFFFFFFFFFFFFFF)

	indentStep = "  "
)

var (
	dumpSep1 = strings.Repeat("=", 80)
	dumpSep2 = strings.Repeat("-", 60)
)

func (f DumpFlags) Contains(v DumpFlags) bool {
	return (f & v) == v
}

// Dump renders every stored document for debugging. Panics on storage errors.
func (tx *Tx) Dump(f DumpFlags) string {
	var buf strings.Builder
	if f.Contains(DumpStats) {
		s, err := tx.Stats()
		ensure(err)
		fmt.Fprintln(&buf, dumpSep1)
		fmt.Fprintf(&buf, "stats: docs = %d, last_seq = %d, size = %d, mode = %v, peer = %s\n", s.Docs, s.LastSequence, s.Size, tx.db.mode, tx.db.peerID)
	}
	docIDs, err := tx.AllDocIDs()
	ensure(err)
	for _, docID := range docIDs {
		doc, err := tx.loadRecord(docID)
		ensure(err)
		if doc != nil {
			doc.dump(&buf, "", f)
		}
	}
	return buf.String()
}

// DumpTree renders the revision tree, highest priority first. The current
// revision is marked with * and the selected one with >.
func (doc *Document) DumpTree() string {
	var buf strings.Builder
	doc.dump(&buf, "", DumpRevs|DumpBodies)
	return buf.String()
}

func (doc *Document) dump(w *strings.Builder, prefix string, f DumpFlags) {
	if f.Contains(DumpDocHeaders) {
		fmt.Fprintln(w, dumpSep1)
		fmt.Fprintf(w, "%s%s (#%d, %v, %s)\n", prefix, doc.docID, doc.sequence, doc.revID, doc.flags)
	}
	if f.Contains(DumpStats) {
		s := doc.Stats()
		fmt.Fprintf(w, "%s%sstats: revs = %d, leaves = %d, conflicts = %d, stubs = %d, body_bytes = %d\n", prefix, indentStep, s.Revs, s.Leaves, s.Conflicts, s.Stubs, s.BodyBytes)
	}
	if !f.Contains(DumpRevs) {
		return
	}
	if f.Contains(DumpDocHeaders) {
		fmt.Fprintln(w, dumpSep2)
	}
	current := doc.tree.Current()
	for _, r := range doc.tree.All() {
		mark := " "
		if r == doc.selected {
			mark = ">"
		}
		if r == current {
			mark += "*"
		} else {
			mark += " "
		}
		line := fmt.Sprintf("%s%s %v", prefix, mark, r.ID)
		if !r.Parent.IsZero() {
			line += fmt.Sprintf(" <- %v", r.Parent)
		}
		line = rpad(line, 48, ' ')
		fmt.Fprintf(w, "%s [%v] #%d", line, r.Flags, r.Sequence)
		if f.Contains(DumpBodies) {
			if r.IsStub() {
				fmt.Fprint(w, " (no body)")
			} else {
				fmt.Fprintf(w, " %q", r.Body)
			}
		}
		fmt.Fprintln(w)
	}
}
