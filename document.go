package revdb

type DocFlags uint8

const (
	DocExists DocFlags = 1 << iota
	DocDeleted
	DocConflicted
	DocHasAttachments
)

func (f DocFlags) String() string {
	var s string
	add := func(name string) {
		if s != "" {
			s += "|"
		}
		s += name
	}
	if f&DocExists != 0 {
		add("exists")
	}
	if f&DocDeleted != 0 {
		add("deleted")
	}
	if f&DocConflicted != 0 {
		add("conflicted")
	}
	if f&DocHasAttachments != 0 {
		add("attachments")
	}
	return s
}

// Document is an in-memory snapshot of one stored document: its revision
// tree plus a cursor selecting one revision. A Document is not safe for
// concurrent use. Changes made by other handles are not reflected; saving a
// stale handle fails with ErrConflict.
type Document struct {
	db       *DB
	docID    string
	flags    DocFlags
	revID    RevID
	sequence uint64
	tree     *RevTree
	selected *Rev

	// revision that was current when the handle was loaded or last saved
	savedRevID RevID

	// write transaction the handle was loaded in, if any
	loadedIn *Tx
}

func (db *DB) newDocument(docID string, flags DocFlags, seq uint64, tree *RevTree) *Document {
	if tree == nil {
		tree = NewRevTree()
	}
	doc := &Document{
		db:       db,
		docID:    docID,
		flags:    flags,
		sequence: seq,
		tree:     tree,
	}
	doc.updateMeta()
	doc.savedRevID = doc.revID
	doc.selected = tree.Current()
	return doc
}

func (doc *Document) DocID() string      { return doc.docID }
func (doc *Document) Flags() DocFlags    { return doc.flags }
func (doc *Document) Exists() bool       { return doc.flags&DocExists != 0 }
func (doc *Document) IsDeleted() bool    { return doc.flags&DocDeleted != 0 }
func (doc *Document) IsConflicted() bool { return doc.flags&DocConflicted != 0 }

// RevID returns the winning revision.
func (doc *Document) RevID() RevID { return doc.revID }

// Sequence returns the sequence the document was last saved with, or 0.
func (doc *Document) Sequence() uint64 { return doc.sequence }

// Tree exposes the revision tree. Mutating it directly bypasses the
// transaction bookkeeping; use the Document methods instead.
func (doc *Document) Tree() *RevTree { return doc.tree }

// HasUnsavedChanges reports whether the tree was modified since it was loaded or saved.
func (doc *Document) HasUnsavedChanges() bool { return doc.tree.changed }

// updateMeta recomputes document-level state from the tree.
func (doc *Document) updateMeta() {
	doc.flags, doc.revID = treeDocFlags(doc.tree)
}

func treeDocFlags(tree *RevTree) (DocFlags, RevID) {
	current := tree.Current()
	if current == nil {
		return 0, RevID{}
	}
	flags := DocExists
	if current.IsDeleted() {
		flags |= DocDeleted
	}
	if current.HasAttachments() {
		flags |= DocHasAttachments
	}
	if tree.HasConflict() {
		flags |= DocConflicted
	}
	return flags, current.ID
}

func (doc *Document) clone() *Document {
	c := *doc
	c.tree = doc.tree.clone()
	if doc.selected != nil {
		c.selected = c.tree.Get(doc.selected.ID)
	}
	return &c
}

// restore makes doc an exact copy of snap.
func (doc *Document) restore(snap *Document) {
	*doc = *snap.clone()
}

func (doc *Document) SelectedRev() *Rev { return doc.selected }

func (doc *Document) SelectedRevID() RevID {
	if doc.selected == nil {
		return RevID{}
	}
	return doc.selected.ID
}

func (doc *Document) SelectedBody() []byte {
	if doc.selected == nil {
		return nil
	}
	return doc.selected.Body
}

func (doc *Document) SelectedFlags() RevFlags {
	if doc.selected == nil {
		return 0
	}
	return doc.selected.Flags
}

func (doc *Document) SelectedSequence() uint64 {
	if doc.selected == nil {
		return 0
	}
	return doc.selected.Sequence
}

// SelectedHistory lists the selected revision and its retained ancestors.
func (doc *Document) SelectedHistory() []RevID {
	if doc.selected == nil {
		return nil
	}
	return doc.tree.History(doc.selected.ID)
}

func (doc *Document) selectRev(r *Rev) bool {
	doc.selected = r
	return r != nil
}

// SelectCurrentRevision selects the winning revision.
func (doc *Document) SelectCurrentRevision() bool {
	return doc.selectRev(doc.tree.Current())
}

func (doc *Document) SelectRevision(id RevID) bool {
	return doc.selectRev(doc.tree.Get(id))
}

// SelectParentRevision moves to the parent. At a root it returns false and
// clears the selection.
func (doc *Document) SelectParentRevision() bool {
	if doc.selected == nil {
		return false
	}
	return doc.selectRev(doc.tree.parentOf(doc.selected))
}

// SelectNextRevision moves to the next revision in priority order.
func (doc *Document) SelectNextRevision() bool {
	if doc.selected == nil {
		return false
	}
	i := doc.tree.indexOf(doc.selected)
	if i < 0 || i+1 >= len(doc.tree.order) {
		return doc.selectRev(nil)
	}
	return doc.selectRev(doc.tree.order[i+1])
}

// SelectNextLeafRevision moves to the next leaf in priority order, skipping
// deleted leaves unless includeDeleted is set.
func (doc *Document) SelectNextLeafRevision(includeDeleted bool) bool {
	for doc.SelectNextRevision() {
		if !doc.selected.IsLeaf() {
			return doc.selectRev(nil)
		}
		if includeDeleted || !doc.selected.IsDeleted() {
			return true
		}
	}
	return false
}

// SelectFirstPossibleAncestorOf selects the most recent revision that could
// be an ancestor of target, that is the highest one of a lower generation.
func (doc *Document) SelectFirstPossibleAncestorOf(target RevID) bool {
	return doc.selectRev(doc.tree.nextPossibleAncestor(target, RevID{}))
}

// SelectNextPossibleAncestorOf continues from the current selection.
func (doc *Document) SelectNextPossibleAncestorOf(target RevID) bool {
	if doc.selected == nil {
		return false
	}
	return doc.selectRev(doc.tree.nextPossibleAncestor(target, doc.selected.ID))
}

func (doc *Document) SelectCommonAncestorRevision(a, b RevID) bool {
	return doc.selectRev(doc.tree.CommonAncestor(a, b))
}
