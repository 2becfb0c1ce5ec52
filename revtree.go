package revdb

import (
	"slices"
	"strings"
)

type RevFlags uint8

const (
	RevDeleted RevFlags = 1 << iota
	RevLeaf
	RevNew
	RevHasAttachments
	RevKeepBody
	RevConflict
	RevForeign
)

// flags a caller may set on a revision it puts
const putRevFlags = RevDeleted | RevHasAttachments | RevKeepBody

// flags written to persisted records; RevNew only lives until the next save
const persistentRevFlags = RevDeleted | RevLeaf | RevHasAttachments | RevKeepBody | RevConflict | RevForeign

func (f RevFlags) Contains(v RevFlags) bool {
	return f&v == v
}

var revFlagNames = []string{"deleted", "leaf", "new", "attachments", "keepbody", "conflict", "foreign"}

func (f RevFlags) String() string {
	var parts []string
	for i, name := range revFlagNames {
		if f&(1<<i) != 0 {
			parts = append(parts, name)
		}
	}
	return strings.Join(parts, "|")
}

// Rev is one node of a revision tree. Parent is zero for roots and for nodes
// whose parent was pruned away. Body is nil for stubs.
type Rev struct {
	ID       RevID
	Parent   RevID
	Body     []byte
	Flags    RevFlags
	Sequence uint64
}

func (r *Rev) IsLeaf() bool         { return r.Flags&RevLeaf != 0 }
func (r *Rev) IsDeleted() bool      { return r.Flags&RevDeleted != 0 }
func (r *Rev) IsNew() bool          { return r.Flags&RevNew != 0 }
func (r *Rev) IsConflict() bool     { return r.Flags&RevConflict != 0 }
func (r *Rev) IsForeign() bool      { return r.Flags&RevForeign != 0 }
func (r *Rev) HasAttachments() bool { return r.Flags&RevHasAttachments != 0 }
func (r *Rev) KeepsBody() bool      { return r.Flags&RevKeepBody != 0 }
func (r *Rev) IsStub() bool         { return r.Body == nil }
func (r *Rev) IsLiveLeaf() bool     { return r.Flags&(RevLeaf|RevDeleted) == RevLeaf }
func (r *Rev) String() string       { return r.ID.String() }

func (r *Rev) clearFlag(f RevFlags) {
	r.Flags &^= f
}

func (r *Rev) clone() *Rev {
	c := *r
	return &c
}

// compareRevPriority orders revisions the way a tree stores them: leaves
// first, then live revisions, then higher IDs. The first leaf in this order
// is the winning revision.
func compareRevPriority(a, b *Rev) int {
	if al, bl := a.IsLeaf(), b.IsLeaf(); al != bl {
		if al {
			return -1
		}
		return 1
	}
	if ad, bd := a.IsDeleted(), b.IsDeleted(); ad != bd {
		if bd {
			return -1
		}
		return 1
	}
	return -CompareRevIDs(a.ID, b.ID)
}

// RevTree holds every known revision of one document. Revisions are owned by
// the tree and addressed by ID; parent links are IDs, never pointers.
type RevTree struct {
	revs    map[RevID]*Rev
	order   []*Rev
	sorted  bool
	changed bool
}

func NewRevTree() *RevTree {
	return &RevTree{revs: make(map[RevID]*Rev), sorted: true}
}

func (t *RevTree) Len() int {
	return len(t.order)
}

// Changed reports whether the tree was modified since it was loaded or saved.
func (t *RevTree) Changed() bool {
	return t.changed
}

func (t *RevTree) Get(id RevID) *Rev {
	return t.revs[id]
}

func (t *RevTree) Contains(id RevID) bool {
	return t.revs[id] != nil
}

func (t *RevTree) parentOf(r *Rev) *Rev {
	if r.Parent.IsZero() {
		return nil
	}
	return t.revs[r.Parent]
}

// Parent returns the parent of the given revision, or nil.
func (t *RevTree) Parent(id RevID) *Rev {
	r := t.revs[id]
	if r == nil {
		return nil
	}
	return t.parentOf(r)
}

func (t *RevTree) sort() {
	if !t.sorted {
		slices.SortFunc(t.order, compareRevPriority)
		t.sorted = true
	}
}

// All returns the revisions in priority order. The slice belongs to the tree.
func (t *RevTree) All() []*Rev {
	t.sort()
	return t.order
}

func (t *RevTree) indexOf(r *Rev) int {
	t.sort()
	for i, x := range t.order {
		if x == r {
			return i
		}
	}
	return -1
}

// Current returns the winning revision, or nil for an empty tree.
func (t *RevTree) Current() *Rev {
	if len(t.order) == 0 {
		return nil
	}
	t.sort()
	return t.order[0]
}

func (t *RevTree) Leaves() []*Rev {
	t.sort()
	var leaves []*Rev
	for _, r := range t.order {
		if !r.IsLeaf() {
			break
		}
		leaves = append(leaves, r)
	}
	return leaves
}

// HasConflict reports whether more than one live leaf exists.
func (t *RevTree) HasConflict() bool {
	n := 0
	for _, r := range t.order {
		if r.IsLiveLeaf() {
			n++
			if n > 1 {
				return true
			}
		}
	}
	return false
}

func (t *RevTree) GetBySequence(seq uint64) *Rev {
	if seq == 0 {
		return nil
	}
	for _, r := range t.order {
		if r.Sequence == seq {
			return r
		}
	}
	return nil
}

// History returns the IDs from id up through its oldest retained ancestor.
func (t *RevTree) History(id RevID) []RevID {
	var result []RevID
	for r := t.revs[id]; r != nil; r = t.parentOf(r) {
		result = append(result, r.ID)
	}
	return result
}

func (t *RevTree) children(id RevID) []*Rev {
	var result []*Rev
	for _, r := range t.order {
		if r.Parent == id {
			result = append(result, r)
		}
	}
	return result
}

// Insert adds a new leaf as a child of parentID, or as a root if parentID is
// zero. The generation of id must be one more than the parent's. Unless
// allowConflict is set, the parent must be the current revision (or the tree
// must be empty for a root).
func (t *RevTree) Insert(id RevID, body []byte, flags RevFlags, parentID RevID, allowConflict bool) (*Rev, error) {
	if id.IsZero() {
		return nil, docErrf(CodeInvalidParameter, "", id, nil, "missing revision ID")
	}
	if t.revs[id] != nil {
		return nil, docErrf(CodeConflict, "", id, nil, "revision already exists")
	}
	var parent *Rev
	if !parentID.IsZero() {
		parent = t.revs[parentID]
		if parent == nil {
			return nil, docErrf(CodeNotFound, "", parentID, nil, "parent revision not found")
		}
		if parentID.Mode() != id.Mode() {
			return nil, docErrf(CodeInvalidParameter, "", id, nil, "parent %v uses a different ID scheme", parentID)
		}
		if id.Generation() != parentID.Generation()+1 {
			return nil, docErrf(CodeInvalidParameter, "", id, nil, "generation must follow parent %v", parentID)
		}
	} else if id.Generation() != 1 {
		return nil, docErrf(CodeInvalidParameter, "", id, nil, "root revision must be generation 1")
	}
	current := t.Current()
	conflicting := current != nil && parent != current
	if conflicting && !allowConflict {
		return nil, docErrf(CodeConflict, "", id, nil, "parent is not the current revision")
	}
	if conflicting {
		flags |= RevConflict
	}
	rev := t.insertRev(id, body, flags, parent)
	t.clearResolvedConflict()
	return rev, nil
}

// insertRev adds a node without validation.
func (t *RevTree) insertRev(id RevID, body []byte, flags RevFlags, parent *Rev) *Rev {
	rev := &Rev{
		ID:    id,
		Body:  body,
		Flags: flags&(putRevFlags|RevConflict|RevForeign) | RevLeaf | RevNew,
	}
	if parent != nil {
		rev.Parent = parent.ID
		parent.clearFlag(RevLeaf)
	}
	t.revs[id] = rev
	t.order = append(t.order, rev)
	t.sorted = false
	t.changed = true
	return rev
}

// checkHistory validates a history list (newest first) and returns the index
// of the first entry already present in the tree, or len(history) if none is.
func (t *RevTree) checkHistory(history []RevID) (int, error) {
	if len(history) == 0 {
		return 0, docErrf(CodeInvalidParameter, "", RevID{}, nil, "empty history")
	}
	if len(history) > MaxRevTreeDepthLimit {
		return 0, docErrf(CodeLimitExceeded, "", history[0], nil, "history has %d entries, max is %d", len(history), MaxRevTreeDepthLimit)
	}
	common := len(history)
	for i, id := range history {
		if id.IsZero() {
			return 0, docErrf(CodeMalformedRevID, "", RevID{}, nil, "empty revision ID in history at %d", i)
		}
		if i > 0 {
			prev := history[i-1]
			if id.Mode() != prev.Mode() {
				return 0, docErrf(CodeInvalidParameter, "", id, nil, "history mixes ID schemes")
			}
			if id.Generation()+1 != prev.Generation() {
				return 0, docErrf(CodeInvalidParameter, "", prev, nil, "history entry %v is not the parent generation", id)
			}
		}
		if common == len(history) && t.revs[id] != nil {
			common = i
		}
	}
	return common, nil
}

// InsertHistory adds history[0] together with any of its ancestors the tree
// does not have yet. history is ordered newest first; only history[0] gets
// the body and flags. Returns the index of the first entry that was already
// known, so 0 means nothing was added.
func (t *RevTree) InsertHistory(history []RevID, body []byte, flags RevFlags) (int, error) {
	common, err := t.checkHistory(history)
	if err != nil || common == 0 {
		return common, err
	}
	var parent *Rev
	if common < len(history) {
		parent = t.revs[history[common]]
	}
	current := t.Current()
	conflicting := current != nil && parent != current
	var extra RevFlags
	if conflicting {
		extra = RevConflict
	}
	for i := common - 1; i >= 0; i-- {
		if i == 0 {
			parent = t.insertRev(history[i], body, flags|extra, parent)
		} else {
			parent = t.insertRev(history[i], nil, extra|flags&RevForeign, parent)
		}
	}
	t.clearResolvedConflict()
	return common, nil
}

// wouldWin reports whether a new leaf with the given ID and flags would
// become the current revision.
func (t *RevTree) wouldWin(id RevID, flags RevFlags) bool {
	current := t.Current()
	if current == nil {
		return true
	}
	candidate := &Rev{ID: id, Flags: flags | RevLeaf}
	return compareRevPriority(candidate, current) < 0
}

// clearResolvedConflict drops the conflict mark from the winning branch, which
// by definition is no longer the losing side of anything.
func (t *RevTree) clearResolvedConflict() {
	for r := t.Current(); r != nil && r.IsConflict(); r = t.parentOf(r) {
		r.clearFlag(RevConflict)
	}
}

// removeNonLeafBodies drops bodies of ancestors unless they asked to keep them.
func (t *RevTree) removeNonLeafBodies() {
	for _, r := range t.order {
		if !r.IsLeaf() && r.Body != nil && !r.KeepsBody() {
			r.Body = nil
			t.changed = true
		}
	}
}

func (t *RevTree) remove(r *Rev) {
	delete(t.revs, r.ID)
	t.order = slices.DeleteFunc(t.order, func(x *Rev) bool { return x == r })
	t.changed = true
}

func (t *RevTree) clone() *RevTree {
	c := &RevTree{
		revs:    make(map[RevID]*Rev, len(t.revs)),
		order:   make([]*Rev, len(t.order)),
		sorted:  t.sorted,
		changed: t.changed,
	}
	for i, r := range t.order {
		rc := r.clone()
		c.order[i] = rc
		c.revs[rc.ID] = rc
	}
	return c
}
