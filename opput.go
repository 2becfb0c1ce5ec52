package revdb

import (
	"errors"
)

// PutRequest describes a new revision.
type PutRequest struct {
	DocID string
	Body  []byte
	// Flags may contain RevDeleted, RevHasAttachments and RevKeepBody.
	Flags RevFlags

	// ExistingRevision means History[0] is a revision created elsewhere
	// (received from a peer) and History lists its ancestors, newest first.
	// Otherwise a new ID is generated and History is empty or holds the
	// expected parent.
	ExistingRevision bool

	// AllowConflict accepts a revision whose parent is not the current one.
	AllowConflict bool

	History []RevID

	// MaxDepth overrides the pruning depth for this save; 0 uses the store default.
	MaxDepth int
}

func (db *DB) validatePut(rq *PutRequest) error {
	if err := ValidateDocID(rq.DocID); err != nil {
		return err
	}
	if rq.Flags&^putRevFlags != 0 {
		return docErrf(CodeInvalidParameter, rq.DocID, RevID{}, nil, "unsupported revision flags %v", rq.Flags&^putRevFlags)
	}
	if db.maxBodySize > 0 && len(rq.Body) > db.maxBodySize {
		return docErrf(CodeLimitExceeded, rq.DocID, RevID{}, nil, "body is %d bytes, max is %d", len(rq.Body), db.maxBodySize)
	}
	if _, err := db.effectiveDepth(rq.MaxDepth); err != nil {
		return withDocID(err, rq.DocID)
	}
	for _, id := range rq.History {
		if err := db.checkRevID(id); err != nil {
			return withDocID(err, rq.DocID)
		}
	}
	if rq.ExistingRevision {
		if len(rq.History) == 0 {
			return docErrf(CodeInvalidParameter, rq.DocID, RevID{}, nil, "existing revision requires a history")
		}
	} else if len(rq.History) > 1 {
		return docErrf(CodeInvalidParameter, rq.DocID, RevID{}, nil, "history of a new revision can only name its parent")
	}
	return nil
}

func withDocID(err error, docID string) error {
	var e *Error
	if errors.As(err, &e) && e.DocID == "" {
		c := *e
		c.DocID = docID
		return &c
	}
	return err
}

// Put adds a revision to a document and saves it. Returns the saved
// document with the new revision selected. Putting a revision the document
// already has is a no-op that returns the document as stored.
func (tx *Tx) Put(rq PutRequest) (*Document, error) {
	if err := tx.checkWritable(); err != nil {
		return nil, err
	}
	if err := tx.db.validatePut(&rq); err != nil {
		return nil, err
	}
	doc, err := tx.load(rq.DocID)
	if err != nil {
		return nil, err
	}
	return tx.putInto(doc, rq)
}

// Create adds the first revision of a document. Fails with ErrConflict if a
// live document exists; a deleted document is revived on top of its tombstone.
func (tx *Tx) Create(docID string, body []byte, flags RevFlags) (*Document, error) {
	return tx.Put(PutRequest{DocID: docID, Body: body, Flags: flags})
}

// Delete adds a tombstone on top of the current revision.
func (tx *Tx) Delete(docID string) (*Document, error) {
	if err := tx.checkWritable(); err != nil {
		return nil, err
	}
	doc, err := tx.Get(docID, true)
	if err != nil {
		return nil, err
	}
	if doc.IsDeleted() {
		return nil, docErrf(CodeNotFound, docID, doc.revID, nil, "document is already deleted")
	}
	return tx.putInto(doc, PutRequest{DocID: docID, Flags: RevDeleted, History: []RevID{doc.revID}})
}

// Update adds a child of the selected revision and saves it, returning the
// saved document as a new handle. Fails with ErrConflict if the stored
// document changed since doc was loaded.
func (doc *Document) Update(txh Txish, body []byte, flags RevFlags) (*Document, error) {
	tx := txOf(txh)
	if err := tx.checkWritable(); err != nil {
		return nil, err
	}
	rq := PutRequest{DocID: doc.docID, Body: body, Flags: flags}
	if doc.selected != nil {
		rq.History = []RevID{doc.selected.ID}
	}
	if err := tx.db.validatePut(&rq); err != nil {
		return nil, err
	}
	stored, err := tx.load(doc.docID)
	if err != nil {
		return nil, err
	}
	if stored.revID != doc.savedRevID {
		if tx.db.verbose {
			tx.db.logf("db: PUT.CONFLICT %s: loaded %v, stored %v", doc.docID, doc.savedRevID, stored.revID)
		}
		return nil, docErrf(CodeConflict, doc.docID, doc.savedRevID, nil, "document was changed to %v since it was loaded", stored.revID)
	}
	return tx.putInto(stored, rq)
}

func (tx *Tx) putInto(doc *Document, rq PutRequest) (*Document, error) {
	if rq.Body == nil {
		rq.Body = []byte{}
	}
	tx.touch(doc)

	var rev *Rev
	var err error
	if rq.ExistingRevision {
		rev, err = doc.insertExisting(rq)
	} else {
		rev, err = doc.insertNew(rq)
	}
	if err != nil {
		err = withDocID(err, doc.docID)
		if tx.db.verbose && errors.Is(err, ErrConflict) {
			tx.db.logf("db: PUT.CONFLICT %s: %v", doc.docID, err)
		}
		return nil, err
	}
	if rev == nil {
		if tx.db.verbose {
			tx.db.logf("db: PUT.NOOP %s rev=%v", doc.docID, rq.History)
		}
		return doc, nil
	}

	id := rev.ID
	if err := tx.save(doc, rq.MaxDepth); err != nil {
		return nil, err
	}
	doc.SelectRevision(id)
	if tx.db.verbose {
		tx.db.logf("db: PUT %s rev=%v seq=%d flags=%v", doc.docID, id, doc.sequence, doc.flags)
	}
	return doc, nil
}

// insertNew adds a locally created revision. Returns nil if an identical
// revision already exists.
func (doc *Document) insertNew(rq PutRequest) (*Rev, error) {
	tree := doc.tree
	current := tree.Current()
	var parent *Rev
	if len(rq.History) == 1 {
		parent = tree.Get(rq.History[0])
		if parent == nil {
			return nil, docErrf(CodeNotFound, doc.docID, rq.History[0], nil, "parent revision not found")
		}
		if !rq.AllowConflict && parent != current {
			return nil, docErrf(CodeConflict, doc.docID, rq.History[0], nil, "parent is not the current revision %v", current.ID)
		}
	} else if current != nil {
		if current.IsDeleted() {
			parent = current
		} else if !rq.AllowConflict {
			return nil, docErrf(CodeConflict, doc.docID, current.ID, nil, "document already exists")
		}
	}

	id, err := doc.db.nextRevID(parent, rq.Flags&RevDeleted != 0, rq.Body)
	if err != nil {
		return nil, withDocID(err, doc.docID)
	}
	if tree.Contains(id) {
		if id.Mode() == TreeMode {
			// same parent, same content
			return nil, nil
		}
		return nil, docErrf(CodeConflict, doc.docID, id, nil, "revision already exists")
	}
	var parentID RevID
	if parent != nil {
		parentID = parent.ID
	}
	rev, err := tree.Insert(id, rq.Body, rq.Flags, parentID, true)
	if err != nil {
		return nil, err
	}
	doc.updateMeta()
	return rev, nil
}

// insertExisting adds a revision received from elsewhere together with any
// missing ancestors. Returns nil if the revision is already known.
func (doc *Document) insertExisting(rq PutRequest) (*Rev, error) {
	tree := doc.tree
	newID := rq.History[0]
	if tree.Contains(newID) {
		return nil, nil
	}
	common, err := tree.checkHistory(rq.History)
	if err != nil {
		return nil, err
	}
	var ancestor *Rev
	if common < len(rq.History) {
		ancestor = tree.Get(rq.History[common])
	}
	current := tree.Current()
	if current != nil && ancestor != current && !rq.AllowConflict && tree.wouldWin(newID, rq.Flags) {
		return nil, docErrf(CodeConflict, doc.docID, newID, nil, "revision would replace current %v from another branch", current.ID)
	}
	_, err = tree.InsertHistory(rq.History, rq.Body, rq.Flags|RevForeign)
	if err != nil {
		return nil, err
	}
	doc.updateMeta()
	return tree.Get(newID), nil
}
