package revdb

// ResolveConflict ends a conflict between two leaves. The losing branch is
// closed and mergedBody is added as a child of the winning leaf, which then
// becomes current unless other conflicting branches still outrank it. The
// document must be saved afterwards.
//
// In TreeMode the losing leaf gets a tombstone child and its branch stays in
// the history. VectorMode differs: the losing branch is purged and leaves the
// history, because a local tombstone would take the same counter as the
// merged revision when both leaves share a generation.
//
// Returns ErrLimitExceeded, leaving the document unchanged, when either leaf
// is at the largest generation.
func (doc *Document) ResolveConflict(txh Txish, winning, losing RevID, mergedBody []byte, mergedFlags RevFlags) error {
	tx := txOf(txh)
	if err := tx.checkWritable(); err != nil {
		return err
	}
	if mergedFlags&^putRevFlags != 0 {
		return docErrf(CodeInvalidParameter, doc.docID, RevID{}, nil, "unsupported revision flags %v", mergedFlags&^putRevFlags)
	}
	db := doc.db
	if db.maxBodySize > 0 && len(mergedBody) > db.maxBodySize {
		return docErrf(CodeLimitExceeded, doc.docID, RevID{}, nil, "body is %d bytes, max is %d", len(mergedBody), db.maxBodySize)
	}

	tree := doc.tree
	win, lose := tree.Get(winning), tree.Get(losing)
	if win == nil {
		return docErrf(CodeNotFound, doc.docID, winning, nil, "winning revision not found")
	}
	if lose == nil {
		return docErrf(CodeNotFound, doc.docID, losing, nil, "losing revision not found")
	}
	if win == lose {
		return docErrf(CodeInvalidParameter, doc.docID, winning, nil, "winning and losing revisions are the same")
	}
	if !win.IsLeaf() {
		return docErrf(CodeInvalidParameter, doc.docID, winning, nil, "winning revision is not a leaf")
	}
	if !lose.IsLeaf() {
		return docErrf(CodeInvalidParameter, doc.docID, losing, nil, "losing revision is not a leaf")
	}

	if mergedBody == nil {
		mergedBody = []byte{}
	}
	merged, err := db.nextRevID(win, mergedFlags&RevDeleted != 0, mergedBody)
	if err != nil {
		return withDocID(err, doc.docID)
	}
	var tomb RevID
	if db.mode == TreeMode && !lose.IsDeleted() {
		if tomb, err = db.nextRevID(lose, true, nil); err != nil {
			return withDocID(err, doc.docID)
		}
	}

	tx.touch(doc)

	if db.mode == VectorMode {
		if _, err := tree.Purge(losing); err != nil {
			return withDocID(err, doc.docID)
		}
	} else if !tomb.IsZero() && !tree.Contains(tomb) {
		tree.insertRev(tomb, []byte{}, RevDeleted, lose)
	}

	tree.insertRev(merged, mergedBody, mergedFlags, win)
	tree.clearResolvedConflict()
	doc.updateMeta()
	doc.SelectRevision(merged)

	if db.verbose {
		db.logf("db: RESOLVE %s %v over %v => %v current=%v", doc.docID, winning, losing, merged, doc.revID)
	}
	return nil
}
