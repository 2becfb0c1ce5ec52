package revdb

// Save writes the document's revision tree, pruned to maxDepth (0 means the
// store default). Saving an unchanged document does nothing. Fails with
// ErrConflict if another handle saved the document since this one was
// loaded. On failure the handle keeps its unsaved state.
func (doc *Document) Save(txh Txish, maxDepth int) error {
	tx := txOf(txh)
	if err := tx.checkWritable(); err != nil {
		return err
	}
	tx.touch(doc)
	return tx.save(doc, maxDepth)
}

func (tx *Tx) save(doc *Document, maxDepth int) error {
	if !doc.tree.changed {
		return nil
	}
	depth, err := tx.db.effectiveDepth(maxDepth)
	if err != nil {
		return withDocID(err, doc.docID)
	}

	storedSeq, err := tx.storedSequence(doc.docID)
	if err != nil {
		return tx.fail(err)
	}
	if storedSeq != doc.sequence {
		if tx.db.verbose {
			tx.db.logf("db: SAVE.CONFLICT %s: loaded #%d, stored #%d", doc.docID, doc.sequence, storedSeq)
		}
		return docErrf(CodeConflict, doc.docID, doc.savedRevID, nil, "document was saved by another handle")
	}

	// work on a copy so a failure leaves the handle as it was
	staged := doc.tree.clone()
	pruned := staged.Prune(depth)
	staged.removeNonLeafBodies()
	if staged.Len() > MaxRevTreeDepthLimit {
		return docErrf(CodeLimitExceeded, doc.docID, RevID{}, nil, "%d revisions after pruning, max is %d", staged.Len(), MaxRevTreeDepthLimit)
	}

	if staged.Len() == 0 {
		if doc.sequence != 0 {
			if err := tx.deleteRecord(doc.docID, doc.sequence); err != nil {
				return tx.fail(err)
			}
			tx.addChange(Change{DocID: doc.docID, Sequence: doc.sequence, Op: OpPurge})
		}
		staged.changed = false
		doc.tree = staged
		doc.sequence = 0
		doc.updateMeta()
		doc.savedRevID = RevID{}
		doc.selected = nil
		if tx.db.verbose {
			tx.db.logf("db: SAVE %s => purged", doc.docID)
		}
		return nil
	}

	flags, _ := treeDocFlags(staged)
	seq, err := tx.persistRecord(doc.docID, doc.sequence, flags, staged)
	if err != nil {
		return tx.fail(err)
	}

	staged.changed = false
	var selectedID RevID
	if doc.selected != nil {
		selectedID = doc.selected.ID
	}
	doc.tree = staged
	doc.sequence = seq
	doc.updateMeta()
	doc.savedRevID = doc.revID
	if !doc.SelectRevision(selectedID) {
		doc.SelectCurrentRevision()
	}
	tx.addChange(Change{DocID: doc.docID, RevID: doc.revID, Sequence: seq, Flags: doc.flags, Op: OpPut})

	if tx.db.verbose {
		tx.db.logf("db: SAVE %s rev=%v seq=%d revs=%d pruned=%d", doc.docID, doc.revID, seq, staged.Len(), pruned)
	}
	return nil
}
