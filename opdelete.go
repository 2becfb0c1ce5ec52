package revdb

// PurgeRevision removes a revision with its descendants and any ancestors
// left without children. The document must be saved afterwards; saving an
// empty tree removes the document. Returns the number of revisions removed.
func (doc *Document) PurgeRevision(txh Txish, id RevID) (int, error) {
	tx := txOf(txh)
	if err := tx.checkWritable(); err != nil {
		return 0, err
	}
	if !doc.tree.Contains(id) {
		return 0, docErrf(CodeNotFound, doc.docID, id, nil, "revision not found")
	}
	tx.touch(doc)
	n, err := doc.tree.Purge(id)
	if err != nil {
		return 0, withDocID(err, doc.docID)
	}
	doc.updateMeta()
	if doc.selected == nil || !doc.tree.Contains(doc.selected.ID) {
		doc.SelectCurrentRevision()
	}
	if tx.db.verbose {
		tx.db.logf("db: PURGE %s rev=%v removed=%d", doc.docID, id, n)
	}
	return n, nil
}

// PurgeDoc removes a document and its whole history without leaving a
// tombstone.
func (tx *Tx) PurgeDoc(docID string) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	if err := ValidateDocID(docID); err != nil {
		return err
	}
	doc, err := tx.loadRecord(docID)
	if err != nil {
		return err
	}
	tx.remember(docID, doc)
	if doc == nil {
		if tx.db.verbose {
			tx.db.logf("db: PURGE.NOTFOUND %s", docID)
		}
		return docErrf(CodeNotFound, docID, RevID{}, nil, "document not found")
	}
	if err := tx.deleteRecord(docID, doc.sequence); err != nil {
		return tx.fail(err)
	}
	tx.addChange(Change{DocID: docID, Sequence: doc.sequence, Op: OpPurge})
	if tx.db.verbose {
		tx.db.logf("db: PURGE %s seq=%d", docID, doc.sequence)
	}
	return nil
}
