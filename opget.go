package revdb

// Get loads a document. With mustExist unset, a missing document yields an
// empty handle that a later Put or Save can create.
func (tx *Tx) Get(docID string, mustExist bool) (*Document, error) {
	if err := tx.checkReadable(); err != nil {
		return nil, err
	}
	if err := ValidateDocID(docID); err != nil {
		return nil, err
	}
	doc, err := tx.load(docID)
	if err != nil {
		return nil, err
	}
	if !doc.Exists() {
		if tx.db.verbose {
			tx.db.logf("db: GET.NOTFOUND %s", docID)
		}
		if mustExist {
			return nil, docErrf(CodeNotFound, docID, RevID{}, nil, "document not found")
		}
		return doc, nil
	}
	if tx.db.verbose {
		tx.db.logf("db: GET %s => rev=%v seq=%d flags=%v", docID, doc.revID, doc.sequence, doc.flags)
	}
	return doc, nil
}

// load returns the stored document or an empty handle.
func (tx *Tx) load(docID string) (*Document, error) {
	doc, err := tx.loadRecord(docID)
	if err != nil {
		return nil, err
	}
	tx.remember(docID, doc)
	if doc == nil {
		doc = tx.db.newDocument(docID, 0, 0, nil)
	}
	if tx.writable {
		doc.loadedIn = tx
	}
	return doc, nil
}

// GetBySequence loads the document last saved with the given sequence.
func (tx *Tx) GetBySequence(seq uint64) (*Document, error) {
	if err := tx.checkReadable(); err != nil {
		return nil, err
	}
	doc, err := tx.loadRecordBySequence(seq)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		if tx.db.verbose {
			tx.db.logf("db: GET.NOTFOUND #%d", seq)
		}
		return nil, docErrf(CodeNotFound, "", RevID{}, nil, "no document with sequence %d", seq)
	}
	tx.remember(doc.docID, doc)
	if tx.writable {
		doc.loadedIn = tx
	}
	if tx.db.verbose {
		tx.db.logf("db: GET #%d => %s rev=%v", seq, doc.docID, doc.revID)
	}
	return doc, nil
}

// ChangesSince lists documents saved after the given sequence, oldest first,
// each at its latest sequence. limit <= 0 means no limit.
func (tx *Tx) ChangesSince(since uint64, limit int) ([]Change, error) {
	if err := tx.checkReadable(); err != nil {
		return nil, err
	}
	seqs, err := tx.bucket(seqsBucket)
	if err != nil {
		return nil, err
	}
	var docIDs []string
	var seqNums []uint64
	c := seqs.Cursor()
	for k, v := c.Seek(seqKey(since + 1)); k != nil; k, v = c.Next() {
		if limit > 0 && len(docIDs) >= limit {
			break
		}
		seqNums = append(seqNums, decodeSeqKey(k))
		docIDs = append(docIDs, string(v))
	}
	err = c.Err()
	c.Close()
	if err != nil {
		return nil, err
	}

	result := make([]Change, 0, len(docIDs))
	for i, docID := range docIDs {
		doc, err := tx.loadRecord(docID)
		if err != nil {
			return nil, err
		}
		if doc == nil {
			continue
		}
		result = append(result, Change{
			DocID:    docID,
			RevID:    doc.revID,
			Sequence: seqNums[i],
			Flags:    doc.flags,
			Op:       OpPut,
		})
	}
	return result, nil
}

// AllDocIDs lists the IDs of all stored documents in byte order.
func (tx *Tx) AllDocIDs() ([]string, error) {
	if err := tx.checkReadable(); err != nil {
		return nil, err
	}
	docs, err := tx.bucket(docsBucket)
	if err != nil {
		return nil, err
	}
	var result []string
	c := docs.Cursor()
	defer c.Close()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		result = append(result, string(k))
	}
	return result, c.Err()
}

func (tx *Tx) DocCount() (int, error) {
	docs, err := tx.bucket(docsBucket)
	if err != nil {
		return 0, err
	}
	return docs.KeyCount(), nil
}

func (db *DB) Get(docID string, mustExist bool) (*Document, error) {
	var doc *Document
	err := db.ReadErr(func(tx *Tx) error {
		var err error
		doc, err = tx.Get(docID, mustExist)
		return err
	})
	return doc, err
}
