package revdb

// Compact prunes every stored document to maxDepth (0 means the store
// default) and drops ancestor bodies that are not marked RevKeepBody.
// Rewritten documents get new sequences. Returns how many were rewritten.
func (tx *Tx) Compact(maxDepth int) (int, error) {
	if err := tx.checkWritable(); err != nil {
		return 0, err
	}
	depth, err := tx.db.effectiveDepth(maxDepth)
	if err != nil {
		return 0, err
	}
	docIDs, err := tx.AllDocIDs()
	if err != nil {
		return 0, err
	}

	var n int
	for _, docID := range docIDs {
		doc, err := tx.load(docID)
		if err != nil {
			return n, err
		}
		if !needsCompaction(doc.tree, depth) {
			continue
		}
		tx.touch(doc)
		doc.tree.changed = true
		if err := tx.save(doc, depth); err != nil {
			return n, err
		}
		n++
	}
	if tx.db.verbose {
		tx.db.logf("db: COMPACT depth=%d docs=%d rewritten=%d", depth, len(docIDs), n)
	}
	return n, nil
}

func needsCompaction(tree *RevTree, depth int) bool {
	probe := tree.clone()
	probe.changed = false
	probe.Prune(depth)
	probe.removeNonLeafBodies()
	return probe.changed
}
