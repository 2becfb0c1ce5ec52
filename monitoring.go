package revdb

// Stats summarizes a store as seen by one transaction.
type Stats struct {
	Docs         int
	LastSequence uint64

	// Size is the storage size after the last commit, in bytes.
	Size int64

	Readers        int64
	Writers        int64
	PendingWriters int64
	Reads          uint64
	Writes         uint64
}

func (tx *Tx) Stats() (Stats, error) {
	if err := tx.checkReadable(); err != nil {
		return Stats{}, err
	}
	docs, err := tx.DocCount()
	if err != nil {
		return Stats{}, err
	}
	last, err := tx.LastSequence()
	if err != nil {
		return Stats{}, err
	}
	db := tx.db
	return Stats{
		Docs:           docs,
		LastSequence:   last,
		Size:           db.Size(),
		Readers:        db.ReaderCount.Load(),
		Writers:        db.WriterCount.Load(),
		PendingWriters: db.PendingWriterCount.Load(),
		Reads:          db.ReadCount.Load(),
		Writes:         db.WriteCount.Load(),
	}, nil
}

// DocStats describes a single document's revision tree.
type DocStats struct {
	Revs      int
	Leaves    int
	Conflicts int
	Stubs     int
	BodyBytes int
}

func (doc *Document) Stats() DocStats {
	var s DocStats
	for _, r := range doc.tree.All() {
		s.Revs++
		if r.IsLeaf() {
			s.Leaves++
			if !r.IsDeleted() {
				s.Conflicts++
			}
		}
		if r.IsStub() {
			s.Stubs++
		}
		s.BodyBytes += len(r.Body)
	}
	// live leaves beyond the winner
	if s.Conflicts > 0 {
		s.Conflicts--
	}
	return s
}
