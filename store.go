package revdb

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

const (
	docsBucket = "docs"
	seqsBucket = "seqs"
	metaBucket = "meta"
)

var (
	metaLastSeqKey = []byte("lastSeq")
	metaModeKey    = []byte("mode")
	metaPeerKey    = []byte("peer")
)

// Record layout: [version][flags][xxhash64 of payload, big endian][payload].
const (
	recordVersion     byte = 1
	recordCompressed  byte = 0x01
	recordHeaderLen        = 10
	compressThreshold      = 512

	// set in persisted rev flags when the body is present, even if empty
	revHasBody RevFlags = 0x80
)

type docRecord struct {
	Flags DocFlags    `msgpack:"f"`
	Seq   uint64      `msgpack:"q"`
	Revs  []revRecord `msgpack:"r"`
}

type revRecord struct {
	ID     []byte   `msgpack:"i"`
	Parent int      `msgpack:"p"`
	Flags  RevFlags `msgpack:"l"`
	Seq    uint64   `msgpack:"s,omitempty"`
	Body   []byte   `msgpack:"b,omitempty"`
}

func seqKey(seq uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], seq)
	return k[:]
}

func decodeSeqKey(k []byte) uint64 {
	if len(k) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(k)
}

func encodeRecord(flags DocFlags, seq uint64, tree *RevTree, compress bool) []byte {
	revs := tree.All()
	index := make(map[RevID]int, len(revs))
	for i, r := range revs {
		index[r.ID] = i
	}
	rec := docRecord{Flags: flags, Seq: seq, Revs: make([]revRecord, len(revs))}
	for i, r := range revs {
		rr := revRecord{
			ID:     encodeRevIDBytes(r.ID),
			Parent: -1,
			Flags:  r.Flags & persistentRevFlags,
			Seq:    r.Sequence,
			Body:   r.Body,
		}
		if p, ok := index[r.Parent]; ok && !r.Parent.IsZero() {
			rr.Parent = p
		}
		if r.Body != nil {
			rr.Flags |= revHasBody
		}
		rec.Revs[i] = rr
	}

	raw := encodeMsgpack(recordBytesPool.Get().([]byte), &rec)
	defer releaseRecordBytes(raw)
	payload := raw
	var hflags byte
	if compress && len(payload) >= compressThreshold {
		if c := compressZstd(nil, payload); len(c) < len(payload) {
			payload = c
			hflags |= recordCompressed
		}
	}

	buf := make([]byte, 0, recordHeaderLen+len(payload))
	buf = append(buf, recordVersion, hflags)
	buf = appendFixedUint64(buf, xxhash.Sum64(payload))
	return append(buf, payload...)
}

func decodeRecord(data []byte) (DocFlags, uint64, *RevTree, error) {
	d := makeByteDecoder(data)
	ver, err := d.Byte()
	if err != nil {
		return 0, 0, nil, err
	}
	if ver != recordVersion {
		return 0, 0, nil, dataErrf(data, 0, nil, "unsupported record version %d", ver)
	}
	hflags, err := d.Byte()
	if err != nil {
		return 0, 0, nil, err
	}
	sum, err := d.FixedUint64()
	if err != nil {
		return 0, 0, nil, err
	}
	payload := d.Buf
	if xxhash.Sum64(payload) != sum {
		return 0, 0, nil, dataErrf(data, d.Off(), nil, "record checksum mismatch")
	}
	if hflags&recordCompressed != 0 {
		payload, err = decompressZstd(payload)
		if err != nil {
			return 0, 0, nil, err
		}
	}

	var rec docRecord
	err = decodeMsgpack(payload, &rec)
	if err != nil {
		return 0, 0, nil, err
	}

	tree := NewRevTree()
	ids := make([]RevID, len(rec.Revs))
	for i, rr := range rec.Revs {
		id, err := decodeRevIDBytes(rr.ID)
		if err != nil {
			return 0, 0, nil, err
		}
		if _, dup := tree.revs[id]; dup {
			return 0, 0, nil, dataErrf(data, 0, nil, "duplicate revision %v", id)
		}
		ids[i] = id
		tree.revs[id] = nil
	}
	for i, rr := range rec.Revs {
		r := &Rev{ID: ids[i], Flags: rr.Flags & persistentRevFlags, Sequence: rr.Seq}
		if rr.Flags&revHasBody != 0 {
			r.Body = rr.Body
			if r.Body == nil {
				r.Body = []byte{}
			}
		}
		if rr.Parent >= 0 {
			if rr.Parent >= len(ids) {
				return 0, 0, nil, dataErrf(data, 0, nil, "revision %v has parent index %d out of range", r.ID, rr.Parent)
			}
			// parents are strictly older, which rules out cycles
			if ids[rr.Parent].Generation() >= r.ID.Generation() {
				return 0, 0, nil, dataErrf(data, 0, nil, "revision %v has parent %v of a later generation", r.ID, ids[rr.Parent])
			}
			r.Parent = ids[rr.Parent]
		}
		tree.revs[r.ID] = r
		tree.order = append(tree.order, r)
	}
	tree.sorted = false
	return rec.Flags, rec.Seq, tree, nil
}

func (tx *Tx) bucket(name string) (storageBucket, error) {
	b := tx.stx.Bucket(name)
	if b == nil {
		return nil, fmt.Errorf("revdb: missing bucket %q", name)
	}
	return b, nil
}

// loadRecord returns the stored document, or nil if there is none.
func (tx *Tx) loadRecord(docID string) (*Document, error) {
	docs, err := tx.bucket(docsBucket)
	if err != nil {
		return nil, err
	}
	data, err := docs.Get([]byte(docID))
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	flags, seq, tree, err := decodeRecord(data)
	if err != nil {
		return nil, fmt.Errorf("revdb: document %q: %w", docID, err)
	}
	return tx.db.newDocument(docID, flags, seq, tree), nil
}

func (tx *Tx) loadRecordBySequence(seq uint64) (*Document, error) {
	seqs, err := tx.bucket(seqsBucket)
	if err != nil {
		return nil, err
	}
	docID, err := seqs.Get(seqKey(seq))
	if err != nil || docID == nil {
		return nil, err
	}
	return tx.loadRecord(string(docID))
}

func (tx *Tx) storedSequence(docID string) (uint64, error) {
	doc, err := tx.loadRecord(docID)
	if err != nil || doc == nil {
		return 0, err
	}
	return doc.sequence, nil
}

func (tx *Tx) LastSequence() (uint64, error) {
	meta, err := tx.bucket(metaBucket)
	if err != nil {
		return 0, err
	}
	v, err := meta.Get(metaLastSeqKey)
	if err != nil || v == nil {
		return 0, err
	}
	if len(v) != 8 {
		return 0, dataErrf(v, 0, nil, "invalid last sequence")
	}
	return binary.BigEndian.Uint64(v), nil
}

func (tx *Tx) nextSequence() (uint64, error) {
	last, err := tx.LastSequence()
	if err != nil {
		return 0, err
	}
	meta, err := tx.bucket(metaBucket)
	if err != nil {
		return 0, err
	}
	seq := last + 1
	err = meta.Put(metaLastSeqKey, seqKey(seq))
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// persistRecord writes the tree under a fresh sequence and moves the
// sequence index entry. Returns the new sequence.
func (tx *Tx) persistRecord(docID string, oldSeq uint64, flags DocFlags, tree *RevTree) (uint64, error) {
	docs, err := tx.bucket(docsBucket)
	if err != nil {
		return 0, err
	}
	seqs, err := tx.bucket(seqsBucket)
	if err != nil {
		return 0, err
	}
	seq, err := tx.nextSequence()
	if err != nil {
		return 0, err
	}
	for _, r := range tree.order {
		if r.IsNew() {
			r.Sequence = seq
			r.clearFlag(RevNew)
		}
	}
	data := encodeRecord(flags, seq, tree, tx.db.compress)
	if err := docs.Put([]byte(docID), data); err != nil {
		return 0, err
	}
	if oldSeq != 0 {
		if err := seqs.Delete(seqKey(oldSeq)); err != nil {
			return 0, err
		}
	}
	if err := seqs.Put(seqKey(seq), []byte(docID)); err != nil {
		return 0, err
	}
	return seq, nil
}

func (tx *Tx) deleteRecord(docID string, seq uint64) error {
	docs, err := tx.bucket(docsBucket)
	if err != nil {
		return err
	}
	seqs, err := tx.bucket(seqsBucket)
	if err != nil {
		return err
	}
	if err := docs.Delete([]byte(docID)); err != nil {
		return err
	}
	if seq != 0 {
		return seqs.Delete(seqKey(seq))
	}
	return nil
}
