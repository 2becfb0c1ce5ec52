// Package journal implements append-only journal files split into segments.
//
// Records are appended in batches. A batch becomes durable and visible to
// readers once Commit appends its checksum trailer; a crash in the middle of
// a batch loses only that batch, and reopening the journal for writing cuts
// the torn tail off.
//
// Segments rotate once they grow past MaxFileSize. Segment files are named
// <prefix><ordinal>-<timestamp>-<first record ID><suffix>, so that sorting
// names sorts segments.
//
// # File format
//
//   - segment = header batch*
//   - header = magic:64 version:8 pad:8 flags:16 pad:32 ordinal:32 timestamp:32 prevChecksum:64 journalInvariant:256 segmentInvariant:256 reserved:64*3 checksum:64
//   - batch = record+ trailer
//   - record = (size<<1):uvarint timestampDelta:uvarint bytes*
//   - trailer = xxhash64 of all preceding segment bytes with the lowest bit set, little endian
//
// The lowest bit of the first byte tells a trailer from a record header.
// prevChecksum is the last trailer of the previous segment, or zero.
package journal

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

var (
	ErrIncompatible       = errors.New("incompatible journal")
	ErrUnsupportedVersion = errors.New("unsupported journal version")
	ErrCorrupted          = errors.New("corrupted journal segment")
	ErrClosed             = errors.New("journal is closed")
)

type Options struct {
	Context     context.Context
	FileName    string // e.g. "changes-*.wal"
	MaxFileSize int64  // new segment after this size
	DebugName   string
	Now         func() time.Time

	// JournalInvariant must match for all segments of a journal.
	JournalInvariant [32]byte
	SegmentInvariant [32]byte

	// Sync makes Commit wait for the data to reach the disk.
	Sync bool

	Logger  *slog.Logger
	Verbose bool
}

const DefaultMaxFileSize = 4 * 1024 * 1024

const (
	magic          = 0x54414c4e52554f4a // "JOURNLAT" as little-endian uint64
	version0 uint8 = 0
)

const segmentHeaderSize = 16 * 8

type segmentHeader struct {
	Magic            uint64
	Version          uint8
	_                uint8
	Flags            uint16
	_                uint32
	SegmentOrdinal   uint32
	Timestamp        uint32
	PrevChecksum     uint64
	JournalInvariant [32]byte
	SegmentInvariant [32]byte
	_                [3]uint64
	Checksum         uint64
}

const (
	recordFlagCommit byte = 1
	recordFlagShift       = 1
	timestampFmt          = "20060102T150405"
)

const maxRecHeaderLen = binary.MaxVarintLen64 + binary.MaxVarintLen32

// Record is one committed journal entry.
type Record struct {
	// ID numbers records across segments, starting at 1.
	ID        uint64
	Segment   uint32
	Timestamp uint32
	Data      []byte
}

func (r Record) Time() time.Time {
	return time.Unix(int64(r.Timestamp), 0).UTC()
}

// Journal appends records to the newest segment of a directory. It is safe
// for concurrent use; records of concurrent batches interleave.
type Journal struct {
	opts           Options
	fileNamePrefix string
	fileNameSuffix string
	dir            string

	writeLock sync.Mutex
	writeErr  error
	closed    bool
	writeSeg  uint32
	writeRec  uint64
	lastSum   uint64
	segWriter *segmentWriter
}

func normalize(o Options) (Options, string, string) {
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Context == nil {
		o.Context = context.Background()
	}
	if o.FileName == "" {
		o.FileName = "*"
	}
	if o.DebugName == "" {
		o.DebugName = "journal"
	}
	if o.MaxFileSize == 0 {
		o.MaxFileSize = DefaultMaxFileSize
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	prefix, suffix, _ := strings.Cut(o.FileName, "*")
	return o, prefix, suffix
}

// Open prepares dir for appending, creating it if needed. A torn tail of the
// last segment is truncated; a last segment with a corrupted header is
// deleted.
func Open(dir string, o Options) (*Journal, error) {
	o, prefix, suffix := normalize(o)
	j := &Journal{
		opts:           o,
		fileNamePrefix: prefix,
		fileNameSuffix: suffix,
		dir:            dir,
	}
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return nil, err
	}
	if err := j.prepareToWrite(); err != nil {
		return nil, fmt.Errorf("%v: %w", j, err)
	}
	return j, nil
}

func (j *Journal) String() string {
	return j.opts.DebugName
}

func (j *Journal) now() uint32 {
	v := j.opts.Now().Unix()
	if v < 0 {
		panic("time travel disallowed")
	}
	u := uint64(v)
	if u&0xFFFF_FFFF_0000_0000 != 0 {
		panic("time travel disallowed both ways")
	}
	return uint32(u)
}

func (j *Journal) prepareToWrite() error {
	for {
		names, err := segmentNames(j.dir, j.fileNamePrefix, j.fileNameSuffix)
		if err != nil {
			return err
		}
		if len(names) == 0 {
			return nil
		}
		lastName := names[len(names)-1]
		seg, _, firstRec, err := j.parseName(lastName)
		if err != nil {
			return err
		}

		f, err := j.openFile(lastName, true)
		if err != nil {
			return err
		}
		data, err := readAll(f)
		if err != nil {
			f.Close()
			return err
		}

		var h segmentHeader
		err = j.decodeHeader(data, &h, seg)
		if errors.Is(err, ErrCorrupted) {
			f.Close()
			j.opts.Logger.LogAttrs(j.opts.Context, slog.LevelWarn, "journal: deleting corrupted file", slog.String("jrnl", j.opts.DebugName), slog.String("file", lastName), slog.Int("size", len(data)))
			if err := os.Remove(filepath.Join(j.dir, lastName)); err != nil {
				return fmt.Errorf("failed to delete corrupted file: %w", err)
			}
			continue
		} else if err != nil {
			f.Close()
			return err
		}

		scan, err := scanSegment(data, &h, firstRec, nil)
		if err != nil {
			f.Close()
			return err
		}
		if scan.torn {
			j.opts.Logger.LogAttrs(j.opts.Context, slog.LevelWarn, "journal: truncating torn tail", slog.String("jrnl", j.opts.DebugName), slog.String("file", lastName), slog.Int64("size", int64(len(data))), slog.Int64("committed", scan.size))
			if err := f.Truncate(scan.size); err != nil {
				f.Close()
				return err
			}
		}

		j.writeSeg = seg
		j.writeRec = firstRec + uint64(scan.records) - 1
		j.lastSum = scan.lastSum
		if scan.size >= j.opts.MaxFileSize {
			return f.Close()
		}
		if _, err := f.Seek(scan.size, 0); err != nil {
			f.Close()
			return err
		}
		j.segWriter = &segmentWriter{
			f:    f,
			w:    bufio.NewWriter(f),
			seg:  seg,
			ts:   scan.ts,
			size: scan.size,
			hash: scan.hash,
		}
		if j.opts.Verbose {
			j.opts.Logger.LogAttrs(j.opts.Context, slog.LevelDebug, "journal: resuming", slog.String("jrnl", j.opts.DebugName), slog.String("file", lastName), slog.Int("records", scan.records))
		}
		return nil
	}
}

func (j *Journal) fail(err error) error {
	if err == nil {
		return nil
	}
	j.opts.Logger.LogAttrs(j.opts.Context, slog.LevelError, "journal: failed", slog.String("jrnl", j.opts.DebugName), slog.Any("err", err))
	j.closeSegment()
	if j.writeErr == nil {
		j.writeErr = err
	}
	return err
}

func (j *Journal) closeSegment() {
	if j.segWriter != nil {
		j.segWriter.close()
		j.segWriter = nil
	}
}

func (j *Journal) openFile(name string, writable bool) (*os.File, error) {
	fn := filepath.Join(j.dir, name)
	if writable {
		return os.OpenFile(fn, os.O_RDWR|os.O_CREATE, 0o666)
	} else {
		return os.Open(fn)
	}
}

// WriteRecord appends a record to the current batch. timestamp 0 means now.
// Empty records are skipped.
func (j *Journal) WriteRecord(timestamp uint32, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	j.writeLock.Lock()
	defer j.writeLock.Unlock()

	if j.closed {
		return ErrClosed
	}
	if j.writeErr != nil {
		return j.writeErr
	}
	if timestamp == 0 {
		timestamp = j.now()
	}

	j.writeRec++
	if j.segWriter == nil {
		j.writeSeg++
		sw, err := j.startSegment(j.writeSeg, timestamp, j.writeRec)
		if err != nil {
			return j.fail(err)
		}
		j.segWriter = sw
	}
	return j.fail(j.segWriter.writeRecord(timestamp, data))
}

// Commit ends the current batch. The segment rotates afterwards if it grew
// past MaxFileSize.
func (j *Journal) Commit() error {
	j.writeLock.Lock()
	defer j.writeLock.Unlock()

	if j.writeErr != nil {
		return j.writeErr
	}
	sw := j.segWriter
	if sw == nil {
		return nil
	}
	sum, err := sw.commit(j.opts.Sync)
	if err != nil {
		return j.fail(err)
	}
	if sum != 0 {
		j.lastSum = sum
	}
	if sw.size >= j.opts.MaxFileSize {
		j.closeSegment()
	}
	return nil
}

// Rotate closes the current segment; the next record starts a new one.
// Uncommitted records of the current batch are committed first.
func (j *Journal) Rotate() error {
	if err := j.Commit(); err != nil {
		return err
	}
	j.writeLock.Lock()
	defer j.writeLock.Unlock()
	j.closeSegment()
	return nil
}

// Close commits pending records and closes the journal.
func (j *Journal) Close() error {
	err := j.Commit()
	j.writeLock.Lock()
	defer j.writeLock.Unlock()
	j.closeSegment()
	j.closed = true
	return err
}

func (j *Journal) decodeHeader(data []byte, h *segmentHeader, expectedSeg uint32) error {
	if len(data) < segmentHeaderSize {
		return ErrCorrupted
	}
	n, err := binary.Decode(data[:segmentHeaderSize], binary.LittleEndian, h)
	if err != nil {
		panic(err)
	}
	if n != segmentHeaderSize {
		panic("internal size mismatch")
	}

	if h.Magic != magic {
		return ErrCorrupted
	}
	if xxhash.Sum64(data[:segmentHeaderSize-8]) != h.Checksum {
		return ErrCorrupted
	}
	if expectedSeg != h.SegmentOrdinal {
		return ErrCorrupted
	}
	if h.Version > version0 {
		return ErrUnsupportedVersion
	}
	if h.JournalInvariant != j.opts.JournalInvariant {
		return ErrIncompatible
	}
	return nil
}

type segmentWriter struct {
	f           *os.File
	w           *bufio.Writer
	seg         uint32
	ts          uint32
	size        int64
	hash        xxhash.Digest
	uncommitted bool
}

func (j *Journal) startSegment(seg, ts uint32, rec uint64) (*segmentWriter, error) {
	name := formatSegmentName(j.fileNamePrefix, j.fileNameSuffix, seg, ts, rec)

	f, err := j.openFile(name, true)
	if err != nil {
		return nil, err
	}

	var ok bool
	defer closeAndDeleteUnlessOK(f, &ok)

	sw := &segmentWriter{
		f:    f,
		w:    bufio.NewWriter(f),
		seg:  seg,
		ts:   ts,
		size: segmentHeaderSize,
	}
	sw.hash.Reset()

	var hbuf [segmentHeaderSize]byte
	fillSegmentHeader(hbuf[:], j, seg, ts)
	sw.hash.Write(hbuf[:])

	if _, err := sw.w.Write(hbuf[:]); err != nil {
		return nil, err
	}

	if j.opts.Verbose {
		j.opts.Logger.LogAttrs(j.opts.Context, slog.LevelDebug, "journal: new segment", slog.String("jrnl", j.opts.DebugName), slog.String("file", name))
	}
	ok = true
	return sw, nil
}

func (sw *segmentWriter) writeRecord(ts uint32, data []byte) error {
	var tsDelta uint32
	if ts > sw.ts {
		tsDelta = ts - sw.ts
		sw.ts = ts
	}
	sw.uncommitted = true

	var hbuf [maxRecHeaderLen]byte
	h := appendRecordHeader(hbuf[:0], len(data), tsDelta)

	sw.hash.Write(h)
	sw.hash.Write(data)
	if _, err := sw.w.Write(h); err != nil {
		return err
	}
	if _, err := sw.w.Write(data); err != nil {
		return err
	}
	sw.size += int64(len(h) + len(data))
	return nil
}

func (sw *segmentWriter) commit(durable bool) (uint64, error) {
	if !sw.uncommitted {
		return 0, nil
	}
	sw.uncommitted = false

	sum := sw.hash.Sum64() | uint64(recordFlagCommit)
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], sum)

	sw.hash.Write(buf[:])
	if _, err := sw.w.Write(buf[:]); err != nil {
		return 0, err
	}
	sw.size += 8
	if err := sw.w.Flush(); err != nil {
		return 0, err
	}
	if durable {
		if err := fdatasync(sw.f); err != nil {
			return 0, err
		}
	}
	return sum, nil
}

func (sw *segmentWriter) close() {
	if sw.f == nil {
		return
	}
	sw.w.Flush()
	sw.f.Close()
	sw.f = nil
}

func closeAndDeleteUnlessOK(f *os.File, ok *bool) {
	if *ok {
		return
	}
	f.Close()
	os.Remove(f.Name())
}

func fillSegmentHeader(buf []byte, j *Journal, seg, ts uint32) {
	h := segmentHeader{
		Magic:            magic,
		Version:          version0,
		SegmentOrdinal:   seg,
		Timestamp:        ts,
		PrevChecksum:     j.lastSum,
		JournalInvariant: j.opts.JournalInvariant,
		SegmentInvariant: j.opts.SegmentInvariant,
	}

	n, err := binary.Encode(buf[:], binary.LittleEndian, h)
	if err != nil {
		panic(err)
	}
	if n != len(buf) {
		panic("internal size mismatch")
	}
	binary.LittleEndian.PutUint64(buf[segmentHeaderSize-8:], xxhash.Sum64(buf[:segmentHeaderSize-8]))
}

func appendRecordHeader(b []byte, size int, tsDelta uint32) []byte {
	b = binary.AppendUvarint(b, uint64(size)<<recordFlagShift)
	b = binary.AppendUvarint(b, uint64(tsDelta))
	return b
}

// segmentScan is what scanSegment learned about the committed part of a
// segment.
type segmentScan struct {
	size    int64         // bytes up to and including the last trailer
	hash    xxhash.Digest // state after the last trailer
	lastSum uint64        // last trailer, or the header's prevChecksum
	ts      uint32        // timestamp of the last committed record
	records int
	torn    bool // bytes follow the last trailer
}

// scanSegment walks the batches of a segment whose header was validated.
// emit, if set, receives the records of every committed batch.
func scanSegment(data []byte, h *segmentHeader, firstRec uint64, emit func(Record) error) (segmentScan, error) {
	s := segmentScan{
		size:    segmentHeaderSize,
		lastSum: h.PrevChecksum,
		ts:      h.Timestamp,
	}
	s.hash.Reset()
	s.hash.Write(data[:segmentHeaderSize])

	hash := s.hash
	ts := s.ts
	var pending []Record
	off := segmentHeaderSize
	for off < len(data) {
		if data[off]&recordFlagCommit != 0 {
			if len(data)-off < 8 || len(pending) == 0 {
				break
			}
			sum := hash.Sum64() | uint64(recordFlagCommit)
			if binary.LittleEndian.Uint64(data[off:]) != sum {
				break
			}
			hash.Write(data[off : off+8])
			off += 8
			for i := range pending {
				pending[i].ID = firstRec + uint64(s.records+i)
				if emit != nil {
					if err := emit(pending[i]); err != nil {
						return s, err
					}
				}
			}
			s.records += len(pending)
			pending = pending[:0]
			s.size, s.hash, s.lastSum, s.ts = int64(off), hash, sum, ts
			continue
		}

		sizeAndFlags, n1 := binary.Uvarint(data[off:])
		if n1 <= 0 {
			break
		}
		delta, n2 := binary.Uvarint(data[off+n1:])
		if n2 <= 0 || delta > math.MaxUint32 {
			break
		}
		start := off + n1 + n2
		size := sizeAndFlags >> recordFlagShift
		if size == 0 || size > uint64(len(data)-start) {
			break
		}
		end := start + int(size)
		hash.Write(data[off:end])
		ts += uint32(delta)
		pending = append(pending, Record{Segment: h.SegmentOrdinal, Timestamp: ts, Data: data[start:end]})
		off = end
	}
	s.torn = s.size < int64(len(data))
	return s, nil
}

func readAll(f *os.File) ([]byte, error) {
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	data := make([]byte, st.Size())
	if _, err := f.ReadAt(data, 0); err != nil {
		return nil, err
	}
	return data, nil
}

func segmentNames(dir, prefix, suffix string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, ent := range ents {
		if !ent.Type().IsRegular() {
			continue
		}
		name := ent.Name()
		if strings.HasPrefix(name, prefix) && strings.HasSuffix(name, suffix) {
			names = append(names, name)
		}
	}
	// os.ReadDir sorts by name
	return names, nil
}

func (j *Journal) parseName(name string) (seg, ts uint32, id uint64, err error) {
	inner := strings.TrimSuffix(strings.TrimPrefix(name, j.fileNamePrefix), j.fileNameSuffix)
	return parseSegmentName(inner)
}

func formatSegmentName(prefix, suffix string, seq, ts uint32, id uint64) string {
	t := time.Unix(int64(uint64(ts)), 0).UTC()
	return fmt.Sprintf("%s%012d-%s-%016x%s", prefix, seq, t.Format(timestampFmt), id, suffix)
}

func parseSegmentName(name string) (seq, ts uint32, id uint64, err error) {
	seqStr, rem, ok := strings.Cut(name, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid segment file name %q", name)
	}
	v, err := strconv.ParseUint(seqStr, 10, 32)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid segment file name %q (invalid segment number)", name)
	}
	seq = uint32(v)

	tsStr, idStr, ok := strings.Cut(rem, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid segment file name %q", name)
	}
	t, err := time.ParseInLocation(timestampFmt, tsStr, time.UTC)
	if err != nil {
		return seq, 0, 0, fmt.Errorf("invalid segment file name %q (invalid timestamp)", name)
	}
	ts = uint32(t.Unix())

	id, err = strconv.ParseUint(idStr, 16, 64)
	if err != nil {
		return seq, 0, 0, fmt.Errorf("invalid segment file name %q (invalid record identifier)", name)
	}
	return
}
