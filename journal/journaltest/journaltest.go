package journaltest

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/andreyvit/revdb/journal"
)

var Start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// TestJournal is a journal in a temporary directory with a manual clock.
type TestJournal struct {
	*journal.Journal

	T       testing.TB
	Dir     string
	Options journal.Options

	now time.Time
}

func Writable(t testing.TB, o journal.Options) *TestJournal {
	j := &TestJournal{
		T:   t,
		Dir: t.TempDir(),
		now: Start,
	}
	if o.FileName == "" {
		o.FileName = "j*.wal"
	}
	o.Now = func() time.Time { return j.now }
	o.Logger = slog.New(slog.NewTextHandler(&logWriter{t}, &slog.HandlerOptions{
		AddSource: false,
		Level:     slog.LevelDebug,
	}))
	o.Verbose = true
	j.Options = o
	j.Reopen()
	t.Cleanup(func() {
		if err := j.Close(); err != nil {
			t.Error(err)
		}
	})
	return j
}

// Reopen closes the journal and opens the same directory again.
func (j *TestJournal) Reopen() {
	j.T.Helper()
	if j.Journal != nil {
		ensure(j.Close())
	}
	jj, err := journal.Open(j.Dir, j.Options)
	if err != nil {
		j.T.Fatalf("journal.Open: %v", err)
	}
	j.Journal = jj
}

// Records returns the data of every committed record.
func (j *TestJournal) Records() []string {
	j.T.Helper()
	var result []string
	err := journal.Read(j.Dir, j.Options, func(r journal.Record) error {
		result = append(result, string(r.Data))
		return nil
	})
	if err != nil {
		j.T.Fatalf("journal.Read: %v", err)
	}
	return result
}

func (j *TestJournal) Eq(fileName string, expected ...string) {
	j.T.Helper()
	BytesEq(j.T, j.Data(fileName), Expand(expected...))
}

func (j *TestJournal) Put(fileName string, expected ...string) {
	ensure(os.WriteFile(filepath.Join(j.Dir, fileName), Expand(expected...), 0o644))
}

func (j *TestJournal) Data(fileName string) []byte {
	b, err := os.ReadFile(filepath.Join(j.Dir, fileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		j.T.Fatalf("when reading %v: %v", fileName, err)
	}
	return b
}

func (j *TestJournal) Now() time.Time {
	return j.now
}

func (j *TestJournal) Advance(d time.Duration) {
	j.now = j.now.Add(d)
}

func (j *TestJournal) FileNames() []string {
	var names []string
	for _, env := range must(os.ReadDir(j.Dir)) {
		names = append(names, env.Name())
	}
	slices.Sort(names)
	return names
}

type logWriter struct{ t testing.TB }

func (w *logWriter) Write(buf []byte) (int, error) {
	w.t.Log(strings.TrimSuffix(string(buf), "\n"))
	return len(buf), nil
}

func must[T any](v T, err error) T {
	ensure(err)
	return v
}

func ensure(err error) {
	if err != nil {
		panic(err)
	}
}

// Expand builds bytes from whitespace-separated tokens:
//
//	'text    literal ASCII
//	#123     uvarint
//	0a_f    hex bytes, each underscore-separated group padded to whole bytes
//	x..y     x, zero padding to 4 bytes, y
//	x...y    same, padding to 8 bytes
//	tok*3    repeat
//	tok/note note is ignored
func Expand(tokens ...string) []byte {
	var b []byte
	for _, line := range tokens {
		for _, tok := range strings.Fields(line) {
			tok, _, _ = strings.Cut(tok, "/")
			if tok == "" {
				continue
			}
			tok, countStr, hasCount := strings.Cut(tok, "*")
			count := 1
			if hasCount {
				n, err := strconv.Atoi(countStr)
				if err != nil {
					panic(fmt.Sprintf("invalid repeat count in %q", tok))
				}
				count = n
			}
			chunk := expandPadded(tok)
			for range count {
				b = append(b, chunk...)
			}
		}
	}
	return b
}

func expandPadded(tok string) []byte {
	width := 0
	left, right, ok := strings.Cut(tok, "...")
	if ok {
		width = 8
	} else if left, right, ok = strings.Cut(tok, ".."); ok {
		width = 4
	}
	b := expandAtom(left)
	r := expandAtom(right)
	for len(b)+len(r) < width {
		b = append(b, 0)
	}
	return append(b, r...)
}

func expandAtom(s string) []byte {
	if text, ok := strings.CutPrefix(s, "'"); ok {
		return []byte(text)
	}
	if dec, ok := strings.CutPrefix(s, "#"); ok {
		v, err := strconv.ParseUint(dec, 10, 64)
		if err != nil {
			panic(fmt.Sprintf("invalid uvarint %q", s))
		}
		return binary.AppendUvarint(nil, v)
	}
	var b []byte
	for _, group := range strings.Split(s, "_") {
		if len(group)%2 == 1 {
			group = "0" + group
		}
		v, err := hex.DecodeString(group)
		if err != nil {
			panic(fmt.Sprintf("invalid hex %q: %v", s, err))
		}
		b = append(b, v...)
	}
	return b
}

// BytesEq reports a hex dump of both values around the first mismatch.
func BytesEq(t testing.TB, actual, expected []byte) bool {
	t.Helper()
	if bytes.Equal(actual, expected) {
		return true
	}
	off := 0
	for off < len(actual) && off < len(expected) && actual[off] == expected[off] {
		off++
	}
	t.Errorf("bytes differ at offset 0x%x (%d), got %d bytes, wanted %d\n** got:\n%s** wanted:\n%s",
		off, off, len(actual), len(expected), dumpFrom(actual, off), dumpFrom(expected, off))
	return false
}

func dumpFrom(b []byte, off int) string {
	start := max(0, off-32) &^ 15
	if start >= len(b) {
		return "(end)\n"
	}
	return fmt.Sprintf("at 0x%x:\n%s", start, hex.Dump(b[start:]))
}
