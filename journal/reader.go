package journal

import (
	"fmt"
	"os"
	"path/filepath"
)

// Read calls fn for every committed record in dir, oldest first. Only
// FileName, JournalInvariant and Context of o are used. A torn tail of the
// last segment is skipped silently; damage anywhere else yields ErrCorrupted.
// Data slices are only valid during the call.
func Read(dir string, o Options, fn func(Record) error) error {
	o, prefix, suffix := normalize(o)
	j := &Journal{opts: o, fileNamePrefix: prefix, fileNameSuffix: suffix, dir: dir}

	names, err := segmentNames(dir, prefix, suffix)
	if os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return err
	}

	var prevSum uint64
	for i, name := range names {
		if err := o.Context.Err(); err != nil {
			return err
		}
		last := i == len(names)-1

		seg, _, firstRec, err := j.parseName(name)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		var h segmentHeader
		if err := j.decodeHeader(data, &h, seg); err != nil {
			if last && err == ErrCorrupted {
				return nil
			}
			return fmt.Errorf("%s: %w", name, err)
		}
		if i > 0 && h.PrevChecksum != prevSum {
			return fmt.Errorf("%s: %w (does not continue the previous segment)", name, ErrCorrupted)
		}

		scan, err := scanSegment(data, &h, firstRec, fn)
		if err != nil {
			return err
		}
		if scan.torn && !last {
			return fmt.Errorf("%s: %w at offset %d", name, ErrCorrupted, scan.size)
		}
		prevSum = scan.lastSum
	}
	return nil
}
