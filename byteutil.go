package revdb

import (
	"encoding/binary"
	"io"
	"math"
	"slices"
)

// bytesBuilder is an io.Writer appending to Buf, so encoders can write into
// a pooled buffer.
type bytesBuilder struct {
	Buf []byte
}

var _ io.Writer = (*bytesBuilder)(nil)

func (bb *bytesBuilder) Write(b []byte) (int, error) {
	bb.Buf = append(bb.Buf, b...)
	return len(b), nil
}

func (bb *bytesBuilder) WriteByte(v byte) error {
	bb.Buf = append(bb.Buf, v)
	return nil
}

func appendUvarint(buf []byte, v uint64) []byte {
	return binary.AppendUvarint(buf, v)
}

func appendVarbytes(buf []byte, v []byte) []byte {
	buf = slices.Grow(buf, binary.MaxVarintLen64+len(v))
	buf = binary.AppendUvarint(buf, uint64(len(v)))
	return append(buf, v...)
}

func appendFixedUint64(buf []byte, v uint64) []byte {
	return binary.BigEndian.AppendUint64(buf, v)
}

// byteDecoder consumes Buf from the front. Errors are *DataError values
// pointing into Orig.
type byteDecoder struct {
	Orig []byte
	Buf  []byte
}

func makeByteDecoder(buf []byte) byteDecoder {
	return byteDecoder{Orig: buf, Buf: buf}
}

func (d *byteDecoder) Off() int {
	return len(d.Orig) - len(d.Buf)
}

func (d *byteDecoder) fail(format string, args ...any) error {
	return dataErrf(d.Orig, d.Off(), nil, format, args...)
}

func (d *byteDecoder) Byte() (byte, error) {
	b, err := d.Raw(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *byteDecoder) Uvarint() (uint64, error) {
	v, n := binary.Uvarint(d.Buf)
	if n <= 0 {
		return 0, d.fail("invalid uvarint")
	}
	d.Buf = d.Buf[n:]
	return v, nil
}

func (d *byteDecoder) FixedUint64() (uint64, error) {
	b, err := d.Raw(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (d *byteDecoder) Raw(n int) ([]byte, error) {
	if n > len(d.Buf) {
		return nil, d.fail("not enough data: %d bytes remaining, %d wanted", len(d.Buf), n)
	}
	v := d.Buf[:n:n]
	d.Buf = d.Buf[n:]
	return v, nil
}

func (d *byteDecoder) VarBytes() ([]byte, error) {
	n, err := d.Uvarint()
	if err != nil {
		return nil, err
	}
	if n > math.MaxInt {
		return nil, d.fail("length does not fit into int: %d", n)
	}
	return d.Raw(int(n))
}
