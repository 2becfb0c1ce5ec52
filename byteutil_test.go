package revdb

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestBytesBuilder(t *testing.T) {
	bb := bytesBuilder{Buf: []byte{1}}
	_ = bb.WriteByte(2)
	_, _ = bb.Write([]byte{3, 4})
	if d := cmp.Diff([]byte{1, 2, 3, 4}, bb.Buf); d != "" {
		t.Errorf("Buf mismatch (-wanted +got):\n%s", d)
	}
}

func TestByteDecoder_roundTrip(t *testing.T) {
	buf := appendFixedUint64([]byte{7}, 0x0102030405060708)
	buf = appendUvarint(buf, 300)
	buf = appendVarbytes(buf, []byte("hi"))

	d := makeByteDecoder(buf)
	b, err := d.Byte()
	if err != nil || b != 7 {
		t.Fatalf("Byte = (%d, %v), wanted 7", b, err)
	}
	u64, err := d.FixedUint64()
	if err != nil || u64 != 0x0102030405060708 {
		t.Fatalf("FixedUint64 = (%x, %v)", u64, err)
	}
	uv, err := d.Uvarint()
	if err != nil || uv != 300 {
		t.Fatalf("Uvarint = (%d, %v), wanted 300", uv, err)
	}
	v, err := d.VarBytes()
	if err != nil || string(v) != "hi" {
		t.Fatalf("VarBytes = (%q, %v), wanted hi", v, err)
	}
	if d.Off() != len(buf) || len(d.Buf) != 0 {
		t.Fatalf("Off = %d, remaining %d", d.Off(), len(d.Buf))
	}
}

func TestByteDecoder_errors(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		read    func(d *byteDecoder) error
		wantOff int
	}{
		{"unterminated uvarint", []byte{0x80}, func(d *byteDecoder) error {
			_, err := d.Uvarint()
			return err
		}, 0},
		{"short raw", []byte{1, 2}, func(d *byteDecoder) error {
			_, err := d.Raw(3)
			return err
		}, 0},
		{"byte at end", nil, func(d *byteDecoder) error {
			_, err := d.Byte()
			return err
		}, 0},
		{"short varbytes", []byte{5, 'a', 'b'}, func(d *byteDecoder) error {
			_, err := d.VarBytes()
			return err
		}, 1},
		{"huge varbytes", binary.AppendUvarint(nil, 1<<63+1), func(d *byteDecoder) error {
			_, err := d.VarBytes()
			return err
		}, binary.MaxVarintLen64},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := makeByteDecoder(tt.data)
			var de *DataError
			if err := tt.read(&d); !errors.As(err, &de) {
				t.Fatalf("err = %T %v, wanted *DataError", err, err)
			}
			if de.Off != tt.wantOff {
				t.Errorf("DataError.Off = %d, wanted %d", de.Off, tt.wantOff)
			}
		})
	}
}
