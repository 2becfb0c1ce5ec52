package revdb

import (
	"testing"
)

func TestRpad(t *testing.T) {
	if got := rpad("abc", 5, '.'); got != "abc.." {
		t.Fatalf("rpad = %q, wanted %q", got, "abc..")
	}
	if got := rpad("abc", 1, '.'); got != "abc" {
		t.Fatalf("rpad = %q, wanted %q", got, "abc")
	}
}

func TestInc(t *testing.T) {
	b := []byte{0x00, 0x00}
	if !inc(b) || b[0] != 0x00 || b[1] != 0x01 {
		t.Fatalf("inc = %x, wanted 0001", b)
	}
	b = []byte{0x01, 0xFF}
	if !inc(b) || b[0] != 0x02 || b[1] != 0x00 {
		t.Fatalf("inc = %x, wanted 0200", b)
	}
	if inc([]byte{0xFF}) {
		t.Fatalf("inc(FF) = true, wanted false")
	}
}

func TestMustEnsure(t *testing.T) {
	if got := must(42, nil); got != 42 {
		t.Fatalf("must = %d, wanted 42", got)
	}
	defer func() {
		if recover() == nil {
			t.Fatalf("ensure did not panic")
		}
	}()
	ensure(ErrNotFound)
}
