package revdb

import "strings"

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func ensure(err error) {
	if err != nil {
		panic(err)
	}
}

// inc increments data as a big-endian number in place, returning false on
// overflow. Used to turn a key prefix into an exclusive upper bound.
func inc(data []byte) bool {
	n := len(data)
	for i := n - 1; i >= 0; i-- {
		if data[i] != 0xFF {
			data[i]++
			for j := i + 1; j < n; j++ {
				data[j] = 0
			}
			return true
		}
	}
	return false
}

func rpad(s string, n int, pad rune) string {
	rem := n - len(s)
	if rem <= 0 {
		return s
	}
	return s + strings.Repeat(string(pad), rem)
}
