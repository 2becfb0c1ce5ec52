package revdb

import (
	"crypto/sha1"
	"hash"

	"github.com/zeebo/blake3"
)

// Digester derives the digest part of tree-mode revision IDs. The digest
// covers the parent revision ID, the deletion flag and the body, so equal
// edits on equal parents produce equal IDs.
type Digester interface {
	Name() string
	Digest(parent RevID, deleted bool, body []byte) []byte
}

// SHA1Digester produces 20-byte digests. It is the default.
type SHA1Digester struct{}

func (SHA1Digester) Name() string { return "sha1" }

func (SHA1Digester) Digest(parent RevID, deleted bool, body []byte) []byte {
	return digestWith(sha1.New(), parent, deleted, body)
}

// BLAKE3Digester produces 32-byte digests.
type BLAKE3Digester struct{}

func (BLAKE3Digester) Name() string { return "blake3" }

func (BLAKE3Digester) Digest(parent RevID, deleted bool, body []byte) []byte {
	return digestWith(blake3.New(), parent, deleted, body)
}

func digestWith(h hash.Hash, parent RevID, deleted bool, body []byte) []byte {
	p := parent.String()
	var hdr []byte
	hdr = appendUvarint(hdr, uint64(len(p)))
	hdr = append(hdr, p...)
	if deleted {
		hdr = append(hdr, 1)
	} else {
		hdr = append(hdr, 0)
	}
	h.Write(hdr)
	h.Write(body)
	return h.Sum(nil)
}

// DigesterByName resolves "sha1" or "blake3"; the empty name means SHA-1.
func DigesterByName(name string) (Digester, error) {
	switch name {
	case "", "sha1":
		return SHA1Digester{}, nil
	case "blake3":
		return BLAKE3Digester{}, nil
	default:
		return nil, docErrf(CodeInvalidParameter, "", RevID{}, nil, "unknown digest %q", name)
	}
}
