package revdb

import (
	"encoding/hex"
	"strconv"
	"strings"
)

// RevIDMode selects how a store names revisions. It is fixed when the store
// is created.
type RevIDMode uint8

const (
	// TreeMode names revisions "<gen>-<digest>".
	TreeMode RevIDMode = iota
	// VectorMode names revisions "<counter>@<peer>".
	VectorMode
)

func (m RevIDMode) String() string {
	switch m {
	case TreeMode:
		return "tree"
	case VectorMode:
		return "vector"
	default:
		return "mode" + strconv.Itoa(int(m))
	}
}

func ParseRevIDMode(s string) (RevIDMode, error) {
	switch s {
	case "tree", "":
		return TreeMode, nil
	case "vector":
		return VectorMode, nil
	default:
		return 0, docErrf(CodeInvalidParameter, "", RevID{}, nil, "unknown revision ID mode %q", s)
	}
}

// LocalPeerID stands for this store in vector-mode revision IDs.
const LocalPeerID = "*"

const (
	maxGenDigits = 20
	maxPeerIDLen = 64
	maxSuffixLen = 128
)

// RevID identifies one revision of a document. The zero value means "no revision".
//
// RevIDs are comparable and may be used as map keys.
type RevID struct {
	gen    uint64
	suffix string
	vector bool
}

// TreeRevID builds a tree-mode ID from a generation and a digest.
func TreeRevID(gen uint64, digest []byte) RevID {
	if gen == 0 {
		panic("revdb: generation must be positive")
	}
	return RevID{gen: gen, suffix: hex.EncodeToString(digest)}
}

// VectorRevID builds a vector-mode ID from a counter and a peer ID.
func VectorRevID(counter uint64, peer string) RevID {
	if counter == 0 {
		panic("revdb: counter must be positive")
	}
	if !validPeerID(peer) {
		panic("revdb: invalid peer ID " + strconv.Quote(peer))
	}
	return RevID{gen: counter, suffix: peer, vector: true}
}

func MustParseRevID(s string) RevID {
	return must(ParseRevID(s))
}

// ParseRevID parses either form of revision ID.
func ParseRevID(s string) (RevID, error) {
	if i := strings.IndexByte(s, '@'); i >= 0 {
		gen, ok := parseGen(s[:i])
		peer := s[i+1:]
		if !ok || !validPeerID(peer) {
			return RevID{}, malformedRevID(s)
		}
		return RevID{gen: gen, suffix: peer, vector: true}, nil
	}
	if i := strings.IndexByte(s, '-'); i >= 0 {
		gen, ok := parseGen(s[:i])
		suffix := s[i+1:]
		if !ok || !validDigestSuffix(suffix) {
			return RevID{}, malformedRevID(s)
		}
		return RevID{gen: gen, suffix: suffix}, nil
	}
	return RevID{}, malformedRevID(s)
}

func malformedRevID(s string) error {
	return docErrf(CodeMalformedRevID, "", RevID{}, nil, "%q", s)
}

func parseGen(s string) (uint64, bool) {
	if s == "" || len(s) > maxGenDigits || s[0] == '0' {
		return 0, false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, false
		}
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func validDigestSuffix(s string) bool {
	if s == "" || len(s) > maxSuffixLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isAlnum(s[i]) {
			return false
		}
	}
	return true
}

func validPeerID(s string) bool {
	if s == LocalPeerID {
		return true
	}
	if s == "" || len(s) > maxPeerIDLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !isAlnum(c) && c != '_' && c != '.' && c != '-' {
			return false
		}
	}
	return true
}

func isAlnum(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func (id RevID) IsZero() bool {
	return id.gen == 0
}

func (id RevID) Mode() RevIDMode {
	if id.vector {
		return VectorMode
	}
	return TreeMode
}

// Generation is the tree depth of a tree-mode ID, or the counter of a vector-mode one.
func (id RevID) Generation() uint64 {
	return id.gen
}

// Digest returns the decoded digest of a tree-mode ID. Suffixes that are not
// valid hex are returned as raw text.
func (id RevID) Digest() []byte {
	if id.vector || id.gen == 0 {
		return nil
	}
	if b, err := hex.DecodeString(id.suffix); err == nil {
		return b
	}
	return []byte(id.suffix)
}

// PeerID returns the peer of a vector-mode ID.
func (id RevID) PeerID() string {
	if !id.vector {
		return ""
	}
	return id.suffix
}

func (id RevID) String() string {
	if id.gen == 0 {
		return ""
	}
	var sep byte = '-'
	if id.vector {
		sep = '@'
	}
	buf := make([]byte, 0, maxGenDigits+1+len(id.suffix))
	buf = strconv.AppendUint(buf, id.gen, 10)
	buf = append(buf, sep)
	buf = append(buf, id.suffix...)
	return string(buf)
}

func (id RevID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *RevID) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*id = RevID{}
		return nil
	}
	v, err := ParseRevID(string(text))
	if err != nil {
		return err
	}
	*id = v
	return nil
}

func (id RevID) Equal(other RevID) bool {
	return id == other
}

// Compare orders IDs by generation, then by suffix bytes. Tree-mode IDs sort
// before vector-mode ones of the same generation.
func (id RevID) Compare(other RevID) int {
	return CompareRevIDs(id, other)
}

func CompareRevIDs(a, b RevID) int {
	switch {
	case a.gen < b.gen:
		return -1
	case a.gen > b.gen:
		return 1
	case a.vector != b.vector:
		if a.vector {
			return 1
		}
		return -1
	default:
		return strings.Compare(a.suffix, b.suffix)
	}
}

const (
	revIDBinaryTree   byte = 0
	revIDBinaryVector byte = 1
)

// appendRevID writes the compact binary form used in persisted records.
func appendRevID(buf []byte, id RevID) []byte {
	kind := revIDBinaryTree
	if id.vector {
		kind = revIDBinaryVector
	}
	buf = append(buf, kind)
	buf = appendUvarint(buf, id.gen)
	return appendVarbytes(buf, []byte(id.suffix))
}

func decodeRevID(d *byteDecoder) (RevID, error) {
	kind, err := d.Byte()
	if err != nil {
		return RevID{}, err
	}
	gen, err := d.Uvarint()
	if err != nil {
		return RevID{}, err
	}
	suffix, err := d.VarBytes()
	if err != nil {
		return RevID{}, err
	}
	var id RevID
	switch kind {
	case revIDBinaryTree:
		if gen == 0 || !validDigestSuffix(string(suffix)) {
			return RevID{}, dataErrf(d.Orig, d.Off(), nil, "invalid tree revision ID")
		}
		id = RevID{gen: gen, suffix: string(suffix)}
	case revIDBinaryVector:
		if gen == 0 || !validPeerID(string(suffix)) {
			return RevID{}, dataErrf(d.Orig, d.Off(), nil, "invalid vector revision ID")
		}
		id = RevID{gen: gen, suffix: string(suffix), vector: true}
	default:
		return RevID{}, dataErrf(d.Orig, d.Off(), nil, "unknown revision ID kind %d", kind)
	}
	return id, nil
}

func encodeRevIDBytes(id RevID) []byte {
	return appendRevID(nil, id)
}

func decodeRevIDBytes(data []byte) (RevID, error) {
	d := makeByteDecoder(data)
	id, err := decodeRevID(&d)
	if err != nil {
		return RevID{}, err
	}
	if len(d.Buf) != 0 {
		return RevID{}, dataErrf(data, d.Off(), nil, "trailing bytes after revision ID")
	}
	return id, nil
}
