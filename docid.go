package revdb

import (
	"unicode/utf8"

	"github.com/google/uuid"
)

const MaxDocIDLength = 240

// ValidateDocID checks that docID is non-empty valid UTF-8 without bytes
// 0x00-0x1F and no longer than MaxDocIDLength bytes. DEL (0x7F) is allowed.
func ValidateDocID(docID string) error {
	if docID == "" {
		return docErrf(CodeBadDocID, "", RevID{}, nil, "empty document ID")
	}
	if len(docID) > MaxDocIDLength {
		return docErrf(CodeBadDocID, "", RevID{}, nil, "document ID is %d bytes, max is %d", len(docID), MaxDocIDLength)
	}
	if !utf8.ValidString(docID) {
		return docErrf(CodeBadDocID, "", RevID{}, nil, "document ID is not valid UTF-8")
	}
	for _, r := range docID {
		if r < 0x20 {
			return docErrf(CodeBadDocID, "", RevID{}, nil, "document ID contains control character %U", r)
		}
	}
	return nil
}

// NewDocID returns a random document ID.
func NewDocID() string {
	return uuid.NewString()
}
