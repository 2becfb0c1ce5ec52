package revdb

import (
	"fmt"
	"strings"
)

type ErrorCode int

const (
	CodeBadDocID ErrorCode = iota + 1
	CodeNotFound
	CodeConflict
	CodeMalformedRevID
	CodeInvalidParameter
	CodeLimitExceeded
	CodeNotInTransaction
)

func (c ErrorCode) String() string {
	switch c {
	case CodeBadDocID:
		return "bad document ID"
	case CodeNotFound:
		return "not found"
	case CodeConflict:
		return "conflict"
	case CodeMalformedRevID:
		return "malformed revision ID"
	case CodeInvalidParameter:
		return "invalid parameter"
	case CodeLimitExceeded:
		return "limit exceeded"
	case CodeNotInTransaction:
		return "not in transaction"
	default:
		return fmt.Sprintf("error %d", int(c))
	}
}

// Sentinels for errors.Is. Any *Error matches the sentinel with the same Code.
var (
	ErrBadDocID         = &Error{Code: CodeBadDocID}
	ErrNotFound         = &Error{Code: CodeNotFound}
	ErrConflict         = &Error{Code: CodeConflict}
	ErrMalformedRevID   = &Error{Code: CodeMalformedRevID}
	ErrInvalidParameter = &Error{Code: CodeInvalidParameter}
	ErrLimitExceeded    = &Error{Code: CodeLimitExceeded}
	ErrNotInTransaction = &Error{Code: CodeNotInTransaction}
)

// Error is returned by all document and revision operations.
type Error struct {
	Code  ErrorCode
	DocID string
	RevID RevID
	Msg   string
	Err   error
}

func docErrf(code ErrorCode, docID string, revID RevID, err error, format string, args ...any) error {
	return &Error{Code: code, DocID: docID, RevID: revID, Msg: fmt.Sprintf(format, args...), Err: err}
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

func (e *Error) Error() string {
	var buf strings.Builder
	buf.WriteString("revdb: ")
	buf.WriteString(e.Code.String())
	if e.DocID != "" || !e.RevID.IsZero() {
		buf.WriteString(": ")
		buf.WriteString(e.DocID)
		if !e.RevID.IsZero() {
			buf.WriteByte('@')
			buf.WriteString(e.RevID.String())
		}
	}
	if e.Msg != "" {
		buf.WriteString(": ")
		buf.WriteString(e.Msg)
	}
	if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	return buf.String()
}

// DataError reports a persisted record that cannot be decoded.
type DataError struct {
	Data []byte
	Off  int
	Err  error
	Msg  string
}

func dataErrf(data []byte, off int, err error, format string, args ...any) error {
	return &DataError{data, off, err, fmt.Sprintf(format, args...)}
}

func (e *DataError) Unwrap() error {
	return e.Err
}

func (e *DataError) Error() string {
	const prefixLen = 64
	const suffixLen = 32
	n := len(e.Data)
	if n <= prefixLen+suffixLen {
		if e.Err != nil {
			return fmt.Sprintf("%s: %v: (%d) %x", e.Msg, e.Err, n, e.Data)
		} else {
			return fmt.Sprintf("%s: (%d) %x", e.Msg, n, e.Data)
		}
	} else {
		p, s := e.Data[:prefixLen], e.Data[n-suffixLen:]
		if e.Err != nil {
			return fmt.Sprintf("%s: %v: (%d) %x...%x", e.Msg, e.Err, n, p, s)
		} else {
			return fmt.Sprintf("%s: (%d) %x...%x", e.Msg, n, p, s)
		}
	}
}
