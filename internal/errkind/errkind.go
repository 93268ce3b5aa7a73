// Package errkind maps host integer error codes onto a portable set of
// I/O error kinds.
//
// A code of 0 means success. Codes 1 through 16 index, 1-based, into a fixed
// ordered table; every other code (including negative values) maps to Other.
package errkind

import (
	"errors"
	"fmt"
)

// Kind is a portable classification of an I/O failure.
type Kind uint8

// The order of these constants is part of the host protocol: the host reports
// a failure by sending the 1-based position of its kind in this list.
const (
	NotFound Kind = iota + 1
	ConnectionRefused
	ConnectionReset
	ConnectionAborted
	NotConnected
	AddrInUse
	AddrNotAvailable
	BrokenPipe
	WouldBlock
	InvalidInput
	InvalidData
	TimedOut
	WriteZero
	Interrupted
	Other
	UnexpectedEOF
)

const numKinds = int32(UnexpectedEOF)

var kindNames = [...]string{
	NotFound:          "NotFound",
	ConnectionRefused: "ConnectionRefused",
	ConnectionReset:   "ConnectionReset",
	ConnectionAborted: "ConnectionAborted",
	NotConnected:      "NotConnected",
	AddrInUse:         "AddrInUse",
	AddrNotAvailable:  "AddrNotAvailable",
	BrokenPipe:        "BrokenPipe",
	WouldBlock:        "WouldBlock",
	InvalidInput:      "InvalidInput",
	InvalidData:       "InvalidData",
	TimedOut:          "TimedOut",
	WriteZero:         "WriteZero",
	Interrupted:       "Interrupted",
	Other:             "Other",
	UnexpectedEOF:     "UnexpectedEof",
}

// String returns the name of the kind, as exposed to scripts.
func (k Kind) String() string {
	if k >= NotFound && k <= UnexpectedEOF {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Code returns the host error code for the kind.
func (k Kind) Code() int32 {
	if k >= NotFound && k <= UnexpectedEOF {
		return int32(k)
	}
	return int32(Other)
}

// Kinds returns every kind in protocol order.
func Kinds() []Kind {
	kinds := make([]Kind, 0, numKinds)
	for k := NotFound; k <= UnexpectedEOF; k++ {
		kinds = append(kinds, k)
	}
	return kinds
}

// Map translates a host error code. It reports ok=false when code is 0
// (success), in which case the returned kind is meaningless.
func Map(code int32) (kind Kind, ok bool) {
	switch {
	case code == 0:
		return 0, false
	case code >= 1 && code <= numKinds:
		return Kind(code), true
	default:
		return Other, true
	}
}

// Error is a failed host operation.
type Error struct {
	Op   string
	Kind Kind
	Code int32
}

// New builds an Error for a nonzero host code. It returns nil for code 0.
func New(op string, code int32) error {
	kind, ok := Map(code)
	if !ok {
		return nil
	}
	return &Error{Op: op, Kind: kind, Code: code}
}

// FromKind builds an Error for a kind produced locally rather than by the host.
func FromKind(op string, kind Kind) *Error {
	return &Error{Op: op, Kind: kind, Code: kind.Code()}
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Kind.String()
	}
	return e.Op + ": " + e.Kind.String()
}

// Is matches any *Error of the same kind, so callers can compare against the
// exported sentinels, e.g. errors.Is(err, errkind.ErrTimedOut).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is matching.
var (
	ErrConnectionRefused = &Error{Kind: ConnectionRefused, Code: int32(ConnectionRefused)}
	ErrConnectionReset   = &Error{Kind: ConnectionReset, Code: int32(ConnectionReset)}
	ErrNotConnected      = &Error{Kind: NotConnected, Code: int32(NotConnected)}
	ErrTimedOut          = &Error{Kind: TimedOut, Code: int32(TimedOut)}
	ErrInterrupted       = &Error{Kind: Interrupted, Code: int32(Interrupted)}
	ErrOther             = &Error{Kind: Other, Code: int32(Other)}
)

// KindOf returns the kind carried by err, or Other when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Other
}
