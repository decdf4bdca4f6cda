package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies gateway errors for administrative callers.
type ErrorKind string

const (
	KindConfiguration ErrorKind = "configuration" // unsupported model/transport, bad config
	KindTransport     ErrorKind = "transport"     // connect/send failures
	KindProvider      ErrorKind = "provider"      // completion provider failures
	KindExtraction    ErrorKind = "extraction"    // document processing failures
	KindPersistence   ErrorKind = "persistence"   // store write/read failures
)

// ErrDuplicateMessage reports a message whose id was already persisted.
// Webhook providers re-deliver on non-2xx responses, so intake treats a
// duplicate id as already handled rather than as a failure.
var ErrDuplicateMessage = errors.New("message id already recorded")

// Error tags an underlying error with a kind and the operation that produced it.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// E wraps err as a kinded Error.
func E(kind ErrorKind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf is E with fmt.Errorf formatting.
func Errorf(kind ErrorKind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of err, or "" if err carries no kind.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err (or anything it wraps) has the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
