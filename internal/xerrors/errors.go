// Package xerrors defines the error taxonomy shared by the cache, the
// DB-config worker, and the async poller: a small set of error *kinds*,
// not exception hierarchies, each carrying enough context to decide how
// the caller should recover.
package xerrors

import "fmt"

// Kind classifies an error the way the rest of the system reacts to it,
// independent of where it originated.
type Kind int

const (
	// KindParseWarning marks a malformed sync field (e.g. a bad
	// failover-delay duration). The caller logs a warning, substitutes
	// the documented default, and continues.
	KindParseWarning Kind = iota
	// KindPrepareError marks a failed HTTP request construction.
	KindPrepareError
	// KindTransportError marks a non-OK HTTP completion or a response
	// that didn't match the item's status-code pattern.
	KindTransportError
	// KindFatal marks a startup failure (IPC, HTTP client, event loop)
	// that the process cannot recover from.
	KindFatal
	// KindTransientDB marks a DB statement failure inside a
	// transaction; the transaction is rolled back and the next tick
	// retries.
	KindTransientDB
)

func (k Kind) String() string {
	switch k {
	case KindParseWarning:
		return "parse_warning"
	case KindPrepareError:
		return "prepare_error"
	case KindTransportError:
		return "transport_error"
	case KindFatal:
		return "fatal"
	case KindTransientDB:
		return "transient_db"
	default:
		return "unknown"
	}
}

// Error is a kinded error: Cause is preserved so errors.Unwrap / the
// github.com/pkg/errors chain stays intact across goroutine boundaries.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func newKind(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

func ParseWarning(msg string, cause error) *Error    { return newKind(KindParseWarning, msg, cause) }
func PrepareError(msg string, cause error) *Error    { return newKind(KindPrepareError, msg, cause) }
func TransportError(msg string, cause error) *Error  { return newKind(KindTransportError, msg, cause) }
func Fatal(msg string, cause error) *Error           { return newKind(KindFatal, msg, cause) }
func TransientDB(msg string, cause error) *Error     { return newKind(KindTransientDB, msg, cause) }

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if as(err, &e) {
		return e.Kind == kind
	}
	return false
}

// as is a tiny local errors.As to avoid importing the stdlib errors
// package just for this one call.
func as(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
