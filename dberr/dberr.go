// Package dberr defines the stable error taxonomy surfaced across the
// query engine boundary. Callers match on Kind, never on message text.
package dberr

import (
	"errors"
	"fmt"
)

// Kind is a stable, non-exhaustive error classification. New kinds may be
// added over time; existing ones never change meaning.
type Kind string

const (
	KindParse            Kind = "parse"
	KindTxRetry          Kind = "tx_retry"
	KindRetryWithID       Kind = "retry_with_id"
	KindRecordExists      Kind = "record_exists"
	KindFieldCheck        Kind = "field_check"
	KindTypeCoerce        Kind = "type_coerce"
	KindPermissionDenied  Kind = "permission_denied"
	KindQueryTimedOut     Kind = "query_timed_out"
	KindNotFound          Kind = "not_found"
	KindThrown            Kind = "thrown"
	KindInternal          Kind = "internal"
)

// Error is the concrete error type returned across every package boundary
// in glyphdb. It always carries a Kind so callers can branch without
// string matching.
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

// New builds an Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error of the given kind, preserving cause for errors.Is/As.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
