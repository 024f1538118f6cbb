// Package syncerr defines the error kinds raised by the check sync pipeline.
//
// Every stage returns plain Go errors; the ones that matter to the caller's
// abort-or-continue decision are wrapped in an *Error carrying a Kind. Use
// KindOf or IsKind to inspect a returned error.
package syncerr

import (
	"errors"
	"fmt"
	"log/slog"
)

// Kind classifies a pipeline failure.
type Kind string

const (
	KindUnknown               Kind = "Unknown"
	KindConfigInvalid         Kind = "ConfigInvalid"
	KindAuthenticationMissing Kind = "AuthenticationMissing"
	KindTransportFailure      Kind = "TransportFailure"
	KindUnexpectedShape       Kind = "UnexpectedShape"
	KindTransformationFailure Kind = "TransformationFailure"
	KindConnectionFailure     Kind = "ConnectionFailure"
	KindSchemaMismatch        Kind = "SchemaMismatch"
	KindRowInsertFailure      Kind = "RowInsertFailure"
	KindConsistencyMismatch   Kind = "ConsistencyMismatch"
)

// Fatal reports whether a failure of this kind aborts the run.
// Row insert failures and consistency mismatches are surfaced in the run
// status instead.
func (k Kind) Fatal() bool {
	switch k {
	case KindRowInsertFailure, KindConsistencyMismatch:
		return false
	}
	return true
}

// Error is a classified pipeline error.
type Error struct {
	Kind Kind
	// Op names the operation that failed, e.g. "fetch page 3".
	Op  string
	Err error
}

// New returns an *Error for the given kind and operation.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds an *Error whose cause is a formatted message.
func Errorf(kind Kind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Fatal reports whether the error should abort the run.
func (e *Error) Fatal() bool {
	return e.Kind.Fatal()
}

// IsFatal reports whether err aborts the run. Errors that carry no kind,
// such as context cancellation, are fatal.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Fatal()
	}
	return true
}

// KindOf returns the kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

type loggable struct{ err error }

// Loggable makes slog encode an error as a group with its kind and chain.
// Usage: logger.Error("run failed", "error", syncerr.Loggable(err))
func Loggable(err error) slog.LogValuer { return loggable{err: err} }

func (l loggable) LogValue() slog.Value {
	if l.err == nil {
		return slog.GroupValue()
	}

	attrs := []slog.Attr{
		slog.String("message", l.err.Error()),
		slog.String("kind", string(KindOf(l.err))),
	}
	if chain := chainStrings(l.err); len(chain) > 1 {
		attrs = append(attrs, slog.Any("chain", chain))
	}
	return slog.GroupValue(attrs...)
}

// chainStrings flattens the Unwrap chain, outermost first.
func chainStrings(err error) []string {
	var out []string
	for err != nil {
		out = append(out, err.Error())
		err = errors.Unwrap(err)
	}
	return out
}
