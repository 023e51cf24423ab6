// Package pgmlerr defines the error taxonomy shared by every package in this
// module. Every error the core surfaces to a caller wraps a *Error so callers
// can branch on Kind with errors.As instead of string matching.
package pgmlerr

import "fmt"

// Kind identifies the category of a surfaced error.
type Kind string

const (
	Configuration       Kind = "configuration"
	NameInvalid         Kind = "name_invalid"
	SchemaInvalid       Kind = "schema_invalid"
	SchemaMissing       Kind = "schema_missing"
	FilterInvalid       Kind = "filter_invalid"
	NotFound            Kind = "not_found"
	Conflict            Kind = "conflict"
	SyncFailed          Kind = "sync_failed"
	RemoteEmbedding     Kind = "remote_embedding_failure"
	Database            Kind = "database"
)

// Error is the concrete error type returned by every exported operation in
// this module. Field is set for errors that originate from a specific
// pipeline field (built with WrapField, of any Kind); it is empty otherwise.
type Error struct {
	Kind  Kind
	Msg   string
	Field string
	Err   error
}

func (e *Error) Error() string {
	if e.Field != "" {
		if e.Err != nil {
			return fmt.Sprintf("%s: field %q: %s: %v", e.Kind, e.Field, e.Msg, e.Err)
		}
		return fmt.Sprintf("%s: field %q: %s", e.Kind, e.Field, e.Msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, pgmlerr.Sentinel(pgmlerr.NotFound)) match any *Error
// of the same Kind, regardless of message or wrapped cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

func WrapField(kind Kind, field, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Field: field, Err: err}
}

// Sentinel returns a zero-value *Error of the given kind, usable with
// errors.Is to test a returned error's kind regardless of message.
func Sentinel(kind Kind) *Error { return &Error{Kind: kind} }

func (k Kind) String() string { return string(k) }
