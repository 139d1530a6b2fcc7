// Package failure defines the typed failures carried across the worker
// message channel.
//
// Every handler-level error is converted into an *Error before it leaves the
// worker, so callers can branch on Kind without parsing messages. The JSON
// form of an *Error is the failure descriptor placed in a response's err field.
package failure

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind classifies a failure.
//
// NOTE: Kind values travel over the wire and are part of the protocol contract.
type Kind string

const (
	// KindUnsupportedPath indicates a path failed the tier/segment check.
	KindUnsupportedPath Kind = "UNSUPPORTED_PATH"

	// KindInitialization indicates runtime bootstrap or the initial durable load failed.
	KindInitialization Kind = "INITIALIZATION_FAILURE"

	// KindSync indicates flushing the durable tier failed.
	KindSync Kind = "SYNC_FAILURE"

	// KindUnknownOperation indicates no handler exists for the requested operation.
	KindUnknownOperation Kind = "UNKNOWN_OPERATION"

	// KindDecode indicates metadata encoded in a file name, or a request body, is malformed.
	KindDecode Kind = "DECODE_FAILURE"

	// KindParse indicates diagnostic-stream text did not match the expected grammar.
	KindParse Kind = "PARSE_FAILURE"

	// KindUnrecognizedStreamType indicates a stream that is neither video nor audio.
	KindUnrecognizedStreamType Kind = "UNRECOGNIZED_STREAM_TYPE"

	// KindStorage indicates an underlying read, write or unlink failed.
	KindStorage Kind = "STORAGE_FAILURE"

	// KindInternal indicates an unexpected error, such as a recovered panic.
	KindInternal Kind = "INTERNAL"
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	return string(k)
}

// Error is a classified failure with optional context and cause.
type Error struct {
	// Kind classifies the failure.
	Kind Kind

	// Op is the operation that failed (e.g., "fpush", "sync").
	Op string

	// Path is the logical path involved, if any.
	Path string

	// Message is a human-readable description.
	Message string

	// Err is the underlying cause, if any.
	Err error
}

// New creates a failure of the given kind.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap creates a failure of the given kind around an underlying error.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// WithPath returns a copy of e annotated with a logical path.
func (e *Error) WithPath(path string) *Error {
	cp := *e
	cp.Path = path
	return &cp
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if msg == "" {
		msg = string(e.Kind)
	}

	switch {
	case e.Op != "" && e.Path != "":
		return fmt.Sprintf("%s %s: %s: %s", e.Kind, e.Op, e.Path, msg)
	case e.Op != "":
		return fmt.Sprintf("%s %s: %s", e.Kind, e.Op, msg)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	}
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is a failure of the same kind.
//
// This lets callers write errors.Is(err, failure.New(failure.KindSync, "", "")).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// descriptor is the wire form of an Error.
type descriptor struct {
	Kind    Kind   `json:"kind"`
	Op      string `json:"op,omitempty"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message,omitempty"`
	Cause   string `json:"cause,omitempty"`
}

// MarshalJSON encodes the failure descriptor.
func (e *Error) MarshalJSON() ([]byte, error) {
	d := descriptor{Kind: e.Kind, Op: e.Op, Path: e.Path, Message: e.Message}
	if e.Err != nil {
		d.Cause = e.Err.Error()
	}
	return json.Marshal(d)
}

// UnmarshalJSON decodes a failure descriptor. The cause is restored as an
// opaque error carrying the original text.
func (e *Error) UnmarshalJSON(b []byte) error {
	var d descriptor
	if err := json.Unmarshal(b, &d); err != nil {
		return err
	}
	*e = Error{Kind: d.Kind, Op: d.Op, Path: d.Path, Message: d.Message}
	if d.Cause != "" {
		e.Err = errors.New(d.Cause)
	}
	return nil
}

// From converts any error into a failure. Existing failures are returned as-is;
// anything else is classified with the fallback kind.
func From(err error, fallback Kind, op string) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		if fe.Op == "" {
			cp := *fe
			cp.Op = op
			return &cp
		}
		return fe
	}
	return Wrap(fallback, op, err)
}

// KindOf returns the kind of err, or "" if err is not a failure.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// IsUnsupportedPath returns true if err is an UnsupportedPath failure.
func IsUnsupportedPath(err error) bool {
	return KindOf(err) == KindUnsupportedPath
}

// IsInitialization returns true if err is an InitializationFailure.
func IsInitialization(err error) bool {
	return KindOf(err) == KindInitialization
}

// IsSync returns true if err is a SyncFailure.
func IsSync(err error) bool {
	return KindOf(err) == KindSync
}

// IsStorage returns true if err is a StorageFailure.
func IsStorage(err error) bool {
	return KindOf(err) == KindStorage
}
