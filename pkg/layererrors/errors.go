// Package layererrors holds the error kinds shared by the archive codec,
// the item index and the layer store.
package layererrors

import (
	"fmt"
	"strings"

	"emperror.dev/errors"
)

var (
	// ErrNotFound is returned when a path is absent at the queried scope.
	ErrNotFound = errors.New("not found")

	// ErrIOFailure is returned for disk or container I/O errors.
	ErrIOFailure = errors.New("i/o failure")

	// ErrCorruptArchive is returned when a container cannot be parsed or
	// its content does not match its digest.
	ErrCorruptArchive = errors.New("corrupt archive")

	// ErrImmutableLayer is returned when a write targets a sealed layer.
	ErrImmutableLayer = errors.New("immutable layer")

	// ErrIndexInconsistency is returned when a sealed layer id has no
	// matching container or a container has no matching index rows.
	ErrIndexInconsistency = errors.New("index inconsistency")

	// ErrInvalidPath is returned for paths that are not clean, relative
	// and slash separated.
	ErrInvalidPath = errors.New("invalid path")

	// ErrIsDirectory is returned when file content is requested for a
	// directory.
	ErrIsDirectory = errors.New("is a directory")
)

var kinds = []error{
	ErrNotFound,
	ErrIOFailure,
	ErrCorruptArchive,
	ErrImmutableLayer,
	ErrIndexInconsistency,
	ErrInvalidPath,
	ErrIsDirectory,
}

// Error carries the kind of failure together with the operation, the path
// and the underlying cause.
type Error struct {
	Kind error
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Op)
	if e.Path != "" {
		sb.WriteString(fmt.Sprintf(" '%s'", e.Path))
	}
	sb.WriteString(": ")
	sb.WriteString(e.Kind.Error())
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// New wraps cause with kind, operation and path. cause may be nil.
func New(kind error, op, path string, cause error) error {
	return errors.WithStack(&Error{Kind: kind, Op: op, Path: path, Err: cause})
}

// Newf is New with a formatted cause.
func Newf(kind error, op, path, format string, args ...any) error {
	return New(kind, op, path, errors.Errorf(format, args...))
}

// KindOf returns the kind of err or nil if err does not carry one.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	for _, kind := range kinds {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// IsNotFound reports whether the kind of err is ErrNotFound. A not found
// cause below another kind does not count.
func IsNotFound(err error) bool {
	return KindOf(err) == ErrNotFound
}
