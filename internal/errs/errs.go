// Package errs defines the error kinds surfaced across the metadata service
// and storage node, per the propagation policy in spec §7. Callers at the
// HTTP boundary map Kind to a status code with StatusCode; everywhere else
// errors are handled the normal Go way with errors.Is/errors.As/%w.
package errs

import (
	"errors"
	"fmt"
)

// Kind is one of the error kinds spec §7 requires to be surfaced.
type Kind string

const (
	NotFound             Kind = "NotFound"
	Conflict             Kind = "Conflict"
	InsufficientNodes    Kind = "InsufficientNodes"
	StorageFailure       Kind = "StorageFailure"
	Corrupted            Kind = "Corrupted"
	NodeUnreachable      Kind = "NodeUnreachable"
	MetadataFailure      Kind = "MetadataFailure"
	SecurityFailure      Kind = "SecurityFailure"
	ConfigurationFailure Kind = "ConfigurationFailure"
	InvalidRequest       Kind = "InvalidRequest"
)

// Error wraps an underlying cause with a surfaced Kind.
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

// Is allows errors.Is(err, errs.NotFound) style checks against the Kind by
// comparing against a sentinel *Error carrying only a Kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

func newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: err}
}

func NotFoundf(format string, args ...any) error          { return newf(NotFound, format, args...) }
func Conflictf(format string, args ...any) error          { return newf(Conflict, format, args...) }
func InsufficientNodesf(format string, args ...any) error { return newf(InsufficientNodes, format, args...) }
func Corruptedf(format string, args ...any) error         { return newf(Corrupted, format, args...) }
func NodeUnreachablef(format string, args ...any) error   { return newf(NodeUnreachable, format, args...) }
func ConfigurationFailuref(format string, args ...any) error {
	return newf(ConfigurationFailure, format, args...)
}
func InvalidRequestf(format string, args ...any) error { return newf(InvalidRequest, format, args...) }

func WrapStorageFailure(err error, format string, args ...any) error {
	return wrap(StorageFailure, err, format, args...)
}
func WrapMetadataFailure(err error, format string, args ...any) error {
	return wrap(MetadataFailure, err, format, args...)
}
func WrapNodeUnreachable(err error, format string, args ...any) error {
	return wrap(NodeUnreachable, err, format, args...)
}

// KindOf extracts the Kind from err, defaulting to "" if err is not (or does
// not wrap) an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// StatusCode maps a Kind to the HTTP status spec §7 prescribes.
func StatusCode(err error) int {
	switch KindOf(err) {
	case NotFound:
		return 404
	case Conflict:
		return 409
	case InsufficientNodes:
		return 503
	case StorageFailure:
		return 500
	case Corrupted:
		return 500
	case NodeUnreachable:
		return 502
	case MetadataFailure:
		return 500
	case SecurityFailure:
		return 403
	case ConfigurationFailure:
		return 400
	case InvalidRequest:
		return 400
	default:
		return 500
	}
}
