package errs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error into the stable set exposed by the API and logs.
type Kind string

const (
	KindNotFound          Kind = "NotFound"
	KindBadRequest        Kind = "BadRequest"
	KindConflict          Kind = "Conflict"
	KindRateLimited       Kind = "RateLimited"
	KindCorruptArtifact   Kind = "CorruptArtifact"
	KindDicomReject       Kind = "DicomReject"
	KindProcessingFailure Kind = "ProcessingFailure"
	KindTimeout           Kind = "Timeout"
	KindUnavailable       Kind = "Unavailable"
)

// Error is the domain error carried across component boundaries. Handlers
// translate it into the JSON envelope or a DICOM status; driver errors are
// wrapped, never surfaced.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// E creates a new domain error.
func E(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Ef creates a new domain error with a formatted message.
func Ef(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying error.
func Wrap(err error, kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// WithDetail returns the error with an extra detail field set.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// KindOf walks the error chain and returns the first domain kind found.
// Context cancellation maps to Timeout; anything else is ProcessingFailure.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTimeout
	}
	return KindProcessingFailure
}

// HTTPStatus maps an error kind to its HTTP status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindBadRequest:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindTimeout:
		return http.StatusServiceUnavailable
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
