package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ConflictError is returned by a remote operation when the server rejected a
// write because its state diverged. ServerData holds the authoritative
// payload the resolvers work from.
type ConflictError struct {
	ServerData map[string]any
	Status     int
	Err        error
}

// NewConflict builds a conflict error carrying the server's payload.
func NewConflict(serverData map[string]any, cause error) *ConflictError {
	return &ConflictError{
		ServerData: serverData,
		Status:     http.StatusConflict,
		Err:        cause,
	}
}

func (e *ConflictError) Error() string {
	if e.Err == nil {
		return "write conflict"
	}
	return fmt.Sprintf("write conflict: %v", e.Err)
}

func (e *ConflictError) Unwrap() error { return e.Err }

// StatusCoder is implemented by transport errors that expose an HTTP status.
type StatusCoder interface {
	StatusCode() int
}

// ErrorCoder is implemented by transport errors that expose a string code.
type ErrorCoder interface {
	ErrorCode() string
}

// ServerDataCarrier is implemented by transport errors that carry the
// server's current payload.
type ServerDataCarrier interface {
	ServerData() map[string]any
}

// AsConflict extracts a ConflictError from err. Errors that are not
// ConflictError values but signal a conflict through StatusCoder (409) or
// ErrorCoder ("CONFLICT") are adapted, taking the payload from
// ServerDataCarrier when present.
func AsConflict(err error) (*ConflictError, bool) {
	if err == nil {
		return nil, false
	}
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce, true
	}

	conflict := false
	status := 0
	var sc StatusCoder
	if errors.As(err, &sc) && sc.StatusCode() == http.StatusConflict {
		conflict = true
		status = http.StatusConflict
	}
	var ec ErrorCoder
	if errors.As(err, &ec) && ec.ErrorCode() == string(ErrCodeConflict) {
		conflict = true
	}
	if !conflict {
		return nil, false
	}

	out := &ConflictError{Status: status, Err: err}
	var dc ServerDataCarrier
	if errors.As(err, &dc) {
		out.ServerData = dc.ServerData()
	}
	return out, true
}

// KindOf classifies err. An explicit Kind on the outermost SyncError wins
// over a conflict it wraps. Unclassified errors are transient.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var se *SyncError
	hasSE := errors.As(err, &se)
	if hasSE && se.Kind != "" {
		return se.Kind
	}
	if _, ok := AsConflict(err); ok {
		return KindConflict
	}
	if hasSE && !se.Retryable && se.Code == ErrCodeValidationFailure {
		return KindInvalid
	}
	return KindTransient
}
