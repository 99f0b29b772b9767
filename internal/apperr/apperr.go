package apperr

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrValidation = errors.New("validation error")
	ErrTransient  = errors.New("transient failure")
	ErrMalformed  = errors.New("malformed output")
	ErrRejected   = errors.New("upstream rejected request")
	ErrScene      = errors.New("scene failure")
	ErrAssembly   = errors.New("assembly failure")
	ErrNotFound   = errors.New("not found")
	ErrTimeout    = errors.New("timeout")
	ErrCanceled   = errors.New("canceled")
)

// Kind is the classification name stored on a failed job and returned to clients.
type Kind string

const (
	KindValidation Kind = "validation"
	KindTransient  Kind = "transient"
	KindMalformed  Kind = "malformed"
	KindRejected   Kind = "rejected"
	KindScene      Kind = "scene_failure"
	KindAssembly   Kind = "assembly"
	KindNotFound   Kind = "not_found"
	KindTimeout    Kind = "timeout"
	KindCanceled   Kind = "canceled"
	KindInternal   Kind = "internal"
)

// Error carries a classification marker, a human-readable summary and the raw
// cause. Only the summary is meant for clients; the cause stays in logs.
type Error struct {
	Marker    error
	Stage     string
	Operation string
	Message   string
	Err       error
}

func (e *Error) Error() string {
	detail := e.Detail()
	if e.Err != nil {
		return e.Marker.Error() + ": " + detail + ": " + e.Err.Error()
	}
	return e.Marker.Error() + ": " + detail
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Marker}
	}
	return []error{e.Marker, e.Err}
}

// Detail joins stage, operation and message without the underlying cause.
func (e *Error) Detail() string {
	parts := make([]string, 0, 3)
	for _, p := range []string{e.Stage, e.Operation, e.Message} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return "pipeline failure"
	}
	return strings.Join(parts, ": ")
}

// Wrap tags err with marker and stage context. A nil marker is treated as transient.
func Wrap(marker error, stage, operation, message string, err error) error {
	if marker == nil {
		marker = ErrTransient
	}
	return &Error{Marker: marker, Stage: stage, Operation: operation, Message: message, Err: err}
}

// New is Wrap without a cause.
func New(marker error, stage, message string) error {
	return Wrap(marker, stage, "", message, nil)
}

// KindOf classifies err. Context errors are mapped even when they were not
// wrapped, so an aborted stage still reports canceled or timeout.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCanceled), errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrMalformed):
		return KindMalformed
	case errors.Is(err, ErrRejected):
		return KindRejected
	case errors.Is(err, ErrScene):
		return KindScene
	case errors.Is(err, ErrAssembly):
		return KindAssembly
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrTransient):
		return KindTransient
	default:
		return KindInternal
	}
}

// Detail returns the client-safe summary of err.
func Detail(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Detail()
	}
	switch KindOf(err) {
	case KindCanceled:
		return "job canceled"
	case KindTimeout:
		return "stage timed out"
	default:
		return "internal error"
	}
}

func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient) || IsTimeout(err)
}

func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}
