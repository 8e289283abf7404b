// Package kernelerr defines the kernel's typed error taxonomy: every
// subsystem method either returns a typed result or fails with one of these five
// kinds, so the dispatcher can map failures to stable wire codes without string
// sniffing.
package kernelerr

import (
	"errors"
	"fmt"
)

// Kind is one of the five error kinds the kernel distinguishes.
type Kind string

const (
	KindValidation Kind = "VALIDATION"
	KindNotFound   Kind = "NOT_FOUND"
	KindPermission Kind = "PERMISSION_DENIED"
	KindTransient  Kind = "TRANSIENT"
	KindInternal   Kind = "INTERNAL"
)

// Error is a typed kernel error carrying a stable wire code and an optional
// domain-specific code (e.g. "PROCESS_TABLE_FULL") layered on top of Kind.
type Error struct {
	Kind    Kind
	Domain  string // optional, e.g. "PROCESS_TABLE_FULL"; empty uses Kind's code
	Message string
	Wrapped error
}

func (e *Error) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Wrapped)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Wrapped }

// Code returns the stable wire code the dispatcher sends to clients.
func (e *Error) Code() string {
	if e.Domain != "" {
		return e.Domain
	}
	return string(e.Kind)
}

func newf(kind Kind, domain, format string, args ...any) *Error {
	return &Error{Kind: kind, Domain: domain, Message: fmt.Sprintf(format, args...)}
}

// Validation wraps a malformed-input failure (bad path, bad cron, duplicate
// name, out-of-range enum). Never retried.
func Validation(format string, args ...any) *Error {
	return newf(KindValidation, "", format, args...)
}

// NotFound wraps a missing-entity failure (PID, file, snapshot, webhook).
func NotFound(format string, args ...any) *Error {
	return newf(KindNotFound, "", format, args...)
}

// Permission wraps a path-traversal, RBAC-denial, or read-only-write failure.
// Never retried.
func Permission(format string, args ...any) *Error {
	return newf(KindPermission, "", format, args...)
}

// Transient wraps a recoverable failure (disk full, connection reset, upstream
// 5xx, timeout). Callers may retry with backoff.
func Transient(format string, args ...any) *Error {
	return newf(KindTransient, "", format, args...)
}

// Domain wraps a kind with an explicit domain code, e.g.
// Domain(KindValidation, "PROCESS_TABLE_FULL", "live count %d >= max %d", n, max).
func Domain(kind Kind, domain, format string, args ...any) *Error {
	return newf(kind, domain, format, args...)
}

// Wrap attaches a kind to an existing error, preserving it via Unwrap.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	e := newf(kind, "", format, args...)
	e.Wrapped = err
	return e
}

// KindOf extracts the Kind of err if it is (or wraps) a *Error, defaulting to
// KindInternal for anything else — the dispatcher maps that to "INTERNAL".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf extracts the wire code of err, defaulting to "INTERNAL".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code()
	}
	return string(KindInternal)
}
