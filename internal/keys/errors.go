package keys

import (
	"errors"
	"fmt"
)

// Kind classifies every failure the key management subsystem can surface.
// The set is closed so callers can exhaustively handle each case.
type Kind string

const (
	// KindKeyNotFound covers lookup misses, including wrong-tenant lookups,
	// which are deliberately indistinguishable from true absence.
	KindKeyNotFound Kind = "KEY_NOT_FOUND"
	// KindMasterKey covers startup, validation, or rotation failures of the
	// trust root. Fatal for any operation that needs to wrap or unwrap.
	KindMasterKey Kind = "MASTER_KEY_ERROR"
	// KindRotationFailed covers policy violations (rotating a non-active
	// key), concurrency conflicts, and partial re-encryption failures.
	KindRotationFailed Kind = "ROTATION_FAILED"
	// KindCache marks cache-layer failures. Non-fatal: callers degrade to
	// the store.
	KindCache Kind = "CACHE_ERROR"
	// KindAuditLog marks audit write or query failures. Never aborts the
	// operation that triggered the audit entry.
	KindAuditLog Kind = "AUDIT_LOG_ERROR"
	// KindEncryptionFailed covers wrap/unwrap failures, notably an
	// authentication-tag mismatch signaling tampering.
	KindEncryptionFailed Kind = "ENCRYPTION_FAILED"
	// KindStorage covers relational store unavailability.
	KindStorage Kind = "STORAGE_ERROR"
)

// Error is the typed error carried across the subsystem's boundaries.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a typed error. msg may be empty when err carries the detail.
func E(kind Kind, op, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: msg, Err: err}
}

// Errorf builds a typed error from a format string.
func Errorf(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// IsKind reports whether err (or anything it wraps) is a typed error of the
// given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the kind from err, or empty string for untyped errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
