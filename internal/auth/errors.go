package auth

import (
	"errors"
	"fmt"
)

// Kind classifies an authentication failure. Every failure crossing the
// public API carries exactly one kind; no panics or untyped errors escape.
type Kind int

const (
	KindInternal Kind = iota
	KindKeyNotFound
	KindKeyInvalid
	KindKeyTampered
	KindChallengeExpired
	KindChallengeNotFound
	KindSignatureInvalid
	KindSessionConflict
	KindSessionExpired
	KindSessionNotFound
	KindRateLimited
	KindCallerVerificationFailed
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindKeyNotFound:
		return "key_not_found"
	case KindKeyInvalid:
		return "key_invalid"
	case KindKeyTampered:
		return "key_tampered"
	case KindChallengeExpired:
		return "challenge_expired"
	case KindChallengeNotFound:
		return "challenge_not_found"
	case KindSignatureInvalid:
		return "signature_invalid"
	case KindSessionConflict:
		return "session_conflict"
	case KindSessionExpired:
		return "session_expired"
	case KindSessionNotFound:
		return "session_not_found"
	case KindRateLimited:
		return "rate_limited"
	case KindCallerVerificationFailed:
		return "caller_verification_failed"
	default:
		return "internal_error"
	}
}

// Error is a typed authentication failure.
type Error struct {
	Kind Kind
	msg  string
	err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("auth: %s: %s: %v", e.Kind, e.msg, e.err)
	}
	return fmt.Sprintf("auth: %s: %s", e.Kind, e.msg)
}

// Unwrap exposes the wrapped cause.
func (e *Error) Unwrap() error { return e.err }

// errKind creates a typed failure.
func errKind(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...)}
}

// wrapKind creates a typed failure around a cause.
func wrapKind(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, msg: msg, err: err}
}

// KindOf extracts the failure kind from an error, unwrapping as needed.
// Untyped errors are classified as internal.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}
