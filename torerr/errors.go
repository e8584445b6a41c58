// Package torerr classifies failures the way spec §7 requires: every
// failure that crosses a component boundary carries a category so the
// reactor and the host-facing API can decide how to propagate it without
// re-parsing error strings.
package torerr

import (
	"errors"
	"fmt"
)

// Category is the top-level failure taxonomy from spec §7.
type Category uint8

const (
	CategoryTransientLink Category = iota
	CategoryProtocolViolation
	CategoryPolicyRejection
	CategoryCryptographic
	CategoryResourceExhaustion
	CategoryFatal
)

func (c Category) String() string {
	switch c {
	case CategoryTransientLink:
		return "transient-link"
	case CategoryProtocolViolation:
		return "protocol-violation"
	case CategoryPolicyRejection:
		return "policy-rejection"
	case CategoryCryptographic:
		return "cryptographic"
	case CategoryResourceExhaustion:
		return "resource-exhaustion"
	case CategoryFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// TorError wraps an underlying error with a category and an optional end
// reason code (the one-byte RELAY_END reason of spec §7/§3).
type TorError struct {
	Category Category
	Reason   EndReason
	Op       string
	Err      error
}

func (e *TorError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Category)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Category, e.Err)
}

func (e *TorError) Unwrap() error { return e.Err }

// New builds a TorError, wrapping err (which may be nil for a bare failure).
func New(cat Category, reason EndReason, op string, err error) *TorError {
	return &TorError{Category: cat, Reason: reason, Op: op, Err: err}
}

// Wrapf builds a TorError from a formatted message, mirroring the teacher's
// fmt.Errorf("...: %w", err) convention but tagging a category.
func Wrapf(cat Category, reason EndReason, op string, format string, args ...any) *TorError {
	return &TorError{Category: cat, Reason: reason, Op: op, Err: fmt.Errorf(format, args...)}
}

// As reports whether err is (or wraps) a *TorError, mirroring errors.As.
func As(err error) (*TorError, bool) {
	var te *TorError
	ok := errors.As(err, &te)
	return te, ok
}

// EndReason is the one-byte RELAY_END reason code from spec §3/§7.
type EndReason uint8

const (
	EndReasonMisc EndReason = iota + 1
	EndReasonResolveFailed
	EndReasonConnectRefused
	EndReasonExitPolicy
	EndReasonDestroy
	EndReasonDone
	EndReasonTimeout
	EndReasonNoRoute
	EndReasonHibernating
	EndReasonInternal
	EndReasonResourceLimit
	EndReasonConnReset
	EndReasonTorProtocol
	EndReasonNotDirectory
)

func (r EndReason) String() string {
	names := [...]string{
		"", "MISC", "RESOLVEFAILED", "CONNECTREFUSED", "EXITPOLICY", "DESTROY",
		"DONE", "TIMEOUT", "NOROUTE", "HIBERNATING", "INTERNAL",
		"RESOURCELIMIT", "CONNRESET", "TORPROTOCOL", "NOTDIRECTORY",
	}
	if int(r) < len(names) {
		return names[r]
	}
	return "UNKNOWN"
}
