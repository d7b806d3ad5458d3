// Package domain errors.go contains the closed error taxonomy shared by the
// registry, the storage adapters and the service, plus input validation sentinels.
package domain

import (
	"errors"
	"strings"
)

// Kind classifies a lifecycle failure. Callers switch on KindOf(err).
type Kind uint8

const (
	KindUnknown    Kind = iota
	KindNotFound        // token unknown to the registry
	KindGone            // deleted, expired or limit reached
	KindConflict        // token or storage key collision on create
	KindIO              // storage adapter failure
	KindInvalidKey      // storage key escapes the adapter root
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindGone:
		return "gone"
	case KindConflict:
		return "conflict"
	case KindIO:
		return "io"
	case KindInvalidKey:
		return "invalid_key"
	default:
		return "unknown"
	}
}

// Reason distinguishes the Gone outcomes for messaging only.
type Reason uint8

const (
	ReasonNone Reason = iota
	ReasonDeleted
	ReasonExpired
	ReasonLimitReached
)

func (r Reason) String() string {
	switch r {
	case ReasonDeleted:
		return "deleted"
	case ReasonExpired:
		return "expired"
	case ReasonLimitReached:
		return "limit reached"
	default:
		return ""
	}
}

// Error is the single error type for lifecycle failures.
type Error struct {
	Op     string // operation that failed, e.g. "registry.create"
	Kind   Kind
	Reason Reason // only meaningful for KindGone
	Err    error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Reason != ReasonNone {
		b.WriteString(" (")
		b.WriteString(e.Reason.String())
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind, and by reason when the target sets one.
// This lets errors.Is(err, ErrGone) match every gone outcome while
// errors.Is(err, ErrExpired) matches only expiry.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Reason == ReasonNone || t.Reason == e.Reason
}

// Sentinels for errors.Is matching.
var (
	ErrNotFound     = &Error{Kind: KindNotFound}
	ErrGone         = &Error{Kind: KindGone}
	ErrDeleted      = &Error{Kind: KindGone, Reason: ReasonDeleted}
	ErrExpired      = &Error{Kind: KindGone, Reason: ReasonExpired}
	ErrLimitReached = &Error{Kind: KindGone, Reason: ReasonLimitReached}
	ErrConflict     = &Error{Kind: KindConflict}
	ErrIO           = &Error{Kind: KindIO}
	ErrInvalidKey   = &Error{Kind: KindInvalidKey}
)

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// ReasonOf returns the Reason of the first *Error in err's chain.
func ReasonOf(err error) Reason {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ReasonNone
}

// NotFound builds a KindNotFound error for op.
func NotFound(op string) error { return &Error{Op: op, Kind: KindNotFound} }

// Gone builds a KindGone error with the given reason.
func Gone(op string, r Reason) error { return &Error{Op: op, Kind: KindGone, Reason: r} }

// Conflict wraps err as a KindConflict error.
func Conflict(op string, err error) error { return &Error{Op: op, Kind: KindConflict, Err: err} }

// IO wraps err as a KindIO error.
func IO(op string, err error) error { return &Error{Op: op, Kind: KindIO, Err: err} }

// InvalidKey wraps err as a KindInvalidKey error.
func InvalidKey(op string, err error) error { return &Error{Op: op, Kind: KindInvalidKey, Err: err} }

// Validation sentinels. These are rejected before the lifecycle core runs.
var (
	ErrInvalidToken        = errors.New("invalid token")
	ErrInvalidExpiry       = errors.New("expiresAt must be in the future")
	ErrInvalidMaxDownloads = errors.New("maxDownloads out of range")
	ErrSizeExceeded        = errors.New("size exceeded")
	ErrTypeNotAllowed      = errors.New("file type not allowed")
)
