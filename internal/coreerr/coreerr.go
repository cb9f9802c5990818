// Package coreerr defines the error taxonomy shared by every layer of the
// conversation engine. Leaf components raise kinded errors with structured
// context; the message handler is the single place that translates a kind
// into user-visible behavior.
package coreerr

import "github.com/pkg/errors"

// Kind classifies an error for handler-level reconciliation. Kinds are
// stable across the codebase; never branch on an error's message text.
type Kind int

const (
	// Validation marks malformed input. Never persisted, surfaced to the caller.
	Validation Kind = iota
	// NotFound marks a missing profile/fact/ban record.
	NotFound
	// PersistentStore marks a lower-level storage failure.
	PersistentStore
	// UpstreamTimeout marks a timed-out call to the model or embedding endpoint.
	UpstreamTimeout
	// UpstreamFailure marks a non-timeout failure from the model or embedding endpoint.
	UpstreamFailure
	// CircuitBreakerOpen marks a fast-failed call because the breaker is open.
	CircuitBreakerOpen
	// RateLimitExceeded marks an internal quota denial.
	RateLimitExceeded
	// CacheResource marks a non-fatal degradation of an optional path.
	CacheResource
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case NotFound:
		return "not_found"
	case PersistentStore:
		return "persistent_store"
	case UpstreamTimeout:
		return "upstream_timeout"
	case UpstreamFailure:
		return "upstream_failure"
	case CircuitBreakerOpen:
		return "circuit_breaker_open"
	case RateLimitExceeded:
		return "rate_limit_exceeded"
	case CacheResource:
		return "cache_resource"
	default:
		return "unknown"
	}
}

// Error is a kinded, contextual error. It wraps an underlying cause (if any)
// and carries an operation name plus free-form key/value context for logs.
type Error struct {
	kind    Kind
	op      string
	context map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.op + ": " + e.kind.String() + ": " + e.cause.Error()
	}
	return e.op + ": " + e.kind.String()
}

// Unwrap lets errors.Is/errors.As see through to the cause.
func (e *Error) Unwrap() error { return e.cause }

// Kind returns the error's kind.
func (e *Error) Kind() Kind { return e.kind }

// Op returns the operation name the error was raised from.
func (e *Error) Op() string { return e.op }

// Context returns the structured key/value context attached to the error.
func (e *Error) Context() map[string]any { return e.context }

// New constructs a kinded error with an operation name and optional cause.
func New(kind Kind, op string, cause error, kv ...any) *Error {
	ctx := make(map[string]any, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		ctx[key] = kv[i+1]
	}
	if cause != nil {
		cause = errors.WithStack(cause)
	}
	return &Error{kind: kind, op: op, context: ctx, cause: cause}
}

// KindOf extracts the Kind from err, defaulting to PersistentStore for
// errors that were not produced by this package (an unclassified lower-layer
// failure is treated as a storage failure for handler-level reconciliation).
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind()
	}
	return PersistentStore
}

// Is reports whether err (or something it wraps) carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
