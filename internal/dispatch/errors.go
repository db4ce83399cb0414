package dispatch

import (
	"fmt"

	"github.com/mattjoyce/bascule/internal/script"
)

// Kind is the error taxonomy for dispatch outcomes. Every failure leaving
// this layer carries exactly one Kind; the Kind alone decides retry
// eligibility.
type Kind int

const (
	// KindValidation: malformed, out-of-range, or unsafe parameter.
	KindValidation Kind = iota
	// KindPermission: boundary policy violation (category, path, app id,
	// quota) or the engine refusing on authorization grounds.
	KindPermission
	// KindScriptSyntax: the interpreter rejected the assembled script.
	// Indicates a template defect, never retried.
	KindScriptSyntax
	// KindEngineUnavailable: the automation engine is not reachable or
	// not running.
	KindEngineUnavailable
	// KindTimeout: one attempt exceeded its deadline and was forcibly
	// terminated.
	KindTimeout
	// KindTransientIO: non-zero exit with no recognizable pattern.
	KindTransientIO
	// KindPoolExhausted: no slot became available within the acquire
	// timeout.
	KindPoolExhausted
	// KindCircuitOpen: the category circuit is open, no attempt was made.
	KindCircuitOpen
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindPermission:
		return "permission"
	case KindScriptSyntax:
		return "script_syntax"
	case KindEngineUnavailable:
		return "engine_unavailable"
	case KindTimeout:
		return "timeout"
	case KindTransientIO:
		return "transient_io"
	case KindPoolExhausted:
		return "pool_exhausted"
	case KindCircuitOpen:
		return "circuit_open"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Retryable reports whether attempts failing with this kind may be
// retried within a single dispatch. PoolExhausted and CircuitOpen are
// surfaced immediately: the caller may retry the whole dispatch, this
// layer does not.
func (k Kind) Retryable() bool {
	switch k {
	case KindEngineUnavailable, KindTimeout, KindTransientIO:
		return true
	default:
		return false
	}
}

// ClassifiedError is the single error type surfaced by Dispatch. It maps
// a raw failure to the taxonomy and records how many attempts were spent.
type ClassifiedError struct {
	Kind     Kind
	Category script.Category
	Message  string
	// Attempts is the number of interpreter attempts consumed before the
	// error surfaced. Zero when no attempt was started.
	Attempts int
	// TimedOut marks errors whose root cause was attempt timeouts, kept
	// when retry exhaustion re-labels the kind as engine_unavailable.
	TimedOut bool

	err error
}

func (e *ClassifiedError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("%s: %s (after %d attempts)", e.Kind, e.Message, e.Attempts)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ClassifiedError) Unwrap() error {
	return e.err
}

// Retryable reports whether the dispatch loop may retry after this error.
func (e *ClassifiedError) Retryable() bool {
	return e.Kind.Retryable()
}

func newError(kind Kind, category script.Category, msg string, cause error) *ClassifiedError {
	return &ClassifiedError{
		Kind:     kind,
		Category: category,
		Message:  msg,
		err:      cause,
	}
}
