package platformerrors

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a routing/execution failure. Only TRANSIENT_TRANSPORT is
// ever retried internally; every other kind propagates immediately.
type Kind string

const (
	KindNoProviderFound    Kind = "NO_PROVIDER_FOUND"
	KindNotAllowed         Kind = "NOT_ALLOWED"
	KindStalled            Kind = "STALLED"
	KindTransientTransport Kind = "TRANSIENT_TRANSPORT"
	KindValidation         Kind = "VALIDATION"
	KindBestEffortTimeout  Kind = "BEST_EFFORT_TIMEOUT"
	KindInternal           Kind = "INTERNAL"
)

// Phase identifies where in the call lifecycle a failure occurred.
type Phase string

const (
	PhaseResolution Phase = "resolution"
	PhaseLockWait   Phase = "lock_wait"
	PhaseCall       Phase = "call"
)

// Error carries the failure kind plus the backend identity, model name and
// failing phase so callers can decide on fallback routing.
type Error struct {
	Kind      Kind
	Phase     Phase
	Provider  string
	Model     string
	Message   string
	Attempts  int
	Err       error
	Timestamp time.Time
}

func (e *Error) Error() string {
	base := fmt.Sprintf("[%s][%s]", e.Kind, e.Phase)
	if e.Provider != "" {
		base += fmt.Sprintf("[provider=%s]", e.Provider)
	}
	if e.Model != "" {
		base += fmt.Sprintf("[model=%s]", e.Model)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %v", base, e.Message, e.Err)
	}
	return fmt.Sprintf("%s %s", base, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds an Error for the given kind and phase.
func New(kind Kind, phase Phase, provider, model, message string, err error) *Error {
	return &Error{
		Kind:      kind,
		Phase:     phase,
		Provider:  provider,
		Model:     model,
		Message:   message,
		Err:       err,
		Timestamp: time.Now().UTC(),
	}
}

// WithAttempts records how many attempts were made before the error became
// terminal.
func (e *Error) WithAttempts(attempts int) *Error {
	e.Attempts = attempts
	return e
}

// KindOf returns the Kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindInternal
}

// IsKind reports whether err (or anything it wraps) carries the given kind.
func IsKind(err error, kind Kind) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind == kind
	}
	return false
}

// IsTimeoutClass reports whether err is one of the timeout-classed kinds that
// must trigger adapter rotation before surfacing.
func IsTimeoutClass(err error) bool {
	k := KindOf(err)
	return k == KindStalled || k == KindBestEffortTimeout
}

// As wraps a foreign error, preserving taxonomy fields when err is already an
// *Error.
func As(phase Phase, provider, model string, err error, message string) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		wrapped := New(pe.Kind, phase, provider, model, fmt.Sprintf("%s: %s", message, pe.Message), pe)
		wrapped.Attempts = pe.Attempts
		return wrapped
	}
	return New(KindInternal, phase, provider, model, message, err)
}
