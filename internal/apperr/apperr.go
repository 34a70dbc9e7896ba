// Package apperr defines the error kinds shared by the reliability engine.
//
// Expected, recoverable conditions (insufficient balance, provider failure,
// duplicate submission) travel as *Error values carrying a Kind. Anything
// without a Kind is treated as internal and propagated unchanged.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for retry and presentation purposes.
type Kind string

const (
	KindInternal            Kind = "internal"
	KindValidation          Kind = "validation"
	KindInsufficientBalance Kind = "insufficient_balance"
	KindUnauthorized        Kind = "unauthorized"
	KindAlreadyProcessed    Kind = "already_processed"
	KindAlreadyClaimed      Kind = "already_claimed"
	KindProviderFailed      Kind = "provider_failed"
	KindProviderUnavailable Kind = "provider_unavailable"
	KindInProgress          Kind = "in_progress"
)

// Error is a typed engine error.
type Error struct {
	Kind    Kind
	Message string
	// Remaining is the number of retry attempts left on the owning entity, when known.
	Remaining *int
	// Result optionally carries the already-stored result for AlreadyProcessed/AlreadyClaimed.
	Result any
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches two *Error values by kind so errors.Is(err, apperr.ErrInProgress) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == "" && t.Err == nil
}

// Sentinels usable with errors.Is.
var (
	ErrValidation          = &Error{Kind: KindValidation}
	ErrInsufficientBalance = &Error{Kind: KindInsufficientBalance}
	ErrUnauthorized        = &Error{Kind: KindUnauthorized}
	ErrAlreadyProcessed    = &Error{Kind: KindAlreadyProcessed}
	ErrAlreadyClaimed      = &Error{Kind: KindAlreadyClaimed}
	ErrProviderFailed      = &Error{Kind: KindProviderFailed}
	ErrProviderUnavailable = &Error{Kind: KindProviderUnavailable}
	ErrInProgress          = &Error{Kind: KindInProgress}
)

// New builds an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf builds an *Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying error.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// WithRemaining records the retry attempts left.
func (e *Error) WithRemaining(n int) *Error {
	if n < 0 {
		n = 0
	}
	e.Remaining = &n
	return e
}

// WithResult attaches a previously stored result.
func (e *Error) WithResult(result any) *Error {
	e.Result = result
	return e
}

// KindOf extracts the Kind of err, or KindInternal when err carries none.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// As returns the *Error inside err, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Retryable reports whether the caller may resubmit the operation later.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindProviderFailed, KindProviderUnavailable, KindInProgress:
		return true
	default:
		return false
	}
}

// IsSuccessLike reports whether err means the operation already happened.
func IsSuccessLike(err error) bool {
	switch KindOf(err) {
	case KindAlreadyProcessed, KindAlreadyClaimed:
		return true
	default:
		return false
	}
}

// HTTPStatus maps a kind to the status code surfaced to clients.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindInsufficientBalance:
		return http.StatusPaymentRequired
	case KindUnauthorized:
		return http.StatusForbidden
	case KindAlreadyProcessed, KindAlreadyClaimed:
		return http.StatusOK
	case KindProviderFailed:
		return http.StatusBadGateway
	case KindProviderUnavailable:
		return http.StatusServiceUnavailable
	case KindInProgress:
		return http.StatusAccepted
	default:
		return http.StatusInternalServerError
	}
}
