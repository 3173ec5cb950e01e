// Package errs defines the closed error taxonomy shared by every service.
// Wire codes are stable: adapters map upstream faults onto them, the
// reliability envelope keys retry decisions off them, and the HTTP layer
// serializes them into the error envelope.
package errs

import (
	"errors"
	"fmt"
)

// Code identifies one member of the closed taxonomy.
type Code string

const (
	CodeAuth                Code = "AUTH_ERROR"
	CodePermission          Code = "PERMISSION_ERROR"
	CodeValidation          Code = "VALIDATION_ERROR"
	CodeRateLimit           Code = "RATE_LIMIT_ERROR"
	CodeNetwork             Code = "NETWORK_ERROR"
	CodeVenue               Code = "VENUE_ERROR"
	CodeInsufficientBalance Code = "INSUFFICIENT_BALANCE_ERROR"
	CodeInvalidSymbol       Code = "INVALID_SYMBOL_ERROR"
	CodeSlippage            Code = "SLIPPAGE_ERROR"
	CodeBreakerOpen         Code = "BREAKER_OPEN_ERROR"
	CodeNotFound            Code = "NOT_FOUND"
	CodeInternal            Code = "INTERNAL_ERROR"
)

// retryable marks the codes the reliability envelope may retry. Everything
// else short-circuits to the caller.
var retryable = map[Code]bool{
	CodeRateLimit: true,
	CodeNetwork:   true,
	CodeVenue:     true,
}

// Error carries a taxonomy code, an operator-facing message, and retry
// metadata. Messages must never embed secrets; adapters are responsible for
// scrubbing upstream text before wrapping it.
type Error struct {
	Code      Code
	Message   string
	Retryable bool
	Retries   int // attempts consumed before surfacing, 0 if none
	cause     error
}

func (e *Error) Error() string {
	if e.Retries > 0 {
		return fmt.Sprintf("%s: %s (after %d retries)", e.Code, e.Message, e.Retries)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches any *Error with the same code, so callers can write
// errors.Is(err, errs.New(errs.CodeSlippage, "")).
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// New builds a taxonomy error. Retryability follows the code.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message, Retryable: retryable[code]}
}

// Newf is New with formatting.
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap attaches a cause. The cause is preserved for errors.Is/As but never
// serialized across the API boundary.
func Wrap(code Code, message string, cause error) *Error {
	e := New(code, message)
	e.cause = cause
	return e
}

// WithRetries returns a copy annotated with the retry count consumed by the
// reliability envelope before the error surfaced.
func (e *Error) WithRetries(n int) *Error {
	cp := *e
	cp.Retries = n
	return &cp
}

// CodeOf extracts the taxonomy code, defaulting to INTERNAL_ERROR for
// unclassified errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsRetryable reports whether the envelope may retry err. Unclassified
// errors are not retried.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// HTTPStatus maps a taxonomy code to the response status used by the API
// front.
func HTTPStatus(code Code) int {
	switch code {
	case CodeAuth:
		return 401
	case CodePermission:
		return 403
	case CodeValidation, CodeInvalidSymbol:
		return 400
	case CodeRateLimit:
		return 429
	case CodeNotFound:
		return 404
	case CodeNetwork, CodeVenue, CodeBreakerOpen:
		return 502
	case CodeSlippage, CodeInsufficientBalance:
		return 422
	default:
		return 500
	}
}
