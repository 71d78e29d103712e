// Package apperr defines the error taxonomy shared by the authenticator, the
// two-factor service and the request gate. Every Error carries a user-safe
// message and the HTTP status it maps to; wrapped causes are for logs only.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an Error.
type Kind string

const (
	KindMissingCredential  Kind = "MISSING_CREDENTIAL"
	KindInvalidCredential  Kind = "INVALID_CREDENTIAL"
	KindCredentialDisabled Kind = "CREDENTIAL_DISABLED"
	KindInvalidState       Kind = "INVALID_STATE"
	KindNoSecret           Kind = "NO_SECRET"
	KindInvalidCode        Kind = "INVALID_CODE"
	KindValidation         Kind = "VALIDATION_ERROR"
	KindNotFound           Kind = "NOT_FOUND"
	KindRateLimitExceeded  Kind = "RATE_LIMIT_EXCEEDED"
	KindStoreUnavailable   Kind = "STORE_UNAVAILABLE"
	KindInternal           Kind = "INTERNAL_ERROR"
)

// Error is a classified, user-presentable error.
type Error struct {
	Kind       Kind
	Message    string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same Kind, so sentinel values below work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the Kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err's chain contains an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Sentinels for errors.Is comparisons.
var (
	ErrMissingCredential  = &Error{Kind: KindMissingCredential}
	ErrInvalidCredential  = &Error{Kind: KindInvalidCredential}
	ErrCredentialDisabled = &Error{Kind: KindCredentialDisabled}
	ErrInvalidState       = &Error{Kind: KindInvalidState}
	ErrNoSecret           = &Error{Kind: KindNoSecret}
	ErrInvalidCode        = &Error{Kind: KindInvalidCode}
	ErrStoreUnavailable   = &Error{Kind: KindStoreUnavailable}
)

// Error constructors for the gate's error taxonomy

func NewMissingCredentialError() *Error {
	return &Error{
		Kind:       KindMissingCredential,
		Message:    "No API key provided",
		StatusCode: http.StatusUnauthorized,
	}
}

func NewInvalidCredentialError() *Error {
	return &Error{
		Kind:       KindInvalidCredential,
		Message:    "Invalid API key",
		StatusCode: http.StatusUnauthorized,
	}
}

func NewCredentialDisabledError() *Error {
	return &Error{
		Kind:       KindCredentialDisabled,
		Message:    "API key is disabled",
		StatusCode: http.StatusUnauthorized,
	}
}

func NewInvalidStateError(message string) *Error {
	return &Error{
		Kind:       KindInvalidState,
		Message:    message,
		StatusCode: http.StatusBadRequest,
	}
}

func NewNoSecretError() *Error {
	return &Error{
		Kind:       KindNoSecret,
		Message:    "No 2FA secret found. Please setup 2FA first.",
		StatusCode: http.StatusBadRequest,
	}
}

func NewInvalidCodeError() *Error {
	return &Error{
		Kind:       KindInvalidCode,
		Message:    "Invalid code",
		StatusCode: http.StatusBadRequest,
	}
}

func NewValidationError(message string) *Error {
	return &Error{
		Kind:       KindValidation,
		Message:    message,
		StatusCode: http.StatusBadRequest,
	}
}

func NewNotFoundError(message string, err error) *Error {
	return &Error{
		Kind:       KindNotFound,
		Message:    message,
		StatusCode: http.StatusNotFound,
		Err:        err,
	}
}

func NewStoreUnavailableError(err error) *Error {
	return &Error{
		Kind:       KindStoreUnavailable,
		Message:    "Service temporarily unavailable",
		StatusCode: http.StatusServiceUnavailable,
		Err:        err,
	}
}

func NewInternalError(message string, err error) *Error {
	return &Error{
		Kind:       KindInternal,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Err:        err,
	}
}

// StatusCode returns the HTTP status for err, 500 for unclassified errors.
func StatusCode(err error) int {
	var e *Error
	if errors.As(err, &e) && e.StatusCode != 0 {
		return e.StatusCode
	}
	return http.StatusInternalServerError
}

// Message returns the user-safe message for err. Unclassified errors never
// leak their text.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return "Internal server error"
}
