package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_IsMatchesByKind(t *testing.T) {
	err := fmt.Errorf("authenticate: %w", NewInvalidCredentialError())

	assert.True(t, errors.Is(err, ErrInvalidCredential))
	assert.False(t, errors.Is(err, ErrCredentialDisabled))
	assert.True(t, IsKind(err, KindInvalidCredential))
}

func TestError_UnwrapKeepsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewStoreUnavailableError(cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "Service temporarily unavailable: connection refused", err.Error())
	assert.Equal(t, "Service temporarily unavailable", Message(err))
	assert.Equal(t, http.StatusServiceUnavailable, StatusCode(err))
}

func TestUnclassifiedErrorsDoNotLeak(t *testing.T) {
	err := errors.New("pq: password authentication failed for user root")

	assert.Equal(t, KindInternal, KindOf(err))
	assert.Equal(t, http.StatusInternalServerError, StatusCode(err))
	assert.Equal(t, "Internal server error", Message(err))
}

func TestConstructors(t *testing.T) {
	tests := []struct {
		name    string
		err     *Error
		kind    Kind
		status  int
		message string
	}{
		{"missing", NewMissingCredentialError(), KindMissingCredential, 401, "No API key provided"},
		{"invalid", NewInvalidCredentialError(), KindInvalidCredential, 401, "Invalid API key"},
		{"disabled", NewCredentialDisabledError(), KindCredentialDisabled, 401, "API key is disabled"},
		{"no secret", NewNoSecretError(), KindNoSecret, 400, "No 2FA secret found. Please setup 2FA first."},
		{"invalid code", NewInvalidCodeError(), KindInvalidCode, 400, "Invalid code"},
		{"state", NewInvalidStateError("2FA is already enabled for this account."), KindInvalidState, 400, "2FA is already enabled for this account."},
		{"validation", NewValidationError("Code is required"), KindValidation, 400, "Code is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, tt.err.Kind)
			assert.Equal(t, tt.status, tt.err.StatusCode)
			assert.Equal(t, tt.message, tt.err.Error())
		})
	}
}
