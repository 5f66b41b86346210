package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStorage(t *testing.T) {
	assert.Nil(t, Storage("claim", nil))

	cause := fmt.Errorf("connection refused")
	err := Storage("claim", cause)

	assert.True(t, IsStorage(err))
	assert.True(t, err.IsRetryable())
	assert.False(t, err.IsFatal())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, http.StatusServiceUnavailable, ToHTTPStatus(err))
	assert.Equal(t, "claim", err.Details["operation"])
}

func TestIsStorage_Wrapped(t *testing.T) {
	err := fmt.Errorf("create order: %w", Storage("insert order", errors.New("boom")))
	assert.True(t, IsStorage(err))
	assert.False(t, IsStorage(errors.New("plain")))
}

func TestRetryability(t *testing.T) {
	tests := []struct {
		name      string
		err       *Error
		retryable bool
	}{
		{"validation is fatal", ErrValidation, false},
		{"not found is fatal", ErrNotFound, false},
		{"internal is retryable", ErrInternal, true},
		{"forced fatal", ErrInternal.AsFatal(), false},
		{"forced retryable", ErrValidation.AsRetryable(), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, tt.err.IsRetryable())
			assert.Equal(t, !tt.retryable, tt.err.IsFatal())
		})
	}
}

func TestToErrorResponse(t *testing.T) {
	resp := ToErrorResponse(ErrNotFound.WithDetail("message", "order not found"))
	assert.Equal(t, "resource not found", resp["error"])
	assert.Equal(t, "NOT_FOUND", resp["error_code"])

	resp = ToErrorResponse(errors.New("boom"))
	assert.Equal(t, "INTERNAL_ERROR", resp["error_code"])
}

func TestRecoverPanic_HidesStackFromResponse(t *testing.T) {
	err := RecoverPanic("kaboom")
	assert.Error(t, err)

	var appErr *Error
	assert.True(t, errors.As(err, &appErr))
	assert.True(t, appErr.IsFatal())

	resp := ToErrorResponse(err)
	details, _ := resp["details"].(map[string]interface{})
	assert.NotContains(t, details, "stack_trace")
	assert.Equal(t, true, details["panic"])
}

func TestWithDetail_DoesNotMutateSentinel(t *testing.T) {
	_ = ErrConflict.WithDetail("message", "duplicate subscription")
	assert.Empty(t, ErrConflict.Details)
}

func TestSafely(t *testing.T) {
	assert.NoError(t, Safely(func() error { return nil }))

	want := errors.New("plain failure")
	assert.Equal(t, want, Safely(func() error { return want }))

	err := Safely(func() error { panic("handler exploded") })
	var appErr *Error
	assert.True(t, errors.As(err, &appErr))
	assert.Equal(t, ErrInternal.Code, appErr.Code)
	assert.True(t, appErr.IsFatal())
}

func TestIsPanic(t *testing.T) {
	assert.True(t, IsPanic(RecoverPanic("boom")))
	assert.False(t, IsPanic(ErrInternal))
	assert.False(t, IsPanic(errors.New("plain")))
	assert.False(t, IsPanic(nil))
}
