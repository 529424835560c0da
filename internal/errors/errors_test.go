package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppError_ErrorAndUnwrap(t *testing.T) {
	cause := errors.New("boom")

	t.Run("message only", func(t *testing.T) {
		err := Validation("job type is required")
		assert.Equal(t, "job type is required", err.Error())
		assert.NoError(t, err.Unwrap())
	})

	t.Run("message with cause", func(t *testing.T) {
		err := Wrap(cause, ErrCodeInternal, "insert job")
		assert.Equal(t, "insert job: boom", err.Error())
		assert.ErrorIs(t, err, cause)
	})

	t.Run("wrap nil returns nil", func(t *testing.T) {
		assert.Nil(t, Wrap(nil, ErrCodeInternal, "ignored"))
	})
}

func TestCodeChecks(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
		code  ErrorCode
	}{
		{"not found", NotFoundf("job %s not found", "j1"), IsNotFound, ErrCodeNotFound},
		{"conflict", Conflictf("job %s already exists", "j1"), IsConflict, ErrCodeConflict},
		{"validation", Validationf("maximum retry attempts (%d) reached", 3), IsValidation, ErrCodeValidation},
		{"internal", Wrapf(errors.New("x"), ErrCodeInternal, "op %d", 1), IsInternal, ErrCodeInternal},
		{"timeout", &AppError{Code: ErrCodeTimeout}, IsTimeout, ErrCodeTimeout},
		{"canceled", &AppError{Code: ErrCodeCanceled}, IsCanceled, ErrCodeCanceled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.check(tt.err))
			assert.Equal(t, tt.code, GetCode(tt.err))

			wrapped := fmt.Errorf("outer: %w", tt.err)
			assert.True(t, tt.check(wrapped), "code must survive fmt wrapping")
		})
	}
}

func TestGetCodeAndField_NonAppError(t *testing.T) {
	err := errors.New("plain")
	assert.Empty(t, GetCode(err))
	assert.Empty(t, GetField(err))
	assert.False(t, IsValidation(err))
}

func TestValidationField(t *testing.T) {
	err := ValidationField("priority", "priority must be between 0 and 9")
	require.True(t, IsValidation(err))
	assert.Equal(t, "priority", GetField(err))
}
