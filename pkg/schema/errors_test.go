package schema

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlowErrorMessage(t *testing.T) {
	err := NewError(ErrCodeTransport, "connection refused")
	assert.Equal(t, "[TRANSPORT_ERROR] connection refused", err.Error())

	err = err.WithNode("fetch")
	assert.Equal(t, "[TRANSPORT_ERROR] node fetch: connection refused", err.Error())
}

func TestFlowErrorUnwrap(t *testing.T) {
	cause := errors.New("dial tcp: timeout")
	err := NewErrorf(ErrCodeTimeout, "calling %s", "api.example.com").WithCause(cause)

	require.ErrorIs(t, err, cause)
	assert.Equal(t, "calling api.example.com", err.Message)
}

func TestErrorCode(t *testing.T) {
	inner := NewError(ErrCodeEvaluation, "undeclared variable")
	wrapped := fmt.Errorf("guard on edge check->notify: %w", inner)

	assert.Equal(t, ErrCodeEvaluation, ErrorCode(wrapped))
	assert.Equal(t, "", ErrorCode(errors.New("plain")))
	assert.Equal(t, "", ErrorCode(nil))
}

func TestAsFlowError(t *testing.T) {
	t.Run("nil passes through", func(t *testing.T) {
		assert.Nil(t, AsFlowError(nil, ErrCodeNodeFailed))
	})

	t.Run("existing FlowError kept", func(t *testing.T) {
		orig := NewError(ErrCodeConfiguration, "unknown node type").WithNode("x")
		got := AsFlowError(fmt.Errorf("dispatch: %w", orig), ErrCodeNodeFailed)
		assert.Same(t, orig, got)
	})

	t.Run("foreign error wrapped under fallback", func(t *testing.T) {
		plain := errors.New("boom")
		got := AsFlowError(plain, ErrCodeNodeFailed)
		assert.Equal(t, ErrCodeNodeFailed, got.Code)
		assert.Equal(t, "boom", got.Message)
		require.ErrorIs(t, got, plain)
	})
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		code string
		want bool
	}{
		{ErrCodeTransport, true},
		{ErrCodeTimeout, true},
		{ErrCodeEvaluation, true},
		{ErrCodeStore, true},
		{ErrCodeNodeFailed, true},
		{ErrCodeConfiguration, false},
		{ErrCodeValidation, false},
		{ErrCodeCycleDetected, false},
		{ErrCodeInvalidTransition, false},
		{ErrCodeCancelled, false},
		{ErrCodeNotFound, false},
		{ErrCodeConflict, false},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			assert.Equal(t, tt.want, NewError(tt.code, "x").IsRetryable())
		})
	}
}

func TestValidationResult(t *testing.T) {
	var r ValidationResult
	assert.True(t, r.Valid())
	require.NoError(t, r.ToError())

	r.AddWarning("/nodes/2", "UNREACHABLE", "node is unreachable from any root")
	assert.True(t, r.Valid())

	r.AddError("/connections/0/targetNode", ErrCodeValidation, "unknown node \"ghost\"")
	assert.False(t, r.Valid())

	var other ValidationResult
	other.AddError("/nodes/1/id", ErrCodeValidation, "duplicate node id \"start\"")
	r.Merge(&other)

	err := r.ToError()
	require.Error(t, err)
	fe := AsFlowError(err, ErrCodeValidation)
	assert.Equal(t, ErrCodeValidation, fe.Code)
	assert.Equal(t, 2, fe.Details["error_count"])
}
