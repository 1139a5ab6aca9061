package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewWithCause(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := New(CodeDelegationUnavailable, "agent unreachable", cause)

	assert.Equal(t, CodeDelegationUnavailable, err.Code)
	assert.Contains(t, err.Error(), "DELEGATION_UNAVAILABLE")
	assert.Contains(t, err.Error(), "dial tcp: refused")
	assert.ErrorIs(t, err, cause)
}

func TestIsMatchesByCode(t *testing.T) {
	wrapped := fmt.Errorf("execute: %w", External(ReasonQuotaExceeded, "429", nil))

	assert.ErrorIs(t, wrapped, ErrExternalAPI)
	assert.ErrorIs(t, wrapped, &Error{Code: CodeExternalAPI, Reason: ReasonQuotaExceeded})
	assert.NotErrorIs(t, wrapped, &Error{Code: CodeExternalAPI, Reason: ReasonNetwork})
	assert.NotErrorIs(t, wrapped, ErrDelegationTimeout)
	assert.Equal(t, CodeExternalAPI, CodeOf(wrapped))
	assert.Equal(t, ReasonQuotaExceeded, ReasonOf(wrapped))
}

func TestCodeOfPlainError(t *testing.T) {
	assert.Equal(t, Code(""), CodeOf(errors.New("plain")))
	assert.Equal(t, ReasonNone, ReasonOf(nil))
}

func TestUserMessageNeverLeaksCause(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"quota", External(ReasonQuotaExceeded, "x", errors.New("insufficient_quota")), "사용량"},
		{"network", External(ReasonNetwork, "x", errors.New("i/o timeout")), "네트워크"},
		{"invalid", External(ReasonInvalidRequest, "x", nil), "다른 스타일"},
		{"mask", New(CodeMaskDimensionMismatch, "x", nil), "선택 영역을 다시"},
		{"state", New(CodeInvalidTaskState, "x", nil), "죄송해요"},
		{"plain", errors.New("boom"), "죄송해요"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			msg := UserMessage(tt.err)
			assert.Contains(t, msg, tt.want)
			assert.NotContains(t, msg, "insufficient_quota")
			assert.NotContains(t, msg, "i/o timeout")
		})
	}
}
