// Package apperr defines the orchestration error taxonomy.
package apperr

import (
	"errors"
	"fmt"
)

// Code identifies an error class.
type Code string

// Error codes.
const (
	CodeClassificationFailure Code = "CLASSIFICATION_FAILURE"
	CodeDelegationUnavailable Code = "DELEGATION_UNAVAILABLE"
	CodeDelegationTimeout     Code = "DELEGATION_TIMEOUT"
	CodeExternalAPI           Code = "EXTERNAL_API_ERROR"
	CodeMaskDimensionMismatch Code = "MASK_DIMENSION_MISMATCH"
	CodeInvalidTaskState      Code = "INVALID_TASK_STATE"
)

// Reason refines CodeExternalAPI.
type Reason string

// External API failure reasons.
const (
	ReasonNone           Reason = ""
	ReasonQuotaExceeded  Reason = "QUOTA_EXCEEDED"
	ReasonInvalidRequest Reason = "INVALID_REQUEST"
	ReasonNetwork        Reason = "NETWORK"
	ReasonUpstream       Reason = "UPSTREAM"
)

// Error is an application-level error with a code and optional cause.
type Error struct {
	Code    Code
	Reason  Reason
	Message string
	Cause   error
}

func (e *Error) Error() string {
	label := string(e.Code)
	if e.Reason != ReasonNone {
		label += "/" + string(e.Reason)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", label, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", label, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error with the same code. A target with a reason
// also has to match the reason.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code != e.Code {
		return false
	}
	return t.Reason == ReasonNone || t.Reason == e.Reason
}

// New creates a new Error.
func New(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// External creates a CodeExternalAPI error with the given reason.
func External(reason Reason, message string, cause error) *Error {
	return &Error{Code: CodeExternalAPI, Reason: reason, Message: message, Cause: cause}
}

// Sentinels usable with errors.Is.
var (
	ErrClassificationFailure = &Error{Code: CodeClassificationFailure}
	ErrDelegationUnavailable = &Error{Code: CodeDelegationUnavailable}
	ErrDelegationTimeout     = &Error{Code: CodeDelegationTimeout}
	ErrExternalAPI           = &Error{Code: CodeExternalAPI}
	ErrMaskDimensionMismatch = &Error{Code: CodeMaskDimensionMismatch}
	ErrInvalidTaskState      = &Error{Code: CodeInvalidTaskState}
)

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// ReasonOf returns the reason of the first *Error in err's chain.
func ReasonOf(err error) Reason {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ReasonNone
}

const genericApology = "죄송해요, 요청을 처리하는 중에 문제가 생겼어요. 잠시 후 다시 시도해주세요."

// UserMessage maps err to a friendly, non-technical Korean reply.
func UserMessage(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return genericApology
	}
	switch e.Code {
	case CodeMaskDimensionMismatch:
		return "선택 영역을 이미지와 맞출 수 없었어요. 선택 영역을 다시 지정해 주세요."
	case CodeExternalAPI:
		switch e.Reason {
		case ReasonQuotaExceeded:
			return "죄송해요, 현재 서비스 사용량이 많아서 일시적으로 사용할 수 없습니다. 잠시 후 다시 시도해주세요."
		case ReasonInvalidRequest:
			return "죄송해요, 이미지 생성에 문제가 발생했습니다. 다른 스타일이나 내용으로 다시 시도해주세요."
		case ReasonNetwork:
			return "네트워크 연결에 문제가 있습니다. 잠시 후 다시 시도해주세요."
		default:
			return "죄송해요, AI 서비스에 일시적인 문제가 발생했습니다. 잠시 후 다시 시도해주세요."
		}
	default:
		return genericApology
	}
}
