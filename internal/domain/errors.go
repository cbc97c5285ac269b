package domain

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a class of tracker failure.
type ErrorCode string

const (
	CodePlatformUnsupported ErrorCode = "PLATFORM_UNSUPPORTED"
	CodePermissionDenied    ErrorCode = "PERMISSION_DENIED"
	CodeProbeTransient      ErrorCode = "PROBE_TRANSIENT"
	CodeResolverFailure     ErrorCode = "RESOLVER_FAILURE"
	CodeQueueOverflow       ErrorCode = "QUEUE_OVERFLOW"
	CodeChannelFailure      ErrorCode = "CHANNEL_FAILURE"
	CodeAlreadyTracking     ErrorCode = "ALREADY_TRACKING"
	CodeInvalidConfig       ErrorCode = "INVALID_CONFIG"
)

// Error is a coded tracker error. Two Errors match under errors.Is when
// their codes are equal, so wrapped instances still match the sentinels below.
type Error struct {
	Code    ErrorCode         `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
	Cause   error             `json:"-"`
}

// Sentinels for errors.Is checks.
var (
	ErrPlatformUnsupported = New(CodePlatformUnsupported, "platform does not provide a focus hook or API")
	ErrPermissionDenied    = New(CodePermissionDenied, "required OS capability not granted")
	ErrProbeTransient      = New(CodeProbeTransient, "focus sample unavailable")
	ErrResolverFailure     = New(CodeResolverFailure, "browser tab resolution failed")
	ErrQueueOverflow       = New(CodeQueueOverflow, "event queue full, oldest event dropped")
	ErrChannelFailure      = New(CodeChannelFailure, "event delivery to consumer failed")
	ErrAlreadyTracking     = New(CodeAlreadyTracking, "a tracking session is already active")
	ErrInvalidConfig       = New(CodeInvalidConfig, "invalid configuration")
)

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// WithDetail returns a copy of e with an extra detail attached.
func (e *Error) WithDetail(key, value string) *Error {
	out := *e
	out.Details = make(map[string]string, len(e.Details)+1)
	for k, v := range e.Details {
		out.Details[k] = v
	}
	out.Details[key] = value
	return &out
}

// New creates a coded error.
func New(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a cause to a copy of the given coded error.
func Wrap(kind *Error, cause error) *Error {
	return &Error{
		Code:    kind.Code,
		Message: kind.Message,
		Details: kind.Details,
		Cause:   cause,
	}
}

// CodeOf extracts the error code from err, or "" if err is not a coded error.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
