// Package errs defines the tagged error values used across the grading
// service. Each error kind carries a stable wire code that clients use to
// tell retry-worthy failures from terminal ones.
package errs

import (
	"errors"
	"fmt"
)

// Code is a stable machine-readable error code surfaced in API envelopes.
type Code string

const (
	CodeRateLimited   Code = "RATE_LIMITED"
	CodeExhausted     Code = "EXHAUSTED"
	CodeAIError       Code = "AI_ERROR"
	CodeImageError    Code = "IMG_ERROR"
	CodeAnalyzeFailed Code = "ANALYZE_FAILED"
	CodeFileTooLarge  Code = "FILE_TOO_LARGE"
	CodeNotFound      Code = "NOT_FOUND"
	CodeSystemError   Code = "SYSTEM_ERROR"
)

// Error is a coded error value. Wrap with fmt.Errorf("...: %w", err) freely;
// CodeOf walks the chain.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is lets errors.Is match on code: errors.Is(err, &Error{Code: CodeExhausted}).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// New creates a coded error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates a coded error with a cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// Newf creates a coded error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Sentinels for errors.Is checks on the common control-flow kinds.
var (
	ErrExhausted   = New(CodeExhausted, "API Key 池已耗尽，请稍后重试或添加更多 Key")
	ErrRateLimited = New(CodeRateLimited, "操作过于频繁，请 5 分钟后再试")
)

// CodeOf extracts the wire code from an error chain, defaulting to
// SYSTEM_ERROR for uncoded errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeSystemError
}

// IsExhausted reports whether err is a pool-exhaustion error.
func IsExhausted(err error) bool {
	return errors.Is(err, ErrExhausted)
}
