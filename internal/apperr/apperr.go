// Package apperr holds the error taxonomy shared by the server, the HTTP
// boundary and the client library.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeValidation           Code = "VALIDATION"
	CodeForbidden            Code = "FORBIDDEN"
	CodeNotFound             Code = "NOT_FOUND"
	CodeConflict             Code = "CONFLICT"
	CodeMemberLimit          Code = "MEMBER_LIMIT"
	CodeEncryptionKeyMissing Code = "ENCRYPTION_KEY_MISSING"
	CodeTransient            Code = "TRANSIENT"
	CodeInternal             Code = "INTERNAL"
)

// Error is a domain failure with a stable code.
type Error struct {
	Code    Code
	Message string
	// UserIDs names the users an error is about, e.g. participants without
	// a registered public key.
	UserIDs []string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func Validation(format string, args ...any) *Error {
	return Newf(CodeValidation, format, args...)
}

func Forbidden(format string, args ...any) *Error {
	return Newf(CodeForbidden, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return Newf(CodeNotFound, format, args...)
}

func MemberLimit(limit int) *Error {
	return Newf(CodeMemberLimit, "a group can have at most %d participants", limit)
}

func KeyMissing(userIDs []string) *Error {
	return &Error{
		Code:    CodeEncryptionKeyMissing,
		Message: "some participants have not registered an encryption key",
		UserIDs: userIDs,
	}
}

// CodeOf returns the code of the first *Error in err's chain, or
// CodeInternal when there is none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

func Is(err error, code Code) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

// Retryable reports whether repeating the same request may succeed.
func Retryable(err error) bool {
	return Is(err, CodeTransient)
}

func HTTPStatus(code Code) int {
	switch code {
	case CodeValidation, CodeMemberLimit:
		return http.StatusBadRequest
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeEncryptionKeyMissing:
		return http.StatusPreconditionFailed
	case CodeTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// FromStatus maps a response status without a recognizable body back to a
// code. Gateway errors and throttling are treated as transient.
func FromStatus(status int) Code {
	switch {
	case status == http.StatusBadRequest:
		return CodeValidation
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return CodeForbidden
	case status == http.StatusNotFound:
		return CodeNotFound
	case status == http.StatusConflict:
		return CodeConflict
	case status == http.StatusPreconditionFailed:
		return CodeEncryptionKeyMissing
	case status == http.StatusTooManyRequests, status >= 500:
		return CodeTransient
	default:
		return CodeInternal
	}
}
