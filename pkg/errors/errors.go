package errors

import (
	"errors"
	"fmt"
)

// ErrorCode classifies an AppError into one of the taxonomy kinds used
// across the orchestrator, tool substrate, and persistence layers.
type ErrorCode string

const (
	CodeInvalidInput   ErrorCode = "INVALID_INPUT"
	CodeNotFound       ErrorCode = "NOT_FOUND"
	CodeAlreadyExists  ErrorCode = "ALREADY_EXISTS"
	CodeUnauthorized   ErrorCode = "UNAUTHORIZED"
	CodeForbidden      ErrorCode = "FORBIDDEN"
	CodeInternal       ErrorCode = "INTERNAL_ERROR"
	CodeServiceUnavail ErrorCode = "SERVICE_UNAVAILABLE"

	// CodeInfrastructure covers I/O, JSON parse, subprocess spawn, git
	// timeout, channel-closed, and keyring-access failures.
	CodeInfrastructure ErrorCode = "INFRASTRUCTURE"
	// CodeProtocol covers malformed model streams and invalid
	// tool-call JSON schemas.
	CodeProtocol ErrorCode = "PROTOCOL"
	// CodeToolFailure covers a handler returning success=false or Err.
	CodeToolFailure ErrorCode = "TOOL_FAILURE"
	// CodePolicy covers rejected approvals, sandbox denials, and
	// tools outside the allow-list.
	CodePolicy ErrorCode = "POLICY"
	// CodeSession covers SessionNotFound, DagNotFound, and version
	// mismatches in on-disk records.
	CodeSession ErrorCode = "SESSION"
	// CodeUser covers invalid CLI args and missing required flags.
	CodeUser ErrorCode = "USER"
)

// AppError is the single error type propagated across component
// boundaries; Code drives both event-stream classification and CLI
// exit-code selection.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Recoverable reports whether a caller should retry the operation that
// produced this error. Infrastructure transport failures are
// retryable; everything else is considered terminal for the current
// attempt.
func (e *AppError) Recoverable() bool {
	switch e.Code {
	case CodeInfrastructure, CodeServiceUnavail:
		return true
	default:
		return false
	}
}

func NewInvalidInputError(message string) *AppError {
	return &AppError{Code: CodeInvalidInput, Message: message}
}

func NewNotFoundError(message string) *AppError {
	return &AppError{Code: CodeNotFound, Message: message}
}

func NewAlreadyExistsError(message string) *AppError {
	return &AppError{Code: CodeAlreadyExists, Message: message}
}

func NewInternalError(message string) *AppError {
	return &AppError{Code: CodeInternal, Message: message}
}

func NewInternalErrorWithCause(message string, cause error) *AppError {
	return &AppError{Code: CodeInternal, Message: message, Err: cause}
}

func NewInfrastructureError(message string, cause error) *AppError {
	return &AppError{Code: CodeInfrastructure, Message: message, Err: cause}
}

func NewProtocolError(message string) *AppError {
	return &AppError{Code: CodeProtocol, Message: message}
}

func NewToolFailureError(message string, cause error) *AppError {
	return &AppError{Code: CodeToolFailure, Message: message, Err: cause}
}

func NewPolicyError(message string) *AppError {
	return &AppError{Code: CodePolicy, Message: message}
}

func NewSessionError(message string) *AppError {
	return &AppError{Code: CodeSession, Message: message}
}

func NewUserError(message string) *AppError {
	return &AppError{Code: CodeUser, Message: message}
}

func IsNotFound(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == CodeNotFound
	}
	return false
}

func IsInvalidInput(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == CodeInvalidInput
	}
	return false
}

func IsSession(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == CodeSession
	}
	return false
}

func IsPolicy(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == CodePolicy
	}
	return false
}

// Code returns the classification code of err, or CodeInternal if err
// is not an *AppError.
func Code(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}
