package core

import (
	"errors"
	"fmt"
)

// Code classifies a failure for the structured error envelope. Every failure
// that crosses the service boundary maps to exactly one code.
type Code string

// Error taxonomy.
const (
	CodeValidation             Code = "VALIDATION_ERROR"
	CodeInvalidConfiguration   Code = "INVALID_CONFIGURATION"
	CodeAudioQualityRejected   Code = "AUDIO_QUALITY_REJECTED"
	CodeSessionNotFound        Code = "SESSION_NOT_FOUND"
	CodeProfileNotFound        Code = "PROFILE_NOT_FOUND"
	CodeSessionNotActive       Code = "SESSION_NOT_ACTIVE"
	CodeProfileNotReady        Code = "PROFILE_NOT_READY"
	CodeInvalidStepIndex       Code = "INVALID_STEP_INDEX"
	CodeRateLimited            Code = "RATE_LIMITED"
	CodeProfileBusy            Code = "PROFILE_BUSY"
	CodeSynthesisBackendError  Code = "SYNTHESIS_BACKEND_ERROR"
	CodeSynthesisTimeout       Code = "SYNTHESIS_TIMEOUT"
	CodeUnsupportedAudioFormat Code = "UNSUPPORTED_AUDIO_FORMAT"
	CodeEmptyAudio             Code = "EMPTY_AUDIO"
	CodeUnsupportedLanguage    Code = "UNSUPPORTED_LANGUAGE"
	CodeTextTooLong            Code = "TEXT_TOO_LONG"
	CodeInternal               Code = "INTERNAL_ERROR"
)

// DomainError is a classified failure carrying structured context for the
// error envelope. Details and Suggestions are optional.
type DomainError struct {
	Code        Code
	Message     string
	Details     map[string]any
	Suggestions []string
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError creates a DomainError with the given code and formatted message.
func NewError(code Code, format string, args ...any) *DomainError {
	return &DomainError{
		Code:        code,
		Message:     fmt.Sprintf(format, args...),
		Details:     nil,
		Suggestions: nil,
	}
}

// WithDetail attaches one key/value pair to the error's details.
func (e *DomainError) WithDetail(key string, value any) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}

	e.Details[key] = value

	return e
}

// WithSuggestions attaches actionable suggestions for the caller.
func (e *DomainError) WithSuggestions(suggestions ...string) *DomainError {
	e.Suggestions = append(e.Suggestions, suggestions...)

	return e
}

// CodeOf extracts the classification code from an error chain. Errors that
// carry no DomainError classify as CodeInternal.
func CodeOf(err error) Code {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Code
	}

	return CodeInternal
}

// AsDomainError returns the DomainError in the chain, or a generic internal
// error wrapper so no raw failure detail escapes to callers.
func AsDomainError(err error) *DomainError {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr
	}

	return NewError(CodeInternal, "internal error")
}
