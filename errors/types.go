package errors

import (
	"encoding/json"
	"fmt"
)

// ErrorCode represents a specific error condition
type ErrorCode string

const (
	// Configuration errors
	ErrCodeConfigNotFound   ErrorCode = "CONFIG_NOT_FOUND"
	ErrCodeConfigInvalid    ErrorCode = "CONFIG_INVALID"
	ErrCodeConfigValidation ErrorCode = "CONFIG_VALIDATION"

	// Validation errors
	ErrCodeUnknownParameter ErrorCode = "UNKNOWN_PARAMETER"
	ErrCodeInvalidValue     ErrorCode = "INVALID_VALUE"

	// Protocol errors
	ErrCodeMalformedPayload ErrorCode = "MALFORMED_PAYLOAD"
	ErrCodeUnknownEvent     ErrorCode = "UNKNOWN_EVENT"
	ErrCodeNotPermitted     ErrorCode = "NOT_PERMITTED"

	// CAD engine errors
	ErrCodeCADUnavailable  ErrorCode = "CAD_UNAVAILABLE"
	ErrCodeCADDisconnected ErrorCode = "CAD_DISCONNECTED"
	ErrCodeCADTimeout      ErrorCode = "CAD_TIMEOUT"
	ErrCodeCADFailed       ErrorCode = "CAD_FAILED"

	// Language model errors
	ErrCodeLLMFailed    ErrorCode = "LLM_FAILED"
	ErrCodeLLMTimeout   ErrorCode = "LLM_TIMEOUT"
	ErrCodeLLMMalformed ErrorCode = "LLM_MALFORMED"

	// Speech-to-text errors
	ErrCodeTranscribeUnavailable ErrorCode = "TRANSCRIBE_UNAVAILABLE"
	ErrCodeTranscribeFailed      ErrorCode = "TRANSCRIBE_FAILED"

	// General errors
	ErrCodeInternal     ErrorCode = "INTERNAL_ERROR"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
)

// HubError represents a structured error with context
type HubError struct {
	Code    ErrorCode              `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Cause   error                  `json:"-"`
}

// Error implements the error interface
func (e *HubError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap implements the errors.Unwrap interface
func (e *HubError) Unwrap() error {
	return e.Cause
}

// WithDetail adds a detail to the error
func (e *HubError) WithDetail(key string, value interface{}) *HubError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ToJSON converts the error to JSON
func (e *HubError) ToJSON() string {
	data, _ := json.MarshalIndent(e, "", "  ")
	return string(data)
}

// New creates a new HubError
func New(code ErrorCode, message string) *HubError {
	return &HubError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with a HubError
func Wrap(err error, code ErrorCode, message string) *HubError {
	return &HubError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// Is checks if an error is a specific HubError code
func Is(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}

	hubErr, ok := err.(*HubError)
	if !ok {
		// Try to unwrap
		if unwrapper, ok := err.(interface{ Unwrap() error }); ok {
			return Is(unwrapper.Unwrap(), code)
		}
		return false
	}

	return hubErr.Code == code
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if err == nil {
		return ""
	}

	hubErr, ok := err.(*HubError)
	if !ok {
		// Try to unwrap
		if unwrapper, ok := err.(interface{ Unwrap() error }); ok {
			return GetCode(unwrapper.Unwrap())
		}
		return ""
	}

	return hubErr.Code
}

// Message returns the user-facing message of err. For a HubError this is the
// message without the code prefix or cause chain.
func Message(err error) string {
	if err == nil {
		return ""
	}
	if hubErr, ok := err.(*HubError); ok {
		return hubErr.Message
	}
	if unwrapper, ok := err.(interface{ Unwrap() error }); ok {
		if inner := unwrapper.Unwrap(); inner != nil {
			if _, ok := inner.(*HubError); ok {
				return Message(inner)
			}
		}
	}
	return err.Error()
}
