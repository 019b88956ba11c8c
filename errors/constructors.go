package errors

import (
	"fmt"
	"strings"
	"time"
)

// ConfigNotFound creates a configuration not found error
func ConfigNotFound(path string) *HubError {
	return New(ErrCodeConfigNotFound, fmt.Sprintf("configuration file not found: %s", path)).
		WithDetail("path", path)
}

// ConfigInvalid creates an invalid configuration error
func ConfigInvalid(reason string) *HubError {
	return New(ErrCodeConfigInvalid, fmt.Sprintf("invalid configuration: %s", reason))
}

// UnknownParameters creates an error naming parameters that are not registered.
func UnknownParameters(names []string) *HubError {
	return New(ErrCodeUnknownParameter,
		fmt.Sprintf("unknown parameter(s): %s", strings.Join(names, ", "))).
		WithDetail("names", names)
}

// MalformedPayload creates a protocol error for an undecodable event payload.
func MalformedPayload(event string, err error) *HubError {
	return Wrap(err, ErrCodeMalformedPayload, fmt.Sprintf("malformed payload for event '%s'", event)).
		WithDetail("event", event)
}

// UnknownEvent creates a protocol error for an event name the hub does not handle.
func UnknownEvent(event string) *HubError {
	return New(ErrCodeUnknownEvent, fmt.Sprintf("unknown event '%s'", event)).
		WithDetail("event", event)
}

// NotPermitted creates an error for an event sent by a session whose role may not send it.
func NotPermitted(event, role string) *HubError {
	return New(ErrCodeNotPermitted, fmt.Sprintf("event '%s' is not accepted from a %s session", event, role)).
		WithDetail("event", event).
		WithDetail("role", role)
}

// CADDisconnected creates the synthetic error broadcast when the CAD engine drops mid-cycle.
func CADDisconnected(requestID string) *HubError {
	return New(ErrCodeCADDisconnected, "CAD engine disconnected before returning geometry").
		WithDetail("request_id", requestID)
}

// CADTimeout creates an error for a compute cycle that exceeded the configured round-trip limit.
func CADTimeout(requestID string, timeout time.Duration) *HubError {
	return New(ErrCodeCADTimeout,
		fmt.Sprintf("CAD engine did not return geometry within %s", timeout)).
		WithDetail("request_id", requestID).
		WithDetail("timeout", timeout.String())
}

// CADFailed creates an error for a compute cycle the CAD engine reported as failed.
func CADFailed(requestID, reason string) *HubError {
	if reason == "" {
		reason = "unspecified error"
	}
	return New(ErrCodeCADFailed, fmt.Sprintf("CAD engine failed to compute geometry: %s", reason)).
		WithDetail("request_id", requestID)
}

// LLMFailed wraps a failed or unreachable language model call.
func LLMFailed(err error) *HubError {
	return Wrap(err, ErrCodeLLMFailed, "language model request failed")
}

// LLMTimeout creates an error for a language model call that exceeded its deadline.
func LLMTimeout(timeout time.Duration) *HubError {
	return New(ErrCodeLLMTimeout, fmt.Sprintf("language model did not answer within %s", timeout)).
		WithDetail("timeout", timeout.String())
}

// LLMMalformed wraps a language model reply that could not be parsed into parameter changes.
func LLMMalformed(err error) *HubError {
	return Wrap(err, ErrCodeLLMMalformed, "language model reply was not a parameter object")
}
