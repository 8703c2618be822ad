package errors

import (
	"fmt"
	"time"
)

// ToolErrorData contains structured data for tool resolution and execution errors
type ToolErrorData struct {
	Tool     string `json:"tool"`
	Provider string `json:"provider,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// AuthErrorData contains structured data for authentication errors
type AuthErrorData struct {
	Required bool   `json:"required"`
	Scheme   string `json:"scheme,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Protocol Errors

// ParseError reports a message that is not valid JSON
func ParseError(cause error) MCPError {
	return WrapError(cause, CodeParseError, "Parse error", CategoryProtocol, SeverityError)
}

// InvalidRequest reports a well-formed message with an invalid protocol shape
func InvalidRequest(reason string) MCPError {
	return NewError(CodeInvalidRequest, "Invalid request", CategoryProtocol, SeverityError).WithDetail(reason)
}

// NotInitialized reports a method that requires a completed initialize handshake
func NotInitialized(method string) MCPError {
	return NewErrorf(CodeInvalidRequest, CategoryProtocol, SeverityWarning,
		"Connection not initialized: %s requires initialize first", method)
}

// MethodNotFound reports an unknown protocol method
func MethodNotFound(method string) MCPError {
	return NewErrorf(CodeMethodNotFound, CategoryNotFound, SeverityWarning, "Method not found: %s", method).
		WithData(map[string]string{"method": method})
}

// Authentication Errors

// Unauthorized reports a request rejected by the authentication gate
func Unauthorized(method string) MCPError {
	return NewErrorf(CodeInvalidRequest, CategoryAuth, SeverityWarning, "Unauthorized: %s requires authentication", method).
		WithData(&AuthErrorData{Required: true})
}

// Forbidden reports an authenticated request the provider refused to authorize
func Forbidden(method, resource string) MCPError {
	msg := fmt.Sprintf("Forbidden: not authorized for %s", method)
	if resource != "" {
		msg = fmt.Sprintf("%s on %s", msg, resource)
	}
	return NewError(CodeInvalidRequest, msg, CategoryAuth, SeverityWarning).
		WithData(&AuthErrorData{Required: true, Reason: "authorization denied"})
}

// RateLimited reports a request refused because its caller exhausted the request budget
func RateLimited(method string) MCPError {
	return NewErrorf(CodeInvalidRequest, CategoryAuth, SeverityWarning, "Rate limit exceeded: %s rejected", method).
		WithData(&AuthErrorData{Reason: "rate limit exceeded"})
}

// Tool Errors

// ToolNotFound reports a tool name no registered provider exposes
func ToolNotFound(name string) MCPError {
	return NewErrorf(CodeMethodNotFound, CategoryNotFound, SeverityWarning, "Tool not found: %s", name).
		WithData(&ToolErrorData{Tool: name, Reason: "not registered"})
}

// ToolExecutionFailed wraps a provider failure during a tool call
func ToolExecutionFailed(name, provider string, cause error) MCPError {
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	return WrapError(cause, CodeInternalError, fmt.Sprintf("Tool %s failed", name), CategoryProvider, SeverityError).
		WithData(&ToolErrorData{Tool: name, Provider: provider, Reason: reason})
}

// ToolTimeout reports a tool call that exceeded its deadline
func ToolTimeout(name string, timeout time.Duration) MCPError {
	return NewErrorf(CodeInternalError, CategoryTimeout, SeverityError, "Tool %s timed out after %s", name, timeout).
		WithData(&ToolErrorData{Tool: name, Reason: "deadline exceeded"})
}

// ToolCancelled reports a tool call abandoned because its context was cancelled
func ToolCancelled(name string) MCPError {
	return NewErrorf(CodeInternalError, CategoryCancelled, SeverityInfo, "Tool %s cancelled", name).
		WithData(&ToolErrorData{Tool: name, Reason: "context cancelled"})
}

// Internal Errors

// InternalError wraps an unexpected failure
func InternalError(cause error) MCPError {
	return WrapError(cause, CodeInternalError, "Internal error", CategoryInternal, SeverityError)
}

// InternalErrorf reports an unexpected failure with a formatted message
func InternalErrorf(format string, args ...interface{}) MCPError {
	return NewErrorf(CodeInternalError, CategoryInternal, SeverityError, format, args...)
}

// Lifecycle Errors

// ConfigInvalid reports a configuration that failed validation
func ConfigInvalid(field, reason string) MCPError {
	return NewErrorf(CodeInvalidParams, CategoryConfig, SeverityCritical, "Invalid configuration: %s %s", field, reason).
		WithData(map[string]string{"field": field, "reason": reason})
}

// ServerInitError reports a failure while starting a server component
func ServerInitError(component string, cause error) MCPError {
	return WrapError(cause, CodeInternalError, fmt.Sprintf("Failed to initialize %s", component), CategoryInternal, SeverityCritical)
}

// ProviderInitFailed reports a tool provider whose Initialize call failed
func ProviderInitFailed(provider string, cause error) MCPError {
	return WrapError(cause, CodeInternalError, fmt.Sprintf("Failed to initialize provider %s", provider), CategoryProvider, SeverityError)
}
