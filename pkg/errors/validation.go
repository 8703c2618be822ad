package errors

import (
	"fmt"
)

// ParameterErrorData contains structured data for parameter-related errors
type ParameterErrorData struct {
	Parameter string `json:"parameter"`
	Expected  string `json:"expected,omitempty"`
	Required  bool   `json:"required,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// InvalidParams reports malformed method parameters
func InvalidParams(reason string) MCPError {
	return NewError(CodeInvalidParams, "Invalid params", CategoryValidation, SeverityError).WithDetail(reason)
}

// MissingParameter reports a required parameter that was not supplied
func MissingParameter(param string) MCPError {
	return NewErrorf(CodeInvalidParams, CategoryValidation, SeverityError, "Missing required parameter '%s'", param).
		WithData(&ParameterErrorData{Parameter: param, Required: true})
}

// InvalidParameter reports a parameter whose value has the wrong shape
func InvalidParameter(param, expected string, cause error) MCPError {
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	return WrapError(cause, CodeInvalidParams, fmt.Sprintf("Invalid parameter '%s': expected %s", param, expected), CategoryValidation, SeverityError).
		WithData(&ParameterErrorData{Parameter: param, Expected: expected, Reason: reason})
}
