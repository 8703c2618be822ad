package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

const (
	// JSONRPCVersion is the supported JSON-RPC version
	JSONRPCVersion = "2.0"
)

// ErrorCode represents standard JSON-RPC 2.0 error codes
type ErrorCode int

// Standard error codes as per JSON-RPC 2.0 specification
const (
	ParseError     ErrorCode = -32700
	InvalidRequest ErrorCode = -32600
	MethodNotFound ErrorCode = -32601
	InvalidParams  ErrorCode = -32602
	InternalError  ErrorCode = -32603
)

// String returns the canonical name of the error code
func (c ErrorCode) String() string {
	switch c {
	case ParseError:
		return "ParseError"
	case InvalidRequest:
		return "InvalidRequest"
	case MethodNotFound:
		return "MethodNotFound"
	case InvalidParams:
		return "InvalidParams"
	case InternalError:
		return "InternalError"
	default:
		return fmt.Sprintf("ErrorCode(%d)", int(c))
	}
}

// emptyResult is written when a handler succeeds without a payload so that
// a success response always carries a result member.
var emptyResult = json.RawMessage(`{}`)

// Request represents a JSON-RPC 2.0 request.
// The ID is kept raw so that it is echoed back exactly as the client sent it.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// NewRequest creates a new JSON-RPC 2.0 request. A nil id produces a notification.
func NewRequest(id interface{}, method string, params interface{}) (*Request, error) {
	req := &Request{
		JSONRPC: JSONRPCVersion,
		Method:  method,
	}

	if id != nil {
		idJSON, err := json.Marshal(id)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal id: %w", err)
		}
		req.ID = idJSON
	}

	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		req.Params = paramsJSON
	}

	return req, nil
}

// IsNotification reports whether the request carries no id.
// An explicit null id is treated the same as an absent one.
func (r *Request) IsNotification() bool {
	return IsNullID(r.ID)
}

// IsNullID reports whether a raw id is absent or JSON null
func IsNullID(id json.RawMessage) bool {
	trimmed := bytes.TrimSpace(id)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// Response represents a JSON-RPC 2.0 response. Exactly one of Result and
// Error is set on any response built by this package.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// NewResponse creates a new JSON-RPC 2.0 success response.
// A json.RawMessage result is used verbatim; a nil result becomes {}.
func NewResponse(id json.RawMessage, result interface{}) (*Response, error) {
	resultJSON, err := encodeResult(result)
	if err != nil {
		return nil, err
	}

	return &Response{
		JSONRPC: JSONRPCVersion,
		ID:      normalizeID(id),
		Result:  resultJSON,
	}, nil
}

// NewErrorResponse creates a new JSON-RPC 2.0 error response
func NewErrorResponse(id json.RawMessage, code ErrorCode, message string, data interface{}) (*Response, error) {
	rpcErr := &Error{
		Code:    code,
		Message: message,
	}

	if data != nil {
		dataBytes, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal error data: %w", err)
		}
		rpcErr.Data = dataBytes
	}

	return &Response{
		JSONRPC: JSONRPCVersion,
		ID:      normalizeID(id),
		Error:   rpcErr,
	}, nil
}

// IsError reports whether the response carries an error object
func (r *Response) IsError() bool {
	return r.Error != nil
}

func encodeResult(result interface{}) (json.RawMessage, error) {
	switch v := result.(type) {
	case nil:
		return emptyResult, nil
	case json.RawMessage:
		if len(bytes.TrimSpace(v)) == 0 {
			return emptyResult, nil
		}
		return v, nil
	}

	resultJSON, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	if bytes.Equal(resultJSON, []byte("null")) {
		return emptyResult, nil
	}
	return resultJSON, nil
}

func normalizeID(id json.RawMessage) json.RawMessage {
	if len(bytes.TrimSpace(id)) == 0 {
		return json.RawMessage("null")
	}
	return id
}

// Error represents a JSON-RPC 2.0 error object
type Error struct {
	Code    ErrorCode       `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}
