package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"

	"github.com/ajitpratap0/mcp-toolserver/pkg/protocol"
)

// ToJSONRPCError converts any error to a JSON-RPC error object.
// Errors outside the MCPError family become InternalError with their message preserved.
func ToJSONRPCError(err error) *protocol.Error {
	if err == nil {
		return nil
	}

	mcpErr, ok := AsMCPError(err)
	if !ok {
		mcpErr = ConvertStandardError(err)
	}

	rpcErr := &protocol.Error{
		Code:    protocol.ErrorCode(wireCode(mcpErr.Code())),
		Message: mcpErr.Error(),
	}
	if data := mcpErr.Data(); data != nil {
		if raw, marshalErr := json.Marshal(data); marshalErr == nil {
			rpcErr.Data = raw
		}
	}
	return rpcErr
}

// ToJSONRPCResponse builds an error response for the given request id
func ToJSONRPCResponse(err error, id json.RawMessage) *protocol.Response {
	return &protocol.Response{
		JSONRPC: protocol.JSONRPCVersion,
		ID:      nullableID(id),
		Error:   ToJSONRPCError(err),
	}
}

// ConvertStandardError maps plain Go errors onto the structured taxonomy
func ConvertStandardError(err error) MCPError {
	if err == nil {
		return nil
	}
	if mcpErr, ok := AsMCPError(err); ok {
		return mcpErr
	}

	switch {
	case stderrors.Is(err, context.DeadlineExceeded):
		return WrapError(err, CodeInternalError, "Operation timed out", CategoryTimeout, SeverityError)
	case stderrors.Is(err, context.Canceled):
		return WrapError(err, CodeInternalError, "Operation cancelled", CategoryCancelled, SeverityInfo)
	}

	var syntaxErr *json.SyntaxError
	if stderrors.As(err, &syntaxErr) {
		return ParseError(err)
	}

	return InternalError(err)
}

// wireCode folds any code outside the reserved set onto InternalError
func wireCode(code int) int {
	if _, ok := errorCodeRegistry[code]; ok {
		return code
	}
	return CodeInternalError
}

func nullableID(id json.RawMessage) json.RawMessage {
	if protocol.IsNullID(id) {
		return json.RawMessage("null")
	}
	return id
}
