package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidTool is returned when a tool descriptor is malformed
	ErrInvalidTool = errors.New("invalid tool")

	// ErrInvalidArguments is returned when tool arguments do not fit the tool's schema
	ErrInvalidArguments = errors.New("invalid tool arguments")
)

// Tool represents a tool in the MCP protocol
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// NewTool builds a Tool, rejecting schemas that are not object-typed JSON Schemas
func NewTool(name, description string, inputSchema json.RawMessage) (Tool, error) {
	tool := Tool{
		Name:        name,
		Description: description,
		InputSchema: inputSchema,
	}
	if err := tool.Validate(); err != nil {
		return Tool{}, err
	}
	return tool, nil
}

// MustTool is like NewTool but panics on an invalid descriptor.
// It is meant for package-level tool tables.
func MustTool(name, description string, inputSchema json.RawMessage) Tool {
	tool, err := NewTool(name, description, inputSchema)
	if err != nil {
		panic(err)
	}
	return tool
}

// Validate checks the name and the input schema of the tool
func (t Tool) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidTool)
	}
	if _, err := parseObjectSchema(t.InputSchema); err != nil {
		return fmt.Errorf("%w %q: %v", ErrInvalidTool, t.Name, err)
	}
	return nil
}

// ValidateArguments checks that args is a JSON object and that every property
// the schema marks as required is present. Empty args are treated as {}.
func (t Tool) ValidateArguments(args json.RawMessage) error {
	obj, err := DecodeArguments(args)
	if err != nil {
		return err
	}

	schema, err := parseObjectSchema(t.InputSchema)
	if err != nil {
		return fmt.Errorf("%w %q: %v", ErrInvalidTool, t.Name, err)
	}

	for _, name := range schema.Required {
		if _, ok := obj[name]; !ok {
			return fmt.Errorf("%w: missing required property %q", ErrInvalidArguments, name)
		}
	}
	return nil
}

// DecodeArguments decodes tool arguments, which must be a JSON object when present
func DecodeArguments(args json.RawMessage) (map[string]json.RawMessage, error) {
	trimmed := strings.TrimSpace(string(args))
	if trimmed == "" || trimmed == "null" {
		return map[string]json.RawMessage{}, nil
	}
	if !strings.HasPrefix(trimmed, "{") {
		return nil, fmt.Errorf("%w: arguments must be a JSON object", ErrInvalidArguments)
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(args, &obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	return obj, nil
}

type objectSchema struct {
	Type     interface{} `json:"type"`
	Required []string    `json:"required,omitempty"`
}

func parseObjectSchema(schema json.RawMessage) (*objectSchema, error) {
	if len(schema) == 0 {
		return nil, errors.New("inputSchema is required")
	}

	var s objectSchema
	if err := json.Unmarshal(schema, &s); err != nil {
		return nil, fmt.Errorf("inputSchema must be a JSON object: %v", err)
	}
	if t, ok := s.Type.(string); !ok || t != "object" {
		return nil, errors.New(`inputSchema type must be "object"`)
	}
	return &s, nil
}

// ListToolsParams defines parameters for listing tools
type ListToolsParams struct {
	Cursor string `json:"cursor,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// ListToolsResult defines the response for listing tools
type ListToolsResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// CallToolParams defines parameters for calling a tool
type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// CallToolResult defines the response for tool calls
type CallToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// NewToolResult wraps content into a successful tool result
func NewToolResult(content ...Content) *CallToolResult {
	if content == nil {
		content = []Content{}
	}
	return &CallToolResult{Content: content}
}

// NewToolErrorResult reports a tool-level failure as content rather than a protocol error
func NewToolErrorResult(message string) *CallToolResult {
	return &CallToolResult{
		Content: []Content{TextContent(message)},
		IsError: true,
	}
}

// Validate checks every content item in the result
func (r *CallToolResult) Validate() error {
	for i, c := range r.Content {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("content[%d]: %w", i, err)
		}
	}
	return nil
}
