package utils

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type addArgs struct {
	A     float64 `json:"a" description:"First addend"`
	B     float64 `json:"b" description:"Second addend"`
	Round bool    `json:"round,omitempty"`
}

type nestedArgs struct {
	Tags    []string          `json:"tags"`
	Labels  map[string]string `json:"labels,omitempty"`
	Limit   *int              `json:"limit,omitempty"`
	Target  addArgs           `json:"target"`
	Skipped string            `json:"-"`
	hidden  string
	Plain   string
}

func TestSchemaFor(t *testing.T) {
	schema, err := SchemaFor(addArgs{})
	require.NoError(t, err)

	assert.JSONEq(t, `{
		"type": "object",
		"properties": {
			"a": {"type": "number", "description": "First addend"},
			"b": {"type": "number", "description": "Second addend"},
			"round": {"type": "boolean"}
		},
		"required": ["a", "b"]
	}`, string(schema))
}

func TestSchemaForNestedTypes(t *testing.T) {
	schema, err := SchemaFor(&nestedArgs{})
	require.NoError(t, err)

	var decoded struct {
		Properties map[string]json.RawMessage `json:"properties"`
		Required   []string                   `json:"required"`
	}
	require.NoError(t, json.Unmarshal(schema, &decoded))

	assert.ElementsMatch(t, []string{"tags", "target", "Plain"}, decoded.Required)
	assert.NotContains(t, decoded.Properties, "Skipped")
	assert.NotContains(t, decoded.Properties, "hidden")
	assert.JSONEq(t, `{"type":"array","items":{"type":"string"}}`, string(decoded.Properties["tags"]))
	assert.JSONEq(t, `{"type":"object","additionalProperties":{"type":"string"}}`, string(decoded.Properties["labels"]))
	assert.JSONEq(t, `{"type":"integer"}`, string(decoded.Properties["limit"]))
	assert.Contains(t, string(decoded.Properties["target"]), `"required":["a","b"]`)
}

func TestSchemaForRejects(t *testing.T) {
	tests := []struct {
		name  string
		value interface{}
	}{
		{"nil", nil},
		{"not a struct", 42},
		{"channel field", struct{ C chan int }{}},
		{"non-string map key", struct{ M map[int]string }{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := SchemaFor(tt.value)
			assert.Error(t, err)
		})
	}

	assert.Panics(t, func() { MustSchemaFor("nope") })
}

func TestDecodeArguments(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    addArgs
		wantErr bool
	}{
		{"values", `{"a": 1.5, "b": 2}`, addArgs{A: 1.5, B: 2}, false},
		{"empty", ``, addArgs{}, false},
		{"unknown field", `{"a": 1, "c": 3}`, addArgs{}, true},
		{"wrong type", `{"a": "one"}`, addArgs{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got addArgs
			err := DecodeArguments(json.RawMessage(tt.input), &got)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
