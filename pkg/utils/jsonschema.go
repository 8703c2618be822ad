package utils

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

// SchemaFor derives an object JSON Schema from the exported fields of a struct.
// Field names follow the json tag; fields without omitempty are required.
// A `description` struct tag becomes the property description.
func SchemaFor(v interface{}) (json.RawMessage, error) {
	t := reflect.TypeOf(v)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil || t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("schema source must be a struct, got %T", v)
	}

	schema, err := structSchema(t)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	return data, nil
}

// MustSchemaFor is SchemaFor for package-level tool declarations
func MustSchemaFor(v interface{}) json.RawMessage {
	schema, err := SchemaFor(v)
	if err != nil {
		panic(err)
	}
	return schema
}

type schemaNode struct {
	Type                 string                 `json:"type"`
	Description          string                 `json:"description,omitempty"`
	Properties           map[string]*schemaNode `json:"properties,omitempty"`
	Required             []string               `json:"required,omitempty"`
	Items                *schemaNode            `json:"items,omitempty"`
	AdditionalProperties *schemaNode            `json:"additionalProperties,omitempty"`
}

func structSchema(t reflect.Type) (*schemaNode, error) {
	node := &schemaNode{Type: "object", Properties: map[string]*schemaNode{}}

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}

		name, omitEmpty := jsonName(field)
		if name == "-" {
			continue
		}

		prop, err := typeSchema(field.Type)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", field.Name, err)
		}
		prop.Description = field.Tag.Get("description")

		node.Properties[name] = prop
		if !omitEmpty {
			node.Required = append(node.Required, name)
		}
	}
	return node, nil
}

func typeSchema(t reflect.Type) (*schemaNode, error) {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	switch t.Kind() {
	case reflect.String:
		return &schemaNode{Type: "string"}, nil
	case reflect.Bool:
		return &schemaNode{Type: "boolean"}, nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return &schemaNode{Type: "integer"}, nil
	case reflect.Float32, reflect.Float64:
		return &schemaNode{Type: "number"}, nil
	case reflect.Slice, reflect.Array:
		items, err := typeSchema(t.Elem())
		if err != nil {
			return nil, err
		}
		return &schemaNode{Type: "array", Items: items}, nil
	case reflect.Map:
		if t.Key().Kind() != reflect.String {
			return nil, fmt.Errorf("map keys must be strings, got %s", t.Key())
		}
		values, err := typeSchema(t.Elem())
		if err != nil {
			return nil, err
		}
		return &schemaNode{Type: "object", AdditionalProperties: values}, nil
	case reflect.Struct:
		return structSchema(t)
	default:
		return nil, fmt.Errorf("unsupported kind %s", t.Kind())
	}
}

func jsonName(field reflect.StructField) (string, bool) {
	tag := field.Tag.Get("json")
	if tag == "" {
		return field.Name, false
	}
	name, opts, _ := strings.Cut(tag, ",")
	if name == "" {
		name = field.Name
	}
	return name, strings.Contains(","+opts+",", ",omitempty,")
}

// DecodeArguments unmarshals tool arguments into v, rejecting unknown fields.
// Empty arguments decode as {}.
func DecodeArguments(arguments json.RawMessage, v interface{}) error {
	if len(bytes.TrimSpace(arguments)) == 0 {
		arguments = json.RawMessage("{}")
	}

	dec := json.NewDecoder(bytes.NewReader(arguments))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("failed to decode arguments: %w", err)
	}
	return nil
}
