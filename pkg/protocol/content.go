package protocol

import (
	"encoding/base64"
	"errors"
	"fmt"
)

// ContentType discriminates the Content union
type ContentType string

const (
	ContentTypeText     ContentType = "text"
	ContentTypeImage    ContentType = "image"
	ContentTypeAudio    ContentType = "audio"
	ContentTypeResource ContentType = "resource"
)

// ErrInvalidContent is returned when a content item does not carry the payload its type requires
var ErrInvalidContent = errors.New("invalid content")

// Content is a single item of a tool result. Which payload fields are
// meaningful depends on Type.
type Content struct {
	Type     ContentType       `json:"type"`
	Text     string            `json:"text,omitempty"`
	Data     string            `json:"data,omitempty"`
	MimeType string            `json:"mimeType,omitempty"`
	Resource *EmbeddedResource `json:"resource,omitempty"`
}

// EmbeddedResource is a resource returned inline from a tool call
type EmbeddedResource struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

// TextContent creates a text content item
func TextContent(text string) Content {
	return Content{Type: ContentTypeText, Text: text}
}

// ImageContent creates an image content item from raw bytes
func ImageContent(data []byte, mimeType string) Content {
	return Content{
		Type:     ContentTypeImage,
		Data:     base64.StdEncoding.EncodeToString(data),
		MimeType: mimeType,
	}
}

// AudioContent creates an audio content item from raw bytes
func AudioContent(data []byte, mimeType string) Content {
	return Content{
		Type:     ContentTypeAudio,
		Data:     base64.StdEncoding.EncodeToString(data),
		MimeType: mimeType,
	}
}

// ResourceContent creates an embedded resource content item
func ResourceContent(resource EmbeddedResource) Content {
	return Content{Type: ContentTypeResource, Resource: &resource}
}

// Validate checks that the payload required by Type is present
func (c Content) Validate() error {
	switch c.Type {
	case ContentTypeText:
		if c.Text == "" {
			return fmt.Errorf("%w: text content requires text", ErrInvalidContent)
		}
	case ContentTypeImage, ContentTypeAudio:
		if c.Data == "" || c.MimeType == "" {
			return fmt.Errorf("%w: %s content requires data and mimeType", ErrInvalidContent, c.Type)
		}
		if _, err := base64.StdEncoding.DecodeString(c.Data); err != nil {
			return fmt.Errorf("%w: %s data is not base64: %v", ErrInvalidContent, c.Type, err)
		}
	case ContentTypeResource:
		if c.Resource == nil || c.Resource.URI == "" {
			return fmt.Errorf("%w: resource content requires a resource uri", ErrInvalidContent)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidContent, c.Type)
	}
	return nil
}
