package protocol

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContentValidate(t *testing.T) {
	tests := []struct {
		name    string
		content Content
		wantErr bool
	}{
		{"text", TextContent("hello"), false},
		{"empty text", Content{Type: ContentTypeText}, true},
		{"image", ImageContent([]byte{0x89, 0x50}, "image/png"), false},
		{"image without mime", Content{Type: ContentTypeImage, Data: "aGk="}, true},
		{"image bad base64", Content{Type: ContentTypeImage, Data: "***", MimeType: "image/png"}, true},
		{"audio", AudioContent([]byte("RIFF"), "audio/wav"), false},
		{"audio without data", Content{Type: ContentTypeAudio, MimeType: "audio/wav"}, true},
		{"resource", ResourceContent(EmbeddedResource{URI: "file:///tmp/a.txt", Text: "a"}), false},
		{"resource without uri", Content{Type: ContentTypeResource, Resource: &EmbeddedResource{}}, true},
		{"resource nil", Content{Type: ContentTypeResource}, true},
		{"unknown", Content{Type: "video"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.content.Validate()
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrInvalidContent), "got %v", err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
