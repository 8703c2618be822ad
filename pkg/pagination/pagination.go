package pagination

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ajitpratap0/mcp-toolserver/pkg/protocol"
)

const (
	// DefaultLimit is the page size used when a client asks for pages without a limit
	DefaultLimit = 50

	// MaxLimit is the maximum allowed page size
	MaxLimit = 200

	cursorPrefix = "offset:"
)

var (
	// ErrInvalidLimit is returned when the pagination limit is invalid
	ErrInvalidLimit = errors.New("pagination limit must be greater than 0 and less than or equal to MaxLimit")

	// ErrInvalidCursor is returned when a pagination cursor is invalid
	ErrInvalidCursor = errors.New("invalid pagination cursor")
)

// ValidateParams validates tools/list pagination parameters
func ValidateParams(params *protocol.ListToolsParams) error {
	if params == nil {
		return nil
	}
	if params.Limit < 0 || params.Limit > MaxLimit {
		return fmt.Errorf("%w: got %d", ErrInvalidLimit, params.Limit)
	}
	if params.Cursor != "" {
		if _, err := DecodeCursor(params.Cursor); err != nil {
			return err
		}
	}
	return nil
}

// Requested reports whether the client asked for a paged listing at all
func Requested(params *protocol.ListToolsParams) bool {
	return params != nil && (params.Cursor != "" || params.Limit > 0)
}

// EncodeCursor returns the opaque cursor for the given offset
func EncodeCursor(offset int) string {
	return base64.RawURLEncoding.EncodeToString([]byte(cursorPrefix + strconv.Itoa(offset)))
}

// DecodeCursor recovers the offset from a cursor produced by EncodeCursor
func DecodeCursor(cursor string) (int, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}

	s := string(raw)
	if !strings.HasPrefix(s, cursorPrefix) {
		return 0, ErrInvalidCursor
	}

	offset, err := strconv.Atoi(strings.TrimPrefix(s, cursorPrefix))
	if err != nil || offset < 0 {
		return 0, ErrInvalidCursor
	}
	return offset, nil
}

// Paginate returns one page of items starting at cursor plus the cursor of the next page.
// A limit of zero selects DefaultLimit; limits above MaxLimit are capped.
func Paginate[T any](items []T, cursor string, limit int) ([]T, string, error) {
	offset := 0
	if cursor != "" {
		var err error
		if offset, err = DecodeCursor(cursor); err != nil {
			return nil, "", err
		}
	}
	if offset > len(items) {
		return nil, "", fmt.Errorf("%w: offset %d beyond %d items", ErrInvalidCursor, offset, len(items))
	}

	switch {
	case limit <= 0:
		limit = DefaultLimit
	case limit > MaxLimit:
		limit = MaxLimit
	}

	end := offset + limit
	if end >= len(items) {
		return items[offset:], "", nil
	}
	return items[offset:end], EncodeCursor(end), nil
}
