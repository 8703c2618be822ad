// Package pagination implements the opaque cursors used by tools/list.
//
// A cursor encodes the offset of the next item in the aggregate tool catalog.
// Clients treat it as an opaque string and hand it back unchanged:
//
//	page, next, err := pagination.Paginate(tools, params.Cursor, params.Limit)
//	if err != nil {
//	    return nil, err
//	}
//	return &protocol.ListToolsResult{Tools: page, NextCursor: next}, nil
//
// An empty next cursor means the last page has been returned.
package pagination
