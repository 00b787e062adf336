package tool

import (
	"github.com/hanzoai/mcp/pkg/cursor"
	"github.com/hanzoai/mcp/pkg/protocol"
	"github.com/hanzoai/mcp/pkg/tokens"
)

// blobPayload is the in-process continuation state behind a truncated blob
// cursor: the unshown remainder plus the running byte counters for the
// truncation marker.
type blobPayload struct {
	remainder string
	total     int
	shown     int
}

// BlobResult fits a single large text payload under the working budget.
// When the text does not fit whole, the returned result carries the kept
// prefix, a visible truncation marker, and a continuation cursor bound to
// the invocation's argument digest.
func BlobResult(b *tokens.Budgeter, c *cursor.Store, inv *Invocation, text string) *Result {
	kept, keptBytes, truncated := b.TruncateBlob(text)
	if !truncated {
		return TextResult(text)
	}

	token := c.Mint(cursor.State{
		Kind:     cursor.KindStreamedLog,
		Offset:   int64(keptBytes),
		Checksum: inv.ArgsDigest,
		Payload: blobPayload{
			remainder: text[keptBytes:],
			total:     len(text),
			shown:     keptBytes,
		},
	})

	return &Result{
		Content: []protocol.Chunk{
			protocol.TextChunk(kept + tokens.TruncationMarker(keptBytes, len(text))),
		},
		NextCursor: token,
	}
}

// IsBlobCursor reports whether st was minted by BlobResult. Tools that
// also mint other streamed_log cursors use it to pick the continuation
// path.
func IsBlobCursor(st *cursor.State) bool {
	_, ok := st.Payload.(blobPayload)
	return ok
}

// ContinueBlob serves the next window of a blob continuation minted by
// BlobResult. The cursor must carry a blob payload; anything else means the
// client resumed the wrong tool with it.
func ContinueBlob(b *tokens.Budgeter, c *cursor.Store, inv *Invocation) (*Result, error) {
	p, ok := inv.Cursor.Payload.(blobPayload)
	if !ok {
		return nil, protocol.Failf(protocol.KindInvalidArguments,
			"cursor does not continue a %s result", inv.Tool)
	}

	kept, keptBytes, truncated := b.TruncateBlob(p.remainder)
	if !truncated {
		return TextResult(kept), nil
	}

	shown := p.shown + keptBytes
	token := c.Mint(cursor.State{
		Kind:     cursor.KindStreamedLog,
		Offset:   inv.Cursor.Offset + int64(keptBytes),
		Checksum: inv.ArgsDigest,
		Payload: blobPayload{
			remainder: p.remainder[keptBytes:],
			total:     p.total,
			shown:     shown,
		},
	})

	return &Result{
		Content: []protocol.Chunk{
			protocol.TextChunk(kept + tokens.TruncationMarker(shown, p.total)),
		},
		NextCursor: token,
	}, nil
}
