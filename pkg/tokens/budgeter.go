// Package tokens implements token counting and response budgeting.
//
// Every outbound payload is measured with a stable byte-pair encoding and
// fitted under the server's response token cap. List payloads keep the
// largest prefix that fits and continue behind a cursor; blob payloads are
// cut at a token boundary with a visible marker.
package tokens

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// FrameReserve is the token headroom withheld from the cap for JSON-RPC
// framing, chunk metadata, and the truncation marker itself.
const FrameReserve = 500

var (
	// Cache encodings to avoid repeated initialization
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.RWMutex
)

func getEncoding(name string) (*tiktoken.Tiktoken, error) {
	cacheMu.RLock()
	cached, ok := encodingCache[name]
	cacheMu.RUnlock()
	if ok {
		return cached, nil
	}

	encoding, err := tiktoken.GetEncoding(name)
	if err != nil {
		return nil, fmt.Errorf("failed to get encoding %q: %w", name, err)
	}

	cacheMu.Lock()
	encodingCache[name] = encoding
	cacheMu.Unlock()

	return encoding, nil
}

// Budgeter measures payloads against the response token cap.
//
// The encoding name is part of cursor checksums, so it must not change
// between minting a cursor and redeeming it.
type Budgeter struct {
	encoding *tiktoken.Tiktoken
	name     string
	cap      int
}

// NewBudgeter creates a budgeter for the named encoding and cap.
func NewBudgeter(encoding string, responseCap int) (*Budgeter, error) {
	enc, err := getEncoding(encoding)
	if err != nil {
		return nil, err
	}
	if responseCap <= 0 {
		return nil, fmt.Errorf("response cap must be positive, got %d", responseCap)
	}
	return &Budgeter{
		encoding: enc,
		name:     encoding,
		cap:      responseCap,
	}, nil
}

// Encoding returns the vocabulary name.
func (b *Budgeter) Encoding() string {
	return b.name
}

// Cap returns the full response token cap.
func (b *Budgeter) Cap() int {
	return b.cap
}

// Budget returns the working budget for tool payloads: the cap minus the
// framing reserve.
func (b *Budgeter) Budget() int {
	if b.cap <= FrameReserve {
		return 0
	}
	return b.cap - FrameReserve
}

// Count returns the token count of text.
func (b *Budgeter) Count(text string) int {
	return len(b.encoding.Encode(text, nil, nil))
}

// Fits reports whether text fits under the full cap.
func (b *Budgeter) Fits(text string) bool {
	return b.Count(text) <= b.cap
}

// FitsBudget reports whether text fits under the working budget.
func (b *Budgeter) FitsBudget(text string) bool {
	return b.Count(text) <= b.Budget()
}

// ListPrefix returns the length of the largest prefix of items whose
// combined token count fits the working budget, along with the tokens used.
// An item that alone exceeds the budget ends the prefix.
func (b *Budgeter) ListPrefix(items []string) (n int, used int) {
	budget := b.Budget()
	for _, item := range items {
		cost := b.Count(item)
		if used+cost > budget {
			return n, used
		}
		used += cost
		n++
	}
	return n, used
}

// TruncateBlob cuts text at a token boundary so it fits the working budget.
// Returns the kept prefix, its byte length, and whether truncation occurred.
// The kept prefix is always valid UTF-8 even when the boundary token split
// a rune.
func (b *Budgeter) TruncateBlob(text string) (kept string, keptBytes int, truncated bool) {
	return b.TruncateBlobTo(text, b.Budget())
}

// TruncateBlobTo is TruncateBlob against an explicit token budget, for
// callers splitting the working budget across several payloads.
func (b *Budgeter) TruncateBlobTo(text string, budget int) (kept string, keptBytes int, truncated bool) {
	if budget < 0 {
		budget = 0
	}
	toks := b.encoding.Encode(text, nil, nil)
	if len(toks) <= budget {
		return text, len(text), false
	}
	kept = b.encoding.Decode(toks[:budget])
	kept = strings.ToValidUTF8(kept, "")
	return kept, len(kept), true
}

// TruncationMarker renders the visible marker appended to truncated blobs.
func TruncationMarker(shownBytes, totalBytes int) string {
	return fmt.Sprintf("\n[output truncated: showing %d of %d bytes]", shownBytes, totalBytes)
}
