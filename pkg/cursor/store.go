// Package cursor mints and redeems opaque continuation tokens.
//
// A cursor lets a client resume a result that did not fit one response:
// the remainder of a paginated list, the tail of a process log, or the
// next batch of search hits. Tokens are single use. Redeeming one removes
// it; the continuation response carries a freshly minted token when more
// remains.
package cursor

import (
	"context"
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hanzoai/mcp/pkg/protocol"
)

// Kind classifies what a cursor resumes.
type Kind string

const (
	KindPaginatedList Kind = "paginated_list"
	KindStreamedLog   Kind = "streamed_log"
	KindBatchedSearch Kind = "batched_search"
)

// State is the server-side record behind a cursor token.
type State struct {
	// Kind selects the continuation strategy.
	Kind Kind

	// SourceID names the underlying resource (process session id, search
	// snapshot id, traversal id). Empty for self-contained continuations.
	SourceID string

	// Offset is the resume position. Its unit depends on Kind: element
	// index for lists and search batches, byte offset for streamed logs.
	Offset int64

	// Checksum binds the cursor to the argument digest of the originating
	// call. Redemption with a different digest fails with CursorMismatch.
	Checksum string

	// Payload carries materialized continuation state that cannot be
	// re-derived from Offset alone: search snapshot remainders, tree
	// listing tails, per-stream log offsets. Never serialized; cursors
	// live only in this process.
	Payload interface{}
}

type entry struct {
	state    State
	mintedAt time.Time
	gone     bool
}

// Store holds live cursors in memory and garbage-collects idle ones.
type Store struct {
	mu       sync.Mutex
	cursors  map[string]*entry
	bySource map[string]map[string]struct{}

	idleTimeout time.Duration
	stop        chan struct{}
	stopOnce    sync.Once
}

// NewStore creates a store whose cursors expire after idleTimeout.
func NewStore(idleTimeout time.Duration) *Store {
	return &Store{
		cursors:     make(map[string]*entry),
		bySource:    make(map[string]map[string]struct{}),
		idleTimeout: idleTimeout,
		stop:        make(chan struct{}),
	}
}

// Mint stores state and returns the opaque token handed to the client.
// Tokens are cur_<32 hex>, 128 random bits.
func (s *Store) Mint(state State) string {
	u := uuid.New()
	token := "cur_" + hex.EncodeToString(u[:])

	s.mu.Lock()
	defer s.mu.Unlock()

	s.cursors[token] = &entry{state: state, mintedAt: time.Now()}
	if state.SourceID != "" {
		set, ok := s.bySource[state.SourceID]
		if !ok {
			set = make(map[string]struct{})
			s.bySource[state.SourceID] = set
		}
		set[token] = struct{}{}
	}
	return token
}

// Redeem validates and consumes a token.
//
// The checksum is verified before the token is consumed, so a mismatched
// redemption does not burn the cursor. Unknown or expired tokens yield
// NotFound; tokens whose source was invalidated yield Gone.
func (s *Store) Redeem(token, checksum string) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.cursors[token]
	if !ok {
		return State{}, protocol.Failf(protocol.KindNotFound, "unknown or expired cursor")
	}
	if e.gone {
		s.remove(token, e)
		return State{}, protocol.Failf(protocol.KindGone, "cursor source no longer exists")
	}
	if time.Since(e.mintedAt) > s.idleTimeout {
		s.remove(token, e)
		return State{}, protocol.Failf(protocol.KindNotFound, "unknown or expired cursor")
	}
	if e.state.Checksum != checksum {
		return State{}, protocol.Failf(protocol.KindCursorMismatch,
			"cursor was minted for different arguments")
	}

	s.remove(token, e)
	return e.state, nil
}

// InvalidateSource marks every cursor bound to sourceID as gone. Redeeming
// one afterwards reports Gone rather than NotFound so clients can tell a
// reaped resource from a mistyped token.
func (s *Store) InvalidateSource(sourceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for token := range s.bySource[sourceID] {
		if e, ok := s.cursors[token]; ok {
			e.gone = true
		}
	}
}

// Len returns the number of live cursors, tombstones included.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cursors)
}

// StartGC sweeps expired cursors until ctx is cancelled or Close is called.
func (s *Store) StartGC(ctx context.Context) {
	interval := s.idleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep(time.Now())
		}
	}
}

// Close stops the GC loop. Safe to call more than once.
func (s *Store) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Store) sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for token, e := range s.cursors {
		if now.Sub(e.mintedAt) > s.idleTimeout {
			s.remove(token, e)
		}
	}
}

// remove deletes a token and its source index entry. Caller holds s.mu.
func (s *Store) remove(token string, e *entry) {
	delete(s.cursors, token)
	if e.state.SourceID == "" {
		return
	}
	if set, ok := s.bySource[e.state.SourceID]; ok {
		delete(set, token)
		if len(set) == 0 {
			delete(s.bySource, e.state.SourceID)
		}
	}
}
