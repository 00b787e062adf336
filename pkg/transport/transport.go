// Package transport frames JSON-RPC messages over stdio or SSE/HTTP and
// routes each decoded request to the dispatcher.
//
// The transport owns framing, decoding, encoding, and back-pressure; it
// never interprets methods. Both adapters serialize writes through a single
// bounded queue so one JSON object is never interleaved with another, and
// both expose the queue's state through WaitWritable so the dispatcher can
// hold new work while the wire drains.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/hanzoai/mcp/pkg/protocol"
)

// Handler is the dispatcher ingress. The transport calls it on one
// goroutine per request; a nil response means the request was a
// notification and nothing goes on the wire.
type Handler func(ctx context.Context, req *protocol.Request) *protocol.Response

// Transport moves JSON-RPC messages between the client and the dispatcher.
type Transport interface {
	// Run serves the connection until ctx is cancelled or the peer goes
	// away. It returns nil on orderly shutdown.
	Run(ctx context.Context, handler Handler) error

	// Write queues a server-initiated message. Safe from any goroutine.
	Write(msg protocol.Message) error

	// WaitWritable blocks while the write queue sits above its high-water
	// mark, returning once it drains below the low-water mark or ctx ends.
	WaitWritable(ctx context.Context) error

	// QueueDepth reports the messages accepted but not yet on the wire.
	QueueDepth() int

	// Close releases the transport. Run returns after Close.
	Close() error
}

// defaultQueueSize bounds the write queue when the config leaves it zero.
const defaultQueueSize = 256

// frameError is a framing failure paired with its JSON-RPC error code:
// ParseError for bytes that are not JSON, InvalidRequest for JSON that is
// not a usable request envelope.
type frameError struct {
	code int
	err  error
}

func (e *frameError) Error() string { return e.err.Error() }
func (e *frameError) Unwrap() error { return e.err }

// decodeRequest parses and validates one frame.
func decodeRequest(raw []byte) (*protocol.Request, *frameError) {
	var req protocol.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, &frameError{protocol.ParseError, fmt.Errorf("parse error: %w", err)}
	}
	if req.JSONRPC != protocol.Version {
		return nil, &frameError{protocol.InvalidRequest,
			fmt.Errorf("unsupported jsonrpc version %q", req.JSONRPC)}
	}
	if req.Method == "" {
		return nil, &frameError{protocol.InvalidRequest, errors.New("missing method")}
	}
	return &req, nil
}

// recoverID pulls the request id out of a frame that failed full decoding,
// so the error reply can be correlated. Returns nil when nothing usable
// survives.
func recoverID(raw []byte) interface{} {
	var probe struct {
		ID interface{} `json:"id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil
	}
	return probe.ID
}

// writeGate tracks write-queue occupancy against a high/low water pair.
// Crossing the high mark blocks WaitWritable until the queue drains to the
// low mark, so intake pauses well before the queue itself would block.
type writeGate struct {
	mu      sync.Mutex
	pending int
	high    int
	low     int
	blocked bool
	resume  chan struct{}
}

func newWriteGate(high int) *writeGate {
	if high <= 0 {
		high = defaultQueueSize
	}
	low := high / 2
	return &writeGate{high: high, low: low}
}

// add records one queued message.
func (g *writeGate) add() {
	g.mu.Lock()
	g.pending++
	if !g.blocked && g.pending >= g.high {
		g.blocked = true
		g.resume = make(chan struct{})
	}
	g.mu.Unlock()
}

// done records one message leaving the queue.
func (g *writeGate) done() {
	g.mu.Lock()
	if g.pending > 0 {
		g.pending--
	}
	if g.blocked && g.pending <= g.low {
		g.blocked = false
		close(g.resume)
	}
	g.mu.Unlock()
}

func (g *writeGate) depth() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pending
}

func (g *writeGate) wait(ctx context.Context) error {
	for {
		g.mu.Lock()
		if !g.blocked {
			g.mu.Unlock()
			return nil
		}
		resume := g.resume
		g.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-resume:
		}
	}
}
