package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/hanzoai/mcp/pkg/logger"
	"github.com/hanzoai/mcp/pkg/protocol"
)

// maxLineBytes caps a single stdin frame. A line past this limit cannot be
// resynchronized, so the transport shuts down instead of guessing.
const maxLineBytes = 10 * 1024 * 1024

// Stdio frames newline-delimited JSON-RPC over a reader/writer pair,
// normally os.Stdin and os.Stdout. Requests are handled concurrently; all
// output funnels through one writer goroutine so frames never interleave.
type Stdio struct {
	in  io.Reader
	out io.Writer

	gate    *writeGate
	writeCh chan []byte

	// quit stops the read loop; done marks the writer drained. Writes stay
	// usable between the two so in-flight handlers (shutdown included) can
	// still deliver their responses.
	quit     chan struct{}
	quitOnce sync.Once
	done     chan struct{}
	doneOnce sync.Once

	logger *slog.Logger
}

// NewStdio builds a stdio transport with the given write-queue bound.
func NewStdio(in io.Reader, out io.Writer, queueSize int) *Stdio {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Stdio{
		in:      in,
		out:     out,
		gate:    newWriteGate(queueSize),
		writeCh: make(chan []byte, queueSize),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		logger:  logger.Component("transport"),
	}
}

// Run reads frames until EOF, the reader fails, or Close is called. Each
// well-formed request is dispatched on its own goroutine; Run waits for all
// in-flight handlers and drains the write queue before returning.
func (s *Stdio) Run(ctx context.Context, handler Handler) error {
	writerStop := make(chan struct{})
	writerDone := make(chan struct{})
	go s.writeLoop(writerStop, writerDone)

	// A blocked read only unwinds when the input closes, so context
	// cancellation closes it.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-watchDone:
		}
	}()

	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var wg sync.WaitGroup

scan:
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			break scan
		case <-s.quit:
			break scan
		default:
		}

		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		// Scanner reuses its buffer across Scan calls.
		raw := make([]byte, len(line))
		copy(raw, line)

		req, ferr := decodeRequest(raw)
		if ferr != nil {
			s.rejectFrame(raw, ferr)
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := handler(ctx, req)
			if resp == nil {
				return
			}
			if werr := s.Write(resp); werr != nil {
				s.logger.Warn("Dropping response, transport closed",
					"method", req.Method, "error", werr)
			}
		}()
	}
	readErr := scanner.Err()

	// Handlers enqueue their responses before wg.Wait returns, so the
	// drain below delivers everything, shutdown replies included.
	wg.Wait()
	close(writerStop)
	<-writerDone
	s.doneOnce.Do(func() { close(s.done) })
	s.Close()

	switch {
	case readErr == nil:
		return nil
	case errors.Is(readErr, bufio.ErrTooLong):
		return fmt.Errorf("frame exceeds %d bytes: %w", maxLineBytes, readErr)
	case errors.Is(readErr, io.ErrClosedPipe), errors.Is(readErr, os.ErrClosed):
		return nil
	default:
		return fmt.Errorf("stdin read failed: %w", readErr)
	}
}

// Write queues one message for the writer goroutine. It blocks when the
// queue is full and fails once the writer has drained and exited.
func (s *Stdio) Write(msg protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	select {
	case <-s.done:
		return errors.New("transport closed")
	default:
	}
	s.gate.add()
	select {
	case s.writeCh <- data:
		return nil
	case <-s.done:
		s.gate.done()
		return errors.New("transport closed")
	}
}

// WaitWritable implements the dispatcher's back-pressure hook.
func (s *Stdio) WaitWritable(ctx context.Context) error {
	return s.gate.wait(ctx)
}

// QueueDepth reports messages queued but not yet written.
func (s *Stdio) QueueDepth() int {
	return s.gate.depth()
}

// Close stops intake. If the input side is closable it is closed so a
// blocked Scan returns; in-flight handlers finish and queued messages are
// still flushed before Run returns.
func (s *Stdio) Close() error {
	s.quitOnce.Do(func() {
		close(s.quit)
		if c, ok := s.in.(io.Closer); ok {
			_ = c.Close()
		}
	})
	return nil
}

// writeLoop is the single writer. One JSON object per line, flushed into
// s.out; once stopped it drains whatever is already queued and exits.
func (s *Stdio) writeLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case data := <-s.writeCh:
			s.emit(data)
		case <-stop:
			for {
				select {
				case data := <-s.writeCh:
					s.emit(data)
				default:
					return
				}
			}
		}
	}
}

func (s *Stdio) emit(data []byte) {
	defer s.gate.done()
	if _, err := s.out.Write(append(data, '\n')); err != nil {
		s.logger.Error("Write to stdout failed", "error", err)
	}
}

// rejectFrame answers a malformed frame with the framing error when an id
// can be salvaged, otherwise logs and drops it.
func (s *Stdio) rejectFrame(raw []byte, ferr *frameError) {
	s.logger.Warn("Rejecting malformed frame", "error", ferr, "bytes", len(raw))
	id := recoverID(raw)
	if id == nil {
		return
	}
	resp := protocol.NewErrorResponse(id, ferr.code, ferr.Error())
	if err := s.Write(resp); err != nil {
		s.logger.Warn("Dropping framing-error response", "error", err)
	}
}
