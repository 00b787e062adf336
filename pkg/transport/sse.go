package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hanzoai/mcp/pkg/logger"
	"github.com/hanzoai/mcp/pkg/protocol"
)

const (
	// keepaliveInterval paces comment frames on /events so idle proxies
	// keep the stream open.
	keepaliveInterval = 15 * time.Second

	// shutdownGrace bounds http.Server.Shutdown before connections are
	// closed outright.
	shutdownGrace = 5 * time.Second

	// subscriberBuffer is the per-client notification queue on /events.
	subscriberBuffer = 16
)

// Handshake is the identity frame sent when a client opens /events.
type Handshake struct {
	Server          string                     `json:"server"`
	Version         string                     `json:"version"`
	ProtocolVersion string                     `json:"protocol_version"`
	Capabilities    map[string]json.RawMessage `json:"capabilities"`
}

// SSEOptions configures the HTTP transport.
type SSEOptions struct {
	Host      string
	Port      int
	QueueSize int
	Handshake Handshake

	// Auth, when set, wraps /rpc and /events. /healthz and /metrics stay
	// open for probes and scrapers.
	Auth func(http.Handler) http.Handler

	// Metrics, when set, is mounted at GET /metrics.
	Metrics http.Handler
}

// SSE serves JSON-RPC over HTTP. POST /rpc answers one request as
// server-sent-event frames on a held-open body; GET /events is a long-lived
// notification stream. The write gate counts held-open /rpc streams plus
// notifications awaiting fan-out, so WaitWritable reflects how much output
// the peers have not yet absorbed.
type SSE struct {
	addr      string
	handshake Handshake
	auth      func(http.Handler) http.Handler
	metrics   http.Handler
	gate      *writeGate
	logger    *slog.Logger

	quit     chan struct{}
	quitOnce sync.Once

	mu         sync.Mutex
	server     *http.Server
	listenAddr string
	subs       map[chan []byte]struct{}
}

// NewSSE builds the HTTP transport. It does not bind until Run.
func NewSSE(opts SSEOptions) *SSE {
	return &SSE{
		addr:      fmt.Sprintf("%s:%d", opts.Host, opts.Port),
		handshake: opts.Handshake,
		auth:      opts.Auth,
		metrics:   opts.Metrics,
		gate:      newWriteGate(opts.QueueSize),
		logger:    logger.Component("transport"),
		quit:      make(chan struct{}),
		subs:      make(map[chan []byte]struct{}),
	}
}

// Addr reports the bound listen address once Run has started.
func (s *SSE) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listenAddr
}

// Run binds the listener and serves until ctx is cancelled or Close is
// called. Request contexts derive from ctx, so cancelling it also cancels
// in-flight handlers.
func (s *SSE) Run(ctx context.Context, handler Handler) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}

	srv := &http.Server{
		Handler:           s.router(handler),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.mu.Lock()
	s.server = srv
	s.listenAddr = ln.Addr().String()
	s.mu.Unlock()

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		select {
		case <-ctx.Done():
			s.signalQuit()
		case <-s.quit:
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("HTTP shutdown incomplete, closing connections", "error", err)
			_ = srv.Close()
		}
	}()

	s.logger.Info("SSE transport listening", "address", ln.Addr().String())
	err = srv.Serve(ln)
	<-stopped
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http serve failed: %w", err)
	}
	return nil
}

// Write broadcasts a server-initiated message to every open /events stream.
// Slow subscribers lose messages rather than stall the rest.
func (s *SSE) Write(msg protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	select {
	case <-s.quit:
		return errors.New("transport closed")
	default:
	}

	s.gate.add()
	defer s.gate.done()

	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs {
		select {
		case sub <- data:
		default:
			s.logger.Warn("Dropping notification for slow event stream")
		}
	}
	return nil
}

// WaitWritable implements the dispatcher's back-pressure hook.
func (s *SSE) WaitWritable(ctx context.Context) error {
	return s.gate.wait(ctx)
}

// QueueDepth reports held-open /rpc streams plus pending notifications.
func (s *SSE) QueueDepth() int {
	return s.gate.depth()
}

// Close stops accepting work and shuts the server down via Run.
func (s *SSE) Close() error {
	s.signalQuit()
	return nil
}

func (s *SSE) signalQuit() {
	s.quitOnce.Do(func() { close(s.quit) })
}

func (s *SSE) router(handler Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestLogMiddleware)
	r.Use(corsMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	if s.metrics != nil {
		r.Get("/metrics", s.metrics.ServeHTTP)
	}

	r.Group(func(r chi.Router) {
		if s.auth != nil {
			r.Use(s.auth)
		}
		r.Post("/rpc", s.handleRPC(handler))
		r.Get("/events", s.handleEvents)
	})

	return r
}

// handleRPC answers one JSON-RPC request as SSE frames. Notifications are
// acknowledged with 202 and no body.
func (s *SSE) handleRPC(handler Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.gate.add()
		defer s.gate.done()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxLineBytes))
		if err != nil {
			s.sendSSEError(w, nil, protocol.ParseError, "failed to read request body")
			return
		}
		defer r.Body.Close()

		req, ferr := decodeRequest(body)
		if ferr != nil {
			s.sendSSEError(w, recoverID(body), ferr.code, ferr.Error())
			return
		}

		resp := handler(r.Context(), req)
		if resp == nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusAccepted)
			return
		}

		data, merr := json.Marshal(resp)
		if merr != nil {
			s.sendSSEError(w, req.ID, protocol.InternalError, "failed to marshal response")
			return
		}
		fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
	}
}

// handleEvents holds a notification stream open: handshake frame first,
// then broadcast messages and keep-alive comments until the client leaves.
func (s *SSE) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	hs, err := json.Marshal(s.handshake)
	if err != nil {
		s.sendSSEError(w, nil, protocol.InternalError, "failed to marshal handshake")
		return
	}
	fmt.Fprintf(w, "event: handshake\ndata: %s\n\n", hs)
	flusher.Flush()

	sub := s.subscribe()
	defer s.unsubscribe(sub)

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.quit:
			return
		case data := <-sub:
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

func (s *SSE) subscribe() chan []byte {
	sub := make(chan []byte, subscriberBuffer)
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()
	return sub
}

func (s *SSE) unsubscribe(sub chan []byte) {
	s.mu.Lock()
	delete(s.subs, sub)
	s.mu.Unlock()
}

// sendSSEError emits a JSON-RPC error envelope as an error frame.
func (s *SSE) sendSSEError(w http.ResponseWriter, id interface{}, code int, message string) {
	resp := protocol.NewErrorResponse(id, code, message)
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("Failed to marshal error frame", "error", err)
		return
	}
	fmt.Fprintf(w, "event: error\ndata: %s\n\n", data)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *SSE) requestLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.logger.Debug("HTTP request", "method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
