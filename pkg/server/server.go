// Package server assembles the tool server from configuration: permission
// gate, token budgeter, cursor store, process supervisor, session log, the
// tool registry with its builtin and proxied toolsets, the dispatcher, and
// a transport. New wires; Run serves until the context is cancelled, the
// client asks for shutdown, or the transport fails.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hanzoai/mcp/pkg/auth"
	"github.com/hanzoai/mcp/pkg/config"
	"github.com/hanzoai/mcp/pkg/cursor"
	"github.com/hanzoai/mcp/pkg/dispatcher"
	"github.com/hanzoai/mcp/pkg/logger"
	"github.com/hanzoai/mcp/pkg/observability"
	"github.com/hanzoai/mcp/pkg/permission"
	"github.com/hanzoai/mcp/pkg/plugins"
	"github.com/hanzoai/mcp/pkg/protocol"
	"github.com/hanzoai/mcp/pkg/registry"
	"github.com/hanzoai/mcp/pkg/sessionlog"
	"github.com/hanzoai/mcp/pkg/supervisor"
	"github.com/hanzoai/mcp/pkg/tokens"
	"github.com/hanzoai/mcp/pkg/tool"
	"github.com/hanzoai/mcp/pkg/tool/dagtool"
	"github.com/hanzoai/mcp/pkg/tool/documenttool"
	"github.com/hanzoai/mcp/pkg/tool/filetool"
	"github.com/hanzoai/mcp/pkg/tool/mcptoolset"
	"github.com/hanzoai/mcp/pkg/tool/memorytool"
	"github.com/hanzoai/mcp/pkg/tool/searchtool"
	"github.com/hanzoai/mcp/pkg/tool/shelltool"
	"github.com/hanzoai/mcp/pkg/transport"
)

// supervisorGrace bounds terminate-then-kill on shutdown.
const supervisorGrace = 5 * time.Second

// Server owns every component for one serving process.
type Server struct {
	cfg *config.Config

	obs        *observability.Manager
	gate       *permission.Gate
	budgeter   *tokens.Budgeter
	cursors    *cursor.Store
	supervisor *supervisor.Supervisor
	sessions   *sessionlog.Log
	dbpool     *config.DBPool
	registry   *registry.ToolRegistry
	dispatcher *dispatcher.Dispatcher
	transport  transport.Transport

	// closers releases proxied toolsets and plugin hosts, LIFO.
	closers []func()

	logger *slog.Logger
}

// New wires a server from configuration. The context bounds startup work
// (JWKS fetch, downstream tool discovery) and the background refresh
// goroutines it spawns.
func New(ctx context.Context, cfg *config.Config) (*Server, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// All logs go to stderr: in stdio mode stdout carries the protocol.
	level, err := logger.ParseLevel(cfg.Server.LogLevel)
	if err != nil {
		return nil, err
	}
	logger.Init(level, os.Stderr, cfg.Server.LogFormat)

	s := &Server{
		cfg:    cfg,
		logger: logger.Component("server"),
	}

	s.obs = observability.NewManager(cfg.Telemetry)
	if err := s.obs.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("observability init failed: %w", err)
	}

	if err := s.initState(); err != nil {
		return nil, err
	}
	if err := s.initGate(); err != nil {
		return nil, err
	}

	s.budgeter, err = tokens.NewBudgeter(cfg.Server.TokenEncoding, cfg.Server.ResponseTokenCap)
	if err != nil {
		return nil, fmt.Errorf("budgeter init failed: %w", err)
	}

	s.cursors = cursor.NewStore(cfg.Server.CursorIdleTimeout)
	s.supervisor = supervisor.New(supervisor.Config{
		Root:     cfg.Server.Root,
		RingSize: cfg.Server.RingBufferSize,
		OnRemove: s.cursors.InvalidateSource,
	})

	s.sessions, err = sessionlog.Open(filepath.Join(cfg.Server.Root, "sessions"))
	if err != nil {
		return nil, fmt.Errorf("session log init failed: %w", err)
	}

	s.dbpool = config.NewDBPool()

	if err := s.initRegistry(ctx); err != nil {
		return nil, err
	}

	s.transport, err = s.buildTransport(ctx)
	if err != nil {
		return nil, err
	}

	s.dispatcher, err = dispatcher.New(dispatcher.Options{
		Registry:        s.registry,
		Cursors:         s.cursors,
		Budgeter:        s.budgeter,
		MaxConcurrent:   cfg.Server.MaxConcurrent,
		DefaultDeadline: cfg.Server.DefaultDeadline,
		SSEMode:         cfg.Transport.Mode == config.TransportSSE,
		Writable:        s.transport,
		Recorder:        s.newRecorder(),
		OnShutdown:      func() { _ = s.transport.Close() },
	})
	if err != nil {
		return nil, fmt.Errorf("dispatcher init failed: %w", err)
	}

	return s, nil
}

// Run serves the transport until ctx is cancelled, a client requests
// shutdown, or the transport fails, then stops every component in reverse
// dependency order.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.cursors.StartGC(runCtx)

	if metrics := s.obs.Metrics(); metrics != nil {
		err := metrics.RegisterGauges(observability.GaugeSources{
			ActiveProcesses:     func() int64 { return int64(s.supervisor.ActiveCount()) },
			ActiveCursors:       func() int64 { return int64(s.cursors.Len()) },
			TransportQueueDepth: func() int64 { return int64(s.transport.QueueDepth()) },
		})
		if err != nil {
			s.logger.Warn("Gauge registration failed", "error", err)
		}
	}

	s.logger.Info("Server ready",
		"transport", s.cfg.Transport.Mode,
		"tools", s.registry.Len(),
		"root", s.cfg.Server.Root)

	err := s.transport.Run(runCtx, s.handle)

	s.stop()
	return err
}

// Tools returns the sealed registry's descriptors, sorted by name.
func (s *Server) Tools() []tool.Descriptor {
	return s.registry.List()
}

// Close tears the server down without serving. Run performs the same
// teardown itself, so callers use one or the other.
func (s *Server) Close() {
	s.stop()
}

// handle is the transport ingress: a span around the dispatcher.
func (s *Server) handle(ctx context.Context, req *protocol.Request) *protocol.Response {
	ctx, span := s.obs.Tracer("server").Start(ctx, observability.SpanRPC,
		trace.WithAttributes(attribute.String(observability.AttrMethod, req.Method)))
	defer span.End()

	resp := s.dispatcher.Handle(ctx, req)
	if resp != nil && resp.Error != nil {
		span.SetStatus(codes.Error, resp.Error.Message)
	}
	return resp
}

// stop tears the server down: cancel in-flight invocations, stop children,
// drop cursors, close the session log and helpers, flush telemetry.
func (s *Server) stop() {
	s.logger.Info("Server stopping")

	s.dispatcher.CancelAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), supervisorGrace+2*time.Second)
	defer cancel()
	s.supervisor.Shutdown(shutdownCtx)

	s.cursors.Close()

	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}

	if err := s.sessions.Close(); err != nil {
		s.logger.Warn("Session log close failed", "error", err)
	}
	if err := s.dbpool.Close(); err != nil {
		s.logger.Warn("Database pool close failed", "error", err)
	}
	if err := s.obs.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("Observability shutdown failed", "error", err)
	}

	s.logger.Info("Server stopped")
}

// initState creates the persisted layout under the root.
func (s *Server) initState() error {
	root := s.cfg.Server.Root
	for _, dir := range []string{root, filepath.Join(root, "config"), filepath.Join(root, "processes")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create state directory %s: %w", dir, err)
		}
	}
	return nil
}

// initGate merges CLI/config rules with the persisted permissions file.
func (s *Server) initGate() error {
	rulesPath := filepath.Join(s.cfg.Server.Root, "config", "permissions.json")
	rules, err := permission.LoadRulesFile(rulesPath)
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", rulesPath, err)
	}

	allow := append(append([]string{}, s.cfg.Permissions.AllowPaths...), rules.Allow...)
	deny := append(append([]string{}, s.cfg.Permissions.DenyPaths...), rules.Deny...)

	gate, err := permission.NewGate(allow, deny, s.cfg.Server.TrustedExec)
	if err != nil {
		return fmt.Errorf("permission gate init failed: %w", err)
	}
	s.gate = gate
	return nil
}

// initRegistry assembles and seals the tool registry: builtins filtered by
// the disable flags, then documents, memory, downstream MCP proxies, and
// plugin packages.
func (s *Server) initRegistry(ctx context.Context) error {
	s.registry = registry.NewToolRegistry()

	defaultDir, err := os.Getwd()
	if err != nil {
		defaultDir = s.cfg.Server.Root
	}

	fileTools, err := filetool.Tools(filetool.Deps{
		Gate: s.gate, Budgeter: s.budgeter, Cursors: s.cursors,
	})
	if err != nil {
		return fmt.Errorf("file toolset init failed: %w", err)
	}
	if err := s.registerFiltered(fileTools...); err != nil {
		return err
	}

	if !s.cfg.Tools.DisableSearchTools {
		search, err := searchtool.New(searchtool.Deps{
			Gate: s.gate, Budgeter: s.budgeter, Cursors: s.cursors,
		})
		if err != nil {
			return fmt.Errorf("search toolset init failed: %w", err)
		}
		if err := s.registry.Register(search); err != nil {
			return err
		}
	}

	shellTools, err := shelltool.Tools(shelltool.Deps{
		Gate:           s.gate,
		Supervisor:     s.supervisor,
		Budgeter:       s.budgeter,
		Cursors:        s.cursors,
		DefaultDir:     defaultDir,
		AutoBackground: time.Duration(*s.cfg.Server.AutoBackgroundSeconds) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("shell toolset init failed: %w", err)
	}
	if err := s.registry.RegisterAll(shellTools...); err != nil {
		return err
	}

	dagShell, err := dagtool.New(dagtool.Deps{
		Gate:       s.gate,
		Supervisor: s.supervisor,
		Budgeter:   s.budgeter,
		Cursors:    s.cursors,
		DefaultDir: defaultDir,
	})
	if err != nil {
		return fmt.Errorf("dag toolset init failed: %w", err)
	}
	if err := s.registry.Register(dagShell); err != nil {
		return err
	}

	docTools, err := documenttool.Tools(documenttool.Deps{
		Gate: s.gate, Budgeter: s.budgeter, Cursors: s.cursors,
	})
	if err != nil {
		return fmt.Errorf("document toolset init failed: %w", err)
	}
	if err := s.registry.RegisterAll(docTools...); err != nil {
		return err
	}

	if s.cfg.Memory.Enabled {
		if err := s.initMemoryTools(); err != nil {
			return err
		}
	}

	s.initProxyTools(ctx)

	if s.cfg.Plugins.Enabled {
		s.initPluginTools()
	}

	return s.registry.Seal()
}

// registerFiltered drops write-category tools when writes are disabled.
func (s *Server) registerFiltered(handlers ...tool.Handler) error {
	for _, h := range handlers {
		if s.cfg.Tools.DisableWriteTools && h.Descriptor().Category == tool.CategoryWrite {
			s.logger.Debug("Skipping write tool", "tool", h.Descriptor().Name)
			continue
		}
		if err := s.registry.Register(h); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) initMemoryTools() error {
	db, err := s.dbpool.Get(&s.cfg.Memory.Database)
	if err != nil {
		return fmt.Errorf("memory database init failed: %w", err)
	}
	store, err := memorytool.NewStore(db, s.cfg.Memory.Database.Driver)
	if err != nil {
		return fmt.Errorf("memory store init failed: %w", err)
	}
	memTools, err := memorytool.Tools(memorytool.Deps{
		Store: store, Budgeter: s.budgeter, Cursors: s.cursors,
	})
	if err != nil {
		return fmt.Errorf("memory toolset init failed: %w", err)
	}
	return s.registry.RegisterAll(memTools...)
}

// initProxyTools connects the configured downstream MCP servers. A broken
// downstream is skipped with a warning; it never blocks startup.
func (s *Server) initProxyTools(ctx context.Context) {
	for _, sc := range s.cfg.MCPServers {
		if !sc.Enabled {
			continue
		}
		toolset, err := mcptoolset.New(sc)
		if err != nil {
			s.logger.Warn("Skipping MCP server", "name", sc.Name, "error", err)
			continue
		}
		handlers, err := toolset.Tools(ctx)
		if err != nil {
			s.logger.Warn("Skipping MCP server, discovery failed", "name", sc.Name, "error", err)
			_ = toolset.Close()
			continue
		}
		if err := s.registry.RegisterAll(handlers...); err != nil {
			s.logger.Warn("Skipping MCP server, registration failed", "name", sc.Name, "error", err)
			_ = toolset.Close()
			continue
		}
		ts := toolset
		s.closers = append(s.closers, func() { _ = ts.Close() })
		s.logger.Info("Proxying MCP server", "name", sc.Name, "tools", len(handlers))
	}
}

// initPluginTools loads discovered plugin packages. A bad plugin is
// skipped with a warning.
func (s *Server) initPluginTools() {
	discovery := plugins.NewDiscovery(s.cfg.Plugins)
	found, err := discovery.Discover()
	if err != nil {
		s.logger.Warn("Plugin discovery failed", "error", err)
		return
	}

	loader := plugins.NewLoader(s.cfg.Server.LogLevel)
	for _, p := range found {
		pkg, err := loader.Open(p)
		if err != nil {
			s.logger.Warn("Skipping plugin", "plugin", p.Manifest.Name, "error", err)
			continue
		}
		if err := s.registry.RegisterAll(pkg.Tools()...); err != nil {
			s.logger.Warn("Skipping plugin, registration failed", "plugin", p.Manifest.Name, "error", err)
			pkg.Close()
			continue
		}
		pk := pkg
		s.closers = append(s.closers, pk.Close)
		s.logger.Info("Loaded plugin package", "plugin", pk.Name(), "tools", len(pk.Tools()))
	}
}

// buildTransport constructs the configured wire transport.
func (s *Server) buildTransport(ctx context.Context) (transport.Transport, error) {
	switch s.cfg.Transport.Mode {
	case config.TransportStdio:
		return transport.NewStdio(os.Stdin, os.Stdout, s.cfg.Transport.WriteQueueSize), nil

	case config.TransportSSE:
		var authMiddleware func(http.Handler) http.Handler
		if s.cfg.Auth.Enabled() {
			validator, err := auth.NewValidator(ctx,
				s.cfg.Auth.JWKSURL, s.cfg.Auth.Issuer, s.cfg.Auth.Audience)
			if err != nil {
				return nil, fmt.Errorf("auth init failed: %w", err)
			}
			authMiddleware = validator.Middleware
		}

		return transport.NewSSE(transport.SSEOptions{
			Host:      s.cfg.Transport.Host,
			Port:      s.cfg.Transport.Port,
			QueueSize: s.cfg.Transport.WriteQueueSize,
			Handshake: transport.Handshake{
				Server:          protocol.ServerName,
				Version:         protocol.ServerVersion,
				ProtocolVersion: protocol.ProtocolVersion,
				Capabilities:    serverCapabilities(true),
			},
			Auth:    authMiddleware,
			Metrics: s.obs.MetricsHandler(),
		}), nil

	default:
		return nil, fmt.Errorf("unknown transport mode %q", s.cfg.Transport.Mode)
	}
}

func serverCapabilities(sse bool) map[string]json.RawMessage {
	caps := map[string]json.RawMessage{
		"tools":        json.RawMessage("{}"),
		"cursors":      json.RawMessage("{}"),
		"cancellation": json.RawMessage("{}"),
	}
	if sse {
		caps["sse"] = json.RawMessage("{}")
	}
	return caps
}

// newRecorder fans invocation records out to the session log and metrics.
func (s *Server) newRecorder() dispatcher.Recorder {
	return recorderFunc(func(rec dispatcher.Record) {
		s.sessions.Record(sessionlog.Entry{
			InvocationID: rec.InvocationID,
			ToolName:     rec.Tool,
			ArgsDigest:   rec.ArgsDigest,
			Outcome:      rec.Outcome,
			DurationMS:   rec.Duration.Milliseconds(),
			BytesOut:     rec.BytesOut,
			NextCursor:   rec.NextCursor,
		})
		s.obs.Metrics().RecordInvocation(context.Background(),
			rec.Tool, rec.Outcome, rec.Duration, rec.TokensOut)
	})
}

type recorderFunc func(dispatcher.Record)

func (f recorderFunc) RecordInvocation(rec dispatcher.Record) { f(rec) }
