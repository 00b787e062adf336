package plugins

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"

	"github.com/hashicorp/go-hclog"
	goplugin "github.com/hashicorp/go-plugin"

	"github.com/hanzoai/mcp/pkg/protocol"
	"github.com/hanzoai/mcp/pkg/tool"
)

// Loader launches discovered plugins and adapts their tools into
// registry handlers.
type Loader struct {
	logger hclog.Logger
}

// NewLoader builds a loader whose plugin subprocess logs are emitted at
// the given level (debug, info, warn, error). go-plugin requires hclog;
// its output goes to stderr alongside the slog stream.
func NewLoader(level string) *Loader {
	lvl := hclog.LevelFromString(level)
	if lvl == hclog.NoLevel {
		lvl = hclog.Info
	}
	return &Loader{
		logger: hclog.New(&hclog.LoggerOptions{
			Name:  "plugin",
			Level: lvl,
		}),
	}
}

// Package is one running plugin process and the tools it serves.
type Package struct {
	name     string
	client   *goplugin.Client
	svc      ToolService
	handlers []tool.Handler
}

// Open launches the plugin executable and lists its tools. A plugin
// that launches but cannot be spoken to is killed and reported; the
// caller decides whether that aborts startup.
func (l *Loader) Open(p DiscoveredPlugin) (*Package, error) {
	client := goplugin.NewClient(&goplugin.ClientConfig{
		HandshakeConfig:  Handshake,
		Plugins:          map[string]goplugin.Plugin{DispenseName: &ToolPlugin{}},
		Cmd:              exec.Command(p.Path),
		Logger:           l.logger.Named(p.Manifest.Name),
		AllowedProtocols: []goplugin.Protocol{goplugin.ProtocolNetRPC},
	})

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("plugin %s: failed to start: %w", p.Manifest.Name, err)
	}

	raw, err := rpcClient.Dispense(DispenseName)
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("plugin %s: failed to dispense tool service: %w", p.Manifest.Name, err)
	}
	svc, ok := raw.(ToolService)
	if !ok {
		client.Kill()
		return nil, fmt.Errorf("plugin %s does not serve the tool interface", p.Manifest.Name)
	}

	descs, err := svc.Descriptors()
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("plugin %s: failed to list tools: %w", p.Manifest.Name, err)
	}

	pkg := &Package{name: p.Manifest.Name, client: client, svc: svc}

	declared := make(map[string]bool, len(p.Manifest.Tools))
	for _, name := range p.Manifest.Tools {
		declared[name] = true
	}
	for _, desc := range descs {
		if desc.Name == "" {
			client.Kill()
			return nil, fmt.Errorf("plugin %s serves a tool without a name", p.Manifest.Name)
		}
		if len(declared) > 0 && !declared[desc.Name] {
			slog.Warn("Plugin serves a tool its manifest does not declare",
				"plugin", p.Manifest.Name,
				"tool", desc.Name)
		}
		// The host owns categorization; whatever the plugin claims,
		// its tools land in the plugin category.
		desc.Category = tool.CategoryPlugin
		pkg.handlers = append(pkg.handlers, &pluginTool{pkg: pkg, desc: desc})
	}

	slog.Info("Loaded plugin",
		"name", p.Manifest.Name,
		"version", p.Manifest.Version,
		"path", p.Path,
		"tools", len(pkg.handlers),
	)
	return pkg, nil
}

// Name returns the manifest name.
func (p *Package) Name() string {
	return p.name
}

// Tools returns the handlers to register.
func (p *Package) Tools() []tool.Handler {
	return p.handlers
}

// Close terminates the plugin subprocess.
func (p *Package) Close() {
	p.client.Kill()
}

// pluginTool forwards calls for one plugin-served tool.
type pluginTool struct {
	pkg  *Package
	desc tool.Descriptor
}

func (t *pluginTool) Descriptor() tool.Descriptor {
	return t.desc
}

// Call runs the net/rpc round trip in a goroutine. net/rpc cannot
// cancel an in-flight call, so on ctx expiry the reply is abandoned and
// the call left to drain on its own.
func (t *pluginTool) Call(ctx context.Context, inv *tool.Invocation) (*tool.Result, error) {
	type outcome struct {
		chunks []protocol.Chunk
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		chunks, err := t.pkg.svc.Call(t.desc.Name, inv.Args)
		done <- outcome{chunks: chunks, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case out := <-done:
		if out.err != nil {
			return nil, protocol.Failf(protocol.KindExecutionFailed, "plugin %s: %v", t.pkg.name, out.err)
		}
		return &tool.Result{Content: out.chunks}, nil
	}
}

var _ tool.Handler = (*pluginTool)(nil)
