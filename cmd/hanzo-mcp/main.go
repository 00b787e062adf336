// Command hanzo-mcp is the MCP tool server.
//
// Usage:
//
//	hanzo-mcp [serve] [--transport stdio|sse] [flags]
//	hanzo-mcp serve --config config.yaml
//	hanzo-mcp tools
//	hanzo-mcp version
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"syscall"
	"text/tabwriter"

	"github.com/alecthomas/kong"
	"golang.org/x/term"

	"github.com/hanzoai/mcp/pkg/config"
	"github.com/hanzoai/mcp/pkg/protocol"
	"github.com/hanzoai/mcp/pkg/server"
)

// Exit codes. An interrupted run exits 130 so callers can tell a signal
// stop from a graceful client shutdown.
const (
	exitFatal       = 1
	exitConfig      = 2
	exitInterrupted = 130
)

var errInterrupted = errors.New("interrupted")

// configError marks failures the operator can fix in configuration.
type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

// CLI defines the command-line interface.
type CLI struct {
	Serve   ServeCmd   `cmd:"" default:"withargs" help:"Start the tool server (default)."`
	Tools   ToolsCmd   `cmd:"" help:"List the tools the current configuration exposes."`
	Version VersionCmd `cmd:"" help:"Show version information."`

	Config    string `short:"c" help:"Path to config file." type:"path" env:"HANZO_MCP_CONFIG"`
	EnvFile   string `name:"env-file" help:"Env file loaded before flags are parsed." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." env:"HANZO_MCP_LOG_LEVEL"`
	LogFormat string `help:"Log format (text or json)." env:"HANZO_MCP_LOG_FORMAT"`
}

// ServeCmd starts the tool server. Flags are pointers where the zero value
// is meaningful, so an unset flag never overrides the config file.
type ServeCmd struct {
	Transport             string   `help:"Transport to serve on (stdio or sse)." env:"HANZO_MCP_TRANSPORT"`
	Host                  string   `help:"Bind host for the SSE transport." env:"HANZO_MCP_HOST"`
	Port                  *int     `help:"Bind port for the SSE transport." env:"HANZO_MCP_PORT"`
	AllowPath             []string `name:"allow-path" help:"Allow-listed path prefix (repeatable)." env:"HANZO_MCP_ALLOW_PATHS"`
	DenyPath              []string `name:"deny-path" help:"Deny-listed path prefix (repeatable)." env:"HANZO_MCP_DENY_PATHS"`
	TrustedExec           *bool    `name:"trusted-exec" help:"Skip the binary-directory check for spawned commands." env:"HANZO_MCP_TRUSTED_EXEC"`
	DisableWriteTools     *bool    `name:"disable-write-tools" help:"Drop write-category tools from the registry." env:"HANZO_MCP_DISABLE_WRITE_TOOLS"`
	DisableSearchTools    *bool    `name:"disable-search-tools" help:"Drop the search tool from the registry." env:"HANZO_MCP_DISABLE_SEARCH_TOOLS"`
	AutoBackgroundSeconds *int     `name:"auto-background-seconds" help:"Foreground window before a running command is backgrounded (0 disables)." env:"HANZO_MCP_AUTO_BACKGROUND_SECONDS"`
	ResponseTokenCap      *int     `name:"response-token-cap" help:"Token budget for a single response." env:"HANZO_MCP_RESPONSE_TOKEN_CAP"`
	MaxConcurrent         *int     `name:"max-concurrent" help:"Concurrent invocation bound." env:"HANZO_MCP_MAX_CONCURRENT"`
	Root                  string   `help:"State root directory." type:"path" env:"HANZO_MCP_ROOT"`
	Watch                 bool     `help:"Watch the config file and log when it changes on disk."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var interrupted atomic.Bool
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			slog.Info("Shutting down...")
			interrupted.Store(true)
			cancel()
		case <-ctx.Done():
		}
	}()

	cfg, loader, err := loadConfig(ctx, cli)
	if err != nil {
		return err
	}
	if loader != nil {
		defer loader.Close()
	}

	c.apply(cfg, cli)
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return &configError{err}
	}

	if c.Watch && loader != nil {
		go func() {
			if err := loader.Watch(ctx); err != nil && ctx.Err() == nil {
				slog.Error("Config watch error", "error", err)
			}
		}()
	}

	srv, err := server.New(ctx, cfg)
	if err != nil {
		return err
	}

	// In stdio mode stdout carries the protocol, so the startup summary
	// only prints for SSE.
	if cfg.Transport.Mode == config.TransportSSE {
		printStartupInfo(cfg)
	}

	if err := srv.Run(ctx); err != nil {
		return err
	}
	if interrupted.Load() {
		return errInterrupted
	}
	return nil
}

// apply overlays explicitly set flags onto the loaded configuration.
// Path flags augment the config lists rather than replacing them.
func (c *ServeCmd) apply(cfg *config.Config, cli *CLI) {
	if c.Transport != "" {
		cfg.Transport.Mode = c.Transport
	}
	if c.Host != "" {
		cfg.Transport.Host = c.Host
	}
	if c.Port != nil {
		cfg.Transport.Port = *c.Port
	}
	if len(c.AllowPath) > 0 {
		cfg.Permissions.AllowPaths = append(cfg.Permissions.AllowPaths, c.AllowPath...)
	}
	if len(c.DenyPath) > 0 {
		cfg.Permissions.DenyPaths = append(cfg.Permissions.DenyPaths, c.DenyPath...)
	}
	if c.TrustedExec != nil {
		cfg.Server.TrustedExec = *c.TrustedExec
	}
	if c.DisableWriteTools != nil {
		cfg.Tools.DisableWriteTools = *c.DisableWriteTools
	}
	if c.DisableSearchTools != nil {
		cfg.Tools.DisableSearchTools = *c.DisableSearchTools
	}
	if c.AutoBackgroundSeconds != nil {
		cfg.Server.AutoBackgroundSeconds = c.AutoBackgroundSeconds
	}
	if c.ResponseTokenCap != nil {
		cfg.Server.ResponseTokenCap = *c.ResponseTokenCap
	}
	if c.MaxConcurrent != nil {
		cfg.Server.MaxConcurrent = *c.MaxConcurrent
	}
	if c.Root != "" {
		cfg.Server.Root = c.Root
	}
	if cli.LogLevel != "" {
		cfg.Server.LogLevel = cli.LogLevel
	}
	if cli.LogFormat != "" {
		cfg.Server.LogFormat = cli.LogFormat
	}
}

// ToolsCmd prints the tool registry the current configuration produces.
type ToolsCmd struct {
	Root string `help:"State root directory." type:"path" env:"HANZO_MCP_ROOT"`
}

func (c *ToolsCmd) Run(cli *CLI) error {
	ctx := context.Background()
	cfg, loader, err := loadConfig(ctx, cli)
	if err != nil {
		return err
	}
	if loader != nil {
		defer loader.Close()
	}
	if c.Root != "" {
		cfg.Server.Root = c.Root
	}
	// Keep the listing clean unless the operator asked for more.
	cfg.Server.LogLevel = "warn"
	if cli.LogLevel != "" {
		cfg.Server.LogLevel = cli.LogLevel
	}

	srv, err := server.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer srv.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tCATEGORY\tDESCRIPTION")
	for _, d := range srv.Tools() {
		fmt.Fprintf(w, "%s\t%s\t%s\n", d.Name, d.Category, d.Description)
	}
	return w.Flush()
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	revision := ""
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" && len(s.Value) >= 12 {
				revision = s.Value[:12]
			}
		}
	}
	if revision != "" {
		fmt.Printf("%s %s (%s)\n", protocol.ServerName, protocol.ServerVersion, revision)
		return nil
	}
	fmt.Printf("%s %s\n", protocol.ServerName, protocol.ServerVersion)
	return nil
}

// loadConfig loads the config file when one is named, defaults otherwise.
func loadConfig(ctx context.Context, cli *CLI) (*config.Config, *config.Loader, error) {
	if cli.Config == "" {
		return config.Default(), nil, nil
	}
	cfg, loader, err := config.LoadConfigFile(ctx, cli.Config)
	if err != nil {
		return nil, nil, &configError{fmt.Errorf("failed to load config: %w", err)}
	}
	slog.Info("Loaded configuration", "path", cli.Config)
	return cfg, loader, nil
}

// loadEnvFiles applies --env-file (or the local .env files) before kong
// parses, so the HANZO_MCP_* variables it defines reach the flag env
// defaults.
func loadEnvFiles(args []string) error {
	for i, arg := range args {
		if arg == "--env-file" && i+1 < len(args) {
			return config.LoadEnvFile(args[i+1])
		}
		if v, ok := strings.CutPrefix(arg, "--env-file="); ok {
			return config.LoadEnvFile(v)
		}
	}
	return config.LoadEnvFiles()
}

// printStartupInfo summarises the SSE endpoints before serving starts.
func printStartupInfo(cfg *config.Config) {
	green, reset := "", ""
	if term.IsTerminal(int(os.Stdout.Fd())) {
		green = "\033[38;2;16;185;129m"
		reset = "\033[0m"
	}

	addr := fmt.Sprintf("%s:%d", cfg.Transport.Host, cfg.Transport.Port)
	fmt.Printf("\n%s%s %s ready%s\n", green, protocol.ServerName, protocol.ServerVersion, reset)
	fmt.Printf("   RPC:      http://%s/rpc\n", addr)
	fmt.Printf("   Events:   http://%s/events\n", addr)
	fmt.Printf("   Health:   http://%s/healthz\n", addr)
	if cfg.Telemetry.Metrics.Enabled {
		fmt.Printf("   Metrics:  http://%s/metrics\n", addr)
	}
	if cfg.Auth.Enabled() {
		fmt.Printf("   Auth:     bearer (issuer %s)\n", cfg.Auth.Issuer)
	}
	fmt.Println("\nPress Ctrl+C to stop")
}

func main() {
	if err := loadEnvFiles(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "hanzo-mcp: error: %v\n", err)
		os.Exit(exitConfig)
	}

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("hanzo-mcp"),
		kong.Description("MCP tool server: files, search, shell, pipelines, documents, and memory over JSON-RPC."),
		kong.UsageOnError(),
	)

	err := ctx.Run(&cli)
	switch {
	case err == nil:
	case errors.Is(err, errInterrupted):
		os.Exit(exitInterrupted)
	default:
		fmt.Fprintf(os.Stderr, "hanzo-mcp: error: %v\n", err)
		var ce *configError
		if errors.As(err, &ce) {
			os.Exit(exitConfig)
		}
		os.Exit(exitFatal)
	}
}
