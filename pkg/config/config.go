// Package config defines the server configuration surface and the loader
// that reads it from YAML or JSON sources with environment expansion.
//
// Precedence, lowest to highest: built-in defaults, config file, environment
// variables, CLI flags. The CLI layer applies the last two; this package
// owns the file and the defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Transport modes.
const (
	TransportStdio = "stdio"
	TransportSSE   = "sse"
)

// Span exporter selectors for TracingConfig.ExporterType.
const (
	TracingExporterOTLP  = "otlp"
	TracingExporterDebug = "debug"
)

// Config is the root configuration object.
type Config struct {
	Server      ServerConfig      `yaml:"server" json:"server"`
	Transport   TransportConfig   `yaml:"transport" json:"transport"`
	Permissions PermissionsConfig `yaml:"permissions" json:"permissions"`
	Tools       ToolsConfig       `yaml:"tools" json:"tools"`
	Memory      MemoryConfig      `yaml:"memory" json:"memory"`
	Auth        AuthConfig        `yaml:"auth" json:"auth"`
	Plugins     PluginsConfig     `yaml:"plugins" json:"plugins"`
	MCPServers  []MCPServerConfig `yaml:"mcp_servers" json:"mcp_servers"`
	Telemetry   TelemetryConfig   `yaml:"telemetry" json:"telemetry"`
}

// ServerConfig carries the core execution limits and the state root.
type ServerConfig struct {
	// Root is the persisted state directory (sessions, process spills,
	// permissions file, memory store, plugins).
	Root string `yaml:"root" json:"root"`

	// ResponseTokenCap bounds the token count of any single response.
	ResponseTokenCap int `yaml:"response_token_cap" json:"response_token_cap"`

	// TokenEncoding names the BPE vocabulary used for budgeting. It must be
	// stable across runs; cursor checksums include it.
	TokenEncoding string `yaml:"token_encoding" json:"token_encoding"`

	// MaxConcurrent bounds concurrently executing tool invocations.
	MaxConcurrent int `yaml:"max_concurrent" json:"max_concurrent"`

	// AutoBackgroundSeconds is the default foreground deadline for spawned
	// commands. An explicit 0 disables auto-backgrounding; nil means use the
	// default. Pointer so an explicit zero survives defaulting.
	AutoBackgroundSeconds *int `yaml:"auto_background_seconds" json:"auto_background_seconds,omitempty"`

	// DefaultDeadline bounds a whole invocation when the client sends no
	// deadline_ms.
	DefaultDeadline time.Duration `yaml:"default_deadline" json:"default_deadline"`

	// CursorIdleTimeout evicts cursors not redeemed within the window.
	CursorIdleTimeout time.Duration `yaml:"cursor_idle_timeout" json:"cursor_idle_timeout"`

	// RingBufferSize is the per-stream in-memory capture window for process
	// sessions, in bytes.
	RingBufferSize int `yaml:"ring_buffer_size" json:"ring_buffer_size"`

	// TrustedExec skips the binary-directory allowlist check on exec.
	TrustedExec bool `yaml:"trusted_exec" json:"trusted_exec"`

	LogLevel  string `yaml:"log_level" json:"log_level"`
	LogFormat string `yaml:"log_format" json:"log_format"`
}

// TransportConfig selects and tunes the wire transport.
type TransportConfig struct {
	Mode string `yaml:"mode" json:"mode"`
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`

	// WriteQueueSize is the bounded response queue; crossing the high-water
	// mark pauses new tools/call intake until drained.
	WriteQueueSize int `yaml:"write_queue_size" json:"write_queue_size"`
}

// PermissionsConfig seeds the permission set. The rules file under the state
// root is merged in when present.
type PermissionsConfig struct {
	AllowPaths []string `yaml:"allow_paths" json:"allow_paths"`
	DenyPaths  []string `yaml:"deny_paths" json:"deny_paths"`
}

// ToolsConfig drops tool classes from the registry at startup.
type ToolsConfig struct {
	DisableWriteTools  bool `yaml:"disable_write_tools" json:"disable_write_tools"`
	DisableSearchTools bool `yaml:"disable_search_tools" json:"disable_search_tools"`
}

// MemoryConfig configures the SQL-backed memory toolset.
type MemoryConfig struct {
	Enabled  bool           `yaml:"enabled" json:"enabled"`
	Database DatabaseConfig `yaml:"database" json:"database"`
}

// AuthConfig enables JWT bearer validation on the SSE transport when a JWKS
// URL is set. Stdio mode ignores it.
type AuthConfig struct {
	JWKSURL  string `yaml:"jwks_url" json:"jwks_url"`
	Issuer   string `yaml:"issuer" json:"issuer"`
	Audience string `yaml:"audience" json:"audience"`
}

// Enabled reports whether bearer validation is configured.
func (c AuthConfig) Enabled() bool {
	return c.JWKSURL != ""
}

// PluginsConfig controls tool-package discovery.
type PluginsConfig struct {
	Enabled            bool     `yaml:"enabled" json:"enabled"`
	Paths              []string `yaml:"paths" json:"paths"`
	ScanSubdirectories bool     `yaml:"scan_subdirectories" json:"scan_subdirectories"`
}

// MCPServerConfig describes one downstream MCP server whose tools are
// proxied into the registry.
type MCPServerConfig struct {
	Name      string            `yaml:"name" json:"name"`
	Transport string            `yaml:"transport" json:"transport"` // stdio | http
	Command   string            `yaml:"command" json:"command"`
	Args      []string          `yaml:"args" json:"args"`
	Env       map[string]string `yaml:"env" json:"env"`
	URL       string            `yaml:"url" json:"url"`
	TLS       MCPServerTLS      `yaml:"tls" json:"tls"`
	Enabled   bool              `yaml:"enabled" json:"enabled"`
}

// MCPServerTLS customizes certificate verification for an HTTPS downstream.
type MCPServerTLS struct {
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify" json:"insecure_skip_verify"`
	CACert             string `yaml:"ca_cert" json:"ca_cert"`
}

// TelemetryConfig configures tracing and metrics.
type TelemetryConfig struct {
	Tracing TracingConfig `yaml:"tracing" json:"tracing"`
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
}

// TracingConfig selects the span exporter. Exporter types: otlp, debug.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	ExporterType string  `yaml:"exporter_type" json:"exporter_type"`
	EndpointURL  string  `yaml:"endpoint_url" json:"endpoint_url"`
	SamplingRate float64 `yaml:"sampling_rate" json:"sampling_rate"`
	ServiceName  string  `yaml:"service_name" json:"service_name"`
}

// MetricsConfig enables the prometheus exposition endpoint (SSE mode only).
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
}

// DefaultRoot returns the default state root, ~/.hanzo.
func DefaultRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".hanzo"
	}
	return filepath.Join(home, ".hanzo")
}

// SetDefaults applies default values to unset fields.
func (c *Config) SetDefaults() {
	if c.Server.Root == "" {
		c.Server.Root = DefaultRoot()
	}
	if c.Server.ResponseTokenCap == 0 {
		c.Server.ResponseTokenCap = 25000
	}
	if c.Server.TokenEncoding == "" {
		c.Server.TokenEncoding = "cl100k_base"
	}
	if c.Server.MaxConcurrent == 0 {
		c.Server.MaxConcurrent = 64
	}
	if c.Server.AutoBackgroundSeconds == nil {
		v := 45
		c.Server.AutoBackgroundSeconds = &v
	}
	if c.Server.DefaultDeadline == 0 {
		c.Server.DefaultDeadline = 10 * time.Minute
	}
	if c.Server.CursorIdleTimeout == 0 {
		c.Server.CursorIdleTimeout = 15 * time.Minute
	}
	if c.Server.RingBufferSize == 0 {
		c.Server.RingBufferSize = 1 << 20
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.LogFormat == "" {
		c.Server.LogFormat = "text"
	}

	if c.Transport.Mode == "" {
		c.Transport.Mode = TransportStdio
	}
	if c.Transport.Host == "" {
		c.Transport.Host = "127.0.0.1"
	}
	if c.Transport.Port == 0 {
		c.Transport.Port = 8711
	}
	if c.Transport.WriteQueueSize == 0 {
		c.Transport.WriteQueueSize = 256
	}

	if c.Memory.Enabled {
		if c.Memory.Database.Driver == "" {
			c.Memory.Database.Driver = "sqlite"
		}
		if c.Memory.Database.Database == "" {
			c.Memory.Database.Database = filepath.Join(c.Server.Root, "memory.db")
		}
		c.Memory.Database.SetDefaults()
	}

	if c.Plugins.Paths == nil {
		c.Plugins.Paths = []string{filepath.Join(c.Server.Root, "plugins")}
	}

	if c.Telemetry.Tracing.ServiceName == "" {
		c.Telemetry.Tracing.ServiceName = "hanzo-mcp"
	}
	if c.Telemetry.Tracing.SamplingRate == 0 {
		c.Telemetry.Tracing.SamplingRate = 1.0
	}
	if c.Telemetry.Tracing.ExporterType == "" {
		c.Telemetry.Tracing.ExporterType = TracingExporterOTLP
	}
}

// Validate checks the configuration for contradictions.
func (c *Config) Validate() error {
	switch c.Transport.Mode {
	case TransportStdio, TransportSSE:
	default:
		return fmt.Errorf("invalid transport mode %q (valid: stdio, sse)", c.Transport.Mode)
	}

	if c.Transport.Port < 0 || c.Transport.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Transport.Port)
	}

	if c.Server.ResponseTokenCap < 1000 {
		return fmt.Errorf("response_token_cap %d is below the 1000 minimum", c.Server.ResponseTokenCap)
	}

	if c.Server.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1")
	}

	if c.Server.AutoBackgroundSeconds != nil && *c.Server.AutoBackgroundSeconds < 0 {
		return fmt.Errorf("auto_background_seconds must be non-negative")
	}

	if c.Memory.Enabled {
		if err := c.Memory.Database.Validate(); err != nil {
			return fmt.Errorf("memory database: %w", err)
		}
	}

	for i, srv := range c.MCPServers {
		if !srv.Enabled {
			continue
		}
		if srv.Name == "" {
			return fmt.Errorf("mcp_servers[%d]: name is required", i)
		}
		switch srv.Transport {
		case "stdio":
			if srv.Command == "" {
				return fmt.Errorf("mcp server %q: command is required for stdio transport", srv.Name)
			}
		case "http":
			if srv.URL == "" {
				return fmt.Errorf("mcp server %q: url is required for http transport", srv.Name)
			}
		default:
			return fmt.Errorf("mcp server %q: invalid transport %q (valid: stdio, http)", srv.Name, srv.Transport)
		}
	}

	return nil
}
