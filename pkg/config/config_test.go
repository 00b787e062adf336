package config

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSetDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.SetDefaults()

	if cfg.Server.ResponseTokenCap != 25000 {
		t.Errorf("ResponseTokenCap = %d, want 25000", cfg.Server.ResponseTokenCap)
	}
	if cfg.Server.TokenEncoding != "cl100k_base" {
		t.Errorf("TokenEncoding = %q, want cl100k_base", cfg.Server.TokenEncoding)
	}
	if cfg.Server.MaxConcurrent != 64 {
		t.Errorf("MaxConcurrent = %d, want 64", cfg.Server.MaxConcurrent)
	}
	if cfg.Server.AutoBackgroundSeconds == nil || *cfg.Server.AutoBackgroundSeconds != 45 {
		t.Errorf("AutoBackgroundSeconds = %v, want 45", cfg.Server.AutoBackgroundSeconds)
	}
	if cfg.Server.DefaultDeadline != 10*time.Minute {
		t.Errorf("DefaultDeadline = %v, want 10m", cfg.Server.DefaultDeadline)
	}
	if cfg.Server.CursorIdleTimeout != 15*time.Minute {
		t.Errorf("CursorIdleTimeout = %v, want 15m", cfg.Server.CursorIdleTimeout)
	}
	if cfg.Server.RingBufferSize != 1<<20 {
		t.Errorf("RingBufferSize = %d, want %d", cfg.Server.RingBufferSize, 1<<20)
	}
	if cfg.Server.Root == "" {
		t.Error("Root should default to a non-empty path")
	}
	if cfg.Transport.Mode != TransportStdio {
		t.Errorf("Transport.Mode = %q, want stdio", cfg.Transport.Mode)
	}
	if cfg.Transport.Host != "127.0.0.1" {
		t.Errorf("Transport.Host = %q, want 127.0.0.1", cfg.Transport.Host)
	}
	if cfg.Transport.Port != 8711 {
		t.Errorf("Transport.Port = %d, want 8711", cfg.Transport.Port)
	}
	if cfg.Transport.WriteQueueSize != 256 {
		t.Errorf("Transport.WriteQueueSize = %d, want 256", cfg.Transport.WriteQueueSize)
	}
	if cfg.Telemetry.Tracing.ServiceName != "hanzo-mcp" {
		t.Errorf("ServiceName = %q, want hanzo-mcp", cfg.Telemetry.Tracing.ServiceName)
	}
	if len(cfg.Plugins.Paths) != 1 {
		t.Fatalf("Plugins.Paths = %v, want one default entry", cfg.Plugins.Paths)
	}
	if filepath.Base(cfg.Plugins.Paths[0]) != "plugins" {
		t.Errorf("default plugin path = %q, want <root>/plugins", cfg.Plugins.Paths[0])
	}
}

func TestSetDefaults_PreservesExplicitValues(t *testing.T) {
	cfg := &Config{}
	cfg.Server.ResponseTokenCap = 5000
	cfg.Server.MaxConcurrent = 8
	cfg.Transport.Mode = TransportSSE
	cfg.Transport.Port = 9000
	cfg.SetDefaults()

	if cfg.Server.ResponseTokenCap != 5000 {
		t.Errorf("ResponseTokenCap = %d, want 5000", cfg.Server.ResponseTokenCap)
	}
	if cfg.Server.MaxConcurrent != 8 {
		t.Errorf("MaxConcurrent = %d, want 8", cfg.Server.MaxConcurrent)
	}
	if cfg.Transport.Mode != TransportSSE {
		t.Errorf("Transport.Mode = %q, want sse", cfg.Transport.Mode)
	}
	if cfg.Transport.Port != 9000 {
		t.Errorf("Transport.Port = %d, want 9000", cfg.Transport.Port)
	}
}

func TestSetDefaults_ExplicitZeroAutoBackground(t *testing.T) {
	cfg := &Config{}
	zero := 0
	cfg.Server.AutoBackgroundSeconds = &zero
	cfg.SetDefaults()

	if *cfg.Server.AutoBackgroundSeconds != 0 {
		t.Errorf("AutoBackgroundSeconds = %d, want 0 preserved", *cfg.Server.AutoBackgroundSeconds)
	}
}

func TestSetDefaults_MemoryEnabled(t *testing.T) {
	cfg := &Config{}
	cfg.Server.Root = "/tmp/state"
	cfg.Memory.Enabled = true
	cfg.SetDefaults()

	if cfg.Memory.Database.Driver != "sqlite" {
		t.Errorf("Memory driver = %q, want sqlite", cfg.Memory.Database.Driver)
	}
	want := filepath.Join("/tmp/state", "memory.db")
	if cfg.Memory.Database.Database != want {
		t.Errorf("Memory database = %q, want %q", cfg.Memory.Database.Database, want)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(c *Config) {},
		},
		{
			name: "bad transport mode",
			mutate: func(c *Config) {
				c.Transport.Mode = "websocket"
			},
			wantErr: "invalid transport mode",
		},
		{
			name: "port out of range",
			mutate: func(c *Config) {
				c.Transport.Port = 70000
			},
			wantErr: "invalid port",
		},
		{
			name: "token cap too small",
			mutate: func(c *Config) {
				c.Server.ResponseTokenCap = 500
			},
			wantErr: "response_token_cap",
		},
		{
			name: "negative concurrency",
			mutate: func(c *Config) {
				c.Server.MaxConcurrent = -1
			},
			wantErr: "max_concurrent",
		},
		{
			name: "negative auto background",
			mutate: func(c *Config) {
				v := -5
				c.Server.AutoBackgroundSeconds = &v
			},
			wantErr: "auto_background_seconds",
		},
		{
			name: "mcp server stdio without command",
			mutate: func(c *Config) {
				c.MCPServers = []MCPServerConfig{
					{Name: "fs", Transport: "stdio", Enabled: true},
				}
			},
			wantErr: "command is required",
		},
		{
			name: "mcp server http without url",
			mutate: func(c *Config) {
				c.MCPServers = []MCPServerConfig{
					{Name: "remote", Transport: "http", Enabled: true},
				}
			},
			wantErr: "url is required",
		},
		{
			name: "disabled mcp server skips validation",
			mutate: func(c *Config) {
				c.MCPServers = []MCPServerConfig{
					{Name: "off", Transport: "stdio", Enabled: false},
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() = nil, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestAuthConfig_Enabled(t *testing.T) {
	var c AuthConfig
	if c.Enabled() {
		t.Error("empty auth config should be disabled")
	}
	c.JWKSURL = "https://issuer.example.com/.well-known/jwks.json"
	if !c.Enabled() {
		t.Error("auth config with JWKS URL should be enabled")
	}
}

func TestDatabaseConfig_DSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  DatabaseConfig
		want string
	}{
		{
			name: "postgres",
			cfg: DatabaseConfig{
				Driver:   "postgres",
				Host:     "localhost",
				Port:     5432,
				Database: "memory",
				Username: "mcp",
				Password: "secret",
				SSLMode:  "disable",
			},
			want: "host=localhost port=5432 dbname=memory user=mcp password=secret sslmode=disable",
		},
		{
			name: "mysql",
			cfg: DatabaseConfig{
				Driver:   "mysql",
				Host:     "db.internal",
				Port:     3306,
				Database: "memory",
				Username: "mcp",
				Password: "secret",
			},
			want: "mcp:secret@tcp(db.internal:3306)/memory",
		},
		{
			name: "sqlite",
			cfg: DatabaseConfig{
				Driver:   "sqlite",
				Database: "/var/lib/mcp/memory.db",
			},
			want: "/var/lib/mcp/memory.db",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.DSN(); got != tt.want {
				t.Errorf("DSN() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDatabaseConfig_DriverName(t *testing.T) {
	cfg := DatabaseConfig{Driver: "sqlite"}
	if got := cfg.DriverName(); got != "sqlite3" {
		t.Errorf("DriverName() = %q, want sqlite3", got)
	}
	cfg.Driver = "postgres"
	if got := cfg.DriverName(); got != "postgres" {
		t.Errorf("DriverName() = %q, want postgres", got)
	}
}

func TestDatabaseConfig_Validate(t *testing.T) {
	cfg := DatabaseConfig{Driver: "postgres", Database: "memory"}
	if err := cfg.Validate(); err == nil {
		t.Error("postgres without host should fail validation")
	}

	cfg = DatabaseConfig{Driver: "sqlite", Database: "mem.db"}
	if err := cfg.Validate(); err != nil {
		t.Errorf("sqlite config should validate, got %v", err)
	}

	cfg = DatabaseConfig{Driver: "oracle", Database: "x"}
	if err := cfg.Validate(); err == nil {
		t.Error("unknown driver should fail validation")
	}
}
