// Package mcp provides the Hanzo MCP Tool Server Core.
//
// The server exposes a catalog of named tools to an AI client over the
// Model Context Protocol (a JSON-RPC 2.0 variant) and executes them with
// strict concurrency, resource, and output-size discipline.
//
// # Quick Start
//
// Install the server:
//
//	go install github.com/hanzoai/mcp/cmd/hanzo-mcp@latest
//
// Serve over stdio (the default, for editor and agent integrations):
//
//	hanzo-mcp serve --allow-path ~/src
//
// Or over SSE/HTTP:
//
//	hanzo-mcp serve --transport sse --host 127.0.0.1 --port 8711 --allow-path ~/src
//
// # Using as Go Library
//
// Import specific packages:
//
//	import (
//	    "github.com/hanzoai/mcp/pkg/server"
//	    "github.com/hanzoai/mcp/pkg/config"
//	    "github.com/hanzoai/mcp/pkg/tool"
//	)
//
// # Key Features
//
//   - Two transports: newline-delimited JSON-RPC over stdio, or SSE/HTTP
//   - Path permissions: every filesystem and exec side effect is gated
//     by an allow/deny prefix list resolved through symlinks
//   - Token budgeting: responses never exceed the configured token cap;
//     large results paginate behind opaque cursors
//   - Process sessions: long-running commands auto-background with
//     replayable ring+spill logs and signal control
//   - DAG execution: dependency-ordered shell steps with bounded fan-out
//   - Plugin tools: external tool packages discovered from manifests
//
// # Architecture
//
// A single dispatch pipeline serves every request:
//
//	Transport → Dispatcher → (Permission Gate, Tool) → Supervisor/DAG → Budgeter → Cursor Store → Transport
//
// The session log taps the dispatcher's egress with sizes and outcomes only.
package mcp
