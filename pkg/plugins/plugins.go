// Package plugins discovers and runs external tool packages.
//
// A plugin is an executable sitting in a scanned directory next to a
// <executable>.plugin.yaml manifest. The host launches it with
// hashicorp/go-plugin over net/rpc and registers every tool it serves.
// Plugin processes outlive a single call and are terminated at server
// shutdown.
package plugins

import "fmt"

const (
	// TypeTool is the only plugin type this server loads.
	TypeTool = "tool"

	// ProtocolNetRPC is the only wire protocol this server speaks to
	// plugins.
	ProtocolNetRPC = "netrpc"

	manifestSuffix = ".plugin.yaml"
)

// Manifest describes one plugin. It lives next to the executable as
// <executable>.plugin.yaml under a top-level "plugin:" key.
type Manifest struct {
	Name        string `yaml:"name" json:"name"`
	Version     string `yaml:"version" json:"version"`
	Author      string `yaml:"author,omitempty" json:"author,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Type must be "tool".
	Type string `yaml:"type" json:"type"`

	// Protocol must be "netrpc".
	Protocol string `yaml:"protocol" json:"protocol"`

	// Tools declares the tool names the plugin intends to serve. The
	// served descriptors are authoritative; a mismatch is logged.
	Tools []string `yaml:"tools,omitempty" json:"tools,omitempty"`
}

func (m *Manifest) validate() error {
	if m.Name == "" {
		return fmt.Errorf("manifest missing 'name'")
	}
	if m.Version == "" {
		return fmt.Errorf("manifest missing 'version'")
	}
	if m.Type != TypeTool {
		return fmt.Errorf("unsupported plugin type %q (only %q)", m.Type, TypeTool)
	}
	if m.Protocol != ProtocolNetRPC {
		return fmt.Errorf("unsupported plugin protocol %q (only %q)", m.Protocol, ProtocolNetRPC)
	}
	return nil
}
