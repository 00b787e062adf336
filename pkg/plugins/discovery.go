package plugins

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	yaml "gopkg.in/yaml.v3"

	"github.com/hanzoai/mcp/pkg/config"
)

// DiscoveredPlugin is a validated manifest plus its executable.
type DiscoveredPlugin struct {
	Path         string // executable
	ManifestPath string
	Manifest     Manifest
}

// Discovery scans directories for plugin manifests.
type Discovery struct {
	cfg config.PluginsConfig
}

func NewDiscovery(cfg config.PluginsConfig) *Discovery {
	return &Discovery{cfg: cfg}
}

// Discover walks every configured path and collects plugins whose
// manifest validates and whose executable exists with an execute bit.
// A bad manifest is logged and skipped; it never fails the scan.
func (d *Discovery) Discover() ([]DiscoveredPlugin, error) {
	if !d.cfg.Enabled {
		return nil, nil
	}

	var discovered []DiscoveredPlugin
	seen := make(map[string]bool)

	for _, dir := range d.cfg.Paths {
		dir = expandPath(dir)
		if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
			continue
		}

		plugins, err := d.scanDir(dir)
		if err != nil {
			return nil, fmt.Errorf("failed to scan plugin dir %s: %w", dir, err)
		}
		for _, p := range plugins {
			if !seen[p.Path] {
				seen[p.Path] = true
				discovered = append(discovered, p)
			}
		}
	}

	return discovered, nil
}

func (d *Discovery) scanDir(dir string) ([]DiscoveredPlugin, error) {
	var plugins []DiscoveredPlugin

	collect := func(manifestPath string) {
		execPath := strings.TrimSuffix(manifestPath, manifestSuffix)
		p, err := loadManifest(execPath, manifestPath)
		if err != nil {
			slog.Warn("Skipping plugin with a bad manifest",
				"manifest", manifestPath,
				"error", err)
			return
		}
		plugins = append(plugins, p)
	}

	if d.cfg.ScanSubdirectories {
		err := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !entry.IsDir() && strings.HasSuffix(path, manifestSuffix) {
				collect(path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		return plugins, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), manifestSuffix) {
			collect(filepath.Join(dir, entry.Name()))
		}
	}
	return plugins, nil
}

func loadManifest(execPath, manifestPath string) (DiscoveredPlugin, error) {
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return DiscoveredPlugin{}, fmt.Errorf("failed to read manifest: %w", err)
	}

	var wrapper struct {
		Plugin Manifest `yaml:"plugin"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return DiscoveredPlugin{}, fmt.Errorf("failed to parse manifest: %w", err)
	}
	manifest := wrapper.Plugin

	if err := manifest.validate(); err != nil {
		return DiscoveredPlugin{}, err
	}

	info, err := os.Stat(execPath)
	if errors.Is(err, fs.ErrNotExist) {
		return DiscoveredPlugin{}, fmt.Errorf("plugin executable not found: %s", execPath)
	}
	if err != nil {
		return DiscoveredPlugin{}, fmt.Errorf("failed to stat executable: %w", err)
	}
	if info.Mode()&0111 == 0 {
		return DiscoveredPlugin{}, fmt.Errorf("plugin is not executable: %s", execPath)
	}

	return DiscoveredPlugin{
		Path:         execPath,
		ManifestPath: manifestPath,
		Manifest:     manifest,
	}, nil
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
