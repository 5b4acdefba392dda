// discovery.go: filesystem manifest discovery for installed plugins
//
// Copyright (c) 2025 PlugKit contributors
// SPDX-License-Identifier: MPL-2.0

package plugincore

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/agilira/go-timecache"
)

// DiscoveryConfig controls where and how manifests are searched.
type DiscoveryConfig struct {
	// SearchPaths are the directories scanned for plugin manifests
	SearchPaths []string `json:"search_paths" yaml:"search_paths"`

	// FilePatterns are the manifest filenames matched during the scan
	// (default plugin.json, plugin.yaml, plugin.yml, manifest.json)
	FilePatterns []string `json:"file_patterns,omitempty" yaml:"file_patterns,omitempty"`

	// MaxDepth bounds the recursive scan depth (default 3)
	MaxDepth int `json:"max_depth,omitempty" yaml:"max_depth,omitempty"`

	// ExcludePaths are path substrings that skip a directory
	ExcludePaths []string `json:"exclude_paths,omitempty" yaml:"exclude_paths,omitempty"`
}

// ApplyDefaults fills unset fields with production defaults.
func (c *DiscoveryConfig) ApplyDefaults() {
	if len(c.FilePatterns) == 0 {
		c.FilePatterns = []string{"plugin.json", "plugin.yaml", "plugin.yml", "manifest.json"}
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = 3
	}
}

// DiscoveredPlugin pairs parsed metadata with where it was found.
type DiscoveredPlugin struct {
	Metadata     *PluginMetadata
	ManifestPath string
}

// ManifestDiscovery scans the configured search paths for plugin
// manifests, parses them, and applies security validation to plugin
// identifiers before the manager ever touches plugin code.
type ManifestDiscovery struct {
	config DiscoveryConfig
	logger Logger
}

// NewManifestDiscovery creates a discovery engine.
func NewManifestDiscovery(config DiscoveryConfig, logger Logger) *ManifestDiscovery {
	config.ApplyDefaults()
	return &ManifestDiscovery{
		config: config,
		logger: NewLogger(logger),
	}
}

// DiscoverPlugins scans every search path and returns the discovered
// plugins keyed by plugin id, in deterministic path order. A broken
// manifest is logged and skipped; it never aborts the scan.
func (d *ManifestDiscovery) DiscoverPlugins() map[string]*DiscoveredPlugin {
	results := make(map[string]*DiscoveredPlugin)
	for _, root := range d.config.SearchPaths {
		d.scanDirectory(root, 0, results)
	}
	return results
}

// DiscoverManifest parses a single manifest file, for on-demand installs.
func (d *ManifestDiscovery) DiscoverManifest(path string) (*DiscoveredPlugin, error) {
	cleanPath := filepath.Clean(path)
	info, err := os.Stat(cleanPath)
	if err != nil {
		return nil, NewManifestNotFoundError(cleanPath)
	}
	if info.Size() > maxManifestSize {
		return nil, NewManifestTooLargeError(cleanPath, info.Size())
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, NewManifestNotFoundError(cleanPath)
	}

	metadata, err := ParseManifest(data, cleanPath)
	if err != nil {
		return nil, err
	}
	if err := validatePluginIDSecurity(metadata.ID); err != nil {
		return nil, err
	}
	metadata.DiscoveredAt = timecache.CachedTime()

	return &DiscoveredPlugin{
		Metadata:     metadata,
		ManifestPath: cleanPath,
	}, nil
}

// OrderedIDs returns discovered plugin ids sorted by manifest path, giving
// callers a stable discovery order.
func OrderedIDs(discovered map[string]*DiscoveredPlugin) []string {
	ids := make([]string, 0, len(discovered))
	for id := range discovered {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return discovered[ids[i]].ManifestPath < discovered[ids[j]].ManifestPath
	})
	return ids
}

func (d *ManifestDiscovery) scanDirectory(path string, depth int, results map[string]*DiscoveredPlugin) {
	if depth > d.config.MaxDepth || d.excluded(path) {
		return
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		d.logger.Warn("Discovery path not readable", "path", path,
			"error", NewDiscoveryPathError(path, err))
		return
	}

	for _, entry := range entries {
		fullPath := filepath.Join(path, entry.Name())
		if entry.IsDir() {
			d.scanDirectory(fullPath, depth+1, results)
			continue
		}
		if !d.matchesPattern(entry.Name()) {
			continue
		}
		plugin, err := d.DiscoverManifest(fullPath)
		if err != nil {
			d.logger.Warn("Skipping invalid manifest", "path", fullPath, "error", err)
			continue
		}
		if existing, dup := results[plugin.Metadata.ID]; dup {
			d.logger.Warn("Duplicate plugin id in discovery, keeping first",
				"plugin_id", plugin.Metadata.ID,
				"kept", existing.ManifestPath,
				"skipped", fullPath)
			continue
		}
		results[plugin.Metadata.ID] = plugin
		d.logger.Debug("Discovered plugin",
			"plugin_id", plugin.Metadata.ID,
			"version", plugin.Metadata.Version,
			"path", fullPath)
	}
}

func (d *ManifestDiscovery) excluded(path string) bool {
	for _, exclude := range d.config.ExcludePaths {
		if exclude != "" && strings.Contains(path, exclude) {
			return true
		}
	}
	return false
}

func (d *ManifestDiscovery) matchesPattern(filename string) bool {
	for _, pattern := range d.config.FilePatterns {
		if matched, _ := filepath.Match(pattern, filename); matched {
			return true
		}
	}
	return false
}

// validatePluginIDSecurity rejects plugin ids that could be abused for
// path traversal or shell injection if a caller ever builds a path or
// command from them.
func validatePluginIDSecurity(id string) error {
	if strings.Contains(id, "..") {
		return NewInsecureManifestError(id, "plugin id contains path traversal sequence")
	}
	if strings.ContainsAny(id, `/\`) {
		return NewInsecureManifestError(id, "plugin id contains path separator")
	}
	for _, r := range id {
		if r < 32 || r == 127 {
			return NewInsecureManifestError(id, fmt.Sprintf("plugin id contains control character %d", r))
		}
	}
	if strings.ContainsAny(id, "~|&;$`()[]{}<>") {
		return NewInsecureManifestError(id, "plugin id contains shell metacharacter")
	}
	return nil
}
