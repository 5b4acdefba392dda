// metadata.go: plugin metadata model and manifest parsing
//
// Copyright (c) 2025 PlugKit contributors
// SPDX-License-Identifier: MPL-2.0

package plugincore

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// maxManifestSize caps how large a plugin manifest may be (100KB).
// Anything larger is rejected before parsing.
const maxManifestSize = 100 << 10

// PluginDependency declares something a plugin needs before it can load.
type PluginDependency struct {
	// Name identifies the dependency (plugin ID, service name, capability,
	// package, or API surface depending on Kind)
	Name string `json:"name" yaml:"name"`

	// Kind classifies the dependency target
	Kind DependencyKind `json:"kind" yaml:"kind"`

	// Constraint restricts acceptable versions of the dependency
	Constraint Constraint `json:"-" yaml:"-"`

	// Optional dependencies degrade to warnings when unsatisfied
	Optional bool `json:"optional,omitempty" yaml:"optional,omitempty"`

	// Description explains why the dependency is needed
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// NewPluginDependency builds a validated dependency. An empty constraint
// expression means any version.
func NewPluginDependency(name string, kind DependencyKind, constraintExpr string, optional bool) (PluginDependency, error) {
	if strings.TrimSpace(name) == "" {
		return PluginDependency{}, NewInvalidPluginIDError(name)
	}
	if kind == "" {
		kind = DependencyPlugin
	}
	switch kind {
	case DependencyPlugin, DependencyService, DependencySystem, DependencyPackage, DependencyAPI:
	default:
		return PluginDependency{}, NewInvalidDependencyError(name, fmt.Sprintf("unknown dependency kind %q", kind))
	}

	constraint, err := ParseConstraint(constraintExpr)
	if err != nil {
		return PluginDependency{}, err
	}
	return PluginDependency{
		Name:       name,
		Kind:       kind,
		Constraint: constraint,
		Optional:   optional,
	}, nil
}

// Key returns the kind-qualified identity of the dependency, used for
// de-duplication and cache keys.
func (d PluginDependency) Key() string {
	return string(d.Kind) + ":" + d.Name
}

// String renders the dependency in "kind:name@constraint" form.
func (d PluginDependency) String() string {
	s := d.Key() + "@" + d.Constraint.String()
	if d.Optional {
		s += " (optional)"
	}
	return s
}

// PluginMetadata is the parsed, validated identity of a plugin.
type PluginMetadata struct {
	// ID is the unique plugin identifier
	ID string `json:"id" yaml:"id"`

	// Name is the human-readable plugin name
	Name string `json:"name" yaml:"name"`

	// Version is the plugin's semantic version
	Version string `json:"version" yaml:"version"`

	// Description summarizes what the plugin does
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Author identifies the plugin maintainer
	Author string `json:"author,omitempty" yaml:"author,omitempty"`

	// Main names the registered factory used to instantiate the plugin.
	// Empty means the factory registered under the plugin ID.
	Main string `json:"main,omitempty" yaml:"main,omitempty"`

	// Dependencies the plugin requires before loading
	Dependencies []PluginDependency `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`

	// APIVersion is the host API surface the plugin targets
	APIVersion string `json:"api_version,omitempty" yaml:"api_version,omitempty"`

	// MinAppVersion is the lowest host version the plugin supports
	MinAppVersion string `json:"min_app_version,omitempty" yaml:"min_app_version,omitempty"`

	// MaxAppVersion is the highest host version the plugin supports
	MaxAppVersion string `json:"max_app_version,omitempty" yaml:"max_app_version,omitempty"`

	// Homepage is the plugin's project page
	Homepage string `json:"homepage,omitempty" yaml:"homepage,omitempty"`

	// Repository is the plugin's source repository
	Repository string `json:"repository,omitempty" yaml:"repository,omitempty"`

	// License is the plugin's SPDX license identifier
	License string `json:"license,omitempty" yaml:"license,omitempty"`

	// Tags categorize the plugin for discovery
	Tags []string `json:"tags,omitempty" yaml:"tags,omitempty"`

	// ManifestPath is the file the metadata was parsed from
	ManifestPath string `json:"manifest_path,omitempty" yaml:"manifest_path,omitempty"`

	// DiscoveredAt is when the manifest was found
	DiscoveredAt time.Time `json:"discovered_at,omitempty" yaml:"discovered_at,omitempty"`
}

// FactoryName returns the factory key used to instantiate the plugin:
// the manifest's main field, or the plugin ID when main is empty.
func (m *PluginMetadata) FactoryName() string {
	if m.Main != "" {
		return m.Main
	}
	return m.ID
}

// Validate checks the metadata for structural problems.
func (m *PluginMetadata) Validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return NewInvalidPluginIDError(m.ID)
	}
	if !IsValidVersion(m.Version) {
		return NewInvalidPluginVersionError(m.ID, m.Version)
	}
	seen := make(map[string]struct{}, len(m.Dependencies))
	for _, dep := range m.Dependencies {
		if strings.TrimSpace(dep.Name) == "" {
			return NewInvalidPluginIDError(dep.Name)
		}
		if _, dup := seen[dep.Key()]; dup {
			return NewInvalidDependencyError(dep.Name, "duplicate dependency declaration")
		}
		seen[dep.Key()] = struct{}{}
	}
	return nil
}

// manifestDependency accepts both the bare-string shorthand
// ("other-plugin") and the full object form in manifests.
type manifestDependency struct {
	Name        string `json:"name" yaml:"name"`
	Kind        string `json:"kind" yaml:"kind"`
	Version     string `json:"version" yaml:"version"`
	Optional    bool   `json:"optional" yaml:"optional"`
	Description string `json:"description" yaml:"description"`
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *manifestDependency) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		*d = manifestDependency{Name: name}
		return nil
	}

	type plain manifestDependency
	var obj plain
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*d = manifestDependency(obj)
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *manifestDependency) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*d = manifestDependency{Name: node.Value}
		return nil
	}

	type plain manifestDependency
	var obj plain
	if err := node.Decode(&obj); err != nil {
		return err
	}
	*d = manifestDependency(obj)
	return nil
}

func (d manifestDependency) toDependency() (PluginDependency, error) {
	dep, err := NewPluginDependency(d.Name, DependencyKind(d.Kind), d.Version, d.Optional)
	if err != nil {
		return PluginDependency{}, err
	}
	dep.Description = d.Description
	return dep, nil
}

// pluginManifest is the on-disk manifest shape before conversion to
// PluginMetadata.
type pluginManifest struct {
	ID            string               `json:"id" yaml:"id"`
	Name          string               `json:"name" yaml:"name"`
	Version       string               `json:"version" yaml:"version"`
	Description   string               `json:"description" yaml:"description"`
	Author        string               `json:"author" yaml:"author"`
	Main          string               `json:"main" yaml:"main"`
	Dependencies  []manifestDependency `json:"dependencies" yaml:"dependencies"`
	APIVersion    string               `json:"api_version" yaml:"api_version"`
	MinAppVersion string               `json:"min_app_version" yaml:"min_app_version"`
	MaxAppVersion string               `json:"max_app_version" yaml:"max_app_version"`
	Homepage      string               `json:"homepage" yaml:"homepage"`
	Repository    string               `json:"repository" yaml:"repository"`
	License       string               `json:"license" yaml:"license"`
	Tags          []string             `json:"tags" yaml:"tags"`
}

// ParseManifest parses manifest bytes as JSON first and falls back to YAML,
// then validates the result. path is recorded for diagnostics only.
func ParseManifest(data []byte, path string) (*PluginMetadata, error) {
	if int64(len(data)) > maxManifestSize {
		return nil, NewManifestTooLargeError(path, int64(len(data)))
	}

	var manifest pluginManifest
	if jsonErr := json.Unmarshal(data, &manifest); jsonErr != nil {
		if yamlErr := yaml.Unmarshal(data, &manifest); yamlErr != nil {
			return nil, NewManifestParseError(path, fmt.Errorf("json: %w; yaml: %v", jsonErr, yamlErr))
		}
	}

	meta := &PluginMetadata{
		ID:            manifest.ID,
		Name:          manifest.Name,
		Version:       manifest.Version,
		Description:   manifest.Description,
		Author:        manifest.Author,
		Main:          manifest.Main,
		APIVersion:    manifest.APIVersion,
		MinAppVersion: manifest.MinAppVersion,
		MaxAppVersion: manifest.MaxAppVersion,
		Homepage:      manifest.Homepage,
		Repository:    manifest.Repository,
		License:       manifest.License,
		Tags:          manifest.Tags,
		ManifestPath:  path,
	}
	if meta.Name == "" {
		meta.Name = meta.ID
	}

	for _, md := range manifest.Dependencies {
		dep, err := md.toDependency()
		if err != nil {
			return nil, err
		}
		meta.Dependencies = append(meta.Dependencies, dep)
	}

	if err := meta.Validate(); err != nil {
		return nil, err
	}
	return meta, nil
}
