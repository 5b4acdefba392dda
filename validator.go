// validator.go: plugin dependency validation with cycle detection
//
// Copyright (c) 2025 PlugKit contributors
// SPDX-License-Identifier: MPL-2.0

package plugincore

import (
	"fmt"
	"hash/fnv"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agilira/go-timecache"
)

// VersionConflict pairs an unsatisfied dependency with the version that is
// actually available.
type VersionConflict struct {
	Dependency PluginDependency `json:"dependency"`
	Available  string           `json:"available"`
}

// ValidationResult is the outcome of validating one plugin's dependencies.
// It is mutated while validation runs and treated as immutable once
// returned; cached copies are shared.
type ValidationResult struct {
	PluginID            string             `json:"plugin_id"`
	Valid               bool               `json:"valid"`
	Level               CompatibilityLevel `json:"level"`
	MissingDependencies []PluginDependency `json:"missing_dependencies,omitempty"`
	VersionConflicts    []VersionConflict  `json:"version_conflicts,omitempty"`
	Warnings            []string           `json:"warnings,omitempty"`
	Errors              []string           `json:"errors,omitempty"`
	ValidatedAt         time.Time          `json:"validated_at"`
}

// ErrorSummary joins the result's errors and version conflicts into one
// line for logging and events.
func (r *ValidationResult) ErrorSummary() string {
	parts := append([]string{}, r.Errors...)
	for _, c := range r.VersionConflicts {
		parts = append(parts, fmt.Sprintf("version conflict: %s requires %s, have %s",
			c.Dependency.Name, c.Dependency.Constraint, c.Available))
	}
	return strings.Join(parts, "; ")
}

// DetailErrors converts the unsatisfied dependencies of an invalid result
// into one structured error each, for error observers and diagnostics.
func (r *ValidationResult) DetailErrors() []error {
	var out []error
	for _, dep := range r.MissingDependencies {
		out = append(out, NewMissingDependencyError(r.PluginID, dep.Name, dep.Kind))
	}
	for _, c := range r.VersionConflicts {
		out = append(out, NewVersionConflictError(
			r.PluginID, c.Dependency.Name, c.Dependency.Constraint.String(), c.Available))
	}
	return out
}

// ValidationEvent is emitted to observers after every validation run.
type ValidationEvent struct {
	PluginID string
	Valid    bool
	Level    CompatibilityLevel
	Errors   []string
}

// DependencyValidator decides whether a plugin's declared dependencies can
// be satisfied by the currently known plugins, services, system
// capabilities, and packages. Results are cached per plugin and dependency
// set; the cache is invalidated whenever the underlying registries or the
// dependency graph change, so a stale verdict is never returned after a
// registration, a removal, or an edge update.
//
// It also maintains the plugin dependency graph and detects cycles via
// depth-first search during validation.
type DependencyValidator struct {
	mu sync.RWMutex

	knownPlugins  map[string]string // plugin id -> version
	knownServices map[string]string // service name -> version
	systemCaps    map[string]string // capability name -> version
	knownPackages map[string]struct{}

	graph map[string][]string // plugin id -> plugin-kind dependency ids

	cache map[string]*ValidationResult

	observers  map[uint64]func(ValidationEvent)
	nextObsID  uint64
	validation uint64 // total validations run

	logger Logger
}

// NewDependencyValidator creates a validator with system capabilities
// populated from the current runtime.
func NewDependencyValidator(logger Logger) *DependencyValidator {
	v := &DependencyValidator{
		knownPlugins:  make(map[string]string),
		knownServices: make(map[string]string),
		systemCaps:    make(map[string]string),
		knownPackages: make(map[string]struct{}),
		graph:         make(map[string][]string),
		cache:         make(map[string]*ValidationResult),
		observers:     make(map[uint64]func(ValidationEvent)),
		logger:        NewLogger(logger),
	}
	v.populateSystemCapabilities()
	return v
}

// populateSystemCapabilities records the host runtime, operating system,
// and architecture as versionless or versioned capabilities.
func (v *DependencyValidator) populateSystemCapabilities() {
	goVersion := strings.TrimPrefix(runtime.Version(), "go")
	// Development toolchains report versions the constraint grammar cannot
	// parse; those register as versionless capabilities.
	if IsValidVersion(goVersion) {
		v.systemCaps["go"] = goVersion
	} else if parts := strings.Split(goVersion, "."); len(parts) == 2 {
		v.systemCaps["go"] = goVersion + ".0"
	} else {
		v.systemCaps["go"] = ""
	}
	v.systemCaps[runtime.GOOS] = ""
	v.systemCaps[runtime.GOARCH] = ""
	v.systemCaps["os"] = ""
	v.systemCaps["arch"] = ""
}

// RegisterPlugin records a plugin and its version as available for
// dependency resolution. Invalidates the validation cache.
func (v *DependencyValidator) RegisterPlugin(id, version string) {
	v.mu.Lock()
	v.knownPlugins[id] = version
	v.invalidateLocked()
	v.mu.Unlock()
}

// UnregisterPlugin removes a plugin from the known table and drops its
// dependency edges. Invalidates the validation cache.
func (v *DependencyValidator) UnregisterPlugin(id string) {
	v.mu.Lock()
	delete(v.knownPlugins, id)
	delete(v.graph, id)
	v.invalidateLocked()
	v.mu.Unlock()
}

// RegisterService records a service version for dependency resolution.
// Invalidates the validation cache.
func (v *DependencyValidator) RegisterService(name, version string) {
	v.mu.Lock()
	v.knownServices[name] = version
	v.invalidateLocked()
	v.mu.Unlock()
}

// UnregisterService removes a service from the known table.
// Invalidates the validation cache.
func (v *DependencyValidator) UnregisterService(name string) {
	v.mu.Lock()
	delete(v.knownServices, name)
	v.invalidateLocked()
	v.mu.Unlock()
}

// RegisterSystemCapability records a host capability. An empty version
// means the capability exists but carries no version to check against.
func (v *DependencyValidator) RegisterSystemCapability(name, version string) {
	v.mu.Lock()
	v.systemCaps[name] = version
	v.invalidateLocked()
	v.mu.Unlock()
}

// RegisterPackage records an available library package. Package presence
// is checked during validation; package versions are not verified.
func (v *DependencyValidator) RegisterPackage(name string) {
	v.mu.Lock()
	v.knownPackages[name] = struct{}{}
	v.invalidateLocked()
	v.mu.Unlock()
}

// SetDependencies records a plugin's plugin-kind dependency edges in the
// graph ahead of validation, so cycles spanning not-yet-validated plugins
// are visible.
func (v *DependencyValidator) SetDependencies(pluginID string, deps []PluginDependency) {
	edges := pluginEdges(deps)
	v.mu.Lock()
	v.graph[pluginID] = edges
	v.invalidateLocked()
	v.mu.Unlock()
}

// KnownPlugins returns a copy of the plugin version table.
func (v *DependencyValidator) KnownPlugins() map[string]string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make(map[string]string, len(v.knownPlugins))
	for id, ver := range v.knownPlugins {
		out[id] = ver
	}
	return out
}

// Subscribe registers an observer for validation events and returns an
// unsubscribe function.
func (v *DependencyValidator) Subscribe(fn func(ValidationEvent)) func() {
	v.mu.Lock()
	id := v.nextObsID
	v.nextObsID++
	v.observers[id] = fn
	v.mu.Unlock()

	return func() {
		v.mu.Lock()
		delete(v.observers, id)
		v.mu.Unlock()
	}
}

// ClearCache discards all cached validation results.
func (v *DependencyValidator) ClearCache() {
	v.mu.Lock()
	v.invalidateLocked()
	v.mu.Unlock()
}

func (v *DependencyValidator) invalidateLocked() {
	if len(v.cache) > 0 {
		v.cache = make(map[string]*ValidationResult)
	}
}

// ValidateDependencies checks every declared dependency of the plugin
// against the known registries and returns the aggregated result. Results
// are cached until the registries change.
func (v *DependencyValidator) ValidateDependencies(pluginID string, deps []PluginDependency) *ValidationResult {
	key := cacheKey(pluginID, deps)
	edges := pluginEdges(deps)

	v.mu.Lock()
	// Keep the graph current so cycle detection sees this plugin's edges
	// even when validation short-circuits on a cache hit. New edges can
	// create or break cycles elsewhere in the graph, so they drop cached
	// results just as SetDependencies does.
	if !equalEdges(v.graph[pluginID], edges) {
		v.invalidateLocked()
	}
	v.graph[pluginID] = edges
	if cached, ok := v.cache[key]; ok {
		v.mu.Unlock()
		v.logger.Debug("Validation cache hit", "plugin_id", pluginID)
		return cached
	}

	result := &ValidationResult{
		PluginID:    pluginID,
		Valid:       true,
		ValidatedAt: timecache.CachedTime(),
	}

	for _, dep := range deps {
		v.checkDependencyLocked(dep, result)
	}

	if cycle := v.findCycleLocked(pluginID); len(cycle) > 0 {
		result.Valid = false
		result.Errors = append(result.Errors,
			fmt.Sprintf("circular dependency involving %s: %s", pluginID, strings.Join(cycle, " -> ")))
	}

	result.Level = deriveCompatibility(result)
	if result.Level == CompatibilityIncompatible {
		result.Valid = false
	}

	v.cache[key] = result
	v.validation++
	observers := make([]func(ValidationEvent), 0, len(v.observers))
	for _, fn := range v.observers {
		observers = append(observers, fn)
	}
	v.mu.Unlock()

	if result.Valid {
		v.logger.Debug("Dependency validation passed",
			"plugin_id", pluginID, "level", result.Level.String())
	} else {
		v.logger.Warn("Dependency validation failed",
			"plugin_id", pluginID, "errors", result.ErrorSummary())
	}

	event := ValidationEvent{
		PluginID: pluginID,
		Valid:    result.Valid,
		Level:    result.Level,
		Errors:   result.Errors,
	}
	for _, fn := range observers {
		fn := fn
		safeInvoke(v.logger, func() { fn(event) })
	}

	return result
}

// checkDependencyLocked resolves one dependency by kind and records the
// outcome on the result. Caller holds v.mu.
func (v *DependencyValidator) checkDependencyLocked(dep PluginDependency, result *ValidationResult) {
	switch dep.Kind {
	case DependencyPlugin:
		v.checkVersioned(dep, v.knownPlugins[dep.Name], v.has(v.knownPlugins, dep.Name), result)
	case DependencyService:
		v.checkVersioned(dep, v.knownServices[dep.Name], v.has(v.knownServices, dep.Name), result)
	case DependencySystem:
		version, present := v.systemCaps[dep.Name]
		if present && version == "" && !dep.Constraint.IsAny() {
			// Capability exists but carries no version to check.
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("system capability %s has no version; constraint %s not verified", dep.Name, dep.Constraint))
			return
		}
		v.checkVersioned(dep, version, present, result)
	case DependencyPackage:
		if _, present := v.knownPackages[dep.Name]; !present {
			v.recordMissing(dep, result)
			return
		}
		// Package versions are not verified.
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("package %s present; version not verified", dep.Name))
	case DependencyAPI:
		// API surface checks are not implemented; accepted with a warning.
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("api dependency %s accepted without verification", dep.Name))
	default:
		result.Valid = false
		result.Errors = append(result.Errors,
			fmt.Sprintf("unknown dependency kind %q for %s", dep.Kind, dep.Name))
	}
}

func (v *DependencyValidator) has(table map[string]string, name string) bool {
	_, ok := table[name]
	return ok
}

func (v *DependencyValidator) checkVersioned(dep PluginDependency, available string, present bool, result *ValidationResult) {
	if !present {
		v.recordMissing(dep, result)
		return
	}
	if dep.Constraint.SatisfiedBy(available) {
		return
	}
	if dep.Optional {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("optional dependency %s wants %s, have %s", dep.Name, dep.Constraint, available))
		return
	}
	// Conflicts block loading but derive partially-compatible, not
	// incompatible, since the dependency exists at the wrong version.
	result.Valid = false
	result.VersionConflicts = append(result.VersionConflicts, VersionConflict{
		Dependency: dep,
		Available:  available,
	})
}

func (v *DependencyValidator) recordMissing(dep PluginDependency, result *ValidationResult) {
	if dep.Optional {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("optional dependency %s not available", dep.String()))
		return
	}
	result.Valid = false
	result.MissingDependencies = append(result.MissingDependencies, dep)
	result.Errors = append(result.Errors,
		fmt.Sprintf("missing required dependency: %s", dep.String()))
}

// findCycleLocked runs a depth-first search from the given plugin and
// returns the first cycle found, or nil. Caller holds v.mu.
func (v *DependencyValidator) findCycleLocked(start string) []string {
	visited := make(map[string]bool)
	onStack := make(map[string]bool)
	var stack []string
	var cycle []string

	var visit func(node string) bool
	visit = func(node string) bool {
		visited[node] = true
		onStack[node] = true
		stack = append(stack, node)

		for _, dep := range v.graph[node] {
			if onStack[dep] {
				// Back edge: slice the recursion stack from the repeated node.
				for i, n := range stack {
					if n == dep {
						cycle = append(append([]string{}, stack[i:]...), dep)
						return true
					}
				}
				cycle = []string{node, dep, node}
				return true
			}
			if !visited[dep] && visit(dep) {
				return true
			}
		}

		onStack[node] = false
		stack = stack[:len(stack)-1]
		return false
	}

	if visit(start) {
		return cycle
	}
	return nil
}

// LoadOrder returns the known plugins sorted so every plugin appears after
// the plugins it depends on. Returns an error naming the remainder when the
// graph contains a cycle.
func (v *DependencyValidator) LoadOrder() ([]string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	nodes := make([]string, 0, len(v.graph))
	for id := range v.graph {
		nodes = append(nodes, id)
	}
	sort.Strings(nodes) // deterministic order among independent plugins
	inGraph := make(map[string]bool, len(nodes))
	for _, id := range nodes {
		inGraph[id] = true
	}

	indegree := make(map[string]int, len(nodes))
	dependents := make(map[string][]string, len(nodes))
	for _, id := range nodes {
		for _, dep := range v.graph[id] {
			if !inGraph[dep] {
				continue // absent dependency, validation reports it
			}
			indegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}

	queue := make([]string, 0, len(nodes))
	for _, id := range nodes {
		if indegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	order := make([]string, 0, len(nodes))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		order = append(order, node)
		for _, dependent := range dependents[node] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(order) != len(nodes) {
		var stuck []string
		for _, id := range nodes {
			if indegree[id] > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return nil, NewCircularDependencyError(stuck[0], stuck)
	}
	return order, nil
}

// ValidationCount returns how many validations have run (cache hits
// excluded).
func (v *DependencyValidator) ValidationCount() uint64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.validation
}

// deriveCompatibility maps a result's findings to a compatibility level.
func deriveCompatibility(result *ValidationResult) CompatibilityLevel {
	if len(result.Errors) > 0 || len(result.MissingDependencies) > 0 {
		return CompatibilityIncompatible
	}
	if len(result.VersionConflicts) > 0 || len(result.Warnings) > 0 {
		return CompatibilityPartial
	}
	return CompatibilityFull
}

// pluginEdges extracts the plugin-kind dependency names from a dependency
// list.
func pluginEdges(deps []PluginDependency) []string {
	var edges []string
	for _, dep := range deps {
		if dep.Kind == DependencyPlugin {
			edges = append(edges, dep.Name)
		}
	}
	return edges
}

func equalEdges(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// cacheKey derives a stable key from the plugin id and its dependency set.
func cacheKey(pluginID string, deps []PluginDependency) string {
	h := fnv.New64a()
	for _, dep := range deps {
		h.Write([]byte(dep.Key()))
		h.Write([]byte{'@'})
		h.Write([]byte(dep.Constraint.String()))
		if dep.Optional {
			h.Write([]byte{'?'})
		}
		h.Write([]byte{0})
	}
	return pluginID + ":" + strconv.FormatUint(h.Sum64(), 16)
}
