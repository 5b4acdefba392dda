// manager.go: plugin manager state, construction, and accessors
//
// Copyright (c) 2025 PlugKit contributors
// SPDX-License-Identifier: MPL-2.0

package plugincore

import (
	"sync"
)

// ManagerConfig configures a PluginManager and its sub-components.
type ManagerConfig struct {
	// SearchPaths is shorthand for Discovery.SearchPaths
	SearchPaths []string

	// Discovery controls manifest scanning
	Discovery DiscoveryConfig

	// MessageBus tunes the message bus
	MessageBus MessageBusConfig

	// CommunicationBus tunes the event bus
	CommunicationBus CommunicationBusConfig

	// ConfigStore backs manager configuration; nil uses an in-memory store
	ConfigStore ConfigStore
}

// ApplyDefaults fills unset fields with production defaults.
func (c *ManagerConfig) ApplyDefaults() {
	if len(c.Discovery.SearchPaths) == 0 {
		c.Discovery.SearchPaths = c.SearchPaths
	}
	c.Discovery.ApplyDefaults()
	c.MessageBus.ApplyDefaults()
	c.CommunicationBus.ApplyDefaults()
}

// PluginError describes a failure in one plugin's lifecycle, delivered to
// error observers.
type PluginError struct {
	PluginID string
	Stage    string // "validation", "load", "initialize", "activate", "deactivate", "cleanup"
	Err      error
}

// pluginRecord is the manager's per-plugin bookkeeping.
type pluginRecord struct {
	metadata   *PluginMetadata
	instance   Plugin
	provider   ServiceProvider // nil when the plugin publishes no service
	state      PluginState
	validation *ValidationResult
	failure    error
}

// PluginManager orchestrates the full plugin lifecycle: discovery,
// dependency validation, instantiation, activation, and teardown. It owns
// the validator, service registry, message bus, and communication bus and
// wires them together.
type PluginManager struct {
	*ManagerBase

	config ManagerConfig

	validator  *DependencyValidator
	registry   *ServiceRegistry
	messageBus *MessageBus
	commBus    *CommunicationBus
	discovery  *ManifestDiscovery

	mu        sync.RWMutex
	factories map[string]PluginFactory
	plugins   map[string]*pluginRecord
	loadOrder []string

	errObservers map[uint64]func(PluginError)
	nextObsID    uint64
}

// NewPluginManager creates a manager and its sub-components. Call
// Initialize (or Start) before loading plugins.
func NewPluginManager(config ManagerConfig, logger Logger) *PluginManager {
	config.ApplyDefaults()
	logger = NewLogger(logger)

	validator := NewDependencyValidator(logger)
	registry := NewServiceRegistry(logger)
	messageBus := NewMessageBus(config.MessageBus, logger)
	commBus := NewCommunicationBus(config.CommunicationBus, messageBus, registry, logger)
	discovery := NewManifestDiscovery(config.Discovery, logger)

	return &PluginManager{
		ManagerBase:  NewManagerBase("plugin-manager", config.ConfigStore, logger),
		config:       config,
		validator:    validator,
		registry:     registry,
		messageBus:   messageBus,
		commBus:      commBus,
		discovery:    discovery,
		factories:    make(map[string]PluginFactory),
		plugins:      make(map[string]*pluginRecord),
		errObservers: make(map[uint64]func(PluginError)),
	}
}

// RegisterFactory binds a factory to the name manifests reference in
// their main field (or to a plugin id directly). Re-registering a name
// replaces the previous factory.
func (m *PluginManager) RegisterFactory(name string, factory PluginFactory) {
	m.mu.Lock()
	m.factories[name] = factory
	m.mu.Unlock()
}

// Plugin returns the loaded plugin instance, or nil.
func (m *PluginManager) Plugin(id string) Plugin {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if record, ok := m.plugins[id]; ok {
		return record.instance
	}
	return nil
}

// Metadata returns the loaded plugin's metadata, or nil.
func (m *PluginManager) Metadata(id string) *PluginMetadata {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if record, ok := m.plugins[id]; ok {
		return record.metadata
	}
	return nil
}

// State returns the plugin's lifecycle state; unknown ids report
// StateUnknown.
func (m *PluginManager) State(id string) PluginState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if record, ok := m.plugins[id]; ok {
		return record.state
	}
	return StateUnknown
}

// ValidationResultFor returns the plugin's last validation result, or nil.
func (m *PluginManager) ValidationResultFor(id string) *ValidationResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if record, ok := m.plugins[id]; ok {
		return record.validation
	}
	return nil
}

// LoadedPlugins returns the ids of all loaded plugins in load order.
func (m *PluginManager) LoadedPlugins() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.loadOrder))
	copy(out, m.loadOrder)
	return out
}

// ActivePlugins returns the ids of all active plugins in load order.
func (m *PluginManager) ActivePlugins() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for _, id := range m.loadOrder {
		if record, ok := m.plugins[id]; ok && record.state == StateActive {
			out = append(out, id)
		}
	}
	return out
}

// Validator exposes the dependency validator to privileged callers.
func (m *PluginManager) Validator() *DependencyValidator { return m.validator }

// Registry exposes the service registry.
func (m *PluginManager) Registry() *ServiceRegistry { return m.registry }

// MessageBus exposes the message bus.
func (m *PluginManager) MessageBus() *MessageBus { return m.messageBus }

// CommunicationBus exposes the event bus.
func (m *PluginManager) CommunicationBus() *CommunicationBus { return m.commBus }

// Discovery exposes the manifest discovery engine.
func (m *PluginManager) Discovery() *ManifestDiscovery { return m.discovery }

// SubscribeErrors registers an observer for plugin lifecycle failures and
// returns an unsubscribe function.
func (m *PluginManager) SubscribeErrors(fn func(PluginError)) func() {
	m.mu.Lock()
	id := m.nextObsID
	m.nextObsID++
	m.errObservers[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.errObservers, id)
		m.mu.Unlock()
	}
}

// emitError notifies error observers outside the manager lock and bumps
// the error counter.
func (m *PluginManager) emitError(pluginID, stage string, err error) {
	m.RecordError()
	m.Logger().Error("Plugin lifecycle failure",
		"plugin_id", pluginID, "stage", stage, "error", err)

	m.mu.RLock()
	observers := make([]func(PluginError), 0, len(m.errObservers))
	for _, fn := range m.errObservers {
		observers = append(observers, fn)
	}
	m.mu.RUnlock()

	event := PluginError{PluginID: pluginID, Stage: stage, Err: err}
	for _, fn := range observers {
		fn := fn
		safeInvoke(m.Logger(), func() { fn(event) })
	}
}
