// manager_lifecycle.go: plugin loading, activation, and teardown pipeline
//
// Copyright (c) 2025 PlugKit contributors
// SPDX-License-Identifier: MPL-2.0

package plugincore

import (
	"fmt"
)

// Initialize prepares the manager and starts the message bus. Idempotent.
func (m *PluginManager) Initialize() error {
	if m.IsInitialized() {
		return nil
	}
	if err := m.ManagerBase.Initialize(); err != nil {
		return err
	}
	if err := m.messageBus.Start(); err != nil {
		return err
	}
	m.Logger().Info("Plugin manager initialized")
	return nil
}

// Start implements Lifecycle.
func (m *PluginManager) Start() error {
	if err := m.Initialize(); err != nil {
		return err
	}
	return m.ManagerBase.Start()
}

// Stop unloads every plugin and shuts down the buses.
func (m *PluginManager) Stop() error {
	m.UnloadAllPlugins()
	m.commBus.Close()
	if err := m.messageBus.Stop(); err != nil {
		return err
	}
	return m.ManagerBase.Stop()
}

// Cleanup implements Lifecycle.
func (m *PluginManager) Cleanup() error {
	return m.Stop()
}

// LoadPlugins discovers every manifest under the configured search paths
// and runs the load pipeline for each, in discovery order. One plugin's
// failure never aborts the batch. Returns the loaded ids and the failures
// keyed by plugin id.
func (m *PluginManager) LoadPlugins() ([]string, map[string]error) {
	discovered := m.discovery.DiscoverPlugins()
	return m.loadBatch(discovered, OrderedIDs(discovered))
}

// LoadPluginsOrdered is LoadPlugins with a topological pass: plugins load
// after the plugins they depend on. When the graph has a cycle the batch
// falls back to discovery order and validation rejects the cycle members.
func (m *PluginManager) LoadPluginsOrdered() ([]string, map[string]error) {
	discovered := m.discovery.DiscoverPlugins()

	// Edges must be in the graph before ordering.
	for _, plugin := range discovered {
		m.validator.SetDependencies(plugin.Metadata.ID, plugin.Metadata.Dependencies)
	}

	order, err := m.validator.LoadOrder()
	if err != nil {
		m.Logger().Warn("Topological ordering failed, using discovery order", "error", err)
		return m.loadBatch(discovered, OrderedIDs(discovered))
	}

	ids := make([]string, 0, len(discovered))
	for _, id := range order {
		if _, ok := discovered[id]; ok {
			ids = append(ids, id)
		}
	}
	return m.loadBatch(discovered, ids)
}

// LoadPlugin loads a single plugin from a manifest path, for on-demand
// installs.
func (m *PluginManager) LoadPlugin(path string) error {
	plugin, err := m.discovery.DiscoverManifest(path)
	if err != nil {
		m.emitError(path, "load", err)
		return err
	}
	m.validator.SetDependencies(plugin.Metadata.ID, plugin.Metadata.Dependencies)
	return m.loadDiscovered(plugin)
}

// loadBatch seeds the dependency graph for the whole batch, then loads
// each plugin in the given order with per-item isolation.
func (m *PluginManager) loadBatch(discovered map[string]*DiscoveredPlugin, ids []string) ([]string, map[string]error) {
	for _, plugin := range discovered {
		m.validator.SetDependencies(plugin.Metadata.ID, plugin.Metadata.Dependencies)
	}

	var loaded []string
	failed := make(map[string]error)
	for _, id := range ids {
		if err := m.loadDiscovered(discovered[id]); err != nil {
			failed[id] = err
			continue
		}
		loaded = append(loaded, id)
	}

	m.Logger().Info("Plugin batch load complete",
		"discovered", len(discovered), "loaded", len(loaded), "failed", len(failed))
	return loaded, failed
}

// loadDiscovered runs the pipeline for one discovered plugin:
// duplicate check, dependency validation, instantiation, initialization,
// registration, and the plugin-loaded event.
func (m *PluginManager) loadDiscovered(plugin *DiscoveredPlugin) error {
	metadata := plugin.Metadata
	id := metadata.ID
	m.RecordOperation()

	// Reserve the id up front so two concurrent loads of the same plugin
	// cannot both pass the duplicate check.
	record := &pluginRecord{metadata: metadata, state: StateMetadataLoaded}
	m.mu.Lock()
	if _, duplicate := m.plugins[id]; duplicate {
		m.mu.Unlock()
		err := NewDuplicatePluginError(id)
		m.emitError(id, "load", err)
		return err
	}
	m.plugins[id] = record
	factory := m.factories[metadata.FactoryName()]
	m.mu.Unlock()

	result := m.validator.ValidateDependencies(id, metadata.Dependencies)
	if !result.Valid {
		err := NewIncompatiblePluginError(id, result)
		m.recordFailure(record, result, err)
		// One granular error per unsatisfied dependency, then the verdict.
		for _, detail := range result.DetailErrors() {
			m.emitError(id, "validation", detail)
		}
		m.emitError(id, "validation", err)
		return err
	}
	m.setState(record, StateValidated, result)

	if factory == nil {
		err := NewFactoryNotRegisteredError(id, metadata.FactoryName())
		m.recordFailure(record, result, err)
		m.emitError(id, "load", err)
		return err
	}

	instance, err := m.instantiate(factory)
	if err != nil {
		err = NewPluginInitFailedError(id, err)
		m.recordFailure(record, result, err)
		m.emitError(id, "load", err)
		return err
	}

	// The service-provider capability is checked exactly once, here.
	provider, _ := instance.(ServiceProvider)

	if err := m.callHook(id, "initialize", instance.Initialize); err != nil {
		err = NewPluginInitFailedError(id, err)
		m.recordFailure(record, result, err)
		m.emitError(id, "initialize", err)
		return err
	}

	m.mu.Lock()
	record.instance = instance
	record.provider = provider
	record.state = StateLoaded
	m.loadOrder = append(m.loadOrder, id)
	m.mu.Unlock()

	m.validator.RegisterPlugin(id, metadata.Version)

	m.Logger().Info("Plugin loaded",
		"plugin_id", id, "version", metadata.Version, "level", result.Level.String())
	m.commBus.PublishSystemEvent(EventTypePluginLoaded, map[string]any{
		"plugin_id": id,
		"version":   metadata.Version,
	}, map[string]string{"plugin_id": id})
	return nil
}

// setState advances a record through the load pipeline.
func (m *PluginManager) setState(record *pluginRecord, state PluginState, result *ValidationResult) {
	m.mu.Lock()
	record.state = state
	record.validation = result
	m.mu.Unlock()
}

// recordFailure marks a record terminally failed so callers can inspect
// what went wrong via State and ValidationResultFor.
func (m *PluginManager) recordFailure(record *pluginRecord, result *ValidationResult, failure error) {
	m.mu.Lock()
	record.state = StateFailed
	record.validation = result
	record.failure = failure
	m.mu.Unlock()
}

// instantiate calls a factory with panic isolation.
func (m *PluginManager) instantiate(factory PluginFactory) (Plugin, error) {
	var instance Plugin
	err := safeCall(m.Logger(), "factory", func() error {
		var callErr error
		instance, callErr = factory()
		return callErr
	})
	return instance, err
}

// callHook invokes a plugin lifecycle hook with panic isolation.
func (m *PluginManager) callHook(id, name string, hook func(*PluginManager) error) error {
	return safeCall(m.Logger(), fmt.Sprintf("plugin %s hook %s", id, name), func() error {
		return hook(m)
	})
}

// callSimpleHook invokes a no-argument lifecycle hook with panic
// isolation.
func (m *PluginManager) callSimpleHook(id, name string, hook func() error) error {
	return safeCall(m.Logger(), fmt.Sprintf("plugin %s hook %s", id, name), hook)
}

// ActivatePlugin transitions a loaded plugin to active and registers its
// service if it provides one. Activating an already active plugin is a
// no-op success.
func (m *PluginManager) ActivatePlugin(id string) error {
	m.RecordOperation()

	m.mu.Lock()
	record, ok := m.plugins[id]
	if !ok {
		m.mu.Unlock()
		return NewPluginNotFoundError(id)
	}
	if record.state == StateActive {
		m.mu.Unlock()
		return nil
	}
	if record.state != StateLoaded && record.state != StateInactive {
		state := record.state
		m.mu.Unlock()
		return NewActivationFailedError(id, fmt.Errorf("plugin in state %s cannot be activated", state))
	}
	instance := record.instance
	provider := record.provider
	m.mu.Unlock()

	if err := m.callSimpleHook(id, "activate", instance.Activate); err != nil {
		err = NewActivationFailedError(id, err)
		m.emitError(id, "activate", err)
		return err
	}

	if provider != nil {
		if err := m.registry.RegisterService(provider); err != nil {
			// Roll the plugin back to inactive so activation stays atomic.
			_ = m.callSimpleHook(id, "deactivate", instance.Deactivate)
			err = NewActivationFailedError(id, err)
			m.emitError(id, "activate", err)
			return err
		}
		if iface := provider.ServiceInterface(); iface != nil {
			m.validator.RegisterService(iface.Name, iface.Version)
		}
	}

	m.mu.Lock()
	record.state = StateActive
	m.mu.Unlock()

	m.Logger().Info("Plugin activated", "plugin_id", id)
	return nil
}

// DeactivatePlugin unregisters the plugin's service and suspends it.
// Deactivating a plugin that is not active is a no-op success.
func (m *PluginManager) DeactivatePlugin(id string) error {
	m.RecordOperation()

	m.mu.Lock()
	record, ok := m.plugins[id]
	if !ok {
		m.mu.Unlock()
		return NewPluginNotFoundError(id)
	}
	if record.state != StateActive {
		m.mu.Unlock()
		return nil
	}
	instance := record.instance
	provider := record.provider
	m.mu.Unlock()

	// Services go first so no caller reaches a half-suspended plugin.
	if provider != nil {
		if iface := provider.ServiceInterface(); iface != nil {
			if err := m.registry.UnregisterService(iface.Name); err != nil {
				m.Logger().Warn("Service unregister failed during deactivation",
					"plugin_id", id, "error", err)
			}
			m.validator.UnregisterService(iface.Name)
		}
	}

	if err := m.callSimpleHook(id, "deactivate", instance.Deactivate); err != nil {
		err = NewDeactivationFailedError(id, err)
		m.emitError(id, "deactivate", err)
		return err
	}

	m.mu.Lock()
	record.state = StateInactive
	m.mu.Unlock()

	m.Logger().Info("Plugin deactivated", "plugin_id", id)
	return nil
}

// UnloadPlugin fully tears a plugin down: deactivation, removal of all of
// its bus handlers and event subscriptions, the cleanup hook, and removal
// from the loaded table. After it returns no further callback into the
// plugin occurs.
func (m *PluginManager) UnloadPlugin(id string) error {
	m.RecordOperation()

	m.mu.RLock()
	record, ok := m.plugins[id]
	m.mu.RUnlock()
	if !ok {
		return NewPluginNotFoundError(id)
	}

	if record.state == StateActive {
		if err := m.DeactivatePlugin(id); err != nil {
			m.Logger().Warn("Deactivation failed during unload, continuing",
				"plugin_id", id, "error", err)
		}
	}

	// Belt and braces: the provider path already unregistered on
	// deactivate, this catches services registered out of band.
	m.registry.UnregisterProvider(id)

	removedSubs := m.commBus.UnsubscribePlugin(id)
	removedHandlers := m.messageBus.UnregisterPlugin(id)

	if record.instance != nil {
		if err := m.callSimpleHook(id, "cleanup", record.instance.Cleanup); err != nil {
			m.emitError(id, "cleanup", err)
		}
	}

	m.validator.UnregisterPlugin(id)

	m.mu.Lock()
	record.state = StateUnloaded
	delete(m.plugins, id)
	for i, loadedID := range m.loadOrder {
		if loadedID == id {
			m.loadOrder = append(m.loadOrder[:i], m.loadOrder[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	m.Logger().Info("Plugin unloaded",
		"plugin_id", id,
		"removed_subscriptions", removedSubs,
		"removed_handlers", removedHandlers)
	m.commBus.PublishSystemEvent(EventTypePluginUnloaded, map[string]any{
		"plugin_id": id,
	}, map[string]string{"plugin_id": id})
	return nil
}

// UnloadAllPlugins unloads every plugin in reverse load order with
// per-item isolation.
func (m *PluginManager) UnloadAllPlugins() {
	m.mu.RLock()
	order := make([]string, len(m.loadOrder))
	copy(order, m.loadOrder)
	m.mu.RUnlock()

	for i := len(order) - 1; i >= 0; i-- {
		if err := m.UnloadPlugin(order[i]); err != nil {
			m.Logger().Warn("Unload failed, continuing",
				"plugin_id", order[i], "error", err)
		}
	}
}
