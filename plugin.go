// plugin.go: plugin contract and factory registration
//
// Copyright (c) 2025 PlugKit contributors
// SPDX-License-Identifier: MPL-2.0

package plugincore

// Plugin is the contract every in-process plugin implements. The manager
// drives the lifecycle strictly in this order:
//
//	Initialize -> Activate -> Deactivate -> Cleanup
//
// Activate and Deactivate may alternate while the plugin stays loaded.
// Implementations must tolerate repeated Activate calls while active and
// repeated Deactivate calls while inactive.
type Plugin interface {
	// Initialize wires the plugin into the host. It runs exactly once,
	// right after instantiation, and receives the manager so the plugin
	// can reach the buses and registries.
	Initialize(manager *PluginManager) error

	// Activate transitions the plugin into its serving state.
	Activate() error

	// Deactivate suspends the plugin without tearing it down.
	Deactivate() error

	// Cleanup releases all plugin resources. It runs once at unload, after
	// the manager has removed the plugin's bus and event subscriptions.
	Cleanup() error
}

// ServiceProvider is an optional capability for plugins that publish a
// callable service. The manager checks for it once at load time; plugins
// that implement it have their service registered on activation and
// unregistered on deactivation.
type ServiceProvider interface {
	// ServiceInterface describes the service the plugin provides.
	ServiceInterface() *ServiceInterface

	// InitializeService prepares the service before registration.
	InitializeService(registry *ServiceRegistry) error

	// CleanupService releases service resources after unregistration.
	CleanupService() error
}

// PluginFactory constructs a fresh plugin instance. Factories are
// registered on the manager under the name the manifest's main field
// refers to, which keeps instantiation explicit instead of scanning for
// entry points.
type PluginFactory func() (Plugin, error)
