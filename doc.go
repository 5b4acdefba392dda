// Package plugincore provides an in-process plugin system for Go applications.
// It covers the full plugin lifecycle: manifest discovery, dependency
// validation with semantic-version constraints, factory-based instantiation,
// activation, and teardown.
//
// Plugins talk to each other through three decoupled channels:
//   - a ServiceRegistry where plugins publish callable service interfaces,
//   - a MessageBus with topic routing, priorities, and delivery tracking,
//   - a CommunicationBus for broadcast events with history and filtering.
//
// Key Features:
//   - Manifest-driven discovery (JSON and YAML) with security validation
//   - Dependency validation: plugins, services, system capabilities, packages
//   - Semantic-version constraints (exact, ranges, caret and tilde)
//   - Circular dependency detection and topological load ordering
//   - Request/response messaging with correlation identifiers
//   - Panic isolation for every plugin-supplied callback
//   - Structured errors and pluggable structured logging
//
// Basic Usage:
//
//	manager := plugincore.NewPluginManager(plugincore.ManagerConfig{
//		SearchPaths: []string{"./plugins"},
//	}, logger)
//
//	manager.RegisterFactory("weather", NewWeatherPlugin)
//
//	if err := manager.Initialize(); err != nil {
//		log.Fatal(err)
//	}
//	loaded, failed := manager.LoadPlugins()
//	_ = manager.ActivatePlugin("weather")
//
// All components are safe for concurrent use. Plugin-supplied callbacks are
// always invoked outside internal locks, so a callback may call back into the
// system without deadlocking.
//
// Copyright (c) 2025 PlugKit contributors
// SPDX-License-Identifier: MPL-2.0
package plugincore
