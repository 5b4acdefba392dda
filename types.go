// types.go: shared enumerations and core value types for the plugin system
//
// Copyright (c) 2025 PlugKit contributors
// SPDX-License-Identifier: MPL-2.0

package plugincore

// PluginState represents the lifecycle state of a plugin.
type PluginState int

const (
	// StateUnknown indicates the plugin state has not been determined
	StateUnknown PluginState = iota

	// StateDiscovered indicates a manifest was found but not yet parsed
	StateDiscovered

	// StateMetadataLoaded indicates the manifest was parsed into metadata
	StateMetadataLoaded

	// StateValidated indicates dependency validation completed successfully
	StateValidated

	// StateLoaded indicates the plugin instance was created and initialized
	StateLoaded

	// StateActive indicates the plugin is activated and serving
	StateActive

	// StateInactive indicates the plugin was deactivated but remains loaded
	StateInactive

	// StateUnloaded indicates the plugin was fully torn down
	StateUnloaded

	// StateFailed indicates a lifecycle step failed
	StateFailed
)

// String returns the string representation of the plugin state.
func (s PluginState) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateMetadataLoaded:
		return "metadata-loaded"
	case StateValidated:
		return "validated"
	case StateLoaded:
		return "loaded"
	case StateActive:
		return "active"
	case StateInactive:
		return "inactive"
	case StateUnloaded:
		return "unloaded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// CompatibilityLevel summarizes how well a plugin's requirements match the
// current environment after validation.
type CompatibilityLevel int

const (
	// CompatibilityUnknown indicates validation has not run yet
	CompatibilityUnknown CompatibilityLevel = iota

	// CompatibilityFull indicates all dependencies resolved cleanly
	CompatibilityFull

	// CompatibilityPartial indicates the plugin can load with warnings
	CompatibilityPartial

	// CompatibilityIncompatible indicates the plugin cannot be loaded
	CompatibilityIncompatible
)

// String returns the string representation of the compatibility level.
func (c CompatibilityLevel) String() string {
	switch c {
	case CompatibilityFull:
		return "compatible"
	case CompatibilityPartial:
		return "partially-compatible"
	case CompatibilityIncompatible:
		return "incompatible"
	default:
		return "unknown"
	}
}

// DependencyKind classifies what a plugin dependency refers to.
type DependencyKind string

const (
	// DependencyPlugin requires another plugin to be loaded
	DependencyPlugin DependencyKind = "plugin"

	// DependencyService requires a service to be registered
	DependencyService DependencyKind = "service"

	// DependencySystem requires a host capability (runtime version, OS, arch)
	DependencySystem DependencyKind = "system"

	// DependencyPackage requires a library package to be present
	DependencyPackage DependencyKind = "package"

	// DependencyAPI requires a host API surface version
	DependencyAPI DependencyKind = "api"
)

// MessageType classifies messages flowing through the message bus.
type MessageType string

const (
	// MessageTypeRequest expects a correlated response
	MessageTypeRequest MessageType = "request"

	// MessageTypeResponse answers a prior request
	MessageTypeResponse MessageType = "response"

	// MessageTypeEvent announces that something happened
	MessageTypeEvent MessageType = "event"

	// MessageTypeNotification carries user-facing information
	MessageTypeNotification MessageType = "notification"

	// MessageTypeCommand instructs a recipient to act
	MessageTypeCommand MessageType = "command"

	// MessageTypeQuery asks for data without a strict response contract
	MessageTypeQuery MessageType = "query"
)

// MessagePriority orders message handler dispatch. Higher values are
// dispatched to matching handlers first.
type MessagePriority int

const (
	// PriorityLow for background traffic
	PriorityLow MessagePriority = 0

	// PriorityNormal is the default for most messages
	PriorityNormal MessagePriority = 1

	// PriorityHigh for traffic that should preempt normal messages
	PriorityHigh MessagePriority = 2

	// PriorityCritical for traffic that must not wait
	PriorityCritical MessagePriority = 3

	// PriorityAny is a handler filter sentinel matching every priority
	PriorityAny MessagePriority = -1
)

// String returns the string representation of the message priority.
func (p MessagePriority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	case PriorityAny:
		return "any"
	default:
		return "unknown"
	}
}

// DeliveryMode controls how hard the message bus works to deliver a message
// and whether delivery outcomes are tracked.
type DeliveryMode string

const (
	// DeliveryFireAndForget dispatches without tracking outcomes
	DeliveryFireAndForget DeliveryMode = "fire_and_forget"

	// DeliveryAtLeastOnce tracks per-recipient delivery outcomes
	DeliveryAtLeastOnce DeliveryMode = "at_least_once"

	// DeliveryExactlyOnce tracks outcomes and suppresses duplicate dispatch
	DeliveryExactlyOnce DeliveryMode = "exactly_once"

	// DeliveryRequestResponse tracks outcomes for correlated request traffic
	DeliveryRequestResponse DeliveryMode = "request_response"
)

// EventType names well-known communication bus events. Plugins may publish
// arbitrary custom event types as well.
type EventType string

const (
	// EventTypePluginLoaded fires after a plugin finishes loading
	EventTypePluginLoaded EventType = "plugin.loaded"

	// EventTypePluginUnloaded fires after a plugin is torn down
	EventTypePluginUnloaded EventType = "plugin.unloaded"

	// EventTypeServiceRegistered fires when a service joins the registry
	EventTypeServiceRegistered EventType = "service.registered"

	// EventTypeServiceUnregistered fires when a service leaves the registry
	EventTypeServiceUnregistered EventType = "service.unregistered"

	// EventTypeConfigChanged fires when a configuration section changes
	EventTypeConfigChanged EventType = "config.changed"

	// EventTypeScheduleUpdated fires when schedule data changes
	EventTypeScheduleUpdated EventType = "schedule.updated"

	// EventTypeNotificationSent fires after a notification is delivered
	EventTypeNotificationSent EventType = "notification.sent"

	// EventTypeThemeChanged fires when the host theme changes
	EventTypeThemeChanged EventType = "theme.changed"

	// EventTypeUserAction fires for user-initiated actions
	EventTypeUserAction EventType = "user.action"

	// EventTypeSystemEvent fires for host system events
	EventTypeSystemEvent EventType = "system.event"

	// EventTypeCustom is the namespace for plugin-defined events
	EventTypeCustom EventType = "custom"
)
