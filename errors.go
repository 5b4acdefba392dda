// errors.go: structured error definitions for the plugincore system
//
// Copyright (c) 2025 PlugKit contributors
// SPDX-License-Identifier: MPL-2.0

package plugincore

import (
	"github.com/agilira/go-errors"
)

// Error codes for the plugincore system
const (
	// Plugin metadata errors (1000-1099)
	ErrCodeInvalidPluginID      = "PLUGIN_1001"
	ErrCodeInvalidPluginVersion = "PLUGIN_1002"
	ErrCodeManifestNotFound     = "PLUGIN_1003"
	ErrCodeManifestParseError   = "PLUGIN_1004"
	ErrCodeManifestTooLarge     = "PLUGIN_1005"
	ErrCodeInvalidConstraint    = "PLUGIN_1006"
	ErrCodeInvalidDependency    = "PLUGIN_1007"

	// Dependency validation errors (1100-1199)
	ErrCodeMissingDependency  = "DEPS_1101"
	ErrCodeVersionConflict    = "DEPS_1102"
	ErrCodeCircularDependency = "DEPS_1103"
	ErrCodeValidationFailed   = "DEPS_1104"

	// Service registry errors (1200-1299)
	ErrCodeServiceNotFound      = "SERVICE_1201"
	ErrCodeDuplicateService     = "SERVICE_1202"
	ErrCodeInvalidService       = "SERVICE_1203"
	ErrCodeServiceMethodMissing = "SERVICE_1204"
	ErrCodeServiceCallFailed    = "SERVICE_1205"

	// Message bus errors (1300-1399)
	ErrCodeInvalidMessage  = "BUS_1301"
	ErrCodeMessageExpired  = "BUS_1302"
	ErrCodeBusNotRunning   = "BUS_1303"
	ErrCodeQueueFull       = "BUS_1304"
	ErrCodeHandlerNotFound = "BUS_1305"

	// Lifecycle errors (1400-1499)
	ErrCodePluginNotFound       = "LIFECYCLE_1401"
	ErrCodeDuplicatePlugin      = "LIFECYCLE_1402"
	ErrCodeFactoryNotRegistered = "LIFECYCLE_1403"
	ErrCodePluginInitFailed     = "LIFECYCLE_1404"
	ErrCodeActivationFailed     = "LIFECYCLE_1405"
	ErrCodeDeactivationFailed   = "LIFECYCLE_1406"
	ErrCodeIncompatiblePlugin   = "LIFECYCLE_1407"

	// Discovery errors (1500-1599)
	ErrCodeDiscoveryPathError = "DISCOVERY_1501"
	ErrCodeInsecureManifest   = "DISCOVERY_1502"

	// Configuration errors (1600-1699)
	ErrCodeConfigNotFound     = "CONFIG_1601"
	ErrCodeConfigParseError   = "CONFIG_1602"
	ErrCodeConfigWatcherError = "CONFIG_1603"
)

// Plugin metadata error constructors

func NewInvalidPluginIDError(id string) *errors.Error {
	return errors.New(ErrCodeInvalidPluginID, "Invalid plugin identifier").
		WithUserMessage("Plugin identifier is required and cannot be empty").
		WithContext("provided_id", id).
		WithSeverity("error")
}

func NewInvalidPluginVersionError(id, version string) *errors.Error {
	return errors.New(ErrCodeInvalidPluginVersion, "Invalid plugin version").
		WithUserMessage("Plugin version must be valid semantic versioning").
		WithContext("plugin_id", id).
		WithContext("version", version).
		WithSeverity("error")
}

func NewManifestNotFoundError(path string) *errors.Error {
	return errors.New(ErrCodeManifestNotFound, "Manifest not found").
		WithUserMessage("The plugin manifest file could not be read").
		WithContext("path", path).
		WithSeverity("error")
}

func NewManifestParseError(path string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeManifestParseError, "Manifest parse failed").
		WithUserMessage("The plugin manifest is not valid JSON or YAML").
		WithContext("path", path).
		WithSeverity("error")
}

func NewManifestTooLargeError(path string, size int64) *errors.Error {
	return errors.New(ErrCodeManifestTooLarge, "Manifest exceeds size limit").
		WithUserMessage("Plugin manifest files are limited to 100KB").
		WithContext("path", path).
		WithContext("size_bytes", size).
		WithSeverity("error")
}

func NewInvalidConstraintError(constraint string) *errors.Error {
	return errors.New(ErrCodeInvalidConstraint, "Invalid version constraint").
		WithUserMessage("The version constraint could not be parsed").
		WithContext("constraint", constraint).
		WithSeverity("error")
}

func NewInvalidDependencyError(name, reason string) *errors.Error {
	return errors.New(ErrCodeInvalidDependency, "Invalid dependency declaration").
		WithUserMessage("A dependency declaration failed validation").
		WithContext("dependency", name).
		WithContext("reason", reason).
		WithSeverity("error")
}

// Dependency validation error constructors

func NewMissingDependencyError(pluginID, depName string, kind DependencyKind) *errors.Error {
	return errors.New(ErrCodeMissingDependency, "Missing required dependency").
		WithUserMessage("A required plugin dependency is not available").
		WithContext("plugin_id", pluginID).
		WithContext("dependency", depName).
		WithContext("kind", string(kind)).
		WithSeverity("error")
}

func NewVersionConflictError(pluginID, depName, constraint, available string) *errors.Error {
	return errors.New(ErrCodeVersionConflict, "Dependency version conflict").
		WithUserMessage("An available dependency does not satisfy the required version").
		WithContext("plugin_id", pluginID).
		WithContext("dependency", depName).
		WithContext("constraint", constraint).
		WithContext("available", available).
		WithSeverity("error")
}

func NewCircularDependencyError(pluginID string, cycle []string) *errors.Error {
	return errors.New(ErrCodeCircularDependency, "Circular dependency detected").
		WithUserMessage("The plugin dependency graph contains a cycle").
		WithContext("plugin_id", pluginID).
		WithContext("cycle", cycle).
		WithSeverity("error")
}

func NewValidationFailedError(pluginID string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeValidationFailed, "Dependency validation failed").
		WithUserMessage("Plugin dependency validation did not complete").
		WithContext("plugin_id", pluginID).
		WithSeverity("error")
}

// Service registry error constructors

func NewServiceNotFoundError(name string) *errors.Error {
	return errors.New(ErrCodeServiceNotFound, "Service not found").
		WithUserMessage("No service is registered under the requested name").
		WithContext("service", name).
		WithSeverity("error")
}

func NewDuplicateServiceError(name, providerID string) *errors.Error {
	return errors.New(ErrCodeDuplicateService, "Duplicate service name").
		WithUserMessage("A service with this name is already registered").
		WithContext("service", name).
		WithContext("provider_id", providerID).
		WithSeverity("error")
}

func NewInvalidServiceError(name, reason string) *errors.Error {
	return errors.New(ErrCodeInvalidService, "Invalid service interface").
		WithUserMessage("The service interface failed validation").
		WithContext("service", name).
		WithContext("reason", reason).
		WithSeverity("error")
}

func NewServiceMethodMissingError(service, method string) *errors.Error {
	return errors.New(ErrCodeServiceMethodMissing, "Service method not found").
		WithUserMessage("The requested method does not exist on this service").
		WithContext("service", service).
		WithContext("method", method).
		WithSeverity("error")
}

func NewServiceCallFailedError(service, method string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeServiceCallFailed, "Service method call failed").
		WithUserMessage("The service method returned an error").
		WithContext("service", service).
		WithContext("method", method).
		WithSeverity("error")
}

// Message bus error constructors

func NewInvalidMessageError(reason string) *errors.Error {
	return errors.New(ErrCodeInvalidMessage, "Invalid message").
		WithUserMessage("The message is missing required fields").
		WithContext("reason", reason).
		WithSeverity("error")
}

func NewMessageExpiredError(messageID string) *errors.Error {
	return errors.New(ErrCodeMessageExpired, "Message expired").
		WithUserMessage("The message expired before it could be dispatched").
		WithContext("message_id", messageID).
		WithSeverity("warning")
}

func NewBusNotRunningError() *errors.Error {
	return errors.New(ErrCodeBusNotRunning, "Message bus not running").
		WithUserMessage("Start the message bus before sending messages").
		WithSeverity("error")
}

func NewQueueFullError(messageID string) *errors.Error {
	return errors.New(ErrCodeQueueFull, "Message queue full").
		WithUserMessage("The message bus queue is at capacity").
		WithContext("message_id", messageID).
		WithSeverity("warning")
}

func NewHandlerNotFoundError(topic string) *errors.Error {
	return errors.New(ErrCodeHandlerNotFound, "No handler for request topic").
		WithUserMessage("No registered handler can answer this request").
		WithContext("topic", topic).
		WithSeverity("error")
}

// Lifecycle error constructors

func NewPluginNotFoundError(id string) *errors.Error {
	return errors.New(ErrCodePluginNotFound, "Plugin not found").
		WithUserMessage("No plugin is loaded under the requested identifier").
		WithContext("plugin_id", id).
		WithSeverity("error")
}

func NewDuplicatePluginError(id string) *errors.Error {
	return errors.New(ErrCodeDuplicatePlugin, "Duplicate plugin identifier").
		WithUserMessage("A plugin with this identifier is already loaded").
		WithContext("plugin_id", id).
		WithSeverity("error")
}

func NewFactoryNotRegisteredError(id, factory string) *errors.Error {
	return errors.New(ErrCodeFactoryNotRegistered, "Plugin factory not registered").
		WithUserMessage("Register the plugin's factory before loading it").
		WithContext("plugin_id", id).
		WithContext("factory", factory).
		WithSeverity("error")
}

func NewPluginInitFailedError(id string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodePluginInitFailed, "Plugin initialization failed").
		WithUserMessage("The plugin's Initialize hook returned an error").
		WithContext("plugin_id", id).
		WithSeverity("error")
}

func NewActivationFailedError(id string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeActivationFailed, "Plugin activation failed").
		WithUserMessage("The plugin's Activate hook returned an error").
		WithContext("plugin_id", id).
		WithSeverity("error")
}

func NewDeactivationFailedError(id string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeDeactivationFailed, "Plugin deactivation failed").
		WithUserMessage("The plugin's Deactivate hook returned an error").
		WithContext("plugin_id", id).
		WithSeverity("error")
}

func NewIncompatiblePluginError(id string, result *ValidationResult) *errors.Error {
	err := errors.New(ErrCodeIncompatiblePlugin, "Plugin is incompatible").
		WithUserMessage("Dependency validation marked this plugin incompatible").
		WithContext("plugin_id", id).
		WithSeverity("error")
	if result != nil {
		err = err.WithContext("missing", result.MissingDependencies).
			WithContext("errors", result.Errors)
	}
	return err
}

// Discovery error constructors

func NewDiscoveryPathError(path string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeDiscoveryPathError, "Discovery path error").
		WithUserMessage("A plugin search path could not be scanned").
		WithContext("path", path).
		WithSeverity("warning")
}

func NewInsecureManifestError(path, reason string) *errors.Error {
	return errors.New(ErrCodeInsecureManifest, "Insecure manifest rejected").
		WithUserMessage("The plugin manifest failed security validation").
		WithContext("path", path).
		WithContext("reason", reason).
		WithSeverity("error")
}

// Configuration error constructors

func NewConfigNotFoundError(path string) *errors.Error {
	return errors.New(ErrCodeConfigNotFound, "Configuration file not found").
		WithUserMessage("The configuration file does not exist or is unreadable").
		WithContext("path", path).
		WithSeverity("error")
}

func NewConfigParseError(path string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeConfigParseError, "Configuration parse failed").
		WithUserMessage("The configuration file is not valid JSON or YAML").
		WithContext("path", path).
		WithSeverity("error")
}

func NewConfigWatcherError(path string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeConfigWatcherError, "Configuration watcher error").
		WithUserMessage("The configuration file watcher reported an error").
		WithContext("path", path).
		WithSeverity("warning")
}
