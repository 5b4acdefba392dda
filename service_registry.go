// service_registry.go: typed service catalog with discovery and invocation
//
// Copyright (c) 2025 PlugKit contributors
// SPDX-License-Identifier: MPL-2.0

package plugincore

import (
	"fmt"
	"sync"
	"time"

	"github.com/agilira/go-timecache"
)

// ServiceParam describes one parameter of a service method.
type ServiceParam struct {
	// Name of the parameter as callers pass it
	Name string `json:"name"`

	// Type is an informational type label ("string", "int", "map")
	Type string `json:"type,omitempty"`

	// Required parameters must be present in the call arguments
	Required bool `json:"required,omitempty"`

	// Default is substituted when an optional parameter is absent
	Default any `json:"default,omitempty"`
}

// ServiceMethodFunc is the callable behind a service method. Arguments are
// passed as a name-keyed map so callers need no compile-time reference to
// the provider.
type ServiceMethodFunc func(args map[string]any) (any, error)

// ServiceMethod is one callable entry of a service interface.
type ServiceMethod struct {
	// Name of the method within its service
	Name string `json:"name"`

	// Handler is invoked on CallServiceMethod
	Handler ServiceMethodFunc `json:"-"`

	// Params declare the method's expected arguments
	Params []ServiceParam `json:"params,omitempty"`

	// ReturnType is an informational label of the result type
	ReturnType string `json:"return_type,omitempty"`

	// Async marks methods whose handler completes work in the background
	Async bool `json:"async,omitempty"`

	// Description documents the method for discovery
	Description string `json:"description,omitempty"`
}

// ServiceInterface is a named, versioned capability published by exactly
// one provider plugin at a time.
type ServiceInterface struct {
	// Name is globally unique while the service is registered
	Name string `json:"name"`

	// Version of the service contract
	Version string `json:"version"`

	// ProviderID is the publishing plugin's id
	ProviderID string `json:"provider_id"`

	// Category groups services for discovery ("data", "notification", "ui")
	Category string `json:"category,omitempty"`

	// Methods callable on this service, keyed by method name
	Methods map[string]*ServiceMethod `json:"methods"`

	// Events the service may emit
	Events []string `json:"events,omitempty"`

	// Dependencies the service itself requires
	Dependencies []string `json:"dependencies,omitempty"`

	// Metadata carries free-form descriptive fields
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Validate checks the interface for structural problems.
func (s *ServiceInterface) Validate() error {
	if s.Name == "" {
		return NewInvalidServiceError(s.Name, "service name is empty")
	}
	if s.Version == "" {
		return NewInvalidServiceError(s.Name, "service version is empty")
	}
	if s.ProviderID == "" {
		return NewInvalidServiceError(s.Name, "provider id is empty")
	}
	for name, method := range s.Methods {
		if method == nil || method.Name == "" {
			return NewInvalidServiceError(s.Name, fmt.Sprintf("method %q has no name", name))
		}
		if method.Handler == nil {
			return NewInvalidServiceError(s.Name, fmt.Sprintf("method %q has no handler", name))
		}
	}
	return nil
}

// ServiceNotification announces registry changes to observers.
type ServiceNotification struct {
	// Type is "registered", "unregistered", or "called"
	Type string

	// ServiceName the notification concerns
	ServiceName string

	// ProviderID of the service's plugin
	ProviderID string

	// Method set for "called" notifications
	Method string

	// Timestamp of the notification
	Timestamp time.Time
}

// ServiceRegistry is the catalog plugins use to publish and discover
// callable services. At most one provider may hold a service name at a
// time. All observer and handler callbacks are invoked outside the
// registry lock, so a service method may call back into the registry.
type ServiceRegistry struct {
	mu sync.RWMutex

	services   map[string]*registeredService
	byCategory map[string]map[string]struct{} // category -> service names

	observers map[uint64]func(ServiceNotification)
	nextObsID uint64

	logger Logger
}

type registeredService struct {
	iface    *ServiceInterface
	provider ServiceProvider
	calls    map[string]uint64 // method name -> invocation count
}

// NewServiceRegistry creates an empty registry.
func NewServiceRegistry(logger Logger) *ServiceRegistry {
	return &ServiceRegistry{
		services:   make(map[string]*registeredService),
		byCategory: make(map[string]map[string]struct{}),
		observers:  make(map[uint64]func(ServiceNotification)),
		logger:     NewLogger(logger),
	}
}

// RegisterService validates and stores the provider's service interface.
// Registration fails on name collision; the first provider keeps the name.
// The provider's InitializeService hook runs before the service becomes
// visible; if the hook fails the service is not registered.
func (r *ServiceRegistry) RegisterService(provider ServiceProvider) error {
	if provider == nil {
		return NewInvalidServiceError("", "provider is nil")
	}
	iface := provider.ServiceInterface()
	if iface == nil {
		return NewInvalidServiceError("", "provider returned a nil service interface")
	}
	if err := iface.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	if existing, taken := r.services[iface.Name]; taken {
		providerID := existing.iface.ProviderID
		r.mu.Unlock()
		return NewDuplicateServiceError(iface.Name, providerID)
	}
	// Reserve the name before running the provider hook so a concurrent
	// registration of the same name fails fast.
	r.services[iface.Name] = &registeredService{
		iface:    iface,
		provider: provider,
		calls:    make(map[string]uint64),
	}
	r.mu.Unlock()

	if err := provider.InitializeService(r); err != nil {
		r.mu.Lock()
		delete(r.services, iface.Name)
		r.mu.Unlock()
		return NewServiceCallFailedError(iface.Name, "InitializeService", err)
	}

	r.mu.Lock()
	if iface.Category != "" {
		if r.byCategory[iface.Category] == nil {
			r.byCategory[iface.Category] = make(map[string]struct{})
		}
		r.byCategory[iface.Category][iface.Name] = struct{}{}
	}
	r.mu.Unlock()

	r.logger.Info("Service registered",
		"service", iface.Name,
		"version", iface.Version,
		"provider_id", iface.ProviderID)

	r.notify(ServiceNotification{
		Type:        "registered",
		ServiceName: iface.Name,
		ProviderID:  iface.ProviderID,
		Timestamp:   timecache.CachedTime(),
	})
	return nil
}

// UnregisterService removes a service by name and runs the provider's
// CleanupService hook.
func (r *ServiceRegistry) UnregisterService(name string) error {
	r.mu.Lock()
	svc, ok := r.services[name]
	if !ok {
		r.mu.Unlock()
		return NewServiceNotFoundError(name)
	}
	delete(r.services, name)
	if svc.iface.Category != "" {
		delete(r.byCategory[svc.iface.Category], name)
		if len(r.byCategory[svc.iface.Category]) == 0 {
			delete(r.byCategory, svc.iface.Category)
		}
	}
	r.mu.Unlock()

	if svc.provider != nil {
		if err := svc.provider.CleanupService(); err != nil {
			r.logger.Warn("Service cleanup hook failed",
				"service", name, "error", err)
		}
	}

	r.logger.Info("Service unregistered",
		"service", name, "provider_id", svc.iface.ProviderID)

	r.notify(ServiceNotification{
		Type:        "unregistered",
		ServiceName: name,
		ProviderID:  svc.iface.ProviderID,
		Timestamp:   timecache.CachedTime(),
	})
	return nil
}

// UnregisterProvider removes every service published by the given plugin
// and returns how many were removed.
func (r *ServiceRegistry) UnregisterProvider(providerID string) int {
	r.mu.RLock()
	var names []string
	for name, svc := range r.services {
		if svc.iface.ProviderID == providerID {
			names = append(names, name)
		}
	}
	r.mu.RUnlock()

	removed := 0
	for _, name := range names {
		if err := r.UnregisterService(name); err == nil {
			removed++
		}
	}
	return removed
}

// GetService returns the interface registered under name, or nil.
func (r *ServiceRegistry) GetService(name string) *ServiceInterface {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if svc, ok := r.services[name]; ok {
		return svc.iface
	}
	return nil
}

// DiscoverServices returns all registered service interfaces, optionally
// filtered by category. An empty category returns everything.
func (r *ServiceRegistry) DiscoverServices(category string) []*ServiceInterface {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*ServiceInterface
	if category == "" {
		for _, svc := range r.services {
			out = append(out, svc.iface)
		}
		return out
	}
	for name := range r.byCategory[category] {
		if svc, ok := r.services[name]; ok {
			out = append(out, svc.iface)
		}
	}
	return out
}

// CallServiceMethod resolves a service and method, checks required
// parameters, fills defaults, and invokes the handler synchronously. The
// handler runs outside the registry lock and may call back into the
// registry.
func (r *ServiceRegistry) CallServiceMethod(serviceName, methodName string, args map[string]any) (any, error) {
	r.mu.Lock()
	svc, ok := r.services[serviceName]
	if !ok {
		r.mu.Unlock()
		return nil, NewServiceNotFoundError(serviceName)
	}
	method, ok := svc.iface.Methods[methodName]
	if !ok {
		r.mu.Unlock()
		return nil, NewServiceMethodMissingError(serviceName, methodName)
	}
	if method.Handler == nil {
		r.mu.Unlock()
		return nil, NewInvalidServiceError(serviceName, fmt.Sprintf("method %q has no handler", methodName))
	}
	svc.calls[methodName]++
	providerID := svc.iface.ProviderID
	params := method.Params
	handler := method.Handler
	r.mu.Unlock()

	if args == nil {
		args = make(map[string]any)
	}
	for _, p := range params {
		if _, present := args[p.Name]; present {
			continue
		}
		if p.Required {
			return nil, NewServiceCallFailedError(serviceName, methodName,
				fmt.Errorf("missing required parameter %q", p.Name))
		}
		if p.Default != nil {
			args[p.Name] = p.Default
		}
	}

	result, err := handler(args)
	if err != nil {
		r.logger.Warn("Service method returned error",
			"service", serviceName, "method", methodName, "error", err)
		return nil, NewServiceCallFailedError(serviceName, methodName, err)
	}

	r.notify(ServiceNotification{
		Type:        "called",
		ServiceName: serviceName,
		ProviderID:  providerID,
		Method:      methodName,
		Timestamp:   timecache.CachedTime(),
	})
	return result, nil
}

// CallCount returns how many times a method has been invoked.
func (r *ServiceRegistry) CallCount(serviceName, methodName string) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if svc, ok := r.services[serviceName]; ok {
		return svc.calls[methodName]
	}
	return 0
}

// SubscribeNotifications registers an observer for registry changes and
// returns an unsubscribe function. Observers are invoked synchronously but
// outside the registry lock.
func (r *ServiceRegistry) SubscribeNotifications(fn func(ServiceNotification)) func() {
	r.mu.Lock()
	id := r.nextObsID
	r.nextObsID++
	r.observers[id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.observers, id)
		r.mu.Unlock()
	}
}

// ServiceCount returns the number of registered services.
func (r *ServiceRegistry) ServiceCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.services)
}

func (r *ServiceRegistry) notify(n ServiceNotification) {
	r.mu.RLock()
	observers := make([]func(ServiceNotification), 0, len(r.observers))
	for _, fn := range r.observers {
		observers = append(observers, fn)
	}
	r.mu.RUnlock()

	for _, fn := range observers {
		fn := fn
		safeInvoke(r.logger, func() { fn(n) })
	}
}
