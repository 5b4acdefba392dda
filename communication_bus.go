// communication_bus.go: typed event layer over the message bus and registry
//
// Copyright (c) 2025 PlugKit contributors
// SPDX-License-Identifier: MPL-2.0

package plugincore

import (
	"fmt"
	"sync"
	"time"

	"github.com/agilira/go-timecache"
	"github.com/google/uuid"
)

// SystemSenderID is the source id used for events published by the host
// rather than a plugin.
const SystemSenderID = "system"

// CommunicationEvent is a typed event exchanged between plugins.
type CommunicationEvent struct {
	// ID uniquely identifies the event
	ID string `json:"id"`

	// Type classifies the event
	Type EventType `json:"type"`

	// Source is the publishing plugin id, or "system"
	Source string `json:"source"`

	// Payload is the event body
	Payload any `json:"payload,omitempty"`

	// Targets restricts delivery to the listed plugins; empty broadcasts
	Targets []string `json:"targets,omitempty"`

	// Metadata carries free-form string fields, mirrored into message
	// headers when the event is forwarded to the message bus
	Metadata map[string]string `json:"metadata,omitempty"`

	// Timestamp of publication
	Timestamp time.Time `json:"timestamp"`
}

// NewCommunicationEvent builds a broadcast event with a fresh id.
func NewCommunicationEvent(eventType EventType, source string, payload any) *CommunicationEvent {
	return &CommunicationEvent{
		ID:        uuid.NewString(),
		Type:      eventType,
		Source:    source,
		Payload:   payload,
		Timestamp: timecache.CachedTime(),
	}
}

// targetsPlugin reports whether the event may be delivered to the plugin.
func (e *CommunicationEvent) targetsPlugin(pluginID string) bool {
	if len(e.Targets) == 0 {
		return true
	}
	for _, target := range e.Targets {
		if target == pluginID {
			return true
		}
	}
	return false
}

// EventCallback handles one delivered event.
type EventCallback func(*CommunicationEvent)

// EventFilter is an optional per-subscription predicate; events it rejects
// are not delivered to that subscription.
type EventFilter func(*CommunicationEvent) bool

// eventSubscription binds a plugin to an event type with an optional
// filter. Subscriptions are delivered in insertion order.
type eventSubscription struct {
	id        string
	pluginID  string
	eventType EventType
	callback  EventCallback
	filter    EventFilter
}

// CommunicationBus distributes typed events between plugins. It keeps a
// bounded history for diagnostics, mirrors every event onto the message
// bus under topic "event.<type>", and re-publishes service registry
// notifications as events so plugins need only one subscription mechanism.
type CommunicationBus struct {
	mu            sync.RWMutex
	subscriptions []*eventSubscription

	history    []*CommunicationEvent
	maxHistory int

	messageBus *MessageBus
	registry   *ServiceRegistry

	unsubscribeRegistry func()

	logger Logger
}

// CommunicationBusConfig tunes the bus. Zero values take defaults.
type CommunicationBusConfig struct {
	// MaxHistory bounds the retained event history (default 1000)
	MaxHistory int
}

// ApplyDefaults fills unset fields with production defaults.
func (c *CommunicationBusConfig) ApplyDefaults() {
	if c.MaxHistory <= 0 {
		c.MaxHistory = 1000
	}
}

// NewCommunicationBus creates an event bus. messageBus and registry are
// optional; when present, events are mirrored to the message bus and
// registry notifications become events.
func NewCommunicationBus(config CommunicationBusConfig, messageBus *MessageBus, registry *ServiceRegistry, logger Logger) *CommunicationBus {
	config.ApplyDefaults()
	bus := &CommunicationBus{
		maxHistory: config.MaxHistory,
		messageBus: messageBus,
		registry:   registry,
		logger:     NewLogger(logger),
	}
	if registry != nil {
		bus.unsubscribeRegistry = registry.SubscribeNotifications(bus.onServiceNotification)
	}
	return bus
}

// Close detaches the bus from the service registry and drops all
// subscriptions and history.
func (b *CommunicationBus) Close() {
	if b.unsubscribeRegistry != nil {
		b.unsubscribeRegistry()
		b.unsubscribeRegistry = nil
	}
	b.mu.Lock()
	b.subscriptions = nil
	b.history = nil
	b.mu.Unlock()
}

// Subscribe registers a callback for an event type and returns the
// subscription id used for removal. A nil filter delivers everything of
// the type; subscribing to EventTypeCustom also receives custom-typed
// events published under other, plugin-defined names.
func (b *CommunicationBus) Subscribe(pluginID string, eventType EventType, callback EventCallback, filter EventFilter) (string, error) {
	if callback == nil {
		return "", NewInvalidMessageError("event callback is nil")
	}
	sub := &eventSubscription{
		id:        uuid.NewString(),
		pluginID:  pluginID,
		eventType: eventType,
		callback:  callback,
		filter:    filter,
	}

	b.mu.Lock()
	b.subscriptions = append(b.subscriptions, sub)
	b.mu.Unlock()

	b.logger.Debug("Event subscription added",
		"subscription_id", sub.id, "plugin_id", pluginID, "event_type", string(eventType))
	return sub.id, nil
}

// Unsubscribe removes one subscription by id.
func (b *CommunicationBus) Unsubscribe(subscriptionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subscriptions {
		if sub.id == subscriptionID {
			b.subscriptions = append(b.subscriptions[:i], b.subscriptions[i+1:]...)
			return true
		}
	}
	return false
}

// UnsubscribePlugin removes every subscription owned by a plugin and
// returns how many were removed. Used on plugin unload.
func (b *CommunicationBus) UnsubscribePlugin(pluginID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.subscriptions[:0]
	removed := 0
	for _, sub := range b.subscriptions {
		if sub.pluginID == pluginID {
			removed++
			continue
		}
		kept = append(kept, sub)
	}
	b.subscriptions = kept
	return removed
}

// PublishEvent appends the event to history, delivers it to matching
// subscriptions in insertion order, and mirrors it onto the message bus.
// Returns how many subscriptions received it. A failing callback never
// blocks delivery to the rest.
func (b *CommunicationBus) PublishEvent(event *CommunicationEvent) int {
	if event == nil {
		return 0
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = timecache.CachedTime()
	}

	b.mu.Lock()
	b.history = append(b.history, event)
	if len(b.history) > b.maxHistory {
		b.history = b.history[len(b.history)-b.maxHistory:]
	}
	matched := make([]*eventSubscription, 0, 4)
	for _, sub := range b.subscriptions {
		if sub.eventType != event.Type && !(sub.eventType == EventTypeCustom && isCustomEventType(event.Type)) {
			continue
		}
		if !event.targetsPlugin(sub.pluginID) {
			continue
		}
		matched = append(matched, sub)
	}
	b.mu.Unlock()

	delivered := 0
	for _, sub := range matched {
		sub := sub
		if sub.filter != nil {
			accepted := false
			if !safeInvoke(b.logger, func() { accepted = sub.filter(event) }) || !accepted {
				continue
			}
		}
		if safeInvoke(b.logger, func() { sub.callback(event) }) {
			delivered++
		} else {
			b.logger.Warn("Event callback panicked",
				"subscription_id", sub.id,
				"plugin_id", sub.pluginID,
				"event_type", string(event.Type))
		}
	}

	b.mirrorToMessageBus(event)
	return delivered
}

// PublishSystemEvent publishes an event sourced from the host itself.
func (b *CommunicationBus) PublishSystemEvent(eventType EventType, payload any, metadata map[string]string) int {
	event := NewCommunicationEvent(eventType, SystemSenderID, payload)
	event.Metadata = metadata
	return b.PublishEvent(event)
}

// History returns the most recent events, newest last. limit <= 0 returns
// the full retained history.
func (b *CommunicationBus) History(limit int) []*CommunicationEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if limit <= 0 || limit > len(b.history) {
		limit = len(b.history)
	}
	out := make([]*CommunicationEvent, limit)
	copy(out, b.history[len(b.history)-limit:])
	return out
}

// SubscriptionCount returns the number of live subscriptions.
func (b *CommunicationBus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscriptions)
}

// mirrorToMessageBus forwards the event as a message on topic
// "event.<type>" for consumers that only speak the message bus.
func (b *CommunicationBus) mirrorToMessageBus(event *CommunicationEvent) {
	if b.messageBus == nil {
		return
	}
	msg := NewMessage(MessageTypeEvent, "event."+string(event.Type), event.Source, event.Payload)
	msg.CorrelationID = event.ID
	if len(event.Metadata) > 0 {
		msg.Headers = make(map[string]string, len(event.Metadata))
		for k, v := range event.Metadata {
			msg.Headers[k] = v
		}
	}
	if err := b.messageBus.Send(msg); err != nil {
		b.logger.Debug("Event mirror to message bus skipped",
			"event_type", string(event.Type), "error", err)
	}
}

// onServiceNotification converts registry notifications into events.
// Method-call notifications are not forwarded, only membership changes.
func (b *CommunicationBus) onServiceNotification(n ServiceNotification) {
	var eventType EventType
	switch n.Type {
	case "registered":
		eventType = EventTypeServiceRegistered
	case "unregistered":
		eventType = EventTypeServiceUnregistered
	default:
		return
	}

	event := NewCommunicationEvent(eventType, SystemSenderID, map[string]any{
		"service_name": n.ServiceName,
		"provider_id":  n.ProviderID,
	})
	event.Metadata = map[string]string{
		"service_name": n.ServiceName,
		"provider_id":  n.ProviderID,
	}
	b.PublishEvent(event)
}

// isCustomEventType reports whether the event type is outside the
// well-known set, meaning it was defined by a plugin.
func isCustomEventType(t EventType) bool {
	switch t {
	case EventTypePluginLoaded, EventTypePluginUnloaded,
		EventTypeServiceRegistered, EventTypeServiceUnregistered,
		EventTypeConfigChanged, EventTypeScheduleUpdated,
		EventTypeNotificationSent, EventTypeThemeChanged,
		EventTypeUserAction, EventTypeSystemEvent:
		return false
	}
	return true
}

// Lifecycle implementation so the bus can be driven by ManagerBase.

// Initialize implements Lifecycle.
func (b *CommunicationBus) Initialize() error { return nil }

// Cleanup implements Lifecycle.
func (b *CommunicationBus) Cleanup() error {
	b.Close()
	return nil
}

// Start implements Lifecycle. The bus has no background work of its own.
func (b *CommunicationBus) Start() error { return nil }

// Stop implements Lifecycle.
func (b *CommunicationBus) Stop() error { return b.Cleanup() }

// String describes the bus for diagnostics.
func (b *CommunicationBus) String() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return fmt.Sprintf("CommunicationBus(subscriptions=%d, history=%d)", len(b.subscriptions), len(b.history))
}
