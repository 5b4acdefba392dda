// message_bus.go: topic-based pub/sub and request/response messaging
//
// Copyright (c) 2025 PlugKit contributors
// SPDX-License-Identifier: MPL-2.0

package plugincore

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/go-timecache"
	"github.com/google/uuid"
)

// Message is one unit of bus traffic.
type Message struct {
	// ID uniquely identifies the message
	ID string `json:"id"`

	// Type classifies the message
	Type MessageType `json:"type"`

	// Topic routes the message to matching handlers
	Topic string `json:"topic"`

	// Sender is the originating plugin id
	Sender string `json:"sender"`

	// Recipient restricts delivery to one plugin; empty means broadcast
	Recipient string `json:"recipient,omitempty"`

	// Payload is the message body
	Payload any `json:"payload,omitempty"`

	// Priority orders handler dispatch and feeds priority filters
	Priority MessagePriority `json:"priority"`

	// DeliveryMode controls delivery tracking
	DeliveryMode DeliveryMode `json:"delivery_mode"`

	// CreatedAt is the creation timestamp
	CreatedAt time.Time `json:"created_at"`

	// ExpiresAt makes the message undeliverable past this instant; zero
	// means no expiry
	ExpiresAt time.Time `json:"expires_at,omitempty"`

	// CorrelationID matches responses to requests
	CorrelationID string `json:"correlation_id,omitempty"`

	// ReplyTo is the topic a response should be sent on
	ReplyTo string `json:"reply_to,omitempty"`

	// Headers carry free-form metadata
	Headers map[string]string `json:"headers,omitempty"`
}

// NewMessage builds a broadcast message with a fresh id, normal priority,
// and fire-and-forget delivery.
func NewMessage(msgType MessageType, topic, sender string, payload any) *Message {
	return &Message{
		ID:           uuid.NewString(),
		Type:         msgType,
		Topic:        topic,
		Sender:       sender,
		Payload:      payload,
		Priority:     PriorityNormal,
		DeliveryMode: DeliveryFireAndForget,
		CreatedAt:    timecache.CachedTime(),
	}
}

// Expired reports whether the message's expiry has passed.
func (m *Message) Expired() bool {
	return !m.ExpiresAt.IsZero() && timecache.CachedTime().After(m.ExpiresAt)
}

// MessageHandler processes one delivered message. A returned error marks
// the delivery failed for this recipient without affecting others.
type MessageHandler func(*Message) error

// MessageFilter may veto a message before it is enqueued. Returning false
// rejects the message.
type MessageFilter func(*Message) bool

// handlerRegistration binds a subscriber to a topic pattern with optional
// type and minimum-priority filters.
type handlerRegistration struct {
	id          string
	pluginID    string
	topic       string
	callback    MessageHandler
	msgType     MessageType     // "" matches every type
	minPriority MessagePriority // PriorityAny matches every priority
}

// matches reports whether the registration should receive the message.
func (h *handlerRegistration) matches(msg *Message) bool {
	if !topicMatches(h.topic, msg.Topic) {
		return false
	}
	if msg.Recipient != "" && msg.Recipient != h.pluginID {
		return false
	}
	if h.msgType != "" && h.msgType != msg.Type {
		return false
	}
	if h.minPriority != PriorityAny && msg.Priority < h.minPriority {
		return false
	}
	return true
}

// topicMatches implements exact and trailing-wildcard topic matching.
// "*" matches everything; "orders.*" matches any topic starting with
// "orders.".
func topicMatches(pattern, topic string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(topic, pattern[:len(pattern)-1])
	}
	return pattern == topic
}

// MessageBusConfig tunes the bus. Zero values take defaults.
type MessageBusConfig struct {
	// QueueSize bounds the pending message queue (default 1024)
	QueueSize int

	// TrackerTTL bounds how long delivery records are retained
	// (default one hour)
	TrackerTTL time.Duration

	// SweepInterval is how often expired tracking entries are purged
	// (default one minute)
	SweepInterval time.Duration
}

// ApplyDefaults fills unset fields with production defaults.
func (c *MessageBusConfig) ApplyDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.TrackerTTL <= 0 {
		c.TrackerTTL = time.Hour
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
}

// MessageBusStats is a snapshot of bus counters.
type MessageBusStats struct {
	Sent      uint64 `json:"sent"`
	Delivered uint64 `json:"delivered"`
	Failed    uint64 `json:"failed"`
	Expired   uint64 `json:"expired"`
	Dropped   uint64 `json:"dropped"`
}

// MessageBus routes messages between plugins by topic. Enqueueing is
// non-blocking; a single background worker drains the queue in FIFO order
// and dispatches each message to matching handlers sorted by descending
// priority filter. Handler callbacks run on the worker goroutine outside
// every bus lock, so a handler may call back into the bus.
type MessageBus struct {
	config MessageBusConfig
	logger Logger

	mu       sync.RWMutex
	handlers map[string]*handlerRegistration
	filters  []MessageFilter

	tracker *DeliveryTracker

	queue chan *Message

	runMu   sync.Mutex
	running bool
	stop    chan struct{}
	wg      sync.WaitGroup

	sent      atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
	expired   atomic.Uint64
	dropped   atomic.Uint64
}

// NewMessageBus creates a bus with the given configuration. Call Start
// before sending.
func NewMessageBus(config MessageBusConfig, logger Logger) *MessageBus {
	config.ApplyDefaults()
	return &MessageBus{
		config:   config,
		logger:   NewLogger(logger),
		handlers: make(map[string]*handlerRegistration),
		tracker:  NewDeliveryTracker(),
	}
}

// Start launches the delivery worker and the maintenance sweeper.
// Starting an already running bus is a no-op.
func (b *MessageBus) Start() error {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	if b.running {
		return nil
	}

	b.queue = make(chan *Message, b.config.QueueSize)
	b.stop = make(chan struct{})
	b.running = true

	b.wg.Add(2)
	SafeGo(b.logger, b.deliveryWorker)
	SafeGo(b.logger, b.maintenanceWorker)

	b.logger.Debug("Message bus started", "queue_size", b.config.QueueSize)
	return nil
}

// Stop halts delivery and waits for the workers to exit. Messages still
// queued are dropped.
func (b *MessageBus) Stop() error {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	if !b.running {
		return nil
	}

	b.running = false
	close(b.stop)
	b.wg.Wait()

	b.logger.Debug("Message bus stopped")
	return nil
}

// Initialize implements Lifecycle. Bus setup happens in Start.
func (b *MessageBus) Initialize() error { return nil }

// Cleanup implements Lifecycle.
func (b *MessageBus) Cleanup() error { return b.Stop() }

// isRunning reports the lifecycle state without holding runMu for long.
func (b *MessageBus) isRunning() bool {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	return b.running
}

// RegisterHandler subscribes a plugin to a topic pattern and returns the
// handler id used for removal. msgType "" matches every type; minPriority
// PriorityAny matches every priority.
func (b *MessageBus) RegisterHandler(pluginID, topic string, callback MessageHandler, msgType MessageType, minPriority MessagePriority) (string, error) {
	if topic == "" {
		return "", NewInvalidMessageError("handler topic is empty")
	}
	if callback == nil {
		return "", NewInvalidMessageError("handler callback is nil")
	}

	reg := &handlerRegistration{
		id:          uuid.NewString(),
		pluginID:    pluginID,
		topic:       topic,
		callback:    callback,
		msgType:     msgType,
		minPriority: minPriority,
	}

	b.mu.Lock()
	b.handlers[reg.id] = reg
	b.mu.Unlock()

	b.logger.Debug("Handler registered",
		"handler_id", reg.id, "plugin_id", pluginID, "topic", topic)
	return reg.id, nil
}

// UnregisterHandler removes one handler by id.
func (b *MessageBus) UnregisterHandler(handlerID string) bool {
	b.mu.Lock()
	_, ok := b.handlers[handlerID]
	delete(b.handlers, handlerID)
	b.mu.Unlock()
	return ok
}

// UnregisterPlugin removes every handler owned by a plugin and returns how
// many were removed. Used on plugin unload.
func (b *MessageBus) UnregisterPlugin(pluginID string) int {
	b.mu.Lock()
	removed := 0
	for id, reg := range b.handlers {
		if reg.pluginID == pluginID {
			delete(b.handlers, id)
			removed++
		}
	}
	b.mu.Unlock()
	return removed
}

// hasHandlerFor reports whether any registration would receive the message.
func (b *MessageBus) hasHandlerFor(msg *Message) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, reg := range b.handlers {
		if reg.matches(msg) {
			return true
		}
	}
	return false
}

// AddFilter installs a veto filter applied to every message at send time.
func (b *MessageBus) AddFilter(filter MessageFilter) {
	b.mu.Lock()
	b.filters = append(b.filters, filter)
	b.mu.Unlock()
}

// Send validates and enqueues a message for asynchronous delivery. The
// enqueue never blocks; a full queue drops the message and returns an
// error.
func (b *MessageBus) Send(msg *Message) error {
	if msg == nil {
		return NewInvalidMessageError("message is nil")
	}
	if msg.Topic == "" {
		return NewInvalidMessageError("message topic is empty")
	}
	if msg.Sender == "" {
		return NewInvalidMessageError("message sender is empty")
	}
	if !b.isRunning() {
		return NewBusNotRunningError()
	}
	if msg.Expired() {
		b.expired.Add(1)
		return NewMessageExpiredError(msg.ID)
	}

	b.mu.RLock()
	filters := b.filters
	b.mu.RUnlock()
	for _, filter := range filters {
		if !filter(msg) {
			return NewInvalidMessageError("message vetoed by filter")
		}
	}

	select {
	case b.queue <- msg:
		b.sent.Add(1)
		return nil
	default:
		b.dropped.Add(1)
		b.logger.Warn("Message queue full, dropping message",
			"message_id", msg.ID, "topic", msg.Topic)
		return NewQueueFullError(msg.ID)
	}
}

// Request sends a request message and blocks until a correlated response
// arrives or the timeout elapses. A timeout returns (nil, nil) so callers
// can distinguish "no response" from transport failures.
func (b *MessageBus) Request(topic string, payload any, senderID string, timeout time.Duration) (*Message, error) {
	correlationID := uuid.NewString()
	replyTopic := "response." + correlationID
	responses := make(chan *Message, 1)

	handlerID, err := b.RegisterHandler(senderID, replyTopic, func(msg *Message) error {
		select {
		case responses <- msg:
		default:
		}
		return nil
	}, MessageTypeResponse, PriorityAny)
	if err != nil {
		return nil, err
	}
	defer b.UnregisterHandler(handlerID)

	request := NewMessage(MessageTypeRequest, topic, senderID, payload)
	request.DeliveryMode = DeliveryRequestResponse
	request.CorrelationID = correlationID
	request.ReplyTo = replyTopic

	// With no handler on the topic a response can never arrive; fail fast
	// instead of burning the full timeout.
	if !b.hasHandlerFor(request) {
		return nil, NewHandlerNotFoundError(topic)
	}
	if err := b.Send(request); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case response := <-responses:
		return response, nil
	case <-timer.C:
		b.logger.Debug("Request timed out",
			"topic", topic, "correlation_id", correlationID)
		return nil, nil
	}
}

// Respond sends a response correlated to a request. The request must carry
// a reply-to topic.
func (b *MessageBus) Respond(request *Message, senderID string, payload any) error {
	if request == nil || request.ReplyTo == "" {
		return NewInvalidMessageError("request has no reply-to topic")
	}
	response := NewMessage(MessageTypeResponse, request.ReplyTo, senderID, payload)
	response.Recipient = request.Sender
	response.CorrelationID = request.CorrelationID
	return b.Send(response)
}

// Stats returns a snapshot of the bus counters.
func (b *MessageBus) Stats() MessageBusStats {
	return MessageBusStats{
		Sent:      b.sent.Load(),
		Delivered: b.delivered.Load(),
		Failed:    b.failed.Load(),
		Expired:   b.expired.Load(),
		Dropped:   b.dropped.Load(),
	}
}

// Tracker exposes the delivery tracker for diagnostics.
func (b *MessageBus) Tracker() *DeliveryTracker {
	return b.tracker
}

// deliveryWorker drains the queue in FIFO order.
func (b *MessageBus) deliveryWorker() {
	defer b.wg.Done()
	for {
		select {
		case msg := <-b.queue:
			b.dispatch(msg)
		case <-b.stop:
			return
		}
	}
}

// maintenanceWorker purges stale delivery records on an interval.
func (b *MessageBus) maintenanceWorker() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if purged := b.tracker.Purge(b.config.TrackerTTL); purged > 0 {
				b.logger.Debug("Purged delivery records", "count", purged)
			}
		case <-b.stop:
			return
		}
	}
}

// dispatch delivers one message to every matching handler. Expiry is
// checked before any handler runs, so a message never half-delivers after
// expiring in the queue.
func (b *MessageBus) dispatch(msg *Message) {
	if msg.Expired() {
		b.expired.Add(1)
		b.logger.Debug("Message expired in queue",
			"message_id", msg.ID, "topic", msg.Topic)
		return
	}

	b.mu.RLock()
	matched := make([]*handlerRegistration, 0, 4)
	for _, reg := range b.handlers {
		if reg.matches(msg) {
			matched = append(matched, reg)
		}
	}
	b.mu.RUnlock()

	if len(matched) == 0 {
		return
	}

	// Handlers with a higher minimum-priority filter run first; handlers
	// without a filter run last. Ties keep a stable id order.
	sort.SliceStable(matched, func(i, j int) bool {
		pi, pj := matched[i].minPriority, matched[j].minPriority
		if pi != pj {
			if pi == PriorityAny {
				return false
			}
			if pj == PriorityAny {
				return true
			}
			return pi > pj
		}
		return matched[i].id < matched[j].id
	})

	tracked := msg.DeliveryMode != DeliveryFireAndForget && msg.DeliveryMode != ""
	if tracked {
		recipients := make([]string, 0, len(matched))
		for _, reg := range matched {
			recipients = append(recipients, reg.pluginID)
		}
		b.tracker.Track(msg.ID, msg.DeliveryMode, recipients)
	}

	for _, reg := range matched {
		if tracked && msg.DeliveryMode == DeliveryExactlyOnce && b.tracker.AlreadyDelivered(msg.ID, reg.pluginID) {
			continue
		}
		if err := b.invokeHandler(reg, msg); err != nil {
			b.failed.Add(1)
			b.logger.Warn("Handler failed",
				"handler_id", reg.id,
				"plugin_id", reg.pluginID,
				"message_id", msg.ID,
				"topic", msg.Topic,
				"error", err)
			if tracked {
				b.tracker.MarkFailed(msg.ID, reg.pluginID, err.Error())
			}
			continue
		}
		b.delivered.Add(1)
		if tracked {
			b.tracker.MarkDelivered(msg.ID, reg.pluginID)
		}
	}
}

// invokeHandler runs one handler with panic isolation. A panic is
// converted to an error so delivery continues for remaining handlers.
func (b *MessageBus) invokeHandler(reg *handlerRegistration, msg *Message) error {
	return safeCall(b.logger, "handler "+reg.id, func() error {
		return reg.callback(msg)
	})
}
