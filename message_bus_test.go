// message_bus_test.go: tests for topic routing, priorities, and requests
//
// Copyright (c) 2025 PlugKit contributors
// SPDX-License-Identifier: MPL-2.0

package plugincore

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agilira/go-timecache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStartedBus(t *testing.T) *MessageBus {
	t.Helper()
	bus := NewMessageBus(MessageBusConfig{}, NewTestLogger())
	require.NoError(t, bus.Start())
	t.Cleanup(func() { _ = bus.Stop() })
	return bus
}

// recorder collects delivered messages across goroutines.
type recorder struct {
	mu       sync.Mutex
	messages []*Message
}

func (r *recorder) handler(msg *Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

func (r *recorder) topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.messages))
	for i, msg := range r.messages {
		out[i] = msg.Topic
	}
	return out
}

func TestTopicMatching(t *testing.T) {
	tests := []struct {
		pattern string
		topic   string
		matches bool
	}{
		{"orders.created", "orders.created", true},
		{"orders.created", "orders.updated", false},
		{"orders.*", "orders.created", true},
		{"orders.*", "orders.updated", true},
		{"orders.*", "billing.created", false},
		{"*", "anything.at.all", true},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.topic, func(t *testing.T) {
			assert.Equal(t, tt.matches, topicMatches(tt.pattern, tt.topic))
		})
	}
}

func TestSend_WildcardDelivery(t *testing.T) {
	bus := newStartedBus(t)

	orders := &recorder{}
	exact := &recorder{}
	_, err := bus.RegisterHandler("p1", "orders.*", orders.handler, "", PriorityAny)
	require.NoError(t, err)
	_, err = bus.RegisterHandler("p2", "orders.created", exact.handler, "", PriorityAny)
	require.NoError(t, err)

	require.NoError(t, bus.Send(NewMessage(MessageTypeEvent, "orders.created", "tester", nil)))
	require.NoError(t, bus.Send(NewMessage(MessageTypeEvent, "orders.updated", "tester", nil)))
	require.NoError(t, bus.Send(NewMessage(MessageTypeEvent, "billing.created", "tester", nil)))

	assert.Eventually(t, func() bool { return orders.count() == 2 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return exact.count() == 1 }, time.Second, 5*time.Millisecond)

	assert.ElementsMatch(t, []string{"orders.created", "orders.updated"}, orders.topics())
	assert.Equal(t, []string{"orders.created"}, exact.topics())
}

func TestSend_Validation(t *testing.T) {
	bus := newStartedBus(t)

	err := bus.Send(&Message{ID: "1", Sender: "x"})
	assert.Error(t, err) // no topic

	err = bus.Send(&Message{ID: "2", Topic: "t"})
	assert.Error(t, err) // no sender

	assert.Error(t, bus.Send(nil))
}

func TestSend_NotRunning(t *testing.T) {
	bus := NewMessageBus(MessageBusConfig{}, NewTestLogger())
	err := bus.Send(NewMessage(MessageTypeEvent, "t", "s", nil))
	assert.Error(t, err)
}

func TestSend_ExpiredMessageNeverDelivered(t *testing.T) {
	bus := newStartedBus(t)

	rec := &recorder{}
	_, err := bus.RegisterHandler("p", "t", rec.handler, "", PriorityAny)
	require.NoError(t, err)

	msg := NewMessage(MessageTypeEvent, "t", "s", nil)
	msg.ExpiresAt = timecache.CachedTime().Add(-time.Second)
	assert.Error(t, bus.Send(msg))

	// A live message on the same topic still flows.
	require.NoError(t, bus.Send(NewMessage(MessageTypeEvent, "t", "s", nil)))
	assert.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(1), bus.Stats().Expired)
}

func TestSend_PriorityFilter(t *testing.T) {
	bus := newStartedBus(t)

	rec := &recorder{}
	_, err := bus.RegisterHandler("p", "sys.*", rec.handler, "", PriorityHigh)
	require.NoError(t, err)

	critical := NewMessage(MessageTypeEvent, "sys.alert", "s", nil)
	critical.Priority = PriorityCritical
	require.NoError(t, bus.Send(critical))

	low := NewMessage(MessageTypeEvent, "sys.alert", "s", nil)
	low.Priority = PriorityLow
	require.NoError(t, bus.Send(low))

	assert.Eventually(t, func() bool { return bus.Stats().Delivered >= 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, rec.count())
	assert.Equal(t, PriorityCritical, rec.messages[0].Priority)
}

func TestSend_TypeFilter(t *testing.T) {
	bus := newStartedBus(t)

	rec := &recorder{}
	_, err := bus.RegisterHandler("p", "t", rec.handler, MessageTypeCommand, PriorityAny)
	require.NoError(t, err)

	require.NoError(t, bus.Send(NewMessage(MessageTypeEvent, "t", "s", nil)))
	require.NoError(t, bus.Send(NewMessage(MessageTypeCommand, "t", "s", nil)))

	assert.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, MessageTypeCommand, rec.messages[0].Type)
}

func TestSend_RecipientFilter(t *testing.T) {
	bus := newStartedBus(t)

	target := &recorder{}
	other := &recorder{}
	_, err := bus.RegisterHandler("target", "t", target.handler, "", PriorityAny)
	require.NoError(t, err)
	_, err = bus.RegisterHandler("other", "t", other.handler, "", PriorityAny)
	require.NoError(t, err)

	msg := NewMessage(MessageTypeEvent, "t", "s", nil)
	msg.Recipient = "target"
	require.NoError(t, bus.Send(msg))

	assert.Eventually(t, func() bool { return target.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, other.count())
}

func TestSend_HandlerErrorIsolation(t *testing.T) {
	bus := newStartedBus(t)

	var failing atomic.Int64
	rec := &recorder{}
	_, err := bus.RegisterHandler("bad", "t", func(*Message) error {
		failing.Add(1)
		panic("handler exploded")
	}, "", PriorityCritical) // sorts first
	require.NoError(t, err)
	_, err = bus.RegisterHandler("good", "t", rec.handler, "", PriorityAny)
	require.NoError(t, err)

	msg := NewMessage(MessageTypeEvent, "t", "s", nil)
	msg.Priority = PriorityCritical
	msg.DeliveryMode = DeliveryAtLeastOnce
	require.NoError(t, bus.Send(msg))

	// The panicking handler never blocks the healthy one.
	assert.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), failing.Load())

	stats := bus.Stats()
	assert.Equal(t, uint64(1), stats.Failed)
	assert.Equal(t, uint64(1), stats.Delivered)

	record := bus.Tracker().Record(msg.ID)
	require.NotNil(t, record)
	assert.Equal(t, DeliveryFailed, record.Recipients["bad"])
	assert.Equal(t, DeliveryDelivered, record.Recipients["good"])
	assert.False(t, record.FullyDelivered())
}

func TestSend_DeliveryTracking(t *testing.T) {
	bus := newStartedBus(t)

	rec := &recorder{}
	_, err := bus.RegisterHandler("p", "t", rec.handler, "", PriorityAny)
	require.NoError(t, err)

	msg := NewMessage(MessageTypeEvent, "t", "s", nil)
	msg.DeliveryMode = DeliveryAtLeastOnce
	require.NoError(t, bus.Send(msg))

	assert.Eventually(t, func() bool { return bus.Tracker().IsFullyDelivered(msg.ID) },
		time.Second, 5*time.Millisecond)

	// Fire-and-forget traffic is not tracked.
	untracked := NewMessage(MessageTypeEvent, "t", "s", nil)
	require.NoError(t, bus.Send(untracked))
	assert.Eventually(t, func() bool { return rec.count() == 2 }, time.Second, 5*time.Millisecond)
	assert.Nil(t, bus.Tracker().Record(untracked.ID))
}

func TestRequest_RoundTrip(t *testing.T) {
	bus := newStartedBus(t)

	_, err := bus.RegisterHandler("responder", "ping", func(msg *Message) error {
		return bus.Respond(msg, "responder", "pong")
	}, MessageTypeRequest, PriorityAny)
	require.NoError(t, err)

	response, err := bus.Request("ping", "hello", "caller", time.Second)
	require.NoError(t, err)
	require.NotNil(t, response)
	assert.Equal(t, "pong", response.Payload)
	assert.Equal(t, MessageTypeResponse, response.Type)
}

func TestRequest_TimeoutReturnsNoResponse(t *testing.T) {
	bus := newStartedBus(t)

	// A handler that swallows the request so no response ever arrives.
	_, err := bus.RegisterHandler("responder", "ping", func(*Message) error {
		return nil
	}, MessageTypeRequest, PriorityAny)
	require.NoError(t, err)

	start := time.Now()
	response, err := bus.Request("ping", nil, "caller", 300*time.Millisecond)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Nil(t, response)
	assert.GreaterOrEqual(t, elapsed, 250*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
}

func TestRequest_NoHandlerFailsFast(t *testing.T) {
	bus := newStartedBus(t)

	start := time.Now()
	response, err := bus.Request("nowhere", nil, "caller", time.Second)

	require.Error(t, err)
	assert.Nil(t, response)
	assert.Equal(t, ErrCodeHandlerNotFound, errorCode(t, err))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestUnregisterHandler(t *testing.T) {
	bus := newStartedBus(t)

	rec := &recorder{}
	id, err := bus.RegisterHandler("p", "t", rec.handler, "", PriorityAny)
	require.NoError(t, err)

	assert.True(t, bus.UnregisterHandler(id))
	assert.False(t, bus.UnregisterHandler(id))

	require.NoError(t, bus.Send(NewMessage(MessageTypeEvent, "t", "s", nil)))
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, rec.count())
}

func TestUnregisterPlugin_RemovesAllHandlers(t *testing.T) {
	bus := newStartedBus(t)

	rec := &recorder{}
	_, err := bus.RegisterHandler("p", "a", rec.handler, "", PriorityAny)
	require.NoError(t, err)
	_, err = bus.RegisterHandler("p", "b", rec.handler, "", PriorityAny)
	require.NoError(t, err)

	assert.Equal(t, 2, bus.UnregisterPlugin("p"))

	require.NoError(t, bus.Send(NewMessage(MessageTypeEvent, "a", "s", nil)))
	require.NoError(t, bus.Send(NewMessage(MessageTypeEvent, "b", "s", nil)))
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, rec.count())
}

func TestAddFilter_Veto(t *testing.T) {
	bus := newStartedBus(t)
	bus.AddFilter(func(msg *Message) bool {
		return msg.Topic != "blocked"
	})

	assert.Error(t, bus.Send(NewMessage(MessageTypeEvent, "blocked", "s", nil)))
	assert.NoError(t, bus.Send(NewMessage(MessageTypeEvent, "open", "s", nil)))
}

func TestBusLifecycle_Idempotent(t *testing.T) {
	bus := NewMessageBus(MessageBusConfig{}, NewTestLogger())
	require.NoError(t, bus.Start())
	require.NoError(t, bus.Start())
	require.NoError(t, bus.Stop())
	require.NoError(t, bus.Stop())
}
