// delivery_tracker.go: per-recipient delivery outcome tracking
//
// Copyright (c) 2025 PlugKit contributors
// SPDX-License-Identifier: MPL-2.0

package plugincore

import (
	"sync"
	"time"

	"github.com/agilira/go-timecache"
)

// DeliveryStatus is the per-recipient outcome of one tracked message.
type DeliveryStatus string

const (
	// DeliveryPending means the recipient has not been dispatched to yet
	DeliveryPending DeliveryStatus = "pending"

	// DeliveryDelivered means the recipient's handler completed
	DeliveryDelivered DeliveryStatus = "delivered"

	// DeliveryFailed means the recipient's handler returned an error or panicked
	DeliveryFailed DeliveryStatus = "failed"
)

// DeliveryRecord tracks the delivery outcomes of one message across its
// recipients.
type DeliveryRecord struct {
	MessageID  string
	Mode       DeliveryMode
	CreatedAt  time.Time
	Recipients map[string]DeliveryStatus
	Failures   map[string]string // recipient -> failure reason
}

// FullyDelivered reports whether every tracked recipient was delivered.
// A record with no recipients is not considered fully delivered.
func (r *DeliveryRecord) FullyDelivered() bool {
	if len(r.Recipients) == 0 {
		return false
	}
	for _, status := range r.Recipients {
		if status != DeliveryDelivered {
			return false
		}
	}
	return true
}

// DeliveryTracker records delivery outcomes for messages whose delivery
// mode is stronger than fire-and-forget. Entries older than a TTL are
// purged by the message bus maintenance sweep.
type DeliveryTracker struct {
	mu      sync.RWMutex
	records map[string]*DeliveryRecord
}

// NewDeliveryTracker creates an empty tracker.
func NewDeliveryTracker() *DeliveryTracker {
	return &DeliveryTracker{
		records: make(map[string]*DeliveryRecord),
	}
}

// Track starts tracking a message for the given recipients. Re-tracking an
// already tracked message adds any new recipients without resetting
// existing outcomes, which is what exactly-once redispatch needs.
func (t *DeliveryTracker) Track(messageID string, mode DeliveryMode, recipients []string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	record, ok := t.records[messageID]
	if !ok {
		record = &DeliveryRecord{
			MessageID:  messageID,
			Mode:       mode,
			CreatedAt:  timecache.CachedTime(),
			Recipients: make(map[string]DeliveryStatus),
			Failures:   make(map[string]string),
		}
		t.records[messageID] = record
	}
	for _, recipient := range recipients {
		if _, exists := record.Recipients[recipient]; !exists {
			record.Recipients[recipient] = DeliveryPending
		}
	}
}

// MarkDelivered records a successful delivery to one recipient.
func (t *DeliveryTracker) MarkDelivered(messageID, recipient string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if record, ok := t.records[messageID]; ok {
		record.Recipients[recipient] = DeliveryDelivered
	}
}

// MarkFailed records a failed delivery to one recipient with a reason.
// Failures never block delivery to other recipients.
func (t *DeliveryTracker) MarkFailed(messageID, recipient, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if record, ok := t.records[messageID]; ok {
		record.Recipients[recipient] = DeliveryFailed
		record.Failures[recipient] = reason
	}
}

// AlreadyDelivered reports whether the recipient already received the
// message, used for exactly-once duplicate suppression.
func (t *DeliveryTracker) AlreadyDelivered(messageID, recipient string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if record, ok := t.records[messageID]; ok {
		return record.Recipients[recipient] == DeliveryDelivered
	}
	return false
}

// IsFullyDelivered reports whether every recipient of a tracked message
// was delivered. Unknown messages report false.
func (t *DeliveryTracker) IsFullyDelivered(messageID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if record, ok := t.records[messageID]; ok {
		return record.FullyDelivered()
	}
	return false
}

// Record returns a copy of the tracked record for a message, or nil.
func (t *DeliveryTracker) Record(messageID string) *DeliveryRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	record, ok := t.records[messageID]
	if !ok {
		return nil
	}
	out := &DeliveryRecord{
		MessageID:  record.MessageID,
		Mode:       record.Mode,
		CreatedAt:  record.CreatedAt,
		Recipients: make(map[string]DeliveryStatus, len(record.Recipients)),
		Failures:   make(map[string]string, len(record.Failures)),
	}
	for k, v := range record.Recipients {
		out.Recipients[k] = v
	}
	for k, v := range record.Failures {
		out.Failures[k] = v
	}
	return out
}

// Purge drops records older than the TTL and returns how many were
// removed.
func (t *DeliveryTracker) Purge(ttl time.Duration) int {
	cutoff := timecache.CachedTime().Add(-ttl)

	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for id, record := range t.records {
		if record.CreatedAt.Before(cutoff) {
			delete(t.records, id)
			removed++
		}
	}
	return removed
}

// Size returns the number of tracked messages.
func (t *DeliveryTracker) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}
