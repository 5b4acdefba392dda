// base_manager.go: common lifecycle contract and cached config access
//
// Copyright (c) 2025 PlugKit contributors
// SPDX-License-Identifier: MPL-2.0

package plugincore

import (
	"container/list"
	"strings"
	"sync"
	"sync/atomic"
)

// Lifecycle is the contract every manager-like component follows.
// Initialize is idempotent; Start initializes if needed and marks the
// component running; Stop marks it stopped and cleans up.
type Lifecycle interface {
	Initialize() error
	Cleanup() error
	Start() error
	Stop() error
}

// ManagerStats is a snapshot of a manager's counters.
type ManagerStats struct {
	Operations  uint64  `json:"operations"`
	Errors      uint64  `json:"errors"`
	CacheHits   uint64  `json:"cache_hits"`
	CacheMisses uint64  `json:"cache_misses"`
	HitRate     float64 `json:"hit_rate"`
}

// configCacheCapacity bounds the per-manager config cache.
const configCacheCapacity = 100

// ManagerBase carries the shared lifecycle state, statistics, and a
// read-through LRU cache over the external configuration store. It is
// embedded by manager components; callers drive it through Initialize,
// Start, Stop, and Cleanup.
type ManagerBase struct {
	name   string
	logger Logger
	config ConfigStore

	stateMu     sync.Mutex
	initialized bool
	running     bool

	unsubscribeConfig func()

	cacheMu    sync.Mutex
	cache      map[string]*list.Element
	cacheOrder *list.List // front = most recently used

	operations  atomic.Uint64
	errors      atomic.Uint64
	cacheHits   atomic.Uint64
	cacheMisses atomic.Uint64
}

type configCacheEntry struct {
	key   string
	value any
}

// NewManagerBase wires a named manager to a config store. A nil store
// falls back to an empty in-memory store so config access always works.
func NewManagerBase(name string, config ConfigStore, logger Logger) *ManagerBase {
	logger = NewLogger(logger).With("manager", name)
	if config == nil {
		config = NewMemoryConfigStore(logger)
	}
	return &ManagerBase{
		name:       name,
		logger:     logger,
		config:     config,
		cache:      make(map[string]*list.Element),
		cacheOrder: list.New(),
	}
}

// Name returns the manager's name.
func (m *ManagerBase) Name() string { return m.name }

// Logger returns the manager's logger.
func (m *ManagerBase) Logger() Logger { return m.logger }

// ConfigStore returns the wired configuration store.
func (m *ManagerBase) ConfigStore() ConfigStore { return m.config }

// Initialize marks the manager initialized and subscribes to config
// changes so cached entries of a changed section are invalidated.
// Repeated calls are no-ops.
func (m *ManagerBase) Initialize() error {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	if m.initialized {
		return nil
	}
	m.unsubscribeConfig = m.config.Subscribe(func(change ConfigChange) {
		m.invalidateSection(change.Section)
	})
	m.initialized = true
	m.logger.Debug("Manager initialized")
	return nil
}

// Cleanup unsubscribes from config changes and drops the cache. The
// manager may be re-initialized afterwards.
func (m *ManagerBase) Cleanup() error {
	m.stateMu.Lock()
	if m.unsubscribeConfig != nil {
		m.unsubscribeConfig()
		m.unsubscribeConfig = nil
	}
	m.initialized = false
	m.running = false
	m.stateMu.Unlock()

	m.cacheMu.Lock()
	m.cache = make(map[string]*list.Element)
	m.cacheOrder.Init()
	m.cacheMu.Unlock()

	m.logger.Debug("Manager cleaned up")
	return nil
}

// Start initializes if needed and marks the manager running.
func (m *ManagerBase) Start() error {
	if err := m.Initialize(); err != nil {
		return err
	}
	m.stateMu.Lock()
	m.running = true
	m.stateMu.Unlock()
	return nil
}

// Stop marks the manager not running and cleans up.
func (m *ManagerBase) Stop() error {
	m.stateMu.Lock()
	m.running = false
	m.stateMu.Unlock()
	return m.Cleanup()
}

// IsInitialized reports whether Initialize has completed.
func (m *ManagerBase) IsInitialized() bool {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.initialized
}

// IsRunning reports whether the manager is between Start and Stop.
func (m *ManagerBase) IsRunning() bool {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.running
}

// GetConfig reads a value through the LRU cache, falling back to the
// config store on a miss. def is returned when the store has no value.
func (m *ManagerBase) GetConfig(key string, def any) any {
	m.operations.Add(1)

	m.cacheMu.Lock()
	if elem, ok := m.cache[key]; ok {
		m.cacheOrder.MoveToFront(elem)
		value := elem.Value.(*configCacheEntry).value
		m.cacheMu.Unlock()
		m.cacheHits.Add(1)
		return value
	}
	m.cacheMu.Unlock()
	m.cacheMisses.Add(1)

	value := m.config.GetConfig(key, def)

	m.cacheMu.Lock()
	if elem, ok := m.cache[key]; ok {
		m.cacheOrder.MoveToFront(elem)
		elem.Value.(*configCacheEntry).value = value
	} else {
		m.cache[key] = m.cacheOrder.PushFront(&configCacheEntry{key: key, value: value})
		if m.cacheOrder.Len() > configCacheCapacity {
			oldest := m.cacheOrder.Back()
			m.cacheOrder.Remove(oldest)
			delete(m.cache, oldest.Value.(*configCacheEntry).key)
		}
	}
	m.cacheMu.Unlock()
	return value
}

// SetConfig writes through to the store; the cache entry is refreshed by
// the change notification.
func (m *ManagerBase) SetConfig(key string, value any) error {
	m.operations.Add(1)
	if err := m.config.SetConfig(key, value); err != nil {
		m.errors.Add(1)
		return err
	}
	return nil
}

// invalidateSection evicts cached keys belonging to a changed section.
func (m *ManagerBase) invalidateSection(section string) {
	prefix := section + "."
	m.cacheMu.Lock()
	for key, elem := range m.cache {
		if key == section || strings.HasPrefix(key, prefix) {
			m.cacheOrder.Remove(elem)
			delete(m.cache, key)
		}
	}
	m.cacheMu.Unlock()
}

// RecordOperation bumps the operation counter.
func (m *ManagerBase) RecordOperation() { m.operations.Add(1) }

// RecordError bumps the error counter.
func (m *ManagerBase) RecordError() { m.errors.Add(1) }

// Stats returns a snapshot of the manager's counters.
func (m *ManagerBase) Stats() ManagerStats {
	hits := m.cacheHits.Load()
	misses := m.cacheMisses.Load()
	stats := ManagerStats{
		Operations:  m.operations.Load(),
		Errors:      m.errors.Load(),
		CacheHits:   hits,
		CacheMisses: misses,
	}
	if total := hits + misses; total > 0 {
		stats.HitRate = float64(hits) / float64(total)
	}
	return stats
}

// CacheLen returns the number of cached config entries.
func (m *ManagerBase) CacheLen() int {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	return len(m.cache)
}
