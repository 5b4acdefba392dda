// config_store.go: configuration access with change notifications
//
// Copyright (c) 2025 PlugKit contributors
// SPDX-License-Identifier: MPL-2.0

package plugincore

import (
	"encoding/json"
	"os"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/agilira/argus"
	"gopkg.in/yaml.v3"
)

// ConfigChange describes one changed configuration section. Values holds
// the section's new key-value pairs.
type ConfigChange struct {
	Section string
	Values  map[string]any
}

// ConfigStore is the configuration surface the plugin system consumes.
// Keys are dotted paths ("plugins.weather.units"); the section is the
// prefix before the first dot. Subscribe returns an unsubscribe function.
type ConfigStore interface {
	// GetConfig returns the value under key, or def when absent.
	GetConfig(key string, def any) any

	// SetConfig stores a value under key and notifies subscribers.
	SetConfig(key string, value any) error

	// Subscribe registers a change observer and returns an unsubscribe
	// function.
	Subscribe(fn func(ConfigChange)) func()
}

// configSection extracts the section prefix of a dotted key.
func configSection(key string) string {
	if i := strings.IndexByte(key, '.'); i >= 0 {
		return key[:i]
	}
	return key
}

// MemoryConfigStore is an in-process ConfigStore, the default when no
// external store is wired in.
type MemoryConfigStore struct {
	mu        sync.RWMutex
	values    map[string]any
	observers map[uint64]func(ConfigChange)
	nextObsID uint64
	logger    Logger
}

// NewMemoryConfigStore creates an empty in-memory store.
func NewMemoryConfigStore(logger Logger) *MemoryConfigStore {
	return &MemoryConfigStore{
		values:    make(map[string]any),
		observers: make(map[uint64]func(ConfigChange)),
		logger:    NewLogger(logger),
	}
}

// GetConfig implements ConfigStore.
func (s *MemoryConfigStore) GetConfig(key string, def any) any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if value, ok := s.values[key]; ok {
		return value
	}
	return def
}

// SetConfig implements ConfigStore.
func (s *MemoryConfigStore) SetConfig(key string, value any) error {
	section := configSection(key)

	s.mu.Lock()
	s.values[key] = value
	sectionValues := s.sectionValuesLocked(section)
	observers := s.observersLocked()
	s.mu.Unlock()

	change := ConfigChange{Section: section, Values: sectionValues}
	for _, fn := range observers {
		fn := fn
		safeInvoke(s.logger, func() { fn(change) })
	}
	return nil
}

// Subscribe implements ConfigStore.
func (s *MemoryConfigStore) Subscribe(fn func(ConfigChange)) func() {
	s.mu.Lock()
	id := s.nextObsID
	s.nextObsID++
	s.observers[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
	}
}

func (s *MemoryConfigStore) sectionValuesLocked(section string) map[string]any {
	values := make(map[string]any)
	prefix := section + "."
	for key, value := range s.values {
		if key == section || strings.HasPrefix(key, prefix) {
			values[key] = value
		}
	}
	return values
}

func (s *MemoryConfigStore) observersLocked() []func(ConfigChange) {
	observers := make([]func(ConfigChange), 0, len(s.observers))
	for _, fn := range s.observers {
		observers = append(observers, fn)
	}
	return observers
}

// FileConfigStoreOptions tunes the file-backed store.
type FileConfigStoreOptions struct {
	// PollInterval for the file watcher (default 500ms)
	PollInterval time.Duration
}

// FileConfigStore is a ConfigStore backed by a JSON or YAML file, watched
// for external edits with Argus. Nested documents are flattened into
// dotted keys; a detected change notifies subscribers per changed section.
// SetConfig updates the in-memory view only, it does not write the file
// back.
type FileConfigStore struct {
	*MemoryConfigStore

	path    string
	watcher *argus.Watcher
	logger  Logger
}

// NewFileConfigStore loads the file and starts watching it for changes.
func NewFileConfigStore(path string, options FileConfigStoreOptions, logger Logger) (*FileConfigStore, error) {
	logger = NewLogger(logger)
	store := &FileConfigStore{
		MemoryConfigStore: NewMemoryConfigStore(logger),
		path:              path,
		logger:            logger,
	}

	if err := store.reload(); err != nil {
		return nil, err
	}

	pollInterval := options.PollInterval
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	watcher := argus.New(argus.Config{
		PollInterval:         pollInterval,
		OptimizationStrategy: argus.OptimizationSingleEvent,
		ErrorHandler: func(err error, filepath string) {
			logger.Warn("Config watcher error", "path", filepath, "error", err)
		},
	})
	if err := watcher.Watch(path, func(event argus.ChangeEvent) {
		store.onFileChange(event)
	}); err != nil {
		return nil, NewConfigWatcherError(path, err)
	}
	if err := watcher.Start(); err != nil {
		return nil, NewConfigWatcherError(path, err)
	}
	store.watcher = watcher
	return store, nil
}

// Close stops the file watcher.
func (s *FileConfigStore) Close() error {
	if s.watcher != nil {
		return s.watcher.Stop()
	}
	return nil
}

// reload parses the file and replaces the in-memory view.
func (s *FileConfigStore) reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return NewConfigNotFoundError(s.path)
	}

	var document map[string]any
	switch argus.DetectFormat(s.path) {
	case argus.FormatJSON:
		err = json.Unmarshal(data, &document)
	case argus.FormatYAML:
		err = yaml.Unmarshal(data, &document)
	default:
		// Unknown extension: JSON first, then YAML, like manifests.
		if err = json.Unmarshal(data, &document); err != nil {
			err = yaml.Unmarshal(data, &document)
		}
	}
	if err != nil {
		return NewConfigParseError(s.path, err)
	}

	flat := make(map[string]any)
	flattenConfig("", document, flat)

	s.mu.Lock()
	old := s.values
	s.values = flat
	s.mu.Unlock()

	s.notifyChangedSections(old, flat)
	return nil
}

// onFileChange reloads the file after an external edit.
func (s *FileConfigStore) onFileChange(event argus.ChangeEvent) {
	if event.IsDelete {
		s.logger.Warn("Config file removed", "path", s.path)
		return
	}
	if err := s.reload(); err != nil {
		s.logger.Warn("Config reload failed", "path", s.path, "error", err)
	}
}

// notifyChangedSections diffs two flattened views and emits one change per
// section whose keys differ.
func (s *FileConfigStore) notifyChangedSections(old, current map[string]any) {
	changed := make(map[string]struct{})
	for key, value := range current {
		if prev, ok := old[key]; !ok || !reflect.DeepEqual(prev, value) {
			changed[configSection(key)] = struct{}{}
		}
	}
	for key := range old {
		if _, ok := current[key]; !ok {
			changed[configSection(key)] = struct{}{}
		}
	}
	if len(changed) == 0 {
		return
	}

	s.mu.RLock()
	observers := s.observersLocked()
	s.mu.RUnlock()

	for section := range changed {
		s.mu.RLock()
		values := s.sectionValuesLocked(section)
		s.mu.RUnlock()
		change := ConfigChange{Section: section, Values: values}
		for _, fn := range observers {
			fn := fn
			safeInvoke(s.logger, func() { fn(change) })
		}
	}
}

// flattenConfig turns nested maps into dotted keys.
func flattenConfig(prefix string, node map[string]any, out map[string]any) {
	for key, value := range node {
		full := key
		if prefix != "" {
			full = prefix + "." + key
		}
		if nested, ok := value.(map[string]any); ok {
			flattenConfig(full, nested, out)
			continue
		}
		out[full] = value
	}
}
