// config_store_test.go: tests for file-backed configuration access
//
// Copyright (c) 2025 PlugKit contributors
// SPDX-License-Identifier: MPL-2.0

package plugincore

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlattenConfig(t *testing.T) {
	nested := map[string]any{
		"plugins": map[string]any{
			"weather": map[string]any{"units": "metric"},
			"enabled": true,
		},
		"scale": 1.5,
	}

	flat := make(map[string]any)
	flattenConfig("", nested, flat)

	assert.Equal(t, "metric", flat["plugins.weather.units"])
	assert.Equal(t, true, flat["plugins.enabled"])
	assert.Equal(t, 1.5, flat["scale"])
	assert.Len(t, flat, 3)
}

func TestFileConfigStore_LoadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"plugins": {"weather": {"units": "metric"}},
		"ui": {"scale": 2}
	}`), 0o600))

	store, err := NewFileConfigStore(path, FileConfigStoreOptions{}, NewTestLogger())
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	assert.Equal(t, "metric", store.GetConfig("plugins.weather.units", nil))
	assert.Equal(t, "fallback", store.GetConfig("plugins.missing", "fallback"))
}

func TestFileConfigStore_LoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("plugins:\n  weather:\n    units: imperial\n"), 0o600))

	store, err := NewFileConfigStore(path, FileConfigStoreOptions{}, NewTestLogger())
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	assert.Equal(t, "imperial", store.GetConfig("plugins.weather.units", nil))
}

func TestFileConfigStore_MissingFile(t *testing.T) {
	_, err := NewFileConfigStore(filepath.Join(t.TempDir(), "nope.json"), FileConfigStoreOptions{}, NewTestLogger())
	assert.Error(t, err)
}

func TestFileConfigStore_MalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"broken":`), 0o600))

	_, err := NewFileConfigStore(path, FileConfigStoreOptions{}, NewTestLogger())
	assert.Error(t, err)
}

func TestFileConfigStore_ReloadOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"plugins": {"timeout": 30}}`), 0o600))

	store, err := NewFileConfigStore(path, FileConfigStoreOptions{PollInterval: 20 * time.Millisecond}, NewTestLogger())
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	var mu sync.Mutex
	var sections []string
	store.Subscribe(func(c ConfigChange) {
		mu.Lock()
		sections = append(sections, c.Section)
		mu.Unlock()
	})

	require.NoError(t, os.WriteFile(path, []byte(`{"plugins": {"timeout": 60}}`), 0o600))

	assert.Eventually(t, func() bool {
		v := store.GetConfig("plugins.timeout", nil)
		f, ok := v.(float64)
		return ok && f == 60
	}, 3*time.Second, 25*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, sections, "plugins")
}
