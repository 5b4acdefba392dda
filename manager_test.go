// manager_test.go: end-to-end tests for the plugin lifecycle
//
// Copyright (c) 2025 PlugKit contributors
// SPDX-License-Identifier: MPL-2.0

package plugincore

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePlugin counts lifecycle invocations.
type fakePlugin struct {
	mu          sync.Mutex
	initialized int
	activated   int
	deactivated int
	cleaned     int
	manager     *PluginManager

	initErr     error
	activateErr error
}

func (p *fakePlugin) Initialize(m *PluginManager) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.initialized++
	p.manager = m
	return p.initErr
}

func (p *fakePlugin) Activate() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activated++
	return p.activateErr
}

func (p *fakePlugin) Deactivate() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deactivated++
	return nil
}

func (p *fakePlugin) Cleanup() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cleaned++
	return nil
}

func (p *fakePlugin) counts() (init, act, deact, clean int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.initialized, p.activated, p.deactivated, p.cleaned
}

// fakeServicePlugin additionally publishes a service.
type fakeServicePlugin struct {
	fakePlugin
	iface *ServiceInterface
}

func (p *fakeServicePlugin) ServiceInterface() *ServiceInterface      { return p.iface }
func (p *fakeServicePlugin) InitializeService(*ServiceRegistry) error { return nil }
func (p *fakeServicePlugin) CleanupService() error                    { return nil }

func newTestManager(t *testing.T, searchPath string) *PluginManager {
	t.Helper()
	m := NewPluginManager(ManagerConfig{SearchPaths: []string{searchPath}}, NewTestLogger())
	require.NoError(t, m.Initialize())
	t.Cleanup(func() { _ = m.Stop() })
	return m
}

func TestLoadAndActivate_ServiceProvider(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, filepath.Join(root, "weather"), "plugin.json",
		`{"id": "weather", "version": "1.0.0"}`)

	m := newTestManager(t, root)
	plugin := &fakeServicePlugin{iface: &ServiceInterface{
		Name: "weather_service", Version: "1.0.0", ProviderID: "weather",
		Methods: map[string]*ServiceMethod{
			"current": {Name: "current", Handler: func(map[string]any) (any, error) { return 21, nil }},
		},
	}}
	m.RegisterFactory("weather", func() (Plugin, error) { return plugin, nil })

	loaded, failed := m.LoadPlugins()
	require.Empty(t, failed)
	require.Equal(t, []string{"weather"}, loaded)
	assert.Equal(t, StateLoaded, m.State("weather"))

	result := m.ValidationResultFor("weather")
	require.NotNil(t, result)
	assert.True(t, result.Valid)
	assert.Equal(t, CompatibilityFull, result.Level)

	require.NoError(t, m.ActivatePlugin("weather"))
	assert.Equal(t, StateActive, m.State("weather"))
	assert.Equal(t, []string{"weather"}, m.ActivePlugins())

	// The plugin's service is now discoverable and callable.
	services := m.Registry().DiscoverServices("")
	require.Len(t, services, 1)
	assert.Equal(t, "weather_service", services[0].Name)

	value, err := m.Registry().CallServiceMethod("weather_service", "current", nil)
	require.NoError(t, err)
	assert.Equal(t, 21, value)
}

func TestActivatePlugin_Idempotent(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, filepath.Join(root, "weather"), "plugin.json",
		`{"id": "weather", "version": "1.0.0"}`)

	m := newTestManager(t, root)
	plugin := &fakePlugin{}
	m.RegisterFactory("weather", func() (Plugin, error) { return plugin, nil })

	_, failed := m.LoadPlugins()
	require.Empty(t, failed)

	require.NoError(t, m.ActivatePlugin("weather"))
	require.NoError(t, m.ActivatePlugin("weather"))

	_, activated, _, _ := plugin.counts()
	assert.Equal(t, 1, activated)

	// Deactivation is idempotent the same way.
	require.NoError(t, m.DeactivatePlugin("weather"))
	require.NoError(t, m.DeactivatePlugin("weather"))
	_, _, deactivated, _ := plugin.counts()
	assert.Equal(t, 1, deactivated)
}

func TestLoadPluginsOrdered_DependencyChain(t *testing.T) {
	root := t.TempDir()
	// Discovery order alone would load dashboard first and fail it.
	writeManifest(t, filepath.Join(root, "a-dashboard"), "plugin.json",
		`{"id": "dashboard", "version": "1.0.0", "dependencies": [{"name": "weather", "version": "^1.0.0"}]}`)
	writeManifest(t, filepath.Join(root, "b-weather"), "plugin.json",
		`{"id": "weather", "version": "1.0.0"}`)

	m := newTestManager(t, root)
	m.RegisterFactory("weather", func() (Plugin, error) { return &fakePlugin{}, nil })
	m.RegisterFactory("dashboard", func() (Plugin, error) { return &fakePlugin{}, nil })

	loaded, failed := m.LoadPluginsOrdered()
	require.Empty(t, failed)
	assert.Equal(t, []string{"weather", "dashboard"}, loaded)
}

func TestLoadPlugins_VersionConflictBlocksLoad(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, filepath.Join(root, "a-weather"), "plugin.json",
		`{"id": "weather", "version": "0.9.0"}`)
	writeManifest(t, filepath.Join(root, "b-dashboard"), "plugin.json",
		`{"id": "dashboard", "version": "1.0.0", "dependencies": [{"name": "weather", "version": "^1.0.0"}]}`)

	m := newTestManager(t, root)
	m.RegisterFactory("weather", func() (Plugin, error) { return &fakePlugin{}, nil })
	m.RegisterFactory("dashboard", func() (Plugin, error) { return &fakePlugin{}, nil })

	var codes []string
	m.SubscribeErrors(func(e PluginError) { codes = append(codes, errorCode(t, e.Err)) })

	loaded, failed := m.LoadPlugins()
	assert.Equal(t, []string{"weather"}, loaded)
	require.Contains(t, failed, "dashboard")
	assert.Equal(t, StateFailed, m.State("dashboard"))

	result := m.ValidationResultFor("dashboard")
	require.NotNil(t, result)
	require.Len(t, result.VersionConflicts, 1)
	assert.Equal(t, "0.9.0", result.VersionConflicts[0].Available)

	// Observers see one granular conflict error plus the final verdict.
	assert.Equal(t, []string{ErrCodeVersionConflict, ErrCodeIncompatiblePlugin}, codes)
}

func TestLoadPlugins_CircularDependencyBlocksBoth(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, filepath.Join(root, "a"), "plugin.json",
		`{"id": "a", "version": "1.0.0", "dependencies": ["b"]}`)
	writeManifest(t, filepath.Join(root, "b"), "plugin.json",
		`{"id": "b", "version": "1.0.0", "dependencies": ["a"]}`)

	m := newTestManager(t, root)
	m.RegisterFactory("a", func() (Plugin, error) { return &fakePlugin{}, nil })
	m.RegisterFactory("b", func() (Plugin, error) { return &fakePlugin{}, nil })

	loaded, failed := m.LoadPlugins()
	assert.Empty(t, loaded)
	assert.Len(t, failed, 2)
}

func TestLoadPlugins_MissingFactory(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, filepath.Join(root, "weather"), "plugin.json",
		`{"id": "weather", "version": "1.0.0"}`)

	m := newTestManager(t, root)
	loaded, failed := m.LoadPlugins()
	assert.Empty(t, loaded)
	require.Contains(t, failed, "weather")
	assert.Equal(t, ErrCodeFactoryNotRegistered, errorCode(t, failed["weather"]))
}

func TestLoadPlugins_InitializeFailureIsolated(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, filepath.Join(root, "a-bad"), "plugin.json",
		`{"id": "bad", "version": "1.0.0"}`)
	writeManifest(t, filepath.Join(root, "b-good"), "plugin.json",
		`{"id": "good", "version": "1.0.0"}`)

	m := newTestManager(t, root)
	m.RegisterFactory("bad", func() (Plugin, error) {
		return &fakePlugin{initErr: errors.New("init boom")}, nil
	})
	m.RegisterFactory("good", func() (Plugin, error) { return &fakePlugin{}, nil })

	var lifecycleErrors []PluginError
	m.SubscribeErrors(func(e PluginError) { lifecycleErrors = append(lifecycleErrors, e) })

	loaded, failed := m.LoadPlugins()
	assert.Equal(t, []string{"good"}, loaded)
	assert.Contains(t, failed, "bad")

	require.Len(t, lifecycleErrors, 1)
	assert.Equal(t, "bad", lifecycleErrors[0].PluginID)
	assert.Equal(t, "initialize", lifecycleErrors[0].Stage)
}

func TestLoadPlugins_FactoryPanicIsolated(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, filepath.Join(root, "a-bad"), "plugin.json",
		`{"id": "bad", "version": "1.0.0"}`)
	writeManifest(t, filepath.Join(root, "b-good"), "plugin.json",
		`{"id": "good", "version": "1.0.0"}`)

	m := newTestManager(t, root)
	m.RegisterFactory("bad", func() (Plugin, error) { panic("factory exploded") })
	m.RegisterFactory("good", func() (Plugin, error) { return &fakePlugin{}, nil })

	loaded, failed := m.LoadPlugins()
	assert.Equal(t, []string{"good"}, loaded)
	require.Contains(t, failed, "bad")
	assert.Equal(t, ErrCodePluginInitFailed, errorCode(t, failed["bad"]))
	assert.Equal(t, StateFailed, m.State("bad"))
}

func TestLoadPlugin_DuplicateRejected(t *testing.T) {
	root := t.TempDir()
	path := writeManifest(t, filepath.Join(root, "weather"), "plugin.json",
		`{"id": "weather", "version": "1.0.0"}`)

	m := newTestManager(t, root)
	m.RegisterFactory("weather", func() (Plugin, error) { return &fakePlugin{}, nil })

	require.NoError(t, m.LoadPlugin(path))
	err := m.LoadPlugin(path)
	require.Error(t, err)
	assert.Equal(t, ErrCodeDuplicatePlugin, errorCode(t, err))

	// Unloading frees the id for a fresh load.
	require.NoError(t, m.UnloadPlugin("weather"))
	require.NoError(t, m.LoadPlugin(path))
}

func TestUnloadPlugin_RemovesAllCallbacks(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, filepath.Join(root, "listener"), "plugin.json",
		`{"id": "listener", "version": "1.0.0"}`)

	m := newTestManager(t, root)
	plugin := &fakePlugin{}
	m.RegisterFactory("listener", func() (Plugin, error) { return plugin, nil })

	_, failed := m.LoadPlugins()
	require.Empty(t, failed)

	rec := &recorder{}
	events := &eventRecorder{}
	_, err := m.MessageBus().RegisterHandler("listener", "schedule.*", rec.handler, "", PriorityAny)
	require.NoError(t, err)
	_, err = m.CommunicationBus().Subscribe("listener", EventTypeScheduleUpdated, events.callback, nil)
	require.NoError(t, err)

	require.NoError(t, m.UnloadPlugin("listener"))
	assert.Equal(t, StateUnknown, m.State("listener"))
	assert.Empty(t, m.LoadedPlugins())

	_, _, _, cleaned := plugin.counts()
	assert.Equal(t, 1, cleaned)

	// Traffic on its former topics never reaches the unloaded plugin.
	require.NoError(t, m.MessageBus().Send(NewMessage(MessageTypeEvent, "schedule.updated", "system", nil)))
	m.CommunicationBus().PublishSystemEvent(EventTypeScheduleUpdated, nil, nil)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, rec.count())
	assert.Equal(t, 0, events.count())
}

func TestDeactivatePlugin_UnregistersService(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, filepath.Join(root, "weather"), "plugin.json",
		`{"id": "weather", "version": "1.0.0"}`)

	m := newTestManager(t, root)
	plugin := &fakeServicePlugin{iface: &ServiceInterface{
		Name: "weather_service", Version: "1.0.0", ProviderID: "weather",
	}}
	m.RegisterFactory("weather", func() (Plugin, error) { return plugin, nil })

	_, failed := m.LoadPlugins()
	require.Empty(t, failed)
	require.NoError(t, m.ActivatePlugin("weather"))
	require.NotNil(t, m.Registry().GetService("weather_service"))

	require.NoError(t, m.DeactivatePlugin("weather"))
	assert.Nil(t, m.Registry().GetService("weather_service"))
	assert.Equal(t, StateInactive, m.State("weather"))

	// Reactivation republishes the service.
	require.NoError(t, m.ActivatePlugin("weather"))
	assert.NotNil(t, m.Registry().GetService("weather_service"))
}

func TestUnloadAllPlugins_ReverseOrder(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, filepath.Join(root, "a"), "plugin.json", `{"id": "a", "version": "1.0.0"}`)
	writeManifest(t, filepath.Join(root, "b"), "plugin.json", `{"id": "b", "version": "1.0.0"}`)

	m := newTestManager(t, root)

	var order []string
	var orderMu sync.Mutex
	m.RegisterFactory("a", func() (Plugin, error) { return &fakePlugin{}, nil })
	m.RegisterFactory("b", func() (Plugin, error) { return &fakePlugin{}, nil })

	loaded, failed := m.LoadPlugins()
	require.Empty(t, failed)
	require.Equal(t, []string{"a", "b"}, loaded)

	_, err := m.CommunicationBus().Subscribe("observer", EventTypePluginUnloaded, func(e *CommunicationEvent) {
		orderMu.Lock()
		defer orderMu.Unlock()
		payload := e.Payload.(map[string]any)
		order = append(order, payload["plugin_id"].(string))
	}, nil)
	require.NoError(t, err)

	m.UnloadAllPlugins()

	orderMu.Lock()
	defer orderMu.Unlock()
	assert.Equal(t, []string{"b", "a"}, order)
	assert.Empty(t, m.LoadedPlugins())
}

func TestManager_PluginLoadedEvent(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, filepath.Join(root, "weather"), "plugin.json",
		`{"id": "weather", "version": "1.0.0"}`)

	m := newTestManager(t, root)
	m.RegisterFactory("weather", func() (Plugin, error) { return &fakePlugin{}, nil })

	events := &eventRecorder{}
	_, err := m.CommunicationBus().Subscribe("observer", EventTypePluginLoaded, events.callback, nil)
	require.NoError(t, err)

	_, failed := m.LoadPlugins()
	require.Empty(t, failed)

	require.Equal(t, 1, events.count())
	payload := events.events[0].Payload.(map[string]any)
	assert.Equal(t, "weather", payload["plugin_id"])
	assert.Equal(t, "1.0.0", payload["version"])
}

func TestManager_UnknownPluginOperations(t *testing.T) {
	m := newTestManager(t, t.TempDir())

	assert.Error(t, m.ActivatePlugin("ghost"))
	assert.Error(t, m.DeactivatePlugin("ghost"))
	assert.Error(t, m.UnloadPlugin("ghost"))
	assert.Nil(t, m.Plugin("ghost"))
	assert.Nil(t, m.Metadata("ghost"))
	assert.Equal(t, StateUnknown, m.State("ghost"))
}

func TestManager_PluginTalksThroughBuses(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, filepath.Join(root, "responder"), "plugin.json",
		`{"id": "responder", "version": "1.0.0"}`)

	m := newTestManager(t, root)
	plugin := &fakePlugin{}
	m.RegisterFactory("responder", func() (Plugin, error) { return plugin, nil })
	_, failed := m.LoadPlugins()
	require.Empty(t, failed)

	// A plugin wires a request handler through the manager it received.
	bus := plugin.manager.MessageBus()
	_, err := bus.RegisterHandler("responder", "ping", func(msg *Message) error {
		return bus.Respond(msg, "responder", "pong")
	}, MessageTypeRequest, PriorityAny)
	require.NoError(t, err)

	response, err := bus.Request("ping", nil, "caller", time.Second)
	require.NoError(t, err)
	require.NotNil(t, response)
	assert.Equal(t, "pong", response.Payload)
}
