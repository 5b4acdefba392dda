// service_registry_test.go: tests for service registration and invocation
//
// Copyright (c) 2025 PlugKit contributors
// SPDX-License-Identifier: MPL-2.0

package plugincore

import (
	"errors"
	"testing"

	goerrors "github.com/agilira/go-errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// errorCode extracts the structured code from a library error.
func errorCode(t *testing.T, err error) string {
	t.Helper()
	var structured *goerrors.Error
	require.ErrorAs(t, err, &structured)
	return string(structured.ErrorCode())
}

// testProvider is a configurable ServiceProvider for registry tests.
type testProvider struct {
	iface       *ServiceInterface
	initErr     error
	initCalls   int
	cleanupDone int
}

func (p *testProvider) ServiceInterface() *ServiceInterface { return p.iface }

func (p *testProvider) InitializeService(*ServiceRegistry) error {
	p.initCalls++
	return p.initErr
}

func (p *testProvider) CleanupService() error {
	p.cleanupDone++
	return nil
}

func newWeatherProvider() *testProvider {
	return &testProvider{
		iface: &ServiceInterface{
			Name:       "weather_service",
			Version:    "1.0.0",
			ProviderID: "weather",
			Category:   "data",
			Methods: map[string]*ServiceMethod{
				"current": {
					Name: "current",
					Params: []ServiceParam{
						{Name: "city", Type: "string", Required: true},
						{Name: "units", Type: "string", Default: "metric"},
					},
					ReturnType: "map",
					Handler: func(args map[string]any) (any, error) {
						return map[string]any{
							"city":  args["city"],
							"units": args["units"],
							"temp":  21,
						}, nil
					},
				},
				"fail": {
					Name: "fail",
					Handler: func(map[string]any) (any, error) {
						return nil, errors.New("sensor offline")
					},
				},
			},
		},
	}
}

func TestRegisterService(t *testing.T) {
	r := NewServiceRegistry(NewTestLogger())
	p := newWeatherProvider()

	require.NoError(t, r.RegisterService(p))
	assert.Equal(t, 1, p.initCalls)
	assert.Equal(t, 1, r.ServiceCount())
	assert.NotNil(t, r.GetService("weather_service"))
}

func TestRegisterService_DuplicateNameKeepsFirst(t *testing.T) {
	r := NewServiceRegistry(NewTestLogger())
	first := newWeatherProvider()
	second := newWeatherProvider()
	second.iface.ProviderID = "other"

	require.NoError(t, r.RegisterService(first))
	err := r.RegisterService(second)
	require.Error(t, err)
	assert.Equal(t, 0, second.initCalls)

	// The first registration stays active.
	assert.Equal(t, "weather", r.GetService("weather_service").ProviderID)

	// Unregister then re-register under the same name succeeds.
	require.NoError(t, r.UnregisterService("weather_service"))
	assert.Equal(t, 1, first.cleanupDone)
	require.NoError(t, r.RegisterService(second))
	assert.Equal(t, "other", r.GetService("weather_service").ProviderID)
}

func TestRegisterService_InvalidInterface(t *testing.T) {
	r := NewServiceRegistry(NewTestLogger())

	tests := []struct {
		name  string
		iface *ServiceInterface
	}{
		{"empty name", &ServiceInterface{Version: "1.0.0", ProviderID: "p"}},
		{"empty version", &ServiceInterface{Name: "s", ProviderID: "p"}},
		{"empty provider", &ServiceInterface{Name: "s", Version: "1.0.0"}},
		{"method without handler", &ServiceInterface{
			Name: "s", Version: "1.0.0", ProviderID: "p",
			Methods: map[string]*ServiceMethod{"m": {Name: "m"}},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.RegisterService(&testProvider{iface: tt.iface})
			assert.Error(t, err)
		})
	}
}

func TestRegisterService_InitHookFailureRollsBack(t *testing.T) {
	r := NewServiceRegistry(NewTestLogger())
	p := newWeatherProvider()
	p.initErr = errors.New("boom")

	assert.Error(t, r.RegisterService(p))
	assert.Equal(t, 0, r.ServiceCount())

	// The name is free again.
	p.initErr = nil
	assert.NoError(t, r.RegisterService(p))
}

func TestDiscoverServices(t *testing.T) {
	r := NewServiceRegistry(NewTestLogger())
	weather := newWeatherProvider()
	require.NoError(t, r.RegisterService(weather))

	notifier := &testProvider{iface: &ServiceInterface{
		Name: "notify_service", Version: "1.0.0", ProviderID: "notify", Category: "notification",
	}}
	require.NoError(t, r.RegisterService(notifier))

	assert.Len(t, r.DiscoverServices(""), 2)

	data := r.DiscoverServices("data")
	require.Len(t, data, 1)
	assert.Equal(t, "weather_service", data[0].Name)

	assert.Empty(t, r.DiscoverServices("storage"))
}

func TestCallServiceMethod(t *testing.T) {
	r := NewServiceRegistry(NewTestLogger())
	require.NoError(t, r.RegisterService(newWeatherProvider()))

	result, err := r.CallServiceMethod("weather_service", "current", map[string]any{"city": "Milan"})
	require.NoError(t, err)

	payload := result.(map[string]any)
	assert.Equal(t, "Milan", payload["city"])
	// Optional parameter filled from its default.
	assert.Equal(t, "metric", payload["units"])

	assert.Equal(t, uint64(1), r.CallCount("weather_service", "current"))
}

func TestCallServiceMethod_UnknownServiceAndMethod(t *testing.T) {
	r := NewServiceRegistry(NewTestLogger())
	require.NoError(t, r.RegisterService(newWeatherProvider()))

	// The two failures carry distinguishable error codes.
	_, err := r.CallServiceMethod("no_such_service", "current", nil)
	require.Error(t, err)
	assert.Equal(t, ErrCodeServiceNotFound, errorCode(t, err))

	_, err = r.CallServiceMethod("weather_service", "no_such_method", nil)
	require.Error(t, err)
	assert.Equal(t, ErrCodeServiceMethodMissing, errorCode(t, err))
}

func TestCallServiceMethod_MissingRequiredParam(t *testing.T) {
	r := NewServiceRegistry(NewTestLogger())
	require.NoError(t, r.RegisterService(newWeatherProvider()))

	_, err := r.CallServiceMethod("weather_service", "current", nil)
	assert.Error(t, err)
}

func TestCallServiceMethod_HandlerError(t *testing.T) {
	r := NewServiceRegistry(NewTestLogger())
	require.NoError(t, r.RegisterService(newWeatherProvider()))

	result, err := r.CallServiceMethod("weather_service", "fail", nil)
	require.Error(t, err)
	assert.Nil(t, result)
}

func TestCallServiceMethod_Reentrant(t *testing.T) {
	r := NewServiceRegistry(NewTestLogger())
	require.NoError(t, r.RegisterService(newWeatherProvider()))

	relay := &testProvider{iface: &ServiceInterface{
		Name: "relay_service", Version: "1.0.0", ProviderID: "relay",
		Methods: map[string]*ServiceMethod{
			"forward": {
				Name: "forward",
				Handler: func(map[string]any) (any, error) {
					// A service method may call another service.
					return r.CallServiceMethod("weather_service", "current", map[string]any{"city": "Rome"})
				},
			},
		},
	}}
	require.NoError(t, r.RegisterService(relay))

	result, err := r.CallServiceMethod("relay_service", "forward", nil)
	require.NoError(t, err)
	assert.Equal(t, "Rome", result.(map[string]any)["city"])
}

func TestUnregisterProvider(t *testing.T) {
	r := NewServiceRegistry(NewTestLogger())
	require.NoError(t, r.RegisterService(newWeatherProvider()))

	assert.Equal(t, 1, r.UnregisterProvider("weather"))
	assert.Equal(t, 0, r.ServiceCount())
	assert.Equal(t, 0, r.UnregisterProvider("weather"))
}

func TestRegistryNotifications(t *testing.T) {
	r := NewServiceRegistry(NewTestLogger())

	var notifications []ServiceNotification
	unsubscribe := r.SubscribeNotifications(func(n ServiceNotification) {
		notifications = append(notifications, n)
	})

	require.NoError(t, r.RegisterService(newWeatherProvider()))
	_, err := r.CallServiceMethod("weather_service", "current", map[string]any{"city": "Oslo"})
	require.NoError(t, err)
	require.NoError(t, r.UnregisterService("weather_service"))

	require.Len(t, notifications, 3)
	assert.Equal(t, "registered", notifications[0].Type)
	assert.Equal(t, "called", notifications[1].Type)
	assert.Equal(t, "current", notifications[1].Method)
	assert.Equal(t, "unregistered", notifications[2].Type)

	unsubscribe()
	require.NoError(t, r.RegisterService(newWeatherProvider()))
	assert.Len(t, notifications, 3)
}
