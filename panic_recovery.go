// panic_recovery.go: panic isolation for plugin-supplied callbacks
//
// Copyright (c) 2025 PlugKit contributors
// SPDX-License-Identifier: MPL-2.0

package plugincore

import (
	"fmt"
	"runtime"
)

// withStackRecover returns a panic recovery function that logs panic details
// including the full stack trace. Every plugin-supplied callback in this
// library runs under it, so one misbehaving plugin cannot take down the host.
//
// The returned function must be called with defer:
//
//	go func() {
//	    defer withStackRecover(logger)()
//	    handler(msg)
//	}()
func withStackRecover(logger Logger) func() {
	return func() {
		if r := recover(); r != nil {
			buf := make([]byte, 64<<10)
			n := runtime.Stack(buf, false)

			logger.Error("Panic recovered in plugin callback",
				"panic", r,
				"stack", string(buf[:n]))
		}
	}
}

// SafeGo executes a function in a new goroutine with automatic panic
// recovery, reducing boilerplate around asynchronous callback dispatch.
func SafeGo(logger Logger, fn func()) {
	go func() {
		defer withStackRecover(logger)()
		fn()
	}()
}

// safeInvoke runs fn synchronously with panic recovery and converts a panic
// into an error-shaped log entry. It reports whether fn completed without
// panicking.
func safeInvoke(logger Logger, fn func()) (completed bool) {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 64<<10)
			n := runtime.Stack(buf, false)
			logger.Error("Panic recovered in plugin callback",
				"panic", r,
				"stack", string(buf[:n]))
		}
	}()
	fn()
	return true
}

// safeCall runs a plugin-supplied function that returns an error, with
// panic recovery. A panic is logged with its stack and surfaced to the
// caller as an error labelled with the call site.
func safeCall(logger Logger, label string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 64<<10)
			n := runtime.Stack(buf, false)
			logger.Error("Panic recovered in plugin callback",
				"source", label,
				"panic", r,
				"stack", string(buf[:n]))
			err = fmt.Errorf("%s panicked: %v", label, r)
		}
	}()
	return fn()
}
