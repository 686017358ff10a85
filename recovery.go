// recovery.go: Panic recovery around module code and watcher callbacks
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"runtime"
)

// stackBufferSize bounds the captured stack trace.
const stackBufferSize = 64 << 10

func captureStack() string {
	buf := make([]byte, stackBufferSize)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}

// callRecovered runs fn and turns a panic into an ErrCodeHookPanic error.
// The panic value and stack are logged under component.
func callRecovered(logger Logger, component string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Panic recovered", "component", component, "panic", r, "stack", captureStack())
			err = NewHookPanicError(component, r)
		}
	}()
	return fn()
}

// withStackRecover returns a deferred function that logs and swallows a
// panic in a background goroutine.
//
//	go func() {
//	    defer withStackRecover(logger, "bundle-watcher")()
//	    ...
//	}()
func withStackRecover(logger Logger, component string) func() {
	return func() {
		if r := recover(); r != nil {
			logger.Error("Panic recovered in goroutine", "component", component, "panic", r, "stack", captureStack())
		}
	}
}
