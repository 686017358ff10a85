// native_loader.go: Resolution of modules shipped as Go plugin libraries
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"fmt"
	"plugin"
)

// NativeResolver turns a library and symbol into a module factory.
type NativeResolver interface {
	Resolve(libraryPath, symbol string) (ModuleFactory, error)
}

// GoPluginResolver resolves symbols with the standard plugin package. The
// exported symbol must be a func() Module (or a ModuleFactory).
//
// The Go runtime never unloads a library once opened: releasing the bundle
// removes the extracted file but the code stays mapped until the process exits.
type GoPluginResolver struct{}

// Resolve implements NativeResolver.
func (GoPluginResolver) Resolve(libraryPath, symbol string) (ModuleFactory, error) {
	lib, err := plugin.Open(libraryPath)
	if err != nil {
		return nil, NewNativeLoadError(libraryPath, symbol, err)
	}
	sym, err := lib.Lookup(symbol)
	if err != nil {
		return nil, NewNativeLoadError(libraryPath, symbol, err)
	}
	return factoryFromSymbol(libraryPath, symbol, sym)
}

func factoryFromSymbol(libraryPath, symbol string, sym any) (ModuleFactory, error) {
	switch fn := sym.(type) {
	case func() Module:
		return fn, nil
	case *func() Module:
		return *fn, nil
	case ModuleFactory:
		return fn, nil
	case *ModuleFactory:
		return *fn, nil
	default:
		return nil, NewNativeLoadError(libraryPath, symbol, fmt.Errorf("symbol has type %T, want func() Module", sym))
	}
}
