// bundle.go: Plugin bundles, descriptors and per-bundle isolation contexts
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"archive/zip"
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// ManifestFiles are the descriptor names looked up at the bundle root, in order.
var ManifestFiles = []string{"plugin.yaml", "plugin.yml", "plugin.json"}

// BundleManifest is the descriptor shipped at the root of a bundle.
//
// Provides lists the module names the bundle implements. Without Library each
// name must match a provider registered with Registry.RegisterProvider. With
// Library, the named Go plugin is extracted and Symbol (default "NewModule")
// is resolved to a func() Module.
type BundleManifest struct {
	Provides    []string `json:"provides" yaml:"provides"`
	Library     string   `json:"library,omitempty" yaml:"library,omitempty"`
	Symbol      string   `json:"symbol,omitempty" yaml:"symbol,omitempty"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`

	// LibraryPath is set by the loader to the extracted library location.
	LibraryPath string `json:"-" yaml:"-"`
}

// DefaultNativeSymbol is the symbol looked up when a manifest names a library without a symbol.
const DefaultNativeSymbol = "NewModule"

// ParseManifest decodes a descriptor (JSON first, then YAML) and validates it.
func ParseManifest(origin string, data []byte) (*BundleManifest, error) {
	var manifest BundleManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		if err := yaml.Unmarshal(data, &manifest); err != nil {
			return nil, NewManifestError(origin, "failed to parse descriptor as JSON or YAML", err)
		}
	}
	if err := validateManifest(origin, &manifest); err != nil {
		return nil, err
	}
	if manifest.Library != "" && manifest.Symbol == "" {
		manifest.Symbol = DefaultNativeSymbol
	}
	return &manifest, nil
}

func validateManifest(origin string, manifest *BundleManifest) error {
	if len(manifest.Provides) == 0 {
		return NewManifestError(origin, "provides must list at least one module", nil)
	}
	for _, name := range manifest.Provides {
		if err := validateModuleName(name); err != nil {
			return NewManifestError(origin, "invalid module name "+name, err)
		}
	}
	if manifest.Library != "" {
		if strings.Contains(manifest.Library, "..") || path.IsAbs(manifest.Library) {
			return NewManifestError(origin, "library must be a relative path inside the bundle", nil)
		}
	}
	return nil
}

// validateModuleName rejects names unusable as a data directory component.
func validateModuleName(name string) error {
	if strings.TrimSpace(name) == "" {
		return stderrors.New("name is empty")
	}
	if strings.Contains(name, "..") || strings.ContainsAny(name, `/\`) {
		return stderrors.New("name contains path characters")
	}
	for _, r := range name {
		if r < 32 || r == 127 {
			return stderrors.New("name contains control characters")
		}
	}
	if strings.ContainsAny(name, "~|&;$`()[]{}<>") {
		return stderrors.New("name contains dangerous characters")
	}
	return nil
}

// IsolationContext owns everything opened on behalf of one bundle: the
// archive handle, extracted native libraries and any other closers a loader
// registers. Release frees them all and is safe to call more than once.
type IsolationContext struct {
	ID        string
	Origin    string
	Hash      string
	Resources fs.FS

	mu       sync.Mutex
	closers  []func() error
	released bool
}

// NewIsolationContext creates an unreleased context.
func NewIsolationContext(origin, hash string, resources fs.FS) *IsolationContext {
	return &IsolationContext{
		ID:        uuid.NewString(),
		Origin:    origin,
		Hash:      hash,
		Resources: resources,
	}
}

// OnRelease registers fn to run on Release. Closers run in reverse order.
func (c *IsolationContext) OnRelease(fn func() error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closers = append(c.closers, fn)
}

// Release runs every registered closer once.
func (c *IsolationContext) Release() error {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return nil
	}
	c.released = true
	closers := c.closers
	c.closers = nil
	c.mu.Unlock()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

// Released reports whether Release has been called.
func (c *IsolationContext) Released() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.released
}

// BundleLoader opens a bundle into an isolation context.
type BundleLoader interface {
	Open(ctx context.Context, bundlePath, hash string) (*IsolationContext, *BundleManifest, error)
}

// ZipLoader opens zip bundles. Native libraries named by the descriptor are
// extracted under TempDir (os.TempDir when empty).
type ZipLoader struct {
	TempDir string
}

// Open implements BundleLoader.
func (l ZipLoader) Open(ctx context.Context, bundlePath, hash string) (*IsolationContext, *BundleManifest, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	reader, err := zip.OpenReader(bundlePath)
	if err != nil {
		return nil, nil, NewBundleOpenError(bundlePath, err)
	}

	isolation := NewIsolationContext(bundlePath, hash, reader)
	isolation.OnRelease(reader.Close)

	manifest, err := readManifest(bundlePath, reader)
	if err != nil {
		_ = isolation.Release()
		return nil, nil, err
	}

	if manifest.Library != "" {
		extracted, err := l.extractLibrary(reader, manifest.Library, isolation.ID)
		if err != nil {
			_ = isolation.Release()
			return nil, nil, NewBundleOpenError(bundlePath, err)
		}
		manifest.LibraryPath = extracted
		isolation.OnRelease(func() error {
			if err := os.RemoveAll(filepath.Dir(extracted)); err != nil && !os.IsNotExist(err) {
				return err
			}
			return nil
		})
	}
	return isolation, manifest, nil
}

func readManifest(origin string, resources fs.FS) (*BundleManifest, error) {
	for _, name := range ManifestFiles {
		data, err := fs.ReadFile(resources, name)
		if err != nil {
			if stderrors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, NewManifestError(origin, "failed to read "+name, err)
		}
		return ParseManifest(origin, data)
	}
	return nil, NewManifestError(origin, "descriptor not found", fs.ErrNotExist)
}

func (l ZipLoader) extractLibrary(reader *zip.ReadCloser, library, id string) (string, error) {
	in, err := reader.Open(path.Clean(library))
	if err != nil {
		return "", err
	}
	defer func() { _ = in.Close() }()

	dir, err := os.MkdirTemp(l.TempDir, "pluginhost-"+id+"-")
	if err != nil {
		return "", err
	}
	target := filepath.Join(dir, path.Base(library))

	out, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o700)
	if err != nil {
		_ = os.RemoveAll(dir)
		return "", err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.RemoveAll(dir)
		return "", err
	}
	if err := out.Close(); err != nil {
		_ = os.RemoveAll(dir)
		return "", err
	}
	return target, nil
}
