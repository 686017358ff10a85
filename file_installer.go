// file_installer.go: Deploys plugin resources into the plugin data directory
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
)

// FileInstallerName is the chain name of the built-in file installer.
const FileInstallerName = "file"

// FileMapping maps a resource inside the plugin bundle to a destination
// relative to the plugin data directory.
type FileMapping struct {
	Source      string
	Destination string
}

// FileInstaller copies declared files and directory trees from a plugin's
// resources into <DataRoot>/plugins/<name>/. Existing destinations are never
// overwritten, so Install and Repair only fill gaps.
type FileInstaller struct {
	mu          sync.RWMutex
	files       []FileMapping
	directories []FileMapping
}

// NewFileInstaller creates an empty file installer.
func NewFileInstaller() *FileInstaller {
	return &FileInstaller{}
}

// Name implements Installer.
func (fi *FileInstaller) Name() string { return FileInstallerName }

// AddFile declares a single file to deploy.
func (fi *FileInstaller) AddFile(source, destination string) {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	fi.files = append(fi.files, FileMapping{Source: source, Destination: destination})
}

// AddDirectory declares a resource directory to deploy recursively.
func (fi *FileInstaller) AddDirectory(source, destination string) {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	fi.directories = append(fi.directories, FileMapping{Source: source, Destination: destination})
}

// Files returns a snapshot of the declared file mappings.
func (fi *FileInstaller) Files() []FileMapping {
	fi.mu.RLock()
	defer fi.mu.RUnlock()
	out := make([]FileMapping, len(fi.files))
	copy(out, fi.files)
	return out
}

// Directories returns a snapshot of the declared directory mappings.
func (fi *FileInstaller) Directories() []FileMapping {
	fi.mu.RLock()
	defer fi.mu.RUnlock()
	out := make([]FileMapping, len(fi.directories))
	copy(out, fi.directories)
	return out
}

// Install deploys every declared resource that is not already present.
func (fi *FileInstaller) Install(ctx context.Context, p *Plugin) error {
	return fi.deploy(ctx, p)
}

// Repair restores declared resources that went missing. It behaves exactly
// like Install; it exists so the chain can run it on every Start.
func (fi *FileInstaller) Repair(ctx context.Context, p *Plugin) error {
	return fi.deploy(ctx, p)
}

// Uninstall removes the declared destinations and then the whole plugin data
// directory.
func (fi *FileInstaller) Uninstall(ctx context.Context, p *Plugin) error {
	for _, mapping := range append(fi.Files(), fi.Directories()...) {
		if err := ctx.Err(); err != nil {
			return err
		}
		destination, err := p.ResolvePath(mapping.Destination)
		if err != nil {
			return err
		}
		if err := os.RemoveAll(destination); err != nil {
			return NewResourceRemovalError(p.Name(), destination, err)
		}
		p.logger.Debug("Removed plugin resource", "plugin", p.Name(), "path", destination)
	}

	dataDir := p.DataDir()
	if err := os.RemoveAll(dataDir); err != nil {
		return NewResourceRemovalError(p.Name(), dataDir, err)
	}
	p.logger.Debug("Removed plugin data directory", "plugin", p.Name(), "path", dataDir)
	return nil
}

func (fi *FileInstaller) deploy(ctx context.Context, p *Plugin) error {
	resources := p.Resources()

	for _, mapping := range fi.Files() {
		if err := ctx.Err(); err != nil {
			return err
		}
		destination, err := p.ResolvePath(mapping.Destination)
		if err != nil {
			return err
		}
		if err := copyResource(p, resources, resourceName(mapping.Source), destination); err != nil {
			return err
		}
	}

	for _, mapping := range fi.Directories() {
		if err := ctx.Err(); err != nil {
			return err
		}
		root, err := p.ResolvePath(mapping.Destination)
		if err != nil {
			return err
		}
		if err := copyTree(p, resources, resourceName(mapping.Source), root); err != nil {
			return err
		}
	}
	return nil
}

// resourceName converts a declared source into an fs.FS path.
func resourceName(source string) string {
	name := strings.TrimLeft(filepath.ToSlash(source), "/")
	name = path.Clean(name)
	if name == "" {
		return "."
	}
	return name
}

func copyTree(p *Plugin, resources fs.FS, source, root string) error {
	if resources == nil {
		return NewResourceMissingError(p.Name(), source, fs.ErrNotExist)
	}
	info, err := fs.Stat(resources, source)
	if err != nil {
		return NewResourceMissingError(p.Name(), source, err)
	}
	if !info.IsDir() {
		return copyResource(p, resources, source, root)
	}

	if err := os.MkdirAll(root, 0o755); err != nil {
		return NewResourceCopyError(p.Name(), source, root, err)
	}

	return fs.WalkDir(resources, source, func(name string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return NewResourceMissingError(p.Name(), name, walkErr)
		}
		relative := name
		if source != "." {
			relative = strings.TrimPrefix(strings.TrimPrefix(name, source), "/")
		}
		if relative == "" || relative == "." {
			return nil
		}
		destination := filepath.Join(root, filepath.FromSlash(relative))
		if entry.IsDir() {
			if err := os.MkdirAll(destination, 0o755); err != nil {
				return NewResourceCopyError(p.Name(), name, destination, err)
			}
			return nil
		}
		return copyResource(p, resources, name, destination)
	})
}

// copyResource copies one resource unless destination already exists.
func copyResource(p *Plugin, resources fs.FS, source, destination string) error {
	if _, err := os.Stat(destination); err == nil {
		p.logger.Debug("Plugin resource already present", "plugin", p.Name(), "path", destination)
		return nil
	}
	if resources == nil {
		return NewResourceMissingError(p.Name(), source, fs.ErrNotExist)
	}

	in, err := resources.Open(source)
	if err != nil {
		return NewResourceMissingError(p.Name(), source, err)
	}
	defer func() { _ = in.Close() }()

	if err := os.MkdirAll(filepath.Dir(destination), 0o755); err != nil {
		return NewResourceCopyError(p.Name(), source, destination, err)
	}

	out, err := os.OpenFile(destination, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return NewResourceCopyError(p.Name(), source, destination, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(destination)
		return NewResourceCopyError(p.Name(), source, destination, err)
	}
	if err := out.Close(); err != nil {
		return NewResourceCopyError(p.Name(), source, destination, err)
	}

	p.logger.Debug("Deployed plugin resource", "plugin", p.Name(), "source", source, "path", destination)
	return nil
}
