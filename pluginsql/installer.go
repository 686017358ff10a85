// installer.go: Transactional database installer driven by SQL resource scripts
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginsql

import (
	"context"
	"database/sql"
	"io/fs"
	"path"
	"path/filepath"
	"strings"
	"sync"

	pluginhost "github.com/agilira/go-pluginhost"
)

// InstallerName is the chain name of the database installer.
const InstallerName = "database"

// Script is one SQL resource registered on the installer.
type Script struct {
	// Source is the resource path inside the plugin bundle.
	Source string
	// Table guards the script: install runs it only when the table is
	// missing, uninstall only when the table exists. Empty means always run.
	Table string
	// Database is selected before the guard check and the script run.
	Database string
}

// InstallerOption customizes an Installer.
type InstallerOption func(*Installer)

// WithDialect replaces the MySQL dialect.
func WithDialect(d Dialect) InstallerOption {
	return func(i *Installer) {
		if d != nil {
			i.dialect = d
		}
	}
}

// WithTxOptions sets the isolation options of the install transaction.
func WithTxOptions(opts *sql.TxOptions) InstallerOption {
	return func(i *Installer) { i.txOptions = opts }
}

// Installer runs a plugin's SQL scripts inside one transaction per call.
type Installer struct {
	ds        DataSource
	dialect   Dialect
	txOptions *sql.TxOptions

	mu        sync.RWMutex
	install   []Script
	uninstall []Script
}

// NewInstaller creates an installer bound to ds.
func NewInstaller(ds DataSource, opts ...InstallerOption) *Installer {
	i := &Installer{ds: ds, dialect: MySQL}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Provider returns an InstallerProvider creating one installer per plugin.
func Provider(ds DataSource, opts ...InstallerOption) pluginhost.InstallerProvider {
	return func(*pluginhost.Plugin) pluginhost.Installer {
		return NewInstaller(ds, opts...)
	}
}

// FromSetup returns the database installer configured on the host, if any.
func FromSetup(env *pluginhost.SetupEnv) (*Installer, bool) {
	installer, ok := env.Installer(InstallerName)
	if !ok {
		return nil, false
	}
	db, ok := installer.(*Installer)
	return db, ok
}

func (i *Installer) Name() string { return InstallerName }

// AddTable registers an install script guarded by table in database.
func (i *Installer) AddTable(source, table, database string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.install = appendScript(i.install, Script{Source: source, Table: table, Database: database})
}

// AddUninstallFile registers an uninstall script guarded by table in database.
func (i *Installer) AddUninstallFile(source, table, database string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.uninstall = appendScript(i.uninstall, Script{Source: source, Table: table, Database: database})
}

// InstallScripts returns the registered install scripts in order.
func (i *Installer) InstallScripts() []Script {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return append([]Script(nil), i.install...)
}

// UninstallScripts returns the registered uninstall scripts in order.
func (i *Installer) UninstallScripts() []Script {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return append([]Script(nil), i.uninstall...)
}

func appendScript(scripts []Script, s Script) []Script {
	for _, existing := range scripts {
		if existing == s {
			return scripts
		}
	}
	return append(scripts, s)
}

func (i *Installer) Install(ctx context.Context, p *pluginhost.Plugin) error {
	return i.run(ctx, p, "install", i.InstallScripts(), false)
}

func (i *Installer) Uninstall(ctx context.Context, p *pluginhost.Plugin) error {
	return i.run(ctx, p, "uninstall", i.UninstallScripts(), true)
}

// run executes scripts in one transaction. runWhenTablePresent selects the
// guard polarity.
func (i *Installer) run(ctx context.Context, p *pluginhost.Plugin, operation string, scripts []Script, runWhenTablePresent bool) error {
	if len(scripts) == 0 {
		return nil
	}
	if i.ds == nil {
		return NewDataSourceError("no data source configured", nil)
	}

	tx, err := i.ds.DB().BeginTx(ctx, i.txOptions)
	if err != nil {
		return NewTransactionError(p.Name(), operation, err)
	}

	for _, script := range scripts {
		if err := i.runScript(ctx, tx, p, script, runWhenTablePresent); err != nil {
			_ = tx.Rollback()
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return NewTransactionError(p.Name(), operation, err)
	}
	return nil
}

func (i *Installer) runScript(ctx context.Context, tx *sql.Tx, p *pluginhost.Plugin, script Script, runWhenTablePresent bool) error {
	current, err := i.dialect.CurrentDatabase(ctx, tx)
	if err != nil {
		return err
	}
	if script.Database != "" {
		if err := i.dialect.UseDatabase(ctx, tx, script.Database); err != nil {
			return err
		}
	}

	execute := true
	if script.Table != "" {
		exists, err := i.dialect.TableExists(ctx, tx, script.Table)
		if err != nil {
			return err
		}
		execute = exists == runWhenTablePresent
	}

	if execute {
		if err := i.execResource(ctx, tx, p, script.Source); err != nil {
			return err
		}
	} else {
		p.Logger().Debug("Skipped SQL script", "source", script.Source, "table", script.Table)
	}

	if script.Database != "" && current != "" && current != script.Database {
		return i.dialect.UseDatabase(ctx, tx, current)
	}
	return nil
}

func (i *Installer) execResource(ctx context.Context, tx *sql.Tx, p *pluginhost.Plugin, source string) error {
	resources := p.Resources()
	if resources == nil {
		return NewScriptError(p.Name(), source, fs.ErrNotExist)
	}
	data, err := fs.ReadFile(resources, scriptPath(source))
	if err != nil {
		return NewScriptError(p.Name(), source, err)
	}

	statements, err := SplitStatements(string(data))
	if err != nil {
		return NewScriptError(p.Name(), source, err)
	}
	for _, statement := range statements {
		if _, err := tx.ExecContext(ctx, statement); err != nil {
			return NewScriptError(p.Name(), source, err)
		}
	}
	p.Logger().Debug("Executed SQL script", "source", source, "statements", len(statements))
	return nil
}

func scriptPath(source string) string {
	name := path.Clean(strings.TrimLeft(filepath.ToSlash(source), "/"))
	if name == "" {
		return "."
	}
	return name
}
