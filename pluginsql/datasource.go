// datasource.go: SQL data source with pool tuning and retried connectivity check
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginsql

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/go-sql-driver/mysql"

	pluginhost "github.com/agilira/go-pluginhost"
)

// DataSource hands out the shared connection pool.
type DataSource interface {
	DB() *sql.DB
	Close() error
}

// Config configures Open.
type Config struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	PingAttempts    int
	PingInterval    time.Duration
}

// ConfigFrom converts the host database settings.
func ConfigFrom(c pluginhost.DatabaseConfig) Config {
	return Config{
		Driver:          "mysql",
		DSN:             c.DSN,
		MaxOpenConns:    c.MaxOpenConns,
		MaxIdleConns:    c.MaxIdleConns,
		ConnMaxLifetime: c.ConnMaxLifetime,
		PingAttempts:    c.PingAttempts,
		PingInterval:    c.PingInterval,
	}
}

type pool struct {
	db *sql.DB
}

func (p *pool) DB() *sql.DB  { return p.db }
func (p *pool) Close() error { return p.db.Close() }

// NewDataSource wraps an already opened pool.
func NewDataSource(db *sql.DB) DataSource {
	return &pool{db: db}
}

// Open opens and tunes a pool, then pings it until it answers or the
// attempts are exhausted.
func Open(ctx context.Context, cfg Config) (DataSource, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, NewDataSourceError("DSN cannot be empty", nil)
	}
	if cfg.Driver == "" {
		cfg.Driver = "mysql"
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, NewDataSourceError("failed to open connection pool", err)
	}
	tune(db, cfg)

	if err := ping(ctx, db, cfg); err != nil {
		_ = db.Close()
		return nil, NewDataSourceError("database did not answer", err)
	}
	return &pool{db: db}, nil
}

func tune(db *sql.DB, cfg Config) {
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(10)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(5)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}
}

func ping(ctx context.Context, db *sql.DB, cfg Config) error {
	attempts := cfg.PingAttempts
	if attempts <= 0 {
		attempts = 1
	}
	interval := cfg.PingInterval
	if interval <= 0 {
		interval = time.Second
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), uint64(attempts-1)),
		ctx,
	)
	return backoff.Retry(func() error { return db.PingContext(ctx) }, policy)
}
