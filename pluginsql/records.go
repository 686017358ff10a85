// records.go: RecordStore backed by a SQL table
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginsql

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	pluginhost "github.com/agilira/go-pluginhost"
)

// DefaultRecordsTable is the table holding install records.
const DefaultRecordsTable = "plugins"

// RecordStore persists install records in a MySQL table. installed_on is
// stored as Unix milliseconds so scanning does not depend on parseTime.
type RecordStore struct {
	ds    DataSource
	table string
}

// NewRecordStore creates a store over table, DefaultRecordsTable when empty.
func NewRecordStore(ds DataSource, table string) (*RecordStore, error) {
	if table == "" {
		table = DefaultRecordsTable
	}
	quoted, err := quoteIdentifier(table)
	if err != nil {
		return nil, err
	}
	return &RecordStore{ds: ds, table: quoted}, nil
}

// EnsureSchema creates the records table when missing.
func (s *RecordStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
id INT UNSIGNED NOT NULL AUTO_INCREMENT,
name VARCHAR(191) NOT NULL,
version INT NOT NULL,
installed_on BIGINT NOT NULL,
auto_start TINYINT(1) NOT NULL DEFAULT 0,
PRIMARY KEY (id),
UNIQUE KEY uniq_plugin_name (name)
)`, s.table)
	if _, err := s.ds.DB().ExecContext(ctx, query); err != nil {
		return NewDataSourceError("failed to create records table", err)
	}
	return nil
}

func (s *RecordStore) Save(ctx context.Context, r pluginhost.Record) error {
	query := fmt.Sprintf("INSERT INTO %s (name, version, installed_on, auto_start) VALUES (?, ?, ?, ?) "+
		"ON DUPLICATE KEY UPDATE version = VALUES(version), installed_on = VALUES(installed_on), auto_start = VALUES(auto_start)", s.table)
	if _, err := s.ds.DB().ExecContext(ctx, query, r.Name, r.Version, r.InstalledOn.UnixMilli(), r.AutoStart); err != nil {
		return NewDataSourceError("failed to save record "+r.Name, err)
	}
	return nil
}

func (s *RecordStore) Find(ctx context.Context, name string) (pluginhost.Record, error) {
	query := fmt.Sprintf("SELECT name, version, installed_on, auto_start FROM %s WHERE name = ?", s.table)
	record, err := scanRecord(s.ds.DB().QueryRowContext(ctx, query, name))
	if err == sql.ErrNoRows {
		return pluginhost.Record{}, pluginhost.NewRecordNotFoundError(name)
	}
	if err != nil {
		return pluginhost.Record{}, NewDataSourceError("failed to read record "+name, err)
	}
	return record, nil
}

func (s *RecordStore) All(ctx context.Context) ([]pluginhost.Record, error) {
	query := fmt.Sprintf("SELECT name, version, installed_on, auto_start FROM %s ORDER BY name", s.table)
	rows, err := s.ds.DB().QueryContext(ctx, query)
	if err != nil {
		return nil, NewDataSourceError("failed to list records", err)
	}
	defer func() { _ = rows.Close() }()

	var records []pluginhost.Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, NewDataSourceError("failed to scan record", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, NewDataSourceError("failed to list records", err)
	}
	return records, nil
}

func (s *RecordStore) Delete(ctx context.Context, name string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE name = ?", s.table)
	result, err := s.ds.DB().ExecContext(ctx, query, name)
	if err != nil {
		return NewDataSourceError("failed to delete record "+name, err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return pluginhost.NewRecordNotFoundError(name)
	}
	return nil
}

func (s *RecordStore) SetAutoStart(ctx context.Context, name string, autoStart bool) error {
	query := fmt.Sprintf("UPDATE %s SET auto_start = ? WHERE name = ?", s.table)
	result, err := s.ds.DB().ExecContext(ctx, query, autoStart, name)
	if err != nil {
		return NewDataSourceError("failed to update record "+name, err)
	}
	// MySQL reports zero affected rows when the value is unchanged.
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		_, err := s.Find(ctx, name)
		return err
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (pluginhost.Record, error) {
	var (
		record      pluginhost.Record
		installedOn int64
	)
	if err := row.Scan(&record.Name, &record.Version, &installedOn, &record.AutoStart); err != nil {
		return pluginhost.Record{}, err
	}
	record.InstalledOn = time.UnixMilli(installedOn)
	return record, nil
}

var _ pluginhost.RecordStore = (*RecordStore)(nil)
