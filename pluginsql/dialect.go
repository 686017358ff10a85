// dialect.go: Database metadata queries used by the SQL installer
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginsql

import (
	"context"
	"database/sql"
)

// Conn is the subset of *sql.Tx, *sql.Conn and *sql.DB the dialect needs.
type Conn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Dialect answers the metadata questions of the installer.
type Dialect interface {
	// CurrentDatabase returns the selected database, "" when none.
	CurrentDatabase(ctx context.Context, conn Conn) (string, error)
	UseDatabase(ctx context.Context, conn Conn, name string) error
	TableExists(ctx context.Context, conn Conn, table string) (bool, error)
}

// MySQL is the default dialect.
var MySQL Dialect = mysqlDialect{}

type mysqlDialect struct{}

func (mysqlDialect) CurrentDatabase(ctx context.Context, conn Conn) (string, error) {
	const query = "SELECT DATABASE()"
	var name sql.NullString
	if err := conn.QueryRowContext(ctx, query).Scan(&name); err != nil {
		return "", NewDialectError(query, err)
	}
	return name.String, nil
}

func (mysqlDialect) UseDatabase(ctx context.Context, conn Conn, name string) error {
	quoted, err := quoteIdentifier(name)
	if err != nil {
		return err
	}
	query := "USE " + quoted
	if _, err := conn.ExecContext(ctx, query); err != nil {
		return NewDialectError(query, err)
	}
	return nil
}

func (mysqlDialect) TableExists(ctx context.Context, conn Conn, table string) (bool, error) {
	const query = "SHOW TABLES LIKE ?"
	rows, err := conn.QueryContext(ctx, query, table)
	if err != nil {
		return false, NewDialectError(query, err)
	}
	defer func() { _ = rows.Close() }()

	exists := rows.Next()
	if err := rows.Err(); err != nil {
		return false, NewDialectError(query, err)
	}
	return exists, nil
}

// quoteIdentifier validates a schema or table name and wraps it in backticks.
func quoteIdentifier(name string) (string, error) {
	if name == "" || len(name) > 64 {
		return "", NewIdentifierError(name)
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '$':
		default:
			return "", NewIdentifierError(name)
		}
	}
	return "`" + name + "`", nil
}
