// errors.go: structured errors of the SQL collaborator
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginsql

import (
	"github.com/agilira/go-errors"
)

// Error codes for the SQL collaborator
const (
	ErrCodeDataSource  = "SQL_2701"
	ErrCodeScript      = "SQL_2702"
	ErrCodeTransaction = "SQL_2703"
	ErrCodeDialect     = "SQL_2704"
	ErrCodeIdentifier  = "SQL_2705"
)

func NewDataSourceError(message string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeDataSource, "Data source error: "+message).
		WithUserMessage("The database could not be reached").
		WithSeverity("error").
		AsRetryable()
}

func NewScriptError(plugin, source string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeScript, "SQL script failed: "+source).
		WithUserMessage("A plugin database script failed").
		WithContext("plugin", plugin).
		WithContext("source", source).
		WithSeverity("error")
}

func NewTransactionError(plugin, operation string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeTransaction, "Database transaction failed during "+operation).
		WithUserMessage("The plugin database changes were rolled back").
		WithContext("plugin", plugin).
		WithContext("operation", operation).
		WithSeverity("error")
}

func NewDialectError(query string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeDialect, "Dialect query failed: "+query).
		WithUserMessage("A database metadata query failed").
		WithContext("query", query).
		WithSeverity("error")
}

func NewIdentifierError(identifier string) *errors.Error {
	return errors.New(ErrCodeIdentifier, "Invalid SQL identifier: "+identifier).
		WithUserMessage("Database and table names may only contain letters, digits, '_' and '$'").
		WithContext("identifier", identifier).
		WithSeverity("error")
}
