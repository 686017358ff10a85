// script.go: Textual splitting of SQL resource scripts
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginsql

import (
	"bufio"
	"strings"
)

// MaxScriptLine is the longest script line SplitStatements accepts.
const MaxScriptLine = 1024 * 1024

// SplitStatements splits a script into statements.
//
// This is a line heuristic, not a SQL parser: everything after "--" on a line
// is dropped, blank lines are skipped and a statement ends on a line whose
// trimmed text ends with ";". The terminating semicolon is removed. Text
// after the last terminated statement is ignored. A line longer than
// MaxScriptLine is an error.
func SplitStatements(script string) ([]string, error) {
	var statements []string
	var current []string

	scanner := bufio.NewScanner(strings.NewReader(script))
	scanner.Buffer(make([]byte, 0, 64*1024), MaxScriptLine)
	for scanner.Scan() {
		line := scanner.Text()
		if idx := strings.Index(line, "--"); idx >= 0 {
			line = line[:idx]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		current = append(current, line)

		if strings.HasSuffix(line, ";") {
			statement := strings.TrimSpace(strings.TrimSuffix(strings.Join(current, "\n"), ";"))
			if statement != "" {
				statements = append(statements, statement)
			}
			current = current[:0]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return statements, nil
}
