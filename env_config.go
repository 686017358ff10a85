// env_config.go: Environment variable expansion for host configuration files
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

// EnvConfigOptions configures ${VAR} expansion.
type EnvConfigOptions struct {
	// Prefix is tried before the bare variable name (e.g. "PLUGINHOST_").
	Prefix string `json:"prefix" yaml:"prefix"`

	// FailOnMissing turns an unresolved variable without default into an error.
	FailOnMissing bool `json:"fail_on_missing" yaml:"fail_on_missing"`

	// ValidateValues rejects values with null bytes, control characters or
	// excessive length.
	ValidateValues bool `json:"validate_values" yaml:"validate_values"`

	// Defaults are used when neither the environment nor an inline default
	// provides a value.
	Defaults map[string]string `json:"defaults,omitempty" yaml:"defaults,omitempty"`
}

// DefaultEnvConfigOptions returns the options used by LoadHostConfig.
func DefaultEnvConfigOptions() EnvConfigOptions {
	return EnvConfigOptions{
		Prefix:         "PLUGINHOST_",
		ValidateValues: true,
		Defaults:       make(map[string]string),
	}
}

var envVariablePattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// maxEnvValueLength bounds an expanded value.
const maxEnvValueLength = 4096

// ExpandEnvironmentVariables replaces ${VAR} and ${VAR:-default} references.
//
// Resolution order: prefixed variable, bare variable, inline default,
// options.Defaults, then empty string (or an error with FailOnMissing).
func ExpandEnvironmentVariables(input string, options EnvConfigOptions) (string, error) {
	if input == "" {
		return input, nil
	}

	var firstErr error
	result := envVariablePattern.ReplaceAllStringFunc(input, func(match string) string {
		if firstErr != nil {
			return match
		}
		submatches := envVariablePattern.FindStringSubmatch(match)
		name := submatches[1]
		inlineDefault := submatches[3]
		hasDefault := submatches[2] != ""

		value, err := expandSingleEnvironmentVariable(name, inlineDefault, hasDefault, options)
		if err != nil {
			firstErr = err
			return match
		}
		return value
	})
	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

func expandSingleEnvironmentVariable(name, inlineDefault string, hasDefault bool, options EnvConfigOptions) (string, error) {
	if options.Prefix != "" {
		if value, ok := os.LookupEnv(options.Prefix + name); ok && value != "" {
			return validateEnvValue(name, value, options)
		}
	}
	if value, ok := os.LookupEnv(name); ok && value != "" {
		return validateEnvValue(name, value, options)
	}
	if hasDefault {
		return validateEnvValue(name, inlineDefault, options)
	}
	if value, ok := options.Defaults[name]; ok {
		return validateEnvValue(name, value, options)
	}
	if options.FailOnMissing {
		return "", NewConfigValidationError(fmt.Sprintf("required environment variable not found: %s (also tried %s%s)", name, options.Prefix, name))
	}
	return "", nil
}

func validateEnvValue(name, value string, options EnvConfigOptions) (string, error) {
	if !options.ValidateValues {
		return value, nil
	}
	if strings.Contains(value, "\x00") {
		return "", NewConfigValidationError("environment variable " + name + " contains a null byte")
	}
	if len(value) > maxEnvValueLength {
		return "", NewConfigValidationError(fmt.Sprintf("environment variable %s too long: %d bytes (max %d)", name, len(value), maxEnvValueLength))
	}
	for i, r := range value {
		if r < 32 && r != '\t' && r != '\n' && r != '\r' {
			return "", NewConfigValidationError(fmt.Sprintf("environment variable %s contains a control character at position %d", name, i))
		}
	}
	return value, nil
}
