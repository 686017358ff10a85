// errors.go: structured error definitions for the plugin host
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	stderrors "errors"
	"fmt"

	"github.com/agilira/go-errors"
)

// Error codes for the plugin host
const (
	// Lifecycle errors (2100-2199)
	ErrCodeStateMismatch         = "LIFECYCLE_2101"
	ErrCodeStateChanged          = "LIFECYCLE_2102"
	ErrCodeConditionFailed       = "LIFECYCLE_2103"
	ErrCodeLifecycleActionFailed = "LIFECYCLE_2104"
	ErrCodeInitFailed            = "LIFECYCLE_2105"
	ErrCodeHookPanic             = "LIFECYCLE_2106"

	// Migration errors (2200-2299)
	ErrCodeMigrationRange = "MIGRATION_2201"
	ErrCodeMigrationStep  = "MIGRATION_2202"

	// Installer errors (2300-2399)
	ErrCodeInstallerFailed = "INSTALLER_2301"
	ErrCodePathTraversal   = "INSTALLER_2302"
	ErrCodeResourceMissing = "INSTALLER_2303"
	ErrCodeResourceCopy    = "INSTALLER_2304"
	ErrCodeResourceRemoval = "INSTALLER_2305"

	// Registry and discovery errors (2400-2499)
	ErrCodeDiscovery         = "REGISTRY_2401"
	ErrCodeBundleOpen        = "REGISTRY_2402"
	ErrCodeManifest          = "REGISTRY_2403"
	ErrCodeProviderMissing   = "REGISTRY_2404"
	ErrCodeDuplicateProvider = "REGISTRY_2405"
	ErrCodeContextRelease    = "REGISTRY_2406"
	ErrCodePluginNotFound    = "REGISTRY_2407"
	ErrCodeNativeLoad        = "REGISTRY_2408"

	// Configuration errors (2500-2599)
	ErrCodeConfigNotFound   = "CONFIG_2501"
	ErrCodeConfigParse      = "CONFIG_2502"
	ErrCodeConfigValidation = "CONFIG_2503"
	ErrCodeConfigWatcher    = "CONFIG_2504"

	// Record store errors (2600-2699)
	ErrCodeRecordStore    = "STORE_2601"
	ErrCodeRecordNotFound = "STORE_2602"
	ErrCodeRecordExists   = "STORE_2603"
)

// HasCode reports whether err, or any coded error in its cause chain,
// carries code.
func HasCode(err error, code string) bool {
	for err != nil {
		var coded *errors.Error
		if !stderrors.As(err, &coded) {
			return false
		}
		if coded.ErrorCode() == errors.ErrorCode(code) {
			return true
		}
		err = coded.Cause
	}
	return false
}

// Lifecycle error constructors

// NewStateMismatchError reports a verb invoked from the wrong state. No state
// was mutated.
func NewStateMismatchError(plugin, verb string, expected, actual PluginState) *errors.Error {
	return errors.New(ErrCodeStateMismatch, "Plugin state mismatch: expected "+expected.String()+" but found "+actual.String()).
		WithUserMessage("The plugin is not in the state required by this operation").
		WithContext("plugin", plugin).
		WithContext("verb", verb).
		WithContext("expected_state", expected.String()).
		WithContext("actual_state", actual.String()).
		WithSeverity("error")
}

// NewStateChangedError reports a lost compare-and-set: another goroutine moved
// the plugin between the read and the swap.
func NewStateChangedError(plugin, verb string, expected, actual PluginState) *errors.Error {
	return errors.New(ErrCodeStateChanged, "Failed to set state, expected "+expected.String()+" but got changed suddenly to "+actual.String()).
		WithUserMessage("The plugin state was changed concurrently").
		WithContext("plugin", plugin).
		WithContext("verb", verb).
		WithContext("expected_state", expected.String()).
		WithContext("actual_state", actual.String()).
		WithSeverity("error")
}

func NewConditionFailedError(plugin string, conditionType ConditionType, condition, description string) *errors.Error {
	return errors.New(ErrCodeConditionFailed, "Condition failed: "+description).
		WithUserMessage("A precondition of the plugin operation is not met").
		WithContext("plugin", plugin).
		WithContext("condition_type", conditionType.String()).
		WithContext("condition", condition).
		WithContext("description", description).
		WithSeverity("warning")
}

// NewLifecycleActionError wraps a side-effect failure. The state transition
// has already happened when this error is returned.
func NewLifecycleActionError(plugin, verb string, state PluginState, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeLifecycleActionFailed, "Plugin "+verb+" action failed").
		WithUserMessage("The plugin operation failed after its state had advanced").
		WithContext("plugin", plugin).
		WithContext("verb", verb).
		WithContext("state", state.String()).
		WithSeverity("error")
}

// NewHookPanicError reports a panic recovered from module code.
func NewHookPanicError(component string, recovered any) *errors.Error {
	return errors.New(ErrCodeHookPanic, fmt.Sprintf("Panic in %s: %v", component, recovered)).
		WithUserMessage("The plugin crashed while handling an operation").
		WithContext("component", component).
		WithSeverity("error")
}

func NewInitFailedError(plugin string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeInitFailed, "Plugin initialization failed").
		WithUserMessage("The plugin could not be initialized").
		WithContext("plugin", plugin).
		WithSeverity("error")
}

// Migration error constructors

func NewMigrationRangeError(plugin string, from, to int) *errors.Error {
	return errors.New(ErrCodeMigrationRange, "Cannot migrate when from >= to").
		WithUserMessage("Migration source version must be lower than the target version").
		WithContext("plugin", plugin).
		WithContext("from", from).
		WithContext("to", to).
		WithSeverity("error")
}

func NewMigrationStepError(plugin, description string, target int, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeMigrationStep, "Migration step failed: "+description).
		WithUserMessage("A migration step failed, earlier steps remain applied").
		WithContext("plugin", plugin).
		WithContext("step", description).
		WithContext("target_version", target).
		WithSeverity("error")
}

// Installer error constructors

func NewInstallerError(plugin, installer, operation string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeInstallerFailed, "Installer "+installer+" failed during "+operation).
		WithUserMessage("A plugin installer failed").
		WithContext("plugin", plugin).
		WithContext("installer", installer).
		WithContext("operation", operation).
		WithSeverity("error")
}

func NewPathTraversalError(plugin, path string) *errors.Error {
	return errors.New(ErrCodePathTraversal, "Path escapes the plugin data directory").
		WithUserMessage("Invalid plugin file path detected").
		WithContext("plugin", plugin).
		WithContext("attempted_path", path).
		WithSeverity("error")
}

func NewResourceMissingError(plugin, source string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeResourceMissing, "Plugin resource not found: "+source).
		WithUserMessage("A declared plugin resource is missing from its bundle").
		WithContext("plugin", plugin).
		WithContext("source", source).
		WithSeverity("error")
}

func NewResourceCopyError(plugin, source, destination string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeResourceCopy, "Failed to copy plugin resource").
		WithUserMessage("A plugin resource could not be deployed").
		WithContext("plugin", plugin).
		WithContext("source", source).
		WithContext("destination", destination).
		WithSeverity("error")
}

func NewResourceRemovalError(plugin, path string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeResourceRemoval, "Failed to remove plugin resource").
		WithUserMessage("A plugin resource could not be removed").
		WithContext("plugin", plugin).
		WithContext("path", path).
		WithSeverity("error")
}

// Registry and discovery error constructors

func NewDiscoveryError(message string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeDiscovery, "Discovery error: "+message).
		WithUserMessage("Plugin discovery failed").
		WithSeverity("error")
}

func NewBundleOpenError(path string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeBundleOpen, "Failed to open plugin bundle").
		WithUserMessage("A plugin bundle could not be read").
		WithContext("bundle", path).
		WithSeverity("error")
}

func NewManifestError(path, message string, cause error) *errors.Error {
	if cause == nil {
		return errors.New(ErrCodeManifest, "Invalid bundle descriptor: "+message).
			WithUserMessage("The plugin bundle descriptor is malformed").
			WithContext("bundle", path).
			WithSeverity("error")
	}
	return errors.Wrap(cause, ErrCodeManifest, "Invalid bundle descriptor: "+message).
		WithUserMessage("The plugin bundle descriptor is malformed").
		WithContext("bundle", path).
		WithSeverity("error")
}

func NewProviderMissingError(name, bundle string) *errors.Error {
	return errors.New(ErrCodeProviderMissing, "No module provider registered for "+name).
		WithUserMessage("The bundle references a module implementation the host does not know").
		WithContext("provider", name).
		WithContext("bundle", bundle).
		WithSeverity("error")
}

func NewDuplicateProviderError(name string) *errors.Error {
	return errors.New(ErrCodeDuplicateProvider, "Module provider already registered: "+name).
		WithUserMessage("Module provider names must be unique").
		WithContext("provider", name).
		WithSeverity("error")
}

func NewContextReleaseError(plugin string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeContextRelease, "Failed to release isolation context").
		WithUserMessage("Plugin resources could not be released").
		WithContext("plugin", plugin).
		WithSeverity("warning")
}

func NewPluginNotFoundError(name string) *errors.Error {
	return errors.New(ErrCodePluginNotFound, "Plugin not found: "+name).
		WithUserMessage("The requested plugin is not registered").
		WithContext("plugin", name).
		WithSeverity("error")
}

func NewNativeLoadError(library, symbol string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeNativeLoad, "Failed to load native module library").
		WithUserMessage("A native plugin library could not be loaded").
		WithContext("library", library).
		WithContext("symbol", symbol).
		WithSeverity("error")
}

// Configuration error constructors

func NewConfigNotFoundError(path string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeConfigNotFound, "Configuration file not found").
		WithUserMessage("The configuration file could not be found").
		WithContext("config_path", path).
		WithSeverity("error")
}

func NewConfigParseError(path string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeConfigParse, "Configuration parse error").
		WithUserMessage("Failed to parse configuration file").
		WithContext("config_path", path).
		WithSeverity("error")
}

func NewConfigValidationError(message string) *errors.Error {
	return errors.New(ErrCodeConfigValidation, "Configuration validation error: "+message).
		WithUserMessage("Configuration validation failed").
		WithSeverity("error")
}

func NewConfigWatcherError(message string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeConfigWatcher, "Configuration watcher error: "+message).
		WithUserMessage("Configuration monitoring failed").
		WithSeverity("error")
}

// Record store error constructors

func NewRecordStoreError(operation, name string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeRecordStore, "Record store "+operation+" failed").
		WithUserMessage("Installed plugin metadata could not be accessed").
		WithContext("operation", operation).
		WithContext("plugin", name).
		WithSeverity("error").
		AsRetryable()
}

func NewRecordNotFoundError(name string) *errors.Error {
	return errors.New(ErrCodeRecordNotFound, "No install record for "+name).
		WithUserMessage("The plugin is not recorded as installed").
		WithContext("plugin", name).
		WithSeverity("warning")
}

func NewRecordExistsError(name string) *errors.Error {
	return errors.New(ErrCodeRecordExists, "Plugin is already installed: "+name).
		WithUserMessage("The plugin is already recorded as installed").
		WithContext("plugin", name).
		WithSeverity("warning")
}
