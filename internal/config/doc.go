// ABOUTME: Package documentation for configuration management
// ABOUTME: Describes YAML config loading with env expansion and validation

// Package config provides configuration loading for ember-bridge.
//
// Configuration is loaded from a YAML file with support for:
//   - Environment variable expansion using ${VAR_NAME} syntax
//   - Duration parsing for time-based fields (e.g., "300s", "30m")
//   - Defaults for every tunable, applied before the file is merged in
//   - Validation of required fields
package config
