// Package config resolves replayd's runtime configuration.
//
// Values are layered, later sources winning:
//
//  1. Defaults (Default)
//  2. A YAML or JSON config file (LoadFile)
//  3. REPLAYD_* environment variables (ApplyEnv)
//  4. Command-line flags (applied by the cli package)
//
// Validate must be called on the final result.
package config
