// Package cli provides the command-line interface for replayd.
//
// Commands:
//   - serve: Run the record-and-replay proxy in front of an upstream API
//   - inspect: Summarize a fixture file, or explain how a request would be matched
//   - version: Show replayd version
//
// Configuration is layered: built-in defaults, then an optional YAML or JSON
// file (--config), then REPLAYD_* environment variables, then flags.
package cli
