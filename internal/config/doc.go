// Package config provides configuration loading, merging, and path
// management for the agentdeck server.
//
// # Configuration Loading
//
// Load merges configuration from multiple sources in priority order:
//
//  1. Global config (~/.config/agentdeck/)
//  2. Project config (agentdeck.json[c], .agentdeck/agentdeck.json[c])
//  3. AGENTDECK_CONFIG file
//  4. AGENTDECK_CONFIG_CONTENT inline JSON
//  5. Environment variables
//
// More specific sources override more general ones; environment variables
// have the highest precedence. A .env file in the project directory is
// loaded into the environment before overrides are applied.
//
// # Supported Formats
//
// Both JSON and JSONC (JSON with Comments) are accepted; JSONC is
// processed with tidwall/jsonc.
//
// # Variable Interpolation
//
// Configuration files support two placeholder forms:
//   - {env:VAR_NAME} expands to an environment variable value
//   - {file:path} expands to the contents of a file, escaped for JSON
//
// Paths in {file:path} may be absolute, relative to the config file's
// directory, or ~/-prefixed.
package config
