// Package config loads mcp-broker configuration from YAML with environment
// variable expansion. Default() is the single source of truth for policy and
// timing defaults consumed by the broker, isolation, and server packages.
package config
