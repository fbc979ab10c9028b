// ABOUTME: Capability server interface and shared payload helpers.
// ABOUTME: Servers dispatch on request capability and surface failures as errors to the broker.

package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/2389/mcp-broker/internal/mcp"
)

// ErrUnknownCapability indicates a request named a capability the server does
// not implement.
var ErrUnknownCapability = errors.New("unknown capability")

// ErrNotInitialized indicates Handle was called before Initialize.
var ErrNotInitialized = errors.New("server not initialized")

// Server is the contract every capability server implements. Handle returns
// the raw capability result; errors are caught at the broker boundary and
// turned into failed responses, never propagated to callers.
type Server interface {
	// Describe returns the registry descriptor for this server.
	Describe() *mcp.ServerInfo

	// Initialize prepares the server. Idempotent.
	Initialize(ctx context.Context) error

	// Capabilities lists the operations this server exposes.
	Capabilities() []mcp.Capability

	// Handle executes one capability call.
	Handle(ctx context.Context, req *mcp.Request) (any, error)

	// Shutdown releases server resources, bounded by ctx.
	Shutdown(ctx context.Context) error
}

// stringArg extracts a string payload field, or "" if absent.
func stringArg(payload map[string]any, key string) string {
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
}

// requireStringArg extracts a string payload field or fails.
func requireStringArg(payload map[string]any, key string) (string, error) {
	v := stringArg(payload, key)
	if v == "" {
		return "", fmt.Errorf("missing required field %q", key)
	}
	return v, nil
}

// intArg extracts an integer payload field, accepting JSON's float64 decoding.
func intArg(payload map[string]any, key string, def int) int {
	switch v := payload[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

// mapArg extracts a nested object payload field, or nil if absent.
func mapArg(payload map[string]any, key string) map[string]any {
	if v, ok := payload[key].(map[string]any); ok {
		return v
	}
	return nil
}
