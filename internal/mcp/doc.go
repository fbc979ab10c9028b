// Package mcp defines the value types shared across the capability broker:
// the request/response envelope, server and connection descriptors, skills,
// isolation policies, and rate-limit windows.
package mcp
