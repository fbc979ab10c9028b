// ABOUTME: Package documentation for the HTTP API surface.
// ABOUTME: Notes the in-band failure convention for capability execution.

// Package api exposes the broker stack over JSON HTTP.
//
// POST /api/execute mirrors the capability envelope: the HTTP status only
// reflects transport problems, while capability and policy failures arrive
// as success=false in the response body. Skill CRUD lives under /api/skills,
// tenant lifecycle under /api/tenants, and /api/status reports the registry
// snapshot with the aggregate health verdict.
package api
