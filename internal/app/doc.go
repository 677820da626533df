// ABOUTME: Package doc for the app composition root
// ABOUTME: Startup wiring and lifecycle for the ember-bridge process

// Package app assembles the ember-bridge process from its components and
// owns the startup and shutdown ordering: KV store and archive first,
// then transport, worker pool, bridge, watchdog, MCP orchestrator, and
// the HTTP health/metrics listener.
package app
