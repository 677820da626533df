// ABOUTME: Package documentation for the MCP server orchestrator
// ABOUTME: Registration, rule-based routing, health probing, messaging

// Package mcp orchestrates the bridge's tool servers. Servers register by
// name; requests are routed by an ordered rule list with least-in-flight
// load balancing among healthy targets; a background loop probes health
// and another delivers inter-server messages. The registry of built-in
// servers and routing rules loads from a TOML file.
package mcp
