// ABOUTME: Package documentation for bridge metrics
// ABOUTME: Prometheus instruments exposed on the health listener

// Package metrics holds the bridge's Prometheus instruments. They register
// with the default registry at init and are served at /metrics on the
// health listener.
package metrics
