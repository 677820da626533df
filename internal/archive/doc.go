// ABOUTME: Package documentation for the SQLite message archive
// ABOUTME: Durable history, keyword search, and per-chat statistics

// Package archive persists every message the bridge sees into SQLite.
// The archive is the durable record; the KV store holds the working copy.
// Each successful store publishes a "messages" event so subscribers can
// mirror the row into KV.
package archive
