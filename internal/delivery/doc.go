// ABOUTME: Package documentation for the delivery subsystem
// ABOUTME: At-least-once sends with chunking, retries, and dead letters

// Package delivery gets agent replies to the chat with at-least-once
// semantics. Long texts are chunked on paragraph boundaries, transient
// transport failures are retried with backoff, and anything still
// undeliverable becomes a dead letter replayed at the next startup. The
// caller always sees success; responsibility has been handed off.
package delivery
