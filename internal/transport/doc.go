// ABOUTME: Package documentation for the chat transport abstraction
// ABOUTME: Defines the client contract the bridge core consumes

// Package transport defines the chat transport client the bridge consumes:
// sending messages, fetching reply-chain parents, media download, and the
// inbound message callback. Errors are classified transient (retryable) or
// permanent (dead-letter) at this boundary.
//
// The production implementation speaks the Telegram Bot API; tests use the
// in-memory MockClient.
package transport
