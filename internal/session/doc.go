// ABOUTME: Package documentation for the session registry and router
// ABOUTME: Decides resume vs spawn and owns all status transitions

// Package session routes enriched jobs onto agent sessions. A recent
// active or dormant session for the same (project_key, chat_id) is
// resumed; otherwise a new session is spawned with a classification,
// a work-item slug, and a branch name. Status changes go through the
// KV store's Transition so readers never observe a missing session.
package session
