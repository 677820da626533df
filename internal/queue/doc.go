// ABOUTME: Package documentation for the session-scoped job queue
// ABOUTME: Per-chat FIFO execution with a bounded worker pool

// Package queue executes jobs with per-chat FIFO ordering. Jobs for the
// same chat (and therefore the same session) run strictly in arrival
// order; different chats run concurrently up to the worker limit. A
// chat's queue is owned by at most one worker at a time. Shutdown cancels
// in-flight jobs and waits out a grace period before abandoning them.
package queue
