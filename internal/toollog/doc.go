// ABOUTME: Package documentation for per-session tool-use logs
// ABOUTME: Append-only JSONL under logs/sessions/<id>/tool_use.jsonl

// Package toollog writes and reads per-session tool-use logs. Each session
// gets an append-only JSONL file; a worker is the single writer for its
// session's file. The watchdog reads the tail to detect looping and error
// cascades.
package toollog
