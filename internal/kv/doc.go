// ABOUTME: Package documentation for the typed KV record store
// ABOUTME: Describes records, indices, namespaces, and the pub/sub bus

// Package kv provides a typed record API over a key/value backing store.
//
// The record set is closed: Message, BridgeEvent, AgentSession, and
// DeadLetter. Each kind declares indexed fields (exact-match filters),
// sorted fields (range scans), and optional uniqueness constraints. The
// store maintains secondary index sets and sorted sets alongside the
// record bodies, and serializes index updates per kind.
//
// Two backends exist: Redis (production) and an in-memory map (tests).
// All keys are prefixed with the store's namespace, so a test run can
// flush its namespace without touching production data.
//
// The store also carries a process-local pub/sub bus. Subscribers run
// concurrently and each has a bounded queue; a slow subscriber never
// blocks publishers, it just loses its oldest queued event with a warning.
package kv
