// ABOUTME: Package doc for the bridge worker
// ABOUTME: Ties ingest, enrichment, sessions, the agent, and delivery together

// Package bridge executes jobs end to end: enrichment, session routing,
// agent invocation with tool-use logging, and reply delivery. It is the
// queue pool's executor and owns the job lifecycle events other
// components observe.
package bridge
