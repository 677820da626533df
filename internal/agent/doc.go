// ABOUTME: Package documentation for the agent invocation seam
// ABOUTME: Streaming event contract between workers and the coding agent

// Package agent defines the seam between the bridge and the coding agent.
// An Invoker turns a prompt into a stream of events: text deltas, tool use
// notifications, tool results, and a terminal done or error event. Workers
// consume the stream to maintain the tool-use log and assemble the final
// reply.
package agent
