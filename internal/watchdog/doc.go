// ABOUTME: Package documentation for the session watchdog
// ABOUTME: Periodic health sweep over active sessions, alert on anomalies

// Package watchdog watches active sessions for silence, excessive
// duration, tool-call loops, and error cascades, and alerts the
// originating chat. It is strictly read-only over session state; the
// only things it writes are alerts and the periodic bridge-event
// cleanup.
package watchdog
