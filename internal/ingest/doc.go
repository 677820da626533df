// ABOUTME: Package documentation for the ingest pipeline
// ABOUTME: Transport events to job descriptors, record first then enqueue

// Package ingest turns transport events into job descriptors. The handler
// runs on the transport's receive loop, so it does no network work: it
// dedupes, strips bot mentions, partitions URLs, records the message in KV
// and the archive, and hands a scalar-only Job to the queue without
// blocking. Anything that goes wrong is logged and the message dropped;
// the user can resend.
package ingest
