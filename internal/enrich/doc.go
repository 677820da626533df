// ABOUTME: Package documentation for the enrichment pipeline
// ABOUTME: Best-effort context gathering before the agent sees a message

// Package enrich augments a job's text before agent invocation: media
// transcription, YouTube transcripts, link summaries, and reply-chain
// context. Every step is best-effort with its own timeout; a step that
// fails is skipped and the rest still run. If everything fails the
// original text passes through unchanged.
package enrich
