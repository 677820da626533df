// ABOUTME: Four-step enrichment pipeline with per-step timeouts
// ABOUTME: Order is media, YouTube, link summaries, reply chain

package enrich

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/ember-bridge/internal/ingest"
	"github.com/2389/ember-bridge/internal/metrics"
	"github.com/2389/ember-bridge/internal/transport"
)

const (
	// maxReplyDepth bounds reply-chain traversal.
	maxReplyDepth = 20

	// LinkSummaryMarker separates appended link summaries from the text.
	LinkSummaryMarker = "--- LINK SUMMARIES ---"
)

// Transcriber turns media bytes into text.
type Transcriber interface {
	Transcribe(ctx context.Context, data []byte, mimeType string) (string, error)
}

// TranscriptFetcher fetches a transcript or caption track for a video URL.
type TranscriptFetcher interface {
	Transcript(ctx context.Context, url string) (string, error)
}

// Summarizer produces a short summary of a web page.
type Summarizer interface {
	Summarize(ctx context.Context, url string) (string, error)
}

// Pipeline runs the enrichment steps. Collaborators may be nil; a nil
// collaborator disables its step.
type Pipeline struct {
	client      transport.Client
	transcriber Transcriber
	youtube     TranscriptFetcher
	summarizer  Summarizer
	stepTimeout time.Duration
	budget      time.Duration
	logger      *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

func WithTranscriber(t Transcriber) Option             { return func(p *Pipeline) { p.transcriber = t } }
func WithTranscriptFetcher(f TranscriptFetcher) Option { return func(p *Pipeline) { p.youtube = f } }
func WithSummarizer(s Summarizer) Option               { return func(p *Pipeline) { p.summarizer = s } }
func WithStepTimeout(d time.Duration) Option           { return func(p *Pipeline) { p.stepTimeout = d } }
func WithBudget(d time.Duration) Option                { return func(p *Pipeline) { p.budget = d } }

func NewPipeline(client transport.Client, logger *slog.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		client:      client,
		summarizer:  NewReadabilitySummarizer(),
		stepTimeout: 30 * time.Second,
		budget:      120 * time.Second,
		logger:      logger.With("component", "enrich"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Enrich produces the enriched text for a job. It never fails: the worst
// case is the original text unchanged.
func (p *Pipeline) Enrich(ctx context.Context, job *ingest.Job) string {
	ctx, cancel := context.WithTimeout(ctx, p.budget)
	defer cancel()

	text := job.Text
	text = p.step(ctx, "media", text, func(ctx context.Context, t string) (string, error) {
		return p.addTranscription(ctx, job, t)
	})
	text = p.step(ctx, "youtube", text, func(ctx context.Context, t string) (string, error) {
		return p.spliceTranscripts(ctx, job, t)
	})
	text = p.step(ctx, "links", text, func(ctx context.Context, t string) (string, error) {
		return p.appendLinkSummaries(ctx, job, t)
	})
	text = p.step(ctx, "reply_chain", text, func(ctx context.Context, t string) (string, error) {
		return p.prependReplyChain(ctx, job, t)
	})
	return text
}

// step runs one guarded sub-step under its own timeout. Failure keeps the
// text as-is.
func (p *Pipeline) step(ctx context.Context, name, text string, fn func(context.Context, string) (string, error)) string {
	if ctx.Err() != nil {
		return text
	}
	stepCtx, cancel := context.WithTimeout(ctx, p.stepTimeout)
	defer cancel()

	enriched, err := fn(stepCtx, text)
	if err != nil {
		p.logger.Warn("enrichment step failed", "step", name, "error", err)
		metrics.EnrichmentFailures.WithLabelValues(name).Inc()
		return text
	}
	return enriched
}

func (p *Pipeline) addTranscription(ctx context.Context, job *ingest.Job, text string) (string, error) {
	if !job.HasMedia || p.transcriber == nil {
		return text, nil
	}

	data, mimeType, err := p.client.DownloadMedia(ctx, job.ChatID, job.MessageID)
	if err != nil {
		return "", fmt.Errorf("downloading media: %w", err)
	}
	transcription, err := p.transcriber.Transcribe(ctx, data, mimeType)
	if err != nil {
		return "", fmt.Errorf("transcribing %s: %w", job.MediaKind, err)
	}
	if transcription == "" {
		return text, nil
	}

	prefix := fmt.Sprintf("[%s transcription]\n%s", job.MediaKind, transcription)
	if text == "" {
		return prefix, nil
	}
	return prefix + "\n\n" + text, nil
}

func (p *Pipeline) spliceTranscripts(ctx context.Context, job *ingest.Job, text string) (string, error) {
	if len(job.YouTubeURLs) == 0 || p.youtube == nil {
		return text, nil
	}

	var firstErr error
	for _, url := range job.YouTubeURLs {
		transcript, err := p.youtube.Transcript(ctx, url)
		if err != nil {
			p.logger.Debug("no transcript", "url", url, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		// Splice the transcript in place, right after the URL.
		text = strings.Replace(text, url, url+"\n[video transcript]\n"+transcript+"\n", 1)
	}
	if firstErr != nil && !strings.Contains(text, "[video transcript]") {
		return "", firstErr
	}
	return text, nil
}

func (p *Pipeline) appendLinkSummaries(ctx context.Context, job *ingest.Job, text string) (string, error) {
	if len(job.OtherURLs) == 0 || p.summarizer == nil {
		return text, nil
	}

	var summaries []string
	var firstErr error
	for _, url := range job.OtherURLs {
		summary, err := p.summarizer.Summarize(ctx, url)
		if err != nil {
			p.logger.Debug("link summary failed", "url", url, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		summaries = append(summaries, fmt.Sprintf("%s\n%s", url, summary))
	}
	if len(summaries) == 0 {
		if firstErr != nil {
			return "", firstErr
		}
		return text, nil
	}
	return text + "\n\n" + LinkSummaryMarker + "\n" + strings.Join(summaries, "\n\n"), nil
}

func (p *Pipeline) prependReplyChain(ctx context.Context, job *ingest.Job, text string) (string, error) {
	if job.ReplyToID == 0 {
		return text, nil
	}

	var chain []*transport.Message
	nextID := job.ReplyToID
	for depth := 0; depth < maxReplyDepth && nextID != 0; depth++ {
		msgs, err := p.client.GetMessages(ctx, job.ChatID, []int{nextID})
		if err != nil {
			return "", fmt.Errorf("fetching reply parent %d: %w", nextID, err)
		}
		if len(msgs) == 0 {
			break
		}
		chain = append(chain, msgs[0])
		nextID = msgs[0].ReplyToID
	}
	if len(chain) == 0 {
		return text, nil
	}

	// Oldest first, the way the conversation read.
	var sb strings.Builder
	sb.WriteString("Earlier in this thread:\n")
	for i := len(chain) - 1; i >= 0; i-- {
		fmt.Fprintf(&sb, "%s: %s\n", chain[i].Sender, chain[i].Text)
	}
	sb.WriteString("\n---\n\n")
	sb.WriteString(text)
	return sb.String(), nil
}
