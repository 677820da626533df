// ABOUTME: Link summarizer backed by go-readability content extraction
// ABOUTME: Fetches the page, extracts readable text, trims to a short excerpt

package enrich

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"
)

const (
	maxFetchBytes   = 1 << 20 // 1MB
	maxSummaryChars = 600
)

// ReadabilitySummarizer fetches a page and extracts its readable text.
type ReadabilitySummarizer struct {
	client *http.Client
}

func NewReadabilitySummarizer() *ReadabilitySummarizer {
	return &ReadabilitySummarizer{
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

// Summarize returns the page title plus a short excerpt of its content.
func (r *ReadabilitySummarizer) Summarize(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; EmberBridge/1.0)")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("HTTP %d from %s", resp.StatusCode, rawURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return "", fmt.Errorf("read error: %w", err)
	}

	parsedURL, _ := url.Parse(rawURL)
	article, err := readability.FromReader(strings.NewReader(string(body)), parsedURL)
	if err != nil {
		return "", fmt.Errorf("extracting content: %w", err)
	}

	content := strings.TrimSpace(article.TextContent)
	if content == "" {
		return "", fmt.Errorf("no readable content at %s", rawURL)
	}
	content = strings.Join(strings.Fields(content), " ")
	if len(content) > maxSummaryChars {
		content = content[:maxSummaryChars] + "..."
	}

	if article.Title != "" {
		return article.Title + "\n" + content, nil
	}
	return content, nil
}

var _ Summarizer = (*ReadabilitySummarizer)(nil)
