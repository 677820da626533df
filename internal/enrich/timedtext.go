// ABOUTME: YouTube caption fetcher backed by the timedtext endpoint
// ABOUTME: Resolves the video id, fetches the track XML, joins cue lines

package enrich

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultTimedTextURL = "https://video.google.com/timedtext"
	maxTrackBytes       = 2 << 20 // 2MB
	maxTranscriptChars  = 8000
)

// TimedTextFetcher downloads a video's caption track from the public
// timedtext endpoint. Videos without captions yield an error, which the
// pipeline treats as a skipped step.
type TimedTextFetcher struct {
	client  *http.Client
	baseURL string
	lang    string
}

func NewTimedTextFetcher() *TimedTextFetcher {
	return &TimedTextFetcher{
		client:  &http.Client{Timeout: 15 * time.Second},
		baseURL: defaultTimedTextURL,
		lang:    "en",
	}
}

// Transcript fetches the caption track for a video URL and flattens its
// cues into one string.
func (f *TimedTextFetcher) Transcript(ctx context.Context, rawURL string) (string, error) {
	id, err := videoID(rawURL)
	if err != nil {
		return "", err
	}

	endpoint := fmt.Sprintf("%s?lang=%s&v=%s",
		f.baseURL, url.QueryEscape(f.lang), url.QueryEscape(id))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; EmberBridge/1.0)")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("HTTP %d fetching captions for %s", resp.StatusCode, id)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTrackBytes))
	if err != nil {
		return "", fmt.Errorf("read error: %w", err)
	}
	// Uncaptioned videos answer 200 with an empty body.
	if len(bytes.TrimSpace(body)) == 0 {
		return "", fmt.Errorf("no caption track for %s", id)
	}

	var track struct {
		Texts []string `xml:"text"`
	}
	if err := xml.Unmarshal(body, &track); err != nil {
		return "", fmt.Errorf("parsing caption track: %w", err)
	}

	var cues []string
	for _, cue := range track.Texts {
		// The endpoint double-escapes entities; the XML decoder leaves
		// one layer behind.
		cue = strings.TrimSpace(html.UnescapeString(cue))
		if cue != "" {
			cues = append(cues, cue)
		}
	}
	if len(cues) == 0 {
		return "", fmt.Errorf("no caption track for %s", id)
	}

	transcript := strings.Join(cues, " ")
	if len(transcript) > maxTranscriptChars {
		transcript = transcript[:maxTranscriptChars] + "..."
	}
	return transcript, nil
}

// videoID extracts the id from watch, shorts, embed, live, and youtu.be
// URLs.
func videoID(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid video URL: %w", err)
	}

	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	if host == "youtu.be" {
		if id := strings.Trim(u.Path, "/"); id != "" {
			return id, nil
		}
		return "", fmt.Errorf("no video id in %s", raw)
	}

	if id := u.Query().Get("v"); id != "" {
		return id, nil
	}
	for _, prefix := range []string{"/shorts/", "/embed/", "/live/"} {
		if rest, ok := strings.CutPrefix(u.Path, prefix); ok {
			if id, _, _ := strings.Cut(rest, "/"); id != "" {
				return id, nil
			}
		}
	}
	return "", fmt.Errorf("no video id in %s", raw)
}

var _ TranscriptFetcher = (*TimedTextFetcher)(nil)
