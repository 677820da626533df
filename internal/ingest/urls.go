// ABOUTME: URL detection and youtube/other partitioning for inbound text
// ABOUTME: Regex extraction plus host matching for YouTube forms

package ingest

import (
	"net/url"
	"regexp"
	"strings"
)

var urlPattern = regexp.MustCompile(`https?://[^\s<>"']+`)

// extractURLs finds URLs in text and partitions them into YouTube links
// (watch pages, shorts, youtu.be) and everything else. Trailing sentence
// punctuation is trimmed.
func extractURLs(text string) (youtube, other []string) {
	for _, raw := range urlPattern.FindAllString(text, -1) {
		cleaned := strings.TrimRight(raw, ".,;:!?)")
		if isYouTube(cleaned) {
			youtube = append(youtube, cleaned)
		} else {
			other = append(other, cleaned)
		}
	}
	return youtube, other
}

func isYouTube(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	return host == "youtube.com" || host == "m.youtube.com" || host == "youtu.be"
}

// stripMentions removes the bot's handle from text. Telegram prepends the
// handle when the bot is addressed in a group.
func stripMentions(text, botHandle string) string {
	if botHandle == "" {
		return strings.TrimSpace(text)
	}
	fields := strings.Fields(text)
	kept := fields[:0]
	for _, f := range fields {
		if strings.EqualFold(strings.TrimRight(f, ",:"), botHandle) {
			continue
		}
		kept = append(kept, f)
	}
	return strings.Join(kept, " ")
}
