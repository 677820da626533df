// ABOUTME: Work-item slug derivation from message text
// ABOUTME: Stopword filter, lowercase, hyphenated, at most five words

package session

import (
	"strings"
	"unicode"
)

const maxSlugWords = 5

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "but": true, "by": true, "can": true, "could": true,
	"do": true, "for": true, "from": true, "has": true, "have": true,
	"hey": true, "hi": true, "i": true, "in": true, "is": true, "it": true,
	"me": true, "my": true, "of": true, "on": true, "or": true,
	"please": true, "so": true, "that": true, "the": true, "this": true,
	"to": true, "we": true, "when": true, "will": true, "with": true,
	"would": true, "you": true, "your": true,
}

// Slug derives a short kebab-case identifier from the first salient words
// of text. Empty or all-stopword text yields "session".
func Slug(text string) string {
	var words []string
	for _, field := range strings.Fields(strings.ToLower(text)) {
		word := strings.Map(func(r rune) rune {
			if unicode.IsLetter(r) || unicode.IsDigit(r) {
				return r
			}
			return -1
		}, field)
		if word == "" || stopwords[word] {
			continue
		}
		words = append(words, word)
		if len(words) == maxSlugWords {
			break
		}
	}
	if len(words) == 0 {
		return "session"
	}
	return strings.Join(words, "-")
}
