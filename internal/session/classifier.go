// ABOUTME: Keyword classifier for the message that opens a session
// ABOUTME: Scores bug/feature/chore vocabularies, low-signal text stays unclassified

package session

import (
	"context"
	"strings"
)

// Classification vocabularies. A word hit scores its category; the
// category with the most hits wins.
var classifierVocab = map[string][]string{
	"bug": {
		"bug", "broken", "crash", "crashes", "error", "fails", "failing",
		"exception", "regression", "fix", "wrong", "incorrect",
	},
	"feature": {
		"add", "feature", "implement", "support", "new", "create",
		"build", "enable", "allow", "introduce",
	},
	"chore": {
		"refactor", "cleanup", "rename", "upgrade", "bump", "update",
		"deps", "dependency", "docs", "document", "format", "lint",
	},
}

// KeywordClassifier classifies session-opening messages by vocabulary
// match. It never returns an error; text with no hits yields nil.
type KeywordClassifier struct{}

func NewKeywordClassifier() *KeywordClassifier {
	return &KeywordClassifier{}
}

func (k *KeywordClassifier) Classify(_ context.Context, text string) (*Classification, error) {
	words := strings.Fields(strings.ToLower(text))
	hits := make(map[string]int)
	total := 0
	for _, word := range words {
		word = strings.Trim(word, ".,;:!?()[]\"'")
		for category, vocab := range classifierVocab {
			for _, v := range vocab {
				if word == v {
					hits[category]++
					total++
				}
			}
		}
	}
	if total == 0 {
		return nil, nil
	}

	// Fixed order keeps ties deterministic.
	best := ""
	for _, category := range []string{"bug", "feature", "chore"} {
		if best == "" || hits[category] > hits[best] {
			best = category
		}
	}
	return &Classification{
		Type:       best,
		Confidence: float64(hits[best]) / float64(total),
	}, nil
}

var _ Classifier = (*KeywordClassifier)(nil)
