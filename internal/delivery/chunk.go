// ABOUTME: Message chunking on paragraph boundaries
// ABOUTME: Blank lines first, then newlines, then hard splits

package delivery

import "strings"

// splitChunks breaks text into pieces of at most limit chars, preferring
// blank-line boundaries, then line breaks, then hard cuts.
func splitChunks(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}

	var chunks []string
	var current strings.Builder
	flush := func() {
		if current.Len() > 0 {
			chunks = append(chunks, current.String())
			current.Reset()
		}
	}

	for _, para := range strings.Split(text, "\n\n") {
		piece := para
		if current.Len() > 0 && current.Len()+2+len(piece) <= limit {
			current.WriteString("\n\n")
			current.WriteString(piece)
			continue
		}
		flush()
		if len(piece) <= limit {
			current.WriteString(piece)
			continue
		}
		// Paragraph too big on its own: split on line breaks, then hard.
		for _, line := range strings.Split(piece, "\n") {
			if current.Len() > 0 && current.Len()+1+len(line) <= limit {
				current.WriteString("\n")
				current.WriteString(line)
				continue
			}
			flush()
			for len(line) > limit {
				chunks = append(chunks, line[:limit])
				line = line[limit:]
			}
			current.WriteString(line)
		}
		flush()
	}
	flush()
	return chunks
}
