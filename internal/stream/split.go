package stream

import (
	"strings"
	"unicode/utf8"
)

// Minimum position of a break, as a fraction of the window, for each kind
// of boundary. Earlier breaks would produce pathologically short chunks.
const (
	minBreakRatio    = 0.3
	minSentenceRatio = 0.5
)

var sentenceEnds = []string{". ", "! ", "? ", ".\n", "!\n", "?\n"}

// SplitMessage splits content into chunks of at most limit runes. Each
// split happens at the best boundary available inside the window, in
// order: blank line, newline, end of sentence, space, and finally a hard
// cut. Chunks are trimmed of surrounding whitespace and empty chunks are
// dropped.
func SplitMessage(content string, limit int) []string {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}
	if limit <= 0 || utf8.RuneCountInString(content) <= limit {
		return []string{content}
	}

	var chunks []string
	for content != "" {
		if utf8.RuneCountInString(content) <= limit {
			chunks = append(chunks, content)
			break
		}

		window := content[:runeOffset(content, limit)]
		cut := breakPoint(window)

		if chunk := strings.TrimSpace(content[:cut]); chunk != "" {
			chunks = append(chunks, chunk)
		}
		content = strings.TrimSpace(content[cut:])
	}
	return chunks
}

// breakPoint returns the byte offset in window at which to cut.
func breakPoint(window string) int {
	n := len(window)
	minBreak := int(float64(n) * minBreakRatio)

	if i := strings.LastIndex(window, "\n\n"); i >= minBreak && i > 0 {
		return i
	}
	if i := strings.LastIndex(window, "\n"); i >= minBreak && i > 0 {
		return i
	}

	best := -1
	for _, end := range sentenceEnds {
		if i := strings.LastIndex(window, end); i > best {
			best = i
		}
	}
	if best >= int(float64(n)*minSentenceRatio) {
		// Keep the punctuation with the sentence it ends.
		return best + 1
	}

	if i := strings.LastIndexAny(window, " \t"); i >= minBreak && i > 0 {
		return i
	}
	return n
}

// runeOffset returns the byte offset of the n-th rune of s, or len(s).
func runeOffset(s string, n int) int {
	for i := range s {
		if n == 0 {
			return i
		}
		n--
	}
	return len(s)
}

// tail returns the last limit runes of s, prefixed with an ellipsis when
// anything was dropped.
func tail(s string, limit int) string {
	count := utf8.RuneCountInString(s)
	if limit <= 0 || count <= limit {
		return s
	}
	return "…" + s[runeOffset(s, count-limit+1):]
}
