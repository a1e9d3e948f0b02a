package execution

import "unicode/utf8"

// splitResult cuts text into at most maxChunks pieces of roughly size
// bytes. Cuts fall on rune boundaries and the pieces concatenate back to
// text exactly.
func splitResult(text string, size, maxChunks int) []string {
	if text == "" {
		return []string{""}
	}
	if maxChunks < 1 {
		maxChunks = 1
	}
	if need := (len(text) + size - 1) / size; need > maxChunks {
		size = (len(text) + maxChunks - 1) / maxChunks
	}

	pieces := make([]string, 0, maxChunks)
	for start := 0; start < len(text); {
		if len(pieces) == maxChunks-1 {
			pieces = append(pieces, text[start:])
			break
		}
		end := start + size
		if end >= len(text) {
			pieces = append(pieces, text[start:])
			break
		}
		for end > start && !utf8.RuneStart(text[end]) {
			end--
		}
		if end == start {
			// size is smaller than the rune at start.
			_, w := utf8.DecodeRuneInString(text[start:])
			end = start + w
		}
		pieces = append(pieces, text[start:end])
		start = end
	}
	return pieces
}
