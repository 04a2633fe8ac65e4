package ingest

import "strings"

const (
	DefaultChunkSize    = 1200
	DefaultChunkOverlap = 150
)

// Chunk splits text into pieces of at most size bytes, preferring paragraph
// then sentence then word boundaries. Consecutive chunks share up to overlap
// trailing bytes of the previous chunk.
func Chunk(text string, size, overlap int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}
	if len(text) <= size {
		return []string{text}
	}

	var chunks []string
	for start := 0; start < len(text); {
		end := start + size
		if end >= len(text) {
			chunks = append(chunks, strings.TrimSpace(text[start:]))
			break
		}
		end = start + cutPoint(text[start:end])
		chunks = append(chunks, strings.TrimSpace(text[start:end]))

		next := end - overlap
		if next <= start {
			next = end
		}
		// Do not start the overlap mid-word.
		if sp := strings.IndexByte(text[next:end], ' '); overlap > 0 && sp >= 0 {
			next += sp + 1
		}
		start = next
	}
	out := chunks[:0]
	for _, c := range chunks {
		if c != "" {
			out = append(out, c)
		}
	}
	return out
}

// cutPoint returns where to end a window, searching backwards from its end
// for a paragraph break, sentence end or space in its second half.
func cutPoint(window string) int {
	half := len(window) / 2
	if i := strings.LastIndex(window, "\n\n"); i >= half {
		return i + 2
	}
	for _, sep := range []string{". ", "! ", "? ", "\n"} {
		if i := strings.LastIndex(window, sep); i >= half {
			return i + len(sep)
		}
	}
	if i := strings.LastIndexByte(window, ' '); i >= half {
		return i + 1
	}
	return len(window)
}
