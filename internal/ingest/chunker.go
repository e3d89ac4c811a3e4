package ingest

import (
	"strings"
	"unicode/utf8"
)

// Chunking defaults. Window and overlap are in bytes of UTF-8 text; cuts
// always land on rune boundaries so no chunk ever splits a codepoint.
const (
	DefaultChunkSize    = 800
	DefaultChunkOverlap = 120
)

// Span is one chunk of decoded text with half-open byte offsets into the
// source.
type Span struct {
	Start int
	End   int
	Text  string
}

// Chunk splits text into windows of at most size bytes with the given
// overlap between consecutive windows. Cuts prefer paragraph boundaries,
// then line breaks, then word boundaries within the tail of the window.
// Text that fits a single window yields exactly one chunk; whitespace-only
// text yields none.
func Chunk(text string, size, overlap int) []Span {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = DefaultChunkOverlap
		if overlap >= size {
			overlap = size / 4
		}
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if len(text) <= size {
		return []Span{{Start: 0, End: len(text), Text: text}}
	}

	var spans []Span
	start := 0
	for start < len(text) {
		end := start + size
		if end >= len(text) {
			end = len(text)
		} else {
			end = cutPoint(text, start, end)
		}

		if strings.TrimSpace(text[start:end]) != "" {
			spans = append(spans, Span{Start: start, End: end, Text: text[start:end]})
		}
		if end == len(text) {
			break
		}

		next := end - overlap
		if next <= start {
			next = end
		}
		// Never begin a chunk mid-codepoint.
		for next < len(text) && !utf8.RuneStart(text[next]) {
			next++
		}
		start = next
	}
	return spans
}

// cutPoint picks the best boundary at or before end. Paragraph breaks win
// over line breaks, line breaks over spaces; all are only considered in
// the last quarter of the window so chunks stay near the target size. The
// fallback is the nearest rune boundary.
func cutPoint(text string, start, end int) int {
	// Back off a partial rune first.
	for end > start && !utf8.RuneStart(text[end]) {
		end--
	}
	floor := end - (end-start)/4

	if i := strings.LastIndex(text[floor:end], "\n\n"); i >= 0 {
		return floor + i + 2
	}
	if i := strings.LastIndexByte(text[floor:end], '\n'); i >= 0 {
		return floor + i + 1
	}
	if i := strings.LastIndexByte(text[floor:end], ' '); i >= 0 {
		return floor + i + 1
	}
	return end
}
