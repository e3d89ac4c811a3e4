package ingest_test

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/credo-hq/credo/internal/ingest"
)

func TestChunk_ShortTextSingleChunk(t *testing.T) {
	t.Parallel()

	text := "Praxis has over 150 stores in the Netherlands and Belgium."
	spans := ingest.Chunk(text, 800, 120)
	if len(spans) != 1 {
		t.Fatalf("expected exactly one chunk, got %d", len(spans))
	}
	if spans[0].Start != 0 || spans[0].End != len(text) {
		t.Errorf("span offsets: got [%d,%d), want [0,%d)", spans[0].Start, spans[0].End, len(text))
	}
	if spans[0].Text != text {
		t.Errorf("span text mismatch")
	}
}

func TestChunk_EmptyAndWhitespace(t *testing.T) {
	t.Parallel()

	if spans := ingest.Chunk("", 800, 120); spans != nil {
		t.Errorf("empty text: expected no chunks, got %d", len(spans))
	}
	if spans := ingest.Chunk("  \n\t ", 800, 120); spans != nil {
		t.Errorf("whitespace text: expected no chunks, got %d", len(spans))
	}
}

func TestChunk_OverlapAndCoverage(t *testing.T) {
	t.Parallel()

	var sb strings.Builder
	for i := 0; i < 100; i++ {
		sb.WriteString("All store counts are reviewed quarterly by the retail team. ")
	}
	text := sb.String()

	spans := ingest.Chunk(text, 800, 120)
	if len(spans) < 2 {
		t.Fatalf("expected multiple chunks for %d bytes, got %d", len(text), len(spans))
	}
	for i, s := range spans {
		if s.End <= s.Start {
			t.Fatalf("chunk %d: empty span [%d,%d)", i, s.Start, s.End)
		}
		if s.End-s.Start > 800 {
			t.Errorf("chunk %d: %d bytes exceeds window", i, s.End-s.Start)
		}
		if i > 0 && spans[i].Start >= spans[i-1].End {
			t.Errorf("chunk %d: no overlap with previous (start %d, prev end %d)", i, spans[i].Start, spans[i-1].End)
		}
	}
	if last := spans[len(spans)-1]; last.End != len(text) {
		t.Errorf("final chunk ends at %d, want %d", last.End, len(text))
	}
}

func TestChunk_ParagraphBoundaryPreferred(t *testing.T) {
	t.Parallel()

	para := strings.Repeat("a", 700) + "\n\n" + strings.Repeat("b", 700)
	spans := ingest.Chunk(para, 800, 120)
	if len(spans) < 2 {
		t.Fatalf("expected at least 2 chunks, got %d", len(spans))
	}
	if got := spans[0].End; got != 702 {
		t.Errorf("first cut at %d, want 702 (after the paragraph break)", got)
	}
}

func TestChunk_NeverSplitsCodepoint(t *testing.T) {
	t.Parallel()

	// Multi-byte runes throughout; any mid-codepoint cut breaks validity.
	text := strings.Repeat("Größenwahn im Einzelhandel — überall Filialen. ", 60)
	spans := ingest.Chunk(text, 800, 120)
	for i, s := range spans {
		if !utf8.ValidString(s.Text) {
			t.Fatalf("chunk %d is not valid UTF-8", i)
		}
		if s.Text != text[s.Start:s.End] {
			t.Fatalf("chunk %d text does not match its offsets", i)
		}
	}
}
