package claim

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/google/uuid"

	"github.com/credo-hq/credo/pkg/types"
)

// The rule-based extractor is the deterministic fallback: sentence
// segmentation, then keep sentences that assert something checkable (a
// number, a named entity, or a comparison) and drop questions and hedged
// first-person statements.

var (
	numberRe = regexp.MustCompile(`\b\d+(?:[.,]\d+)?\s*%?`)
	yearRe   = regexp.MustCompile(`\b(?:19|20)\d\d\b`)

	comparativeMarkers = []string{
		"more", "less", "most", "least", "better", "best", "worse", "worst",
		"higher", "lower", "bigger", "smaller", "larger", "faster", "slower",
		"greater", "fewer", "over", "under", "at least", "at most",
	}

	questionStarters = []string{
		"who", "what", "when", "where", "why", "how", "is", "are", "do",
		"does", "did", "can", "could", "will you", "would", "should",
	}

	hedgeMarkers = []string{
		"i think", "i believe", "i guess", "i feel", "in my opinion",
		"maybe", "perhaps", "probably",
	}

	predictionMarkers = []string{
		"will ", "going to", "expect", "plan to", "next year", "next quarter",
		"next month", "forecast", "projected",
	}

	monthNames = []string{
		"january", "february", "march", "april", "may", "june", "july",
		"august", "september", "october", "november", "december",
	}

	orgSuffixes = []string{"Inc", "Inc.", "Corp", "Corp.", "Ltd", "Ltd.", "BV", "B.V.", "GmbH", "LLC", "NV", "N.V."}
	honorifics  = []string{"Mr", "Mr.", "Ms", "Ms.", "Mrs", "Mrs.", "Dr", "Dr."}

	// Sentence-initial words that are capitalized by convention, not
	// because they name anything.
	initialStopwords = map[string]bool{
		"The": true, "A": true, "An": true, "This": true, "That": true,
		"These": true, "Those": true, "It": true, "We": true, "Our": true,
		"I": true, "He": true, "She": true, "They": true, "You": true,
		"My": true, "His": true, "Her": true, "Their": true, "In": true,
		"On": true, "At": true, "There": true, "Last": true, "Next": true,
		"And": true, "But": true, "So": true, "If": true, "As": true,
	}
)

// sentence is one segmented span of the transcript.
type sentence struct {
	text  string
	start int
	end   int
}

// splitSentences segments on terminal punctuation, preserving byte spans
// into the source text.
func splitSentences(text string) []sentence {
	var out []sentence
	start := -1
	for i := 0; i < len(text); i++ {
		c := text[i]
		if start < 0 {
			if c == ' ' || c == '\n' || c == '\t' || c == '\r' {
				continue
			}
			start = i
		}
		if c == '.' || c == '!' || c == '?' {
			// Decimal points and abbreviations like "3.5" stay inside the
			// sentence.
			if c == '.' && i+1 < len(text) && text[i+1] >= '0' && text[i+1] <= '9' {
				continue
			}
			out = append(out, sentence{text: text[start : i+1], start: start, end: i + 1})
			start = -1
		}
	}
	if start >= 0 {
		end := len(text)
		s := strings.TrimRight(text[start:end], " \n\t\r")
		if s != "" {
			out = append(out, sentence{text: s, start: start, end: start + len(s)})
		}
	}
	return out
}

// ExtractRules runs the deterministic rule path over transcript text.
func ExtractRules(transcriptID, text string) []types.Claim {
	var claims []types.Claim
	for _, s := range splitSentences(text) {
		lower := strings.ToLower(s.text)

		if strings.HasSuffix(strings.TrimSpace(s.text), "?") || startsWithAny(lower, questionStarters) {
			continue
		}
		if containsAny(lower, hedgeMarkers) {
			continue
		}

		entities := extractEntities(s.text)
		hasNumber := numberRe.MatchString(s.text)
		hasProper := hasProperNoun(entities)
		hasComparative := containsAny(lower, comparativeMarkers)
		if !hasNumber && !hasProper && !hasComparative {
			continue
		}

		kind := types.ClaimFact
		if containsAny(lower, predictionMarkers) {
			kind = types.ClaimPrediction
		}

		confidence := 0.6
		if hasNumber {
			confidence += 0.15
		}
		if hasProper {
			confidence += 0.1
		}
		if confidence > 0.9 {
			confidence = 0.9
		}

		claims = append(claims, types.Claim{
			ID:           uuid.NewString(),
			TranscriptID: transcriptID,
			Ordinal:      len(claims),
			Text:         strings.TrimSpace(s.text),
			SpanStart:    s.start,
			SpanEnd:      s.end,
			Kind:         kind,
			Entities:     entities,
			Confidence:   confidence,
			Extractor:    "rules",
		})
	}
	return claims
}

func startsWithAny(lower string, markers []string) bool {
	for _, m := range markers {
		if strings.HasPrefix(lower, m+" ") {
			return true
		}
	}
	return false
}

// containsAny matches single-word markers on word boundaries and phrase
// markers as substrings.
func containsAny(lower string, markers []string) bool {
	var words map[string]bool
	for _, m := range markers {
		if strings.ContainsAny(m, " ") {
			if strings.Contains(lower, m) {
				return true
			}
			continue
		}
		if words == nil {
			words = make(map[string]bool)
			for _, w := range strings.FieldsFunc(lower, func(r rune) bool {
				return !unicode.IsLetter(r) && !unicode.IsDigit(r)
			}) {
				words[w] = true
			}
		}
		if words[m] {
			return true
		}
	}
	return false
}

func hasProperNoun(entities []types.EntityMention) bool {
	for _, e := range entities {
		switch e.Type {
		case types.EntityPerson, types.EntityOrganization, types.EntityBrand, types.EntityPlace:
			return true
		}
	}
	return false
}

// extractEntities pulls typed surface forms with cheap heuristics: number
// and date tokens by pattern, proper nouns by capitalized runs past the
// sentence start.
func extractEntities(text string) []types.EntityMention {
	var out []types.EntityMention

	for _, m := range numberRe.FindAllString(text, -1) {
		if yearRe.MatchString(m) {
			out = append(out, types.EntityMention{Text: strings.TrimSpace(m), Type: types.EntityDate})
		} else {
			out = append(out, types.EntityMention{Text: strings.TrimSpace(m), Type: types.EntityNumber})
		}
	}
	lower := strings.ToLower(text)
	for _, month := range monthNames {
		if strings.Contains(lower, month) {
			out = append(out, types.EntityMention{Text: month, Type: types.EntityDate})
		}
	}

	words := strings.Fields(text)
	for i := 0; i < len(words); i++ {
		w := strings.Trim(words[i], ".,!?;:\"'()")
		if w == "" || !startsUpper(w) {
			continue
		}
		if i == 0 && initialStopwords[w] {
			continue
		}
		// Extend over the full capitalized run.
		run := []string{w}
		j := i + 1
		for j < len(words) {
			next := strings.Trim(words[j], ".,!?;:\"'()")
			if next == "" || !startsUpper(next) {
				break
			}
			run = append(run, next)
			j++
		}
		out = append(out, types.EntityMention{
			Text: strings.Join(run, " "),
			Type: classifyProper(run, i > 0 && isHonorific(strings.Trim(words[i-1], ".,"))),
		})
		i = j - 1
	}
	return out
}

func startsUpper(w string) bool {
	for _, r := range w {
		return unicode.IsUpper(r)
	}
	return false
}

func isHonorific(w string) bool {
	for _, h := range honorifics {
		if w == h {
			return true
		}
	}
	return false
}

func classifyProper(run []string, honored bool) types.EntityType {
	last := run[len(run)-1]
	for _, suf := range orgSuffixes {
		if last == suf {
			return types.EntityOrganization
		}
	}
	if honored {
		return types.EntityPerson
	}
	return types.EntityBrand
}
