// Package claim extracts atomic factual claims from transcript text.
//
// Two strategies run in a fixed fallback order: the model-assisted path
// prompts the generative adapter at temperature 0 with a strict JSON
// schema, and the rule-based path segments sentences and keeps checkable
// assertions. Any model or schema failure falls back to rules, so
// extraction always produces a result.
package claim

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/credo-hq/credo/internal/fault"
	"github.com/credo-hq/credo/internal/observe"
	"github.com/credo-hq/credo/pkg/provider/llm"
	"github.com/credo-hq/credo/pkg/types"
)

const extractionSystem = `You extract atomic factual claims from meeting transcripts.
Split compound statements into single checkable assertions. Classify each as
"fact" (checkable assertion), "opinion" (subjective judgement), or
"prediction" (statement about the future). List the named entities each
claim mentions. Respond with a JSON array, one object per claim:
[{"text": "...", "kind": "fact", "entities": [{"text": "...", "type": "brand"}], "confidence": 0.9}]
Valid entity types: person, organization, brand, product, place, number, date.
Copy claim text verbatim from the transcript where possible. Return [] when
the transcript asserts nothing.`

// Extractor runs the model-assisted strategy with rule-based fallback.
// A nil provider selects the rule path directly.
type Extractor struct {
	provider  llm.Provider
	maxTokens int
}

// Option is a functional option for Extractor.
type Option func(*Extractor)

// WithMaxTokens caps the extraction completion size.
func WithMaxTokens(n int) Option {
	return func(e *Extractor) { e.maxTokens = n }
}

// New builds an Extractor. provider may be nil for rules-only operation.
func New(provider llm.Provider, opts ...Option) *Extractor {
	e := &Extractor{provider: provider, maxTokens: 2048}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Extract emits the ordered claim list for a transcript. The error is
// always nil for non-empty input: model failures degrade to the rule path.
func (e *Extractor) Extract(ctx context.Context, tr *types.Transcript) ([]types.Claim, error) {
	text := strings.TrimSpace(tr.Text)
	if text == "" {
		return nil, nil
	}
	var claims []types.Claim
	if e.provider == nil {
		claims = ExtractRules(tr.ID, tr.Text)
	} else if llmClaims, err := e.extractLLM(ctx, tr); err != nil {
		slog.Warn("model-assisted extraction failed, falling back to rules",
			"transcript_id", tr.ID, "kind", fault.KindOf(err), "error", err)
		claims = ExtractRules(tr.ID, tr.Text)
	} else {
		claims = llmClaims
	}
	for _, c := range claims {
		observe.DefaultMetrics().RecordClaim(ctx, string(c.Kind))
	}
	return claims, nil
}

// llmClaim is the wire schema the extraction prompt demands.
type llmClaim struct {
	Text     string `json:"text"`
	Kind     string `json:"kind"`
	Entities []struct {
		Text string `json:"text"`
		Type string `json:"type"`
	} `json:"entities"`
	Confidence float64 `json:"confidence"`
}

func (e *Extractor) extractLLM(ctx context.Context, tr *types.Transcript) ([]types.Claim, error) {
	resp, err := e.provider.Generate(ctx, llm.Request{
		System:      extractionSystem,
		Prompt:      tr.Text,
		Temperature: 0,
		MaxTokens:   e.maxTokens,
		ForceJSON:   true,
	})
	if err != nil {
		return nil, err
	}

	var raw []llmClaim
	dec := json.NewDecoder(strings.NewReader(strings.TrimSpace(resp.Content)))
	if err := dec.Decode(&raw); err != nil {
		return nil, fault.Wrap(fault.KindSchemaViolation, err, "extraction response is not a claim array")
	}

	stamp := "llm:" + e.provider.ModelID()
	claims := make([]types.Claim, 0, len(raw))
	for i, rc := range raw {
		if strings.TrimSpace(rc.Text) == "" {
			return nil, fault.New(fault.KindSchemaViolation, "claim %d has empty text", i)
		}
		kind := types.ClaimKind(rc.Kind)
		if !kind.IsValid() {
			return nil, fault.New(fault.KindSchemaViolation, "claim %d has unknown kind %q", i, rc.Kind)
		}
		if rc.Confidence < 0 || rc.Confidence > 1 {
			return nil, fault.New(fault.KindSchemaViolation, "claim %d confidence %v outside [0,1]", i, rc.Confidence)
		}

		start, end := locateSpan(tr.Text, rc.Text)
		c := types.Claim{
			ID:           uuid.NewString(),
			TranscriptID: tr.ID,
			Ordinal:      i,
			Text:         strings.TrimSpace(rc.Text),
			SpanStart:    start,
			SpanEnd:      end,
			Kind:         kind,
			Confidence:   rc.Confidence,
			Extractor:    stamp,
		}
		for _, ent := range rc.Entities {
			if strings.TrimSpace(ent.Text) == "" {
				continue
			}
			c.Entities = append(c.Entities, types.EntityMention{
				Text: ent.Text,
				Type: types.EntityType(ent.Type),
			})
		}
		claims = append(claims, c)
	}
	return claims, nil
}

// locateSpan finds the claim's byte span in the source transcript. A
// paraphrased claim that no longer appears verbatim gets a zero span.
func locateSpan(source, claimText string) (int, int) {
	needle := strings.TrimSpace(claimText)
	if i := strings.Index(source, needle); i >= 0 {
		return i, i + len(needle)
	}
	if i := strings.Index(strings.ToLower(source), strings.ToLower(needle)); i >= 0 {
		return i, i + len(needle)
	}
	return 0, 0
}
