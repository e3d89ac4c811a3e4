// Package report assembles validation reports: claims in extractor order,
// positionally aligned validations, the weighted credibility score, and a
// summary. Reports are durable JSON files addressable by id.
package report

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/credo-hq/credo/pkg/provider/llm"
	"github.com/credo-hq/credo/pkg/types"
)

const summarySystem = `You summarize claim-validation reports in two or three plain
sentences: what was claimed, what the evidence showed, and what needs
attention. No markdown, no preamble.`

const warningExcerptLen = 80

// Aggregator builds reports. A nil provider always uses the templated
// summary.
type Aggregator struct {
	provider llm.Provider
}

// NewAggregator builds an Aggregator; provider may be nil.
func NewAggregator(provider llm.Provider) *Aggregator {
	return &Aggregator{provider: provider}
}

// Input carries everything a report is assembled from. Validations is
// keyed by claim id; non-fact claims have no entry.
type Input struct {
	Transcript  *types.Transcript
	Claims      []types.Claim
	Validations map[string]*types.Validation

	// SessionWarnings are propagated from the device layer (buffer
	// overflow, backpressure, skipped bytes).
	SessionWarnings []string
}

// Build assembles the report. It never fails: an unavailable summary
// adapter degrades to the templated enumeration.
func (a *Aggregator) Build(ctx context.Context, in Input) *types.Report {
	r := &types.Report{
		ID:           uuid.NewString(),
		TranscriptID: in.Transcript.ID,
		Claims:       in.Claims,
		Validations:  make([]*types.Validation, len(in.Claims)),
		CreatedAt:    time.Now().UTC(),
	}

	var weightSum, scoreSum float64
	var factSeen, factCount int
	counts := map[types.Verdict]int{}
	for i, c := range in.Claims {
		if c.Kind != types.ClaimFact {
			continue
		}
		factSeen++
		val := in.Validations[c.ID]
		if val == nil {
			continue
		}
		r.Validations[i] = val
		factCount++
		counts[val.Status]++

		weight := c.Confidence
		if weight <= 0 {
			weight = 1
		}
		weightSum += weight
		scoreSum += weight * val.Status.Score()

		switch {
		case val.Status == types.VerdictContradicted:
			r.Warnings = append(r.Warnings, "contradicts: "+excerpt(c.Text))
		case val.Status == types.VerdictUncertain && c.Confidence > 0.8:
			r.Warnings = append(r.Warnings, "uncertain despite high extraction confidence: "+excerpt(c.Text))
		}
	}
	r.Warnings = append(r.Warnings, in.SessionWarnings...)

	// NoClaims means the transcript carried no factual claims at all. Fact
	// claims that merely failed to validate leave the flag unset and the
	// credibility score absent.
	if factSeen == 0 {
		r.NoClaims = true
	} else if factCount > 0 {
		cred := scoreSum / weightSum
		r.Credibility = &cred
	}

	r.Summary = a.summarize(ctx, r, counts, factCount)
	return r
}

func (a *Aggregator) summarize(ctx context.Context, r *types.Report, counts map[types.Verdict]int, factCount int) string {
	fallback := templatedSummary(r, counts, factCount)
	if a.provider == nil {
		return fallback
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Transcript credibility report.\n")
	if r.Credibility != nil {
		fmt.Fprintf(&b, "Overall credibility: %.2f\n", *r.Credibility)
	}
	for i, c := range r.Claims {
		status := "not validated"
		if v := r.Validations[i]; v != nil {
			status = string(v.Status)
		}
		fmt.Fprintf(&b, "- [%s] %s (%s)\n", c.Kind, c.Text, status)
	}
	for _, w := range r.Warnings {
		fmt.Fprintf(&b, "warning: %s\n", w)
	}

	resp, err := a.provider.Generate(ctx, llm.Request{
		System:      summarySystem,
		Prompt:      b.String(),
		Temperature: 0.3,
		MaxTokens:   256,
	})
	if err != nil || strings.TrimSpace(resp.Content) == "" {
		slog.Warn("summary generation failed, using template", "report_id", r.ID, "error", err)
		return fallback
	}
	return strings.TrimSpace(resp.Content)
}

// templatedSummary is the deterministic fallback enumeration.
func templatedSummary(r *types.Report, counts map[types.Verdict]int, factCount int) string {
	if r.NoClaims {
		return fmt.Sprintf("%d claims: no factual claims to validate.", len(r.Claims))
	}
	return fmt.Sprintf("%d claims: %d confirmed, %d contradicted, %d uncertain, %d without data.",
		len(r.Claims),
		counts[types.VerdictConfirmed],
		counts[types.VerdictContradicted],
		counts[types.VerdictUncertain],
		counts[types.VerdictNoData])
}

func excerpt(text string) string {
	text = strings.TrimSpace(text)
	if len(text) <= warningExcerptLen {
		return text
	}
	cut := warningExcerptLen
	for cut > 0 && text[cut]&0xC0 == 0x80 {
		cut--
	}
	return text[:cut] + "…"
}
