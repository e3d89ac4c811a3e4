// Package validate adjudicates fact-kind claims against the knowledge
// base.
//
// Per claim: retrieve document chunks for the claim text and an
// entity-keyword rewrite, union them with fuzzy-matched profile facts,
// short-circuit to no_data when nothing scores above the threshold, and
// otherwise ask the generative adapter for a verdict over the top
// passages in a strict JSON schema. The adapter is never trusted blindly:
// responses are schema-validated, unknown evidence indices drop the
// verdict to uncertain, and an adapter that fails twice yields uncertain
// with rationale "adjudication unavailable". The validator never asserts
// confirmed or contradicted without a validated adjudication.
package validate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/antzucaro/matchr"
	"github.com/google/uuid"

	"github.com/credo-hq/credo/internal/fault"
	"github.com/credo-hq/credo/internal/observe"
	"github.com/credo-hq/credo/pkg/kb"
	"github.com/credo-hq/credo/pkg/provider/llm"
	"github.com/credo-hq/credo/pkg/types"
)

const adjudicationSystem = `You verify factual claims against evidence passages.
Decide whether the evidence confirms or contradicts the claim, or is
insufficient. For every passage you cite, label whether it supports the
claim and give a one-sentence rationale. Respond with a single JSON object:
{"status": "confirmed", "confidence": 0.9,
 "evidence": [{"index": 1, "supports": true, "rationale": "..."}]}
Valid statuses: confirmed, contradicted, uncertain. Indices refer to the
numbered passages. Cite only passages that informed your decision.`

// Config carries the validator tunables. Zero values take the documented
// defaults.
type Config struct {
	// TopK is the retrieval depth per query form. Default 5.
	TopK int

	// MinScore is the retrieval floor. Default 0.70.
	MinScore float64

	// NoDataThreshold short-circuits to no_data when nothing retrieved
	// scores at or above it. Default 0.60.
	NoDataThreshold float64

	// MaxPassages caps the passages shown to the adjudicator. Default 6.
	MaxPassages int

	// ContextBudget caps the total adjudication prompt size in bytes.
	// Default 4096.
	ContextBudget int

	// LinkBonus is added to the claim confidence when a cited chunk's
	// document links to a profile that also contributed a fact. Default
	// 0.05.
	LinkBonus float64

	// NameMatch is the Jaro-Winkler floor for matching a claim entity to
	// a profile name. Default 0.85.
	NameMatch float64

	// FactFloor drops profile facts scoring below it. Default 0.25.
	FactFloor float64
}

func (c *Config) applyDefaults() {
	if c.TopK <= 0 {
		c.TopK = 5
	}
	if c.MinScore <= 0 {
		c.MinScore = 0.70
	}
	if c.NoDataThreshold <= 0 {
		c.NoDataThreshold = 0.60
	}
	if c.MaxPassages <= 0 {
		c.MaxPassages = 6
	}
	if c.ContextBudget <= 0 {
		c.ContextBudget = 4096
	}
	if c.LinkBonus <= 0 {
		c.LinkBonus = 0.05
	}
	if c.NameMatch <= 0 {
		c.NameMatch = 0.85
	}
	if c.FactFloor <= 0 {
		c.FactFloor = 0.25
	}
}

// Validator adjudicates single claims. Safe for concurrent use.
type Validator struct {
	kb       *kb.KnowledgeBase
	provider llm.Provider
	cfg      Config

	// sleep is replaced in tests to skip the retry jitter.
	sleep func(time.Duration)
}

// New builds a Validator over the knowledge base and generative adapter.
func New(base *kb.KnowledgeBase, provider llm.Provider, cfg Config) *Validator {
	cfg.applyDefaults()
	return &Validator{kb: base, provider: provider, cfg: cfg, sleep: time.Sleep}
}

// passage is one numbered evidence candidate shown to the adjudicator.
type passage struct {
	evidence types.Evidence

	// linkedProfiles are the profile ids the source document links to;
	// empty for profile facts.
	linkedProfiles []string
}

// Validate adjudicates one fact-kind claim over the whole knowledge base.
func (v *Validator) Validate(ctx context.Context, c types.Claim) (*types.Validation, error) {
	return v.ValidateScoped(ctx, c, nil)
}

// ValidateScoped adjudicates one fact-kind claim. A non-empty profiles
// slice narrows retrieval to chunks linked to those profiles and fact
// matching to those profiles' facts.
func (v *Validator) ValidateScoped(ctx context.Context, c types.Claim, profiles []string) (*types.Validation, error) {
	if c.Kind != types.ClaimFact {
		return nil, fault.New(fault.KindInvalid, "claim %s is %s-kind; only facts are validated", c.ID, c.Kind)
	}

	passages, matchedProfiles, chunkIDs, err := v.retrieve(ctx, c, profiles)
	if err != nil {
		return nil, err
	}

	val := &types.Validation{
		ID:              uuid.NewString(),
		ClaimID:         c.ID,
		RetrievedChunks: chunkIDs,
		CreatedAt:       time.Now().UTC(),
	}
	defer func() {
		observe.DefaultMetrics().RecordVerdict(ctx, string(val.Status))
	}()

	best := 0.0
	for _, p := range passages {
		if p.evidence.Score > best {
			best = p.evidence.Score
		}
	}
	if best < v.cfg.NoDataThreshold {
		val.Status = types.VerdictNoData
		val.Confidence = 0
		val.Recommendation = "add supporting material"
		return val, nil
	}

	if len(passages) > v.cfg.MaxPassages {
		passages = passages[:v.cfg.MaxPassages]
	}
	prompt := v.buildPrompt(c, passages)
	sum := sha256.Sum256([]byte(prompt))
	val.RequestFingerprint = hex.EncodeToString(sum[:])

	adjStart := time.Now()
	verdict, err := v.adjudicate(ctx, prompt)
	observe.DefaultMetrics().AdjudicateDuration.Record(ctx, time.Since(adjStart).Seconds())
	if err != nil {
		// Conservative degradation: retrieval stands, the verdict does not.
		val.Status = types.VerdictUncertain
		val.Confidence = 0
		val.Recommendation = "adjudication unavailable"
		for _, p := range passages {
			ev := p.evidence
			ev.Rationale = "adjudication unavailable"
			val.Evidence = append(val.Evidence, ev)
		}
		return val, nil
	}

	v.applyVerdict(val, c, passages, matchedProfiles, verdict)
	return val, nil
}

// retrieve unions chunk retrieval (claim text plus entity rewrite) with
// fuzzy-matched profile facts, ordered by descending score.
func (v *Validator) retrieve(ctx context.Context, c types.Claim, profiles []string) ([]passage, map[string]bool, []string, error) {
	forms := []string{c.Text}
	if rewrite := entityRewrite(c); rewrite != "" {
		forms = append(forms, rewrite)
	}

	filter := kb.Filter{LinkedProfiles: profiles}
	results, err := v.kb.SearchClaim(ctx, forms, filter, v.cfg.TopK, v.cfg.MinScore)
	if err != nil {
		// One retry for transient retrieval failure.
		v.sleep(time.Duration(50+rand.Intn(100)) * time.Millisecond)
		results, err = v.kb.SearchClaim(ctx, forms, filter, v.cfg.TopK, v.cfg.MinScore)
		if err != nil {
			return nil, nil, nil, fault.Wrap(fault.KindRetrieval, err, "retrieval for claim %s", c.ID)
		}
	}

	var passages []passage
	chunkIDs := make([]string, 0, len(results))
	for _, r := range results {
		chunkIDs = append(chunkIDs, r.Chunk.ID)
		p := passage{evidence: types.Evidence{
			Source:   types.EvidenceChunk,
			SourceID: r.Chunk.ID,
			Quote:    r.Excerpt,
			Score:    r.Score,
		}}
		if r.Document != nil {
			p.linkedProfiles = r.Document.LinkedProfiles
		}
		passages = append(passages, p)
	}

	factPassages, matchedProfiles, err := v.matchFacts(ctx, c, profiles)
	if err != nil {
		return nil, nil, nil, err
	}
	passages = append(passages, factPassages...)

	sort.SliceStable(passages, func(i, j int) bool {
		a, b := passages[i].evidence, passages[j].evidence
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Source != b.Source {
			return a.Source == types.EvidenceChunk
		}
		return a.SourceID < b.SourceID
	})
	return passages, matchedProfiles, chunkIDs, nil
}

// matchFacts scans profiles whose name fuzzily matches a claim entity and
// scores their facts against the claim statement. A non-empty scope
// restricts the scan to those profile ids.
func (v *Validator) matchFacts(ctx context.Context, c types.Claim, scope []string) ([]passage, map[string]bool, error) {
	profiles, err := v.kb.Profiles().ListProfiles(ctx, "", nil)
	if err != nil {
		return nil, nil, fault.Wrap(fault.KindRetrieval, err, "profile scan for claim %s", c.ID)
	}

	inScope := make(map[string]bool, len(scope))
	for _, id := range scope {
		inScope[id] = true
	}

	matched := make(map[string]bool)
	var out []passage
	for _, p := range profiles {
		if len(inScope) > 0 && !inScope[p.ID] {
			continue
		}
		if !v.entityMatches(c, p) {
			continue
		}
		matched[p.ID] = true
		for _, f := range p.Facts {
			score := statementScore(c.Text, f.Statement)
			if score < v.cfg.FactFloor {
				continue
			}
			out = append(out, passage{evidence: types.Evidence{
				Source:   types.EvidenceFact,
				SourceID: f.ID,
				Quote:    f.Statement,
				Score:    score,
			}})
		}
	}
	return out, matched, nil
}

func (v *Validator) entityMatches(c types.Claim, p *types.Profile) bool {
	name := strings.ToLower(p.Name)
	for _, e := range c.Entities {
		ent := strings.ToLower(e.Text)
		if ent == "" {
			continue
		}
		if strings.Contains(name, ent) || strings.Contains(ent, name) {
			return true
		}
		if matchr.JaroWinkler(ent, name, false) >= v.cfg.NameMatch {
			return true
		}
	}
	return false
}

// statementScore measures claim/fact similarity: full-string Jaro-Winkler
// or content-token overlap, whichever is stronger.
func statementScore(claimText, statement string) float64 {
	a := strings.ToLower(strings.TrimSpace(claimText))
	b := strings.ToLower(strings.TrimSpace(statement))
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	score := matchr.JaroWinkler(a, b, false)

	aTokens := contentTokens(a)
	bTokens := contentTokens(b)
	if len(aTokens) > 0 {
		var matchedTokens int
		for _, at := range aTokens {
			for _, bt := range bTokens {
				if at == bt || matchr.JaroWinkler(at, bt, false) >= 0.92 {
					matchedTokens++
					break
				}
			}
		}
		if frac := float64(matchedTokens) / float64(len(aTokens)); frac > score {
			score = frac
		}
	}
	if score > 1 {
		score = 1
	}
	return score
}

var stopTokens = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "of": true,
	"in": true, "on": true, "to": true, "is": true, "are": true, "has": true,
	"have": true, "was": true, "were": true, "it": true, "its": true,
	"with": true, "for": true, "at": true, "by": true, "that": true,
}

func contentTokens(s string) []string {
	var out []string
	for _, t := range strings.FieldsFunc(s, func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	}) {
		if !stopTokens[t] {
			out = append(out, t)
		}
	}
	return out
}

// entityRewrite builds the keyword query form from the claim's salient
// entities.
func entityRewrite(c types.Claim) string {
	var parts []string
	for _, e := range c.Entities {
		if t := strings.TrimSpace(e.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}

func (v *Validator) buildPrompt(c types.Claim, passages []passage) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Claim: %s\n\nEvidence passages:\n", c.Text)
	for i, p := range passages {
		entry := fmt.Sprintf("[%d] (%s, similarity %.2f) %s\n", i+1, p.evidence.Source, p.evidence.Score, p.evidence.Quote)
		if b.Len()+len(entry) > v.cfg.ContextBudget {
			break
		}
		b.WriteString(entry)
	}
	return b.String()
}

// adjudicationResponse is the wire schema the prompt demands.
type adjudicationResponse struct {
	Status     string   `json:"status"`
	Confidence *float64 `json:"confidence"`
	Evidence   []struct {
		Index     int    `json:"index"`
		Supports  bool   `json:"supports"`
		Rationale string `json:"rationale"`
	} `json:"evidence"`
}

// adjudicate queries the adapter, retrying once. Schema violations count
// as failures.
func (v *Validator) adjudicate(ctx context.Context, prompt string) (*adjudicationResponse, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			v.sleep(time.Duration(100+rand.Intn(200)) * time.Millisecond)
		}
		resp, err := v.provider.Generate(ctx, llm.Request{
			System:      adjudicationSystem,
			Prompt:      prompt,
			Temperature: 0,
			MaxTokens:   1024,
			ForceJSON:   true,
		})
		if err != nil {
			lastErr = fault.Wrap(fault.KindAdapterFailure, err, "adjudication attempt %d", attempt+1)
			continue
		}
		var parsed adjudicationResponse
		if err := json.Unmarshal([]byte(strings.TrimSpace(resp.Content)), &parsed); err != nil {
			lastErr = fault.Wrap(fault.KindSchemaViolation, err, "adjudication response is not valid JSON")
			continue
		}
		switch parsed.Status {
		case "confirmed", "contradicted", "uncertain":
		default:
			lastErr = fault.New(fault.KindSchemaViolation, "unknown adjudication status %q", parsed.Status)
			continue
		}
		return &parsed, nil
	}
	return nil, lastErr
}

// applyVerdict folds the validated adjudication into the Validation:
// evidence labels, index validation, confidence derivation, and the
// link-graph bonus.
func (v *Validator) applyVerdict(val *types.Validation, c types.Claim, passages []passage, matchedProfiles map[string]bool, verdict *adjudicationResponse) {
	val.Status = types.Verdict(verdict.Status)

	cited := make(map[int]bool)
	indexValid := true
	for _, ev := range verdict.Evidence {
		if ev.Index < 1 || ev.Index > len(passages) {
			indexValid = false
			continue
		}
		idx := ev.Index - 1
		if cited[idx] {
			continue
		}
		cited[idx] = true
		p := passages[idx].evidence
		p.Supports = ev.Supports
		p.Rationale = ev.Rationale
		val.Evidence = append(val.Evidence, p)
	}
	if !indexValid {
		val.Status = types.VerdictUncertain
	}
	// A definite verdict must cite evidence; an assertion with none is
	// downgraded rather than trusted.
	if len(val.Evidence) == 0 &&
		(val.Status == types.VerdictConfirmed || val.Status == types.VerdictContradicted) {
		val.Status = types.VerdictUncertain
	}

	switch {
	case verdict.Confidence != nil:
		val.Confidence = clamp01(*verdict.Confidence)
	default:
		val.Confidence = agreementConfidence(verdict)
	}

	// Relationship-aware bonus: a cited chunk whose document links to a
	// profile that also contributed facts corroborates the claim's entity
	// context.
	if len(matchedProfiles) > 0 {
		for i := range val.Evidence {
			if val.Evidence[i].Source != types.EvidenceChunk {
				continue
			}
			if !linksAny(passages, val.Evidence[i].SourceID, matchedProfiles) {
				continue
			}
			val.Confidence = clamp01(val.Confidence + v.cfg.LinkBonus)
			val.Evidence[i].Rationale = strings.TrimSpace(val.Evidence[i].Rationale +
				fmt.Sprintf(" [linked profile corroboration, +%.2f]", v.cfg.LinkBonus))
			break
		}
	}
}

func linksAny(passages []passage, chunkID string, matched map[string]bool) bool {
	for _, p := range passages {
		if p.evidence.SourceID != chunkID {
			continue
		}
		for _, id := range p.linkedProfiles {
			if matched[id] {
				return true
			}
		}
	}
	return false
}

// agreementConfidence derives confidence from label agreement among the
// top-3 cited passages when the model reports none.
func agreementConfidence(verdict *adjudicationResponse) float64 {
	n := len(verdict.Evidence)
	if n == 0 {
		return 0.5
	}
	if n > 3 {
		n = 3
	}
	var supports int
	for _, ev := range verdict.Evidence[:n] {
		if ev.Supports {
			supports++
		}
	}
	majority := supports
	if n-supports > majority {
		majority = n - supports
	}
	return float64(majority) / float64(n)
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
