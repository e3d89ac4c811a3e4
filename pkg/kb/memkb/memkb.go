// Package memkb provides in-memory implementations of the knowledge base
// storage interfaces. It backs unit tests and the zero-dependency demo
// mode; semantics mirror the postgres package, including dimension
// enforcement, deterministic search ordering, and the symmetric link
// relation.
package memkb

import (
	"context"
	"math"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/credo-hq/credo/internal/fault"
	"github.com/credo-hq/credo/pkg/kb"
	"github.com/credo-hq/credo/pkg/types"
)

// Compile-time interface checks.
var (
	_ kb.VectorIndex   = (*Store)(nil)
	_ kb.ProfileStore  = (*Store)(nil)
	_ kb.DocumentStore = (*Store)(nil)
)

type linkKey struct {
	documentID string
	profileID  string
}

// Store is the in-memory knowledge base storage. One Store implements all
// three storage interfaces; the zero value is not usable, construct with
// [New].
//
// All methods are safe for concurrent use.
type Store struct {
	mu sync.RWMutex

	dims      int
	chunks    map[string]types.Chunk
	profiles  map[string]*types.Profile
	facts     map[string][]types.Fact // profile id -> facts in insertion order
	documents map[string]*types.Document
	links     map[linkKey]struct{}
}

// New creates an empty Store whose vector index accepts embeddings of the
// given dimension.
func New(dims int) *Store {
	return &Store{
		dims:      dims,
		chunks:    make(map[string]types.Chunk),
		profiles:  make(map[string]*types.Profile),
		facts:     make(map[string][]types.Fact),
		documents: make(map[string]*types.Document),
		links:     make(map[linkKey]struct{}),
	}
}

// ─── kb.VectorIndex ─────────────────────────────────────────────────────

// Dimensions implements kb.VectorIndex.
func (s *Store) Dimensions() int { return s.dims }

// Upsert implements kb.VectorIndex.
func (s *Store) Upsert(ctx context.Context, chunks []types.Chunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, c := range chunks {
		if len(c.Embedding) != s.dims {
			return fault.New(fault.KindDimensionMismatch,
				"chunk %s: vector has %d dimensions, index expects %d", c.ID, len(c.Embedding), s.dims)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range chunks {
		s.chunks[c.ID] = c
	}
	return nil
}

// Delete implements kb.VectorIndex.
func (s *Store) Delete(ctx context.Context, chunkIDs ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range chunkIDs {
		delete(s.chunks, id)
	}
	return nil
}

// DeleteByDocument removes every chunk of the document.
func (s *Store) DeleteByDocument(ctx context.Context, documentID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.chunks {
		if c.DocumentID == documentID {
			delete(s.chunks, id)
		}
	}
	return nil
}

// ReplaceDocument implements kb.VectorIndex. The swap happens under the
// write lock, so readers never observe a mixed generation.
func (s *Store) ReplaceDocument(ctx context.Context, documentID string, chunks []types.Chunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, c := range chunks {
		if len(c.Embedding) != s.dims {
			return fault.New(fault.KindDimensionMismatch,
				"chunk %s: vector has %d dimensions, index expects %d", c.ID, len(c.Embedding), s.dims)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.chunks {
		if c.DocumentID == documentID {
			delete(s.chunks, id)
		}
	}
	for _, c := range chunks {
		s.chunks[c.ID] = c
	}
	return nil
}

// Search implements kb.VectorIndex with exact (brute force) cosine
// similarity. Ordering is descending score, ties broken by ascending
// chunk id.
func (s *Store) Search(ctx context.Context, vector []float32, k int, filter kb.Filter, minScore float64) ([]kb.Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(vector) != s.dims {
		return nil, fault.New(fault.KindDimensionMismatch,
			"query vector has %d dimensions, index expects %d", len(vector), s.dims)
	}
	if k <= 0 {
		return []kb.Match{}, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	matches := make([]kb.Match, 0, len(s.chunks))
	for _, c := range s.chunks {
		if !matchesFilter(c, filter) {
			continue
		}
		score := (1 + cosine(vector, c.Embedding)) / 2
		if score < minScore {
			continue
		}
		matches = append(matches, kb.Match{Chunk: c, Score: score})
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Chunk.ID < matches[j].Chunk.ID
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// Rebuild implements kb.VectorIndex. The brute-force index has no derived
// structure, so this is a no-op.
func (s *Store) Rebuild(ctx context.Context) error { return ctx.Err() }

func matchesFilter(c types.Chunk, f kb.Filter) bool {
	for _, tag := range f.Tags {
		if !slices.Contains(c.Tags, tag) {
			return false
		}
	}
	if f.Category != "" && c.Category != f.Category {
		return false
	}
	if f.DocumentID != "" && c.DocumentID != f.DocumentID {
		return false
	}
	if len(f.LinkedProfiles) > 0 {
		any := false
		for _, p := range f.LinkedProfiles {
			if slices.Contains(c.LinkedProfiles, p) {
				any = true
				break
			}
		}
		if !any {
			return false
		}
	}
	return true
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	return math.Max(-1, math.Min(1, sim))
}

// ─── kb.ProfileStore ────────────────────────────────────────────────────

// CreateProfile implements kb.ProfileStore.
func (s *Store) CreateProfile(ctx context.Context, p *types.Profile) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.ID == "" {
		return fault.New(fault.KindInvalid, "profile id must not be empty")
	}
	if !p.Kind.IsValid() {
		return fault.New(fault.KindInvalid, "unknown profile kind %q", p.Kind)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.profiles[p.ID]; exists {
		return fault.New(fault.KindConflict, "profile %s already exists", p.ID)
	}
	now := time.Now().UTC()
	cp := *p
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	cp.Facts = nil
	cp.Documents = nil
	s.profiles[p.ID] = &cp
	for _, f := range p.Facts {
		s.facts[p.ID] = append(s.facts[p.ID], f)
	}
	return nil
}

// GetProfile implements kb.ProfileStore.
func (s *Store) GetProfile(ctx context.Context, id string) (*types.Profile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[id]
	if !ok {
		return nil, fault.New(fault.KindNotFound, "profile %s", id)
	}
	return s.hydrateLocked(p), nil
}

// ListProfiles implements kb.ProfileStore.
func (s *Store) ListProfiles(ctx context.Context, kind types.ProfileKind, tags []string) ([]*types.Profile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.Profile
	for _, p := range s.profiles {
		if kind != "" && p.Kind != kind {
			continue
		}
		tagged := true
		for _, tag := range tags {
			if !slices.Contains(p.Tags, tag) {
				tagged = false
				break
			}
		}
		if !tagged {
			continue
		}
		out = append(out, s.hydrateLocked(p))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return strings.Compare(out[i].Name, out[j].Name) < 0
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// DeleteProfile implements kb.ProfileStore, removing the profile's side of
// every document link.
func (s *Store) DeleteProfile(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.profiles[id]; !ok {
		return fault.New(fault.KindNotFound, "profile %s", id)
	}
	delete(s.profiles, id)
	delete(s.facts, id)
	for key := range s.links {
		if key.profileID == id {
			delete(s.links, key)
		}
	}
	return nil
}

// AddFact implements kb.ProfileStore.
func (s *Store) AddFact(ctx context.Context, profileID string, f *types.Fact) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.ID == "" {
		return fault.New(fault.KindInvalid, "fact id must not be empty")
	}
	if f.Confidence < 0 || f.Confidence > 1 {
		return fault.New(fault.KindInvalid, "fact confidence %v outside [0,1]", f.Confidence)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.profiles[profileID]; !ok {
		return fault.New(fault.KindNotFound, "profile %s", profileID)
	}
	f.ProfileID = profileID
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	s.facts[profileID] = append(s.facts[profileID], *f)
	return nil
}

// RemoveFact implements kb.ProfileStore.
func (s *Store) RemoveFact(ctx context.Context, profileID, factID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	facts := s.facts[profileID]
	for i, f := range facts {
		if f.ID == factID {
			s.facts[profileID] = slices.Delete(facts, i, i+1)
			return nil
		}
	}
	return fault.New(fault.KindNotFound, "fact %s on profile %s", factID, profileID)
}

// Link implements kb.ProfileStore.
func (s *Store) Link(ctx context.Context, documentID, profileID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.documents[documentID]; !ok {
		return fault.New(fault.KindNotFound, "document %s", documentID)
	}
	if _, ok := s.profiles[profileID]; !ok {
		return fault.New(fault.KindNotFound, "profile %s", profileID)
	}
	s.links[linkKey{documentID, profileID}] = struct{}{}
	return nil
}

// Unlink implements kb.ProfileStore.
func (s *Store) Unlink(ctx context.Context, documentID, profileID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.links, linkKey{documentID, profileID})
	return nil
}

// UnlinkDocument removes every link for a document.
func (s *Store) UnlinkDocument(ctx context.Context, documentID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.links {
		if key.documentID == documentID {
			delete(s.links, key)
		}
	}
	return nil
}

// LinkedDocuments implements kb.ProfileStore.
func (s *Store) LinkedDocuments(ctx context.Context, profileID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.linkedDocumentsLocked(profileID), nil
}

// RepairLinks implements kb.ProfileStore.
func (s *Store) RepairLinks(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key := range s.links {
		_, docOK := s.documents[key.documentID]
		_, profOK := s.profiles[key.profileID]
		if !docOK || !profOK {
			delete(s.links, key)
			removed++
		}
	}
	return removed, nil
}

func (s *Store) hydrateLocked(p *types.Profile) *types.Profile {
	cp := *p
	cp.Facts = slices.Clone(s.facts[p.ID])
	cp.Documents = s.linkedDocumentsLocked(p.ID)
	return &cp
}

func (s *Store) linkedDocumentsLocked(profileID string) []string {
	var docs []string
	for key := range s.links {
		if key.profileID == profileID {
			docs = append(docs, key.documentID)
		}
	}
	sort.Strings(docs)
	return docs
}

// ─── kb.DocumentStore ───────────────────────────────────────────────────

// PutDocument implements kb.DocumentStore.
func (s *Store) PutDocument(ctx context.Context, d *types.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d.ID == "" {
		return fault.New(fault.KindInvalid, "document id must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *d
	if cp.IngestedAt.IsZero() {
		cp.IngestedAt = time.Now().UTC()
	}
	cp.LinkedProfiles = nil
	s.documents[d.ID] = &cp
	return nil
}

// GetDocument implements kb.DocumentStore.
func (s *Store) GetDocument(ctx context.Context, id string) (*types.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.documents[id]
	if !ok {
		return nil, fault.New(fault.KindNotFound, "document %s", id)
	}
	cp := *d
	cp.LinkedProfiles = s.linkedProfilesLocked(id)
	return &cp, nil
}

// ListDocuments implements kb.DocumentStore, newest first.
func (s *Store) ListDocuments(ctx context.Context) ([]*types.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.Document, 0, len(s.documents))
	for id, d := range s.documents {
		cp := *d
		cp.LinkedProfiles = s.linkedProfilesLocked(id)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].IngestedAt.Equal(out[j].IngestedAt) {
			return out[i].IngestedAt.After(out[j].IngestedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// DeleteDocument implements kb.DocumentStore.
func (s *Store) DeleteDocument(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.documents[id]; !ok {
		return fault.New(fault.KindNotFound, "document %s", id)
	}
	delete(s.documents, id)
	return nil
}

func (s *Store) linkedProfilesLocked(documentID string) []string {
	var profiles []string
	for key := range s.links {
		if key.documentID == documentID {
			profiles = append(profiles, key.profileID)
		}
	}
	sort.Strings(profiles)
	return profiles
}
