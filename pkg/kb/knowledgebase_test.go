package kb_test

import (
	"context"
	"strings"
	"testing"

	"github.com/credo-hq/credo/internal/fault"
	"github.com/credo-hq/credo/pkg/kb"
	"github.com/credo-hq/credo/pkg/kb/memkb"
	"github.com/credo-hq/credo/pkg/provider/embeddings/mock"
	"github.com/credo-hq/credo/pkg/types"
)

func newKB(t *testing.T) (*kb.KnowledgeBase, *memkb.Store, *mock.Provider) {
	t.Helper()
	store := memkb.New(8)
	embedder := &mock.Provider{Dims: 8}
	k, err := kb.New(store, store, store, embedder)
	if err != nil {
		t.Fatalf("kb.New: %v", err)
	}
	return k, store, embedder
}

func TestNew_DimensionMismatch(t *testing.T) {
	t.Parallel()

	store := memkb.New(8)
	embedder := &mock.Provider{Dims: 16}
	if _, err := kb.New(store, store, store, embedder); !fault.IsKind(err, fault.KindDimensionMismatch) {
		t.Fatalf("expected dimension_mismatch, got %v", err)
	}
}

func TestIngest_AndSearch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	k, _, _ := newKB(t)

	doc, err := k.Ingest(ctx, kb.IngestRequest{
		Filename: "brand_guidelines.txt",
		Data:     []byte("Praxis has over 150 stores in the Netherlands and Belgium."),
		Tags:     []string{"retail"},
		Category: "brand",
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if doc.ID == "" || doc.MIME != "text/plain" {
		t.Fatalf("document record: %+v", doc)
	}

	// The mock embedder is deterministic, so searching with the chunk's
	// own text must return it with a perfect score.
	results, err := k.Search(ctx, "Praxis has over 150 stores in the Netherlands and Belgium.", kb.Filter{}, 5, 0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].Score < 0.99 {
		t.Errorf("self-search score %v, want >= 0.99", results[0].Score)
	}
	if results[0].Document == nil || results[0].Document.Filename != "brand_guidelines.txt" {
		t.Errorf("result not hydrated with document metadata: %+v", results[0].Document)
	}
	if results[0].Excerpt == "" {
		t.Error("result missing excerpt")
	}
}

func TestIngest_DecodeFailureLeavesNoState(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	k, _, _ := newKB(t)

	_, err := k.Ingest(ctx, kb.IngestRequest{
		Filename:     "broken.pdf",
		DeclaredMIME: "application/pdf",
		Data:         []byte("not a pdf at all"),
	})
	if !fault.IsKind(err, fault.KindDecode) {
		t.Fatalf("expected decode_error, got %v", err)
	}
	docs, err := k.Documents().ListDocuments(ctx)
	if err != nil {
		t.Fatalf("ListDocuments: %v", err)
	}
	if len(docs) != 0 {
		t.Fatalf("decode failure left %d documents behind", len(docs))
	}
}

func TestIngest_LinksProfiles(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	k, store, _ := newKB(t)

	if err := store.CreateProfile(ctx, &types.Profile{ID: "praxis", Kind: types.ProfileBrand, Name: "Praxis"}); err != nil {
		t.Fatalf("CreateProfile: %v", err)
	}
	doc, err := k.Ingest(ctx, kb.IngestRequest{
		Filename:       "brand_guidelines.txt",
		Data:           []byte("Praxis has over 150 stores."),
		LinkedProfiles: []string{"praxis"},
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	prof, err := store.GetProfile(ctx, "praxis")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if len(prof.Documents) != 1 || prof.Documents[0] != doc.ID {
		t.Errorf("profile documents: got %v, want [%s]", prof.Documents, doc.ID)
	}
}

func TestIngest_ReingestReplacesChunks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	k, _, _ := newKB(t)

	doc, err := k.Ingest(ctx, kb.IngestRequest{
		Filename: "notes.txt",
		Data:     []byte("The original content about store counts."),
	})
	if err != nil {
		t.Fatalf("first Ingest: %v", err)
	}
	if _, err := k.Ingest(ctx, kb.IngestRequest{
		DocumentID: doc.ID,
		Filename:   "notes.txt",
		Data:       []byte("Completely revised content about revenue."),
	}); err != nil {
		t.Fatalf("reingest: %v", err)
	}

	results, err := k.Search(ctx, "The original content about store counts.", kb.Filter{}, 5, 0.99)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("old generation still indexed: %v", results)
	}
	results, err = k.Search(ctx, "Completely revised content about revenue.", kb.Filter{}, 5, 0.99)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("new generation missing: got %d results", len(results))
	}
}

func TestDeleteDocument_Cascades(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	k, store, _ := newKB(t)

	if err := store.CreateProfile(ctx, &types.Profile{ID: "praxis", Kind: types.ProfileBrand, Name: "Praxis"}); err != nil {
		t.Fatalf("CreateProfile: %v", err)
	}
	doc, err := k.Ingest(ctx, kb.IngestRequest{
		Filename:       "notes.txt",
		Data:           []byte("Praxis has over 150 stores."),
		LinkedProfiles: []string{"praxis"},
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	if err := k.DeleteDocument(ctx, doc.ID); err != nil {
		t.Fatalf("DeleteDocument: %v", err)
	}

	results, err := k.Search(ctx, "Praxis has over 150 stores.", kb.Filter{}, 5, 0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("chunks survived document deletion: %d", len(results))
	}
	prof, err := store.GetProfile(ctx, "praxis")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if len(prof.Documents) != 0 {
		t.Errorf("profile still links deleted document: %v", prof.Documents)
	}
	removed, err := k.OrphanSweep(ctx)
	if err != nil {
		t.Fatalf("OrphanSweep: %v", err)
	}
	if removed != 0 {
		t.Errorf("orphan sweep found %d asymmetric links, want 0", removed)
	}
}

func TestSearchClaim_MergesByMaxScore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	k, _, embedder := newKB(t)

	if _, err := k.Ingest(ctx, kb.IngestRequest{
		Filename: "notes.txt",
		Data:     []byte("Praxis operates over 150 stores."),
	}); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	// The second form is the chunk text itself, so the merged score for
	// that chunk must be the perfect-match score, not the first form's.
	forms := []string{"Praxis has 200 stores across Europe", "Praxis operates over 150 stores."}
	results, err := k.SearchClaim(ctx, forms, kb.Filter{}, 5, 0)
	if err != nil {
		t.Fatalf("SearchClaim: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 merged result, got %d", len(results))
	}
	if results[0].Score < 0.99 {
		t.Errorf("merged score %v, want the max (>= 0.99)", results[0].Score)
	}
	if len(embedder.EmbedCalls) == 0 {
		t.Error("embedder was never called")
	}
	for _, call := range embedder.EmbedCalls {
		if strings.TrimSpace(call) == "" {
			t.Error("embedded an empty form")
		}
	}
}
