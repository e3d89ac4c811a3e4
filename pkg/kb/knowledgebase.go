package kb

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/credo-hq/credo/internal/fault"
	"github.com/credo-hq/credo/internal/ingest"
	"github.com/credo-hq/credo/pkg/provider/embeddings"
	"github.com/credo-hq/credo/pkg/types"
)

const excerptLength = 200

// Result is one hydrated retrieval hit: the matched chunk, its score, a
// short excerpt for citation, and the source document's display metadata.
type Result struct {
	Chunk    types.Chunk
	Score    float64
	Excerpt  string
	Document *types.Document
}

// KnowledgeBase composes the vector index, profile store, and document
// store behind the ingest and retrieval operations the pipeline calls.
//
// All methods are safe for concurrent use.
type KnowledgeBase struct {
	index    VectorIndex
	profiles ProfileStore
	docs     DocumentStore
	embedder embeddings.Provider

	chunkSize    int
	chunkOverlap int
	originalsDir string
}

// Option is a functional option for KnowledgeBase.
type Option func(*KnowledgeBase)

// WithChunking overrides the chunk window and overlap (bytes).
func WithChunking(size, overlap int) Option {
	return func(k *KnowledgeBase) {
		k.chunkSize = size
		k.chunkOverlap = overlap
	}
}

// WithOriginalsDir sets the directory where uploaded source files are
// retained as documents/{id}/original.{ext}. Empty disables retention.
func WithOriginalsDir(dir string) Option {
	return func(k *KnowledgeBase) { k.originalsDir = dir }
}

// New assembles a KnowledgeBase over the given storage and embedding
// backends. The embedder's dimension must match the index's.
func New(index VectorIndex, profiles ProfileStore, docs DocumentStore, embedder embeddings.Provider, opts ...Option) (*KnowledgeBase, error) {
	if d := embedder.Dimensions(); d != index.Dimensions() {
		return nil, fault.New(fault.KindDimensionMismatch,
			"embedding model %s produces %d dimensions, index expects %d", embedder.ModelID(), d, index.Dimensions())
	}
	k := &KnowledgeBase{
		index:        index,
		profiles:     profiles,
		docs:         docs,
		embedder:     embedder,
		chunkSize:    ingest.DefaultChunkSize,
		chunkOverlap: ingest.DefaultChunkOverlap,
	}
	for _, o := range opts {
		o(k)
	}
	return k, nil
}

// Profiles exposes the underlying profile store.
func (k *KnowledgeBase) Profiles() ProfileStore { return k.profiles }

// Documents exposes the underlying document store.
func (k *KnowledgeBase) Documents() DocumentStore { return k.docs }

// Index exposes the underlying vector index.
func (k *KnowledgeBase) Index() VectorIndex { return k.index }

// IngestRequest carries one uploaded file with its declared metadata.
type IngestRequest struct {
	// DocumentID reuses an existing id for reingest; empty generates one.
	DocumentID string

	Filename     string
	DeclaredMIME string
	Data         []byte

	Tags           []string
	Category       string
	Context        string
	LinkedProfiles []string
}

// Ingest decodes, chunks, embeds, and indexes one document, records it
// durably, and reconciles profile links. Decode failures leave no state
// behind; an ingest under an existing id replaces that document's chunk
// set atomically.
func (k *KnowledgeBase) Ingest(ctx context.Context, req IngestRequest) (*types.Document, error) {
	if len(req.Data) == 0 {
		return nil, fault.New(fault.KindInvalid, "document %q is empty", req.Filename)
	}

	mime := ingest.DetectMIME(req.DeclaredMIME, req.Filename)
	text, err := ingest.Decode(req.Data, mime)
	if err != nil {
		return nil, err
	}

	docID := req.DocumentID
	if docID == "" {
		docID = uuid.NewString()
	}

	spans := ingest.Chunk(text, k.chunkSize, k.chunkOverlap)
	texts := make([]string, len(spans))
	for i, s := range spans {
		texts[i] = s.Text
	}

	var vectors [][]float32
	if len(texts) > 0 {
		vectors, err = k.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return nil, fault.Wrap(fault.KindAdapterFailure, err, "embed %d chunks of %q", len(texts), req.Filename)
		}
	}

	chunks := make([]types.Chunk, len(spans))
	for i, s := range spans {
		chunks[i] = types.Chunk{
			ID:             fmt.Sprintf("%s-%04d", docID, i),
			DocumentID:     docID,
			Ordinal:        i,
			Text:           s.Text,
			StartOffset:    s.Start,
			EndOffset:      s.End,
			Embedding:      vectors[i],
			Tags:           req.Tags,
			Category:       req.Category,
			LinkedProfiles: req.LinkedProfiles,
		}
	}

	if err := k.index.ReplaceDocument(ctx, docID, chunks); err != nil {
		return nil, err
	}

	doc := &types.Document{
		ID:         docID,
		Filename:   req.Filename,
		MIME:       mime,
		ByteSize:   int64(len(req.Data)),
		IngestedAt: time.Now().UTC(),
		Tags:       req.Tags,
		Category:   req.Category,
		Context:    req.Context,
	}
	if err := k.docs.PutDocument(ctx, doc); err != nil {
		return nil, err
	}

	for _, profileID := range req.LinkedProfiles {
		if err := k.profiles.Link(ctx, docID, profileID); err != nil {
			return nil, fault.Wrap(fault.KindOf(err), err, "link document %s to profile %s", docID, profileID)
		}
	}
	doc.LinkedProfiles = req.LinkedProfiles

	if err := k.saveOriginal(docID, req.Filename, req.Data); err != nil {
		// The index and record are already durable; a failed original
		// write only loses the re-download capability.
		slog.Warn("failed to retain document original", "document_id", docID, "error", err)
	}

	slog.Info("document ingested",
		"document_id", docID, "filename", req.Filename, "mime", mime, "chunks", len(chunks))
	return doc, nil
}

// Search embeds the query and returns hydrated matches.
func (k *KnowledgeBase) Search(ctx context.Context, query string, filter Filter, topK int, minScore float64) ([]Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fault.New(fault.KindInvalid, "query must not be empty")
	}
	vec, err := k.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fault.Wrap(fault.KindAdapterFailure, err, "embed query")
	}
	matches, err := k.index.Search(ctx, vec, topK, filter, minScore)
	if err != nil {
		return nil, fault.Wrap(fault.KindRetrieval, err, "vector search")
	}
	return k.hydrate(ctx, matches)
}

// SearchClaim is the higher-recall retrieval used by the validator: each
// textual form of the claim is searched separately and results merge by
// maximum score per chunk, preserving the deterministic ordering.
func (k *KnowledgeBase) SearchClaim(ctx context.Context, forms []string, filter Filter, topK int, minScore float64) ([]Result, error) {
	best := make(map[string]Match)
	for _, form := range forms {
		if strings.TrimSpace(form) == "" {
			continue
		}
		vec, err := k.embedder.Embed(ctx, form)
		if err != nil {
			return nil, fault.Wrap(fault.KindAdapterFailure, err, "embed claim form")
		}
		matches, err := k.index.Search(ctx, vec, topK, filter, minScore)
		if err != nil {
			return nil, fault.Wrap(fault.KindRetrieval, err, "vector search")
		}
		for _, m := range matches {
			if prev, ok := best[m.Chunk.ID]; !ok || m.Score > prev.Score {
				best[m.Chunk.ID] = m
			}
		}
	}

	merged := make([]Match, 0, len(best))
	for _, m := range best {
		merged = append(merged, m)
	}
	sortMatches(merged)
	if len(merged) > topK {
		merged = merged[:topK]
	}
	return k.hydrate(ctx, merged)
}

// DeleteDocument removes the document record, its chunks, its retained
// original, and both sides of every profile link.
func (k *KnowledgeBase) DeleteDocument(ctx context.Context, id string) error {
	if err := k.docs.DeleteDocument(ctx, id); err != nil {
		return err
	}
	if err := k.index.ReplaceDocument(ctx, id, nil); err != nil {
		return fault.Wrap(fault.KindOf(err), err, "cascade chunk delete for document %s", id)
	}
	if err := k.profiles.UnlinkDocument(ctx, id); err != nil {
		return fault.Wrap(fault.KindOf(err), err, "cascade link removal for document %s", id)
	}
	if k.originalsDir != "" {
		if err := os.RemoveAll(filepath.Join(k.originalsDir, id)); err != nil {
			slog.Warn("failed to remove document original", "document_id", id, "error", err)
		}
	}
	slog.Info("document deleted", "document_id", id)
	return nil
}

// OrphanSweep repairs asymmetric links left behind by crashes. Runs at
// startup.
func (k *KnowledgeBase) OrphanSweep(ctx context.Context) (int, error) {
	removed, err := k.profiles.RepairLinks(ctx)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		slog.Warn("orphan sweep repaired asymmetric links", "removed", removed)
	}
	return removed, nil
}

func (k *KnowledgeBase) hydrate(ctx context.Context, matches []Match) ([]Result, error) {
	docCache := make(map[string]*types.Document)
	results := make([]Result, 0, len(matches))
	for _, m := range matches {
		doc, ok := docCache[m.Chunk.DocumentID]
		if !ok {
			var err error
			doc, err = k.docs.GetDocument(ctx, m.Chunk.DocumentID)
			if err != nil {
				// The chunk's document vanished mid-flight; skip the hit
				// rather than failing the whole retrieval.
				if fault.IsKind(err, fault.KindNotFound) {
					continue
				}
				return nil, err
			}
			docCache[m.Chunk.DocumentID] = doc
		}
		results = append(results, Result{
			Chunk:    m.Chunk,
			Score:    m.Score,
			Excerpt:  excerpt(m.Chunk.Text),
			Document: doc,
		})
	}
	return results, nil
}

func (k *KnowledgeBase) saveOriginal(docID, filename string, data []byte) error {
	if k.originalsDir == "" {
		return nil
	}
	dir := filepath.Join(k.originalsDir, docID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	ext := filepath.Ext(filename)
	if ext == "" {
		ext = ".bin"
	}
	final := filepath.Join(dir, "original"+ext)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, final)
}

func excerpt(text string) string {
	text = strings.TrimSpace(text)
	if len(text) <= excerptLength {
		return text
	}
	cut := excerptLength
	for cut > 0 && text[cut]&0xC0 == 0x80 {
		cut--
	}
	if i := strings.LastIndexByte(text[:cut], ' '); i > excerptLength/2 {
		cut = i
	}
	return text[:cut] + "…"
}

func sortMatches(matches []Match) {
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Chunk.ID < matches[j].Chunk.ID
	})
}
