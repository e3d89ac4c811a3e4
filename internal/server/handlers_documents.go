package server

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/credo-hq/credo/internal/fault"
	"github.com/credo-hq/credo/pkg/kb"
)

// maxUploadBytes bounds document uploads. Decoded text is chunked anyway;
// anything larger than this is almost certainly not a reference document.
const maxUploadBytes = 64 << 20

// uploadDocument answers POST /documents: a multipart upload with fields
// file, tags, category, context, and linked_profiles[].
func (s *Server) uploadDocument(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadBytes)

	fileHeader, err := c.FormFile("file")
	if err != nil {
		failInvalid(c, "multipart field %q is required: %v", "file", err)
		return
	}
	f, err := fileHeader.Open()
	if err != nil {
		fail(c, fault.Wrap(fault.KindInvalid, err, "open upload"))
		return
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		fail(c, fault.Wrap(fault.KindInvalid, err, "read upload"))
		return
	}

	req := kb.IngestRequest{
		Filename:       fileHeader.Filename,
		DeclaredMIME:   fileHeader.Header.Get("Content-Type"),
		Data:           data,
		Tags:           splitList(c.PostForm("tags")),
		Category:       c.PostForm("category"),
		Context:        c.PostForm("context"),
		LinkedProfiles: c.PostFormArray("linked_profiles[]"),
	}
	if len(req.LinkedProfiles) == 0 {
		req.LinkedProfiles = c.PostFormArray("linked_profiles")
	}

	start := time.Now()
	doc, err := s.d.KB.Ingest(c.Request.Context(), req)
	s.d.Metrics.IngestDuration.Record(c.Request.Context(), time.Since(start).Seconds())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"document_id": doc.ID, "document": doc})
}

// listDocuments answers GET /documents.
func (s *Server) listDocuments(c *gin.Context) {
	docs, err := s.d.KB.Documents().ListDocuments(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"documents": docs})
}

// deleteDocument answers DELETE /documents/{id}, cascading chunks and
// profile links.
func (s *Server) deleteDocument(c *gin.Context) {
	if err := s.d.KB.DeleteDocument(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// searchDocument answers GET /documents/{id}/search?query=…, restricting
// retrieval to one document.
func (s *Server) searchDocument(c *gin.Context) {
	query := c.Query("query")
	if strings.TrimSpace(query) == "" {
		failInvalid(c, "query parameter %q is required", "query")
		return
	}
	results, err := s.d.KB.Search(c.Request.Context(), query,
		kb.Filter{DocumentID: c.Param("id")}, searchTopK(c), 0)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": searchHits(results)})
}

// searchKnowledge answers GET /search?query=…, an unrestricted retrieval
// over the whole knowledge base.
func (s *Server) searchKnowledge(c *gin.Context) {
	query := c.Query("query")
	if strings.TrimSpace(query) == "" {
		failInvalid(c, "query parameter %q is required", "query")
		return
	}
	filter := kb.Filter{
		Tags:           splitList(c.Query("tags")),
		Category:       c.Query("category"),
		LinkedProfiles: splitList(c.Query("profiles")),
	}
	results, err := s.d.KB.Search(c.Request.Context(), query, filter, searchTopK(c), 0)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": searchHits(results)})
}

// searchHit is the wire form of one retrieval result; embeddings stay
// server-side.
type searchHit struct {
	ChunkID    string  `json:"chunk_id"`
	DocumentID string  `json:"document_id"`
	Filename   string  `json:"filename,omitempty"`
	Score      float64 `json:"score"`
	Excerpt    string  `json:"excerpt"`
}

func searchHits(results []kb.Result) []searchHit {
	hits := make([]searchHit, 0, len(results))
	for _, r := range results {
		h := searchHit{
			ChunkID:    r.Chunk.ID,
			DocumentID: r.Chunk.DocumentID,
			Score:      r.Score,
			Excerpt:    r.Excerpt,
		}
		if r.Document != nil {
			h.Filename = r.Document.Filename
		}
		hits = append(hits, h)
	}
	return hits
}

func searchTopK(c *gin.Context) int {
	if v := c.Query("top_k"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
			return n
		}
	}
	return 5
}

// splitList parses a comma-separated query/form value into a slice.
func splitList(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
