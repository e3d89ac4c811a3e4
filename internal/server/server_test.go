package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/credo-hq/credo/internal/claim"
	"github.com/credo-hq/credo/internal/device"
	"github.com/credo-hq/credo/internal/events"
	"github.com/credo-hq/credo/internal/health"
	"github.com/credo-hq/credo/internal/pipeline"
	"github.com/credo-hq/credo/internal/queue"
	"github.com/credo-hq/credo/internal/report"
	"github.com/credo-hq/credo/internal/server"
	"github.com/credo-hq/credo/internal/transcribe"
	"github.com/credo-hq/credo/internal/validate"
	"github.com/credo-hq/credo/pkg/kb"
	"github.com/credo-hq/credo/pkg/kb/memkb"
	asrmock "github.com/credo-hq/credo/pkg/provider/asr/mock"
	embmock "github.com/credo-hq/credo/pkg/provider/embeddings/mock"
	llmmock "github.com/credo-hq/credo/pkg/provider/llm/mock"
	"github.com/credo-hq/credo/pkg/types"
)

var unit = []float32{1, 0, 0, 0, 0, 0, 0, 0}

const (
	claimText = "Praxis has 200 stores across Europe."
	docText   = "Praxis has over 150 stores in the Netherlands and Belgium."
)

type fixture struct {
	srv     *server.Server
	store   *memkb.Store
	reports *report.Store
}

// newFixture wires a complete server over in-memory stores, a running
// registry actor, and scripted adapters.
func newFixture(t *testing.T, cfg server.Config, adjudicator *llmmock.Provider) *fixture {
	t.Helper()

	store := memkb.New(8)
	embedder := &embmock.Provider{Dims: 8, Vectors: map[string][]float32{
		claimText: unit,
		docText:   unit,
	}}
	base, err := kb.New(store, store, store, embedder)
	if err != nil {
		t.Fatalf("kb.New: %v", err)
	}

	q := queue.New(queue.Config{Capacity: 16, TotalSlots: 4})
	qctx, qcancel := context.WithCancel(context.Background())
	qdone := make(chan struct{})
	go func() {
		defer close(qdone)
		q.Start(qctx)
	}()
	t.Cleanup(func() {
		qcancel()
		<-qdone
	})

	reports, err := report.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	hub := events.NewHub(64)
	t.Cleanup(hub.Close)

	p := pipeline.New(pipeline.Deps{
		Queue:      q,
		Transcribe: transcribe.New(&asrmock.Provider{}, q, nil, transcribe.Config{}),
		Extract:    claim.New(nil),
		Validate:   validate.New(base, adjudicator, validate.Config{FactFloor: 0.1}),
		Aggregate:  report.NewAggregator(nil),
		Reports:    reports,
		Hub:        hub,
	})

	reg := device.NewRegistry(device.Config{}, p)
	rctx, rcancel := context.WithCancel(context.Background())
	rdone := make(chan struct{})
	go func() {
		defer close(rdone)
		reg.Run(rctx)
	}()
	t.Cleanup(func() {
		rcancel()
		<-rdone
	})

	srv := server.New(cfg, server.Deps{
		Registry: reg,
		KB:       base,
		Queue:    q,
		Pipeline: p,
		Reports:  reports,
		Hub:      hub,
		Health:   health.New(),
	})
	return &fixture{srv: srv, store: store, reports: reports}
}

func doJSON(t *testing.T, f *fixture, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()
	f := newFixture(t, server.Config{}, &llmmock.Provider{})

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		rec := doJSON(t, f, http.MethodGet, path, nil)
		if rec.Code != http.StatusOK {
			t.Errorf("%s: status %d", path, rec.Code)
		}
	}
}

func TestAuth_TokenRequired(t *testing.T) {
	t.Parallel()
	f := newFixture(t, server.Config{AuthToken: "secret"}, &llmmock.Provider{})

	rec := doJSON(t, f, http.MethodGet, "/devices", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status %d, want 401", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/devices", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("bearer token: status %d, want 200", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/devices", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("api key header: status %d, want 200", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/devices", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong token: status %d, want 401", rec.Code)
	}
}

func TestAuth_LoopbackBypass(t *testing.T) {
	t.Parallel()
	f := newFixture(t, server.Config{AuthToken: "secret", AllowLoopback: true}, &llmmock.Provider{})

	req := httptest.NewRequest(http.MethodGet, "/devices", nil)
	req.RemoteAddr = "127.0.0.1:51234"
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("loopback without token: status %d, want 200", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/devices", nil)
	req.RemoteAddr = "10.0.0.9:51234"
	rec = httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("remote without token: status %d, want 401", rec.Code)
	}

	// Probes never require a token.
	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.RemoteAddr = "10.0.0.9:51234"
	rec = httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("healthz with auth on: status %d, want 200", rec.Code)
	}
}

func TestDevices_UnknownID(t *testing.T) {
	t.Parallel()
	f := newFixture(t, server.Config{}, &llmmock.Provider{})

	rec := doJSON(t, f, http.MethodPost, "/devices/ghost/connect", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status %d, want 404 (body %s)", rec.Code, rec.Body.String())
	}
	var body struct {
		Error struct {
			Kind string `json:"kind"`
		} `json:"error"`
	}
	decodeBody(t, rec, &body)
	if body.Error.Kind != "not_found" {
		t.Errorf("error kind %q, want not_found", body.Error.Kind)
	}
}

func TestProfiles_CRUDAndLinks(t *testing.T) {
	t.Parallel()
	f := newFixture(t, server.Config{}, &llmmock.Provider{})

	rec := doJSON(t, f, http.MethodPost, "/profiles/brand", map[string]any{
		"id":   "praxis",
		"name": "Praxis",
		"tags": []string{"retail"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status %d (body %s)", rec.Code, rec.Body.String())
	}

	// Invalid kind is a 400.
	rec = doJSON(t, f, http.MethodPost, "/profiles/banana", map[string]any{"name": "x"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad kind: status %d, want 400", rec.Code)
	}

	// Kind mismatch on get is a 404.
	rec = doJSON(t, f, http.MethodGet, "/profiles/person/praxis", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("kind mismatch: status %d, want 404", rec.Code)
	}

	rec = doJSON(t, f, http.MethodGet, "/profiles/brand/praxis", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: status %d", rec.Code)
	}
	var p types.Profile
	decodeBody(t, rec, &p)
	if p.Name != "Praxis" {
		t.Errorf("profile name %q", p.Name)
	}

	rec = doJSON(t, f, http.MethodPost, "/profiles/brand/praxis/facts", map[string]any{
		"statement":  "Praxis operates in the Benelux market.",
		"confidence": 0.9,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("add fact: status %d (body %s)", rec.Code, rec.Body.String())
	}

	// Upload a document and link it through the profile route.
	docID := uploadDoc(t, f, "guidelines.txt", docText, nil)
	rec = doJSON(t, f, http.MethodPost, "/profiles/brand/praxis/link/"+docID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("link: status %d (body %s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, f, http.MethodGet, "/profiles/brand/praxis", nil)
	decodeBody(t, rec, &p)
	if len(p.Documents) != 1 || p.Documents[0] != docID {
		t.Errorf("profile documents %v, want [%s]", p.Documents, docID)
	}

	// Deleting the document removes the link from the profile side.
	rec = doJSON(t, f, http.MethodDelete, "/documents/"+docID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete document: status %d", rec.Code)
	}
	rec = doJSON(t, f, http.MethodGet, "/profiles/brand/praxis", nil)
	var after types.Profile
	decodeBody(t, rec, &after)
	if len(after.Documents) != 0 {
		t.Errorf("stale document link survived deletion: %v", after.Documents)
	}
}

func uploadDoc(t *testing.T, f *fixture, filename, content string, profiles []string) string {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fw, err := w.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	io.WriteString(fw, content)
	w.WriteField("tags", "retail,guidelines")
	w.WriteField("category", "brand")
	for _, p := range profiles {
		w.WriteField("linked_profiles[]", p)
	}
	w.Close()

	req := httptest.NewRequest(http.MethodPost, "/documents", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload: status %d (body %s)", rec.Code, rec.Body.String())
	}
	var body struct {
		DocumentID string `json:"document_id"`
	}
	decodeBody(t, rec, &body)
	if body.DocumentID == "" {
		t.Fatal("upload returned no document_id")
	}
	return body.DocumentID
}

func TestDocuments_UploadListSearch(t *testing.T) {
	t.Parallel()
	f := newFixture(t, server.Config{}, &llmmock.Provider{})

	docID := uploadDoc(t, f, "guidelines.txt", docText, nil)

	rec := doJSON(t, f, http.MethodGet, "/documents", nil)
	var list struct {
		Documents []types.Document `json:"documents"`
	}
	decodeBody(t, rec, &list)
	if len(list.Documents) != 1 || list.Documents[0].ID != docID {
		t.Fatalf("documents %v", list.Documents)
	}

	rec = doJSON(t, f, http.MethodGet, "/documents/"+docID+"/search?query="+
		strings.ReplaceAll(claimText, " ", "+"), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("search: status %d (body %s)", rec.Code, rec.Body.String())
	}
	var res struct {
		Results []struct {
			DocumentID string  `json:"document_id"`
			Score      float64 `json:"score"`
			Excerpt    string  `json:"excerpt"`
		} `json:"results"`
	}
	decodeBody(t, rec, &res)
	if len(res.Results) == 0 {
		t.Fatal("no search results")
	}
	if res.Results[0].DocumentID != docID {
		t.Errorf("hit document %q", res.Results[0].DocumentID)
	}

	// Missing query is a 400.
	rec = doJSON(t, f, http.MethodGet, "/documents/"+docID+"/search", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing query: status %d, want 400", rec.Code)
	}
}

func TestValidateClaim(t *testing.T) {
	t.Parallel()
	f := newFixture(t, server.Config{}, &llmmock.Provider{Responses: []string{
		`{"status": "contradicted", "confidence": 0.85, "evidence": [
			{"index": 1, "supports": false, "rationale": "the guideline caps the count near 150"}
		]}`,
	}})
	uploadDoc(t, f, "guidelines.txt", docText, nil)

	rec := doJSON(t, f, http.MethodPost, "/validate/claim", map[string]any{"text": claimText})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d (body %s)", rec.Code, rec.Body.String())
	}
	var val types.Validation
	decodeBody(t, rec, &val)
	if val.Status != types.VerdictContradicted {
		t.Errorf("verdict %s, want contradicted", val.Status)
	}

	// A profile scope the document is not linked to retrieves nothing.
	rec = doJSON(t, f, http.MethodPost, "/validate/claim", map[string]any{
		"text":     claimText,
		"profiles": []string{"unrelated"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("scoped: status %d (body %s)", rec.Code, rec.Body.String())
	}
	var scoped types.Validation
	decodeBody(t, rec, &scoped)
	if scoped.Status != types.VerdictNoData {
		t.Errorf("scoped verdict %s, want no_data outside the profile scope", scoped.Status)
	}

	rec = doJSON(t, f, http.MethodPost, "/validate/claim", map[string]any{"text": "  "})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty text: status %d, want 400", rec.Code)
	}
}

func TestValidateTranscript_AdHocText(t *testing.T) {
	t.Parallel()
	f := newFixture(t, server.Config{}, &llmmock.Provider{Responses: []string{
		`{"status": "contradicted", "confidence": 0.85, "evidence": [
			{"index": 1, "supports": false, "rationale": "count disagrees"}
		]}`,
	}})
	uploadDoc(t, f, "guidelines.txt", docText, nil)

	rec := doJSON(t, f, http.MethodPost, "/validate/transcript", map[string]any{"text": claimText})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d (body %s)", rec.Code, rec.Body.String())
	}
	var rep types.Report
	decodeBody(t, rec, &rep)
	if len(rep.Claims) == 0 {
		t.Fatal("report has no claims")
	}

	// The ad-hoc report lands in history.
	rec = doJSON(t, f, http.MethodGet, "/reports/"+rep.ID, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("report not in history: status %d", rec.Code)
	}

	rec = doJSON(t, f, http.MethodPost, "/validate/transcript", map[string]any{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty request: status %d, want 400", rec.Code)
	}
}

func TestQueueStatus_Unknown(t *testing.T) {
	t.Parallel()
	f := newFixture(t, server.Config{}, &llmmock.Provider{})

	rec := doJSON(t, f, http.MethodGet, "/queue/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status %d, want 404 (body %s)", rec.Code, rec.Body.String())
	}
}

func TestReports_NotFound(t *testing.T) {
	t.Parallel()
	f := newFixture(t, server.Config{}, &llmmock.Provider{})

	rec := doJSON(t, f, http.MethodGet, "/reports/ghost", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status %d, want 404", rec.Code)
	}
}
