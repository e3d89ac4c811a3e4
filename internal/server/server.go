// Package server exposes the HTTP/JSON control surface: device management,
// document and profile CRUD, interactive validation, queue inspection,
// report history, health endpoints, Prometheus metrics, and the per-session
// WebSocket event stream.
//
// Handlers translate between wire JSON and the domain packages; they hold
// no state of their own. Errors surface through the fault taxonomy, mapped
// to HTTP status codes in one place.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/credo-hq/credo/internal/device"
	"github.com/credo-hq/credo/internal/events"
	"github.com/credo-hq/credo/internal/health"
	"github.com/credo-hq/credo/internal/observe"
	"github.com/credo-hq/credo/internal/pipeline"
	"github.com/credo-hq/credo/internal/queue"
	"github.com/credo-hq/credo/internal/report"
	"github.com/credo-hq/credo/pkg/kb"
	"github.com/credo-hq/credo/pkg/types"
)

// shutdownGrace is how long Run waits for in-flight requests on shutdown.
const shutdownGrace = 10 * time.Second

// Config carries the server's listen and auth settings.
type Config struct {
	// Addr is the TCP listen address, e.g. ":8420".
	Addr string

	// AuthToken, when non-empty, is required on every request as either
	// "Authorization: Bearer <token>" or an "X-API-Key" header.
	AuthToken string

	// AllowLoopback lets requests from 127.0.0.1/::1 through without a
	// token.
	AllowLoopback bool

	// CertFile and KeyFile enable TLS when both are set.
	CertFile string
	KeyFile  string
}

// TranscriptGetter loads stored transcripts for the transcript validation
// endpoint. May be nil when no transcript store is configured.
type TranscriptGetter interface {
	GetTranscript(ctx context.Context, id string) (*types.Transcript, error)
}

// Deps collects everything the handlers call into. Registry, Hub,
// Transcripts, and Reports may be nil; the corresponding endpoints then
// answer 404 or degrade.
type Deps struct {
	Registry    *device.Registry
	KB          *kb.KnowledgeBase
	Queue       *queue.Queue
	Pipeline    *pipeline.Pipeline
	Reports     *report.Store
	Transcripts TranscriptGetter
	Hub         *events.Hub
	Health      *health.Handler
	Metrics     *observe.Metrics
}

// Server is the HTTP API server.
type Server struct {
	cfg    Config
	d      Deps
	engine *gin.Engine
}

// New builds the server and its route table.
func New(cfg Config, d Deps) *Server {
	if d.Metrics == nil {
		d.Metrics = observe.DefaultMetrics()
	}
	s := &Server{cfg: cfg, d: d}
	s.engine = s.buildRouter()
	return s
}

// Handler returns the underlying http.Handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) buildRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware("credo"))
	r.Use(observe.Middleware(s.d.Metrics))

	// Probes and metrics stay reachable without a token so local
	// supervisors and scrapers keep working.
	if s.d.Health != nil {
		s.d.Health.Register(r)
	}
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/", Auth(s.cfg.AuthToken, s.cfg.AllowLoopback))

	api.GET("/devices", s.listDevices)
	api.POST("/devices/:id/connect", s.connectDevice)
	api.POST("/devices/:id/disconnect", s.disconnectDevice)
	api.POST("/devices/:id/select", s.selectDevice)

	api.POST("/documents", s.uploadDocument)
	api.GET("/documents", s.listDocuments)
	api.DELETE("/documents/:id", s.deleteDocument)
	api.GET("/documents/:id/search", s.searchDocument)
	api.GET("/search", s.searchKnowledge)

	api.POST("/profiles/:kind", s.createProfile)
	api.GET("/profiles/:kind", s.listProfiles)
	api.GET("/profiles/:kind/:id", s.getProfile)
	api.DELETE("/profiles/:kind/:id", s.deleteProfile)
	api.POST("/profiles/:kind/:id/facts", s.addFact)
	api.POST("/profiles/:kind/:id/link/:document_id", s.linkDocument)
	api.DELETE("/profiles/:kind/:id/link/:document_id", s.unlinkDocument)

	api.POST("/validate/claim", s.validateClaim)
	api.POST("/validate/transcript", s.validateTranscript)

	api.GET("/queue/:handle", s.queueStatus)

	api.GET("/reports", s.listReports)
	api.GET("/reports/:id", s.getReport)
	api.DELETE("/reports/:id", s.deleteReport)

	if s.d.Hub != nil {
		api.GET("/ws", gin.WrapH(events.Handler(s.d.Hub)))
	}
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Addr,
		Handler: s.engine,
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.cfg.CertFile != "" && s.cfg.KeyFile != "" {
			err = srv.ListenAndServeTLS(s.cfg.CertFile, s.cfg.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		errCh <- err
	}()
	slog.Info("api server listening", "addr", s.cfg.Addr, "tls", s.cfg.CertFile != "")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
