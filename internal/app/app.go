// Package app wires all Credo subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes them until the context is canceled, and
// Shutdown tears everything down in reverse-init order.
//
// For testing, inject in-memory implementations via functional options
// (WithKnowledgeBase, WithReportStore, etc.). When an option is not
// provided, New creates real implementations from the config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/credo-hq/credo/internal/audiostore"
	"github.com/credo-hq/credo/internal/claim"
	"github.com/credo-hq/credo/internal/config"
	"github.com/credo-hq/credo/internal/device"
	"github.com/credo-hq/credo/internal/events"
	"github.com/credo-hq/credo/internal/fault"
	"github.com/credo-hq/credo/internal/health"
	"github.com/credo-hq/credo/internal/pipeline"
	"github.com/credo-hq/credo/internal/queue"
	"github.com/credo-hq/credo/internal/report"
	"github.com/credo-hq/credo/internal/resilience"
	"github.com/credo-hq/credo/internal/retention"
	"github.com/credo-hq/credo/internal/server"
	"github.com/credo-hq/credo/internal/transcribe"
	"github.com/credo-hq/credo/internal/validate"
	"github.com/credo-hq/credo/pkg/kb"
	kbpostgres "github.com/credo-hq/credo/pkg/kb/postgres"
	"github.com/credo-hq/credo/pkg/provider/asr"
	"github.com/credo-hq/credo/pkg/provider/embeddings"
	"github.com/credo-hq/credo/pkg/provider/llm"
)

// Providers holds one adapter per inference capability. All three are
// required. Populated by main.go via the config registry.
type Providers struct {
	ASR        asr.Provider
	Embeddings embeddings.Provider
	LLM        llm.Provider
}

// TranscriptStore is the persistence surface the app needs for
// transcripts: the transcription stage writes, the server's replay
// endpoint reads, and the retention sweeper expires.
type TranscriptStore interface {
	transcribe.Store
	server.TranscriptGetter
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Adapters wrapped in circuit-breaker failover groups.
	asrAdapter   *resilience.ASRFallback
	embedAdapter *resilience.EmbeddingsFallback
	llmAdapter   *resilience.LLMFallback

	// Subsystems. Initialised in New, torn down in Shutdown.
	pg          *kbpostgres.Store // nil when the knowledge base is injected
	base        *kb.KnowledgeBase
	transcripts TranscriptStore // nil without a postgres store
	audio       *audiostore.Store
	reports     *report.Store
	queue       *queue.Queue
	hub         *events.Hub
	pipe        *pipeline.Pipeline
	registry    *device.Registry
	streamL     *streamListener
	chunkedL    *chunkedListener
	sweeper     *retention.Sweeper
	api         *server.Server

	// closers run in reverse order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithKnowledgeBase injects a knowledge base instead of connecting to
// PostgreSQL. Transcript persistence is disabled unless a store is also
// injected.
func WithKnowledgeBase(b *kb.KnowledgeBase) Option {
	return func(a *App) { a.base = b }
}

// WithTranscriptStore injects a transcript store.
func WithTranscriptStore(s TranscriptStore) Option {
	return func(a *App) { a.transcripts = s }
}

// WithReportStore injects a report store instead of creating one under the
// data directory.
func WithReportStore(s *report.Store) Option {
	return func(a *App) { a.reports = s }
}

// WithAudioStore injects an audio store instead of creating one under the
// data directory.
func WithAudioStore(s *audiostore.Store) Option {
	return func(a *App) { a.audio = s }
}

// New creates an App by wiring all subsystems together. The providers
// struct comes from main.go (populated via the config registry). New
// performs all initialisation synchronously: storage layout, knowledge
// base connection, orphan-link sweep, queue, stages, device registry,
// transport listeners, retention sweeper, and the API server.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.ASR == nil || providers.Embeddings == nil || providers.LLM == nil {
		return nil, fault.New(fault.KindInvalid, "app: asr, embeddings, and llm providers are all required")
	}
	a := &App{cfg: cfg, providers: providers}
	for _, o := range opts {
		o(a)
	}

	a.initAdapters()

	if err := a.initStorage(); err != nil {
		return nil, fmt.Errorf("app: init storage: %w", err)
	}
	if err := a.initKnowledge(ctx); err != nil {
		return nil, fmt.Errorf("app: init knowledge base: %w", err)
	}
	a.initQueue()
	a.initPipeline()
	a.initDevices()
	a.initRetention()
	a.initServer()

	return a, nil
}

// AddASRFallback registers a secondary recognizer tried when the primary's
// breaker is open. Call before Run.
func (a *App) AddASRFallback(name string, p asr.Provider) {
	a.asrAdapter.AddFallback(name, p)
}

// AddLLMFallback registers a secondary generative backend.
func (a *App) AddLLMFallback(name string, p llm.Provider) {
	a.llmAdapter.AddFallback(name, p)
}

// AddEmbeddingsFallback registers a secondary embeddings backend. Fails
// when its dimensions differ from the primary's.
func (a *App) AddEmbeddingsFallback(name string, p embeddings.Provider) error {
	return a.embedAdapter.AddFallback(name, p)
}

// Registry exposes the device registry, mainly for tests.
func (a *App) Registry() *device.Registry { return a.registry }

// Pipeline exposes the processing pipeline, mainly for tests.
func (a *App) Pipeline() *pipeline.Pipeline { return a.pipe }

// Server exposes the API server, mainly for tests.
func (a *App) Server() *server.Server { return a.api }

// KnowledgeBase exposes the knowledge base.
func (a *App) KnowledgeBase() *kb.KnowledgeBase { return a.base }

// initAdapters wraps each configured provider in a single-entry failover
// group so every backend call runs behind a circuit breaker. Secondary
// backends join via the AddFallback methods.
func (a *App) initAdapters() {
	fc := resilience.FallbackConfig{}
	a.asrAdapter = resilience.NewASRFallback(a.providers.ASR, a.cfg.Providers.ASR.Name, fc)
	a.embedAdapter = resilience.NewEmbeddingsFallback(a.providers.Embeddings, a.cfg.Providers.Embeddings.Name, fc)
	a.llmAdapter = resilience.NewLLMFallback(a.providers.LLM, a.cfg.Providers.LLM.Name, fc)
}

// initStorage lays out the data directory: session audio and report
// history both live under it.
func (a *App) initStorage() error {
	dataDir := a.cfg.Storage.DataDir
	if dataDir == "" {
		dataDir = "./data"
	}

	if a.audio == nil {
		store, err := audiostore.New(dataDir)
		if err != nil {
			return err
		}
		a.audio = store
	}
	if a.reports == nil {
		store, err := report.NewStore(filepath.Join(dataDir, "reports"))
		if err != nil {
			return err
		}
		a.reports = store
	}
	return nil
}

// initKnowledge connects the pgvector store and composes the knowledge
// base, then repairs any asymmetric profile links left by a crash.
func (a *App) initKnowledge(ctx context.Context) error {
	if a.base == nil {
		dsn := a.cfg.Knowledge.PostgresDSN
		if dsn == "" {
			return fmt.Errorf("knowledge.postgres_dsn is required when no knowledge base is injected")
		}
		dims := a.cfg.Knowledge.EmbeddingDimensions
		if dims == 0 {
			dims = a.embedAdapter.Dimensions()
		}

		store, err := kbpostgres.NewStore(ctx, dsn, dims)
		if err != nil {
			return err
		}
		a.pg = store
		a.closers = append(a.closers, func() error {
			store.Close()
			return nil
		})

		dataDir := a.cfg.Storage.DataDir
		if dataDir == "" {
			dataDir = "./data"
		}
		base, err := kb.New(store.Index(), store.Profiles(), store.Documents(), a.embedAdapter,
			kb.WithChunking(a.cfg.Knowledge.ChunkSize, a.cfg.Knowledge.ChunkOverlap),
			kb.WithOriginalsDir(filepath.Join(dataDir, "documents")),
		)
		if err != nil {
			return err
		}
		a.base = base
		if a.transcripts == nil {
			a.transcripts = store.Transcripts()
		}
	}

	repaired, err := a.base.OrphanSweep(ctx)
	if err != nil {
		slog.Warn("orphan link sweep failed", "err", err)
	} else if repaired > 0 {
		slog.Info("repaired orphaned profile links", "count", repaired)
	}
	return nil
}

func (a *App) initQueue() {
	a.queue = queue.New(queue.Config{
		Capacity:     a.cfg.Queue.Capacity,
		GPUSlots:     int64(a.cfg.Queue.GPUSlots),
		LLMSlots:     int64(a.cfg.Queue.LLMSlots),
		TotalSlots:   int64(a.cfg.Queue.TotalSlots),
		BoostAfter:   time.Duration(a.cfg.Queue.MaxWaitBoostMS) * time.Millisecond,
		MinGPUFreeGB: a.cfg.Queue.MinGPUFreeGB,
	})
}

// initPipeline builds the four processing stages and chains them behind
// the device mux.
func (a *App) initPipeline() {
	a.hub = events.NewHub(0)
	a.closers = append(a.closers, func() error {
		a.hub.Close()
		return nil
	})

	var trStore transcribe.Store
	if a.transcripts != nil {
		trStore = a.transcripts
	}
	stage := transcribe.New(a.asrAdapter, a.queue, trStore, transcribe.Config{
		RealtimeFactorCap: a.cfg.Transcription.RealtimeFactorCap,
		Language:          a.cfg.Transcription.Language,
	})

	a.pipe = pipeline.New(pipeline.Deps{
		Queue:      a.queue,
		Transcribe: stage,
		Extract:    claim.New(a.llmAdapter),
		Validate: validate.New(a.base, a.llmAdapter, validate.Config{
			TopK:            a.cfg.Knowledge.TopK,
			MinScore:        a.cfg.Knowledge.MinScore,
			NoDataThreshold: a.cfg.Knowledge.NoDataThreshold,
			MaxPassages:     a.cfg.Validator.LLMContextBudget,
			LinkBonus:       a.cfg.Validator.LinkBonus,
		}),
		Aggregate: report.NewAggregator(a.llmAdapter),
		Reports:   a.reports,
		Audio:     a.audio,
		Hub:       a.hub,
	})
}

// initDevices creates the registry and the transport listeners named in
// config. Empty listen addresses disable the corresponding transport.
func (a *App) initDevices() {
	a.registry = device.NewRegistry(device.Config{
		SampleRate:   a.cfg.Transcription.SampleRate,
		MaxJitter:    time.Duration(a.cfg.Devices.MaxJitterMS) * time.Millisecond,
		SessionMax:   time.Duration(a.cfg.Devices.SessionMaxSeconds) * time.Second,
		RingSeconds:  a.cfg.Devices.RingBufferSeconds,
		PerDeviceCap: a.cfg.Queue.PerDeviceCap,
		PendingJobs:  a.pipe.PendingForDevice,
	}, a.pipe)

	if addr := a.cfg.Devices.StreamListen; addr != "" {
		a.streamL = newStreamListener(addr, a.registry)
	}
	if addr := a.cfg.Devices.ChunkedListen; addr != "" {
		a.chunkedL = newChunkedListener(addr, a.registry)
	}
}

// initRetention builds the sweeper over every store with a configured
// lifetime. Zero-day windows disable their targets inside the sweeper.
func (a *App) initRetention() {
	targets := []retention.Target{
		{
			Name:   "audio",
			MaxAge: time.Duration(a.cfg.Retention.SessionsDays) * 24 * time.Hour,
			Store:  a.audio,
		},
		{
			Name:   "reports",
			MaxAge: time.Duration(a.cfg.Retention.ReportsDays) * 24 * time.Hour,
			Store:  a.reports,
		},
	}
	if a.transcripts != nil {
		targets = append(targets, retention.Target{
			Name:   "transcripts",
			MaxAge: time.Duration(a.cfg.Retention.SessionsDays) * 24 * time.Hour,
			Ctx:    a.transcripts.DeleteOlderThan,
		})
	}
	a.sweeper = retention.NewSweeper(retention.SweeperConfig{Targets: targets})
	a.closers = append(a.closers, func() error {
		a.sweeper.Stop()
		return nil
	})
}

// initServer assembles the health checkers and the API server.
func (a *App) initServer() {
	checkers := []health.Checker{
		{Name: "asr", Check: a.adapterCheck("asr", a.asrAdapter.Healthy)},
		{Name: "embeddings", Check: a.adapterCheck("embeddings", a.embedAdapter.Healthy)},
		{Name: "llm", Check: a.adapterCheck("llm", a.llmAdapter.Healthy)},
	}
	if a.pg != nil {
		checkers = append(checkers, health.Checker{Name: "database", Check: a.pg.Ping})
	}

	srvCfg := server.Config{Addr: a.cfg.Server.ListenAddr}
	if auth := a.cfg.Server.Auth; auth != nil {
		srvCfg.AuthToken = auth.Token
		srvCfg.AllowLoopback = auth.AllowLoopback
	}
	if tls := a.cfg.Server.TLS; tls != nil {
		srvCfg.CertFile = tls.CertFile
		srvCfg.KeyFile = tls.KeyFile
	}

	var transcripts server.TranscriptGetter
	if a.transcripts != nil {
		transcripts = a.transcripts
	}
	a.api = server.New(srvCfg, server.Deps{
		Registry:    a.registry,
		KB:          a.base,
		Queue:       a.queue,
		Pipeline:    a.pipe,
		Reports:     a.reports,
		Transcripts: transcripts,
		Hub:         a.hub,
		Health:      health.New(checkers...),
	})
}

// adapterCheck reports an adapter unhealthy while its every breaker is
// open.
func (a *App) adapterCheck(name string, healthy func() bool) func(context.Context) error {
	return func(context.Context) error {
		if !healthy() {
			return fault.New(fault.KindAdapterFailure, "%s adapter circuit open", name)
		}
		return nil
	}
}

// Run starts the scheduler, the device registry, the transport listeners,
// and the retention sweeper, then serves the API until ctx is canceled.
// It returns after all background loops have stopped and in-flight
// utterances have drained.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.queue.Start(runCtx)
	}()
	go func() {
		defer wg.Done()
		a.registry.Run(runCtx)
	}()

	if a.streamL != nil {
		if err := a.streamL.Start(runCtx, &wg); err != nil {
			cancel()
			wg.Wait()
			return fmt.Errorf("app: stream listener: %w", err)
		}
	}
	if a.chunkedL != nil {
		if err := a.chunkedL.Start(runCtx, &wg); err != nil {
			cancel()
			wg.Wait()
			return fmt.Errorf("app: chunked listener: %w", err)
		}
	}
	a.sweeper.Start(runCtx)

	slog.Info("credo running",
		"api", a.cfg.Server.ListenAddr,
		"stream", a.cfg.Devices.StreamListen,
		"chunked", a.cfg.Devices.ChunkedListen,
	)

	err := a.api.Run(runCtx)

	// Stop intake first, then let the queue finish what it holds.
	cancel()
	wg.Wait()
	a.pipe.Drain()
	return err
}

// Shutdown tears down the remaining subsystems: retention sweeper, event
// hub, and storage connections, in reverse-init order. Idempotent.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}
