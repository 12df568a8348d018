// Package app wires all subsystems of the transcription service into a
// running HTTP server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context is cancelled, and Shutdown
// tears everything down in order.
//
// For testing, inject doubles via functional options (WithStore,
// WithSearchIndex, WithMetrics). When an option is not provided, New creates
// real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/pocwisper/internal/api"
	"github.com/MrWong99/pocwisper/internal/auth"
	"github.com/MrWong99/pocwisper/internal/config"
	"github.com/MrWong99/pocwisper/internal/database"
	"github.com/MrWong99/pocwisper/internal/document"
	"github.com/MrWong99/pocwisper/internal/events"
	"github.com/MrWong99/pocwisper/internal/health"
	"github.com/MrWong99/pocwisper/internal/job"
	"github.com/MrWong99/pocwisper/internal/observe"
	"github.com/MrWong99/pocwisper/internal/pipeline"
	"github.com/MrWong99/pocwisper/internal/refine"
	"github.com/MrWong99/pocwisper/internal/resilience"
	"github.com/MrWong99/pocwisper/internal/search"
	"github.com/MrWong99/pocwisper/internal/storage"
	"github.com/MrWong99/pocwisper/pkg/provider/embeddings"
	"github.com/MrWong99/pocwisper/pkg/provider/llm"
	"github.com/MrWong99/pocwisper/pkg/provider/stt"
)

// ShutdownTimeout bounds the graceful HTTP shutdown once Run's context ends.
const ShutdownTimeout = 15 * time.Second

// NamedLLM is an LLM backend together with the name used for its circuit
// breaker and metrics.
type NamedLLM struct {
	Name     string
	Provider llm.Provider
}

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	STT          stt.Provider
	LLM          NamedLLM
	LLMFallbacks []NamedLLM
	Embeddings   embeddings.Provider
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Subsystems, initialised in New and torn down in Shutdown.
	telemetry *observe.Telemetry
	metrics   *observe.Metrics
	pool      *pgxpool.Pool
	store     job.Store
	files     *storage.Local
	index     search.Index
	search    *search.Service
	hub       *events.Hub
	processor *pipeline.Processor
	handler   http.Handler
	checkers  []health.Checker

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a job store instead of creating one from config.
func WithStore(s job.Store) Option {
	return func(a *App) { a.store = s }
}

// WithSearchIndex injects a search index instead of creating one from config.
func WithSearchIndex(ix search.Index) Option {
	return func(a *App) { a.index = ix }
}

// WithMetrics injects metric instruments and skips the telemetry exporters.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.STT == nil {
		return nil, errors.New("app: a transcription provider is required")
	}
	if providers.LLM.Provider == nil {
		return nil, errors.New("app: an LLM provider is required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		hub:       events.NewHub(),
	}
	for _, o := range opts {
		o(a)
	}
	a.addProviderClosers()

	// ── 1. Telemetry ─────────────────────────────────────────────────────
	if err := a.initTelemetry(ctx); err != nil {
		return nil, a.abort(fmt.Errorf("app: init telemetry: %w", err))
	}

	// ── 2. File storage ──────────────────────────────────────────────────
	files, err := storage.NewLocal(cfg.Storage.UploadDir)
	if err != nil {
		return nil, a.abort(fmt.Errorf("app: init storage: %w", err))
	}
	a.files = files
	a.checkers = append(a.checkers, health.Checker{
		Name:  "uploads",
		Check: func(context.Context) error { return files.Writable() },
	})

	// ── 3. Job store ─────────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, a.abort(fmt.Errorf("app: init store: %w", err))
	}

	// ── 4. Search ────────────────────────────────────────────────────────
	if err := a.initSearch(ctx); err != nil {
		return nil, a.abort(fmt.Errorf("app: init search: %w", err))
	}

	// ── 5. Pipeline ──────────────────────────────────────────────────────
	popts := []pipeline.Option{pipeline.WithEvents(a.hub), pipeline.WithMetrics(a.metrics)}
	if a.search != nil {
		popts = append(popts, pipeline.WithIndexer(a.search))
	}
	a.processor = pipeline.New(
		a.store,
		&meteredSTT{next: providers.STT, name: cfg.Providers.STT.Name, metrics: a.metrics},
		a.buildRefiner(),
		document.Renderer{},
		a.files,
		popts...,
	)

	// ── 6. HTTP ──────────────────────────────────────────────────────────
	if err := a.initHTTP(); err != nil {
		return nil, a.abort(fmt.Errorf("app: init http: %w", err))
	}

	return a, nil
}

// abort runs the closers registered so far and returns err.
func (a *App) abort(err error) error {
	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	_ = a.Shutdown(ctx)
	return err
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// addProviderClosers releases providers that hold resources, such as a
// resident whisper model, at shutdown.
func (a *App) addProviderClosers() {
	if c, ok := a.providers.STT.(interface{ Close() error }); ok {
		a.closers = append(a.closers, c.Close)
	}
}

// initTelemetry sets up the OTel providers and the metric instruments unless
// metrics were injected.
func (a *App) initTelemetry(ctx context.Context) error {
	if a.metrics != nil {
		return nil
	}
	if !a.cfg.Observability.DisableMetrics {
		tel, err := observe.InitProvider(ctx, observe.ProviderConfig{
			ServiceName:    a.cfg.Observability.ServiceName,
			ServiceVersion: api.Version,
		})
		if err != nil {
			return err
		}
		a.telemetry = tel
		a.closers = append(a.closers, func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return tel.Shutdown(ctx)
		})
	}
	a.metrics = observe.DefaultMetrics()
	return nil
}

// initStore connects to PostgreSQL when a DSN is configured and falls back to
// the in-memory store otherwise.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	dsn := a.cfg.Database.PostgresDSN
	if dsn == "" {
		a.store = job.NewMemStore()
		slog.Warn("using in-memory job store")
		return nil
	}

	vectors := a.cfg.Search.Enabled
	if vectors {
		if err := database.EnsureVectorExtension(ctx, dsn); err != nil {
			return err
		}
	}
	pool, err := database.Open(ctx, dsn, vectors)
	if err != nil {
		return err
	}
	a.pool = pool
	a.closers = append(a.closers, func() error {
		pool.Close()
		return nil
	})

	store := job.NewPostgresStore(pool)
	if err := store.Migrate(ctx); err != nil {
		return err
	}
	a.store = store
	a.checkers = append(a.checkers, health.Checker{Name: "database", Check: pool.Ping})
	slog.Info("connected to postgres job store")
	return nil
}

// initSearch builds the search service when enabled. The index lives next to
// the jobs in PostgreSQL, or in memory when no database is configured.
func (a *App) initSearch(ctx context.Context) error {
	if !a.cfg.Search.Enabled {
		return nil
	}
	emb := a.providers.Embeddings
	if emb == nil {
		return errors.New("search is enabled but no embeddings provider is configured")
	}
	if a.index == nil {
		if a.pool != nil {
			dims := a.cfg.Search.EmbeddingDimensions
			if dims == 0 {
				dims = emb.Dimensions()
			}
			ix := search.NewPostgresIndex(a.pool, dims)
			if err := ix.Migrate(ctx); err != nil {
				return err
			}
			a.index = ix
		} else {
			a.index = search.NewMemIndex()
		}
	}
	a.search = search.NewService(emb, a.index, a.cfg.Search.ChunkSize)
	slog.Info("semantic search enabled", "model", emb.ModelID())
	return nil
}

// buildRefiner puts every configured LLM backend behind a circuit breaker and
// sizes the refiner timeout so each backend gets a full attempt.
func (a *App) buildRefiner() *refine.Refiner {
	rc := a.cfg.Refiner
	cbCfg := resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  rc.FailureThreshold,
			ResetTimeout: rc.ResetTimeout,
			OnStateChange: func(name string, from, to resilience.State) {
				slog.Warn("llm circuit breaker changed state", "backend", name, "from", from, "to", to)
				a.metrics.RecordCircuitTransition(name, to.String())
			},
		},
	}

	primary := a.providers.LLM
	fb := resilience.NewLLMFallback(a.meteredLLM(primary), primary.Name, rc.Timeout, cbCfg)
	for _, f := range a.providers.LLMFallbacks {
		fb.AddFallback(f.Name, a.meteredLLM(f))
	}

	opts := []refine.Option{
		refine.WithTimeout(rc.Timeout * time.Duration(1+len(a.providers.LLMFallbacks))),
		refine.WithTemperature(rc.Temperature),
		refine.WithGlossaryAlignment(rc.GlossaryAlignment),
	}
	if rc.Instructions != "" {
		opts = append(opts, refine.WithInstructions(rc.Instructions))
	}
	return refine.New(fb, opts...)
}

func (a *App) meteredLLM(n NamedLLM) llm.Provider {
	return &meteredLLM{next: n.Provider, name: n.Name, metrics: a.metrics}
}

// initHTTP assembles the route table and the middleware chain.
func (a *App) initHTTP() error {
	authSvc, err := auth.New(a.store, a.cfg.Auth.SecretKey, auth.WithTokenTTL(a.cfg.Auth.TokenTTL))
	if err != nil {
		return err
	}

	aopts := []api.Option{
		api.WithEvents(a.hub),
		api.WithMetrics(a.metrics),
		api.WithAllowedOrigins(a.cfg.Server.CORSOrigins),
		api.WithMaxUploadBytes(a.cfg.Server.MaxUploadBytes),
	}
	if a.search != nil {
		aopts = append(aopts, api.WithSearch(a.search))
	}

	mux := http.NewServeMux()
	api.New(authSvc, a.store, a.files, a.processor, aopts...).Register(mux)
	health.New(api.Version, a.checkers...).Register(mux)
	if a.telemetry != nil {
		mux.Handle("GET /metrics", a.telemetry.Handler())
	}

	a.handler = observe.Middleware(a.metrics)(api.CORS(a.cfg.Server.CORSOrigins)(mux))
	return nil
}

// Handler returns the fully wired HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP on the configured address and blocks until ctx is cancelled
// or the listener fails. In-flight requests get [ShutdownTimeout] to finish.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("http server listening", "addr", srv.Addr, "tls", a.cfg.Server.TLS != nil)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve http: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("app: shutdown http: %w", err)
		}
		return nil
	})
	return g.Wait()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown waits for in-flight processing runs, then tears down all
// subsystems in reverse-init order. It respects the context deadline: if ctx
// expires while runs are active no closer is called, and if it expires before
// all closers finish the remaining ones are skipped. Either way the context
// error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		// Providers must outlive the transcriptions still running on them.
		if a.processor != nil {
			if err := a.processor.Drain(ctx); err != nil {
				slog.Warn("shutdown deadline exceeded with runs in flight, skipping closers")
				shutdownErr = err
				return
			}
		}

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
