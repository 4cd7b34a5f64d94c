// Package app wires all CacheClaw subsystems into a running server.
//
// New creates and connects everything from the config: the SQLite catalog,
// the cache store with its integrity pass and hot index, the provider chain
// behind circuit breakers, the filler pool, the request pipeline, and the
// HTTP API. Run starts the listener plus the periodic eviction loop, and
// Shutdown tears everything down in order.
//
// For testing, inject provider implementations via [WithProvider].
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cacheclaw/cacheclaw/internal/cache"
	"github.com/cacheclaw/cacheclaw/internal/cache/catalog"
	"github.com/cacheclaw/cacheclaw/internal/config"
	"github.com/cacheclaw/cacheclaw/internal/fillers"
	"github.com/cacheclaw/cacheclaw/internal/observe"
	"github.com/cacheclaw/cacheclaw/internal/pipeline"
	"github.com/cacheclaw/cacheclaw/internal/resilience"
	"github.com/cacheclaw/cacheclaw/internal/server"
	"github.com/cacheclaw/cacheclaw/internal/transcode"
	"github.com/cacheclaw/cacheclaw/pkg/provider/tts"
	"github.com/cacheclaw/cacheclaw/pkg/provider/tts/edge"
	"github.com/cacheclaw/cacheclaw/pkg/provider/tts/router"
)

// fillerStartupBudget bounds startup filler generation so a slow provider
// cannot hold the listener hostage.
const fillerStartupBudget = 30 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config
	log *slog.Logger

	store    *cache.Store
	orch     *resilience.Orchestrator
	fillers  *fillers.Manager
	pipeline *pipeline.Pipeline
	evictor  *cache.Evictor
	httpSrv  *http.Server

	// overrides holds injected providers, keyed by chain name.
	overrides map[string]tts.Provider

	// closers run in order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for [New]. Use these to inject test doubles.
type Option func(*App)

// WithProvider injects a synthesis provider for the named chain entry instead
// of building one from config.
func WithProvider(name string, p tts.Provider) Option {
	return func(a *App) { a.overrides[name] = p }
}

// New wires the application from cfg. All initialisation is synchronous
// except filler auto-generation, which Run performs with a bounded timeout.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, opts ...Option) (*App, error) {
	if log == nil {
		log = slog.Default()
	}
	a := &App{
		cfg:       cfg,
		log:       log,
		overrides: make(map[string]tts.Provider),
	}
	for _, o := range opts {
		o(a)
	}

	if err := a.initCache(ctx); err != nil {
		return nil, fmt.Errorf("app: init cache: %w", err)
	}
	if err := a.initProviders(); err != nil {
		return nil, fmt.Errorf("app: init providers: %w", err)
	}
	a.initFillers()
	a.initPipeline()
	a.initHTTP()

	return a, nil
}

// initCache opens the catalog, reconciles rows against files, and warms the
// hot index.
func (a *App) initCache(ctx context.Context) error {
	db, err := catalog.Open(a.cfg.Cache.DBPath)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, db.Close)

	store, err := cache.NewStore(db, cache.StoreConfig{
		AudioDir: a.cfg.Cache.AudioDir,
		Rules: cache.NormalizeRules{
			Lowercase:          a.cfg.Cache.Normalize.Lowercase,
			StripPunctuation:   a.cfg.Cache.Normalize.StripPunctuation,
			CollapseWhitespace: a.cfg.Cache.Normalize.CollapseWhitespace,
			ReplaceNumbers:     a.cfg.Cache.Normalize.ReplaceNumbers,
			StripMarkup:        a.cfg.Cache.Normalize.StripMarkup,
		},
		Fuzzy: cache.FuzzyOptions{
			Enabled:   a.cfg.Cache.Fuzzy.Enabled,
			Threshold: a.cfg.Cache.Fuzzy.Threshold,
			Scorer:    a.cfg.Cache.Fuzzy.Scorer,
		},
		VarietyDepth: a.cfg.Cache.VarietyDepth,
		Logger:       a.log,
	})
	if err != nil {
		return err
	}
	a.store = store

	// A crashed process can leave rows without files or files without rows;
	// reconcile before trusting the index.
	if report, err := store.Reconcile(ctx); err != nil {
		a.log.Warn("cache integrity pass failed", "error", err)
	} else if report.OrphanRows > 0 || report.OrphanFiles > 0 {
		a.log.Info("cache reconciled",
			"orphan_rows", report.OrphanRows, "orphan_files", report.OrphanFiles)
	}

	n, err := store.LoadHotIndex(ctx)
	if err != nil {
		return err
	}
	a.log.Info("hot index loaded", "phrases", n)
	return nil
}

// initProviders builds the synthesis chain from config and wraps it in the
// breaker orchestrator.
func (a *App) initProviders() error {
	a.orch = resilience.NewOrchestrator(resilience.BreakerConfig{
		Threshold: a.cfg.Resilience.FailureThreshold,
		Window:    a.cfg.Resilience.Window(),
		Cooldown:  a.cfg.Resilience.Cooldown(),
	}, a.log)

	for _, name := range a.cfg.Providers.Chain() {
		if p, ok := a.overrides[name]; ok {
			a.orch.Add(name, p)
			continue
		}
		p, err := a.buildProvider(name)
		if err != nil {
			a.log.Warn("skipping provider", "provider", name, "error", err)
			continue
		}
		a.orch.Add(name, p)
		a.log.Info("provider configured", "provider", name)
	}
	if !a.orch.Healthy() {
		return errors.New("no usable synthesis provider in the chain")
	}
	return nil
}

func (a *App) buildProvider(name string) (tts.Provider, error) {
	if name == config.EdgeProviderName {
		return edge.New(edge.WithVoiceMap(a.cfg.VoiceMapping[name])), nil
	}

	pc, ok := a.cfg.Providers.Configs[name]
	if !ok {
		return nil, fmt.Errorf("provider %q has no config block", name)
	}
	return router.New([]router.Deployment{{
		Name:     name,
		BaseURL:  pc.BaseURL,
		APIKey:   pc.APIKey,
		VoiceMap: a.cfg.VoiceMapping[name],
		ModelMap: a.cfg.ModelMapping[name],
	}}, router.WithTimeout(pc.Timeout()), router.WithLogger(a.log))
}

func (a *App) initFillers() {
	var templates []fillers.Template
	for _, t := range a.cfg.Fillers.Templates {
		templates = append(templates, fillers.Template{ID: t.ID, Text: t.Text})
	}
	a.fillers = fillers.NewManager(a.store, a.orch, templates, a.log)
}

func (a *App) initPipeline() {
	a.evictor = cache.NewEvictor(a.store,
		a.cfg.Cache.Eviction.MaxEntries,
		a.cfg.Cache.Eviction.MinAgeDays,
		a.log)

	trans := transcode.New(transcode.WithLogger(a.log))
	if !trans.Available() {
		a.log.Warn("ffmpeg not found, non-mp3 formats degrade to the cached format")
	}

	a.pipeline = pipeline.New(a.store, a.orch, trans, a.evictor, pipeline.Config{
		CacheEnabled:  a.cfg.Cache.Enabled,
		MaxTextLength: a.cfg.Cache.Eviction.MaxTextLength,
		Logger:        a.log,
		Metrics:       observe.DefaultMetrics(),
	})

	if err := observe.DefaultMetrics().ObserveCacheEntries(func() int64 {
		return int64(a.store.Size())
	}); err != nil {
		a.log.Warn("failed to register cache size gauge", "error", err)
	}
}

func (a *App) initHTTP() {
	srv := server.New(a.pipeline, a.orch, a.fillers, a.store, server.Config{
		DefaultVoice: a.cfg.Fillers.VoiceID,
		Logger:       a.log,
		Metrics:      observe.DefaultMetrics(),
	})
	a.httpSrv = &http.Server{
		Addr:              a.cfg.Server.ListenAddr(),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// Run starts the HTTP listener and the periodic eviction loop, then blocks
// until ctx is cancelled or the listener fails.
func (a *App) Run(ctx context.Context) error {
	if a.cfg.Fillers.AutoGenerateOnStartup {
		a.generateStartupFillers(ctx)
	}

	go a.evictionLoop(ctx)

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("http server listening", "addr", a.httpSrv.Addr)
		if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("app: http server: %w", err)
	}
}

// generateStartupFillers pre-warms the filler pool for the configured voice.
// Failures are logged; a cold filler pool is not fatal.
func (a *App) generateStartupFillers(ctx context.Context) {
	voice := a.cfg.Fillers.VoiceID
	if voice == "" {
		voice = server.DefaultVoice
	}
	genCtx, cancel := context.WithTimeout(ctx, fillerStartupBudget)
	defer cancel()

	results, err := a.fillers.Generate(genCtx, voice)
	if err != nil {
		a.log.Warn("startup filler generation incomplete", "error", err)
	}
	var generated int
	for _, r := range results {
		if r.Status == fillers.StatusGenerated {
			generated++
		}
	}
	a.log.Info("startup fillers ready",
		"voice", voice, "generated", generated, "total", len(results))
}

// evictionLoop runs the evictor on the configured interval until ctx is done.
func (a *App) evictionLoop(ctx context.Context) {
	interval := a.cfg.Cache.Eviction.CleanupInterval()
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := a.evictor.Run(ctx)
			if err != nil {
				a.log.Error("periodic eviction failed", "error", err)
				continue
			}
			if removed > 0 {
				observe.DefaultMetrics().Evictions.Add(ctx, int64(removed))
			}
		}
	}
}

// Shutdown stops the HTTP server and closes subsystems in order. It respects
// the context deadline.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		if err := a.httpSrv.Shutdown(ctx); err != nil {
			a.log.Warn("http shutdown error", "error", err)
			shutdownErr = err
		}
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "error", err)
			}
		}
		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

// Store exposes the cache store, for tests.
func (a *App) Store() *cache.Store { return a.store }

// Handler exposes the HTTP handler, for tests.
func (a *App) Handler() http.Handler { return a.httpSrv.Handler }
