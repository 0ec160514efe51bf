// Package app wires all Vigil subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP and WebSocket traffic, and Shutdown tears
// everything down in order.
//
// For testing, inject test doubles via functional options (WithStore,
// WithHandler, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/vigil/internal/api"
	"github.com/MrWong99/vigil/internal/config"
	"github.com/MrWong99/vigil/internal/embedding"
	"github.com/MrWong99/vigil/internal/health"
	"github.com/MrWong99/vigil/internal/listen"
	"github.com/MrWong99/vigil/internal/observe"
	"github.com/MrWong99/vigil/internal/recognition"
	"github.com/MrWong99/vigil/internal/resilience"
	"github.com/MrWong99/vigil/internal/transport"
	"github.com/MrWong99/vigil/internal/vad"
	"github.com/MrWong99/vigil/pkg/profile"
	"github.com/MrWong99/vigil/pkg/profile/postgres"
	"github.com/MrWong99/vigil/pkg/provider/embeddings"
	providervad "github.com/MrWong99/vigil/pkg/provider/vad"
)

// NamedEmbeddings is an embedding backend together with its config name.
type NamedEmbeddings struct {
	Name     string
	Provider embeddings.Provider
}

// Providers holds the inference backends built by main.go via the config
// registry. Embeddings is required; VAD is nil for energy-only detection.
type Providers struct {
	Embeddings NamedEmbeddings
	Fallbacks  []NamedEmbeddings
	VAD        providervad.Engine
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Subsystems, initialised in New and torn down in Shutdown.
	store    profile.Store
	pinger   health.Pinger
	engine   *embedding.Engine
	cache    *embedding.CentroidCache
	learner  *recognition.Learner
	manager  *Manager
	handler  listen.UtteranceHandler
	metrics  *observe.Metrics
	level    *slog.LevelVar
	mux      *http.ServeMux
	server   *http.Server
	listener net.Listener

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a profile store instead of creating one from config.
func WithStore(s profile.Store) Option {
	return func(a *App) { a.store = s }
}

// WithHandler sets the consumer of confirmed owner utterances.
func WithHandler(h listen.UtteranceHandler) Option {
	return func(a *App) { a.handler = h }
}

// WithMetrics overrides the metrics instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar connects the process log level so that config reloads can
// change it.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithListener serves on l instead of listening on server.listen_addr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
//
// New performs all initialisation synchronously: store connection and
// migration, inference engine assembly, learner and session manager
// construction, and HTTP route registration.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Embeddings.Provider == nil {
		return nil, errors.New("app: an embeddings provider is required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Profile store ─────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 2. Embedding engine ──────────────────────────────────────────────
	a.initEngine()

	// ── 3. Centroid cache + learner ──────────────────────────────────────
	if err := a.initLearner(); err != nil {
		return nil, fmt.Errorf("app: init learner: %w", err)
	}

	// ── 4. Session manager ───────────────────────────────────────────────
	if err := a.initManager(); err != nil {
		return nil, fmt.Errorf("app: init sessions: %w", err)
	}

	// ── 5. HTTP routes ───────────────────────────────────────────────────
	a.initHTTP()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore connects to PostgreSQL when a DSN is configured and falls back
// to the in-memory store otherwise.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}

	dsn := a.cfg.Storage.PostgresDSN
	if dsn == "" {
		slog.Warn("storage.postgres_dsn not set, profiles are kept in memory only")
		a.store = profile.NewMemStore()
		return nil
	}

	store, err := postgres.NewStore(ctx, dsn, a.cfg.Storage.EmbeddingDimensions)
	if err != nil {
		return err
	}
	a.store = store
	a.pinger = store
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	return nil
}

// initEngine wraps the configured backends in a failover group with one
// circuit breaker each and builds the embedding engine on top.
func (a *App) initEngine() {
	inf := a.cfg.Inference
	fb := resilience.NewEmbeddingsFallback(a.providers.Embeddings.Provider, a.providers.Embeddings.Name, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			Name:         "embeddings",
			MaxFailures:  inf.CircuitBreaker.MaxFailures,
			ResetTimeout: inf.CircuitBreaker.ResetTimeout,
			HalfOpenMax:  inf.CircuitBreaker.HalfOpenMax,
		},
	})
	for _, f := range a.providers.Fallbacks {
		fb.AddFallback(f.Name, f.Provider)
	}

	a.engine = embedding.NewEngine(fb,
		embedding.WithTimeout(inf.Timeout),
		embedding.WithSpoolDir(a.cfg.Storage.SpoolDir),
		embedding.WithBatchConcurrency(inf.BatchConcurrency),
		embedding.WithMetrics(a.metrics),
		embedding.WithProviderName(a.providers.Embeddings.Name),
	)
}

func (a *App) initLearner() error {
	a.cache = embedding.NewCentroidCache(a.cfg.Cache.Capacity, a.cfg.Cache.TTL,
		embedding.WithCacheMetrics(a.metrics))

	l, err := recognition.NewLearner(a.store, a.cache, learningConfig(a.cfg),
		recognition.WithMetrics(a.metrics),
		recognition.WithExtractor(a.engine),
	)
	if err != nil {
		return err
	}
	a.learner = l
	return nil
}

func (a *App) initManager() error {
	m, err := NewManager(ManagerConfig{
		Recognizer: a.learner,
		Extractor:  a.engine,
		Detectors:  a.detectorFactory(),
		Settings:   a.store,
		Listening:  a.cfg.Listening,
		SpoolDir:   a.cfg.Storage.SpoolDir,
		Handler:    a.handler,
		Metrics:    a.metrics,
	})
	if err != nil {
		return err
	}
	a.manager = m
	return nil
}

// detectorFactory builds energy-only detectors, or neural ones backed by a
// fresh model session when a VAD engine is configured.
func (a *App) detectorFactory() listen.DetectorFactory {
	eng := a.providers.VAD
	opt := vad.WithMetrics(a.metrics)
	if eng == nil {
		return func(c vad.Config) (vad.Detector, error) {
			return vad.NewDetector(c, nil, opt)
		}
	}
	return func(c vad.Config) (vad.Detector, error) {
		h, err := eng.NewSession(providervad.Config{SampleRate: c.Format.SampleRate, FrameSizeMs: c.Format.FrameMs})
		if err != nil {
			return nil, fmt.Errorf("vad model session: %w", err)
		}
		d, err := vad.NewDetector(c, h, opt)
		if err != nil {
			_ = h.Close()
			return nil, err
		}
		return d, nil
	}
}

func (a *App) initHTTP() {
	a.mux = http.NewServeMux()

	transport.New(a.manager,
		transport.WithPingInterval(a.cfg.Server.PingInterval),
	).Register(a.mux)

	api.New(a.learner, api.WithSpoolDir(a.cfg.Storage.SpoolDir)).Register(a.mux)

	checks := []health.Checker{health.Ping("embeddings", a.engine)}
	if a.pinger != nil {
		checks = append(checks, health.Ping("postgres", a.pinger))
	}
	health.New(checks...).Register(a.mux)
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the HTTP handler with observability middleware applied.
// Routes registered on the mux after New are served as well.
func (a *App) Handler() http.Handler {
	return observe.Middleware(a.metrics)(a.mux)
}

// Mux returns the route multiplexer so callers can mount extra endpoints
// such as /metrics.
func (a *App) Mux() *http.ServeMux { return a.mux }

// Manager returns the session manager.
func (a *App) Manager() *Manager { return a.manager }

// Learner returns the adaptive learner.
func (a *App) Learner() *recognition.Learner { return a.learner }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP until ctx is cancelled or the server fails. When ctx is
// done, Run returns context.Canceled (or the underlying cause).
func (a *App) Run(ctx context.Context) error {
	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen: %w", err)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		tls := a.cfg.Server.TLS
		var err error
		if tls != nil {
			err = a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(ln)
		}
		errCh <- err
	}()

	slog.Info("app running", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// Reload applies the hot-reloadable parts of a config change: log level,
// listening defaults for new sessions and learning knobs. Everything else is
// logged as requiring a restart. It is meant as the [config.Watcher]
// callback.
func (a *App) Reload(old, updated *config.Config) {
	d := config.Diff(old, updated)
	if !d.Changed() {
		return
	}

	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Level())
		slog.Info("config reload: log level changed", "level", d.NewLogLevel)
	}
	if d.ListeningChanged {
		a.manager.SetListening(updated.Listening)
		slog.Info("config reload: listening defaults updated")
	}
	if d.LearningChanged {
		if err := a.learner.SetConfig(learningConfig(updated)); err != nil {
			slog.Warn("config reload: learning config rejected", "err", err)
		} else {
			slog.Info("config reload: learning config updated")
		}
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config reload: changes require a restart", "sections", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops all sessions, the HTTP server and every subsystem in
// order. It respects the context deadline: if ctx expires before all
// closers finish, remaining closers are skipped and the context error is
// returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "sessions", a.manager.Len(), "closers", len(a.closers))

		if err := a.manager.Shutdown(ctx); err != nil {
			shutdownErr = err
			return
		}

		if a.server != nil {
			if err := a.server.Shutdown(ctx); err != nil {
				slog.Warn("http server shutdown error", "err", err)
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// learningConfig converts the learning section into learner tuning.
func learningConfig(cfg *config.Config) recognition.Config {
	l := cfg.Learning
	return recognition.Config{
		RetrainThreshold:     l.RetrainThreshold,
		MaxAdaptiveSamples:   l.MaxAdaptiveSamples,
		MaxNegativeSamples:   l.MaxNegativeSamples,
		MinThreshold:         l.MinThreshold,
		MaxThreshold:         l.MaxThreshold,
		ThresholdMargin:      l.ThresholdMargin,
		DefaultMinConfidence: cfg.Listening.MinConfidence,
	}
}

func msDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
