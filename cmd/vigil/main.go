// Command vigil is the main entry point for the Vigil speaker-recognition
// server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/vigil/internal/app"
	"github.com/MrWong99/vigil/internal/config"
	"github.com/MrWong99/vigil/internal/observe"
	"github.com/MrWong99/vigil/pkg/provider/embeddings"
	"github.com/MrWong99/vigil/pkg/provider/embeddings/speechbrain"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload the configuration file when it changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "vigil: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "vigil: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Level())
	slog.SetDefault(newLogger(level))

	slog.Info("vigil starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := "memory"
	if cfg.Storage.PostgresDSN != "" {
		store = "postgres"
	}
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:      "vigil",
		ServiceVersion:   version,
		EmbeddingBackend: cfg.Inference.Embeddings.Name,
		EmbeddingModel:   cfg.Inference.Embeddings.Model,
		ProfileStore:     store,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(tctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	// ── Instantiate providers ─────────────────────────────────────────────────
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers, app.WithLevelVar(level))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}
	application.Mux().Handle("GET /metrics", promhttp.Handler())

	// ── Config watcher (optional) ─────────────────────────────────────────────
	if *watch {
		w, err := config.NewWatcher(*configPath, application.Reload)
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// builtinProviders maps provider category names to the implementations that
// ship with Vigil. Used for startup logging.
var builtinProviders = map[string][]string{
	"embeddings": {"speechbrain"},
	"vad":        {},
}

// extraRegistrations are provider factories compiled in behind build tags.
var extraRegistrations []func(*config.Registry)

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── Embeddings ────────────────────────────────────────────────────────────

	reg.RegisterEmbeddings("speechbrain", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []speechbrain.Option
		if entry.Model != "" {
			opts = append(opts, speechbrain.WithModel(entry.Model))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, speechbrain.WithTimeout(d))
		}
		if dims := optInt(entry.Options, "dimensions"); dims > 0 {
			opts = append(opts, speechbrain.WithDimensions(dims))
		}
		if on, ok := optBool(entry.Options, "preprocessing"); ok {
			opts = append(opts, speechbrain.WithPreprocessing(on))
		}
		return speechbrain.New(entry.BaseURL, opts...)
	})

	for _, register := range extraRegistrations {
		register(reg)
	}

	// Debug log of all registered providers.
	for kind := range builtinProviders {
		for _, name := range reg.Names(kind) {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// buildProviders instantiates all providers named in cfg using the registry
// and returns them in an [app.Providers] struct for the application to consume.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}
	inf := cfg.Inference

	primary, err := reg.CreateEmbeddings(inf.Embeddings)
	if err != nil {
		return nil, fmt.Errorf("create embeddings provider %q: %w", inf.Embeddings.Name, err)
	}
	ps.Embeddings = app.NamedEmbeddings{Name: inf.Embeddings.Name, Provider: primary}
	slog.Info("provider created", "kind", "embeddings", "name", inf.Embeddings.Name, "model", primary.ModelID())

	for i, entry := range inf.Fallbacks {
		p, err := reg.CreateEmbeddings(entry)
		if err != nil {
			return nil, fmt.Errorf("create embeddings fallback %d (%q): %w", i, entry.Name, err)
		}
		if p.ModelID() != primary.ModelID() {
			return nil, fmt.Errorf("embeddings fallback %q uses model %q, primary uses %q", entry.Name, p.ModelID(), primary.ModelID())
		}
		ps.Fallbacks = append(ps.Fallbacks, app.NamedEmbeddings{Name: fmt.Sprintf("%s-%d", entry.Name, i+1), Provider: p})
		slog.Info("provider created", "kind", "embeddings-fallback", "name", entry.Name)
	}

	if name := inf.VAD.Name; name != "" {
		p, err := reg.CreateVAD(inf.VAD)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("vad provider not compiled in, using energy-only detection", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create vad provider %q: %w", name, err)
		} else {
			ps.VAD = p
			slog.Info("provider created", "kind", "vad", "name", name)
		}
	}

	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	inf := cfg.Inference
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          Vigil: startup summary       ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("Embeddings", inf.Embeddings.Name, inf.Embeddings.Model)
	fmt.Printf("║  Fallbacks       : %-19d ║\n", len(inf.Fallbacks))
	printProvider("VAD", inf.VAD.Name, "")
	if cfg.Storage.PostgresDSN != "" {
		fmt.Printf("║  Profile store   : %-19s ║\n", "postgres")
	} else {
		fmt.Printf("║  Profile store   : %-19s ║\n", "memory")
	}
	fmt.Printf("║  Sample rate     : %-19d ║\n", cfg.Listening.SampleRate)
	fmt.Printf("║  Retain audio    : %-19t ║\n", cfg.Listening.RetainAudio)
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}

// optInt extracts an integer option. YAML decodes whole numbers as int.
func optInt(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}

func optFloat(opts map[string]any, key string) (float64, bool) {
	switch v := opts[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}

func optBool(opts map[string]any, key string) (bool, bool) {
	v, ok := opts[key].(bool)
	return v, ok
}

// optDuration parses a duration option such as "5s". Invalid values are
// logged and ignored.
func optDuration(opts map[string]any, key string) time.Duration {
	s := optString(opts, key)
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		slog.Warn("ignoring invalid duration option", "key", key, "value", s, "err", err)
		return 0
	}
	return d
}
