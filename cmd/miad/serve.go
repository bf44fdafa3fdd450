package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"mia/internal/abort"
	"mia/internal/common/fsutil"
	"mia/internal/config"
	"mia/internal/eventbus"
	"mia/internal/events"
	"mia/internal/harmony"
	"mia/internal/httpapi"
	"mia/internal/llm"
	"mia/internal/manager"
	"mia/internal/metrics"
	"mia/internal/pipeline"
	"mia/internal/registry"
	"mia/internal/router"
	"mia/internal/telemetry"
)

const (
	defaultAddr     = ":8080"
	shutdownTimeout = 5 * time.Second
)

type serveFlags struct {
	addr        string
	corsOrigins string
	stub        bool
	noWatch     bool
}

func newServeCmd(rf *rootFlags) *cobra.Command {
	sf := serveFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, rf, sf)
		},
	}
	defAddr := os.Getenv("MIA_ADDR")
	cmd.Flags().StringVar(&sf.addr, "addr", defAddr, "HTTP listen address (default server.addr or :8080)")
	cmd.Flags().StringVar(&sf.corsOrigins, "cors-origins", "", "Comma-separated allowed CORS origins; enables CORS")
	cmd.Flags().BoolVar(&sf.stub, "stub", false, "Serve every model in stub mode even when the llama runtime is built in")
	cmd.Flags().BoolVar(&sf.noWatch, "no-watch", false, "Disable config directory watching")
	return cmd
}

func runServe(ctx context.Context, rf *rootFlags, sf serveFlags) error {
	cfg, err := rf.loadConfig()
	if err != nil {
		return err
	}
	addr := sf.addr
	if addr == "" {
		addr = cfg.Server.Addr
	}
	if addr == "" {
		addr = defaultAddr
	}
	if origins := splitCSV(sf.corsOrigins); len(origins) > 0 {
		cfg.Server.CORS.Enabled = true
		cfg.Server.CORS.Origins = origins
	}

	shutdownTracing, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			zlog.Warn().Err(err).Msg("tracer shutdown")
		}
	}()

	m := metrics.Default
	bus := eventbus.Default
	defer events.InstallMetricsCollector(bus, m)()

	backend := selectBackend(sf.stub)
	modelsDir, err := fsutil.Resolve(rf.root, cfg.Storage.Paths.Models)
	if err != nil {
		return err
	}
	mods := manager.New(cfg, manager.Options{Root: rf.root, ModelsDir: modelsDir, Backend: backend, Bus: bus, Metrics: m})
	mod, err := mods.Get("llm")
	if err != nil {
		return err
	}

	cache, closeCache, err := ephemeralCache(ctx, cfg.Cache)
	if err != nil {
		return err
	}
	defer closeCache()

	aborts := abort.New()
	primary := pipeline.NewPrimary(pipeline.Options{
		Config:  cfg,
		Presets: mod,
		Aborts:  aborts,
		Bus:     bus,
		Metrics: m,
		Cache:   cache,
	})
	rt := router.New(mod, primary)
	handler := httpapi.NewMux(httpapi.Deps{
		Config:    cfg,
		Catalog:   mod,
		Router:    rt,
		Aborts:    aborts,
		Bus:       bus,
		Metrics:   m,
		ModelsDir: modelsDir,
		Ready: func() bool {
			p, ok := mod.Cached(mod.PrimaryID())
			return ok && p.Loaded()
		},
		Started: time.Now(),
		Options: httpapi.OptionsFrom(cfg),
	})

	g, gctx := errgroup.WithContext(ctx)
	httpapi.SetBaseContext(gctx)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return gctx },
	}

	g.Go(func() error {
		zlog.Info().Str("addr", addr).Str("root", rf.root).Str("models_dir", modelsDir).Msg("miad listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			zlog.Warn().Err(err).Msg("graceful shutdown")
		}
		return nil
	})
	g.Go(func() error {
		warmUp(gctx, cfg, mod)
		return nil
	})
	g.Go(func() error {
		mod.RunSweeper(gctx, time.Duration(cfg.Server.SweepEveryS)*time.Second)
		return nil
	})
	if !sf.noWatch {
		g.Go(func() error {
			err := config.Watch(gctx, rf.configDir, func() {
				registry.ClearCache(rf.root)
				zlog.Info().Msg("config changed on disk; restart miad to apply settings")
			})
			if err != nil {
				zlog.Warn().Err(err).Str("dir", rf.configDir).Msg("config watch disabled")
			}
			return nil
		})
	}
	return g.Wait()
}

// warmUp loads the primary and every enabled optional model marked eager.
// Failures are logged; requests retry the load on demand.
func warmUp(ctx context.Context, cfg *config.Config, mod *manager.LLMModule) {
	if _, err := mod.ProviderByRole(ctx, "primary"); err != nil {
		zlog.Warn().Err(err).Str("model", mod.PrimaryID()).Msg("primary warm-up failed")
		return
	}
	for role, om := range cfg.LLM.OptionalModels {
		if !om.Enabled || om.LoadMode != "eager" {
			continue
		}
		if _, err := mod.ProviderByRole(ctx, role); err != nil {
			zlog.Warn().Err(err).Str("role", role).Msg("eager load failed")
		}
	}
}

func ephemeralCache(ctx context.Context, c config.CacheConfig) (harmony.EphemeralCache, func(), error) {
	if c.Backend != "redis" {
		return harmony.NewMemoryCache(), func() {}, nil
	}
	rc, err := harmony.NewRedisCache(ctx, c.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	return rc, func() {
		if err := rc.Close(); err != nil {
			zlog.Warn().Err(err).Msg("redis cache close")
		}
	}, nil
}

// selectBackend returns nil (stub mode) unless the llama runtime is built in.
func selectBackend(stub bool) llm.Backend {
	switch {
	case stub:
		zlog.Info().Msg("stub mode requested")
		return nil
	case !llm.LlamaBuilt:
		zlog.Warn().Msg("binary built without the llama tag; models run in stub mode")
		return nil
	}
	return llm.NewLlamaBackend()
}
