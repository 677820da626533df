// ABOUTME: App wires every component and manages startup/shutdown ordering
// ABOUTME: Transport, KV, archive, queue, bridge, watchdog, MCP, HTTP

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/2389/ember-bridge/internal/agent"
	"github.com/2389/ember-bridge/internal/archive"
	"github.com/2389/ember-bridge/internal/bridge"
	"github.com/2389/ember-bridge/internal/config"
	"github.com/2389/ember-bridge/internal/delivery"
	"github.com/2389/ember-bridge/internal/enrich"
	"github.com/2389/ember-bridge/internal/ingest"
	"github.com/2389/ember-bridge/internal/kv"
	"github.com/2389/ember-bridge/internal/mcp"
	"github.com/2389/ember-bridge/internal/queue"
	"github.com/2389/ember-bridge/internal/session"
	"github.com/2389/ember-bridge/internal/transport"
	"github.com/2389/ember-bridge/internal/watchdog"
)

// deliveryBackoff is the base backoff between send retries.
const deliveryBackoff = time.Second

// eventMaxAge is how long bridge events are kept for the watchdog.
const eventMaxAge = 7 * 24 * time.Hour

// App is the assembled ember-bridge process.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	store      *kv.Store
	arch       *archive.Archive
	client     transport.Client
	pool       *queue.Pool
	registry   *session.Registry
	bridge     *bridge.Bridge
	watchdog   *watchdog.Watchdog
	orch       *mcp.Orchestrator
	httpServer *http.Server
}

// New builds the full component graph. Nothing is started yet; Run does
// that.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	store, err := newStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	arch, err := archive.New(cfg.Archive.Path, store, logger)
	if err != nil {
		return nil, fmt.Errorf("opening archive: %w", err)
	}

	tg, err := transport.NewTelegramClient(cfg.Transport.Telegram.BotToken, logger)
	if err != nil {
		return nil, fmt.Errorf("creating transport: %w", err)
	}

	invoker, err := agent.NewCLIInvoker(cfg.Agent.Command, cfg.Agent.WorkDir, logger)
	if err != nil {
		return nil, fmt.Errorf("creating agent invoker: %w", err)
	}

	registry := session.NewRegistry(store, session.NewKeywordClassifier(),
		cfg.Bridge.ProjectKey, cfg.Bridge.SessionResumeWindow, logger)

	enricher := enrich.NewPipeline(tg, logger,
		enrich.WithTranscriptFetcher(enrich.NewTimedTextFetcher()),
		enrich.WithBudget(cfg.Bridge.EnrichmentTimeout))

	deliverer := delivery.New(tg, store, arch,
		cfg.Delivery.MaxChunkChars, cfg.Delivery.RetryMax, deliveryBackoff, logger)

	br := bridge.New(bridge.Config{
		Store:            store,
		Archive:          arch,
		Sessions:         registry,
		Enricher:         enricher,
		Invoker:          invoker,
		Deliverer:        deliverer,
		SessionLogDir:    cfg.SessionLog.Dir,
		ReenrichOnReplay: cfg.Bridge.ReenrichOnReplay,
	}, logger)

	pool := queue.NewPool(cfg.Bridge.WorkerConcurrency,
		cfg.Bridge.ShutdownGracePeriod, br.Execute, logger)

	botHandle := cfg.Transport.Telegram.BotHandle
	if botHandle == "" {
		botHandle = tg.BotUsername()
	}
	handler := ingest.NewHandler(botHandle, store, arch, pool, logger)
	tg.OnMessage(handler.HandleMessage)

	wd := watchdog.New(watchdog.Config{
		Interval:          cfg.Watchdog.Interval,
		SilenceThreshold:  cfg.Watchdog.SilenceThreshold,
		DurationThreshold: cfg.Watchdog.DurationThreshold,
		LoopThreshold:     cfg.Watchdog.LoopThreshold,
		CascadeThreshold:  cfg.Watchdog.ErrorCascadeThreshold,
		CascadeWindow:     cfg.Watchdog.ErrorCascadeWindow,
		AlertCooldown:     cfg.Watchdog.AlertCooldown,
		LogDir:            cfg.SessionLog.Dir,
		EventMaxAge:       eventMaxAge,
	}, registry, deliverer, store, logger)

	orch := mcp.NewOrchestrator(mcp.Options{
		HealthInterval:  cfg.MCP.HealthCheckInterval,
		EnableBalancing: cfg.MCP.EnableLoadBalancing,
		EnableMessaging: cfg.MCP.EnableInterServerMessages,
	}, logger)
	if cfg.MCP.RegistryPath != "" {
		reg, err := mcp.LoadRegistry(cfg.MCP.RegistryPath)
		if err != nil {
			return nil, err
		}
		if err := orch.ApplyRegistry(reg); err != nil {
			return nil, fmt.Errorf("applying MCP registry: %w", err)
		}
	}

	app := &App{
		cfg:      cfg,
		logger:   logger.With("component", "app"),
		store:    store,
		arch:     arch,
		client:   tg,
		pool:     pool,
		registry: registry,
		bridge:   br,
		watchdog: wd,
		orch:     orch,
	}
	app.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           app.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return app, nil
}

// newStore picks the KV backend. ":memory:" runs without Redis, for
// development and tests.
func newStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*kv.Store, error) {
	if cfg.Redis.Addr == ":memory:" {
		return kv.NewStore(kv.NewMemoryBackend(), cfg.Redis.Namespace, logger), nil
	}
	backend, err := kv.NewRedisBackend(ctx, kv.RedisOptions{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return nil, err
	}
	return kv.NewStore(backend, cfg.Redis.Namespace, logger), nil
}

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/api/deadletters", a.handleDeadLetters)
	mux.HandleFunc("/api/sessions", a.handleSessions)
	if a.cfg.Metrics.Enabled {
		mux.Handle(a.cfg.Metrics.Path, promhttp.Handler())
	}
	return mux
}

func (a *App) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, `{"status":"ok"}`)
}

// Run starts everything and blocks until ctx is cancelled or a component
// fails. Shutdown happens in reverse startup order.
func (a *App) Run(ctx context.Context) error {
	a.pool.Start(ctx)
	if err := a.client.Connect(ctx); err != nil {
		return fmt.Errorf("connecting transport: %w", err)
	}
	a.logger.Info("ember-bridge started",
		"http_addr", a.cfg.Server.HTTPAddr,
		"workers", a.cfg.Bridge.WorkerConcurrency,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.bridge.Run(gctx) })
	g.Go(func() error { return a.registry.RunSweeper(gctx, a.cfg.Watchdog.DormantAfter) })
	g.Go(func() error { return a.watchdog.Run(gctx) })
	g.Go(func() error { return a.orch.RunHealthLoop(gctx) })
	g.Go(func() error { return a.orch.RunMessageLoop(gctx) })
	g.Go(func() error {
		err := a.httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.httpServer.Shutdown(shutCtx)
	})

	err := g.Wait()
	a.shutdown()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// shutdown tears components down in reverse startup order: stop intake,
// drain workers, then close storage.
func (a *App) shutdown() {
	if err := a.client.Disconnect(); err != nil {
		a.logger.Warn("transport disconnect failed", "error", err)
	}
	if err := a.pool.Shutdown(); err != nil {
		a.logger.Warn("queue drain incomplete", "error", err)
	}
	if err := a.arch.Close(); err != nil {
		a.logger.Warn("archive close failed", "error", err)
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("kv store close failed", "error", err)
	}
	a.logger.Info("ember-bridge stopped")
}

// Replay builds the minimal component set needed to drain dead letters
// once, then exits. Used by the replay subcommand.
func Replay(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	store, err := newStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck // process exits right after

	arch, err := archive.New(cfg.Archive.Path, store, logger)
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	defer arch.Close() //nolint:errcheck // process exits right after

	tg, err := transport.NewTelegramClient(cfg.Transport.Telegram.BotToken, logger)
	if err != nil {
		return fmt.Errorf("creating transport: %w", err)
	}

	deliverer := delivery.New(tg, store, arch,
		cfg.Delivery.MaxChunkChars, cfg.Delivery.RetryMax, deliveryBackoff, logger)
	return deliverer.Replay(ctx)
}
