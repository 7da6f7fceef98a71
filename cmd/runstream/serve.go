package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	apihttp "github.com/Strob0t/runstream/internal/adapter/http"
	natsadapter "github.com/Strob0t/runstream/internal/adapter/nats"
	"github.com/Strob0t/runstream/internal/adapter/natskv"
	"github.com/Strob0t/runstream/internal/adapter/otel"
	"github.com/Strob0t/runstream/internal/adapter/postgres"
	"github.com/Strob0t/runstream/internal/adapter/ristretto"
	"github.com/Strob0t/runstream/internal/adapter/runapi"
	"github.com/Strob0t/runstream/internal/adapter/tiered"
	"github.com/Strob0t/runstream/internal/adapter/ws"
	"github.com/Strob0t/runstream/internal/config"
	"github.com/Strob0t/runstream/internal/logger"
	"github.com/Strob0t/runstream/internal/middleware"
	"github.com/Strob0t/runstream/internal/port/cache"
	"github.com/Strob0t/runstream/internal/resilience"
	"github.com/Strob0t/runstream/internal/secrets"
	"github.com/Strob0t/runstream/internal/service"
)

const idempotencyBucketSuffix = "_IDEMPOTENCY"

// infra holds the optional infrastructure shared by the subcommands.
type infra struct {
	archive *postgres.Archive
	queue   *natsadapter.Queue
	checks  map[string]apihttp.HealthCheck
	closers []func()
}

func (i *infra) close() {
	for j := len(i.closers) - 1; j >= 0; j-- {
		i.closers[j]()
	}
}

// connectInfra opens the archive and the NATS connection when configured.
func connectInfra(ctx context.Context, cfg *config.Config) (*infra, error) {
	in := &infra{checks: make(map[string]apihttp.HealthCheck)}

	if cfg.Postgres.DSN != "" {
		if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
			return nil, fmt.Errorf("migrations: %w", err)
		}
		pool, err := postgres.NewPool(ctx, cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		in.closers = append(in.closers, pool.Close)
		in.archive = postgres.NewArchive(pool)
		in.checks["postgres"] = pool.Ping
		slog.Info("run archive enabled")
	}

	if cfg.NATS.URL != "" {
		q, err := natsadapter.Connect(ctx, cfg.NATS.URL, cfg.NATS.SubjectPrefix)
		if err != nil {
			in.close()
			return nil, fmt.Errorf("nats: %w", err)
		}
		in.closers = append(in.closers, func() {
			if err := q.Drain(); err != nil {
				slog.Warn("nats drain failed", "error", err)
			}
		})
		in.queue = q
		in.checks["nats"] = apihttp.ConnectedCheck(q.IsConnected)
	}
	return in, nil
}

// historyCache builds the L1 ristretto cache, backed by a NATS KV L2 when
// the bus is configured. The L1 hit ratio is exported through metrics.
func historyCache(ctx context.Context, cfg *config.Config, in *infra, metrics *otel.Metrics) (cache.Cache, error) {
	l1, err := ristretto.NewFromConfig(cfg.Cache)
	if err != nil {
		return nil, fmt.Errorf("l1 cache: %w", err)
	}
	if err := metrics.ObserveCacheHitRatio("history_l1", l1.HitRatio); err != nil {
		slog.Warn("cache hit ratio gauge unavailable", "error", err)
	}
	in.closers = append(in.closers, l1.Close)

	var l2 cache.Cache
	if in.queue != nil {
		kv, err := in.queue.KeyValue(ctx, cfg.NATS.KVBucket, cfg.Cache.L2TTL)
		if err != nil {
			return nil, fmt.Errorf("l2 cache: %w", err)
		}
		l2 = natskv.New(kv)
	}
	return tiered.New(l1, l2, cfg.Cache.L2TTL), nil
}

// idempotencyStore keeps start responses in NATS KV when available and in
// a process-local cache otherwise.
func idempotencyStore(ctx context.Context, cfg *config.Config, in *infra) (cache.Cache, error) {
	if in.queue != nil {
		kv, err := in.queue.KeyValue(ctx, cfg.NATS.KVBucket+idempotencyBucketSuffix, cfg.Server.IdempotencyTTL)
		if err != nil {
			return nil, fmt.Errorf("idempotency store: %w", err)
		}
		return natskv.New(kv), nil
	}
	local, err := ristretto.New(8 << 20)
	if err != nil {
		return nil, fmt.Errorf("idempotency store: %w", err)
	}
	in.closers = append(in.closers, local.Close)
	return local, nil
}

// tokenVault loads the stream auth token from its file when one is
// configured and from the static config value otherwise.
func tokenVault(cfg config.Stream) (*secrets.Vault, error) {
	loader := secrets.StaticLoader(map[string]string{secrets.StreamToken: cfg.AuthToken})
	if cfg.AuthTokenFile != "" {
		loader = secrets.FileLoader(secrets.StreamToken, cfg.AuthTokenFile)
	}
	v, err := secrets.NewVault(loader)
	if err != nil {
		return nil, fmt.Errorf("auth token: %w", err)
	}
	return v, nil
}

// reloadOnHangup re-reads the vault on every SIGHUP until ctx is done.
func reloadOnHangup(ctx context.Context, v *secrets.Vault) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		defer signal.Stop(hup)
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				if err := v.Reload(); err != nil {
					slog.Error("auth token reload failed, keeping previous token", "error", err)
					continue
				}
				slog.Info("auth token reloaded")
			}
		}
	}()
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", config.DefaultConfigFile, "path to the YAML config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.LoadFrom(*configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, closer := logger.New(cfg.Logging)
	defer closer.Close()
	slog.SetDefault(log)

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"stream_url", cfg.Stream.BaseURL,
		"history_url", cfg.History.BaseURL,
		"archive", cfg.Postgres.DSN != "",
		"nats", cfg.NATS.URL != "",
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Observability ---

	shutdownOTel, err := otel.Setup(ctx, cfg.OTel)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(flushCtx); err != nil {
			slog.Warn("otel shutdown failed", "error", err)
		}
	}()
	metrics, err := otel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	// --- Infrastructure ---

	in, err := connectInfra(ctx, cfg)
	if err != nil {
		return err
	}
	defer in.close()

	hc, err := historyCache(ctx, cfg, in, metrics)
	if err != nil {
		return err
	}
	idemStore, err := idempotencyStore(ctx, cfg, in)
	if err != nil {
		return err
	}

	// --- Services ---

	vault, err := tokenVault(cfg.Stream)
	if err != nil {
		return err
	}
	reloadOnHangup(ctx, vault)
	token := vault.Source(secrets.StreamToken)

	breaker := resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout,
		resilience.WithName("run-api"),
		resilience.WithFailurePredicate(runapi.IsServerFailure),
		resilience.WithStateChange(func(from, to resilience.State) {
			metrics.BreakerStateChanged("run-api", from.String(), to.String())
		}),
	)
	client := runapi.NewClient(cfg.History, "", otel.HTTPClient(nil))
	client.SetTokenSource(token)
	client.SetBreaker(breaker)

	opts := []service.RegistryOption{
		service.WithTokenSource(token),
		service.WithMaxConcurrentDials(cfg.Stream.MaxDials),
		service.WithMetrics(metrics),
	}
	if in.archive != nil {
		opts = append(opts, service.WithArchive(in.archive))
	}
	registry := service.NewRegistry(ws.NewDialer(cfg.Stream, nil), opts...)

	history := service.NewHistoryService(client, cfg.History.DefaultLimit)
	history.SetCache(hc, cfg.Cache.L2TTL)
	if in.archive != nil {
		history.SetArchive(in.archive)
	}
	approvals := service.NewApprovalService(registry, client)
	hub := ws.NewHub(registry.CurrentState)

	// --- HTTP ---

	handlers := &apihttp.Handlers{
		Runs:      registry,
		History:   history,
		Approvals: approvals,
		Checks:    in.checks,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(apihttp.Logger)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(apihttp.SecurityHeaders)
	r.Use(apihttp.CORS(cfg.Server.CORSOrigin))
	r.Use(otel.HTTPMiddleware(cfg.OTel.ServiceName))
	if cfg.Server.RateLimitRPS > 0 {
		limiter := middleware.NewRateLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst)
		stopCleanup := limiter.StartCleanup(time.Minute, 10*time.Minute)
		defer stopCleanup()
		r.Use(limiter.Handler)
	}
	apihttp.MountRoutes(r, handlers, apihttp.RouteOptions{
		Hub:         hub,
		Idempotency: middleware.Idempotency(idemStore, cfg.Server.IdempotencyTTL),
	})

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// --- Run ---

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return registry.Run(gctx) })

	unsubHub, err := registry.AddBroadcaster(gctx, hub)
	if err != nil {
		stop()
		_ = g.Wait()
		return fmt.Errorf("hub broadcaster: %w", err)
	}
	defer unsubHub()
	if in.queue != nil {
		unsubNATS, err := registry.AddBroadcaster(gctx, natsadapter.NewPublisher(in.queue, cfg.NATS.SubjectPrefix))
		if err != nil {
			stop()
			_ = g.Wait()
			return fmt.Errorf("nats broadcaster: %w", err)
		}
		defer unsubNATS()
	}

	g.Go(func() error {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down server")
		hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
