package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	apihttp "github.com/Strob0t/auditrt/internal/adapter/http"
	"github.com/Strob0t/auditrt/internal/adapter/memory"
	auditnats "github.com/Strob0t/auditrt/internal/adapter/nats"
	"github.com/Strob0t/auditrt/internal/adapter/natskv"
	auditotel "github.com/Strob0t/auditrt/internal/adapter/otel"
	"github.com/Strob0t/auditrt/internal/adapter/postgres"
	"github.com/Strob0t/auditrt/internal/adapter/ristretto"
	"github.com/Strob0t/auditrt/internal/adapter/sqlite"
	"github.com/Strob0t/auditrt/internal/adapter/tiered"
	"github.com/Strob0t/auditrt/internal/adapter/ws"
	"github.com/Strob0t/auditrt/internal/config"
	"github.com/Strob0t/auditrt/internal/domain/task"
	"github.com/Strob0t/auditrt/internal/domain/workflow"
	"github.com/Strob0t/auditrt/internal/logger"
	"github.com/Strob0t/auditrt/internal/port/cache"
	"github.com/Strob0t/auditrt/internal/port/eventstore"
	"github.com/Strob0t/auditrt/internal/service"
)

const (
	shutdownTimeout   = 30 * time.Second
	maxTrackedClients = 10000
)

func newServeCmd() *cobra.Command {
	var workflowDir string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the runtime and its HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, workflowDir)
		},
	}
	cmd.Flags().StringVar(&workflowDir, "workflows", "", "directory of YAML workflow definitions added to the built-in ones")
	return cmd
}

// closers run in reverse order on shutdown.
type closers []func()

func (c *closers) add(fn func()) { *c = append(*c, fn) }

func (c closers) run() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

func serve(ctx context.Context, cfg *config.Config, workflowDir string) error {
	log, closeLog := logger.New(cfg.Logging)
	defer closeLog.Close()
	slog.SetDefault(log)

	log.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"event_log", cfg.EventLog.Driver,
		"max_parallel", cfg.Executor.MaxParallel,
	)

	var cleanup closers
	defer cleanup.run()

	// --- Telemetry ---
	tel, err := auditotel.Setup(ctx, cfg.OTEL)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	cleanup.add(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(sctx); err != nil {
			log.Warn("otel shutdown", "error", err)
		}
	})
	metrics, err := auditotel.NewMetrics(tel.MeterProvider)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	observer := auditotel.NewObserver(nil, metrics)

	// --- Event log ---
	store, err := openEventStore(ctx, cfg, &cleanup)
	if err != nil {
		return err
	}

	deps := service.RuntimeDeps{
		Store:        store,
		TaskObserver: observer,
		SpanObserver: observer,
		OnBreaker:    metrics.BreakerStateChange,
	}

	// --- NATS and snapshot cache ---
	l1Bytes := int64(cfg.Cache.L1MaxSizeMB) << 20
	l1, err := ristretto.New(l1Bytes)
	if err != nil {
		return fmt.Errorf("l1 cache: %w", err)
	}
	cleanup.add(l1.Close)
	var l2 cache.Cache
	if cfg.NATS.URL != "" {
		queue, err := auditnats.Connect(ctx, cfg.NATS, log)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		cleanup.add(func() { _ = queue.Drain() })
		log.Info("nats connected", "stream", cfg.NATS.Stream)

		kv, err := natskv.Open(ctx, queue, cfg.NATS.KVBucket, cfg.Cache.L2TTL)
		if err != nil {
			return fmt.Errorf("nats kv: %w", err)
		}
		l2 = kv
		deps.Queue = queue
		deps.Broadcaster = auditnats.NewBroadcaster(queue, cfg.NATS.SubjectPrefix)
	}
	deps.Snapshots = tiered.New(l1, l2, cfg.Cache.L2TTL, log)

	// --- Runtime ---
	kinds := task.NewRegistry()
	if err := service.RegisterRelayKinds(kinds, service.StageKinds...); err != nil {
		return err
	}
	deps.Kinds = kinds

	rt, err := service.InitProcess(func() (*service.Runtime, error) {
		return service.NewRuntime(cfg, deps, log)
	})
	if err != nil {
		return fmt.Errorf("runtime: %w", err)
	}
	if err := metrics.ObservePipeline(rt.Events.Stats); err != nil {
		return fmt.Errorf("pipeline metrics: %w", err)
	}
	if err := rt.StartControl(ctx); err != nil {
		return fmt.Errorf("control subscribers: %w", err)
	}

	defs := workflow.Builtin()
	if workflowDir != "" {
		loaded, err := workflow.LoadFromDirectory(workflowDir)
		if err != nil {
			return fmt.Errorf("workflows: %w", err)
		}
		defs = append(defs, loaded...)
	}

	// --- HTTP ---
	hub := ws.NewHub(rt.Events, nil, log)
	limiter, err := apihttp.NewRateLimiter(cfg.Limiters.API.Rate, cfg.Limiters.API.Capacity, maxTrackedClients)
	if err != nil {
		return err
	}
	router := apihttp.NewRouter(apihttp.NewHandlers(rt, defs, log), apihttp.RouterOptions{
		CORSOrigin: cfg.Server.CORSOrigin,
		Metrics:    tel.MetricsHandler,
		Sessions:   hub.HandleSession,
		Limiter:    limiter,
		Middleware: []func(http.Handler) http.Handler{auditotel.HTTPMiddleware(cfg.OTEL.ServiceName)},
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		hub.Run(gctx, cfg.Events.HeartbeatInterval)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var errs []error
		if err := srv.Shutdown(sctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if err := rt.Shutdown(sctx); err != nil {
			errs = append(errs, fmt.Errorf("runtime shutdown: %w", err))
		}
		return errors.Join(errs...)
	})

	err = g.Wait()
	log.Info("server stopped")
	return err
}

func openEventStore(ctx context.Context, cfg *config.Config, cleanup *closers) (eventstore.Store, error) {
	switch cfg.EventLog.Driver {
	case "memory":
		return memory.NewEventStore(), nil
	case "sqlite":
		s, err := sqlite.Open(ctx, cfg.EventLog.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlite event log: %w", err)
		}
		cleanup.add(func() { _ = s.Close() })
		return s, nil
	case "postgres":
		if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
			return nil, fmt.Errorf("migrations: %w", err)
		}
		pool, err := postgres.NewPool(ctx, cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		cleanup.add(pool.Close)
		return postgres.NewEventStore(pool), nil
	default:
		return nil, fmt.Errorf("unknown event log driver %q", cfg.EventLog.Driver)
	}
}
