package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Imdavid21/pnl-bloom-sub000/internal/aggregate"
	"github.com/Imdavid21/pnl-bloom-sub000/internal/api"
	"github.com/Imdavid21/pnl-bloom-sub000/internal/config"
	"github.com/Imdavid21/pnl-bloom-sub000/internal/ingest"
	"github.com/Imdavid21/pnl-bloom-sub000/internal/logger"
	"github.com/Imdavid21/pnl-bloom-sub000/internal/metrics"
	"github.com/Imdavid21/pnl-bloom-sub000/internal/scheduler"
	"github.com/Imdavid21/pnl-bloom-sub000/internal/source"
	"github.com/Imdavid21/pnl-bloom-sub000/internal/store"
	"github.com/Imdavid21/pnl-bloom-sub000/internal/trace"
)

func main() {
	_ = godotenv.Load()

	configPath := os.Getenv("PNL_CONFIG")
	if configPath == "" {
		configPath = "config/config.yaml"
	}
	cfg, err := config.Load(configPath, os.Getenv("PNL_ENV_ONLY") == "true")
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, log); err != nil {
		log.Error("pnl-engine exited", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
	_ = log.Sync()
}

// run owns everything the server acquires. It returns instead of exiting so
// the deferred cleanup always runs.
func run(cfg config.Config, log *zap.Logger) error {
	historyStart, err := cfg.Sync.HistoryStartTime()
	if err != nil {
		return fmt.Errorf("invalid sync.history_start: %w", err)
	}
	initialEquity, err := decimal.NewFromString(cfg.Aggregate.InitialEquity)
	if err != nil {
		return fmt.Errorf("invalid aggregate.initial_equity: %w", err)
	}

	if err := trace.Init(cfg.Trace); err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	st, cleanup, err := openStore(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Pipeline ---
	client := source.NewClient(&http.Client{}, cfg.Source, log.Named("source"))
	engine := aggregate.NewEngine(st, aggregate.Config{
		Concurrency:   cfg.Aggregate.Concurrency,
		PageSize:      cfg.Aggregate.PageSize,
		InitialEquity: initialEquity,
	}, log.Named("aggregate"))

	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	hub := api.NewRunHub(log.Named("ws"))
	go hub.Run(hubCtx)

	runs := ingest.NewService(st, client, engine, ingest.Config{
		HistoryStart: historyStart,
		Overlap:      cfg.Sync.Overlap,
		RunTimeout:   cfg.Sync.RunTimeout,
		StaleAfter:   cfg.Sync.StaleAfter,
		PageSize:     cfg.Aggregate.PageSize,
	}, hub, log.Named("ingest"))
	h := api.NewHandler(runs, st, log.Named("api"))

	// --- Scheduled sync ---
	if cfg.Cron.Enabled && len(cfg.Sync.Wallets) > 0 {
		runner := scheduler.New(ctx, log.Named("cron"))
		if _, err := runner.Add(cfg.Cron.Sync, scheduler.SyncWallets(runs, cfg.Sync.Wallets, log.Named("cron"))); err != nil {
			return fmt.Errorf("invalid cron.sync %q: %w", cfg.Cron.Sync, err)
		}
		runner.Start()
		defer runner.Stop()
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"pnl-engine"}`))
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := st.Ping(r.Context()); err != nil {
			log.Warn("readiness check failed", zap.Error(err))
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unavailable"}`))
			return
		}
		w.Write([]byte(`{"status":"ready"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for run progress.
		r.Get("/ws", hub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			// Run triggers.
			r.Post("/sync", h.Sync)
			r.Post("/recompute", h.Recompute)
			r.Get("/runs/{runID}", h.GetRun)

			// Aggregate reads.
			r.Get("/calendar", h.Calendar)
			r.Route("/wallets/{wallet}", func(r chi.Router) {
				r.Get("/runs/latest", h.LatestRun)
				r.Get("/trades", h.Trades)
				r.Get("/equity", h.Equity)
				r.Get("/markets", h.Markets)
			})
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         cfg.Server.HTTPAddr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("pnl-engine listening", zap.String("addr", cfg.Server.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	log.Info("shutting down pnl-engine")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", zap.Error(err))
	}
	runs.Wait()
	stopHub()
	if err := trace.Shutdown(shutdownCtx); err != nil {
		log.Warn("trace shutdown", zap.Error(err))
	}

	select {
	case err := <-serveErr:
		return fmt.Errorf("serve: %w", err)
	default:
	}
	log.Info("pnl-engine stopped")
	return nil
}

// openStore picks PostgreSQL when a DSN is configured, optionally behind
// the Redis cache, and the in-memory store otherwise.
func openStore(ctx context.Context, cfg config.Config, log *zap.Logger) (store.Store, []func(), error) {
	if cfg.DB.DSN == "" {
		log.Warn("db.dsn not set, using in-memory store (data will not persist)")
		return store.NewMemoryStore(), nil, nil
	}

	var cleanup []func()
	poolCfg, err := pgxpool.ParseConfig(cfg.DB.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("parse db.dsn: %w", err)
	}
	if cfg.DB.MaxConns > 0 {
		poolCfg.MaxConns = cfg.DB.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	cleanup = append(cleanup, pool.Close)

	pg := store.NewPostgresStore(pool)
	if err := pg.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping postgres: %w", err)
	}
	if cfg.DB.Migrate {
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
	}
	log.Info("connected to PostgreSQL")

	var st store.Store = pg
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("parse redis.url: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.Redis.TTL)
		log.Info("Redis cache enabled", zap.Duration("ttl", cfg.Redis.TTL))
	}
	return st, cleanup, nil
}
