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
	"strconv"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/opinion-engine/internal/api"
	"github.com/atmx/opinion-engine/internal/config"
	"github.com/atmx/opinion-engine/internal/coord"
	"github.com/atmx/opinion-engine/internal/expiry"
	"github.com/atmx/opinion-engine/internal/lock"
	"github.com/atmx/opinion-engine/internal/metrics"
	"github.com/atmx/opinion-engine/internal/model"
	"github.com/atmx/opinion-engine/internal/settlement"
	"github.com/atmx/opinion-engine/internal/store"
	"github.com/atmx/opinion-engine/internal/trade"
)

func main() {
	configPath := flag.String("config", os.Getenv("ENGINE_CONFIG"), "path to TOML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("opinion-engine exited", "err", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	if cfg.Database.URL != "" {
		poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("parse DATABASE_URL: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.Database.MaxConns)
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return fmt.Errorf("database connection: %w", err)
		}
		cleanup = append(cleanup, pool.Close)

		pg := store.NewPostgresStore(pool, cfg.Engine.LockTimeout.Duration)
		if cfg.Database.RunMigrations {
			if err := pg.RunMigrations(ctx); err != nil {
				return fmt.Errorf("migrations: %w", err)
			}
		}
		st = pg
		slog.Info("connected to PostgreSQL")
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Locks and cache ---
	var locker lock.Locker = lock.NewKeyedMutex()
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}

		st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL.Duration)
		locker = lock.NewRedisLocker(rdb, cfg.Redis.LockLease.Duration, cfg.Redis.LockRetry.Duration)
		slog.Info("Redis cache and distributed locks enabled")
	}

	// --- Services ---
	hub := api.NewHub()
	c := coord.New(locker, st, cfg.Engine.LockTimeout.Duration)
	tradeSvc := trade.NewService(c, cfg.TradeConfig(), trade.WithPublisher(hub))
	settleSvc := settlement.NewService(c, settlement.WithPublisher(hub))

	if _, open, err := st.ListMarkets(ctx, store.MarketFilter{Status: model.StatusOpen, Limit: 1}); err == nil {
		metrics.ActiveMarkets.Set(float64(open))
	} else {
		slog.Warn("could not count open markets", "err", err)
	}

	// --- HTTP server ---
	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      api.NewRouter(api.NewHandler(tradeSvc, settleSvc, hub), cfg.Server.CORSOrigins),
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
		IdleTimeout:  cfg.Server.IdleTimeout.Duration,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})

	if cfg.Expiry.Enabled {
		sweeper := expiry.NewSweeper(tradeSvc, st,
			expiry.WithSpec(cfg.Expiry.Spec),
			expiry.WithTimeout(cfg.Expiry.CloseTimeout.Duration),
		)
		tradeSvc.SetScheduler(sweeper)
		g.Go(func() error {
			return sweeper.Start(gctx)
		})
	}

	g.Go(func() error {
		slog.Info("opinion-engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down opinion-engine...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("opinion-engine stopped")
	return nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
