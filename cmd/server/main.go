// Package main is the entry point for the strike market API server. It
// wires the configured ledger, the live market views and the keeper, then
// serves the HTTP API alongside the WebSocket hub. The operator backoffice
// listens on its own port in the same process.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/evetabi/strikemarket/internal/api"
	"github.com/evetabi/strikemarket/internal/backoffice"
	"github.com/evetabi/strikemarket/internal/cache"
	"github.com/evetabi/strikemarket/internal/config"
	"github.com/evetabi/strikemarket/internal/ledger/evm"
	"github.com/evetabi/strikemarket/internal/ledger/memory"
	"github.com/evetabi/strikemarket/internal/ledger/sqlledger"
	"github.com/evetabi/strikemarket/internal/oracle"
	"github.com/evetabi/strikemarket/internal/repository"
	"github.com/evetabi/strikemarket/internal/scheduler"
	"github.com/evetabi/strikemarket/internal/service"
	"github.com/evetabi/strikemarket/internal/ws"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver
)

func main() {
	// ── 1. Logger ─────────────────────────────────────────────────────────────
	cfg := config.MustLoad()

	var logHandler slog.Handler
	if cfg.IsProd() {
		logHandler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	} else {
		logHandler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	}
	logger := slog.New(logHandler)
	slog.SetDefault(logger)

	logger.Info("starting strike market server",
		"env", cfg.Server.Env, "port", cfg.Server.Port, "ledger", cfg.Ledger.Driver, "cache", cfg.Cache.Driver)

	// ── 2. Root context + signal handling ─────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── 3. Ledger ─────────────────────────────────────────────────────────────
	prices := oracle.NewPriceService(cfg.Price)

	provider, closeLedger, err := openLedger(ctx, cfg, prices, logger)
	if err != nil {
		logger.Error("ledger setup failed", "err", err)
		os.Exit(1)
	}
	defer closeLedger.Close()

	// ── 4. Snapshot cache ─────────────────────────────────────────────────────
	snapCache, err := openCache(ctx, cfg.Cache)
	if err != nil {
		// The cache only speeds up view start; run without it.
		logger.Warn("snapshot cache unavailable, continuing without it", "err", err)
		snapCache = cache.Nop{}
	}
	defer snapCache.Close()

	// ── 5. WebSocket Hub + market views ───────────────────────────────────────
	hub := ws.NewHub([]byte(cfg.JWT.Secret), cfg.Server.AllowedOrigins, logger)

	viewOpts := service.ViewOptionsFromConfig(cfg.View)
	viewOpts.Cache = snapCache
	viewOpts.CacheMaxAge = cfg.Cache.MaxAge
	viewOpts.CacheSaveEvery = cfg.Cache.SaveEvery
	viewOpts.Publisher = hub
	viewOpts.Logger = logger
	registry := service.NewRegistry(ctx, provider, viewOpts)
	hub.Attach(registry)

	go hub.Run(ctx)
	logger.Info("websocket hub started")

	// ── 6. Keeper ─────────────────────────────────────────────────────────────
	var keeper *scheduler.Scheduler
	if cfg.Keeper.Enabled {
		keeper = scheduler.NewScheduler(provider, snapCache, cfg, logger)
		keeper.Start(ctx)
	}

	// ── 7. HTTP Router ────────────────────────────────────────────────────────
	router := api.SetupRouter(api.RouterDeps{
		Registry: registry,
		Hub:      hub,
		Cfg:      cfg,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// ── 8. Start server ───────────────────────────────────────────────────────
	go func() {
		logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
			stop() // trigger graceful shutdown
		}
	}()

	// ── 9. Backoffice ─────────────────────────────────────────────────────────
	var adminSrv *http.Server
	if cfg.Server.BackofficeEnabled {
		adminSrv = &http.Server{
			Addr: ":" + cfg.Server.BackofficePort,
			Handler: backoffice.SetupBackofficeRouter(backoffice.BackofficeDeps{
				Registry: registry,
				Keeper:   keeper,
				Prices:   prices,
				Hub:      hub,
				Cfg:      cfg,
			}),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("backoffice listening", "addr", adminSrv.Addr)
			if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("backoffice server error", "err", err)
				stop()
			}
		}()
	}

	// ── 10. Graceful shutdown ─────────────────────────────────────────────────
	<-ctx.Done()
	logger.Info("shutdown signal received, draining connections…")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err = srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", "err", err)
	}
	if adminSrv != nil {
		if err = adminSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("backoffice shutdown error", "err", err)
		}
	}

	// Views save their last state to the cache on close.
	registry.Close()
	logger.Info("server stopped cleanly")
}

// ledgerSource is what the server needs from a ledger driver.
type ledgerSource = scheduler.Source

// openLedger builds the configured ledger driver. The returned closer
// releases its connections.
func openLedger(ctx context.Context, cfg *config.Config, prices *oracle.PriceService, logger *slog.Logger) (ledgerSource, io.Closer, error) {
	switch cfg.Ledger.Driver {
	case "memory":
		logger.Warn("using the in-memory ledger; state is lost on restart")
		return memory.New(prices, nil), closerFunc(func() error { return nil }), nil

	case "postgres":
		db, err := sqlx.Connect("postgres", cfg.DB.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("database connection failed: %w", err)
		}
		db.SetMaxOpenConns(cfg.DB.MaxOpenConns)
		db.SetMaxIdleConns(cfg.DB.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.DB.ConnMaxLifetime)
		logger.Info("database connected")

		if err := repository.RunMigrations(ctx, db, cfg.DB.MigrationsDir); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("migrations failed: %w", err)
		}
		logger.Info("migrations applied")

		l := sqlledger.New(db, prices, sqlledger.Options{DSN: cfg.DB.DSN}, logger)
		return l, closerFunc(func() error {
			_ = l.Close()
			return db.Close()
		}), nil

	case "evm":
		p, cli, err := evm.Dial(ctx, cfg.Ledger, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("connected to chain", "rpc", cfg.Ledger.RPCURL, "markets", len(cfg.Ledger.Contracts))
		return p, closerFunc(func() error {
			cli.Close()
			return nil
		}), nil
	}
	return nil, nil, fmt.Errorf("unknown ledger driver %q", cfg.Ledger.Driver)
}

// openCache builds the configured snapshot cache.
func openCache(ctx context.Context, cfg config.CacheConfig) (cache.SnapshotCache, error) {
	switch cfg.Driver {
	case "sqlite":
		return cache.NewSQLiteCache(cfg.Path)
	case "redis":
		return cache.NewRedisCache(ctx, cache.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			TTL:      cfg.MaxAge,
		})
	}
	return cache.Nop{}, nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
