// Package main is the entrypoint for the control plane API server.
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

	"github.com/kiranshivaraju/controlplane/internal/api"
	"github.com/kiranshivaraju/controlplane/internal/api/handler"
	mw "github.com/kiranshivaraju/controlplane/internal/api/middleware"
	"github.com/kiranshivaraju/controlplane/internal/apikey"
	"github.com/kiranshivaraju/controlplane/internal/audit"
	"github.com/kiranshivaraju/controlplane/internal/cache"
	"github.com/kiranshivaraju/controlplane/internal/config"
	"github.com/kiranshivaraju/controlplane/internal/lifecycle"
	"github.com/kiranshivaraju/controlplane/internal/metering"
	"github.com/kiranshivaraju/controlplane/internal/provisioner"
	"github.com/kiranshivaraju/controlplane/internal/quota"
	"github.com/kiranshivaraju/controlplane/internal/retry"
	"github.com/kiranshivaraju/controlplane/internal/schema"
	"github.com/kiranshivaraju/controlplane/internal/store"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

// app is the assembled server with everything that must be released on exit.
type app struct {
	handler    http.Handler
	aggregator *metering.Aggregator
	closers    []func()
}

func (a *app) close() {
	a.aggregator.Close()
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func run() error {
	// Load config and fail fast on invalid values
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded",
		"store_driver", cfg.Store.Driver,
		"provisioner_mode", cfg.Provisioner.Mode,
		"env", cfg.Server.Env,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := build(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer a.close()

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      a.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Provisioner.Timeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped")
	return nil
}

// build wires storage, cache and the domain components behind the router.
func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{}
	fail := func(err error) (*app, error) {
		for i := len(a.closers) - 1; i >= 0; i-- {
			a.closers[i]()
		}
		return nil, err
	}

	// 1. Store
	var s store.Store
	switch cfg.Store.Driver {
	case config.StoreDriverPostgres:
		pool, err := store.Connect(ctx, cfg.Database)
		if err != nil {
			return fail(fmt.Errorf("connect database: %w", err))
		}
		a.closers = append(a.closers, pool.Close)
		logger.Info("database connected")

		if err := store.RunMigrations(cfg.Database.URL, cfg.Database.MigrationsDir); err != nil {
			return fail(fmt.Errorf("run migrations: %w", err))
		}
		logger.Info("database migrations applied")
		s = store.NewPostgresStore(pool)
	default:
		mem := store.NewMemoryStore()
		if err := store.SeedDefaults(ctx, mem); err != nil {
			return fail(fmt.Errorf("seed memory store: %w", err))
		}
		logger.Warn("using in-memory store; state is lost on restart")
		s = mem
	}

	// 2. Cache
	var c cache.Cache
	if cfg.Redis.URL != "" {
		rc, err := cache.NewRedisCache(cfg.Redis.URL)
		if err != nil {
			return fail(fmt.Errorf("create redis cache: %w", err))
		}
		a.closers = append(a.closers, func() { _ = rc.Close() })
		if err := rc.Ping(ctx); err != nil {
			return fail(fmt.Errorf("ping redis: %w", err))
		}
		logger.Info("redis connected")
		c = rc
	} else {
		mc := cache.NewMemoryCache(time.Minute)
		a.closers = append(a.closers, func() { _ = mc.Close() })
		c = mc
	}

	// 3. Provisioner
	prov, err := provisioner.New(cfg.Provisioner)
	if err != nil {
		return fail(fmt.Errorf("create provisioner: %w", err))
	}
	logger.Info("provisioner initialized", "provisioner", prov.Name())

	// 4. Domain components
	policy := retry.Policy{
		MaxAttempts:     cfg.Retry.MaxAttempts,
		InitialInterval: cfg.Retry.InitialInterval,
		MaxInterval:     retry.DefaultPolicy.MaxInterval,
	}
	recorder := audit.NewRecorder(s, policy, logger.With("component", "audit"))
	ledger := quota.NewLedger(s, recorder, policy, cfg.Quota.GracePeriod, logger.With("component", "quota"))
	issuer := apikey.NewIssuer(s, policy, logger.With("component", "apikey"))

	manager := lifecycle.NewManager(lifecycle.Deps{
		Store:       s,
		Ledger:      ledger,
		Issuer:      issuer,
		Recorder:    recorder,
		Validator:   schema.NewValidator(),
		Provisioner: prov,
		Cache:       c,
		Retry:       policy,
		Logger:      logger.With("component", "lifecycle"),
	}, lifecycle.Options{
		ProvisionerTimeout: cfg.Provisioner.Timeout,
		IdempotencyTTL:     cfg.Lifecycle.IdempotencyTTL,
	})

	a.aggregator = metering.NewAggregator(s, ledger, recorder, c, policy, logger.With("component", "metering"), metering.Options{
		Workers:       cfg.Metering.Workers,
		QueueSize:     cfg.Metering.QueueSize,
		RecentMetrics: cfg.Metering.RecentMetrics,
		CacheTTL:      cfg.Metering.CacheTTL,
	})
	// Workers run until close drains them, independent of the signal context.
	a.aggregator.Start(context.WithoutCancel(ctx))

	// 5. Router
	var rateLimit *mw.RateLimit
	if cfg.RateLimit.PerMinute > 0 {
		rateLimit = mw.NewRateLimit(c, cfg.RateLimit.PerMinute)
	}
	a.handler = api.NewRouter(api.Wire(api.Services{
		Instances: manager,
		Metrics:   a.aggregator,
		Audit:     recorder,
		Quota:     ledger,
		Health:    map[string]handler.Pinger{"database": s, "cache": c},
		RateLimit: rateLimit,
	}))
	return a, nil
}
