package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"ledger/internal/amqp"
	"ledger/internal/cache"
	"ledger/internal/commands"
	"ledger/internal/config"
	apphttp "ledger/internal/http"
	applog "ledger/internal/log"
	"ledger/internal/services"
	"ledger/internal/storage"
)

func main() {
	// Load .env file if present
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		applog.New(applog.DefaultConfig()).Error("Failed to load configuration", applog.FieldError, err)
		os.Exit(1)
	}

	logger := applog.New(applog.Config{
		Level:     applog.ParseLevel(cfg.LogLevel),
		JSON:      cfg.LogJSON,
		Output:    os.Stdout,
		Component: applog.ComponentApp,
	})
	applog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid configuration", applog.FieldError, err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("Ledger server stopped with error", applog.FieldError, err)
		os.Exit(1)
	}
	logger.Info("Ledger server stopped")
}

func run(cfg *config.Config, logger *applog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, err := storage.NewSQLiteRepository(cfg.DBPath)
	if err != nil {
		return err
	}
	logger.Info("Opened ledger database", applog.FieldOperation, applog.OpStartup, "path", cfg.DBPath)

	opts := services.Options{
		ChartCacheSize: cfg.ChartCacheSize,
		ChartCacheTTL:  cfg.ChartCacheTTL,
	}
	if cfg.EventsEnabled() {
		client, err := amqp.NewClient(ctx, amqp.Config{
			URL:        cfg.AMQPURL,
			Exchange:   cfg.AMQPExchange,
			RoutingKey: cfg.AMQPRoutingKey,
		})
		if err != nil {
			repo.Close()
			return err
		}
		opts.Events = client
	} else {
		logger.Info("AMQP_URL not set, ledger events are not published")
	}

	engine := services.NewEngine(repo, opts)
	defer func() {
		if err := engine.Close(); err != nil {
			logger.Error("Failed to close engine", applog.FieldError, err)
		}
	}()

	if cfg.RebuildOnStart {
		drifts, err := engine.Rebuild(ctx)
		if err != nil {
			return err
		}
		logger.Info("Balances rebuilt", applog.FieldOperation, applog.OpRebuild, "drifted_accounts", len(drifts))
	}

	caches := cache.NewManager()
	caches.Register(engine.Charts.Cache())
	caches.StartCleanup(cfg.ChartCacheTTL)
	defer caches.Stop()

	srv := apphttp.NewServer(apphttp.Options{
		Addr:   ":" + cfg.Port,
		Logger: logger,
	}, commands.NewDispatcher(engine), engine)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("HTTP server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down", applog.FieldOperation, applog.OpShutdown)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
