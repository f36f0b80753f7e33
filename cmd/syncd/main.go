package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/angelmondragon/painsync/internal/app"
	"github.com/angelmondragon/painsync/internal/syncqueue"
	"github.com/angelmondragon/painsync/pkg/config"
	"github.com/angelmondragon/painsync/pkg/logger"
)

const shutdownTimeout = 10 * time.Second

func main() {
	logg := logger.New(logger.Options{ServiceName: "syncd"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "syncd",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
		Format:      cfg.App.LogFormat,
		Fields:      cfg.App.LogFields(),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":       cfg.App.Env,
		"simulated": cfg.API.Simulated,
	})

	if err := run(ctx, cfg, logg); err != nil {
		logg.Error(ctx, "syncd stopped unexpectedly", err)
		os.Exit(1)
	}
	logg.Info(ctx, "syncd shutting down gracefully")
}

func run(ctx context.Context, cfg *config.Config, logg *logger.Logger) error {
	a, err := app.New(ctx, cfg, logg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logg.Error(context.Background(), "error closing resources", err)
		}
	}()

	orch, err := a.Orchestrator(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := orch.Close(); err != nil {
			logg.Error(context.Background(), "error stopping orchestrator", err)
		}
	}()

	unsubscribe := orch.Subscribe(func(status syncqueue.SyncStatus) {
		if status.NeedsAttention() {
			logg.Warn(logg.WithFields(ctx, map[string]any{
				"failed":  status.FailedCount,
				"overdue": status.OverdueCount,
				"expired": status.ExpiredCount,
			}), "sync queue needs attention")
		}
	})
	defer unsubscribe()

	housekeeping, err := a.Housekeeping()
	if err != nil {
		return err
	}
	go func() {
		if err := housekeeping.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logg.Error(ctx, "housekeeping stopped unexpectedly", err)
		}
	}()

	server := &http.Server{
		Addr:              cfg.App.StatusAddr,
		Handler:           a.StatusHandler(orch),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		logg.Info(logg.WithField(ctx, "addr", cfg.App.StatusAddr), "status server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
