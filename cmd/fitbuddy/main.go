package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/antoniostano/fitbuddy/internal/app"
	"github.com/antoniostano/fitbuddy/internal/config"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config error", slog.Any("error", err))
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	built, err := app.Build(ctx, cfg)
	if err != nil {
		slog.Error("startup failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := built.Cleanup(); err != nil {
			slog.Error("cleanup failed", slog.Any("error", err))
		}
	}()

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	loops := built.StartBackground(runCtx)

	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           built.API.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("server listening",
			slog.String("addr", cfg.BindAddr),
			slog.String("store_backend", built.Store.Backend()),
			slog.String("reminder_timezone", cfg.ReminderTimezone),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-serveErr:
		slog.Error("listen error", slog.Any("error", err))
	}

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("graceful shutdown failed", slog.Any("error", err))
		_ = httpServer.Close()
	}
	for _, done := range loops {
		select {
		case <-done:
		case <-shutdownCtx.Done():
			slog.Warn("background loop did not stop before shutdown timeout")
		}
	}

	slog.Info("shutdown complete")
}
