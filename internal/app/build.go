package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/antoniostano/fitbuddy/internal/activity"
	"github.com/antoniostano/fitbuddy/internal/assistant"
	"github.com/antoniostano/fitbuddy/internal/config"
	"github.com/antoniostano/fitbuddy/internal/httpapi"
	"github.com/antoniostano/fitbuddy/internal/notify"
	"github.com/antoniostano/fitbuddy/internal/observability"
	"github.com/antoniostano/fitbuddy/internal/protocol"
	"github.com/antoniostano/fitbuddy/internal/ratelimit"
	"github.com/antoniostano/fitbuddy/internal/reminder"
	"github.com/antoniostano/fitbuddy/internal/session"
	"github.com/antoniostano/fitbuddy/internal/store"
)

type BuildResult struct {
	Config    config.Config
	API       *httpapi.Server
	Store     store.Store
	Sessions  *session.Store
	Assistant *assistant.Service
	Hub       *notify.Hub
	Scheduler *reminder.Scheduler
	Metrics   *observability.Metrics

	// Cleanup releases the persistence backend.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	return build(ctx, cfg, metrics)
}

func build(ctx context.Context, cfg config.Config, metrics *observability.Metrics) (*BuildResult, error) {
	logger := slog.Default().With(slog.String("component", "app"))

	catalog, err := loadCatalog(cfg.CatalogPath)
	if err != nil {
		return nil, err
	}

	st, err := store.NewStore(ctx, cfg.DatabaseURL, cfg.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("store init failed: %w", err)
	}
	logger.Info("persistence ready", slog.String("backend", st.Backend()))

	hub := notify.NewHub(cfg.NotifyQueueSize, metrics)

	sessions := session.NewStore(cfg.InactivityTimeout, catalog.CaloriesPerMinute, metrics)
	sessions.SetExpireHook(func(ctx context.Context, exp session.Expired) {
		metrics.SetActiveActivities(sessions.ActiveCount())
		err := hub.Send(ctx, exp.UserID, protocol.SessionExpired{
			Type:        protocol.TypeSessionExpired,
			UserID:      exp.UserID,
			ActivityID:  exp.Activity.ID,
			Kind:        exp.Activity.Kind,
			IdleMinutes: int(exp.IdleFor.Minutes()),
			Text:        "Your workout was closed after a period of inactivity.",
		})
		var derr *notify.DeliveryError
		if errors.As(err, &derr) {
			logger.Debug("session expiry not delivered", slog.String("user_id", exp.UserID), slog.Any("error", err))
		}
	})

	limiter := ratelimit.New(ratelimit.Config{
		WindowSeconds: cfg.RateLimitWindowSeconds,
		MaxEvents:     cfg.RateLimitMaxEvents,
		BlockSeconds:  cfg.RateLimitBlockSeconds,
	})

	svc, err := assistant.New(limiter, sessions, catalog, st, metrics)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	scheduler := reminder.NewScheduler(st, hub, cfg.ReminderLocation, metrics)

	api := httpapi.New(cfg, svc, st, hub, metrics)

	return &BuildResult{
		Config:    cfg,
		API:       api,
		Store:     st,
		Sessions:  sessions,
		Assistant: svc,
		Hub:       hub,
		Scheduler: scheduler,
		Metrics:   metrics,
		Cleanup:   st.Close,
	}, nil
}

func loadCatalog(path string) (*activity.Catalog, error) {
	if path == "" {
		catalog, err := activity.DefaultCatalog()
		if err != nil {
			return nil, fmt.Errorf("default catalog: %w", err)
		}
		return catalog, nil
	}
	catalog, err := activity.LoadCatalog(path)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	return catalog, nil
}

// StartBackground launches the inactivity janitor and the reminder
// scheduler. The returned channels close once each loop has stopped.
func (b *BuildResult) StartBackground(ctx context.Context) []<-chan struct{} {
	return []<-chan struct{}{
		b.Sessions.StartJanitor(ctx, b.Config.SweepInterval),
		b.Scheduler.Start(ctx),
	}
}
